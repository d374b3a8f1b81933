package tracer

import (
	"context"
	"log"
	"time"
)

const debugPipeline = false

// liveFrame is a frame with an installed pop handler. Presence in the session arena is what permits the handler to
// produce an exit packet, so each entry produces at most one.
type liveFrame struct {
	frame Frame
	depth int
}

func (s *Session) onEnterFrame(frame Frame) {
	s.mu.Lock()
	if !s.tracingLocked() {
		s.mu.Unlock()
		return
	}
	job := s.scheduler.Schedule()
	packet := &EnteredFrame{Type: packetTypeEnteredFrame, Sequence: s.sequence}
	s.sequence++

	script := frame.Script()
	if script != nil {
		if s.wantedLocked(FieldHitCount) {
			s.hitCounts[script.ID()]++
			count := s.hitCounts[script.ID()]
			packet.HitCount = &count
		}
		packet.BlackBoxed = s.blackBoxer.IsBlackBoxed(script.URL())
	}
	if s.wantedLocked(FieldCallsite) {
		packet.Callsite = callsiteOf(frame.Older())
	}
	if s.wantedLocked(FieldTime) {
		t := s.elapsedLocked()
		packet.Time = &t
	}
	if s.wantedLocked(FieldParameterNames) {
		names := []string{}
		if callee := frame.Callee(); callee != nil {
			if calleeNames, err := callee.ParameterNames(); err != nil {
				log.Printf("%sFailed to read parameter names: %v", ErrorLogPrefix, err)
				names = nil
			} else {
				names = append(names, calleeNames...)
			}
		}
		if names != nil {
			packet.ParameterNames = &names
		}
	}
	if s.wantedLocked(FieldArguments) {
		if args, err := frame.Arguments(); err != nil {
			log.Printf("%sFailed to read frame arguments: %v", ErrorLogPrefix, err)
		} else {
			args = args[:min(len(args), s.config.MaxArguments)]
			snapshots := make([]any, len(args))
			for i, a := range args {
				snapshots[i] = s.snapshotter.Snapshot(a, true)
			}
			packet.Arguments = &snapshots
		}
	}
	depth := s.frameDepthLocked(frame)
	if s.wantedLocked(FieldDepth) {
		packet.Depth = &depth
	}

	if _, live := s.liveFrames[frame.ID()]; !live {
		s.liveFrames[frame.ID()] = &liveFrame{frame: frame, depth: depth}
		frame.OnPop(func(c *Completion) {
			s.onExitFrame(frame, c)
		})
	}

	wantName := s.wantedLocked(FieldName)
	wantLocation := s.wantedLocked(FieldLocation)
	lookupCtx := s.lookupCtx
	s.mu.Unlock()

	if script == nil || !(wantName || wantLocation) {
		job.Run(func() { s.buffer.Push(packet) })
		return
	}
	line, column, err := frame.Location()
	if err != nil {
		log.Printf("%sFailed to read frame location: %v", ErrorLogPrefix, err)
		job.Run(func() { s.buffer.Push(packet) })
		return
	}
	generated := GeneratedLocation{URL: script.URL(), Line: line, Column: column}
	name := frameName(frame)

	s.lookups.Take()
	go func() {
		defer s.lookups.Release()
		ctx, cancel := context.WithTimeout(lookupCtx, s.config.LocationTimeout)
		defer cancel()

		original, err := s.sourceMapper.OriginalLocation(ctx, generated)
		if err != nil {
			log.Printf("%sFailed to resolve original location for %s:%d:%d: %v",
				ErrorLogPrefix, generated.URL, generated.Line, generated.Column, err)
		} else {
			if wantLocation {
				packet.Location = &SourceLocation{URL: original.URL, Line: original.Line, Column: original.Column}
			}
			if wantName {
				if original.Name != "" {
					name = original.Name
				}
				packet.Name = &name
			}
		}
		job.Run(func() { s.buffer.Push(packet) })
	}()
}

func (s *Session) onExitFrame(frame Frame, completion *Completion) {
	s.mu.Lock()
	lf, live := s.liveFrames[frame.ID()]
	if !live {
		s.mu.Unlock()
		if debugPipeline {
			log.Printf("Ignoring pop of untracked frame %d", frame.ID())
		}
		return
	}
	delete(s.liveFrames, frame.ID())
	frame.OnPop(nil)
	if !s.tracingLocked() {
		s.mu.Unlock()
		return
	}

	job := s.scheduler.Schedule()
	packet := &ExitedFrame{Type: packetTypeExitedFrame, Sequence: s.sequence}
	s.sequence++
	if s.wantedLocked(FieldTime) {
		t := s.elapsedLocked()
		packet.Time = &t
	}
	if s.wantedLocked(FieldDepth) {
		depth := lf.depth
		packet.Depth = &depth
	}
	if completion == nil {
		packet.Why = WhyTerminated
	} else {
		switch completion.Kind {
		case CompletionReturn:
			packet.Why = WhyReturn
			if s.wantedLocked(FieldReturn) {
				packet.Return = s.snapshotter.Snapshot(completion.Value, true)
			}
		case CompletionYield:
			packet.Why = WhyYield
			if s.wantedLocked(FieldYield) {
				packet.Yield = s.snapshotter.Snapshot(completion.Value, true)
			}
		default:
			packet.Why = WhyThrow
			if s.wantedLocked(FieldThrow) {
				packet.Throw = s.snapshotter.Snapshot(completion.Value, true)
			}
		}
	}
	s.mu.Unlock()

	job.Run(func() { s.buffer.Push(packet) })
}

// frameDepthLocked counts the frames older than frame, reusing the depth recorded for the nearest live ancestor.
func (s *Session) frameDepthLocked(frame Frame) int {
	var depth int
	for older := frame.Older(); older != nil; older = older.Older() {
		if lf, ok := s.liveFrames[older.ID()]; ok {
			return depth + lf.depth + 1
		}
		depth++
	}
	return depth
}

func (s *Session) elapsedLocked() float64 {
	return float64(time.Since(s.startTime).Microseconds()) / 1000
}

func callsiteOf(caller Frame) *SourceLocation {
	if caller == nil {
		return nil
	}
	script := caller.Script()
	if script == nil {
		return nil
	}
	line, column, err := caller.Location()
	if err != nil {
		log.Printf("%sFailed to read callsite location: %v", ErrorLogPrefix, err)
		return nil
	}
	return &SourceLocation{URL: script.URL(), Line: line, Column: column}
}

// frameName is the name reported for a frame when no original name is known.
func frameName(frame Frame) string {
	if callee := frame.Callee(); callee != nil {
		if name := callee.DisplayName(); name != "" {
			return name
		}
		return "(anonymous function)"
	}
	return "(" + frame.Type() + ")"
}
