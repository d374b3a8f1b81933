package tracer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-analyze/bulk"
)

// Session tracks attach state and the stack of active trace requests for one debuggee. Protocol requests may arrive
// on any goroutine, while frame hooks are invoked on the engine goroutine.
type Session struct {
	config       Config
	engine       Engine
	blackBoxer   BlackBoxer
	sourceMapper SourceMapper
	snapshotter  *Snapshotter
	scheduler    *JobScheduler
	buffer       *PacketBuffer
	lookups      LimitingWaitGroup

	opMu sync.Mutex // serializes protocol requests, held across the detach drain

	mu           sync.Mutex
	attached     bool
	requests     *NamedStack[TraceRequest]
	fieldCounts  map[TraceField]int
	hitCounts    map[ScriptID]uint64
	sequence     uint64
	startTime    time.Time
	traceCounter int
	liveFrames   map[FrameID]*liveFrame
	lookupCtx    context.Context
	lookupCancel context.CancelFunc
}

// NewSession creates a detached Session. Nothing is black boxed and locations are reported as generated.
func NewSession(config Config, engine Engine, sender Sender) *Session {
	return &Session{
		config:       config,
		engine:       engine,
		blackBoxer:   neverBlackBoxed{},
		sourceMapper: identitySourceMapper{},
		snapshotter:  NewSnapshotter(config),
		scheduler:    NewJobScheduler(),
		buffer:       NewPacketBuffer(sender, config.BufferSendDelay),
		lookups:      NewLimitingWaitGroup(max(1, config.MaxPendingLookups)),
		requests:     NewNamedStack[TraceRequest](),
		fieldCounts:  make(map[TraceField]int),
		hitCounts:    make(map[ScriptID]uint64),
		liveFrames:   make(map[FrameID]*liveFrame),
	}
}

// NewSessionWithProviders creates a detached Session using the supplied collaborators, nil values use the defaults.
func NewSessionWithProviders(config Config, engine Engine, sender Sender,
	blackBoxer BlackBoxer, sourceMapper SourceMapper) *Session {
	s := NewSession(config, engine, sender)
	if blackBoxer != nil {
		s.blackBoxer = blackBoxer
	}
	if sourceMapper != nil {
		s.sourceMapper = sourceMapper
	}
	return s
}

// Attach begins observing the debuggee. Fails with wrongState if already attached.
func (s *Session) Attach() (AttachedResponse, *ProtocolError) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	if s.attached {
		s.mu.Unlock()
		return AttachedResponse{}, wrongState("already attached")
	}
	s.attached = true
	s.lookupCtx, s.lookupCancel = context.WithCancel(context.Background())
	s.buffer.Reopen()
	fields := s.wantedFieldsLocked()
	s.mu.Unlock()

	s.engine.AddDebuggees()
	return AttachedResponse{Type: "attached", TraceFields: fields}, nil
}

// Detach stops every active trace and stops observing the debuggee. Packets for frames observed before the call are
// given until the context or the configured drain timeout ends to be sent, then discarded. Nothing is sent after
// Detach returns. Detaching a detached session has no effect.
func (s *Session) Detach(ctx context.Context) DetachedResponse {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if !s.attached {
		s.mu.Unlock()
		return DetachedResponse{Type: "detached"}
	}
	wasTracing := s.requests.Len() > 0
	for s.requests.Len() > 0 {
		s.stopLocked("")
	}
	s.attached = false
	lookupCancel := s.lookupCancel
	s.mu.Unlock()

	if wasTracing {
		s.uninstallHook()
	}
	s.engine.RemoveDebuggees()

	drainCtx, cancel := context.WithTimeout(ctx, s.config.DrainTimeout)
	defer cancel()
	if err := s.scheduler.Wait(drainCtx); err != nil {
		if discarded := s.scheduler.Discard(); discarded > 0 {
			log.Printf("%sDiscarded %d pending trace packets on detach: %v", ErrorLogPrefix, discarded, err)
		}
	}
	lookupCancel()
	s.lookups.Join() // lookups are canceled, no late job may outlive the detach
	s.buffer.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.fieldCounts)
	clear(s.hitCounts)
	clear(s.liveFrames)
	s.sequence = 0
	s.traceCounter = 0
	return DetachedResponse{Type: "detached"}
}

// StartTrace pushes a new trace request, installing the frame hook if the session was idle. Starting a trace with
// the name of an active trace replaces it.
func (s *Session) StartTrace(req StartTraceRequest) (StartedTraceResponse, *ProtocolError) {
	fields, err := ParseTraceFields(req.Trace)
	if err != nil {
		return StartedTraceResponse{}, &ProtocolError{Name: ErrorBadParameterType, Message: err.Error()}
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	if !s.attached {
		s.mu.Unlock()
		return StartedTraceResponse{}, wrongState("not attached")
	}
	name := req.Name
	for name == "" || (req.Name == "" && s.requests.Has(name)) {
		s.traceCounter++
		name = fmt.Sprintf("Trace %d", s.traceCounter)
	}

	wasIdle := s.requests.Len() == 0
	if prior, ok := s.requests.Delete(name); ok {
		s.releaseFieldsLocked(prior.Fields)
	}
	for _, f := range fields {
		s.fieldCounts[f]++
	}
	s.requests.Push(name, TraceRequest{Name: name, Fields: fields})
	if wasIdle {
		s.sequence = 0
		s.startTime = time.Now()
	}
	s.mu.Unlock()

	if wasIdle {
		s.engine.SetEnterFrameHook(s.onEnterFrame)
		s.engine.SetHookEnabled(true)
	}
	return StartedTraceResponse{Type: "startedTrace", Why: "requested", Name: name}, nil
}

// StopTrace stops the named trace, or the most recently started trace when no name is given. Stopping the last trace
// returns the session to idle.
func (s *Session) StopTrace(req StopTraceRequest) (StoppedTraceResponse, *ProtocolError) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	if !s.attached {
		s.mu.Unlock()
		return StoppedTraceResponse{}, wrongState("not attached")
	} else if s.requests.Len() == 0 {
		s.mu.Unlock()
		return StoppedTraceResponse{}, wrongState("no active traces")
	} else if req.Name != "" && !s.requests.Has(req.Name) {
		s.mu.Unlock()
		return StoppedTraceResponse{}, &ProtocolError{
			Name:    ErrorNoSuchTrace,
			Message: fmt.Sprintf("no trace named %q", req.Name),
		}
	}
	name := s.stopLocked(req.Name)
	idle := s.requests.Len() == 0
	s.mu.Unlock()

	if idle {
		s.uninstallHook()
	}
	return StoppedTraceResponse{Type: "stoppedTrace", Why: "requested", Name: name}, nil
}

// uninstallHook removes the enter frame hook. It is called without holding mu, an engine may wait for hooks running
// on other goroutines, and those hooks take mu.
func (s *Session) uninstallHook() {
	s.engine.SetHookEnabled(false)
	s.engine.SetEnterFrameHook(nil)
}

// stopLocked removes the named request, or the topmost when name is empty. The request must exist. When the last
// request is removed the caller must uninstallHook after releasing mu.
func (s *Session) stopLocked(name string) string {
	var request TraceRequest
	if name == "" {
		name, request, _ = s.requests.Pop()
	} else {
		request, _ = s.requests.Delete(name)
	}
	s.releaseFieldsLocked(request.Fields)

	if s.requests.Len() == 0 {
		for id, lf := range s.liveFrames {
			lf.frame.OnPop(nil)
			delete(s.liveFrames, id)
		}
	}
	return name
}

func (s *Session) releaseFieldsLocked(fields []TraceField) {
	for _, f := range fields {
		if s.fieldCounts[f] <= 1 {
			delete(s.fieldCounts, f)
			if f == FieldHitCount {
				clear(s.hitCounts)
			}
		} else {
			s.fieldCounts[f]--
		}
	}
}

func (s *Session) wantedLocked(f TraceField) bool {
	return s.fieldCounts[f] > 0
}

func (s *Session) wantedFieldsLocked() []TraceField {
	fields := bulk.SliceFilter(func(f TraceField) bool {
		return s.fieldCounts[f] > 0
	}, AllTraceFields)
	if fields == nil {
		return []TraceField{}
	}
	return fields
}

// WantedFields returns the fields requested by at least one active trace, in canonical order.
func (s *Session) WantedFields() []TraceField {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wantedFieldsLocked()
}

// ActiveTraces returns the names of the active traces, oldest first.
func (s *Session) ActiveTraces() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests.Keys()
}

func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

// Idle reports if the session is attached with no active traces.
func (s *Session) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached && s.requests.Len() == 0
}

// Tracing reports if the session is attached with at least one active trace.
func (s *Session) Tracing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracingLocked()
}

func (s *Session) tracingLocked() bool {
	return s.attached && s.requests.Len() > 0
}

// HitCount returns the count of entries into frames of the given script since hit counting was last requested.
func (s *Session) HitCount(id ScriptID) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hitCounts[id]
}
