package tracer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T) (*Session, *fakeEngine, *recordingSender) {
	t.Helper()

	engine := newFakeEngine()
	sender := &recordingSender{}
	s := NewSession(testConfig(), engine, sender)
	t.Cleanup(func() { s.Detach(context.Background()) })
	return s, engine, sender
}

func requireIdleInvariant(t *testing.T, s *Session, engine *fakeEngine) {
	t.Helper()

	assert.Equal(t, s.Attached() && len(s.ActiveTraces()) == 0, s.Idle())
	assert.Equal(t, s.Tracing(), engine.hookInstalled())
}

func TestSessionAttach(t *testing.T) {
	t.Parallel()

	s, engine, _ := newTestSession(t)
	resp, perr := s.Attach()
	require.Nil(t, perr)
	assert.Equal(t, "attached", resp.Type)
	assert.Empty(t, resp.TraceFields)
	assert.NotNil(t, resp.TraceFields)
	assert.True(t, engine.debuggees)
	assert.True(t, s.Idle())

	_, perr = s.Attach()
	require.NotNil(t, perr)
	assert.Equal(t, ErrorWrongState, perr.Name)
}

func TestSessionDetach(t *testing.T) {
	t.Parallel()

	s, engine, _ := newTestSession(t)
	assert.Equal(t, DetachedResponse{Type: "detached"}, s.Detach(context.Background()))

	_, perr := s.Attach()
	require.Nil(t, perr)
	_, perr = s.StartTrace(StartTraceRequest{Trace: []string{"depth"}})
	require.Nil(t, perr)
	_, perr = s.StartTrace(StartTraceRequest{Trace: []string{"time"}})
	require.Nil(t, perr)

	assert.Equal(t, DetachedResponse{Type: "detached"}, s.Detach(context.Background()))
	assert.False(t, s.Attached())
	assert.False(t, engine.hookInstalled())
	assert.False(t, engine.debuggees)
	assert.Empty(t, s.ActiveTraces())
	assert.Empty(t, s.WantedFields())

	// detached again has no effect
	assert.Equal(t, DetachedResponse{Type: "detached"}, s.Detach(context.Background()))
}

func TestSessionRequiresAttach(t *testing.T) {
	t.Parallel()

	s, engine, _ := newTestSession(t)
	_, perr := s.StartTrace(StartTraceRequest{Trace: []string{"depth"}})
	require.NotNil(t, perr)
	assert.Equal(t, ErrorWrongState, perr.Name)
	assert.False(t, engine.hookInstalled())

	_, perr = s.StopTrace(StopTraceRequest{})
	require.NotNil(t, perr)
	assert.Equal(t, ErrorWrongState, perr.Name)
}

func TestSessionStartTraceBadField(t *testing.T) {
	t.Parallel()

	s, engine, _ := newTestSession(t)
	_, perr := s.Attach()
	require.Nil(t, perr)

	_, perr = s.StartTrace(StartTraceRequest{Trace: []string{"badField"}})
	require.NotNil(t, perr)
	assert.Equal(t, ErrorBadParameterType, perr.Name)
	assert.Contains(t, perr.Message, "badField")
	assert.Empty(t, s.ActiveTraces())
	assert.Empty(t, s.WantedFields())
	assert.False(t, engine.hookInstalled())

	// partially valid requests are rejected entirely
	_, perr = s.StartTrace(StartTraceRequest{Trace: []string{"depth", "bogus"}})
	require.NotNil(t, perr)
	assert.Empty(t, s.WantedFields())
	requireIdleInvariant(t, s, engine)
}

func TestSessionStopTraceNoSuchTrace(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestSession(t)
	_, perr := s.Attach()
	require.Nil(t, perr)
	started, perr := s.StartTrace(StartTraceRequest{Trace: []string{"time"}})
	require.Nil(t, perr)
	assert.Equal(t, StartedTraceResponse{Type: "startedTrace", Why: "requested", Name: "Trace 1"}, started)

	_, perr = s.StopTrace(StopTraceRequest{Name: "nonexistent"})
	require.NotNil(t, perr)
	assert.Equal(t, ErrorNoSuchTrace, perr.Name)
	assert.Equal(t, []string{"Trace 1"}, s.ActiveTraces())
	assert.True(t, s.Tracing())
}

func TestSessionStopTraceOrder(t *testing.T) {
	t.Parallel()

	s, engine, _ := newTestSession(t)
	_, perr := s.Attach()
	require.Nil(t, perr)

	for _, req := range []StartTraceRequest{
		{Trace: []string{"depth"}},
		{Trace: []string{"time"}, Name: "panel"},
		{Trace: []string{"hitCount"}},
	} {
		_, perr := s.StartTrace(req)
		require.Nil(t, perr)
		requireIdleInvariant(t, s, engine)
	}
	assert.Equal(t, []string{"Trace 1", "panel", "Trace 2"}, s.ActiveTraces())

	stopped, perr := s.StopTrace(StopTraceRequest{Name: "panel"})
	require.Nil(t, perr)
	assert.Equal(t, StoppedTraceResponse{Type: "stoppedTrace", Why: "requested", Name: "panel"}, stopped)
	assert.Equal(t, []TraceField{FieldHitCount, FieldDepth}, s.WantedFields())

	stopped, perr = s.StopTrace(StopTraceRequest{})
	require.Nil(t, perr)
	assert.Equal(t, "Trace 2", stopped.Name)
	requireIdleInvariant(t, s, engine)

	stopped, perr = s.StopTrace(StopTraceRequest{})
	require.Nil(t, perr)
	assert.Equal(t, "Trace 1", stopped.Name)
	assert.True(t, s.Idle())
	requireIdleInvariant(t, s, engine)

	_, perr = s.StopTrace(StopTraceRequest{})
	require.NotNil(t, perr)
	assert.Equal(t, ErrorWrongState, perr.Name)
}

func TestSessionFieldRefCounts(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestSession(t)
	_, perr := s.Attach()
	require.Nil(t, perr)

	_, perr = s.StartTrace(StartTraceRequest{Trace: []string{"depth", "time"}, Name: "a"})
	require.Nil(t, perr)
	_, perr = s.StartTrace(StartTraceRequest{Trace: []string{"depth", "depth"}, Name: "b"})
	require.Nil(t, perr)
	assert.Equal(t, []TraceField{FieldTime, FieldDepth}, s.WantedFields())

	_, perr = s.StopTrace(StopTraceRequest{Name: "a"})
	require.Nil(t, perr)
	assert.Equal(t, []TraceField{FieldDepth}, s.WantedFields())

	_, perr = s.StopTrace(StopTraceRequest{Name: "b"})
	require.Nil(t, perr)
	assert.Empty(t, s.WantedFields())
}

func TestSessionRestartSameName(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestSession(t)
	_, perr := s.Attach()
	require.Nil(t, perr)

	_, perr = s.StartTrace(StartTraceRequest{Trace: []string{"hitCount"}, Name: "a"})
	require.Nil(t, perr)
	_, perr = s.StartTrace(StartTraceRequest{Trace: []string{"depth"}, Name: "b"})
	require.Nil(t, perr)
	_, perr = s.StartTrace(StartTraceRequest{Trace: []string{"time"}, Name: "a"})
	require.Nil(t, perr)

	assert.Equal(t, []string{"b", "a"}, s.ActiveTraces())
	assert.Equal(t, []TraceField{FieldTime, FieldDepth}, s.WantedFields())

	_, perr = s.StopTrace(StopTraceRequest{})
	require.Nil(t, perr)
	assert.Equal(t, []TraceField{FieldDepth}, s.WantedFields())
}

func TestSessionGeneratedNamesUnique(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestSession(t)
	_, perr := s.Attach()
	require.Nil(t, perr)

	_, perr = s.StartTrace(StartTraceRequest{Trace: []string{"time"}, Name: "Trace 2"})
	require.Nil(t, perr)
	first, perr := s.StartTrace(StartTraceRequest{Trace: []string{"time"}})
	require.Nil(t, perr)
	second, perr := s.StartTrace(StartTraceRequest{Trace: []string{"time"}})
	require.Nil(t, perr)

	assert.Equal(t, "Trace 1", first.Name)
	assert.Equal(t, "Trace 3", second.Name)
	assert.Equal(t, []string{"Trace 2", "Trace 1", "Trace 3"}, s.ActiveTraces())
}

func TestSessionAttachAfterDetach(t *testing.T) {
	t.Parallel()

	s, engine, _ := newTestSession(t)
	_, perr := s.Attach()
	require.Nil(t, perr)
	_, perr = s.StartTrace(StartTraceRequest{Trace: []string{"time"}})
	require.Nil(t, perr)
	s.Detach(context.Background())

	resp, perr := s.Attach()
	require.Nil(t, perr)
	assert.Empty(t, resp.TraceFields)
	started, perr := s.StartTrace(StartTraceRequest{Trace: []string{"time"}})
	require.Nil(t, perr)
	assert.Equal(t, "Trace 1", started.Name)
	requireIdleInvariant(t, s, engine)
}

func TestSessionIdleInvariant(t *testing.T) {
	t.Parallel()

	s, engine, _ := newTestSession(t)
	steps := []func(){
		func() { _, _ = s.StartTrace(StartTraceRequest{Trace: []string{"time"}}) },
		func() { _, _ = s.Attach() },
		func() { _, _ = s.StopTrace(StopTraceRequest{}) },
		func() { _, _ = s.StartTrace(StartTraceRequest{Trace: []string{"time"}}) },
		func() { _, _ = s.StartTrace(StartTraceRequest{Trace: []string{"depth"}, Name: "x"}) },
		func() { _, _ = s.StopTrace(StopTraceRequest{Name: "missing"}) },
		func() { _, _ = s.StopTrace(StopTraceRequest{Name: "x"}) },
		func() { _, _ = s.Attach() },
		func() { s.Detach(context.Background()) },
		func() { _, _ = s.StopTrace(StopTraceRequest{}) },
		func() { _, _ = s.Attach() },
		func() { _, _ = s.StartTrace(StartTraceRequest{Trace: []string{"nope"}}) },
		func() { _, _ = s.StartTrace(StartTraceRequest{Trace: []string{"name"}}) },
		func() { _, _ = s.StopTrace(StopTraceRequest{}) },
		func() { s.Detach(context.Background()) },
	}
	requireIdleInvariant(t, s, engine)
	for _, step := range steps {
		step()
		requireIdleInvariant(t, s, engine)
	}
}

// waitingEngine runs the last installed hook on another goroutine whenever hooks are disabled or debuggees are
// removed, and waits for it to return, as an engine draining in-flight hooks would.
type waitingEngine struct {
	*fakeEngine
	frame *fakeFrame

	mu       sync.Mutex
	lastHook func(Frame)
	waits    int
	stalls   int
}

func (e *waitingEngine) SetEnterFrameHook(hook func(Frame)) {
	if hook != nil {
		e.mu.Lock()
		e.lastHook = hook
		e.mu.Unlock()
	}
	e.fakeEngine.SetEnterFrameHook(hook)
}

func (e *waitingEngine) SetHookEnabled(enabled bool) {
	if !enabled {
		e.waitForHook()
	}
	e.fakeEngine.SetHookEnabled(enabled)
}

func (e *waitingEngine) RemoveDebuggees() {
	e.waitForHook()
	e.fakeEngine.RemoveDebuggees()
}

func (e *waitingEngine) waitForHook() {
	e.mu.Lock()
	hook := e.lastHook
	e.mu.Unlock()
	if hook == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		hook(e.frame)
	}()
	select {
	case <-done:
		e.mu.Lock()
		e.waits++
		e.mu.Unlock()
	case <-time.After(time.Second):
		e.mu.Lock()
		e.stalls++
		e.mu.Unlock()
	}
}

func TestSessionEngineMayWaitForHooks(t *testing.T) {
	t.Parallel()

	engine := &waitingEngine{fakeEngine: newFakeEngine()}
	engine.frame = engine.newFrame(nil, "late", &fakeScript{id: 1, url: "app.js"})
	sender := &recordingSender{}
	s := NewSession(testConfig(), engine, sender)

	_, perr := s.Attach()
	require.Nil(t, perr)
	_, perr = s.StartTrace(StartTraceRequest{Trace: []string{"depth"}})
	require.Nil(t, perr)
	_, perr = s.StopTrace(StopTraceRequest{})
	require.Nil(t, perr)
	_, perr = s.StartTrace(StartTraceRequest{Trace: []string{"depth"}})
	require.Nil(t, perr)
	s.Detach(context.Background())

	engine.mu.Lock()
	defer engine.mu.Unlock()
	assert.Zero(t, engine.stalls)
	assert.Equal(t, 3, engine.waits) // stop, detach disable, detach remove
	assert.Empty(t, sender.packets()) // hooks run after the trace ended emit nothing
}
