package tracer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	session    *Session
	engine     *fakeEngine
	outbox     *Outbox
	sourceMaps *SourceMapStore
	http       *httptest.Server
	client     *Client
}

func newTestServer(t *testing.T, withSourceMaps bool) *testServer {
	t.Helper()

	ts := &testServer{engine: newFakeEngine(), outbox: NewOutbox(16)}
	var mapper SourceMapper
	if withSourceMaps {
		ts.sourceMaps = newTestSourceMapStore(t, NewMemStorage())
		mapper = ts.sourceMaps
	}
	ts.session = NewSessionWithProviders(testConfig(), ts.engine, ts.outbox, nil, mapper)
	server := NewServer(ts.session, ts.outbox, ts.sourceMaps)
	ts.http = httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ts.session.Detach(context.Background())
		ts.http.Close()
	})
	ts.client = NewClient(ts.http.URL + "/")
	return ts
}

func (ts *testServer) pollPackets(t *testing.T, want int) []Packet {
	t.Helper()

	var packets []Packet
	deadline := time.Now().Add(5 * time.Second)
	for len(packets) < want && time.Now().Before(deadline) {
		resp, err := ts.client.PollTraces(context.Background(), 500*time.Millisecond)
		require.NoError(t, err)
		for _, msg := range resp.Messages {
			assert.Equal(t, "traces", msg.Type)
			packets = append(packets, msg.Traces...)
		}
	}
	return packets
}

func requireProtocolError(t *testing.T, err error, name string) {
	t.Helper()

	var perr *ProtocolError
	require.True(t, errors.As(err, &perr), "expected protocol error, got: %v", err)
	assert.Equal(t, name, perr.Name)
}

func TestServerTraceFlow(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, false)
	ctx := context.Background()

	attached, err := ts.client.Attach(ctx)
	require.NoError(t, err)
	assert.Equal(t, "attached", attached.Type)
	assert.Empty(t, attached.TraceFields)

	_, err = ts.client.StartTrace(ctx, StartTraceRequest{Trace: []string{"depth", "badField"}})
	requireProtocolError(t, err, ErrorBadParameterType)

	started, err := ts.client.StartTrace(ctx, StartTraceRequest{Trace: []string{"depth", "return"}, Name: "calls"})
	require.NoError(t, err)
	assert.Equal(t, StartedTraceResponse{Type: "startedTrace", Why: "requested", Name: "calls"}, started)
	require.True(t, ts.session.Tracing())

	script := &fakeScript{id: 1, url: "app.js"}
	ts.engine.call(nil, "outer", script, func(outer *fakeFrame) {
		ts.engine.call(outer, "inner", script, nil)
	})

	packets := ts.pollPackets(t, 4)
	require.Len(t, packets, 4)
	requireSequential(t, packets)
	entered, ok := packets[1].(*EnteredFrame)
	require.True(t, ok)
	require.NotNil(t, entered.Depth)
	assert.Equal(t, 1, *entered.Depth)
	exited, ok := packets[3].(*ExitedFrame)
	require.True(t, ok)
	assert.Equal(t, WhyReturn, exited.Why)
	assert.Equal(t, map[string]any{"type": "undefined"}, exited.Return)

	_, err = ts.client.StopTrace(ctx, StopTraceRequest{Name: "missing"})
	requireProtocolError(t, err, ErrorNoSuchTrace)

	stopped, err := ts.client.StopTrace(ctx, StopTraceRequest{})
	require.NoError(t, err)
	assert.Equal(t, "calls", stopped.Name)
	assert.False(t, ts.session.Tracing())

	detached, err := ts.client.Detach(ctx)
	require.NoError(t, err)
	assert.Equal(t, "detached", detached.Type)
	assert.False(t, ts.session.Attached())

	_, err = ts.client.StopTrace(ctx, StopTraceRequest{})
	requireProtocolError(t, err, ErrorWrongState)
}

func TestServerSecondAttach(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, false)
	_, err := ts.client.Attach(context.Background())
	require.NoError(t, err)

	_, err = NewClient(ts.http.URL).Attach(context.Background())
	requireProtocolError(t, err, ErrorWrongState)
}

func TestServerTokenMismatch(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, true)
	_, err := ts.client.Attach(context.Background())
	require.NoError(t, err)

	paths := []string{tracerEndpointPathStartTrace, tracerEndpointPathStopTrace, tracerEndpointPathDetach,
		tracerEndpointPathSourceMap}
	for _, path := range paths {
		t.Run(strings.TrimPrefix(path, "/tracer.0/"), func(t *testing.T) {
			req, err := http.NewRequest(http.MethodPost, ts.http.URL+path, strings.NewReader(`{"trace":["depth"]}`))
			require.NoError(t, err)
			req.Header.Set(traceTokenHeader, "wrong")
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		})
	}
	resp, err := http.Post(ts.http.URL+tracerEndpointPathSourceMap, contentTypeJSON,
		strings.NewReader(`{"url":"bundle.js","mappings":[{"originalUrl":"evil.ts"}]}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	assert.True(t, ts.session.Attached())
	assert.Empty(t, ts.session.ActiveTraces())
	keys, err := ts.sourceMaps.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)

	// the attached client may still register maps
	require.NoError(t, ts.client.RegisterSourceMap(context.Background(), "bundle.js", []Mapping{{OriginalURL: "app.ts"}}))
	keys, err = ts.sourceMaps.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"bundle.js"}, keys)
}

func TestServerMethodNotAllowed(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, true)
	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, tracerEndpointPathAttach},
		{http.MethodGet, tracerEndpointPathDetach},
		{http.MethodGet, tracerEndpointPathStartTrace},
		{http.MethodPut, tracerEndpointPathStopTrace},
		{http.MethodPost, tracerEndpointPathTraces},
		{http.MethodGet, tracerEndpointPathSourceMap},
	}

	for _, tt := range tests {
		t.Run(tt.method+tt.path, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, ts.http.URL+tt.path, nil)
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
		})
	}
}

func TestServerBadRequests(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, true)
	_, err := ts.client.Attach(context.Background())
	require.NoError(t, err)

	req, err := ts.client.newRequest(context.Background(), http.MethodPost, tracerEndpointPathStartTrace, nil)
	require.NoError(t, err)
	_, err = ts.client.do(req, nil)
	require.NoError(t, err) // an empty body starts a trace of no fields

	req, err = ts.client.newRequest(context.Background(), http.MethodGet, tracerEndpointPathTraces+"?wait=soon", nil)
	require.NoError(t, err)
	_, err = ts.client.do(req, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")

	err = ts.client.RegisterSourceMap(context.Background(), "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing url")
}

func TestServerPollTimeout(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, false)
	_, err := ts.client.Attach(context.Background())
	require.NoError(t, err)

	start := time.Now()
	resp, err := ts.client.PollTraces(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, resp.Messages)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestServerPollEncodings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		accept   string
		encoding string
	}{
		{"json", "", ""},
		{"json_snappy", contentTypeJSON, encodingSnappy},
		{"msgpack_zstd", contentTypeMsgpack, encodingZstd},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, false)
			ctx := context.Background()
			_, err := ts.client.Attach(ctx)
			require.NoError(t, err)
			_, err = ts.client.StartTrace(ctx, StartTraceRequest{Trace: []string{"depth"}})
			require.NoError(t, err)
			ts.engine.call(nil, "f", &fakeScript{id: 1, url: "a.js"}, nil)
			ts.session.Detach(ctx) // flushes both packets to the outbox

			req, err := ts.client.newRequest(ctx, http.MethodGet, tracerEndpointPathTraces, nil)
			require.NoError(t, err)
			if tt.accept != "" {
				req.Header.Set("Accept", tt.accept)
			}
			if tt.encoding != "" {
				req.Header.Set("Accept-Encoding", tt.encoding)
			}
			var polled TracesPollResponse
			resp, err := ts.client.do(req, &polled)
			require.NoError(t, err)
			assert.Equal(t, tt.encoding, resp.Header.Get("Content-Encoding"))
			var packets []Packet
			for _, msg := range polled.Messages {
				packets = append(packets, msg.Traces...)
			}
			require.Len(t, packets, 2)
			requireSequential(t, packets)
		})
	}
}

func TestServerSourceMap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	t.Run("disabled", func(t *testing.T) {
		ts := newTestServer(t, false)
		err := ts.client.RegisterSourceMap(ctx, "bundle.js", []Mapping{{OriginalURL: "app.ts"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 404")
	})

	t.Run("mapped_location", func(t *testing.T) {
		ts := newTestServer(t, true)
		require.NoError(t, ts.client.RegisterSourceMap(ctx, "bundle.js", []Mapping{
			{OriginalURL: "src/app.ts", OriginalLine: 10, OriginalColumn: 2, Name: "main"},
		}))
		_, err := ts.client.Attach(ctx)
		require.NoError(t, err)
		_, err = ts.client.StartTrace(ctx, StartTraceRequest{Trace: []string{"name", "location"}})
		require.NoError(t, err)

		ts.engine.call(nil, "a", &fakeScript{id: 1, url: "bundle.js"}, nil)
		ts.engine.call(nil, "b", &fakeScript{id: 2, url: "plain.js"}, nil)

		packets := ts.pollPackets(t, 4)
		require.Len(t, packets, 4)
		requireSequential(t, packets)

		mapped := packets[0].(*EnteredFrame)
		require.NotNil(t, mapped.Name)
		assert.Equal(t, "main", *mapped.Name)
		assert.Equal(t, &SourceLocation{URL: "src/app.ts", Line: 10, Column: 2}, mapped.Location)

		plain := packets[2].(*EnteredFrame)
		require.NotNil(t, plain.Name)
		assert.Equal(t, "b", *plain.Name)
		require.NotNil(t, plain.Location)
		assert.Equal(t, "plain.js", plain.Location.URL)
	})
}

func TestServerStartStop(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	outbox := NewOutbox(4)
	session := NewSession(testConfig(), engine, outbox)
	server := NewServer(session, outbox, nil)
	require.NoError(t, server.Start("127.0.0.1", 0))

	client := NewClient("http://" + server.Addr())
	_, err := client.Attach(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Stop(ctx))
	assert.False(t, session.Attached())
	assert.False(t, engine.debuggees)
}
