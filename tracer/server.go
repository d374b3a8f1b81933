package tracer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const maxPollWait = 30 * time.Second

// Server exposes a Session over HTTP. The session is expected to send to the same Outbox the server polls.
type Server struct {
	session    *Session
	outbox     *Outbox
	sourceMaps *SourceMapStore
	mux        *http.ServeMux
	server     *http.Server
	addr       string
	err        atomic.Pointer[error]

	tokenMu sync.Mutex
	token   string // empty while detached
}

// NewServer builds the request handlers for session. sourceMaps may be nil, in which case source map registration
// is rejected.
func NewServer(session *Session, outbox *Outbox, sourceMaps *SourceMapStore) *Server {
	s := &Server{session: session, outbox: outbox, sourceMaps: sourceMaps, mux: http.NewServeMux()}
	s.mux.HandleFunc(tracerEndpointPathAttach, s.handleAttach)
	s.mux.HandleFunc(tracerEndpointPathDetach, s.handleDetach)
	s.mux.HandleFunc(tracerEndpointPathStartTrace, s.handleStartTrace)
	s.mux.HandleFunc(tracerEndpointPathStopTrace, s.handleStopTrace)
	s.mux.HandleFunc(tracerEndpointPathTraces, s.handleTraces)
	s.mux.HandleFunc(tracerEndpointPathSourceMap, s.handleSourceMap)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens on host:port, a port of 0 selects a free port.
func (s *Server) Start(host string, port int) error {
	listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("tracer server listen failed: %w", err)
	}
	s.addr = listener.Addr().String()
	s.server = &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.err.Store(&err)
			log.Printf("%sTracer Server error: %v", ErrorLogPrefix, err)
		}
	}()

	log.Printf("Tracer Server started on %s", s.addr)
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) errCheck() error {
	if errPtr := s.err.Load(); errPtr != nil {
		return *errPtr
	}
	return nil
}

// Stop detaches the session and gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.session.Detach(ctx)
	var shutdownErr error
	if s.server != nil {
		shutdownErr = s.server.Shutdown(ctx)
	}
	return errors.Join(shutdownErr, s.errCheck())
}

func (s *Server) checkToken(w http.ResponseWriter, r *http.Request) bool {
	s.tokenMu.Lock()
	token := s.token
	s.tokenMu.Unlock()
	if token != "" && r.Header.Get(traceTokenHeader) != token {
		http.Error(w, "trace token mismatch", http.StatusForbidden)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("%sFailed to write response: %v", ErrorLogPrefix, err)
	}
}

func writeProtocolError(w http.ResponseWriter, perr *ProtocolError) {
	status := http.StatusBadRequest
	switch perr.Name {
	case ErrorWrongState:
		status = http.StatusConflict
	case ErrorNoSuchTrace:
		status = http.StatusNotFound
	}
	writeJSON(w, status, perr)
}

// decodeRequest reads an optional JSON body into v, an empty body leaves v unchanged.
func decodeRequest(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		log.Printf("%sFailed to decode %T: %v", ErrorLogPrefix, v, err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	resp, perr := s.session.Attach()
	if perr != nil {
		writeProtocolError(w, perr)
		return
	}
	token := uuid.NewString()
	s.tokenMu.Lock()
	s.token = token
	s.tokenMu.Unlock()
	s.outbox.Reset()

	w.Header().Set(traceTokenHeader, token)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	if !s.checkToken(w, r) {
		return
	}

	resp := s.session.Detach(r.Context())
	s.tokenMu.Lock()
	s.token = ""
	s.tokenMu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStartTrace(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	} else if !s.checkToken(w, r) {
		return
	}
	var req StartTraceRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	resp, perr := s.session.StartTrace(req)
	if perr != nil {
		writeProtocolError(w, perr)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStopTrace(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	} else if !s.checkToken(w, r) {
		return
	}
	var req StopTraceRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	resp, perr := s.session.StopTrace(req)
	if perr != nil {
		writeProtocolError(w, perr)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	} else if !s.checkToken(w, r) {
		return
	}
	var wait time.Duration
	if waitStr := r.URL.Query().Get("wait"); waitStr != "" {
		waitMS, err := strconv.Atoi(waitStr)
		if err != nil || waitMS < 0 {
			http.Error(w, "invalid wait", http.StatusBadRequest)
			return
		}
		wait = min(time.Duration(waitMS)*time.Millisecond, maxPollWait)
	}

	messages, dropped, err := s.outbox.Poll(r.Context(), wait)
	if err != nil {
		return // client went away
	} else if dropped > 0 {
		log.Printf("%sTraces outbox evicted %d messages before poll", ErrorLogPrefix, dropped)
	}
	if messages == nil {
		messages = []TracesMessage{}
	}

	contentType := negotiateContentType(r.Header.Get("Accept"))
	body, err := encodeBody(contentType, TracesPollResponse{Messages: messages, Dropped: dropped})
	if err != nil {
		log.Printf("%sFailed to encode traces: %v", ErrorLogPrefix, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	encoding := negotiateEncoding(r.Header.Get("Accept-Encoding"))
	body = compressBody(encoding, body)

	w.Header().Set("Content-Type", contentType)
	if encoding != encodingIdentity {
		w.Header().Set("Content-Encoding", encoding)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleSourceMap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	} else if !s.checkToken(w, r) {
		return
	} else if s.sourceMaps == nil {
		http.Error(w, "source maps not enabled", http.StatusNotFound)
		return
	}
	var req SourceMapRequest
	if !decodeRequest(w, r, &req) {
		return
	} else if req.URL == "" {
		http.Error(w, "missing url", http.StatusBadRequest)
		return
	}

	if err := s.sourceMaps.Register(req.URL, req.Mappings); err != nil {
		log.Printf("%sFailed to register source map for %s: %v", ErrorLogPrefix, req.URL, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
