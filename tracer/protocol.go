package tracer

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	tracerEndpointPathAttach     = "/tracer.0/attach"
	tracerEndpointPathDetach     = "/tracer.0/detach"
	tracerEndpointPathStartTrace = "/tracer.0/startTrace"
	tracerEndpointPathStopTrace  = "/tracer.0/stopTrace"
	tracerEndpointPathTraces     = "/tracer.0/traces"
	tracerEndpointPathSourceMap  = "/tracer.0/sourceMap"

	traceTokenHeader = "X-Trace-Token"
)

// Protocol error names.
const (
	ErrorWrongState       = "wrongState"
	ErrorBadParameterType = "badParameterType"
	ErrorNoSuchTrace      = "noSuchTrace"
)

// ProtocolError is a structured error response to a request. It is returned as a value rather than failing the
// transport.
type ProtocolError struct {
	Name    string `json:"error"`
	Message string `json:"message"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

func wrongState(format string, args ...any) *ProtocolError {
	return &ProtocolError{Name: ErrorWrongState, Message: fmt.Sprintf(format, args...)}
}

// AttachedResponse reports the fields wanted by the traces active at attach time.
type AttachedResponse struct {
	Type        string       `json:"type"`
	TraceFields []TraceField `json:"traceFields"`
}

type DetachedResponse struct {
	Type string `json:"type"`
}

// StartTraceRequest starts a trace of the given field names. An empty name is replaced with a generated one.
type StartTraceRequest struct {
	Trace []string `json:"trace"`
	Name  string   `json:"name,omitempty"`
}

type StartedTraceResponse struct {
	Type string `json:"type"`
	Why  string `json:"why"`
	Name string `json:"name"`
}

// StopTraceRequest stops the named trace, or the most recently started trace when Name is empty.
type StopTraceRequest struct {
	Name string `json:"name,omitempty"`
}

type StoppedTraceResponse struct {
	Type string `json:"type"`
	Why  string `json:"why"`
	Name string `json:"name"`
}

// SourceMapRequest registers the mappings for a generated script.
type SourceMapRequest struct {
	URL      string    `json:"url"`
	Mappings []Mapping `json:"mappings"`
}

// TracesMessage is the unsolicited batch of packets sent to the client.
type TracesMessage struct {
	Type   string   `json:"type" msgpack:"type"`
	Traces []Packet `json:"traces" msgpack:"traces"`
}

func newTracesMessage(packets []Packet) TracesMessage {
	return TracesMessage{Type: "traces", Traces: packets}
}

type wireTracesMessage struct {
	Type   string       `json:"type" msgpack:"type"`
	Traces []wirePacket `json:"traces" msgpack:"traces"`
}

func (m *TracesMessage) fromWire(w wireTracesMessage) error {
	m.Type = w.Type
	m.Traces = make([]Packet, len(w.Traces))
	for i := range w.Traces {
		p, err := w.Traces[i].packet()
		if err != nil {
			return err
		}
		m.Traces[i] = p
	}
	return nil
}

func (m *TracesMessage) UnmarshalJSON(data []byte) error {
	var w wireTracesMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	return m.fromWire(w)
}

var _ msgpack.CustomDecoder = (*TracesMessage)(nil)

func (m *TracesMessage) DecodeMsgpack(dec *msgpack.Decoder) error {
	var w wireTracesMessage
	if err := dec.Decode(&w); err != nil {
		return err
	}
	return m.fromWire(w)
}

// TracesPollResponse is the response to a traces poll, holding the messages sent since the prior poll.
type TracesPollResponse struct {
	Messages []TracesMessage `json:"messages" msgpack:"messages"`
	Dropped  uint64          `json:"dropped,omitempty" msgpack:"dropped,omitempty"` // messages evicted before being polled
}
