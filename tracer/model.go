package tracer

import (
	"fmt"
	"slices"
	"strings"
)

// TraceField is a single independently toggled piece of information attached to trace packets.
type TraceField string

const (
	FieldTime           TraceField = "time"
	FieldReturn         TraceField = "return"
	FieldThrow          TraceField = "throw"
	FieldYield          TraceField = "yield"
	FieldName           TraceField = "name"
	FieldLocation       TraceField = "location"
	FieldHitCount       TraceField = "hitCount"
	FieldCallsite       TraceField = "callsite"
	FieldParameterNames TraceField = "parameterNames"
	FieldArguments      TraceField = "arguments"
	FieldDepth          TraceField = "depth"
)

// AllTraceFields lists the closed set of trace fields in their canonical order.
var AllTraceFields = []TraceField{
	FieldTime, FieldReturn, FieldThrow, FieldYield, FieldName, FieldLocation,
	FieldHitCount, FieldCallsite, FieldParameterNames, FieldArguments, FieldDepth,
}

// ParseTraceField converts a wire name into a TraceField, returning false if the name is not a known field.
func ParseTraceField(name string) (TraceField, bool) {
	f := TraceField(name)
	return f, slices.Contains(AllTraceFields, f)
}

// ParseTraceFields converts a list of wire names, failing on the first unknown name. Duplicates are collapsed.
func ParseTraceFields(names []string) ([]TraceField, error) {
	fields := make([]TraceField, 0, len(names))
	for _, n := range names {
		f, ok := ParseTraceField(n)
		if !ok {
			return nil, fmt.Errorf("unknown trace field: %q", n)
		} else if !slices.Contains(fields, f) {
			fields = append(fields, f)
		}
	}
	return fields, nil
}

// FormatTraceFields joins fields with commas, the form accepted by the tracedump -fields flag.
func FormatTraceFields(fields []TraceField) string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = string(f)
	}
	return strings.Join(names, ",")
}

// TraceRequest is a named set of fields requested by a single startTrace call.
type TraceRequest struct {
	Name   string
	Fields []TraceField
}

// Why describes how a frame was exited.
type Why string

const (
	WhyTerminated Why = "terminated"
	WhyReturn     Why = "return"
	WhyYield      Why = "yield"
	WhyThrow      Why = "throw"
)

const (
	packetTypeEnteredFrame = "enteredFrame"
	packetTypeExitedFrame  = "exitedFrame"
)

// Packet is one record describing a frame enter or exit. The only implementations are *EnteredFrame and *ExitedFrame.
type Packet interface {
	PacketSequence() uint64
	packetType() string
}

// SourceLocation identifies a position within a script.
type SourceLocation struct {
	URL    string `json:"url" msgpack:"url"`
	Line   int    `json:"line" msgpack:"line"`
	Column int    `json:"column" msgpack:"column"`
}

// EnteredFrame is emitted when a traced frame is pushed. Optional fields are nil when not requested, so a requested
// ParameterNames or Arguments with no entries is sent as an empty list.
type EnteredFrame struct {
	Type           string          `json:"type" msgpack:"type"`
	Sequence       uint64          `json:"sequence" msgpack:"sequence"`
	HitCount       *uint64         `json:"hitCount,omitempty" msgpack:"hitCount,omitempty"`
	BlackBoxed     bool            `json:"blackBoxed" msgpack:"blackBoxed"`
	Callsite       *SourceLocation `json:"callsite,omitempty" msgpack:"callsite,omitempty"`
	Time           *float64        `json:"time,omitempty" msgpack:"time,omitempty"` // milliseconds since the trace window started
	ParameterNames *[]string       `json:"parameterNames,omitempty" msgpack:"parameterNames,omitempty"`
	Arguments      *[]any          `json:"arguments,omitempty" msgpack:"arguments,omitempty"`
	Depth          *int            `json:"depth,omitempty" msgpack:"depth,omitempty"`
	Name           *string         `json:"name,omitempty" msgpack:"name,omitempty"`
	Location       *SourceLocation `json:"location,omitempty" msgpack:"location,omitempty"`
}

func (p *EnteredFrame) PacketSequence() uint64 { return p.Sequence }

func (p *EnteredFrame) packetType() string { return packetTypeEnteredFrame }

// ExitedFrame is emitted when a traced frame is popped. At most one of Return, Throw, and Yield is set.
type ExitedFrame struct {
	Type     string   `json:"type" msgpack:"type"`
	Sequence uint64   `json:"sequence" msgpack:"sequence"`
	Why      Why      `json:"why" msgpack:"why"`
	Time     *float64 `json:"time,omitempty" msgpack:"time,omitempty"`
	Depth    *int     `json:"depth,omitempty" msgpack:"depth,omitempty"`
	Return   any      `json:"return,omitempty" msgpack:"return,omitempty"`
	Throw    any      `json:"throw,omitempty" msgpack:"throw,omitempty"`
	Yield    any      `json:"yield,omitempty" msgpack:"yield,omitempty"`
}

func (p *ExitedFrame) PacketSequence() uint64 { return p.Sequence }

func (p *ExitedFrame) packetType() string { return packetTypeExitedFrame }

// wirePacket is the union of both packet shapes, used to decode packets whose type is only known after reading.
type wirePacket struct {
	Type           string          `json:"type" msgpack:"type"`
	Sequence       uint64          `json:"sequence" msgpack:"sequence"`
	HitCount       *uint64         `json:"hitCount,omitempty" msgpack:"hitCount,omitempty"`
	BlackBoxed     bool            `json:"blackBoxed" msgpack:"blackBoxed"`
	Callsite       *SourceLocation `json:"callsite,omitempty" msgpack:"callsite,omitempty"`
	Time           *float64        `json:"time,omitempty" msgpack:"time,omitempty"`
	ParameterNames *[]string       `json:"parameterNames,omitempty" msgpack:"parameterNames,omitempty"`
	Arguments      *[]any          `json:"arguments,omitempty" msgpack:"arguments,omitempty"`
	Depth          *int            `json:"depth,omitempty" msgpack:"depth,omitempty"`
	Name           *string         `json:"name,omitempty" msgpack:"name,omitempty"`
	Location       *SourceLocation `json:"location,omitempty" msgpack:"location,omitempty"`
	Why            Why             `json:"why,omitempty" msgpack:"why,omitempty"`
	Return         any             `json:"return,omitempty" msgpack:"return,omitempty"`
	Throw          any             `json:"throw,omitempty" msgpack:"throw,omitempty"`
	Yield          any             `json:"yield,omitempty" msgpack:"yield,omitempty"`
}

func (w *wirePacket) packet() (Packet, error) {
	switch w.Type {
	case packetTypeEnteredFrame:
		return &EnteredFrame{
			Type:           w.Type,
			Sequence:       w.Sequence,
			HitCount:       w.HitCount,
			BlackBoxed:     w.BlackBoxed,
			Callsite:       w.Callsite,
			Time:           w.Time,
			ParameterNames: w.ParameterNames,
			Arguments:      w.Arguments,
			Depth:          w.Depth,
			Name:           w.Name,
			Location:       w.Location,
		}, nil
	case packetTypeExitedFrame:
		return &ExitedFrame{
			Type:     w.Type,
			Sequence: w.Sequence,
			Why:      w.Why,
			Time:     w.Time,
			Depth:    w.Depth,
			Return:   w.Return,
			Throw:    w.Throw,
			Yield:    w.Yield,
		}, nil
	default:
		return nil, fmt.Errorf("unknown packet type: %q", w.Type)
	}
}

// Marker is the snapshot of a value which has no direct wire form (undefined, null, and non-finite or negative zero numbers).
type Marker struct {
	Type string `json:"type" msgpack:"type"`
}

var (
	UndefinedMarker   = Marker{Type: "undefined"}
	NullMarker        = Marker{Type: "null"}
	InfinityMarker    = Marker{Type: "Infinity"}
	NegInfinityMarker = Marker{Type: "-Infinity"}
	NaNMarker         = Marker{Type: "NaN"}
	NegZeroMarker     = Marker{Type: "-0"}
)

// LongString is the snapshot of a string at or above the long string threshold.
type LongString struct {
	Type    string `json:"type" msgpack:"type"`
	Initial string `json:"initial" msgpack:"initial"`
	Length  int    `json:"length" msgpack:"length"` // rune length of the full string
}

// ObjectSnapshot describes an engine object. OwnProperties is only set for detailed snapshots.
type ObjectSnapshot struct {
	Type          string                      `json:"type" msgpack:"type"`
	Class         string                      `json:"class" msgpack:"class"`
	OwnProperties map[string]PropertySnapshot `json:"ownProperties,omitempty" msgpack:"ownProperties,omitempty"`
}

// PropertySnapshot is the snapshot of a data property descriptor.
type PropertySnapshot struct {
	Configurable bool `json:"configurable" msgpack:"configurable"`
	Enumerable   bool `json:"enumerable" msgpack:"enumerable"`
	Writable     bool `json:"writable" msgpack:"writable"`
	Value        any  `json:"value" msgpack:"value"`
}
