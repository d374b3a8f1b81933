package tracer

import (
	"context"
	"errors"
)

// FrameID identifies a live frame. IDs may be reused by the engine once a frame has been popped.
type FrameID uint64

// ScriptID identifies a script for hit counting.
type ScriptID uint64

// Engine installs the hooks through which the tracer observes execution. The session never calls these methods while
// holding its state lock, so an implementation may wait for hooks still running on other goroutines.
type Engine interface {
	// AddDebuggees starts observing all globals of the debuggee.
	AddDebuggees()
	// RemoveDebuggees stops observing, no hooks will be invoked after return.
	RemoveDebuggees()
	// SetEnterFrameHook sets the function invoked synchronously for every frame pushed, or clears it when nil.
	SetEnterFrameHook(hook func(Frame))
	// SetHookEnabled toggles invocation of the enter frame hook without replacing it.
	SetHookEnabled(enabled bool)
}

// Frame is a single activation record in the traced engine.
type Frame interface {
	ID() FrameID
	// Type is the engine frame type, for example "call", "eval", "global" or "module".
	Type() string
	// Script returns the script executing in the frame, or nil.
	Script() Script
	// Older returns the calling frame, or nil for the outermost frame.
	Older() Frame
	// Callee returns the function being called, or nil when the frame is not a function call.
	Callee() Callee
	Arguments() ([]any, error)
	// Location returns the current line and column of the frame within its script.
	Location() (line, column int, err error)
	// OnPop sets the handler invoked when the frame is popped, replacing any prior handler. A nil completion indicates
	// the frame was terminated without a completion value. It may be called from within the running handler, and must
	// not wait for that handler to return.
	OnPop(handler func(*Completion))
}

type Script interface {
	ID() ScriptID
	URL() string
}

type Callee interface {
	// DisplayName is the name the engine infers for the function, empty for anonymous functions.
	DisplayName() string
	ParameterNames() ([]string, error)
}

// CompletionKind is how a frame completed.
type CompletionKind int

const (
	CompletionReturn CompletionKind = iota
	CompletionYield
	CompletionThrow
)

// Completion is the value a popped frame completed with.
type Completion struct {
	Kind  CompletionKind
	Value any
}

// Undefined is the engine undefined value. Engine null is represented by a nil value or Null.
type Undefined struct{}

type Null struct{}

// Object is an engine object, including callables.
type Object interface {
	Class() string
	// OwnPropertyNames returns own property names in the engine's iteration order.
	OwnPropertyNames() ([]string, error)
	OwnPropertyDescriptor(name string) (PropertyDescriptor, error)
}

// PropertyDescriptor describes a single own property. Get and Set are non-nil for accessor properties.
type PropertyDescriptor struct {
	Configurable bool
	Enumerable   bool
	Writable     bool
	Value        any
	Get, Set     any
}

func (d PropertyDescriptor) IsAccessor() bool {
	return d.Get != nil || d.Set != nil
}

// EngineError is an error thrown by the engine, which carries the engine's error name (for example "TypeError").
type EngineError struct {
	Name    string
	Message string
}

func (e *EngineError) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}

// errorName returns the engine name for an error, or "Error" when the error did not originate from the engine.
func errorName(err error) string {
	var engineErr *EngineError
	if errors.As(err, &engineErr) && engineErr.Name != "" {
		return engineErr.Name
	}
	return "Error"
}

// BlackBoxer reports scripts the user asked the debugger to ignore.
type BlackBoxer interface {
	IsBlackBoxed(url string) bool
}

// GeneratedLocation is a position in a script as executed.
type GeneratedLocation struct {
	URL    string `json:"url" msgpack:"u"`
	Line   int    `json:"line" msgpack:"l"`
	Column int    `json:"column" msgpack:"c"`
}

// OriginalLocation is a position in original source, with the original name of the enclosing function if known.
type OriginalLocation struct {
	URL    string `json:"url" msgpack:"u"`
	Line   int    `json:"line" msgpack:"l"`
	Column int    `json:"column" msgpack:"c"`
	Name   string `json:"name,omitempty" msgpack:"n,omitempty"`
}

// SourceMapper resolves generated locations to their original source. Lookups must return once ctx is done, detach
// waits for them.
type SourceMapper interface {
	OriginalLocation(ctx context.Context, loc GeneratedLocation) (OriginalLocation, error)
}

// Sender delivers batched traces messages to the remote client.
type Sender interface {
	Send(ctx context.Context, msg TracesMessage) error
}

type neverBlackBoxed struct{}

func (neverBlackBoxed) IsBlackBoxed(string) bool { return false }

type identitySourceMapper struct{}

func (identitySourceMapper) OriginalLocation(_ context.Context, loc GeneratedLocation) (OriginalLocation, error) {
	return OriginalLocation{URL: loc.URL, Line: loc.Line, Column: loc.Column}, nil
}
