package tracer

import (
	"errors"
	"time"
)

// Config holds the limits and timings used by a tracing Session and its transport.
type Config struct {
	// LongStringLength is the rune length at which a string is snapshotted as a long string.
	LongStringLength int
	// LongStringInitialLength is the count of leading runes kept for a long string.
	LongStringInitialLength int
	MaxProperties, MaxArguments int
	// BufferSendDelay is the window packets are coalesced for before a traces message is sent.
	BufferSendDelay time.Duration
	// LocationTimeout bounds a single source map lookup.
	LocationTimeout time.Duration
	// DrainTimeout bounds how long detach waits for pending packets before discarding them.
	DrainTimeout      time.Duration
	MaxPendingLookups int
	// OutboxCapacity is the count of traces messages the server retains for pollers before evicting the oldest.
	OutboxCapacity int
	ServerHost     string
	ServerPort     int
	// SourceMapDir enables badger backed source map storage when set, otherwise maps are kept in memory.
	SourceMapDir string
	CacheMB      int
}

// DefaultConfig returns a Config populated with the standard limits.
func DefaultConfig() Config {
	return Config{
		LongStringLength:        10000,
		LongStringInitialLength: 1000,
		MaxProperties:           3,
		MaxArguments:            3,
		BufferSendDelay:         50 * time.Millisecond,
		LocationTimeout:         5 * time.Second,
		DrainTimeout:            time.Second,
		MaxPendingLookups:       64,
		OutboxCapacity:          1024,
		ServerHost:              "127.0.0.1",
		ServerPort:              6080,
		CacheMB:                 64,
	}
}

// Validate checks that the limits are usable.
func (c Config) Validate() error {
	if c.LongStringLength <= 0 || c.LongStringInitialLength <= 0 {
		return errors.New("long string limits must be positive")
	} else if c.LongStringInitialLength > c.LongStringLength {
		return errors.New("long string initial length must not exceed the long string length")
	} else if c.MaxProperties < 0 || c.MaxArguments < 0 {
		return errors.New("property and argument limits must not be negative")
	} else if c.BufferSendDelay <= 0 {
		return errors.New("buffer send delay must be positive")
	} else if c.MaxPendingLookups <= 0 {
		return errors.New("max pending lookups must be positive")
	} else if c.OutboxCapacity <= 0 {
		return errors.New("outbox capacity must be positive")
	}
	return nil
}

// DumpConfig holds the settings for writing a remote trace as JSON lines.
type DumpConfig struct {
	ServerURL  string
	Fields     []TraceField
	TraceName  string
	OutputFile string
	// Duration stops the trace after the given time, zero traces until canceled.
	Duration time.Duration
	PollWait time.Duration
	// Custom flags support - all stored as strings for ease of use
	CustomFlags map[string]string
}
