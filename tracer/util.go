package tracer

import (
	"crypto/sha1"

	"github.com/mtraver/base91"
)

const ErrorLogPrefix = "!! "

type limitingWaitGroup struct {
	limit int
	c     chan bool
}

func (l *limitingWaitGroup) Take() {
	<-l.c
}

func (l *limitingWaitGroup) Release() {
	l.c <- true
}

func (l *limitingWaitGroup) Join() {
	for i := 0; i < l.limit; i++ {
		l.Take() // take all capacity to ensure all have joined
	}
	for i := 0; i < l.limit; i++ {
		l.Release()
	}
}

// LimitingWaitGroup restricts concurrent work and waits for completion.
type LimitingWaitGroup interface {
	// Take blocks until the wait group has capacity.
	Take()
	// Release should be invoked (typically in defer) to indicate the activity following Take() has completed.
	Release()
	// Join will block until all activities have completed. The full capacity is available again once Join returns.
	Join()
}

// NewLimitingWaitGroup creates a LimitingWaitGroup with the given limit.
func NewLimitingWaitGroup(concurrencyLimit int) LimitingWaitGroup {
	c := make(chan bool, concurrencyLimit)
	for i := 0; i < concurrencyLimit; i++ {
		c <- true
	}
	return &limitingWaitGroup{
		limit: concurrencyLimit,
		c:     c,
	}
}

// storageKey provides a printable storage key for a possibly long identifier such as a script URL. Short values are
// used directly, longer values are reduced to the base91 encoding of their sha1.
func storageKey(str string) string {
	if len(str) <= 40 {
		return str
	}
	sha := sha1.Sum([]byte(str))
	return "#" + base91.StdEncoding.EncodeToString(sha[:])
}
