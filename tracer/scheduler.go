package tracer

import (
	"context"
	"log"
	"sync"
)

const (
	jobPending = iota
	jobReady
	jobFinished
)

// JobScheduler runs producers in the order their jobs were scheduled, regardless of the order the producers are
// provided. Jobs are held in an explicit FIFO and drained by whichever caller finds the head ready.
type JobScheduler struct {
	mu       sync.Mutex
	queue    []*Job
	last     *Job
	draining bool
}

// Job reserves a position in a JobScheduler.
type Job struct {
	s     *JobScheduler
	state int
	fn    func()
	done  chan struct{}
}

// NewJobScheduler returns an empty scheduler.
func NewJobScheduler() *JobScheduler {
	return &JobScheduler{}
}

// Schedule reserves the next position. The returned job must eventually be given a producer with Run, otherwise
// later jobs will never run.
func (s *JobScheduler) Schedule() *Job {
	j := &Job{s: s, done: make(chan struct{})}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue = append(s.queue, j)
	s.last = j
	return j
}

// Run provides the producer for this job. The producer is invoked once every earlier job has finished, possibly on
// this goroutine before Run returns, or later on the goroutine completing an earlier job. Only the first call has
// any effect.
func (j *Job) Run(producer func()) {
	s := j.s
	s.mu.Lock()
	if j.state != jobPending {
		s.mu.Unlock()
		return
	}
	j.fn = producer
	j.state = jobReady
	if s.draining {
		s.mu.Unlock()
		return // active drainer will reach this job
	}
	s.draining = true
	s.mu.Unlock()

	s.drain()
}

// Done is closed once the producer has run, or the job was discarded.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

func (s *JobScheduler) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.queue[0].state != jobReady {
			s.draining = false
			s.mu.Unlock()
			return
		}
		j := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		fn := j.fn
		j.fn = nil
		j.state = jobFinished
		s.mu.Unlock()

		runProducer(fn)
		close(j.done)
	}
}

func runProducer(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("%sScheduled job panic: %v", ErrorLogPrefix, r)
		}
	}()
	fn()
}

// Pending returns the count of scheduled jobs which have not yet run.
func (s *JobScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Wait blocks until every job scheduled before the call has finished, or the context is done.
func (s *JobScheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	if last == nil {
		return nil
	}

	select {
	case <-last.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Discard drops every job which has not yet started. Their producers will never run and their Done channels are
// closed. Returns the count of discarded jobs.
func (s *JobScheduler) Discard() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	discarded := len(s.queue)
	for _, j := range s.queue {
		j.state = jobFinished
		j.fn = nil
		close(j.done)
	}
	s.queue = nil
	return discarded
}
