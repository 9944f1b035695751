package event

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"
)

var (
	ErrTimeout = errors.New("timeout")
	ErrClosed  = errors.New("event channel closed")
)

// Kind classifies an Event by its origin.
type Kind int

const (
	KindStdout Kind = iota + 1
	KindStderr
	KindFinished
)

func (k Kind) String() string {
	switch k {
	case KindStdout:
		return "stdout"
	case KindStderr:
		return "stderr"
	case KindFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Event is one line read from a stream of a job or the terminal exit status.
// Line is set for stdout and stderr events, Code for finished ones.
type Event struct {
	Kind  Kind
	JobID string
	Line  string
	Code  int
	Time  time.Time
}

func Stdout(jobID, line string) Event {
	return Event{Kind: KindStdout, JobID: jobID, Line: line, Time: time.Now().UTC()}
}

func Stderr(jobID, line string) Event {
	return Event{Kind: KindStderr, JobID: jobID, Line: line, Time: time.Now().UTC()}
}

func Finished(jobID string, code int) Event {
	return Event{Kind: KindFinished, JobID: jobID, Code: code, Time: time.Now().UTC()}
}

// Channel is an unbounded FIFO of events. Put never blocks. Any number of
// goroutines may call Get concurrently; each event is delivered to exactly
// one of them.
type Channel struct {
	mx     sync.Mutex
	events []Event
	notify chan struct{} // closed and replaced on every Put or Close
	closed bool
}

func NewChannel() *Channel {
	return &Channel{
		notify: make(chan struct{}),
	}
}

// Put appends e to the channel. Events put after Close are dropped.
func (c *Channel) Put(e Event) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.closed {
		return
	}
	c.events = append(c.events, e)
	c.wake()
}

// Close marks the end of the stream. Events already queued are still
// returned by Get, after that Get fails with ErrClosed.
func (c *Channel) Close() {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.wake()
}

func (c *Channel) wake() {
	close(c.notify)
	c.notify = make(chan struct{})
}

// Get returns the oldest event. It blocks up to timeout, or until ctx is
// done when timeout is not positive. It returns ErrTimeout when the timeout
// elapses first.
func (c *Channel) Get(ctx context.Context, timeout time.Duration) (Event, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		c.mx.Lock()
		if len(c.events) > 0 {
			e := c.events[0]
			c.events[0] = Event{}
			c.events = c.events[1:]
			c.mx.Unlock()
			return e, nil
		}
		if c.closed {
			c.mx.Unlock()
			return Event{}, ErrClosed
		}
		notify := c.notify
		c.mx.Unlock()

		select {
		case <-notify:
		case <-deadline:
			return Event{}, ErrTimeout
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// IsEmpty is a snapshot and may be stale by the time the caller acts on it.
func (c *Channel) IsEmpty() bool {
	return c.Len() == 0
}

func (c *Channel) Len() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	return len(c.events)
}

// All yields events until a finished event was yielded, the channel is
// closed and drained, or ctx is done.
//
//	for e := range ch.All(ctx) {}
func (c *Channel) All(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			e, err := c.Get(ctx, 0)
			if err != nil {
				return
			}
			if !yield(e) || e.Kind == KindFinished {
				return
			}
		}
	}
}
