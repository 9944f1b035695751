package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/rsyncjob/internal/event"
	"github.com/CZERTAINLY/rsyncjob/internal/log"
	"github.com/CZERTAINLY/rsyncjob/internal/rsync"
)

var (
	ErrNotStarted     = errors.New("job not started")
	ErrAlreadyStarted = errors.New("job already started")
)

// Runner executes one rsync.Job on a background goroutine. It is single
// use, Start may be called once.
//
// The result and the error are written before the channel returned by Done
// is closed, reading them after Done, Wait or IsFinished is race free.
type Runner struct {
	job     *rsync.Job
	events  *event.Channel
	started atomic.Bool
	done    chan struct{}

	mx     sync.Mutex
	cancel context.CancelFunc

	result  int
	err     error
	stopped time.Time
}

func NewRunner(job *rsync.Job) *Runner {
	return &Runner{
		job:    job,
		events: event.NewChannel(),
		done:   make(chan struct{}),
		result: rsync.StatusNotFinished,
	}
}

// Start spawns the child process and returns once it runs. A process which
// can't be spawned is reported as an error here, the runner is finished
// right away with rsync.StatusSpawnFailed and no event is produced.
// Cancelling ctx, or calling Cancel, kills the process.
func (r *Runner) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	r.mx.Lock()
	r.cancel = cancel
	r.mx.Unlock()

	exe, err := r.job.Spawn(ctx, r.events)
	if err != nil {
		cancel()
		r.finish(rsync.StatusSpawnFailed, err)
		return err
	}

	logCtx := log.JobAttrs(ctx, r.job.ID(), r.job.Name())
	slog.DebugContext(logCtx, "rsync started", "pid", exe.PID())
	go func() {
		code := exe.Drain()
		cancel()
		r.finish(code, nil)
	}()
	return nil
}

func (r *Runner) finish(code int, err error) {
	r.result = code
	r.err = err
	r.stopped = time.Now().UTC()
	r.events.Close()
	close(r.done)
}

// Cancel kills a running process. It is a no-op for a finished runner.
func (r *Runner) Cancel() error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cancel == nil {
		return ErrNotStarted
	}
	r.cancel()
	return nil
}

// Done is closed once the result is available.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

func (r *Runner) IsFinished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the job finished. A positive timeout limits the wait
// and gives event.ErrTimeout when it elapses, the job itself keeps running.
func (r *Runner) Wait(ctx context.Context, timeout time.Duration) error {
	if !r.started.Load() {
		return ErrNotStarted
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case <-r.done:
		return nil
	case <-deadline:
		return event.ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result returns the exit status of the process, rsync.StatusNotFinished
// until the runner is finished or rsync.StatusSpawnFailed.
func (r *Runner) Result() int {
	if !r.IsFinished() {
		return rsync.StatusNotFinished
	}
	return r.result
}

// Err returns the spawn error of a finished runner.
func (r *Runner) Err() error {
	if !r.IsFinished() {
		return nil
	}
	return r.err
}

// Stopped returns the time the runner finished, zero before.
func (r *Runner) Stopped() time.Time {
	if !r.IsFinished() {
		return time.Time{}
	}
	return r.stopped
}

// Events returns the channel the job output is put in. It ends with a
// finished event and gets closed, after a failed spawn it is closed empty.
func (r *Runner) Events() *event.Channel {
	return r.events
}

func (r *Runner) Job() *rsync.Job {
	return r.job
}
