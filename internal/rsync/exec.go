package rsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/CZERTAINLY/rsyncjob/internal/event"
	"github.com/CZERTAINLY/rsyncjob/internal/log"
	"github.com/CZERTAINLY/rsyncjob/internal/mux"
)

var ErrSpawn = errors.New("spawn failed")

// SpawnError reports a child process which could not be started. No event
// has been produced for the job in that case.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("%s %s: %v", ErrSpawn, e.Path, e.Err)
}

func (e *SpawnError) Unwrap() []error {
	return []error{ErrSpawn, e.Err}
}

// Sink receives the events of a job.
type Sink interface {
	Put(event.Event)
}

// Execution is a spawned job. Drain must be called exactly once to collect
// the output and release the process.
type Execution struct {
	job     *Job
	ctx     context.Context
	cmd     *exec.Cmd
	mux     *mux.Mux
	sink    Sink
	exited  chan struct{}
	waitErr error
	started time.Time
}

// Execute runs the job on the calling goroutine and returns once the child
// terminated and its output was forwarded to sink. A non-zero exit is not an
// error, inspect Status for it. The only error is a *SpawnError.
func (j *Job) Execute(ctx context.Context, sink Sink) error {
	e, err := j.Spawn(ctx, sink)
	if err != nil {
		return err
	}
	e.Drain()
	return nil
}

// Spawn starts the child with both output streams attached to pipes
// registered with a mux. Cancelling ctx kills the child. On failure every
// pipe end is closed again and the status is StatusSpawnFailed.
func (j *Job) Spawn(ctx context.Context, sink Sink) (*Execution, error) {
	ctx = log.JobAttrs(ctx, j.id, j.name)
	j.status.Store(StatusNotFinished)

	cmd := exec.CommandContext(ctx, j.binary, j.Args()...)
	cmd.Env = j.env
	// grand children of rsync may inherit the write ends, Wait must not
	// wait on them forever after a kill
	cmd.WaitDelay = j.flushTimeout

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, j.spawnFailed(ctx, err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(outR, outW)
		return nil, j.spawnFailed(ctx, err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	slog.DebugContext(ctx, "starting rsync", "path", j.binary, "args", cmd.Args[1:])
	err = cmd.Start()
	// the child has its own copies now
	closeAll(outW, errW)
	if err != nil {
		closeAll(outR, errR)
		return nil, j.spawnFailed(ctx, err)
	}

	e := &Execution{
		job:     j,
		ctx:     ctx,
		cmd:     cmd,
		mux:     mux.New(),
		sink:    sink,
		exited:  make(chan struct{}),
		started: time.Now(),
	}
	e.mux.Register("stdout", outR, func(line string) {
		sink.Put(event.Stdout(j.id, line))
	})
	e.mux.Register("stderr", errR, func(line string) {
		sink.Put(event.Stderr(j.id, line))
	})
	go func() {
		e.waitErr = cmd.Wait()
		close(e.exited)
	}()
	return e, nil
}

func (j *Job) spawnFailed(ctx context.Context, err error) error {
	j.status.Store(StatusSpawnFailed)
	slog.ErrorContext(ctx, "rsync can't be started", "path", j.binary, "error", err)
	return &SpawnError{Path: j.binary, Err: err}
}

// PID of the child process.
func (e *Execution) PID() int {
	return e.cmd.Process.Pid
}

// Drain dispatches output lines until the child exited, then reads what is
// left in the pipes for at most the flush timeout. It records the exit
// status, puts a finished event into the sink and returns the status.
func (e *Execution) Drain() int {
	defer e.mux.Close()
	poll := e.job.pollInterval

	for alive := true; alive; {
		select {
		case <-e.exited:
			alive = false
		default:
			e.mux.Select(poll)
		}
	}

	deadline := time.Now().Add(e.job.flushTimeout)
	for e.mux.Len() > 0 {
		left := time.Until(deadline)
		if left <= 0 {
			slog.WarnContext(e.ctx, "output still open after rsync exited: dropping", "streams", e.mux.Len())
			break
		}
		e.mux.Select(min(poll, left))
	}

	code := exitCode(e.cmd.ProcessState)
	e.job.status.Store(int64(code))
	e.sink.Put(event.Finished(e.job.id, code))

	attrs := []any{"code", code, "elapsed", time.Since(e.started).String()}
	var exitErr *exec.ExitError
	if e.waitErr != nil && !errors.As(e.waitErr, &exitErr) {
		attrs = append(attrs, "error", e.waitErr)
	}
	slog.DebugContext(e.ctx, "rsync finished", attrs...)
	return code
}

// exitCode maps a process state to the status reported for the job. A child
// killed by a signal gets the shell convention 128+signal, so the value never
// clashes with the reserved negative statuses.
func exitCode(state *os.ProcessState) int {
	if state == nil {
		return StatusSpawnFailed
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
