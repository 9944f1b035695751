package rsync

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultBinary = "rsync"

	ArchiveFlag   = "-a"
	RecursiveFlag = "-r"
	VerboseFlag   = "-v"
	ProgressFlag  = "--info=progress2"

	DefaultPollInterval = 50 * time.Millisecond
	DefaultFlushTimeout = 2 * time.Second
)

// Reserved statuses, real exit codes are never negative.
const (
	StatusNotFinished = -1
	StatusSpawnFailed = -2
)

// Options select the optional rsync flags. The archive flag is always set.
type Options struct {
	Recursive bool
	Verbose   bool
	Progress  bool
}

func DefaultOptions() Options {
	return Options{Recursive: true, Verbose: true}
}

// Job is a single synchronization of Source into Target. Call Execute, or
// Spawn followed by Drain, to run it.
type Job struct {
	id           string
	name         string
	binary       string
	source       string
	target       string
	options      Options
	env          []string
	pollInterval time.Duration
	flushTimeout time.Duration

	status atomic.Int64
}

// JobOption customizes a Job in NewJob.
type JobOption func(*Job)

// WithBinary replaces the rsync executable, either a path or a name looked
// up in $PATH.
func WithBinary(path string) JobOption {
	return func(j *Job) {
		if path != "" {
			j.binary = path
		}
	}
}

// WithName sets a human readable name used in logs.
func WithName(name string) JobOption {
	return func(j *Job) { j.name = name }
}

// WithEnv sets the environment of the child, nil inherits the current one.
func WithEnv(env []string) JobOption {
	return func(j *Job) { j.env = append([]string(nil), env...) }
}

// WithPollInterval sets how often the drain loop re-checks the process.
func WithPollInterval(d time.Duration) JobOption {
	return func(j *Job) {
		if d > 0 {
			j.pollInterval = d
		}
	}
}

// WithFlushTimeout bounds how long the output still buffered in the pipes
// is read after the process exited.
func WithFlushTimeout(d time.Duration) JobOption {
	return func(j *Job) {
		if d > 0 {
			j.flushTimeout = d
		}
	}
}

func NewJob(source, target string, options Options, opts ...JobOption) *Job {
	j := &Job{
		id:           uuid.NewString(),
		binary:       DefaultBinary,
		source:       source,
		target:       target,
		options:      options,
		pollInterval: DefaultPollInterval,
		flushTimeout: DefaultFlushTimeout,
	}
	for _, opt := range opts {
		opt(j)
	}
	j.status.Store(StatusNotFinished)
	return j
}

func (j *Job) ID() string       { return j.id }
func (j *Job) Name() string     { return j.name }
func (j *Job) Binary() string   { return j.binary }
func (j *Job) Source() string   { return j.source }
func (j *Job) Target() string   { return j.target }
func (j *Job) Options() Options { return j.options }

// Args returns the arguments passed to the binary:
//
//	-a [-r] [-v] [--info=progress2] <source> <target>
func (j *Job) Args() []string {
	args := []string{ArchiveFlag}
	if j.options.Recursive {
		args = append(args, RecursiveFlag)
	}
	if j.options.Verbose {
		args = append(args, VerboseFlag)
	}
	if j.options.Progress {
		args = append(args, ProgressFlag)
	}
	return append(args, j.source, j.target)
}

// Status returns the exit status of the last execution, StatusNotFinished
// while running, or StatusSpawnFailed. It is safe to call at any time.
func (j *Job) Status() int {
	return int(j.status.Load())
}
