package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/rsyncjob/internal/log"
	"github.com/CZERTAINLY/rsyncjob/internal/model"
	"github.com/CZERTAINLY/rsyncjob/internal/rsync"
)

var ErrNonZeroExit = errors.New("rsync exited with non-zero status")

// Report describes one finished execution of a configured job.
type Report struct {
	Name    string
	JobID   string
	Code    int
	Err     error
	Started time.Time
	Stopped time.Time
}

// Failure returns nil for a successful execution, otherwise the spawn error
// or an ErrNonZeroExit.
func (r Report) Failure() error {
	switch {
	case r.Err != nil:
		return fmt.Errorf("job %s: %w", r.Name, r.Err)
	case r.Code != 0:
		return fmt.Errorf("job %s: %w: %d", r.Name, ErrNonZeroExit, r.Code)
	default:
		return nil
	}
}

// Supervisor runs the jobs of a configuration. In manual mode Do runs every
// job once, in timer mode the jobs are started on each tick of the schedule
// until the context is done. A job still running when it is due is skipped.
type Supervisor struct {
	cfg       model.Config
	oneshot   bool
	scheduler gocron.Scheduler
	printer   *Printer
	start     chan struct{}
	runningMx sync.Mutex
	running   map[string]struct{}
	wg        sync.WaitGroup
}

// NewSupervisor prepares a supervisor writing job output to out. Jobs asking
// for progress output require an rsync new enough to support it.
func NewSupervisor(ctx context.Context, cfg model.Config, out io.Writer) (*Supervisor, error) {
	for _, job := range cfg.Jobs {
		if !job.Progress {
			continue
		}
		if err := rsync.CheckVersion(ctx, binary(cfg), rsync.ProgressConstraint); err != nil {
			return nil, fmt.Errorf("job %s requests progress: %w", job.Name, err)
		}
		break
	}

	var supervisor = &Supervisor{
		cfg:     cfg,
		oneshot: cfg.Service.Mode != model.ServiceModeTimer,
		printer: NewPrinter(out),
		start:   make(chan struct{}, 1),
		running: make(map[string]struct{}),
	}

	if !supervisor.oneshot {
		scheduler, err := newScheduler(ctx, cfg.Service.Schedule, supervisor.Start)
		if err != nil {
			return nil, fmt.Errorf("timer mode failed: %w", err)
		}
		supervisor.scheduler = scheduler
	}
	return supervisor, nil
}

// Start asks the event loop of Do to start all jobs. It never blocks, a
// start already pending absorbs this one.
func (s *Supervisor) Start() {
	select {
	case s.start <- struct{}{}:
	default:
		slog.Debug("start already pending")
	}
}

// Do runs the supervisor.
//
// Manual mode: every job runs once, at most service.parallel at a time, and
// the joined failures are returned.
//
// Timer mode: the scheduler triggers Start; failures are only logged. The
// loop ends with ctx, which also kills running jobs, and returns nil once
// they are gone.
func (s *Supervisor) Do(ctx context.Context) error {
	if s.oneshot {
		_, err := s.RunAll(ctx)
		return err
	}

	slog.DebugContext(ctx, "starting a supervisor", "jobs", len(s.cfg.Jobs))
	s.scheduler.Start()
	defer func() {
		if err := s.scheduler.Shutdown(); err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
	}()
	defer s.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.start:
			s.startAll(ctx)
		}
	}
}

// RunAll runs every configured job once and returns the reports in
// configuration order together with the joined failures.
func (s *Supervisor) RunAll(ctx context.Context) ([]Report, error) {
	if len(s.cfg.Jobs) == 0 {
		slog.WarnContext(ctx, "no jobs configured")
		return nil, nil
	}

	reports := make([]Report, len(s.cfg.Jobs))
	var g errgroup.Group
	g.SetLimit(max(s.cfg.Service.Parallel, 1))
	for idx, job := range s.cfg.Jobs {
		g.Go(func() error {
			reports[idx] = s.run(ctx, job)
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, r := range reports {
		if err := r.Failure(); err != nil {
			errs = append(errs, err)
		}
	}
	return reports, errors.Join(errs...)
}

func (s *Supervisor) startAll(ctx context.Context) {
	s.runningMx.Lock()
	defer s.runningMx.Unlock()
	for _, job := range s.cfg.Jobs {
		if _, ok := s.running[job.Name]; ok {
			slog.WarnContext(ctx, "job still running: skipping", "job_name", job.Name)
			continue
		}
		s.running[job.Name] = struct{}{}
		s.wg.Go(func() {
			defer s.release(job.Name)
			report := s.run(ctx, job)
			if err := report.Failure(); err != nil {
				slog.ErrorContext(ctx, "job failed", "job_name", job.Name, "error", err)
				return
			}
			slog.InfoContext(ctx, "job succeeded", "job_name", job.Name, "elapsed", report.Stopped.Sub(report.Started).String())
		})
	}
}

func (s *Supervisor) release(name string) {
	s.runningMx.Lock()
	defer s.runningMx.Unlock()
	delete(s.running, name)
}

func (s *Supervisor) run(ctx context.Context, cfg model.Job) Report {
	job := rsync.NewJob(cfg.Source, cfg.Target,
		rsync.Options{
			Recursive: cfg.Recursive,
			Verbose:   cfg.Verbose,
			Progress:  cfg.Progress,
		},
		rsync.WithName(cfg.Name),
		rsync.WithBinary(binary(s.cfg)),
		rsync.WithPollInterval(s.cfg.Rsync.PollIntervalDuration()),
		rsync.WithFlushTimeout(s.cfg.Rsync.FlushTimeoutDuration()),
	)
	ctx = log.JobAttrs(ctx, job.ID(), cfg.Name)

	report := Report{
		Name:    cfg.Name,
		JobID:   job.ID(),
		Started: time.Now().UTC(),
	}
	runner := NewRunner(job)
	if err := runner.Start(ctx); err != nil {
		report.Code = runner.Result()
		report.Err = err
		report.Stopped = runner.Stopped()
		return report
	}

	s.printer.Consume(ctx, cfg.Name, runner)
	<-runner.Done()
	report.Code = runner.Result()
	report.Stopped = runner.Stopped()
	return report
}

func binary(cfg model.Config) string {
	if cfg.Rsync.Binary == "" {
		return rsync.DefaultBinary
	}
	return cfg.Rsync.Binary
}

func newScheduler(ctx context.Context, cfgp *model.TimerSchedule, startFunc func()) (gocron.Scheduler, error) {
	if cfgp == nil {
		return nil, errors.New("service.schedule is nil")
	}
	cfg := *cfgp
	var job gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		if err := ParseCron(cfg.Cron); err != nil {
			return nil, fmt.Errorf("parsing service.schedule.cron: %w", err)
		}
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron)
	case cfg.Duration != "":
		d, err := ParseDuration(cfg.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing service.schedule.duration: %w", err)
		}
		job = gocron.DurationJob(d)
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String())
	default:
		return nil, errors.New("both cron and duration are empty")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(startFunc),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
