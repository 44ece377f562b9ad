// Package sweep runs the bulk scanner and the resolution engine together,
// once or on a cron schedule, so that conflicts the application never
// touches are still settled.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/c0deZ3R0/go-conflict-kit/conflictkit"
	"github.com/c0deZ3R0/go-conflict-kit/errors"
	"github.com/c0deZ3R0/go-conflict-kit/logging"
)

const (
	DefaultSchedule = "@every 5m"
	DefaultWorkers  = 4
	DefaultStrategy = conflictkit.StrategyEntitySpecific
)

// ErrRunInProgress is returned by RunOnce while another run is active.
var ErrRunInProgress = fmt.Errorf("sweep run already in progress")

// Report summarizes one run.
type Report struct {
	RunID     string
	StartedAt time.Time
	Duration  time.Duration
	// Documents is the number of conflicted documents visited.
	Documents         int
	Resolved          int
	Manual            int
	ConflictsResolved int
	Failed            int
	// Err combines the per-document failures.
	Err error
}

func (r *Report) record(res *conflictkit.ConflictResolution, err error) {
	if err != nil {
		r.Failed++
		multierr.AppendInto(&r.Err, err)
		return
	}
	if res.Resolution == conflictkit.ResolutionManual {
		r.Manual++
		return
	}
	r.Resolved++
	r.ConflictsResolved += res.ConflictsResolved
}

// Option configures a Job.
type Option func(*Job)

// WithStrategy sets the strategy every document is resolved with.
func WithStrategy(s conflictkit.Strategy) Option {
	return func(j *Job) { j.strategy = s }
}

// WithChoice sets the choice passed to user_decides.
func WithChoice(c conflictkit.Choice) Option {
	return func(j *Job) { j.choice = c }
}

// WithWorkers bounds how many documents are resolved at once.
func WithWorkers(n int) Option {
	return func(j *Job) {
		if n > 0 {
			j.workers = n
		}
	}
}

// WithSchedule sets the cron spec used by Start.
func WithSchedule(spec string) Option {
	return func(j *Job) {
		if spec != "" {
			j.schedule = spec
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(j *Job) { j.logger = l }
}

// WithOnReport is called after every run, scheduled or not.
func WithOnReport(fn func(*Report)) Option {
	return func(j *Job) { j.onReport = fn }
}

// FromConfig returns the options described by a loaded configuration.
func FromConfig(cfg conflictkit.SweepConfig) ([]Option, error) {
	var opts []Option
	if cfg.Strategy != "" {
		s, err := conflictkit.ParseStrategy(cfg.Strategy)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithStrategy(s))
	}
	if cfg.Choice != "" {
		c, err := conflictkit.ParseChoice(cfg.Choice)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithChoice(c))
	}
	opts = append(opts, WithWorkers(cfg.Workers), WithSchedule(cfg.Schedule))
	return opts, nil
}

// Job resolves every conflicted document found by a scan.
type Job struct {
	engine   *conflictkit.Engine
	scanner  *conflictkit.Scanner
	strategy conflictkit.Strategy
	choice   conflictkit.Choice
	workers  int
	schedule string
	logger   *logging.Logger
	onReport func(*Report)

	running atomic.Bool

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
	last   *Report
}

// New validates the options and returns a Job.
func New(engine *conflictkit.Engine, scanner *conflictkit.Scanner, opts ...Option) (*Job, error) {
	if engine == nil || scanner == nil {
		return nil, errors.NewConfigurationError(errors.OpSweep, fmt.Errorf("engine and scanner are required"))
	}
	j := &Job{
		engine:   engine,
		scanner:  scanner,
		strategy: DefaultStrategy,
		workers:  DefaultWorkers,
		schedule: DefaultSchedule,
		logger:   logging.WithComponent(logging.ComponentSweep),
	}
	for _, opt := range opts {
		opt(j)
	}
	if !j.strategy.Valid() {
		return nil, errors.NewUnsupportedStrategyError(errors.OpSweep, string(j.strategy))
	}
	if j.strategy == conflictkit.StrategyUserDecides && j.choice == conflictkit.ChoiceNone {
		return nil, errors.NewConfigurationError(errors.OpSweep, errors.ErrMissingChoice)
	}
	if _, err := cron.ParseStandard(j.schedule); err != nil {
		return nil, errors.NewConfigurationError(errors.OpSweep, fmt.Errorf("invalid schedule %q: %w", j.schedule, err))
	}
	return j, nil
}

// RunOnce scans the store and resolves every conflicted document. A
// document that fails to resolve is counted in the report and does not
// stop the run; a listing failure does, and is returned with the partial
// report.
func (j *Job) RunOnce(ctx context.Context) (*Report, error) {
	if !j.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer j.running.Store(false)

	report := &Report{RunID: uuid.NewString(), StartedAt: time.Now()}
	ctx = logging.ContextWithRunID(ctx, report.RunID)
	logger := j.logger.WithContext(ctx)
	logger.InfoContext(ctx, "sweep started",
		slog.String("strategy", string(j.strategy)),
		slog.Int("workers", j.workers),
	)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(j.workers)

	walkErr := j.scanner.Walk(ctx, func(item conflictkit.ScanItem) error {
		id := item.Document.ID
		g.Go(func() error {
			res, err := j.engine.Resolve(ctx, id, j.strategy, conflictkit.WithChoice(j.choice))
			mu.Lock()
			defer mu.Unlock()
			report.Documents++
			report.record(res, err)
			return nil
		})
		return nil
	})
	_ = g.Wait()
	report.Duration = time.Since(report.StartedAt)

	j.mu.Lock()
	j.last = report
	j.mu.Unlock()
	if j.onReport != nil {
		j.onReport(report)
	}

	attrs := []slog.Attr{
		slog.Int("documents", report.Documents),
		slog.Int("resolved", report.Resolved),
		slog.Int("manual", report.Manual),
		slog.Int("failed", report.Failed),
		slog.Duration("duration", report.Duration),
	}
	if walkErr != nil {
		err := errors.E(errors.OpSweep, errors.Component(logging.ComponentSweep), walkErr)
		logger.LogError(ctx, err, "sweep aborted", attrs...)
		return report, err
	}
	if report.Err != nil {
		logger.LogWarn(ctx, report.Err, "sweep completed with failures", attrs...)
	} else {
		logger.LogAttrs(ctx, slog.LevelInfo, "sweep completed", attrs...)
	}
	return report, nil
}

// LastReport returns the report of the most recent run, or nil.
func (j *Job) LastReport() *Report {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}

// Start runs the job on its schedule until Stop. A tick that fires while
// a run is still in progress is skipped.
func (j *Job) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron != nil {
		return fmt.Errorf("sweep already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := cron.New()
	if _, err := c.AddFunc(j.schedule, func() { j.tick(ctx) }); err != nil {
		cancel()
		return errors.NewConfigurationError(errors.OpSweep, err)
	}
	c.Start()
	j.cron, j.cancel = c, cancel
	j.logger.Info("sweep scheduled", slog.String("schedule", j.schedule))
	return nil
}

func (j *Job) tick(ctx context.Context) {
	if _, err := j.RunOnce(ctx); errors.Is(err, ErrRunInProgress) {
		j.logger.Info("sweep already running, skipping scheduled run")
	}
}

// Stop stops the schedule and waits for a running sweep to finish. If ctx
// ends first the running sweep is cancelled and ctx's error returned.
func (j *Job) Stop(ctx context.Context) error {
	j.mu.Lock()
	c, cancel := j.cron, j.cancel
	j.cron, j.cancel = nil, nil
	j.mu.Unlock()
	if c == nil {
		return nil
	}

	done := c.Stop()
	defer cancel()
	select {
	case <-done.Done():
		j.logger.Info("sweep stopped")
		return nil
	case <-ctx.Done():
		cancel()
		<-done.Done()
		return ctx.Err()
	}
}
