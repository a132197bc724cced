// Package jobs runs the periodic sweeps that move time-driven money state forward.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Job is one periodic sweep. Run returns how many records it processed.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int, error)
}

// Observer receives the outcome of every job run.
type Observer interface {
	ObserveJob(job string, processed int, elapsed time.Duration, err error)
}

// Runner schedules jobs on independent tickers.
type Runner struct {
	jobs     []Job
	logger   *zap.Logger
	observer Observer
	clock    func() time.Time
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithLogger attaches a zap logger.
func WithLogger(logger *zap.Logger) RunnerOption {
	return func(runner *Runner) {
		if logger != nil {
			runner.logger = logger
		}
	}
}

// WithObserver reports job outcomes, typically to Prometheus.
func WithObserver(observer Observer) RunnerOption {
	return func(runner *Runner) {
		runner.observer = observer
	}
}

// NewRunner validates jobs and returns a Runner.
func NewRunner(jobs []Job, options ...RunnerOption) (*Runner, error) {
	seen := make(map[string]struct{}, len(jobs))
	for _, job := range jobs {
		if job.Name == "" || job.Run == nil {
			return nil, fmt.Errorf("job %q: name and run function are required", job.Name)
		}
		if job.Interval <= 0 {
			return nil, fmt.Errorf("job %q: interval must be positive", job.Name)
		}
		if _, ok := seen[job.Name]; ok {
			return nil, fmt.Errorf("job %q registered twice", job.Name)
		}
		seen[job.Name] = struct{}{}
	}
	runner := &Runner{jobs: jobs, logger: zap.NewNop(), clock: time.Now}
	for _, option := range options {
		option(runner)
	}
	runner.logger = runner.logger.Named("jobs")
	return runner, nil
}

// Jobs returns the registered job names in order.
func (runner *Runner) Jobs() []string {
	names := make([]string, 0, len(runner.jobs))
	for _, job := range runner.jobs {
		names = append(names, job.Name)
	}
	return names
}

// Run executes every job immediately and then on its interval until ctx is cancelled. A failing
// run is logged and retried on the next tick.
func (runner *Runner) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, job := range runner.jobs {
		job := job
		group.Go(func() error {
			ticker := time.NewTicker(job.Interval)
			defer ticker.Stop()
			for {
				runner.execute(groupCtx, job)
				select {
				case <-groupCtx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}
	runner.logger.Info("job runner started", zap.Strings("jobs", runner.Jobs()))
	err := group.Wait()
	runner.logger.Info("job runner stopped")
	return err
}

// RunOnce executes each job, or only the named ones, a single time in order.
func (runner *Runner) RunOnce(ctx context.Context, names ...string) error {
	selected := make(map[string]bool, len(names))
	for _, name := range names {
		selected[name] = true
	}
	var failures []error
	matched := 0
	for _, job := range runner.jobs {
		if len(selected) > 0 && !selected[job.Name] {
			continue
		}
		matched++
		if _, err := runner.execute(ctx, job); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", job.Name, err))
		}
	}
	if len(selected) > 0 && matched != len(selected) {
		failures = append(failures, fmt.Errorf("unknown job in %v", names))
	}
	return errors.Join(failures...)
}

func (runner *Runner) execute(ctx context.Context, job Job) (int, error) {
	started := runner.clock()
	processed, err := job.Run(ctx)
	elapsed := runner.clock().Sub(started)
	if runner.observer != nil {
		runner.observer.ObserveJob(job.Name, processed, elapsed, err)
	}
	switch {
	case err != nil && errors.Is(err, context.Canceled):
	case err != nil:
		runner.logger.Error("job failed", zap.String("job", job.Name), zap.Duration("elapsed", elapsed), zap.Error(err))
	case processed > 0:
		runner.logger.Info("job processed records", zap.String("job", job.Name), zap.Int("processed", processed), zap.Duration("elapsed", elapsed))
	default:
		runner.logger.Debug("job idle", zap.String("job", job.Name))
	}
	return processed, err
}
