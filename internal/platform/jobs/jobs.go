package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Func is one run of a scheduled job.
type Func func(ctx context.Context) error

type job struct {
	name string
	spec string
	fn   Func
}

// Runner executes registered jobs on cron schedules. Runs of the same job
// never overlap and a panicking run is logged, not fatal.
type Runner struct {
	cron    *cron.Cron
	logger  zerolog.Logger
	timeout time.Duration

	mu   sync.Mutex
	jobs map[string]job
	ctx  context.Context
}

// NewRunner creates a runner whose schedules are evaluated in UTC. Each run
// gets a context bounded by timeout when it is positive.
func NewRunner(logger zerolog.Logger, timeout time.Duration) *Runner {
	cl := cronLogger{logger: logger}
	return &Runner{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		timeout: timeout,
		jobs:    make(map[string]job),
		ctx:     context.Background(),
	}
}

// Register adds a job under a standard five-field cron spec.
func (r *Runner) Register(name, spec string, fn Func) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.jobs[name]; dup {
		return fmt.Errorf("job %q already registered", name)
	}
	if _, err := r.cron.AddFunc(spec, func() { _ = r.run(r.baseContext(), name) }); err != nil {
		return fmt.Errorf("add job %q: %w", name, err)
	}
	r.jobs[name] = job{name: name, spec: spec, fn: fn}
	return nil
}

// RunNow executes a registered job once, outside its schedule.
func (r *Runner) RunNow(ctx context.Context, name string) error {
	return r.run(ctx, name)
}

func (r *Runner) run(ctx context.Context, name string) error {
	r.mu.Lock()
	j, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not registered", name)
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	start := time.Now()
	log := r.logger.With().Str("job", j.name).Logger()
	if err := j.fn(ctx); err != nil {
		log.Error().Err(err).Dur("duration", time.Since(start)).Msg("job failed")
		return err
	}
	log.Info().Dur("duration", time.Since(start)).Msg("job finished")
	return nil
}

func (r *Runner) baseContext() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctx
}

// Start runs the scheduler until ctx is cancelled, then waits for running
// jobs to finish.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()

	r.cron.Start()
	r.logger.Info().Int("jobs", len(r.cron.Entries())).Msg("job runner started")
	<-ctx.Done()
	<-r.cron.Stop().Done()
	r.logger.Info().Msg("job runner stopped")
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
