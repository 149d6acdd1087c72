// Package monitor runs the periodic job/task bookkeeping next to the RPC
// service: it times out tasks that ran too long, stamps jobs whose tasks
// have all finished and purges completed jobs once their TTL expires.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// JobStore is the bookkeeping surface of the job/task store.
type JobStore interface {
	CompleteFinishedJobs(ctx context.Context, now time.Time) (int64, error)
	ExpireTasks(ctx context.Context, startedBefore, now time.Time) (int64, error)
	PurgeCompleted(ctx context.Context, before time.Time) (int64, error)
}

type Options struct {
	// Schedule is a cron expression; descriptors such as "@every 10s" work.
	Schedule    string
	TaskTimeout time.Duration
	TTL         time.Duration
}

func DefaultOptions() Options {
	return Options{
		Schedule:    "@every 10s",
		TaskTimeout: time.Hour,
		TTL:         time.Hour,
	}
}

// Result counts what one tick changed.
type Result struct {
	Expired   int64
	Completed int64
	Purged    int64
}

type Monitor struct {
	store  JobStore
	opts   Options
	now    func() time.Time
	logger zerolog.Logger

	mu      sync.Mutex
	cron    *cronlib.Cron
	running bool
}

// New validates the schedule and returns a stopped monitor.
func New(store JobStore, opts Options) (*Monitor, error) {
	if _, err := cronlib.ParseStandard(opts.Schedule); err != nil {
		return nil, fmt.Errorf("monitor schedule %q: %w", opts.Schedule, err)
	}
	m := &Monitor{
		store:  store,
		opts:   opts,
		now:    time.Now,
		logger: log.With().Str("component", "monitor").Logger(),
	}
	return m, nil
}

// Start schedules Tick. Ticks that would overlap a running one are skipped.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	logger := cronLogger{m.logger}
	c := cronlib.New(
		cronlib.WithLogger(logger),
		cronlib.WithChain(cronlib.Recover(logger), cronlib.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(m.opts.Schedule, func() {
		if _, err := m.Tick(ctx); err != nil {
			m.logger.Error().Err(err).Msg("Monitor tick failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule monitor: %w", err)
	}
	c.Start()
	m.cron = c
	m.running = true
	m.logger.Info().
		Str("schedule", m.opts.Schedule).
		Dur("task_timeout", m.opts.TaskTimeout).
		Dur("ttl", m.opts.TTL).
		Msg("Monitor started")
	return nil
}

// Kill stops scheduling and waits for a running tick to return.
func (m *Monitor) Kill() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.running = false
	m.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	m.logger.Info().Msg("Monitor stopped")
}

// Run starts the monitor and kills it once ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	m.Kill()
	return nil
}

// Tick runs one bookkeeping pass. Tasks are expired first so a job whose
// last task timed out completes in the same pass.
func (m *Monitor) Tick(ctx context.Context) (Result, error) {
	var res Result
	now := m.now()

	expired, err := m.store.ExpireTasks(ctx, now.Add(-m.opts.TaskTimeout), now)
	if err != nil {
		return res, err
	}
	res.Expired = expired

	completed, err := m.store.CompleteFinishedJobs(ctx, now)
	if err != nil {
		return res, err
	}
	res.Completed = completed

	purged, err := m.store.PurgeCompleted(ctx, now.Add(-m.opts.TTL))
	if err != nil {
		return res, err
	}
	res.Purged = purged

	if res != (Result{}) {
		m.logger.Info().
			Int64("expired", res.Expired).
			Int64("completed", res.Completed).
			Int64("purged", res.Purged).
			Msg("Monitor tick")
	}
	return res, nil
}

// cronLogger routes robfig/cron logging to zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
