// Package ping keeps the agent registry honest. Every cycle it probes the
// agents whose last successful probe is older than the ping interval and
// evicts the ones that stop answering.
package ping

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/gaxx-rpc/internal/registry"
	"github.com/3cpo-dev/gaxx-rpc/internal/store"
	"github.com/3cpo-dev/gaxx-rpc/internal/telemetry"
)

// Pinger sends one probe and waits at most timeout for the answer.
type Pinger interface {
	Ping(ctx context.Context, endpoint string, timeout time.Duration) error
}

// Deactivator clears the active flag of an evicted agent.
type Deactivator interface {
	UpdateOne(ctx context.Context, mercuryID string, patch store.Patch) error
}

// Recorder receives the outcome of every completed probe.
type Recorder interface {
	RecordProbe(mercuryID string, duration time.Duration, success bool)
}

type Options struct {
	// Interval is how long a successful probe keeps an agent fresh.
	Interval time.Duration `yaml:"interval"`
	// Cycle is how often due agents are selected.
	Cycle          time.Duration `yaml:"cycle"`
	InitialTimeout time.Duration `yaml:"initial_timeout"`
	// Retries is the number of attempts before an agent is evicted.
	Retries int `yaml:"retries"`
	// Backoff grows each attempt's timeout by this fraction.
	Backoff     float64 `yaml:"backoff"`
	Concurrency int     `yaml:"concurrency"`
}

func DefaultOptions() Options {
	return Options{
		Interval:       30 * time.Second,
		Cycle:          10 * time.Second,
		InitialTimeout: 2500 * time.Millisecond,
		Retries:        5,
		Backoff:        .42,
		Concurrency:    64,
	}
}

// AttemptTimeout returns the timeout of the given zero-based attempt.
func (o Options) AttemptTimeout(attempt int) time.Duration {
	return time.Duration(float64(o.InitialTimeout) * math.Pow(1+o.Backoff, float64(attempt)))
}

type Prober struct {
	registry  *registry.Registry
	inventory Deactivator
	pinger    Pinger
	recorder  Recorder
	opts      Options
	now       func() time.Time
	sem       chan struct{}
	wg        sync.WaitGroup
	logger    zerolog.Logger
}

func New(reg *registry.Registry, inventory Deactivator, pinger Pinger, opts Options) *Prober {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Retries <= 0 {
		opts.Retries = 1
	}
	return &Prober{
		registry:  reg,
		inventory: inventory,
		pinger:    pinger,
		opts:      opts,
		now:       time.Now,
		sem:       make(chan struct{}, opts.Concurrency),
		logger:    log.With().Str("component", "ping").Logger(),
	}
}

// SetRecorder makes the prober report probe outcomes to r. It must be
// called before Run.
func (p *Prober) SetRecorder(r Recorder) {
	p.recorder = r
}

func (p *Prober) record(id string, start time.Time, success bool) {
	if p.recorder != nil {
		p.recorder.RecordProbe(id, time.Since(start), success)
	}
}

// Run probes every Cycle until ctx is done, then waits for in-flight
// probes to finish.
func (p *Prober) Run(ctx context.Context) error {
	p.logger.Info().
		Dur("interval", p.opts.Interval).
		Dur("cycle", p.opts.Cycle).
		Int("retries", p.opts.Retries).
		Msg("Starting ping loop")
	defer p.Wait()

	ticker := time.NewTicker(p.opts.Cycle)
	defer ticker.Stop()
	for {
		p.RunCycle(ctx)
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("Ping loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunCycle starts a probe for every due agent and returns how many were
// started. Probes run in the background; Wait blocks until they finish.
func (p *Prober) RunCycle(ctx context.Context) int {
	started := 0
	for _, due := range p.registry.Due(p.now(), p.opts.Interval) {
		entry, ok := p.registry.BeginProbe(due.MercuryID)
		if !ok {
			continue
		}
		started++
		p.wg.Add(1)
		go func(e registry.Entry) {
			defer p.wg.Done()
			select {
			case p.sem <- struct{}{}:
			case <-ctx.Done():
				p.registry.AbortProbe(e.MercuryID, e.Generation)
				return
			}
			defer func() { <-p.sem }()
			p.probe(ctx, e)
		}(entry)
	}
	return started
}

// Wait blocks until every started probe has finished.
func (p *Prober) Wait() {
	p.wg.Wait()
}

func endpoint(e registry.Entry) string {
	host := e.RPCAddress
	if host == "" && e.RPCAddress6 != nil {
		host = "[" + *e.RPCAddress6 + "]"
	}
	return fmt.Sprintf("tcp://%s:%d", host, e.PingPort)
}

func (p *Prober) probe(ctx context.Context, e registry.Entry) {
	target := endpoint(e)
	logger := p.logger.With().Str("mercury_id", e.MercuryID).Str("endpoint", target).Logger()
	start := time.Now()

	for attempt := 0; attempt < p.opts.Retries; attempt++ {
		timeout := p.opts.AttemptTimeout(attempt)
		err := p.pinger.Ping(ctx, target, timeout)
		if err == nil {
			p.registry.EndProbe(e.MercuryID, e.Generation, p.now())
			telemetry.CounterGlobal("gaxx_rpc_probe_success", 1, nil)
			p.record(e.MercuryID, start, true)
			logger.Debug().Int("attempt", attempt+1).Msg("Pong")
			return
		}
		if ctx.Err() != nil {
			p.registry.AbortProbe(e.MercuryID, e.Generation)
			return
		}
		logger.Debug().Err(err).Int("attempt", attempt+1).Dur("timeout", timeout).Msg("Ping failed")
	}

	telemetry.CounterGlobal("gaxx_rpc_probe_failure", 1, nil)
	p.record(e.MercuryID, start, false)
	if !p.registry.Evict(e.MercuryID, e.Generation) {
		logger.Debug().Msg("Agent re-registered during probe, keeping it")
		return
	}
	logger.Warn().Int("attempts", p.opts.Retries).Msg("Agent stopped answering, marking inactive")
	telemetry.GaugeGlobal("gaxx_rpc_active_agents", float64(p.registry.Len()), nil)
	if err := p.inventory.UpdateOne(ctx, e.MercuryID, store.Patch{}); err != nil {
		logger.Error().Err(err).Msg("Failed to clear active flag")
	}
}
