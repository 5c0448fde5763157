// Package scheduler drives the reconciler's periodic ensure-fleet tick:
// every 10 minutes, jittered by up to 30 seconds, skipping a tick
// rather than queuing it if one is still in flight.
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/nova-hosting/controlplane/pkg/logger"
	"github.com/robfig/cron/v3"
)

// Config holds the scheduler's interval and jitter bounds.
type Config struct {
	Interval time.Duration
	Jitter   time.Duration
}

// DefaultConfig is every 10 minutes with jitter up to 30s.
func DefaultConfig() Config {
	return Config{
		Interval: 10 * time.Minute,
		Jitter:   30 * time.Second,
	}
}

// Ticker drives a single callback off a robfig/cron "@every" schedule,
// adding a random jitter sleep inside each firing so consecutive runs
// land up to cfg.Jitter apart from the nominal interval. A tick that is
// still running when the next would fire is skipped, never queued —
// enforced by the running flag guarding tick().
type Ticker struct {
	cfg Config
	log *logger.Logger
	fn  func(ctx context.Context)

	cron *cron.Cron

	mu      sync.Mutex
	running bool
}

// New builds a Ticker that invokes fn on every tick, including once at
// startup.
func New(cfg Config, log *logger.Logger, fn func(ctx context.Context)) *Ticker {
	return &Ticker{
		cfg:  cfg,
		log:  log,
		fn:   fn,
		cron: cron.New(),
	}
}

// Start begins the run loop. The first tick fires immediately in a
// separate goroutine; subsequent ticks follow the "@every" schedule.
func (t *Ticker) Start() error {
	spec := "@every " + t.cfg.Interval.String()
	if _, err := t.cron.AddFunc(spec, t.tick); err != nil {
		return err
	}
	t.cron.Start()
	go t.tick()
	return nil
}

// Stop gracefully stops the ticker, waiting for an in-flight scheduled
// tick to finish. The startup tick launched by Start runs in its own
// goroutine and is not waited for.
func (t *Ticker) Stop() {
	<-t.cron.Stop().Done()
}

func (t *Ticker) tick() {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
		if r := recover(); r != nil {
			t.log.Error("reconciler tick panicked: %v", r)
		}
	}()

	if t.cfg.Jitter > 0 {
		time.Sleep(time.Duration(rand.Int63n(int64(t.cfg.Jitter))))
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.Interval)
	defer cancel()
	t.fn(ctx)
}
