package timers

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/cuemby/hutch/pkg/blob"
	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/queue"
	"github.com/cuemby/hutch/pkg/reconciler"
	"github.com/cuemby/hutch/pkg/registry"
	"github.com/cuemby/hutch/pkg/scheduler"
	"github.com/cuemby/hutch/pkg/webhooks"
)

// Intervals holds the driver cadences.
type Intervals struct {
	Workers   time.Duration
	Tasks     time.Duration
	Proxy     time.Duration
	Repro     time.Duration
	Daily     time.Duration
	Retention time.Duration
	Queues    time.Duration
}

// DefaultIntervals returns the built-in cadences.
func DefaultIntervals() Intervals {
	return Intervals{
		Workers:   90 * time.Second,
		Tasks:     15 * time.Second,
		Proxy:     30 * time.Second,
		Repro:     30 * time.Second,
		Daily:     24 * time.Hour,
		Retention: 20 * time.Hour,
		Queues:    5 * time.Second,
	}
}

// Config tunes the timer set. Zero values fall back to defaults.
type Config struct {
	Intervals Intervals
	// Visibility is how long consumed queue messages stay hidden while a
	// handler works on them.
	Visibility time.Duration
}

// Timers owns the periodic driver goroutines and the queue consumers.
type Timers struct {
	registry   *registry.Registry
	queues     *queue.Queues
	blobs      *blob.Store
	reconciler *reconciler.Reconciler
	scheduler  *scheduler.Scheduler
	webhooks   *webhooks.Engine
	broker     *events.Broker

	intervals  Intervals
	visibility time.Duration
	now        func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the timer set over the shared components.
func New(reg *registry.Registry, queues *queue.Queues, blobs *blob.Store, rec *reconciler.Reconciler, sched *scheduler.Scheduler, hooks *webhooks.Engine, broker *events.Broker, cfg Config) *Timers {
	iv := cfg.Intervals
	def := DefaultIntervals()
	if iv.Workers <= 0 {
		iv.Workers = def.Workers
	}
	if iv.Tasks <= 0 {
		iv.Tasks = def.Tasks
	}
	if iv.Proxy <= 0 {
		iv.Proxy = def.Proxy
	}
	if iv.Repro <= 0 {
		iv.Repro = def.Repro
	}
	if iv.Daily <= 0 {
		iv.Daily = def.Daily
	}
	if iv.Retention <= 0 {
		iv.Retention = def.Retention
	}
	if iv.Queues <= 0 {
		iv.Queues = def.Queues
	}
	visibility := cfg.Visibility
	if visibility <= 0 {
		visibility = 30 * time.Second
	}

	return &Timers{
		registry:   reg,
		queues:     queues,
		blobs:      blobs,
		reconciler: rec,
		scheduler:  sched,
		webhooks:   hooks,
		broker:     broker,
		intervals:  iv,
		visibility: visibility,
		now:        time.Now,
	}
}

// Start launches one goroutine per driver.
func (t *Timers) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	drivers := []struct {
		name     string
		interval time.Duration
		tick     func(context.Context) error
	}{
		{"workers", t.intervals.Workers, t.tickWorkers},
		{"tasks", t.intervals.Tasks, t.tickTasks},
		{"proxy", t.intervals.Proxy, t.tickProxy},
		{"repro", t.intervals.Repro, t.tickRepro},
		{"daily", t.intervals.Daily, t.tickDaily},
		{"retention", t.intervals.Retention, t.tickRetention},
		{"queues", t.intervals.Queues, t.tickQueues},
	}
	for _, d := range drivers {
		t.wg.Add(1)
		go t.loop(ctx, d.name, d.interval, d.tick)
	}

	timersLog := log.WithComponent("timers")
	timersLog.Info().Msg("Periodic drivers started")
}

// Stop cancels every driver and waits for in-flight handlers to return.
func (t *Timers) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	timersLog := log.WithComponent("timers")
	timersLog.Info().Msg("Periodic drivers stopped")
}

func (t *Timers) loop(ctx context.Context, name string, interval time.Duration, tick func(context.Context) error) {
	defer t.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.runTick(ctx, name, interval, tick)
		case <-ctx.Done():
			return
		}
	}
}

// runTick runs one handler cycle under a deadline of one interval, so a
// slow cycle yields to the next tick instead of piling up behind it.
func (t *Timers) runTick(ctx context.Context, name string, budget time.Duration, tick func(context.Context) error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.DriverDuration, name)
		metrics.DriverCyclesTotal.WithLabelValues(name).Inc()
	}()

	tickCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	err := tick(tickCtx)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		timersLog := log.WithComponent("timers")
		timersLog.Debug().Str("timer", name).Msg("Driver cycle yielded to the next tick")
	case errors.Is(err, context.Canceled):
	default:
		timersLog := log.WithComponent("timers")
		timersLog.Warn().Err(err).Str("timer", name).Msg("Driver cycle failed")
	}
}

// tickWorkers advances the pool, node and scaleset state machines.
func (t *Timers) tickWorkers(ctx context.Context) error {
	return multierr.Combine(
		t.reconciler.ProcessPools(ctx),
		t.reconciler.ProcessNodes(ctx),
		t.reconciler.ProcessScalesets(ctx),
	)
}

// tickTasks advances tasks and jobs, then runs a scheduling pass over
// whatever became ready.
func (t *Timers) tickTasks(ctx context.Context) error {
	var errs error
	errs = multierr.Append(errs, t.reconciler.ProcessTasks(ctx))
	errs = multierr.Append(errs, t.reconciler.ProcessJobs(ctx))

	timer := metrics.NewTimer()
	errs = multierr.Append(errs, t.scheduler.Schedule(ctx))
	timer.ObserveDuration(metrics.SchedulingLatency)

	return errs
}

func (t *Timers) tickProxy(ctx context.Context) error {
	return t.reconciler.ProcessProxies(ctx)
}

func (t *Timers) tickRepro(ctx context.Context) error {
	return t.reconciler.ProcessRepros(ctx)
}

func (t *Timers) tickDaily(ctx context.Context) error {
	return t.reconciler.Daily(ctx)
}

func (t *Timers) tickRetention(ctx context.Context) error {
	return t.reconciler.Retention(ctx)
}
