// Package daemon drives the orchestrator's tick loop: single-threaded,
// cooperative, adaptive-sleep scheduling with consecutive-error and
// dead-tier stop semantics.
package daemon

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/aethernet/core/internal/bus"
	"github.com/aethernet/core/internal/state"
)

// Tracer wraps a tick in a trace span. internal/telemetry/trace.Provider
// satisfies this; a nil Tracer skips tracing entirely.
type Tracer interface {
	TickSpan(ctx context.Context) (context.Context, trace.Span)
}

// Store is the state-store surface the daemon needs beyond what it
// delegates to the orchestrator tick itself.
type Store interface {
	GetKV(ctx context.Context, key string) (string, bool, error)
	SetAgentState(ctx context.Context, status string) error
	InsertIncident(ctx context.Context, inc state.Incident) (string, error)
}

// Ticker is the single orchestrator operation the daemon drives
// repeatedly.
type Ticker interface {
	Tick(ctx context.Context) error
}

// Config bounds the daemon's loop behavior.
type Config struct {
	IntervalMs         int64
	MaxSleepMs         int64
	MaxConsecutiveErrors int

	// OnTick, if set, runs after every tick attempt (success or failure).
	OnTick func(err error)
}

// Daemon runs Ticker.Tick on a loop, sleeping an adaptive interval
// between ticks, until cancelled or a stop condition is reached.
type Daemon struct {
	cfg    Config
	store  Store
	ticker Ticker
	logger *slog.Logger

	schedules *ScheduleRunner
	tracer    Tracer
	events    *bus.Bus

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu                sync.Mutex
	consecutiveErrors int
	stopped           bool
}

// WithScheduleRunner attaches the supplementary scheduled-operator-
// prompt feature. Optional: a nil runner is simply never consulted.
func (d *Daemon) WithScheduleRunner(r *ScheduleRunner) *Daemon {
	d.schedules = r
	return d
}

// WithTracer wraps every tick in a trace span. Optional: a nil Tracer
// skips tracing.
func (d *Daemon) WithTracer(t Tracer) *Daemon {
	d.tracer = t
	return d
}

// WithEventBus publishes daemon lifecycle events so the operator HTTP
// surface's event stream can relay them without polling the store. The
// console does not subscribe to the bus; it polls the HTTP surface.
// Optional: a nil bus means publishing is simply skipped.
func (d *Daemon) WithEventBus(b *bus.Bus) *Daemon {
	d.events = b
	return d
}

func New(cfg Config, store Store, ticker Ticker, logger *slog.Logger) *Daemon {
	if cfg.IntervalMs <= 0 {
		cfg.IntervalMs = 60000
	}
	if cfg.MaxSleepMs <= 0 {
		cfg.MaxSleepMs = cfg.IntervalMs
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{cfg: cfg, store: store, ticker: ticker, logger: logger}
}

// Start begins the loop in a background goroutine and returns
// immediately. The context governs shutdown; cancelling it stops the
// loop between ticks or between a tick and its sleep.
func (d *Daemon) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.loop(ctx)
	d.logger.Info("daemon started", "interval_ms", d.cfg.IntervalMs)
}

// Stop cancels the loop and waits for it to exit.
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("daemon stopped")
}

// Stopped reports whether the loop has ended itself via a stop
// condition (as opposed to external cancellation).
func (d *Daemon) Stopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

func (d *Daemon) loop(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if d.schedules != nil {
			d.schedules.RunDue(ctx)
		}

		tickCtx := ctx
		var span trace.Span
		if d.tracer != nil {
			tickCtx, span = d.tracer.TickSpan(ctx)
		}
		err := d.ticker.Tick(tickCtx)
		if span != nil {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}
		if d.cfg.OnTick != nil {
			d.cfg.OnTick(err)
		}
		if d.handleResult(ctx, err) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.nextSleep(ctx)):
		}
	}
}

// handleResult applies the consecutive-error/dead-tier stop policy for
// one tick's outcome. It returns true if the loop should end.
func (d *Daemon) handleResult(ctx context.Context, err error) bool {
	if err == nil {
		d.mu.Lock()
		d.consecutiveErrors = 0
		d.mu.Unlock()
		return false
	}

	d.mu.Lock()
	d.consecutiveErrors++
	streak := d.consecutiveErrors
	d.mu.Unlock()

	if strings.Contains(err.Error(), "survival tier is dead") {
		d.logger.Error("daemon stopping: survival tier is dead", "error", err)
		incidentID, _ := d.store.InsertIncident(ctx, state.Incident{
			Code: "DAEMON_FAILURE", Severity: "critical", Category: "daemon",
			Message: "daemon stopping, agent state dead: " + err.Error(), Timestamp: time.Now(),
		})
		_ = d.store.SetAgentState(ctx, state.AgentStateDead)
		d.publishIncident(incidentID, "critical", err.Error())
		d.publishStopped()
		d.markStopped()
		return true
	}

	severity := "warning"
	if streak >= d.cfg.MaxConsecutiveErrors {
		severity = "critical"
	}
	incidentID, _ := d.store.InsertIncident(ctx, state.Incident{
		Code: "DAEMON_FAILURE", Severity: severity, Category: "daemon",
		Message: err.Error() + " (consecutive failures " + strconv.Itoa(streak) + "/" + strconv.Itoa(d.cfg.MaxConsecutiveErrors) + ")",
		Timestamp: time.Now(),
	})
	d.publishIncident(incidentID, severity, err.Error())

	if streak >= d.cfg.MaxConsecutiveErrors {
		d.logger.Error("daemon stopping: consecutive tick failures reached threshold", "streak", streak)
		_ = d.store.SetAgentState(ctx, state.AgentStateStopped)
		d.publishStopped()
		d.markStopped()
		return true
	}

	d.logger.Warn("tick failed", "error", err, "consecutive_errors", streak)
	return false
}

func (d *Daemon) publishIncident(id, severity, message string) {
	if d.events == nil {
		return
	}
	d.events.Publish(bus.TopicIncidentRecorded, bus.IncidentEvent{
		ID: id, Code: "DAEMON_FAILURE", Severity: severity, Message: message,
	})
}

func (d *Daemon) publishStopped() {
	if d.events == nil {
		return
	}
	d.events.Publish(bus.TopicDaemonStopped, nil)
}

func (d *Daemon) markStopped() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
}

// nextSleep reads the orchestrator's requested next interval from KV,
// clamped to [0, MaxSleepMs]; falls back to the configured interval if
// unset or invalid.
func (d *Daemon) nextSleep(ctx context.Context) time.Duration {
	raw, ok, err := d.store.GetKV(ctx, state.KVAutonomyNextSleepMs)
	if err != nil || !ok {
		return time.Duration(d.cfg.IntervalMs) * time.Millisecond
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Duration(d.cfg.IntervalMs) * time.Millisecond
	}
	if ms < 0 {
		ms = 0
	}
	if ms > d.cfg.MaxSleepMs {
		ms = d.cfg.MaxSleepMs
	}
	return time.Duration(ms) * time.Millisecond
}
