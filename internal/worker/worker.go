// Package worker runs the single claim/dispatch loop that drains the
// event store. Handlers are registered per event type; the worker owns
// retry, dead-lettering, and the connection-readiness gate.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nevindra/relay/internal/bus"
	"github.com/nevindra/relay/internal/observe"
)

// MaxAttempts is the retry ceiling; reaching it dead-letters the event.
const MaxAttempts = 20

const (
	defaultPollInterval = 250 * time.Millisecond
	defaultLockTimeout  = 2 * time.Minute
	lockTouchInterval   = time.Minute
	readinessWait       = time.Minute
)

// Handler processes one claimed event.
type Handler interface {
	Handle(ctx context.Context, ev *bus.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev *bus.Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, ev *bus.Event) error {
	return f(ctx, ev)
}

// ReadinessGate is the connection-health barrier the worker consults
// before claiming work.
type ReadinessGate interface {
	Ready() bool
	WaitUntilReady(ctx context.Context, timeout time.Duration) bool
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithPollInterval overrides the idle poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) { w.pollInterval = d }
}

// WithMetrics attaches pipeline metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// Worker is the single event-loop consumer.
type Worker struct {
	store    *bus.Store
	gate     ReadinessGate
	handlers map[bus.EventType]Handler
	id       string
	logger   *slog.Logger
	metrics  *observe.Metrics

	pollInterval time.Duration
	lockTimeout  time.Duration
}

// New creates a Worker. Register handlers before calling Run.
func New(store *bus.Store, gate ReadinessGate, opts ...Option) *Worker {
	w := &Worker{
		store:        store,
		gate:         gate,
		handlers:     make(map[bus.EventType]Handler),
		id:           "worker-" + uuid.Must(uuid.NewV7()).String(),
		logger:       slog.Default(),
		pollInterval: defaultPollInterval,
		lockTimeout:  defaultLockTimeout,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Register installs the handler for an event type.
func (w *Worker) Register(t bus.EventType, h Handler) {
	w.handlers[t] = h
}

// Run executes the claim/dispatch loop until ctx is cancelled. The
// in-flight event finishes normally; anything else is recovered by the
// stale-lock sweep on the next start.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker: started", "worker_id", w.id)
	wasReady := false

	for ctx.Err() == nil {
		if !w.gate.Ready() {
			if wasReady {
				w.logger.Warn("worker: connection lost, pausing")
				wasReady = false
			}
			if !w.gate.WaitUntilReady(ctx, readinessWait) {
				continue
			}
		}
		if !wasReady {
			w.logger.Info("worker: connection ready, resuming")
			wasReady = true
		}

		if _, err := w.store.RequeueStaleProcessing(ctx, w.lockTimeout); err != nil {
			w.logger.Error("worker: stale requeue failed", "error", err)
		}

		ev, err := w.store.ClaimNext(ctx, w.id)
		if err != nil {
			w.logger.Error("worker: claim failed", "error", err)
			w.idle(ctx)
			continue
		}
		if ev == nil {
			w.idle(ctx)
			continue
		}

		w.dispatch(ctx, ev)
	}
	w.logger.Info("worker: stopped", "worker_id", w.id)
}

func (w *Worker) idle(ctx context.Context) {
	t := time.NewTimer(w.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// dispatch runs the handler for one claimed event and settles it. A
// lock heartbeat keeps the stale-lock sweep off long-running handlers
// (agent calls can legitimately outlast the lock timeout).
func (w *Worker) dispatch(ctx context.Context, ev *bus.Event) {
	start := time.Now()
	handler, ok := w.handlers[ev.Type]
	if !ok {
		w.settle(ctx, ev, Terminal(fmt.Errorf("no handler for event type %q", ev.Type)), start)
		return
	}

	touchCtx, stopTouch := context.WithCancel(ctx)
	defer stopTouch()
	go w.touchLock(touchCtx, ev.ID)

	err := handler.Handle(ctx, ev)
	stopTouch()
	w.settle(ctx, ev, err, start)
}

func (w *Worker) touchLock(ctx context.Context, eventID string) {
	ticker := time.NewTicker(lockTouchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.TouchLock(ctx, eventID, w.id); err != nil {
				w.logger.Warn("worker: lock touch failed", "event_id", eventID, "error", err)
			}
		}
	}
}

// settle applies the per-attempt error policy: success, terminal
// dead-letter, max-attempts dead-letter, or retry with backoff.
func (w *Worker) settle(ctx context.Context, ev *bus.Event, err error, start time.Time) {
	elapsed := time.Since(start)
	switch {
	case err == nil:
		if markErr := w.store.MarkDone(ctx, ev.ID); markErr != nil {
			w.logger.Error("worker: mark done failed", "event_id", ev.ID, "error", markErr)
		}
		w.metrics.EventSettled(ctx, string(ev.Type), "done", elapsed)
		w.logger.Debug("worker: event done", "event_id", ev.ID, "type", ev.Type, "duration", elapsed)

	case IsTerminal(err):
		if markErr := w.store.MarkDead(ctx, ev.ID, err.Error()); markErr != nil {
			w.logger.Error("worker: mark dead failed", "event_id", ev.ID, "error", markErr)
		}
		w.metrics.EventSettled(ctx, string(ev.Type), "dead", elapsed)
		w.logger.Warn("worker: event dead-lettered", "event_id", ev.ID, "type", ev.Type, "error", err)

	case ev.Attempts+1 >= MaxAttempts:
		reason := fmt.Sprintf("max attempts reached (%d): %v", MaxAttempts, err)
		if markErr := w.store.MarkDead(ctx, ev.ID, reason); markErr != nil {
			w.logger.Error("worker: mark dead failed", "event_id", ev.ID, "error", markErr)
		}
		w.metrics.EventSettled(ctx, string(ev.Type), "dead", elapsed)
		w.logger.Warn("worker: event exhausted retries", "event_id", ev.ID, "type", ev.Type, "error", err)

	default:
		delay := advisoryDelay(err)
		if delay <= 0 {
			delay = time.Duration(bus.BackoffMS(ev.Attempts+1)) * time.Millisecond
		}
		if markErr := w.store.MarkRetry(ctx, ev.ID, err.Error(), delay); markErr != nil {
			w.logger.Error("worker: mark retry failed", "event_id", ev.ID, "error", markErr)
		}
		w.metrics.EventSettled(ctx, string(ev.Type), "retry", elapsed)
		w.logger.Info("worker: event will retry", "event_id", ev.ID, "type", ev.Type,
			"attempt", ev.Attempts+1, "delay", delay, "error", err)
	}
}
