// Package reconcile repairs the pipeline after crashes and
// disconnects: half-applied reactions are re-driven through the DM
// handler, and DMs missed while offline are re-enqueued from the
// platform history.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nevindra/relay/internal/bus"
	"github.com/nevindra/relay/internal/observe"
)

const (
	// TickInterval paces the periodic reconcile sweep.
	TickInterval = 15 * time.Second

	repairLimit    = 50
	repairPriority = 15

	// dmRetention is how long settled DM rows are kept.
	dmRetention = 7 * 24 * time.Hour
)

// Option configures the Ticker.
type Option func(*Ticker)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Ticker) { t.logger = l }
}

// WithMetrics attaches pipeline metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(t *Ticker) { t.metrics = m }
}

// Ticker publishes reconcile and recovery trigger events. Trigger
// events carry a per-minute dedupe key so restart storms and repeated
// ready transitions collapse into one queued run.
type Ticker struct {
	store   *bus.Store
	logger  *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time
}

// NewTicker creates the reconcile/recovery trigger publisher.
func NewTicker(store *bus.Store, opts ...Option) *Ticker {
	t := &Ticker{store: store, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Run publishes one reconcile trigger immediately, then every
// TickInterval until ctx is cancelled.
func (t *Ticker) Run(ctx context.Context) {
	t.TriggerReconcile(ctx)
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.TriggerReconcile(ctx)
		}
	}
}

// TriggerReconcile queues one dm.reconcile.run event.
func (t *Ticker) TriggerReconcile(ctx context.Context) {
	t.trigger(ctx, bus.EventDMReconcileRun, "reconcile")
}

// TriggerRecovery queues one dm.recover.run event. Called on every
// ready transition, including reconnect successes.
func (t *Ticker) TriggerRecovery(ctx context.Context) {
	t.trigger(ctx, bus.EventDMRecoverRun, "recover")
}

func (t *Ticker) trigger(ctx context.Context, eventType bus.EventType, keyPrefix string) {
	minute := t.now().Unix() / 60
	_, err := t.store.Publish(ctx, bus.PublishInput{
		Type:      eventType,
		Lane:      bus.LaneSystem,
		DedupeKey: keyPrefix + ":" + strconv.FormatInt(minute, 10),
		Payload:   struct{}{},
	})
	if err != nil {
		t.logger.Error("reconcile: trigger publish failed", "type", eventType, "error", err)
		return
	}
	t.metrics.EventPublished(ctx, string(eventType))
}

// Repairer handles dm.reconcile.run: it re-enqueues DMs whose
// reactions were left half-applied by a crash, and prunes settled rows
// past retention.
type Repairer struct {
	store  *bus.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRepairer creates the reconcile-run handler.
func NewRepairer(store *bus.Store, logger *slog.Logger) *Repairer {
	return &Repairer{store: store, logger: logger, now: time.Now}
}

// Handle implements worker.Handler.
func (r *Repairer) Handle(ctx context.Context, _ *bus.Event) error {
	missingEye, err := r.store.ListDMMissingEye(ctx, repairLimit)
	if err != nil {
		return err
	}
	missingCheck, err := r.store.ListDMMissingCheck(ctx, repairLimit)
	if err != nil {
		return err
	}

	repaired := 0
	seen := make(map[string]bool)
	for _, st := range append(missingEye, missingCheck...) {
		if seen[st.MessageID] {
			continue
		}
		seen[st.MessageID] = true

		active, err := r.store.HasActiveDMIncomingEvent(ctx, st.MessageID)
		if err != nil {
			return err
		}
		if active {
			continue
		}
		if _, err := r.store.Publish(ctx, bus.PublishInput{
			Type:     bus.EventDMIncoming,
			Lane:     bus.LaneInteractive,
			Priority: repairPriority,
			Payload: bus.DMIncomingPayload{
				MessageID: st.MessageID,
				ChannelID: st.ChannelID,
				AuthorID:  st.AuthorID,
			},
		}); err != nil {
			return fmt.Errorf("republish dm %s: %w", st.MessageID, err)
		}
		repaired++
	}

	pruned, err := r.store.PruneDM(ctx, r.now().Add(-dmRetention))
	if err != nil {
		r.logger.Warn("reconcile: prune failed", "error", err)
	}

	if repaired > 0 || pruned > 0 {
		r.logger.Info("reconcile: sweep completed", "repaired", repaired, "pruned", pruned)
	}
	return nil
}
