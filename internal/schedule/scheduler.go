// Package schedule fires configured cron prompts into the event queue
// and runs them against the agent CLI when the worker claims them.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nevindra/relay/internal/bus"
	"github.com/nevindra/relay/internal/config"
	"github.com/nevindra/relay/internal/observe"
)

// FiringTTL bounds how stale a claimed firing may be. Firings older
// than this are discarded so an outage does not replay a backlog.
const FiringTTL = 15 * time.Minute

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets a structured logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithSchedulerMetrics attaches pipeline metrics.
func WithSchedulerMetrics(m *observe.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// withSchedulerClock overrides the clock (tests).
func withSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler registers one cron job per configured schedule; each
// firing publishes a scheduler.triggered event.
type Scheduler struct {
	store   *bus.Store
	cron    *cron.Cron
	logger  *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time
}

// NewScheduler builds the cron runner for the given schedules. Cron
// expressions are standard five-field specs; a schedule's timezone is
// applied through the CRON_TZ prefix.
func NewScheduler(store *bus.Store, schedules []config.Schedule, opts ...SchedulerOption) (*Scheduler, error) {
	s := &Scheduler{
		store:  store,
		cron:   cron.New(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}

	for _, sc := range schedules {
		spec := sc.Cron
		if sc.Timezone != "" {
			spec = "CRON_TZ=" + sc.Timezone + " " + spec
		}
		name := sc.Name
		if _, err := s.cron.AddFunc(spec, func() { s.fire(name) }); err != nil {
			return nil, fmt.Errorf("schedule %q: bad cron %q: %w", sc.Name, sc.Cron, err)
		}
	}
	return s, nil
}

// Start launches the cron loop.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("schedule: cron started", "jobs", len(s.cron.Entries()))
}

// Stop halts the cron loop; in-flight firings complete.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.logger.Info("schedule: cron stopped")
}

// fire publishes one scheduler.triggered event.
func (s *Scheduler) fire(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	triggeredAt := s.now()
	_, err := s.store.Publish(ctx, bus.PublishInput{
		Type: bus.EventSchedulerTriggered,
		Lane: bus.LaneScheduled,
		Payload: bus.SchedulerTriggeredPayload{
			ScheduleName: name,
			TriggeredAt:  triggeredAt.UnixMilli(),
			ExpiresAt:    triggeredAt.Add(FiringTTL).UnixMilli(),
		},
	})
	if err != nil {
		s.logger.Error("schedule: publish firing failed", "schedule", name, "error", err)
		return
	}
	s.metrics.EventPublished(ctx, string(bus.EventSchedulerTriggered))
	s.logger.Info("schedule: fired", "schedule", name, "triggered_at", triggeredAt)
}
