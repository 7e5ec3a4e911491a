package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nevindra/relay/internal/agent"
	"github.com/nevindra/relay/internal/bus"
	"github.com/nevindra/relay/internal/config"
	"github.com/nevindra/relay/internal/observe"
	"github.com/nevindra/relay/internal/worker"
)

// handoffLookback bounds how far back an isolated schedule reads its
// previous handoff note.
const handoffLookback = 7

// AgentCaller is the slice of the agent gateway the runner uses.
type AgentCaller interface {
	Send(ctx context.Context, req agent.Request) (agent.Result, error)
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets a structured logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithRunnerMetrics attaches pipeline metrics.
func WithRunnerMetrics(m *observe.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// withRunnerClock overrides the clock (tests).
func withRunnerClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// Runner handles claimed scheduler.triggered events: it reloads the
// settings, builds the prompt, calls the agent, and queues the result.
type Runner struct {
	store        *bus.Store
	gateway      AgentCaller
	settingsPath string
	dataDir      string
	notifyUserID string
	logger       *slog.Logger
	metrics      *observe.Metrics
	now          func() time.Time
}

var _ worker.Handler = (*Runner)(nil)

// NewRunner creates the scheduler-event handler. notifyUserID receives
// schedule results when discord_notify is set.
func NewRunner(store *bus.Store, gateway AgentCaller, settingsPath, dataDir, notifyUserID string, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:        store,
		gateway:      gateway,
		settingsPath: settingsPath,
		dataDir:      dataDir,
		notifyUserID: notifyUserID,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handle implements worker.Handler.
func (r *Runner) Handle(ctx context.Context, ev *bus.Event) error {
	var p bus.SchedulerTriggeredPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return worker.Terminal(fmt.Errorf("decode scheduler payload: %w", err))
	}

	if r.now().UnixMilli() > p.ExpiresAt {
		r.logger.Warn("schedule: firing expired, dropping",
			"schedule", p.ScheduleName, "triggered_at", p.TriggeredAt)
		return nil
	}

	// The settings file is reloaded per firing so edits apply without
	// a restart.
	settings, err := config.LoadSettings(r.settingsPath)
	if err != nil {
		return err
	}
	sc, ok := settings.FindSchedule(p.ScheduleName)
	if !ok {
		r.logger.Warn("schedule: no longer configured, dropping", "schedule", p.ScheduleName)
		return nil
	}

	prompt, err := r.buildPrompt(sc)
	if err != nil {
		return worker.Terminal(err)
	}

	target := agent.MainSession()
	if sc.SessionMode == "isolated" {
		target = agent.IsolatedSession(sc.Name)
	}

	result, err := r.gateway.Send(ctx, agent.Request{
		Prompt:  prompt,
		Source:  "scheduler",
		Session: target,
	})
	r.metrics.AgentInvocation(ctx, "scheduler", err != nil)
	if err != nil {
		if agent.IsAuthError(err) {
			if sc.DiscordNotify {
				r.publishResult(ctx, sc, p,
					"Scheduled task "+sc.Name+" failed: the assistant backend is signed out. Run `claude /login` on the host.")
			}
			return worker.Terminal(err)
		}
		return err
	}

	cleaned := StripThinkTags(result.Response)

	if sc.Skippable && IsSkipResponse(cleaned) {
		r.logger.Info("schedule: skip marker, discarding output", "schedule", sc.Name)
		return nil
	}

	if sc.SessionMode == "isolated" {
		if err := r.writeHandoff(sc.Name, p.TriggeredAt, cleaned); err != nil {
			r.logger.Warn("schedule: handoff write failed", "schedule", sc.Name, "error", err)
		}
	}

	if sc.DiscordNotify {
		r.publishResult(ctx, sc, p, cleaned)
	}
	return nil
}

// buildPrompt resolves the schedule's prompt text, preferring the
// prompt file when configured, and prepends the previous handoff note
// for isolated schedules.
func (r *Runner) buildPrompt(sc config.Schedule) (string, error) {
	prompt := sc.Prompt
	if sc.PromptFile != "" {
		data, err := os.ReadFile(sc.PromptFile)
		if err != nil {
			return "", fmt.Errorf("schedule %q: read prompt file: %w", sc.Name, err)
		}
		prompt = string(data)
	}

	if sc.SessionMode == "isolated" {
		if prev := r.readLatestHandoff(sc.Name); prev != "" {
			prompt = "Previous run notes:\n" + prev + "\n\n" + prompt
		}
	}
	return prompt, nil
}

// publishResult queues the schedule's output for delivery.
func (r *Runner) publishResult(ctx context.Context, sc config.Schedule, p bus.SchedulerTriggeredPayload, text string) {
	_, err := r.store.Publish(ctx, bus.PublishInput{
		Type:      bus.EventOutboundDMRequest,
		Lane:      bus.LaneScheduled,
		DedupeKey: "outbound:schedule:" + sc.Name + ":" + strconv.FormatInt(p.TriggeredAt, 10),
		Payload: bus.OutboundDMPayload{
			RequestID: uuid.Must(uuid.NewV7()).String(),
			Source:    bus.SourceScheduler,
			Text:      text,
			UserID:    r.notifyUserID,
			Context:   "schedule " + sc.Name,
		},
	})
	if err != nil {
		r.logger.Error("schedule: publish result failed", "schedule", sc.Name, "error", err)
		return
	}
	r.metrics.EventPublished(ctx, string(bus.EventOutboundDMRequest))
}

// writeHandoff records the cleaned output for the next isolated run.
func (r *Runner) writeHandoff(name string, triggeredAt int64, text string) error {
	path := config.HandoffPath(r.dataDir, time.UnixMilli(triggeredAt), name)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(text+"\n"), 0o640)
}

// readLatestHandoff returns the most recent handoff note within the
// lookback window, or "".
func (r *Runner) readLatestHandoff(name string) string {
	for days := 0; days <= handoffLookback; days++ {
		path := config.HandoffPath(r.dataDir, r.now().AddDate(0, 0, -days), name)
		data, err := os.ReadFile(path)
		if err == nil {
			return string(data)
		}
	}
	return ""
}
