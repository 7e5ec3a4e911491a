// Package dm drives the lifecycle of one user DM: 👀 on receipt, an
// agent invocation, the queued reply, and ✅ or ❌ at the end. Every
// step is gated by durable DM state so replays skip completed work.
package dm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nevindra/relay/internal/agent"
	"github.com/nevindra/relay/internal/bus"
	"github.com/nevindra/relay/internal/discord"
	"github.com/nevindra/relay/internal/observe"
	"github.com/nevindra/relay/internal/worker"
)

const (
	emojiEye   = "👀"
	emojiCheck = "✅"
	emojiCross = "❌"

	typingInterval = 9 * time.Second

	emptyRetryAttempts = 4 // first call + three retries
	emptyRetryPause    = time.Second

	authReplyLimit = 1900
)

// authRecoveryText is the canned reply sent when the agent CLI has
// lost its credentials.
const authRecoveryText = `The assistant backend is signed out, so your message could not be processed.

To restore it, on the host machine:
1. Open a terminal in the bot's project directory.
2. Run ` + "`claude /login`" + ` and complete the sign-in flow.
3. Send your message again once login succeeds.

Your message stays marked with ❌ and will not be retried automatically.`

// AgentCaller is the slice of the agent gateway the handler uses.
type AgentCaller interface {
	Send(ctx context.Context, req agent.Request) (agent.Result, error)
	Sessions() *agent.SessionFiles
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithMetrics attaches pipeline metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithDownloader overrides attachment fetching (tests).
func WithDownloader(d Downloader) Option {
	return func(h *Handler) { h.download = d }
}

// withSleep overrides the empty-retry pause (tests).
func withSleep(fn func(context.Context, time.Duration)) Option {
	return func(h *Handler) { h.sleep = fn }
}

// Handler processes dm.incoming events.
type Handler struct {
	store    *bus.Store
	client   discord.Client
	gateway  AgentCaller
	dataDir  string
	logger   *slog.Logger
	metrics  *observe.Metrics
	download Downloader
	sleep    func(context.Context, time.Duration)
}

var _ worker.Handler = (*Handler)(nil)

// NewHandler creates a DM handler.
func NewHandler(store *bus.Store, client discord.Client, gateway AgentCaller, dataDir string, opts ...Option) *Handler {
	h := &Handler{
		store:    store,
		client:   client,
		gateway:  gateway,
		dataDir:  dataDir,
		logger:   slog.Default(),
		download: httpDownloader,
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Handle implements worker.Handler.
func (h *Handler) Handle(ctx context.Context, ev *bus.Event) error {
	var p bus.DMIncomingPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return worker.Terminal(fmt.Errorf("decode dm payload: %w", err))
	}

	if err := h.store.UpsertDM(ctx, p.MessageID, p.ChannelID, p.AuthorID); err != nil {
		return err
	}
	st, err := h.store.GetDMState(ctx, p.MessageID)
	if err != nil {
		return err
	}
	if st == nil || st.TerminalFailed {
		return nil
	}
	if st.CheckApplied {
		// Fully settled on a previous attempt; replay is a no-op.
		return nil
	}

	msg, err := h.client.FetchDMMessage(ctx, p.ChannelID, p.MessageID)
	if err != nil {
		if discord.IsTerminalAPIError(err) {
			return h.failTerminal(ctx, p, err)
		}
		return err
	}

	// Keep the channel's typing indicator alive for the whole attempt.
	typingCtx, stopTyping := context.WithCancel(ctx)
	defer stopTyping()
	go h.typingLoop(typingCtx, p.ChannelID)

	if !st.EyeApplied {
		if err := h.react(ctx, p, emojiEye); err != nil {
			return err
		}
		if err := h.store.MarkEyeApplied(ctx, p.MessageID); err != nil {
			return err
		}
	}

	if !st.ProcessingDone {
		if err := h.process(ctx, p, msg); err != nil {
			return err
		}
	}

	st, err = h.store.GetDMState(ctx, p.MessageID)
	if err != nil {
		return err
	}
	if st == nil || st.TerminalFailed {
		return nil
	}
	if !st.CheckApplied {
		if err := h.react(ctx, p, emojiCheck); err != nil {
			return err
		}
		if err := h.store.MarkCheckApplied(ctx, p.MessageID); err != nil {
			return err
		}
	}
	return nil
}

// react applies one reaction, classifying failures per the terminal
// code set.
func (h *Handler) react(ctx context.Context, p bus.DMIncomingPayload, emoji string) error {
	err := h.client.React(ctx, p.ChannelID, p.MessageID, emoji)
	if err == nil {
		return nil
	}
	if discord.IsTerminalAPIError(err) {
		return h.failTerminal(ctx, p, err)
	}
	return err
}

// process runs the command intercepts or the agent call and publishes
// the reply event.
func (h *Handler) process(ctx context.Context, p bus.DMIncomingPayload, msg *discord.Message) error {
	switch strings.TrimSpace(msg.Content) {
	case "!reset":
		if err := h.gateway.Sessions().Clear(agent.MainSession()); err != nil {
			return err
		}
		if err := h.client.SendText(ctx, p.ChannelID, "Session cleared. Starting fresh conversation."); err != nil {
			return err
		}
		return h.store.MarkProcessingDone(ctx, p.MessageID)

	case "!session":
		id, err := h.gateway.Sessions().Read(agent.MainSession())
		if err != nil {
			return err
		}
		reply := "No active session."
		if id != "" {
			reply = "Current session: " + id
		}
		if err := h.client.SendText(ctx, p.ChannelID, reply); err != nil {
			return err
		}
		return h.store.MarkProcessingDone(ctx, p.MessageID)
	}

	attachments, err := h.fetchAttachments(ctx, p.MessageID, msg.Attachments)
	if err != nil {
		// Attachment failures are user-visible and final for this DM.
		h.publishErrorReply(ctx, p, "Attachment error: "+err.Error())
		return h.failTerminal(ctx, p, fmt.Errorf("attachment download: %w", err))
	}

	result, attempts, err := h.callWithEmptyRetry(ctx, agent.Request{
		Prompt:      msg.Content,
		Source:      "dm",
		AuthorID:    p.AuthorID,
		Attachments: attachments,
		Session:     agent.MainSession(),
	})
	h.metrics.AgentInvocation(ctx, "dm", err != nil)
	if err != nil {
		if agent.IsAuthError(err) {
			h.publishErrorReply(ctx, p, truncate(authRecoveryText, authReplyLimit))
			return h.failTerminal(ctx, p, err)
		}
		if recordErr := h.store.SetDMLastError(ctx, p.MessageID, err.Error()); recordErr != nil {
			h.logger.Warn("dm: record last error failed", "error", recordErr)
		}
		return h.failTerminal(ctx, p, err)
	}

	h.logger.Info("dm: agent replied", "message_id", p.MessageID,
		"attempts", attempts, "response_len", len(result.Response))

	if _, err := h.store.Publish(ctx, bus.PublishInput{
		Type:      bus.EventOutboundDMRequest,
		Lane:      bus.LaneInteractive,
		DedupeKey: "outbound:" + p.MessageID + ":reply",
		Payload: bus.OutboundDMPayload{
			RequestID: uuid.Must(uuid.NewV7()).String(),
			Source:    bus.SourceDMReply,
			Text:      result.Response,
			ChannelID: p.ChannelID,
			Context:   "reply to " + p.MessageID,
		},
	}); err != nil {
		return err
	}
	return h.store.MarkProcessingDone(ctx, p.MessageID)
}

// callWithEmptyRetry invokes the agent until a call returns non-empty
// trimmed text, up to emptyRetryAttempts calls with a pause between
// them. The final attempt's result is returned regardless;
// whitespace-only responses count as empty.
func (h *Handler) callWithEmptyRetry(ctx context.Context, req agent.Request) (agent.Result, int, error) {
	var last agent.Result
	for attempt := 1; attempt <= emptyRetryAttempts; attempt++ {
		result, err := h.gateway.Send(ctx, req)
		if err != nil {
			return agent.Result{}, attempt, err
		}
		last = result
		if strings.TrimSpace(result.Response) != "" {
			return result, attempt, nil
		}
		if attempt < emptyRetryAttempts {
			h.logger.Warn("dm: empty agent response, retrying", "attempt", attempt)
			h.sleep(ctx, emptyRetryPause)
		}
	}
	return last, emptyRetryAttempts, nil
}

// publishErrorReply queues a user-facing error message under the
// per-DM error dedupe key. Failures are logged, not propagated: the
// terminal settlement must proceed regardless.
func (h *Handler) publishErrorReply(ctx context.Context, p bus.DMIncomingPayload, text string) {
	if _, err := h.store.Publish(ctx, bus.PublishInput{
		Type:      bus.EventOutboundDMRequest,
		Lane:      bus.LaneInteractive,
		DedupeKey: "outbound:" + p.MessageID + ":error",
		Payload: bus.OutboundDMPayload{
			RequestID: uuid.Must(uuid.NewV7()).String(),
			Source:    bus.SourceAuthError,
			Text:      text,
			ChannelID: p.ChannelID,
			Context:   "error reply to " + p.MessageID,
		},
	}); err != nil {
		h.logger.Error("dm: publish error reply failed", "message_id", p.MessageID, "error", err)
	}
}

// failTerminal settles the DM's terminal side effects (❌ reaction,
// frozen state) and raises the terminal marker for the worker.
func (h *Handler) failTerminal(ctx context.Context, p bus.DMIncomingPayload, cause error) error {
	if err := h.client.React(ctx, p.ChannelID, p.MessageID, emojiCross); err != nil {
		h.logger.Warn("dm: cross reaction failed", "message_id", p.MessageID, "error", err)
	}
	if err := h.store.MarkDMTerminalFailure(ctx, p.MessageID, cause.Error()); err != nil {
		h.logger.Error("dm: mark terminal failed", "message_id", p.MessageID, "error", err)
	}
	return worker.Terminal(cause)
}

// typingLoop pings the typing indicator immediately and then every
// typingInterval until ctx is cancelled.
func (h *Handler) typingLoop(ctx context.Context, channelID string) {
	if err := h.client.Typing(ctx, channelID); err != nil {
		h.logger.Debug("dm: typing ping failed", "error", err)
	}
	ticker := time.NewTicker(typingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.client.Typing(ctx, channelID); err != nil {
				h.logger.Debug("dm: typing ping failed", "error", err)
			}
		}
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
