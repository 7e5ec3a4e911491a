// Package outbound delivers queued replies to the chat platform,
// splitting long texts into platform-sized chunks and attaching files
// to the first one.
package outbound

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nevindra/relay/internal/bus"
	"github.com/nevindra/relay/internal/discord"
	"github.com/nevindra/relay/internal/worker"
)

// Option configures a Sender.
type Option func(*Sender)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sender) { s.logger = l }
}

// WithFallbackMessage sets the text sent when a reply collapses to
// nothing after chunking (scheduler sources never fall back).
func WithFallbackMessage(text string) Option {
	return func(s *Sender) { s.fallback = text }
}

// Sender handles outbound.dm.request events.
type Sender struct {
	client   discord.Client
	fallback string
	logger   *slog.Logger
}

var _ worker.Handler = (*Sender)(nil)

// NewSender creates a Sender on the given platform client.
func NewSender(client discord.Client, opts ...Option) *Sender {
	s := &Sender{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handle implements worker.Handler.
func (s *Sender) Handle(ctx context.Context, ev *bus.Event) error {
	var p bus.OutboundDMPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return worker.Terminal(fmt.Errorf("decode outbound payload: %w", err))
	}
	sent, err := s.Deliver(ctx, p)
	if err != nil {
		return err
	}
	s.logger.Info("outbound: delivered", "request_id", p.RequestID, "source", p.Source,
		"chunks", sent, "context", p.Context)
	return nil
}

// Deliver resolves the target channel and sends the payload as one or
// more messages. It returns the number of messages sent.
func (s *Sender) Deliver(ctx context.Context, p bus.OutboundDMPayload) (int, error) {
	channelID, userTargeted, err := s.resolveChannel(ctx, p)
	if err != nil {
		return 0, err
	}

	chunks := SplitMessage(p.Text)
	if len(chunks) == 0 && len(p.Files) == 0 {
		if p.Source == bus.SourceScheduler {
			s.logger.Info("outbound: empty scheduler message dropped", "request_id", p.RequestID)
			return 0, nil
		}
		if s.fallback == "" {
			return 0, nil
		}
		chunks = []string{s.fallback}
	}

	sent := 0
	for i, chunk := range chunks {
		var sendErr error
		if i == 0 && len(p.Files) > 0 {
			sendErr = s.client.SendFiles(ctx, channelID, chunk, toUploads(p.Files))
		} else {
			sendErr = s.client.SendText(ctx, channelID, chunk)
		}
		if sendErr != nil {
			return sent, s.classify(sendErr, userTargeted)
		}
		sent++
	}

	// Files with no text at all still go out as a file-only message.
	if sent == 0 && len(p.Files) > 0 {
		if err := s.client.SendFiles(ctx, channelID, "", toUploads(p.Files)); err != nil {
			return 0, s.classify(err, userTargeted)
		}
		sent = 1
	}
	return sent, nil
}

func (s *Sender) resolveChannel(ctx context.Context, p bus.OutboundDMPayload) (string, bool, error) {
	switch {
	case p.ChannelID != "":
		return p.ChannelID, false, nil
	case p.UserID != "":
		channelID, err := s.client.DMChannelFor(ctx, p.UserID)
		if err != nil {
			return "", true, s.classify(err, true)
		}
		return channelID, true, nil
	default:
		return "", false, worker.Terminal(fmt.Errorf("outbound payload has neither user_id nor channel_id"))
	}
}

// classify maps a send failure onto the retry policy: platform
// terminal codes dead-letter, and for DM-targeted sends an unsendable
// user is terminal too.
func (s *Sender) classify(err error, userTargeted bool) error {
	if userTargeted && discord.IsUnsendableUser(err) {
		return worker.Terminal(err)
	}
	return err
}

func toUploads(files []bus.FileRef) []discord.FileUpload {
	out := make([]discord.FileUpload, len(files))
	for i, f := range files {
		out[i] = discord.FileUpload{Path: f.Path, Name: f.Name}
	}
	return out
}
