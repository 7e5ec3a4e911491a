package dm

import (
	"context"
	"log/slog"
	"time"

	"github.com/nevindra/relay/internal/bus"
	"github.com/nevindra/relay/internal/discord"
	"github.com/nevindra/relay/internal/observe"
)

// InboundPriority orders fresh DMs ahead of recovery replays but below
// reconcile repairs.
const InboundPriority = 10

// Ingest is the platform callback that feeds received DMs into the
// event queue and advances the per-user delivery offset.
type Ingest struct {
	store   *bus.Store
	allowed map[string]bool
	logger  *slog.Logger
	metrics *observe.Metrics
}

// NewIngest creates the inbound callback for the given allowlist.
func NewIngest(store *bus.Store, allowedUsers []string, logger *slog.Logger, metrics *observe.Metrics) *Ingest {
	allowed := make(map[string]bool, len(allowedUsers))
	for _, u := range allowedUsers {
		allowed[u] = true
	}
	return &Ingest{store: store, allowed: allowed, logger: logger, metrics: metrics}
}

// HandleMessage is invoked for every gateway message event. Messages
// from bots, unlisted users, or with no content are dropped.
func (i *Ingest) HandleMessage(m *discord.Message) {
	if m.AuthorBot || !i.allowed[m.AuthorID] {
		return
	}
	if m.Content == "" && len(m.Attachments) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The offset advances before the publish. A failed publish is only
	// logged: recovery pages from past the new offset and the reconcile
	// sweep only sees DMs with a stored row, so the DM is not re-enqueued.
	if err := i.store.UpdateOffset(ctx, bus.OffsetScopeForUser(m.AuthorID), m.ID); err != nil {
		i.logger.Error("ingest: offset update failed", "message_id", m.ID, "error", err)
	}

	id, err := i.store.Publish(ctx, bus.PublishInput{
		Type:     bus.EventDMIncoming,
		Lane:     bus.LaneInteractive,
		Priority: InboundPriority,
		Payload: bus.DMIncomingPayload{
			MessageID: m.ID,
			ChannelID: m.ChannelID,
			AuthorID:  m.AuthorID,
		},
	})
	if err != nil {
		i.logger.Error("ingest: publish failed", "message_id", m.ID, "error", err)
		return
	}
	i.metrics.EventPublished(ctx, string(bus.EventDMIncoming))
	i.logger.Info("ingest: dm queued", "message_id", m.ID, "author_id", m.AuthorID, "event_id", id)
}
