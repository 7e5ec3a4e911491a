package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nevindra/relay/internal/bus"
	"github.com/nevindra/relay/internal/discord"
)

const (
	recoverPriority = 5
	recoverPageSize = 100
)

// Recoverer handles dm.recover.run: for every allowed user it pages
// the DM history forward from the stored offset and enqueues anything
// the daemon missed while disconnected.
type Recoverer struct {
	store        *bus.Store
	client       discord.Client
	allowedUsers []string
	logger       *slog.Logger
}

// NewRecoverer creates the recover-run handler.
func NewRecoverer(store *bus.Store, client discord.Client, allowedUsers []string, logger *slog.Logger) *Recoverer {
	return &Recoverer{store: store, client: client, allowedUsers: allowedUsers, logger: logger}
}

// Handle implements worker.Handler.
func (r *Recoverer) Handle(ctx context.Context, _ *bus.Event) error {
	for _, userID := range r.allowedUsers {
		if err := r.recoverUser(ctx, userID); err != nil {
			return fmt.Errorf("recover user %s: %w", userID, err)
		}
	}
	return nil
}

func (r *Recoverer) recoverUser(ctx context.Context, userID string) error {
	scope := bus.OffsetScopeForUser(userID)
	offset, err := r.store.GetOffset(ctx, scope)
	if err != nil {
		return err
	}

	// First sight of this user: seed the watermark at their newest DM
	// without enqueuing history.
	if offset == "" {
		latest, err := r.client.LatestDMFrom(ctx, userID)
		if err != nil {
			return err
		}
		if latest == nil {
			return nil
		}
		r.logger.Info("recover: seeding offset", "user_id", userID, "message_id", latest.ID)
		return r.store.UpdateOffset(ctx, scope, latest.ID)
	}

	channelID, err := r.client.DMChannelFor(ctx, userID)
	if err != nil {
		return err
	}

	enqueued := 0
	for {
		page, err := r.client.MessagesAfter(ctx, channelID, offset, recoverPageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}

		for _, msg := range page {
			if err := r.store.UpdateOffset(ctx, scope, msg.ID); err != nil {
				return err
			}
			offset = msg.ID

			if msg.AuthorID != userID || msg.AuthorBot {
				continue
			}
			if msg.Content == "" && len(msg.Attachments) == 0 {
				continue
			}
			processed, err := r.alreadyProcessed(ctx, msg.ID)
			if err != nil {
				return err
			}
			if processed {
				continue
			}
			active, err := r.store.HasActiveDMIncomingEvent(ctx, msg.ID)
			if err != nil {
				return err
			}
			if active {
				continue
			}

			if _, err := r.store.Publish(ctx, bus.PublishInput{
				Type:     bus.EventDMIncoming,
				Lane:     bus.LaneRecovery,
				Priority: recoverPriority,
				Payload: bus.DMIncomingPayload{
					MessageID: msg.ID,
					ChannelID: msg.ChannelID,
					AuthorID:  msg.AuthorID,
				},
			}); err != nil {
				return fmt.Errorf("enqueue missed dm %s: %w", msg.ID, err)
			}
			enqueued++
		}

		if len(page) < recoverPageSize {
			break
		}
	}

	if enqueued > 0 {
		r.logger.Info("recover: missed dms enqueued", "user_id", userID, "count", enqueued)
	}
	return nil
}

// alreadyProcessed reports whether the DM row exists and is past the
// point where re-enqueueing would do work.
func (r *Recoverer) alreadyProcessed(ctx context.Context, messageID string) (bool, error) {
	st, err := r.store.GetDMState(ctx, messageID)
	if err != nil {
		return false, err
	}
	return st != nil && (st.ProcessingDone || st.TerminalFailed), nil
}
