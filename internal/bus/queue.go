package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PublishInput describes an event to insert.
type PublishInput struct {
	Type      EventType
	Lane      Lane
	Priority  int
	Payload   any
	DedupeKey string
	// AvailableAt defers claiming; zero means immediately.
	AvailableAt time.Time
}

// Publish inserts a pending event and returns its id. When DedupeKey
// collides with an existing event, the existing id is returned and no
// new row is created.
func (s *Store) Publish(ctx context.Context, in PublishInput) (string, error) {
	start := time.Now()

	payload, err := json.Marshal(in.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.Must(uuid.NewV7()).String()
	now := s.nowMS()
	availableAt := now
	if !in.AvailableAt.IsZero() {
		availableAt = in.AvailableAt.UnixMilli()
	}

	var dedupe *string
	if in.DedupeKey != "" {
		dedupe = &in.DedupeKey
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (id, type, lane, priority, payload, dedupe_key, status, available_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?)`,
		id, string(in.Type), string(in.Lane), in.Priority, string(payload), dedupe, availableAt, now, now,
	)
	if err != nil {
		if in.DedupeKey != "" && isUniqueViolation(err) {
			var existing string
			selErr := s.db.QueryRowContext(ctx,
				`SELECT id FROM events WHERE dedupe_key = ?`, in.DedupeKey).Scan(&existing)
			if selErr != nil {
				return "", fmt.Errorf("lookup dedupe %q: %w", in.DedupeKey, selErr)
			}
			s.logger.Debug("bus: publish deduped", "type", in.Type, "dedupe_key", in.DedupeKey, "id", existing)
			return existing, nil
		}
		s.logger.Error("bus: publish failed", "type", in.Type, "error", err)
		return "", fmt.Errorf("publish event: %w", err)
	}

	s.logger.Debug("bus: published", "id", id, "type", in.Type, "lane", in.Lane,
		"priority", in.Priority, "dedupe_key", in.DedupeKey, "duration", time.Since(start))
	return id, nil
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint
// failure. modernc.org/sqlite surfaces these as text-only errors.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const claimOrder = `
	CASE lane
		WHEN 'interactive' THEN 0
		WHEN 'recovery' THEN 1
		WHEN 'scheduled' THEN 2
		ELSE 3
	END ASC,
	priority DESC,
	created_at ASC`

// ClaimNext atomically claims the highest-priority claimable event for
// workerID, or returns nil when the queue has nothing due. Lock
// acquisition is a conditional update, so two workers never win the
// same row; on a lost race the next candidate is tried.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*Event, error) {
	now := s.nowMS()

	for attempt := 0; attempt < 5; attempt++ {
		var id string
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM events
			 WHERE status IN ('pending', 'retry') AND available_at <= ?
			 ORDER BY `+claimOrder+`
			 LIMIT 1`, now).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select claimable: %w", err)
		}

		res, err := s.db.ExecContext(ctx,
			`UPDATE events
			 SET status = 'processing', locked_by = ?, locked_at = ?, updated_at = ?
			 WHERE id = ? AND status IN ('pending', 'retry')`,
			workerID, now, now, id)
		if err != nil {
			return nil, fmt.Errorf("lock event %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("lock event %s: %w", id, err)
		}
		if n == 0 {
			// Lost the race; another worker claimed it first.
			continue
		}

		ev, err := s.getEvent(ctx, id)
		if err != nil {
			return nil, err
		}
		s.logger.Debug("bus: claimed", "id", id, "type", ev.Type, "lane", ev.Lane, "attempts", ev.Attempts)
		return ev, nil
	}
	return nil, nil
}

// MarkDone settles an event as successfully handled.
func (s *Store) MarkDone(ctx context.Context, id string) error {
	now := s.nowMS()
	_, err := s.db.ExecContext(ctx,
		`UPDATE events
		 SET status = 'done', locked_by = NULL, locked_at = NULL, updated_at = ?
		 WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("mark done %s: %w", id, err)
	}
	s.logger.Debug("bus: done", "id", id)
	return nil
}

// MarkRetry schedules an event for another attempt after delay.
func (s *Store) MarkRetry(ctx context.Context, id, errText string, delay time.Duration) error {
	now := s.nowMS()
	_, err := s.db.ExecContext(ctx,
		`UPDATE events
		 SET status = 'retry', attempt_count = attempt_count + 1,
		     available_at = ?, last_error = ?,
		     locked_by = NULL, locked_at = NULL, updated_at = ?
		 WHERE id = ?`,
		now+delay.Milliseconds(), truncateError(errText), now, id)
	if err != nil {
		return fmt.Errorf("mark retry %s: %w", id, err)
	}
	s.logger.Debug("bus: retry scheduled", "id", id, "delay", delay, "error", errText)
	return nil
}

// MarkDead dead-letters an event. Dead events are never claimed again.
func (s *Store) MarkDead(ctx context.Context, id, errText string) error {
	now := s.nowMS()
	_, err := s.db.ExecContext(ctx,
		`UPDATE events
		 SET status = 'dead', attempt_count = attempt_count + 1, last_error = ?,
		     locked_by = NULL, locked_at = NULL, updated_at = ?
		 WHERE id = ?`,
		truncateError(errText), now, id)
	if err != nil {
		return fmt.Errorf("mark dead %s: %w", id, err)
	}
	s.logger.Warn("bus: dead-lettered", "id", id, "error", errText)
	return nil
}

// TouchLock refreshes the lock timestamp of an in-flight event so the
// stale-lock sweep does not reclaim it during a long handler call. It
// is a no-op when the worker no longer holds the lock.
func (s *Store) TouchLock(ctx context.Context, id, workerID string) error {
	now := s.nowMS()
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET locked_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'processing' AND locked_by = ?`,
		now, now, id, workerID)
	if err != nil {
		return fmt.Errorf("touch lock %s: %w", id, err)
	}
	return nil
}

// RequeueStaleProcessing resets processing events whose lock is older
// than lockTimeout back to retry, and returns how many were reset.
// This picks up work whose holder died mid-processing.
func (s *Store) RequeueStaleProcessing(ctx context.Context, lockTimeout time.Duration) (int, error) {
	now := s.nowMS()
	cutoff := now - lockTimeout.Milliseconds()

	res, err := s.db.ExecContext(ctx,
		`UPDATE events
		 SET status = 'retry', locked_by = NULL, locked_at = NULL,
		     available_at = ?, updated_at = ?
		 WHERE status = 'processing' AND locked_at < ?`,
		now, now, cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeue stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue stale: %w", err)
	}
	if n > 0 {
		s.logger.Info("bus: requeued stale events", "count", n, "lock_timeout", lockTimeout)
	}
	return int(n), nil
}

// HasActiveDMIncomingEvent reports whether a dm.incoming event for
// messageID is pending, processing, or retrying. Recovery and reconcile
// use it to suppress duplicate enqueues.
func (s *Store) HasActiveDMIncomingEvent(ctx context.Context, messageID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM events
		 WHERE type = ? AND status IN ('pending', 'processing', 'retry')
		   AND json_extract(payload, '$.message_id') = ?`,
		string(EventDMIncoming), messageID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check active dm event: %w", err)
	}
	return n > 0, nil
}

// getEvent loads one event row.
func (s *Store) getEvent(ctx context.Context, id string) (*Event, error) {
	var (
		ev       Event
		payload  string
		dedupe   sql.NullString
		lockedBy sql.NullString
		lockedAt sql.NullInt64
		lastErr  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, type, lane, priority, payload, dedupe_key, attempt_count,
		        status, available_at, locked_by, locked_at, last_error,
		        created_at, updated_at
		 FROM events WHERE id = ?`, id).
		Scan(&ev.ID, (*string)(&ev.Type), (*string)(&ev.Lane), &ev.Priority, &payload,
			&dedupe, &ev.Attempts, (*string)(&ev.Status), &ev.AvailableAt,
			&lockedBy, &lockedAt, &lastErr, &ev.CreatedAt, &ev.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	ev.Payload = json.RawMessage(payload)
	ev.DedupeKey = dedupe.String
	ev.LockedBy = lockedBy.String
	ev.LockedAt = lockedAt.Int64
	ev.LastError = lastErr.String
	return &ev, nil
}

// truncateError bounds stored error text so a giant stderr dump does
// not bloat the events table.
func truncateError(text string) string {
	const max = 4000
	if len(text) > max {
		return text[:max]
	}
	return text
}
