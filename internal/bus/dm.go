package bus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DMState is one row per user DM message ever seen. Flags advance
// monotonically; a row becomes inert once CheckApplied or
// TerminalFailed is set.
type DMState struct {
	MessageID      string
	ChannelID      string
	AuthorID       string
	EyeApplied     bool
	ProcessingDone bool
	CheckApplied   bool
	TerminalFailed bool
	LastError      string
	CreatedAt      int64
	UpdatedAt      int64
}

// UpsertDM creates the DM row on first observation; replays leave the
// existing flags untouched.
func (s *Store) UpsertDM(ctx context.Context, messageID, channelID, authorID string) error {
	now := s.nowMS()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dm_messages (message_id, channel_id, author_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(message_id) DO NOTHING`,
		messageID, channelID, authorID, now, now)
	if err != nil {
		return fmt.Errorf("upsert dm %s: %w", messageID, err)
	}
	return nil
}

// GetDMState returns the row for messageID, or nil when never seen.
func (s *Store) GetDMState(ctx context.Context, messageID string) (*DMState, error) {
	var (
		st      DMState
		lastErr sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT message_id, channel_id, author_id, eye_applied, processing_done,
		        check_applied, terminal_failed, last_error, created_at, updated_at
		 FROM dm_messages WHERE message_id = ?`, messageID).
		Scan(&st.MessageID, &st.ChannelID, &st.AuthorID, &st.EyeApplied,
			&st.ProcessingDone, &st.CheckApplied, &st.TerminalFailed,
			&lastErr, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dm state %s: %w", messageID, err)
	}
	st.LastError = lastErr.String
	return &st, nil
}

func (s *Store) setDMFlag(ctx context.Context, messageID, column string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE dm_messages SET `+column+` = 1, updated_at = ? WHERE message_id = ?`,
		s.nowMS(), messageID)
	if err != nil {
		return fmt.Errorf("set %s on dm %s: %w", column, messageID, err)
	}
	return nil
}

// MarkEyeApplied records that the 👀 reaction landed.
func (s *Store) MarkEyeApplied(ctx context.Context, messageID string) error {
	return s.setDMFlag(ctx, messageID, "eye_applied")
}

// MarkProcessingDone records that the agent call completed and the
// reply event was published.
func (s *Store) MarkProcessingDone(ctx context.Context, messageID string) error {
	return s.setDMFlag(ctx, messageID, "processing_done")
}

// MarkCheckApplied records that the ✅ reaction landed.
func (s *Store) MarkCheckApplied(ctx context.Context, messageID string) error {
	return s.setDMFlag(ctx, messageID, "check_applied")
}

// MarkDMTerminalFailure freezes the DM: no further reactions or
// processing will be attempted.
func (s *Store) MarkDMTerminalFailure(ctx context.Context, messageID, errText string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE dm_messages SET terminal_failed = 1, last_error = ?, updated_at = ?
		 WHERE message_id = ?`,
		truncateError(errText), s.nowMS(), messageID)
	if err != nil {
		return fmt.Errorf("mark terminal dm %s: %w", messageID, err)
	}
	return nil
}

// SetDMLastError records the most recent failure without freezing the row.
func (s *Store) SetDMLastError(ctx context.Context, messageID, errText string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE dm_messages SET last_error = ?, updated_at = ? WHERE message_id = ?`,
		truncateError(errText), s.nowMS(), messageID)
	if err != nil {
		return fmt.Errorf("set dm last error %s: %w", messageID, err)
	}
	return nil
}

// ListDMMissingEye returns up to limit live DMs whose 👀 reaction has
// not been recorded, oldest update first.
func (s *Store) ListDMMissingEye(ctx context.Context, limit int) ([]DMState, error) {
	return s.listDM(ctx,
		`SELECT message_id, channel_id, author_id, eye_applied, processing_done,
		        check_applied, terminal_failed, last_error, created_at, updated_at
		 FROM dm_messages
		 WHERE eye_applied = 0 AND terminal_failed = 0
		 ORDER BY updated_at ASC LIMIT ?`, limit)
}

// ListDMMissingCheck returns up to limit DMs that finished processing
// but never got their ✅ reaction.
func (s *Store) ListDMMissingCheck(ctx context.Context, limit int) ([]DMState, error) {
	return s.listDM(ctx,
		`SELECT message_id, channel_id, author_id, eye_applied, processing_done,
		        check_applied, terminal_failed, last_error, created_at, updated_at
		 FROM dm_messages
		 WHERE processing_done = 1 AND check_applied = 0 AND terminal_failed = 0
		 ORDER BY updated_at ASC LIMIT ?`, limit)
}

func (s *Store) listDM(ctx context.Context, query string, limit int) ([]DMState, error) {
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list dm: %w", err)
	}
	defer rows.Close()

	var out []DMState
	for rows.Next() {
		var (
			st      DMState
			lastErr sql.NullString
		)
		if err := rows.Scan(&st.MessageID, &st.ChannelID, &st.AuthorID, &st.EyeApplied,
			&st.ProcessingDone, &st.CheckApplied, &st.TerminalFailed,
			&lastErr, &st.CreatedAt, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan dm: %w", err)
		}
		st.LastError = lastErr.String
		out = append(out, st)
	}
	return out, rows.Err()
}

// PruneDM deletes settled DM rows (check-applied or terminal-failed)
// last touched before cutoff, and returns how many were removed.
func (s *Store) PruneDM(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dm_messages
		 WHERE (check_applied = 1 OR terminal_failed = 1) AND updated_at < ?`,
		cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune dm: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune dm: %w", err)
	}
	if n > 0 {
		s.logger.Info("bus: pruned dm rows", "count", n)
	}
	return int(n), nil
}

// GetOffset returns the delivery high-watermark for scope, or "" when
// the scope has never been seeded.
func (s *Store) GetOffset(ctx context.Context, scope string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT message_id FROM dm_offsets WHERE scope = ?`, scope).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get offset %s: %w", scope, err)
	}
	return id, nil
}

// UpdateOffset advances the high-watermark for scope. The offset only
// moves forward: a messageID at or below the stored one is ignored.
func (s *Store) UpdateOffset(ctx context.Context, scope, messageID string) error {
	current, err := s.GetOffset(ctx, scope)
	if err != nil {
		return err
	}
	if current != "" && CompareSnowflakes(messageID, current) <= 0 {
		return nil
	}
	now := s.nowMS()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dm_offsets (scope, message_id, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(scope) DO UPDATE SET message_id = excluded.message_id, updated_at = excluded.updated_at`,
		scope, messageID, now)
	if err != nil {
		return fmt.Errorf("update offset %s: %w", scope, err)
	}
	s.logger.Debug("bus: offset advanced", "scope", scope, "message_id", messageID)
	return nil
}

// OffsetScopeForUser names the per-user DM delivery scope.
func OffsetScopeForUser(userID string) string {
	return "dm_user:" + userID
}

// CompareSnowflakes orders two snowflake ids numerically: -1, 0, or 1.
// Snowflakes are decimal strings; a longer all-digit string is always
// larger, equal lengths compare lexicographically. Non-numeric input
// falls back to plain string comparison.
func CompareSnowflakes(a, b string) int {
	if allDigits(a) && allDigits(b) {
		// Strip leading zeros so padded ids still compare numerically.
		a, b = trimZeros(a), trimZeros(b)
		if len(a) != len(b) {
			if len(a) < len(b) {
				return -1
			}
			return 1
		}
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func trimZeros(s string) string {
	i := 0
	for i < len(s)-1 && s[i] == '0' {
		i++
	}
	return s[i:]
}
