package bus

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "bus.sqlite3"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func mustPublish(t *testing.T, s *Store, in PublishInput) string {
	t.Helper()
	id, err := s.Publish(context.Background(), in)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	return id
}

// setCreatedAt rewrites an event's insertion timestamp so ordering
// tests do not depend on millisecond tie-breaks.
func setCreatedAt(t *testing.T, s *Store, id string, ms int64) {
	t.Helper()
	if _, err := s.db.Exec(`UPDATE events SET created_at = ? WHERE id = ?`, ms, id); err != nil {
		t.Fatalf("set created_at: %v", err)
	}
}

func TestPublishDedupeIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := PublishInput{
		Type:      EventOutboundDMRequest,
		Lane:      LaneInteractive,
		Payload:   OutboundDMPayload{RequestID: "r1", Source: SourceDMReply, Text: "hi", UserID: "111"},
		DedupeKey: "outbound:42:reply",
	}
	first := mustPublish(t, s, in)
	second := mustPublish(t, s, in)
	if first != second {
		t.Fatalf("dedupe returned different ids: %s vs %s", first, second)
	}

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM events`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("want 1 row, got %d", n)
	}

	// A settled event still owns its dedupe key.
	if err := s.MarkDone(ctx, first); err != nil {
		t.Fatal(err)
	}
	third := mustPublish(t, s, in)
	if third != first {
		t.Fatalf("dedupe after done returned %s, want %s", third, first)
	}
}

func TestClaimOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := s.nowMS() - 10_000

	scheduled := mustPublish(t, s, PublishInput{Type: EventSchedulerTriggered, Lane: LaneScheduled, Priority: 99, Payload: map[string]any{}})
	recovery := mustPublish(t, s, PublishInput{Type: EventDMIncoming, Lane: LaneRecovery, Priority: 5, Payload: map[string]any{}})
	lowPrio := mustPublish(t, s, PublishInput{Type: EventDMIncoming, Lane: LaneInteractive, Priority: 0, Payload: map[string]any{}})
	highPrio := mustPublish(t, s, PublishInput{Type: EventDMIncoming, Lane: LaneInteractive, Priority: 15, Payload: map[string]any{}})
	older := mustPublish(t, s, PublishInput{Type: EventDMIncoming, Lane: LaneInteractive, Priority: 15, Payload: map[string]any{}})

	// Same lane+priority: older created_at wins.
	setCreatedAt(t, s, highPrio, base+5)
	setCreatedAt(t, s, older, base+1)
	setCreatedAt(t, s, lowPrio, base+2)
	setCreatedAt(t, s, recovery, base)
	setCreatedAt(t, s, scheduled, base)

	want := []string{older, highPrio, lowPrio, recovery, scheduled}
	for i, expected := range want {
		ev, err := s.ClaimNext(ctx, "w1")
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if ev == nil {
			t.Fatalf("claim %d: queue empty, want %s", i, expected)
		}
		if ev.ID != expected {
			t.Fatalf("claim %d: got %s, want %s", i, ev.ID, expected)
		}
	}
	if ev, _ := s.ClaimNext(ctx, "w1"); ev != nil {
		t.Fatalf("queue should be drained, got %s", ev.ID)
	}
}

func TestClaimMutualExclusion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustPublish(t, s, PublishInput{Type: EventDMIncoming, Lane: LaneInteractive, Payload: map[string]any{}})

	first, err := s.ClaimNext(ctx, "w1")
	if err != nil || first == nil {
		t.Fatalf("first claim: ev=%v err=%v", first, err)
	}
	if first.Status != StatusProcessing || first.LockedBy != "w1" {
		t.Fatalf("claimed event not locked: %+v", first)
	}

	second, err := s.ClaimNext(ctx, "w2")
	if err != nil {
		t.Fatal(err)
	}
	if second != nil {
		t.Fatalf("second worker claimed a processing event: %s", second.ID)
	}
}

func TestMarkRetryRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := mustPublish(t, s, PublishInput{Type: EventDMIncoming, Lane: LaneInteractive, Payload: map[string]any{}})
	ev, _ := s.ClaimNext(ctx, "w1")
	if ev == nil || ev.ID != id {
		t.Fatalf("claim: %+v", ev)
	}

	before := s.nowMS()
	if err := s.MarkRetry(ctx, id, "boom", 2*time.Second); err != nil {
		t.Fatal(err)
	}

	// Not claimable until the delay elapses.
	if ev, _ := s.ClaimNext(ctx, "w1"); ev != nil {
		t.Fatalf("retry event claimable before its delay: %s", ev.ID)
	}

	got, err := s.getEvent(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusRetry {
		t.Fatalf("status = %s, want retry", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.Attempts)
	}
	if got.AvailableAt < before+2000 {
		t.Fatalf("available_at %d not pushed past %d", got.AvailableAt, before+2000)
	}
	if got.LastError != "boom" {
		t.Fatalf("last_error = %q", got.LastError)
	}
	if got.LockedBy != "" || got.LockedAt != 0 {
		t.Fatalf("lock not released: %+v", got)
	}

	// Make it due again and reclaim.
	if _, err := s.db.Exec(`UPDATE events SET available_at = ? WHERE id = ?`, s.nowMS()-1, id); err != nil {
		t.Fatal(err)
	}
	again, _ := s.ClaimNext(ctx, "w1")
	if again == nil || again.ID != id {
		t.Fatalf("reclaim failed: %+v", again)
	}
	if again.Attempts != 1 {
		t.Fatalf("reclaim attempts = %d, want 1", again.Attempts)
	}
}

func TestMarkDeadTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := mustPublish(t, s, PublishInput{Type: EventDMIncoming, Lane: LaneInteractive, Payload: map[string]any{}})
	if _, err := s.ClaimNext(ctx, "w1"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkDead(ctx, id, "unknown channel"); err != nil {
		t.Fatal(err)
	}
	if ev, _ := s.ClaimNext(ctx, "w1"); ev != nil {
		t.Fatalf("dead event was claimed: %s", ev.ID)
	}
}

func TestRequeueStaleProcessing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := mustPublish(t, s, PublishInput{Type: EventDMIncoming, Lane: LaneInteractive, Payload: map[string]any{}})
	if _, err := s.ClaimNext(ctx, "w1"); err != nil {
		t.Fatal(err)
	}

	// Fresh lock: nothing to reclaim.
	n, err := s.RequeueStaleProcessing(ctx, 2*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("requeued %d fresh locks", n)
	}

	// Age the lock past the timeout.
	stale := s.nowMS() - (3 * time.Minute).Milliseconds()
	if _, err := s.db.Exec(`UPDATE events SET locked_at = ? WHERE id = ?`, stale, id); err != nil {
		t.Fatal(err)
	}
	n, err = s.RequeueStaleProcessing(ctx, 2*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("requeued %d, want 1", n)
	}

	got, err := s.getEvent(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusRetry || got.LockedBy != "" || got.LockedAt != 0 {
		t.Fatalf("stale event not reset: %+v", got)
	}
}

func TestTouchLockKeepsEventHeld(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := mustPublish(t, s, PublishInput{Type: EventDMIncoming, Lane: LaneInteractive, Payload: map[string]any{}})
	if _, err := s.ClaimNext(ctx, "w1"); err != nil {
		t.Fatal(err)
	}

	stale := s.nowMS() - (3 * time.Minute).Milliseconds()
	if _, err := s.db.Exec(`UPDATE events SET locked_at = ? WHERE id = ?`, stale, id); err != nil {
		t.Fatal(err)
	}
	if err := s.TouchLock(ctx, id, "w1"); err != nil {
		t.Fatal(err)
	}
	n, err := s.RequeueStaleProcessing(ctx, 2*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("touched lock was reclaimed (%d)", n)
	}

	// Touch by the wrong worker is a no-op.
	if _, err := s.db.Exec(`UPDATE events SET locked_at = ? WHERE id = ?`, stale, id); err != nil {
		t.Fatal(err)
	}
	if err := s.TouchLock(ctx, id, "w2"); err != nil {
		t.Fatal(err)
	}
	n, _ = s.RequeueStaleProcessing(ctx, 2*time.Minute)
	if n != 1 {
		t.Fatalf("foreign touch refreshed the lock")
	}
}

func TestHasActiveDMIncomingEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := mustPublish(t, s, PublishInput{
		Type:    EventDMIncoming,
		Lane:    LaneInteractive,
		Payload: DMIncomingPayload{MessageID: "42", ChannelID: "C", AuthorID: "111"},
	})

	for _, step := range []struct {
		name   string
		mutate func() error
		want   bool
	}{
		{"pending", func() error { return nil }, true},
		{"processing", func() error { _, err := s.ClaimNext(ctx, "w1"); return err }, true},
		{"retry", func() error { return s.MarkRetry(ctx, id, "x", time.Second) }, true},
		{"done", func() error { return s.MarkDone(ctx, id) }, false},
	} {
		if err := step.mutate(); err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		got, err := s.HasActiveDMIncomingEvent(ctx, "42")
		if err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if got != step.want {
			t.Fatalf("%s: active = %v, want %v", step.name, got, step.want)
		}
	}

	if got, _ := s.HasActiveDMIncomingEvent(ctx, "43"); got {
		t.Fatal("unknown message reported active")
	}
}

func TestBackoffMS(t *testing.T) {
	tests := []struct {
		attempt int
		want    int64
	}{
		{1, 1000},
		{2, 2000},
		{3, 4000},
		{4, 8000},
		{6, 32000},
		{7, 60000},
		{10, 60000},
		{11, 60000},
		{100, 60000},
		{0, 1000},
	}
	for _, tt := range tests {
		if got := BackoffMS(tt.attempt); got != tt.want {
			t.Errorf("BackoffMS(%d) = %d, want %d", tt.attempt, got, tt.want)
		}
	}
}

func TestDMStateLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertDM(ctx, "42", "C", "111"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkEyeApplied(ctx, "42"); err != nil {
		t.Fatal(err)
	}
	// Replayed upsert must not clear flags.
	if err := s.UpsertDM(ctx, "42", "C", "111"); err != nil {
		t.Fatal(err)
	}

	st, err := s.GetDMState(ctx, "42")
	if err != nil {
		t.Fatal(err)
	}
	if st == nil || !st.EyeApplied || st.ProcessingDone {
		t.Fatalf("state after replayed upsert: %+v", st)
	}

	if err := s.MarkProcessingDone(ctx, "42"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkCheckApplied(ctx, "42"); err != nil {
		t.Fatal(err)
	}
	st, _ = s.GetDMState(ctx, "42")
	if !st.ProcessingDone || !st.CheckApplied {
		t.Fatalf("flags not set: %+v", st)
	}

	if st, _ := s.GetDMState(ctx, "nope"); st != nil {
		t.Fatalf("missing row returned state: %+v", st)
	}
}

func TestListDMMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// 1: fresh (missing eye), 2: processed but unchecked, 3: terminal,
	// 4: fully settled.
	for _, id := range []string{"1", "2", "3", "4"} {
		if err := s.UpsertDM(ctx, id, "C", "111"); err != nil {
			t.Fatal(err)
		}
	}
	_ = s.MarkEyeApplied(ctx, "2")
	_ = s.MarkProcessingDone(ctx, "2")
	_ = s.MarkDMTerminalFailure(ctx, "3", "gone")
	_ = s.MarkEyeApplied(ctx, "4")
	_ = s.MarkProcessingDone(ctx, "4")
	_ = s.MarkCheckApplied(ctx, "4")

	eyes, err := s.ListDMMissingEye(ctx, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(eyes) != 1 || eyes[0].MessageID != "1" {
		t.Fatalf("missing eye = %+v", eyes)
	}

	checks, err := s.ListDMMissingCheck(ctx, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(checks) != 1 || checks[0].MessageID != "2" {
		t.Fatalf("missing check = %+v", checks)
	}
}

func TestPruneDM(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.UpsertDM(ctx, "old-done", "C", "111")
	_ = s.MarkCheckApplied(ctx, "old-done")
	_ = s.UpsertDM(ctx, "old-live", "C", "111")
	_ = s.UpsertDM(ctx, "new-done", "C", "111")
	_ = s.MarkCheckApplied(ctx, "new-done")

	old := s.nowMS() - (8 * 24 * time.Hour).Milliseconds()
	for _, id := range []string{"old-done", "old-live"} {
		if _, err := s.db.Exec(`UPDATE dm_messages SET updated_at = ? WHERE message_id = ?`, old, id); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.PruneDM(ctx, s.now().Add(-7*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if st, _ := s.GetDMState(ctx, "old-live"); st == nil {
		t.Fatal("unsettled row was pruned")
	}
	if st, _ := s.GetDMState(ctx, "new-done"); st == nil {
		t.Fatal("recent row was pruned")
	}
}

func TestOffsetMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	scope := OffsetScopeForUser("111")

	if got, _ := s.GetOffset(ctx, scope); got != "" {
		t.Fatalf("fresh scope offset = %q", got)
	}

	steps := []struct {
		id   string
		want string
	}{
		{"42", "42"},
		{"41", "42"}, // regression ignored
		{"42", "42"}, // same id ignored
		{"100", "100"},
		{"99", "100"},
		{"9999999999999999999999", "9999999999999999999999"}, // longer numeric wins
	}
	for _, st := range steps {
		if err := s.UpdateOffset(ctx, scope, st.id); err != nil {
			t.Fatalf("update %s: %v", st.id, err)
		}
		got, err := s.GetOffset(ctx, scope)
		if err != nil {
			t.Fatal(err)
		}
		if got != st.want {
			t.Fatalf("after %s: offset = %q, want %q", st.id, got, st.want)
		}
	}
}

func TestCompareSnowflakes(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"42", "42", 0},
		{"41", "42", -1},
		{"100", "99", 1},
		{"007", "8", -1},
		{"12345678901234567890", "9", 1},
		{"abc", "abd", -1}, // non-numeric fallback
	}
	for _, tt := range tests {
		if got := CompareSnowflakes(tt.a, tt.b); got != tt.want {
			t.Errorf("CompareSnowflakes(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestPublishWithFutureAvailableAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustPublish(t, s, PublishInput{
		Type:        EventSchedulerTriggered,
		Lane:        LaneScheduled,
		Payload:     map[string]any{},
		AvailableAt: s.now().Add(time.Hour),
	})
	if ev, _ := s.ClaimNext(ctx, "w1"); ev != nil {
		t.Fatalf("future event claimed early: %s", ev.ID)
	}
}
