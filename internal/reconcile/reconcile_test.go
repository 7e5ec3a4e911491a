package reconcile

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/nevindra/relay/internal/bus"
	"github.com/nevindra/relay/internal/discord"
)

func newTestStore(t *testing.T) *bus.Store {
	t.Helper()
	s, err := bus.Open(filepath.Join(t.TempDir(), "bus.sqlite3"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func drainDMIncoming(t *testing.T, s *bus.Store) []bus.DMIncomingPayload {
	t.Helper()
	var out []bus.DMIncomingPayload
	for {
		ev, err := s.ClaimNext(context.Background(), "w1")
		if err != nil {
			t.Fatal(err)
		}
		if ev == nil {
			return out
		}
		if ev.Type != bus.EventDMIncoming {
			continue
		}
		var p bus.DMIncomingPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			t.Fatal(err)
		}
		out = append(out, p)
	}
}

func TestTickerDedupesWithinMinute(t *testing.T) {
	store := newTestStore(t)
	tk := NewTicker(store)
	tk.now = func() time.Time { return time.Unix(600, 0) }
	ctx := context.Background()

	tk.TriggerReconcile(ctx)
	tk.TriggerReconcile(ctx)
	tk.TriggerRecovery(ctx)
	tk.TriggerRecovery(ctx)

	var types []bus.EventType
	for {
		ev, _ := store.ClaimNext(ctx, "w1")
		if ev == nil {
			break
		}
		types = append(types, ev.Type)
	}
	if len(types) != 2 {
		t.Fatalf("trigger events = %v, want one of each", types)
	}
}

func TestRepairerRepublishesHalfAppliedDMs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// missing-eye row, missing-check row, and a terminal row that must
	// stay untouched.
	_ = store.UpsertDM(ctx, "10", "C", "111")
	_ = store.UpsertDM(ctx, "11", "C", "111")
	_ = store.MarkEyeApplied(ctx, "11")
	_ = store.MarkProcessingDone(ctx, "11")
	_ = store.UpsertDM(ctx, "12", "C", "111")
	_ = store.MarkDMTerminalFailure(ctx, "12", "gone")

	rep := NewRepairer(store, slog.Default())
	if err := rep.Handle(ctx, &bus.Event{Type: bus.EventDMReconcileRun}); err != nil {
		t.Fatal(err)
	}

	repaired := drainDMIncoming(t, store)
	if len(repaired) != 2 {
		t.Fatalf("republished = %+v", repaired)
	}
	ids := map[string]bool{}
	for _, p := range repaired {
		ids[p.MessageID] = true
	}
	if !ids["10"] || !ids["11"] || ids["12"] {
		t.Fatalf("repaired ids = %v", ids)
	}
}

func TestRepairerSkipsActiveEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_ = store.UpsertDM(ctx, "10", "C", "111")
	// A pending dm.incoming already exists for this message.
	if _, err := store.Publish(ctx, bus.PublishInput{
		Type: bus.EventDMIncoming, Lane: bus.LaneInteractive,
		Payload: bus.DMIncomingPayload{MessageID: "10", ChannelID: "C", AuthorID: "111"},
	}); err != nil {
		t.Fatal(err)
	}

	rep := NewRepairer(store, slog.Default())
	if err := rep.Handle(ctx, &bus.Event{Type: bus.EventDMReconcileRun}); err != nil {
		t.Fatal(err)
	}

	if got := drainDMIncoming(t, store); len(got) != 1 {
		t.Fatalf("active dm was duplicated: %+v", got)
	}
}

// fakeClient serves scripted DM history pages.
type fakeClient struct {
	latest *discord.Message
	pages  map[string][]*discord.Message // keyed by afterID
}

func (f *fakeClient) FetchDMMessage(context.Context, string, string) (*discord.Message, error) {
	return nil, nil
}

func (f *fakeClient) MessagesAfter(_ context.Context, _ string, afterID string, _ int) ([]*discord.Message, error) {
	return f.pages[afterID], nil
}

func (f *fakeClient) DMChannelFor(context.Context, string) (string, error) { return "C", nil }

func (f *fakeClient) LatestDMFrom(context.Context, string) (*discord.Message, error) {
	return f.latest, nil
}

func (f *fakeClient) React(context.Context, string, string, string) error { return nil }

func (f *fakeClient) SendText(context.Context, string, string) error { return nil }

func (f *fakeClient) SendFiles(context.Context, string, string, []discord.FileUpload) error {
	return nil
}

func (f *fakeClient) Typing(context.Context, string) error { return nil }

func TestRecovererSeedsEmptyOffset(t *testing.T) {
	store := newTestStore(t)
	client := &fakeClient{latest: &discord.Message{ID: "49", ChannelID: "C", AuthorID: "111", Content: "old"}}
	rec := NewRecoverer(store, client, []string{"111"}, slog.Default())
	ctx := context.Background()

	if err := rec.Handle(ctx, &bus.Event{Type: bus.EventDMRecoverRun}); err != nil {
		t.Fatal(err)
	}

	offset, _ := store.GetOffset(ctx, bus.OffsetScopeForUser("111"))
	if offset != "49" {
		t.Fatalf("offset = %q", offset)
	}
	// Seeding never enqueues history.
	if got := drainDMIncoming(t, store); len(got) != 0 {
		t.Fatalf("seed enqueued %+v", got)
	}
}

func TestRecovererEnqueuesMissedMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.UpdateOffset(ctx, bus.OffsetScopeForUser("111"), "49"); err != nil {
		t.Fatal(err)
	}

	client := &fakeClient{pages: map[string][]*discord.Message{
		"49": {
			{ID: "50", ChannelID: "C", AuthorID: "111", Content: "first missed"},
			{ID: "51", ChannelID: "C", AuthorID: "111", Content: "second missed"},
			{ID: "52", ChannelID: "C", AuthorID: "999", Content: "someone else"},
			{ID: "53", ChannelID: "C", AuthorID: "111", AuthorBot: true, Content: "bot echo"},
			{ID: "54", ChannelID: "C", AuthorID: "111"}, // empty
		},
	}}
	rec := NewRecoverer(store, client, []string{"111"}, slog.Default())

	if err := rec.Handle(ctx, &bus.Event{Type: bus.EventDMRecoverRun}); err != nil {
		t.Fatal(err)
	}

	got := drainDMIncoming(t, store)
	if len(got) != 2 || got[0].MessageID != "50" || got[1].MessageID != "51" {
		t.Fatalf("enqueued = %+v", got)
	}
	offset, _ := store.GetOffset(ctx, bus.OffsetScopeForUser("111"))
	if offset != "54" {
		t.Fatalf("offset = %q, want 54", offset)
	}
}

func TestRecovererSkipsProcessedAndActive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.UpdateOffset(ctx, bus.OffsetScopeForUser("111"), "49"); err != nil {
		t.Fatal(err)
	}

	// 50 already processed; 51 already active in the queue; 52 is new.
	_ = store.UpsertDM(ctx, "50", "C", "111")
	_ = store.MarkProcessingDone(ctx, "50")
	if _, err := store.Publish(ctx, bus.PublishInput{
		Type: bus.EventDMIncoming, Lane: bus.LaneInteractive,
		Payload: bus.DMIncomingPayload{MessageID: "51", ChannelID: "C", AuthorID: "111"},
	}); err != nil {
		t.Fatal(err)
	}

	client := &fakeClient{pages: map[string][]*discord.Message{
		"49": {
			{ID: "50", ChannelID: "C", AuthorID: "111", Content: "done already"},
			{ID: "51", ChannelID: "C", AuthorID: "111", Content: "in flight"},
			{ID: "52", ChannelID: "C", AuthorID: "111", Content: "genuinely new"},
		},
	}}
	rec := NewRecoverer(store, client, []string{"111"}, slog.Default())

	if err := rec.Handle(ctx, &bus.Event{Type: bus.EventDMRecoverRun}); err != nil {
		t.Fatal(err)
	}

	got := drainDMIncoming(t, store)
	// The pre-existing event for 51 plus the new one for 52.
	ids := map[string]int{}
	for _, p := range got {
		ids[p.MessageID]++
	}
	if ids["50"] != 0 || ids["51"] != 1 || ids["52"] != 1 {
		t.Fatalf("enqueued = %v", ids)
	}
}
