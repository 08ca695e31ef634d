package staging

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/calder-io/imsync/internal/storage"
)

// setupStore creates a staging store over a temp database.
func setupStore(t *testing.T) *Store {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := NewStore(db)
	if err := store.InitSchemaContext(context.Background()); err != nil {
		t.Fatalf("Failed to initialize schema: %v", err)
	}
	return store
}

func snapshot(id string, updated time.Time) IssueSnapshot {
	return IssueSnapshot{
		RemoteID:    id,
		Title:       "Bug",
		Description: "crash",
		State:       StateOpen,
		LastUpdate:  updated,
	}
}

func TestUpsertIssueIdempotent(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Now()

	snap := snapshot("iss-1", now)
	if err := store.UpsertIssue(ctx, "proj", snap); err != nil {
		t.Fatalf("First upsert failed: %v", err)
	}
	if err := store.UpsertIssue(ctx, "proj", snap); err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}

	total, _, _, err := store.CountIssues(ctx, "proj")
	if err != nil {
		t.Fatalf("CountIssues failed: %v", err)
	}
	if total != 1 {
		t.Errorf("Expected 1 staged issue, got %d", total)
	}
}

func TestUpsertIssueMonotonicLastUpdate(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	newer := time.Now()
	older := newer.Add(-time.Hour)

	if err := store.UpsertIssue(ctx, "proj", snapshot("iss-1", newer)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	stale := snapshot("iss-1", older)
	stale.Title = "Stale title"
	if err := store.UpsertIssue(ctx, "proj", stale); err != nil {
		t.Fatalf("Stale upsert failed: %v", err)
	}

	issue, err := store.GetIssue(ctx, "proj", "iss-1")
	if err != nil {
		t.Fatalf("GetIssue failed: %v", err)
	}
	if issue.LastUpdate.Before(newer.UTC().Truncate(time.Second)) {
		t.Errorf("LastUpdate decreased: got %v, want >= %v", issue.LastUpdate, newer)
	}
	if issue.Title != "Bug" {
		t.Errorf("Stale snapshot overwrote title: got %q", issue.Title)
	}
}

func TestUpsertIssueNewerReArmsFlags(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	first := time.Now()

	if err := store.UpsertIssue(ctx, "proj", snapshot("iss-1", first)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := store.MarkTimelineFetched(ctx, "proj", "iss-1"); err != nil {
		t.Fatalf("MarkTimelineFetched failed: %v", err)
	}
	if err := store.MarkCommentsFetched(ctx, "proj", "iss-1"); err != nil {
		t.Fatalf("MarkCommentsFetched failed: %v", err)
	}

	if err := store.UpsertIssue(ctx, "proj", snapshot("iss-1", first.Add(time.Minute))); err != nil {
		t.Fatalf("Newer upsert failed: %v", err)
	}

	issue, err := store.GetIssue(ctx, "proj", "iss-1")
	if err != nil {
		t.Fatalf("GetIssue failed: %v", err)
	}
	if !issue.NeedsTimelineFetch || !issue.NeedsCommentFetch {
		t.Errorf("Newer snapshot should re-arm fetch flags, got timeline=%v comments=%v",
			issue.NeedsTimelineFetch, issue.NeedsCommentFetch)
	}
}

func TestUpsertIssueFlagsCommentsForRecheck(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	base := time.Now()

	if err := store.UpsertIssue(ctx, "proj", snapshot("iss-1", base)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	err := store.AppendTimelineEvent(ctx, "proj", "iss-1", TimelineEvent{
		RemoteID:  "evt-1",
		Kind:      EventComment,
		CreatedAt: base,
		Body:      "first",
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if err := store.UpsertIssue(ctx, "proj", snapshot("iss-1", base.Add(time.Minute))); err != nil {
		t.Fatalf("Newer upsert failed: %v", err)
	}

	events, err := store.LoadTimeline(ctx, "proj", "iss-1")
	if err != nil {
		t.Fatalf("LoadTimeline failed: %v", err)
	}
	if len(events) != 1 || !events[0].NeedsRecheck {
		t.Errorf("Expected comment flagged for recheck, got %+v", events)
	}
}

func TestAppendTimelineEventRejectsDuplicates(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.UpsertIssue(ctx, "proj", snapshot("iss-1", now)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	ev := TimelineEvent{RemoteID: "evt-1", Kind: EventComment, CreatedAt: now, Body: "hi"}
	if err := store.AppendTimelineEvent(ctx, "proj", "iss-1", ev); err != nil {
		t.Fatalf("First append failed: %v", err)
	}

	err := store.AppendTimelineEvent(ctx, "proj", "iss-1", ev)
	if !errors.Is(err, ErrDuplicateEvent) {
		t.Errorf("Expected ErrDuplicateEvent, got %v", err)
	}

	events, err := store.LoadTimeline(ctx, "proj", "iss-1")
	if err != nil {
		t.Fatalf("LoadTimeline failed: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("Expected 1 event after duplicate rejection, got %d", len(events))
	}
}

func TestAppendTimelineEventSetsUnsynced(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.UpsertIssue(ctx, "proj", snapshot("iss-1", now)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	err := store.AppendTimelineEvent(ctx, "proj", "iss-1", TimelineEvent{
		RemoteID: "evt-1", Kind: EventStateChanged, CreatedAt: now, State: StateClosed,
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	unsynced, err := store.IssuesWithUnsyncedData(ctx, "proj")
	if err != nil {
		t.Fatalf("IssuesWithUnsyncedData failed: %v", err)
	}
	if len(unsynced) != 1 || unsynced[0].RemoteID != "iss-1" {
		t.Fatalf("Expected iss-1 unsynced, got %+v", unsynced)
	}

	if err := store.MarkSynced(ctx, "proj", "iss-1"); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}
	unsynced, err = store.IssuesWithUnsyncedData(ctx, "proj")
	if err != nil {
		t.Fatalf("IssuesWithUnsyncedData failed: %v", err)
	}
	if len(unsynced) != 0 {
		t.Errorf("Expected no unsynced issues after MarkSynced, got %d", len(unsynced))
	}
}

func TestUpdateCommentBodyLastWriterWins(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	base := time.Now()

	if err := store.UpsertIssue(ctx, "proj", snapshot("iss-1", base)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	edited := base.Add(time.Minute)
	err := store.AppendTimelineEvent(ctx, "proj", "iss-1", TimelineEvent{
		RemoteID: "evt-1", Kind: EventComment, CreatedAt: base,
		Body: "original", EditedAt: &edited, NeedsRecheck: true,
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	tests := []struct {
		name     string
		editedAt time.Time
		body     string
		want     string
	}{
		{"older edit absorbed", edited.Add(-time.Second), "stale", "original"},
		{"equal edit absorbed", edited, "same-time", "original"},
		{"newer edit wins", edited.Add(time.Second), "updated", "updated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.UpdateCommentBody(ctx, "proj", "iss-1", "evt-1", tt.body, tt.editedAt); err != nil {
				t.Fatalf("UpdateCommentBody failed: %v", err)
			}
			events, err := store.LoadTimeline(ctx, "proj", "iss-1")
			if err != nil {
				t.Fatalf("LoadTimeline failed: %v", err)
			}
			if events[0].Body != tt.want {
				t.Errorf("Body = %q, want %q", events[0].Body, tt.want)
			}
			if events[0].NeedsRecheck {
				t.Error("Recheck flag should be cleared after update")
			}
		})
	}
}

func TestTimelineOrdering(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	base := time.Now()

	if err := store.UpsertIssue(ctx, "proj", snapshot("iss-1", base)); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	// Append out of order; LoadTimeline must return creation order.
	for _, ev := range []TimelineEvent{
		{RemoteID: "evt-3", Kind: EventComment, CreatedAt: base.Add(2 * time.Second), Body: "c"},
		{RemoteID: "evt-1", Kind: EventComment, CreatedAt: base, Body: "a"},
		{RemoteID: "evt-2", Kind: EventComment, CreatedAt: base.Add(time.Second), Body: "b"},
	} {
		if err := store.AppendTimelineEvent(ctx, "proj", "iss-1", ev); err != nil {
			t.Fatalf("Append %s failed: %v", ev.RemoteID, err)
		}
	}

	events, err := store.LoadTimeline(ctx, "proj", "iss-1")
	if err != nil {
		t.Fatalf("LoadTimeline failed: %v", err)
	}
	want := []string{"evt-1", "evt-2", "evt-3"}
	for i, id := range want {
		if events[i].RemoteID != id {
			t.Errorf("events[%d] = %s, want %s", i, events[i].RemoteID, id)
		}
	}
}

func TestWalkerStateRoundTrip(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	st, err := store.GetWalkerState(ctx, "proj", "issues")
	if err != nil {
		t.Fatalf("GetWalkerState on empty store failed: %v", err)
	}
	if st.Cursor != "" || !st.Since.IsZero() {
		t.Errorf("Expected zero state, got %+v", st)
	}

	st.Cursor = "page-7"
	st.Since = time.Now().Add(-time.Hour)
	if err := store.SaveWalkerState(ctx, st); err != nil {
		t.Fatalf("SaveWalkerState failed: %v", err)
	}

	loaded, err := store.GetWalkerState(ctx, "proj", "issues")
	if err != nil {
		t.Fatalf("GetWalkerState failed: %v", err)
	}
	if loaded.Cursor != "page-7" {
		t.Errorf("Cursor = %q, want page-7", loaded.Cursor)
	}
	if loaded.Since.IsZero() {
		t.Error("Since watermark was not persisted")
	}
}

func TestEventValidation(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		ev      TimelineEvent
		wantErr bool
	}{
		{"valid comment", TimelineEvent{RemoteID: "e", Kind: EventComment, CreatedAt: now}, false},
		{"missing id", TimelineEvent{Kind: EventComment, CreatedAt: now}, true},
		{"state change without state", TimelineEvent{RemoteID: "e", Kind: EventStateChanged, CreatedAt: now}, true},
		{"label added without label", TimelineEvent{RemoteID: "e", Kind: EventLabelAdded, CreatedAt: now}, true},
		{"rename without title", TimelineEvent{RemoteID: "e", Kind: EventTitleRenamed, CreatedAt: now}, true},
		{"unknown needs no payload", TimelineEvent{RemoteID: "e", Kind: EventUnknown, CreatedAt: now}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ev.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
