package incoming

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/calder-io/imsync/internal/budget"
	"github.com/calder-io/imsync/internal/graph"
	"github.com/calder-io/imsync/internal/identity"
	"github.com/calder-io/imsync/internal/notify"
	"github.com/calder-io/imsync/internal/remote"
	"github.com/calder-io/imsync/internal/staging"
	"github.com/calder-io/imsync/internal/storage"
)

type testEnv struct {
	store    *staging.Store
	graph    *graph.Store
	ledger   *identity.Ledger
	resolver *identity.Resolver
	fake     *remote.Fake
	sink     *notify.Collector
}

// setupEnv builds a pipeline environment over a temp database and a fake
// tracker.
func setupEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		store:  staging.NewStore(db),
		graph:  graph.NewStore(db),
		ledger: identity.NewLedger(db),
		fake:   remote.NewFake(2),
		sink:   notify.NewCollector(),
	}
	env.resolver = identity.NewResolver(env.ledger, env.graph, nil)
	if err := storage.InitSchemas(context.Background(), env.store, env.graph, env.ledger); err != nil {
		t.Fatalf("Failed to initialize schemas: %v", err)
	}
	return env
}

func (env *testEnv) pipeline(b budget.Budget) *Pipeline {
	if b == nil {
		b = budget.NewUnlimited()
	}
	return New(Config{
		Store:     env.store,
		Graph:     env.graph,
		Resolver:  env.resolver,
		Tracker:   env.fake,
		Budget:    b,
		Sink:      env.sink,
		Scope:     "tracker/acme/app",
		ProjectID: "proj",
	})
}

func TestIncomingEndToEnd(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	t0 := time.Now().Add(-time.Hour)

	env.fake.SeedIssue(remote.IssueRecord{
		ID: "iss-1", Title: "Bug", Body: "crash", State: "open",
		CreatedAt: t0, UpdatedAt: t0,
		Author: &remote.UserRef{ID: "u-1", Username: "alice"},
	})

	report, err := env.pipeline(nil).Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.IssuesStaged != 1 {
		t.Errorf("IssuesStaged = %d, want 1", report.IssuesStaged)
	}

	rec, err := env.ledger.Lookup(ctx, "tracker/acme/app", identity.KindIssue, "iss-1")
	if err != nil {
		t.Fatalf("No issue correlation written: %v", err)
	}
	issue, err := env.graph.GetIssue(ctx, rec.InternalID)
	if err != nil {
		t.Fatalf("No graph node under correlated id: %v", err)
	}
	if issue.Title != "Bug" || issue.Body != "crash" || issue.State != "open" {
		t.Errorf("Issue node = %+v, want title Bug, body crash, open", issue)
	}

	issues, err := env.graph.ListIssues(ctx, "proj")
	if err != nil {
		t.Fatalf("ListIssues failed: %v", err)
	}
	if len(issues) != 1 {
		t.Errorf("Expected exactly one internal issue, got %d", len(issues))
	}
}

func TestIncomingTimelineApplication(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	t0 := time.Now().Add(-time.Hour)

	env.fake.SeedIssue(remote.IssueRecord{
		ID: "iss-1", Title: "Bug", State: "open", CreatedAt: t0, UpdatedAt: t0,
	})
	env.fake.SeedEvent("iss-1", remote.TimelineRecord{
		ID: "evt-1", Kind: remote.KindCommented, CreatedAt: t0.Add(time.Minute),
		Actor: &remote.UserRef{ID: "u-1", Username: "alice"}, Body: "me too",
	})
	env.fake.SeedEvent("iss-1", remote.TimelineRecord{
		ID: "evt-2", Kind: remote.KindLabeled, CreatedAt: t0.Add(2 * time.Minute),
		Label: &remote.LabelRef{ID: "l-1", Name: "bug", Color: "red"},
	})
	env.fake.SeedEvent("iss-1", remote.TimelineRecord{
		ID: "evt-3", Kind: "locked", CreatedAt: t0.Add(3 * time.Minute),
	})
	env.fake.SeedEvent("iss-1", remote.TimelineRecord{
		ID: "evt-4", Kind: remote.KindClosed, CreatedAt: t0.Add(4 * time.Minute),
	})

	if _, err := env.pipeline(nil).Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	rec, err := env.ledger.Lookup(ctx, "tracker/acme/app", identity.KindIssue, "iss-1")
	if err != nil {
		t.Fatalf("No issue correlation: %v", err)
	}
	items, err := env.graph.Timeline(ctx, rec.InternalID)
	if err != nil {
		t.Fatalf("Timeline failed: %v", err)
	}
	if len(items) != 4 {
		t.Fatalf("Expected 4 timeline items, got %d", len(items))
	}

	wantKinds := []graph.ItemKind{graph.ItemComment, graph.ItemLabelAdded, graph.ItemUnknown, graph.ItemStateChanged}
	for i, kind := range wantKinds {
		if items[i].Kind != kind {
			t.Errorf("items[%d].Kind = %s, want %s", i, items[i].Kind, kind)
		}
	}

	// Comment actor and label resolved to internal nodes.
	if items[0].ActorID == "" {
		t.Error("Comment actor was not resolved")
	}
	if items[1].LabelID == "" {
		t.Error("Label reference was not resolved")
	}

	// Each applied event carries a correlation so re-delivery is a no-op.
	for _, id := range []string{"evt-1", "evt-2", "evt-3", "evt-4"} {
		if _, err := env.ledger.Lookup(ctx, "tracker/acme/app", identity.KindTimelineItem, id); err != nil {
			t.Errorf("Event %s has no correlation: %v", id, err)
		}
	}

	// Aggregate update time reflects the newest event.
	issue, err := env.graph.GetIssue(ctx, rec.InternalID)
	if err != nil {
		t.Fatalf("GetIssue failed: %v", err)
	}
	if issue.LastUpdatedAt.Before(t0.Add(4 * time.Minute).UTC().Truncate(time.Second)) {
		t.Errorf("LastUpdatedAt = %v, want >= the close event time", issue.LastUpdatedAt)
	}
}

func TestIncomingRunTwiceConverges(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	t0 := time.Now().Add(-time.Hour)

	env.fake.SeedIssue(remote.IssueRecord{
		ID: "iss-1", Title: "Bug", State: "open", CreatedAt: t0, UpdatedAt: t0,
	})
	env.fake.SeedEvent("iss-1", remote.TimelineRecord{
		ID: "evt-1", Kind: remote.KindCommented, CreatedAt: t0.Add(time.Minute), Body: "hi",
	})

	if _, err := env.pipeline(nil).Run(ctx); err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	if _, err := env.pipeline(nil).Run(ctx); err != nil {
		t.Fatalf("Second run failed: %v", err)
	}

	total, _, _, err := env.store.CountIssues(ctx, "proj")
	if err != nil {
		t.Fatalf("CountIssues failed: %v", err)
	}
	if total != 1 {
		t.Errorf("Staged issues = %d, want 1", total)
	}

	issues, err := env.graph.ListIssues(ctx, "proj")
	if err != nil {
		t.Fatalf("ListIssues failed: %v", err)
	}
	if len(issues) != 1 {
		t.Fatalf("Internal issues = %d, want 1", len(issues))
	}
	items, err := env.graph.Timeline(ctx, issues[0].ID)
	if err != nil {
		t.Fatalf("Timeline failed: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("Timeline items = %d, want 1", len(items))
	}
}

func TestIncomingRateLimitResumes(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	t0 := time.Now().Add(-time.Hour)

	// Three issues at page size two: the issue list alone needs two pages.
	for i, id := range []string{"iss-1", "iss-2", "iss-3"} {
		env.fake.SeedIssue(remote.IssueRecord{
			ID: id, Title: "Bug", State: "open",
			CreatedAt: t0, UpdatedAt: t0.Add(time.Duration(i) * time.Minute),
		})
	}
	env.fake.RateLimitAfter(1)

	report, err := env.pipeline(nil).Run(ctx)
	if err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	if !report.RateLimited {
		t.Fatal("First run should report the rate limit")
	}
	if report.IssuesStaged != 2 {
		t.Errorf("First run staged %d issues, want 2", report.IssuesStaged)
	}

	env.fake.RateLimitAfter(0)
	report, err = env.pipeline(nil).Run(ctx)
	if err != nil {
		t.Fatalf("Second run failed: %v", err)
	}

	total, _, _, err := env.store.CountIssues(ctx, "proj")
	if err != nil {
		t.Fatalf("CountIssues failed: %v", err)
	}
	if total != 3 {
		t.Errorf("Staged issues after resume = %d, want 3", total)
	}
}

func TestIncomingFailedRecordKeepsTimelineFlagArmed(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	t0 := time.Now().Add(-time.Hour)

	env.fake.SeedIssue(remote.IssueRecord{
		ID: "iss-1", Title: "Bug", State: "open", CreatedAt: t0, UpdatedAt: t0,
	})
	env.fake.SeedEvent("iss-1", remote.TimelineRecord{
		ID: "evt-1", Kind: remote.KindCommented, CreatedAt: t0.Add(time.Minute), Body: "fine",
	})
	// A record without an id cannot stage.
	env.fake.SeedEvent("iss-1", remote.TimelineRecord{
		Kind: remote.KindCommented, CreatedAt: t0.Add(2 * time.Minute), Body: "broken",
	})

	if _, err := env.pipeline(nil).Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	events, err := env.store.LoadTimeline(ctx, "proj", "iss-1")
	if err != nil {
		t.Fatalf("LoadTimeline failed: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("Staged events = %d, want only the valid one", len(events))
	}

	// The walk finished but a record failed, so the fetch flag stays armed
	// and the timeline is retried next cycle.
	flagged, err := env.store.IssuesNeedingTimelineFetch(ctx, "proj")
	if err != nil {
		t.Fatalf("IssuesNeedingTimelineFetch failed: %v", err)
	}
	if len(flagged) != 1 || flagged[0].RemoteID != "iss-1" {
		t.Errorf("Issues flagged for a timeline fetch = %d, want iss-1 only", len(flagged))
	}
}

func TestIncomingCommentRecheck(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	t0 := time.Now().Add(-time.Hour)

	env.fake.SeedIssue(remote.IssueRecord{
		ID: "iss-1", Title: "Bug", State: "open", CreatedAt: t0, UpdatedAt: t0,
	})
	env.fake.SeedEvent("iss-1", remote.TimelineRecord{
		ID: "evt-1", Kind: remote.KindCommented, CreatedAt: t0.Add(time.Minute), Body: "original",
	})

	if _, err := env.pipeline(nil).Run(ctx); err != nil {
		t.Fatalf("First run failed: %v", err)
	}

	// The comment is edited remotely, bumping the issue.
	edited := time.Now().Add(time.Minute)
	env.fake.SeedEvent("iss-1", remote.TimelineRecord{
		ID: "evt-2", Kind: remote.KindRenamed, CreatedAt: edited, Title: "Bug!",
	})
	env.fake.EditComment("iss-1", "evt-1", "edited body", edited)

	report, err := env.pipeline(nil).Run(ctx)
	if err != nil {
		t.Fatalf("Second run failed: %v", err)
	}
	if report.CommentsFixed != 1 {
		t.Errorf("CommentsFixed = %d, want 1", report.CommentsFixed)
	}

	events, err := env.store.LoadTimeline(ctx, "proj", "iss-1")
	if err != nil {
		t.Fatalf("LoadTimeline failed: %v", err)
	}
	if events[0].Body != "edited body" {
		t.Errorf("Comment body = %q, want edited body", events[0].Body)
	}
}
