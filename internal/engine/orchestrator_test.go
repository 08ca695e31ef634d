package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/calder-io/imsync/internal/graph"
	"github.com/calder-io/imsync/internal/identity"
	"github.com/calder-io/imsync/internal/notify"
	"github.com/calder-io/imsync/internal/remote"
	"github.com/calder-io/imsync/internal/staging"
	"github.com/calder-io/imsync/internal/storage"
	"github.com/calder-io/imsync/internal/tokens"
)

// setupProject wires one engine project over a temp database and a fake
// tracker.
func setupProject(t *testing.T, id string, withToken bool) (Project, *remote.Fake) {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := staging.NewStore(db)
	g := graph.NewStore(db)
	ledger := identity.NewLedger(db)
	if err := storage.InitSchemas(context.Background(), store, g, ledger); err != nil {
		t.Fatalf("Failed to initialize schemas: %v", err)
	}

	provider := tokens.NewStatic()
	if withToken {
		provider.SetService(id, "svc-token")
	}
	fake := remote.NewFake(50)

	return Project{
		ID:        id,
		Scope:     "tracker/" + id,
		Store:     store,
		Graph:     g,
		Resolver:  identity.NewResolver(ledger, g, nil),
		Connector: fake,
		Tokens:    provider,
	}, fake
}

// recordingListener captures listener callbacks.
type recordingListener struct {
	mu        sync.Mutex
	started   int
	projects  []string
	completed int
}

func (l *recordingListener) CycleStarted(time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started++
}

func (l *recordingListener) ProjectSynced(res ProjectResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.projects = append(l.projects, res.ProjectID)
}

func (l *recordingListener) CycleCompleted(CycleResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completed++
}

func TestOrchestratorSyncsProject(t *testing.T) {
	project, fake := setupProject(t, "alpha", true)
	fake.SeedIssue(remote.IssueRecord{
		ID: "iss-1", Title: "Bug", State: "open",
		CreatedAt: time.Now().Add(-time.Hour), UpdatedAt: time.Now().Add(-time.Hour),
	})

	sink := notify.NewCollector()
	orch := NewOrchestrator([]Project{project}, sink, nil, nil)

	result := orch.RunCycle(context.Background())
	if len(result.Projects) != 1 {
		t.Fatalf("Projects = %d, want 1", len(result.Projects))
	}
	res := result.Projects[0]
	if res.Err != nil {
		t.Fatalf("Project sync failed: %v", res.Err)
	}
	if res.Incoming.IssuesStaged != 1 {
		t.Errorf("IssuesStaged = %d, want 1", res.Incoming.IssuesStaged)
	}
}

func TestOrchestratorIsolatesFailingProject(t *testing.T) {
	broken, _ := setupProject(t, "broken", false) // no service token
	healthy, fake := setupProject(t, "healthy", true)
	fake.SeedIssue(remote.IssueRecord{
		ID: "iss-1", Title: "Bug", State: "open",
		CreatedAt: time.Now().Add(-time.Hour), UpdatedAt: time.Now().Add(-time.Hour),
	})

	sink := notify.NewCollector()
	orch := NewOrchestrator([]Project{broken, healthy}, sink, nil, nil)

	result := orch.RunCycle(context.Background())
	if len(result.Projects) != 2 {
		t.Fatalf("Projects = %d, want 2", len(result.Projects))
	}

	byID := make(map[string]ProjectResult)
	for _, res := range result.Projects {
		byID[res.ProjectID] = res
	}
	if byID["broken"].Err == nil {
		t.Error("Broken project should fail")
	}
	if byID["healthy"].Err != nil {
		t.Errorf("Healthy project failed: %v", byID["healthy"].Err)
	}
	if byID["healthy"].Incoming.IssuesStaged != 1 {
		t.Errorf("Healthy project staged %d issues, want 1", byID["healthy"].Incoming.IssuesStaged)
	}

	found := false
	for _, code := range sink.Codes() {
		if code == notify.CodeReconcileFailure {
			found = true
		}
	}
	if !found {
		t.Errorf("Notifications = %v, want a %s", sink.Codes(), notify.CodeReconcileFailure)
	}
}

func TestOrchestratorNotifiesListener(t *testing.T) {
	project, _ := setupProject(t, "alpha", true)
	listener := &recordingListener{}
	orch := NewOrchestrator([]Project{project}, notify.NewCollector(), listener, nil)

	orch.RunCycle(context.Background())

	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.started != 1 || listener.completed != 1 {
		t.Errorf("Listener saw %d starts and %d completions, want 1 and 1", listener.started, listener.completed)
	}
	if len(listener.projects) != 1 || listener.projects[0] != "alpha" {
		t.Errorf("Listener projects = %v, want [alpha]", listener.projects)
	}
}
