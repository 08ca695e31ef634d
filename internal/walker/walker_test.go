package walker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/calder-io/imsync/internal/budget"
	"github.com/calder-io/imsync/internal/staging"
)

// memStates is an in-memory StateStore.
type memStates struct {
	mu     sync.Mutex
	states map[string]staging.WalkerState
	fail   error
}

func newMemStates() *memStates {
	return &memStates{states: make(map[string]staging.WalkerState)}
}

func (m *memStates) GetWalkerState(_ context.Context, projectID, resource string) (staging.WalkerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[projectID+"/"+resource]; ok {
		return st, nil
	}
	return staging.WalkerState{ProjectID: projectID, Resource: resource}, nil
}

func (m *memStates) SaveWalkerState(_ context.Context, st staging.WalkerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.states[st.ProjectID+"/"+st.Resource] = st
	return nil
}

// denyBudget refuses everything.
type denyBudget struct{}

func (denyBudget) MayExecute(budget.Estimate) bool { return false }
func (denyBudget) Integrate(budget.Usage)          {}

// pagedFetch serves scripted pages keyed by cursor.
func pagedFetch(pages map[string]Page[int], calls *int) FetchFunc[int] {
	return func(_ context.Context, cursor string, _ time.Time) (Page[int], error) {
		*calls++
		return pages[cursor], nil
	}
}

func TestWalkerCollectsAllPages(t *testing.T) {
	states := newMemStates()
	calls := 0
	pages := map[string]Page[int]{
		"":  {Records: []int{1, 2}, NextCursor: "p2", Remaining: -1},
		"p2": {Records: []int{3}, Remaining: -1},
	}

	var got []int
	w := New(states, "proj", "issues", budget.NewUnlimited(),
		pagedFetch(pages, &calls),
		func(_ context.Context, rec int) error {
			got = append(got, rec)
			return nil
		}, nil)

	report, err := w.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("Integrated %d records, want 3", len(got))
	}
	if report.Pages != 2 || !report.Completed {
		t.Errorf("Report = %+v, want 2 completed pages", report)
	}

	st, _ := states.GetWalkerState(context.Background(), "proj", "issues")
	if st.Cursor != "" {
		t.Errorf("Cursor should be cleared on completion, got %q", st.Cursor)
	}
	if st.Since.IsZero() {
		t.Error("Watermark should advance on completion")
	}
}

func TestWalkerBudgetGating(t *testing.T) {
	states := newMemStates()
	calls := 0
	w := New(states, "proj", "issues", denyBudget{},
		pagedFetch(map[string]Page[int]{}, &calls),
		func(context.Context, int) error { return nil }, nil)

	report, err := w.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if calls != 0 {
		t.Errorf("Fetch ran %d times despite refused budget", calls)
	}
	if report.Pages != 0 || report.Usage.Requests != 0 {
		t.Errorf("Report = %+v, want no work", report)
	}
}

func TestWalkerRateLimitSoftStop(t *testing.T) {
	states := newMemStates()
	calls := 0
	pages := map[string]Page[int]{
		"":   {Records: []int{1}, NextCursor: "p2", Remaining: -1},
		"p2": {RateLimited: true, NextCursor: "p2", Remaining: 0},
	}

	w := New(states, "proj", "issues", budget.NewUnlimited(),
		pagedFetch(pages, &calls),
		func(context.Context, int) error { return nil }, nil)

	report, err := w.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !report.RateLimited {
		t.Error("Report should mark the rate-limit soft stop")
	}
	if report.Completed {
		t.Error("Rate-limited walk must not count as completed")
	}

	// Cursor persists so the next walker resumes at the same page.
	st, _ := states.GetWalkerState(context.Background(), "proj", "issues")
	if st.Cursor != "p2" {
		t.Errorf("Persisted cursor = %q, want p2", st.Cursor)
	}
}

func TestWalkerTransportErrorStopsWithoutRaising(t *testing.T) {
	states := newMemStates()
	boom := errors.New("connection reset")

	w := New(states, "proj", "issues", budget.NewUnlimited(),
		func(context.Context, string, time.Time) (Page[int], error) {
			return Page[int]{}, boom
		},
		func(context.Context, int) error { return nil }, nil)

	report, err := w.Execute(context.Background())
	if err != nil {
		t.Fatalf("Transport error must not surface, got %v", err)
	}
	if report.Pages != 0 {
		t.Errorf("Report.Pages = %d, want 0", report.Pages)
	}
	if report.Usage.Requests != 1 {
		t.Errorf("Failed fetch must still count as usage, got %d", report.Usage.Requests)
	}
}

func TestWalkerSkipsFailingRecords(t *testing.T) {
	states := newMemStates()
	calls := 0
	pages := map[string]Page[int]{
		"": {Records: []int{1, 2, 3}, Remaining: -1},
	}

	w := New(states, "proj", "issues", budget.NewUnlimited(),
		pagedFetch(pages, &calls),
		func(_ context.Context, rec int) error {
			if rec == 2 {
				return errors.New("malformed")
			}
			return nil
		}, nil)

	report, err := w.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if report.Records != 2 || report.Failed != 1 {
		t.Errorf("Report = %+v, want 2 records and 1 failure", report)
	}
	if !report.Completed {
		t.Error("Per-record failures must not stop the walk")
	}
}

func TestWalkerResumesFromPersistedCursor(t *testing.T) {
	states := newMemStates()
	_ = states.SaveWalkerState(context.Background(), staging.WalkerState{
		ProjectID: "proj", Resource: "issues", Cursor: "p2",
	})

	var cursors []string
	pages := map[string]Page[int]{
		"p2": {Records: []int{9}, Remaining: -1},
	}
	w := New(states, "proj", "issues", budget.NewUnlimited(),
		func(_ context.Context, cursor string, _ time.Time) (Page[int], error) {
			cursors = append(cursors, cursor)
			return pages[cursor], nil
		},
		func(context.Context, int) error { return nil }, nil)

	if _, err := w.Execute(context.Background()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(cursors) != 1 || cursors[0] != "p2" {
		t.Errorf("First fetch used cursor %v, want [p2]", cursors)
	}
}
