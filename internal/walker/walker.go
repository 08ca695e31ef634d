// Package walker provides the budget-governed paginated fetch loop shared by
// the issue-list, timeline, and comment-recheck walks.
//
// A walker never crashes a sync cycle: transport errors are logged and the
// walk stops with partial progress, and a rate-limit marker is a soft stop
// folded into the usage report. Cursor and watermark state live in the
// staging store so a fresh walker resumes exactly where the last one yielded.
package walker

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/calder-io/imsync/internal/budget"
	"github.com/calder-io/imsync/internal/staging"
)

// Page is one fetched page of records.
type Page[T any] struct {
	Records     []T
	NextCursor  string
	RateLimited bool
	Remaining   int // remote-reported remaining quota, -1 when unknown
}

// FetchFunc fetches one page at the given cursor and since watermark.
type FetchFunc[T any] func(ctx context.Context, cursor string, since time.Time) (Page[T], error)

// IntegrateFunc consumes one fetched record. A failing record is logged and
// skipped; it does not stop the walk.
type IntegrateFunc[T any] func(ctx context.Context, rec T) error

// StateStore persists walker cursor/watermark state between cycles.
type StateStore interface {
	GetWalkerState(ctx context.Context, projectID, resource string) (staging.WalkerState, error)
	SaveWalkerState(ctx context.Context, st staging.WalkerState) error
}

// Report is the usage summary of one walk.
type Report struct {
	Usage       budget.Usage
	Pages       int
	Records     int
	Failed      int
	RateLimited bool
	Remaining   int  // last observed remote quota, -1 when never reported
	Completed   bool // no continuation token remained when the walk ended
}

// Walker drives one resource walk under a budget.
type Walker[T any] struct {
	states    StateStore
	projectID string
	resource  string
	budget    budget.Budget
	fetch     FetchFunc[T]
	integrate IntegrateFunc[T]
	logger    *log.Logger

	pageCost budget.Estimate
}

// New creates a walker for one (project, resource) pair. If logger is nil, a
// default logger writing to stderr is used.
func New[T any](states StateStore, projectID, resource string, b budget.Budget,
	fetch FetchFunc[T], integrate IntegrateFunc[T], logger *log.Logger) *Walker[T] {
	if logger == nil {
		logger = log.New(os.Stderr, "[walker] ", log.LstdFlags)
	}
	return &Walker[T]{
		states:    states,
		projectID: projectID,
		resource:  resource,
		budget:    b,
		fetch:     fetch,
		integrate: integrate,
		logger:    logger,
		pageCost:  budget.Estimate{Requests: 1},
	}
}

// Execute runs the walk until no continuation token remains, the budget
// refuses the next page, the remote rate-limits, or a transport error stops
// it. Only state-persistence failures surface as errors; everything else
// degrades to partial progress in the report.
func (w *Walker[T]) Execute(ctx context.Context) (Report, error) {
	report := Report{Remaining: -1}

	st, err := w.states.GetWalkerState(ctx, w.projectID, w.resource)
	if err != nil {
		return report, err
	}

	startedAt := time.Now()

	for {
		if !w.budget.MayExecute(w.pageCost) {
			w.logger.Printf("%s/%s: budget exhausted after %d pages", w.projectID, w.resource, report.Pages)
			return report, nil
		}

		page, err := w.fetch(ctx, st.Cursor, st.Since)
		w.budget.Integrate(budget.Usage{Requests: 1})
		report.Usage.Requests++

		if err != nil {
			// Transport-level failure: partial progress, retried next cycle.
			w.logger.Printf("%s/%s: fetch failed, stopping walk: %v", w.projectID, w.resource, err)
			return report, nil
		}

		if page.Remaining >= 0 {
			report.Remaining = page.Remaining
		}

		if page.RateLimited {
			report.RateLimited = true
			w.logger.Printf("%s/%s: rate limited after %d pages, yielding", w.projectID, w.resource, report.Pages)
			return report, w.states.SaveWalkerState(ctx, st)
		}

		report.Pages++
		for _, rec := range page.Records {
			if err := w.integrate(ctx, rec); err != nil {
				report.Failed++
				w.logger.Printf("%s/%s: skipping record: %v", w.projectID, w.resource, err)
				continue
			}
			report.Records++
		}

		st.Cursor = page.NextCursor
		if st.Cursor == "" {
			// Walk complete: clear the cursor and advance the watermark so
			// the next cycle only fetches newer changes.
			st.Since = startedAt
			report.Completed = true
			return report, w.states.SaveWalkerState(ctx, st)
		}
		if err := w.states.SaveWalkerState(ctx, st); err != nil {
			return report, err
		}
	}
}
