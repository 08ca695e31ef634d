// Package incoming pulls remote issue data into the staging mirror and
// projects staged data onto the canonical graph.
//
// The pipeline runs in phases: discover changed issues, walk flagged
// timelines, re-check edited comments, then apply staged state to the graph.
// Every phase is resumable and idempotent, so a crash mid-cycle costs at most
// a re-fetch, never divergence.
package incoming

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/calder-io/imsync/internal/budget"
	"github.com/calder-io/imsync/internal/graph"
	"github.com/calder-io/imsync/internal/identity"
	"github.com/calder-io/imsync/internal/notify"
	"github.com/calder-io/imsync/internal/remote"
	"github.com/calder-io/imsync/internal/staging"
	"github.com/calder-io/imsync/internal/walker"
)

// remainingObserver is implemented by budgets that track the remote's
// reported quota.
type remainingObserver interface {
	ObserveRemaining(remaining int)
}

// Report summarizes one incoming pass.
type Report struct {
	Usage          budget.Usage
	IssuesStaged   int
	EventsStaged   int
	CommentsFixed  int
	IssuesApplied  int
	RateLimited    bool
	BudgetExceeded bool
}

// Pipeline pulls one project's remote data in.
type Pipeline struct {
	store    *staging.Store
	graph    *graph.Store
	resolver *identity.Resolver
	tracker  remote.Tracker
	budget   budget.Budget
	sink     notify.Sink

	scope     string // correlation scope, the remote tracker identity
	projectID string
	logger    *log.Logger

	// Remote issues that received new staged data this pass and must be
	// re-projected onto the graph. Guarded by mu: echo recording runs from
	// the outgoing pass's worker goroutines.
	mu      sync.Mutex
	touched map[string]bool
}

// Config wires a pipeline for one project.
type Config struct {
	Store     *staging.Store
	Graph     *graph.Store
	Resolver  *identity.Resolver
	Tracker   remote.Tracker
	Budget    budget.Budget
	Sink      notify.Sink
	Scope     string
	ProjectID string
	Logger    *log.Logger
}

// New creates an incoming pipeline. A nil logger gets a stderr default, a nil
// sink gets a logging sink.
func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[incoming] ", log.LstdFlags)
	}
	sink := cfg.Sink
	if sink == nil {
		sink = notify.NewLogSink(logger)
	}
	return &Pipeline{
		store:     cfg.Store,
		graph:     cfg.Graph,
		resolver:  cfg.Resolver,
		tracker:   cfg.Tracker,
		budget:    cfg.Budget,
		sink:      sink,
		scope:     cfg.Scope,
		projectID: cfg.ProjectID,
		logger:    logger,
		touched:   make(map[string]bool),
	}
}

// Run executes one incoming pass: discovery, timeline walks, comment
// rechecks, graph application. Only storage failures surface as errors;
// remote trouble degrades to partial progress in the report.
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	p.mu.Lock()
	p.touched = make(map[string]bool)
	p.mu.Unlock()
	var report Report

	if err := p.discoverIssues(ctx, &report); err != nil {
		return report, err
	}
	if err := p.walkTimelines(ctx, &report); err != nil {
		return report, err
	}
	if err := p.recheckComments(ctx, &report); err != nil {
		return report, err
	}
	if err := p.applyToGraph(ctx, &report); err != nil {
		return report, err
	}
	return report, nil
}

// discoverIssues walks the issues-updated-since list and stages snapshots.
func (p *Pipeline) discoverIssues(ctx context.Context, report *Report) error {
	w := walker.New(p.store, p.projectID, "issues", p.budget,
		func(ctx context.Context, cursor string, since time.Time) (walker.Page[remote.IssueRecord], error) {
			page, err := p.tracker.Issues(ctx, cursor, since)
			if err != nil {
				return walker.Page[remote.IssueRecord]{}, err
			}
			return walker.Page[remote.IssueRecord]{
				Records:     page.Issues,
				NextCursor:  page.NextCursor,
				RateLimited: page.RateLimited,
				Remaining:   page.Remaining,
			}, nil
		},
		func(ctx context.Context, rec remote.IssueRecord) error {
			if rec.Author != nil {
				if _, err := p.resolver.EnsureUser(ctx, p.scope, identity.RemoteUser{
					ID:          rec.Author.ID,
					Username:    rec.Author.Username,
					DisplayName: rec.Author.DisplayName,
					UpdatedAt:   rec.UpdatedAt,
				}); err != nil {
					return fmt.Errorf("issue %s author: %w", rec.ID, err)
				}
			}
			err := p.store.UpsertIssue(ctx, p.projectID, staging.IssueSnapshot{
				RemoteID:    rec.ID,
				Title:       rec.Title,
				Description: rec.Body,
				State:       staging.IssueState(rec.State),
				LastUpdate:  rec.UpdatedAt,
			})
			if err != nil {
				return err
			}
			p.markTouched(rec.ID)
			return nil
		},
		p.logger)

	wr, err := w.Execute(ctx)
	p.foldWalk(report, wr)
	report.IssuesStaged += wr.Records
	return err
}

// walkTimelines fetches the timeline of every staged issue flagged for a
// timeline fetch and appends new events.
func (p *Pipeline) walkTimelines(ctx context.Context, report *Report) error {
	issues, err := p.store.IssuesNeedingTimelineFetch(ctx, p.projectID)
	if err != nil {
		return err
	}

	for _, issue := range issues {
		issueID := issue.RemoteID
		w := walker.New(p.store, p.projectID, "timeline/"+issueID, p.budget,
			func(ctx context.Context, cursor string, since time.Time) (walker.Page[remote.TimelineRecord], error) {
				page, err := p.tracker.Timeline(ctx, issueID, cursor, since)
				if err != nil {
					return walker.Page[remote.TimelineRecord]{}, err
				}
				return walker.Page[remote.TimelineRecord]{
					Records:     page.Events,
					NextCursor:  page.NextCursor,
					RateLimited: page.RateLimited,
					Remaining:   page.Remaining,
				}, nil
			},
			func(ctx context.Context, rec remote.TimelineRecord) error {
				return p.stageTimelineRecord(ctx, issueID, rec)
			},
			p.logger)

		wr, err := w.Execute(ctx)
		p.foldWalk(report, wr)
		report.EventsStaged += wr.Records
		if err != nil {
			return err
		}
		if wr.RateLimited || !wr.Completed {
			// The flag stays armed; the walk resumes from its cursor next
			// cycle.
			if wr.RateLimited {
				return nil
			}
			continue
		}
		if wr.Failed > 0 {
			// Some records did not stage. The flag stays armed so the whole
			// timeline is retried next cycle.
			continue
		}
		if err := p.store.MarkTimelineFetched(ctx, p.projectID, issueID); err != nil {
			return err
		}
	}
	return nil
}

// stageTimelineRecord classifies a remote timeline record, resolves the
// identities it references, and appends it to the staged timeline.
func (p *Pipeline) stageTimelineRecord(ctx context.Context, issueID string, rec remote.TimelineRecord) error {
	// An event that already carries a correlation was handled in an earlier
	// pass or echoed by the outgoing pass. The since window overlaps on
	// purpose, so re-delivery here is a no-op, not corruption.
	if _, err := p.resolver.Ledger().Lookup(ctx, p.scope, identity.KindTimelineItem, rec.ID); err == nil {
		return nil
	} else if !errors.Is(err, identity.ErrNoRecord) {
		return err
	}

	ev, err := p.classify(ctx, rec)
	if err != nil {
		return fmt.Errorf("event %s on issue %s: %w", rec.ID, issueID, err)
	}

	err = p.store.AppendTimelineEvent(ctx, p.projectID, issueID, ev)
	if errors.Is(err, staging.ErrDuplicateEvent) {
		// A staged copy with no correlation behind it means the mirror and
		// the ledger disagree. Only this event is dropped; the rest of the
		// timeline proceeds.
		p.sink.Notify(&notify.Error{
			Code:    notify.CodeDuplicateEvent,
			Project: p.projectID,
			IMS:     p.scope,
			Message: fmt.Sprintf("event %s on issue %s already staged", rec.ID, issueID),
			Err:     err,
		})
		return err
	}
	if err != nil {
		return err
	}
	p.markTouched(issueID)
	return nil
}

// classify maps a remote timeline record onto the staged event vocabulary.
// Unmodeled kinds become unknown placeholders so cursors can advance past
// them.
func (p *Pipeline) classify(ctx context.Context, rec remote.TimelineRecord) (staging.TimelineEvent, error) {
	ev := staging.TimelineEvent{
		RemoteID:  rec.ID,
		CreatedAt: rec.CreatedAt,
	}
	if rec.Actor != nil {
		if _, err := p.resolver.EnsureUser(ctx, p.scope, identity.RemoteUser{
			ID:          rec.Actor.ID,
			Username:    rec.Actor.Username,
			DisplayName: rec.Actor.DisplayName,
			UpdatedAt:   rec.CreatedAt,
		}); err != nil {
			return ev, err
		}
		ev.Actor = rec.Actor.ID
	}

	switch rec.Kind {
	case remote.KindCommented:
		ev.Kind = staging.EventComment
		ev.Body = rec.Body
		ev.EditedAt = rec.EditedAt
	case remote.KindClosed:
		ev.Kind = staging.EventStateChanged
		ev.State = staging.StateClosed
	case remote.KindReopened:
		ev.Kind = staging.EventStateChanged
		ev.State = staging.StateOpen
	case remote.KindLabeled, remote.KindUnlabeled:
		if rec.Label == nil {
			ev.Kind = staging.EventUnknown
			return ev, nil
		}
		// Some records carry only the label id; never let that blank out a
		// resolved label's name.
		if rec.Label.Name != "" {
			if _, err := p.resolver.EnsureLabel(ctx, p.scope, identity.RemoteLabel{
				ID:        rec.Label.ID,
				Name:      rec.Label.Name,
				Color:     rec.Label.Color,
				UpdatedAt: rec.CreatedAt,
			}); err != nil {
				return ev, err
			}
		}
		if rec.Kind == remote.KindLabeled {
			ev.Kind = staging.EventLabelAdded
		} else {
			ev.Kind = staging.EventLabelRemoved
		}
		ev.Label = rec.Label.ID
	case remote.KindRenamed:
		ev.Kind = staging.EventTitleRenamed
		ev.Title = rec.Title
	case remote.KindAssigned, remote.KindUnassigned:
		if rec.Assignee != nil {
			if _, err := p.resolver.EnsureUser(ctx, p.scope, identity.RemoteUser{
				ID:          rec.Assignee.ID,
				Username:    rec.Assignee.Username,
				DisplayName: rec.Assignee.DisplayName,
				UpdatedAt:   rec.CreatedAt,
			}); err != nil {
				return ev, err
			}
			ev.Assignee = rec.Assignee.ID
		}
		if rec.Kind == remote.KindAssigned {
			ev.Kind = staging.EventAssigned
		} else {
			ev.Kind = staging.EventUnassigned
		}
	default:
		ev.Kind = staging.EventUnknown
	}
	return ev, nil
}

// recheckComments re-fetches flagged comment bodies one by one under the
// budget and applies them last-writer-wins.
func (p *Pipeline) recheckComments(ctx context.Context, report *Report) error {
	issues, err := p.store.IssuesNeedingCommentFetch(ctx, p.projectID)
	if err != nil {
		return err
	}

	for _, issue := range issues {
		events, err := p.store.LoadTimeline(ctx, p.projectID, issue.RemoteID)
		if err != nil {
			return err
		}

		clean := true
		for _, ev := range events {
			if ev.Kind != staging.EventComment || !ev.NeedsRecheck {
				continue
			}
			if !p.budget.MayExecute(budget.Estimate{Requests: 1}) {
				report.BudgetExceeded = true
				return nil
			}

			rec, err := p.tracker.Comment(ctx, issue.RemoteID, ev.RemoteID)
			p.budget.Integrate(budget.Usage{Requests: 1})
			report.Usage.Requests++
			if err != nil {
				// Stays flagged, retried next cycle.
				p.logger.Printf("recheck of comment %s on %s failed: %v", ev.RemoteID, issue.RemoteID, err)
				clean = false
				continue
			}

			editedAt := rec.CreatedAt
			if rec.EditedAt != nil {
				editedAt = *rec.EditedAt
			}
			if err := p.store.UpdateCommentBody(ctx, p.projectID, issue.RemoteID, ev.RemoteID, rec.Body, editedAt); err != nil {
				return err
			}
			report.CommentsFixed++
			p.markTouched(issue.RemoteID)
		}

		if clean {
			if err := p.store.MarkCommentsFetched(ctx, p.projectID, issue.RemoteID); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyToGraph projects every issue touched this pass onto the canonical
// graph: resolve the issue node, upsert its timeline items in creation order,
// and bump the aggregate update time. Application is idempotent; failures on
// one issue are logged and skipped.
func (p *Pipeline) applyToGraph(ctx context.Context, report *Report) error {
	p.mu.Lock()
	pending := make([]string, 0, len(p.touched))
	for issueID := range p.touched {
		pending = append(pending, issueID)
	}
	p.mu.Unlock()

	for _, issueID := range pending {
		if err := p.applyIssue(ctx, issueID); err != nil {
			p.logger.Printf("skipping graph application of issue %s: %v", issueID, err)
			continue
		}
		report.IssuesApplied++
	}
	return nil
}

func (p *Pipeline) applyIssue(ctx context.Context, issueRemoteID string) error {
	staged, err := p.store.GetIssue(ctx, p.projectID, issueRemoteID)
	if err != nil {
		return err
	}

	issue, err := p.resolver.EnsureIssue(ctx, p.scope, p.projectID, staging.IssueSnapshot{
		RemoteID:    staged.RemoteID,
		Title:       staged.Title,
		Description: staged.Description,
		State:       staged.State,
		LastUpdate:  staged.LastUpdate,
	})
	if err != nil {
		return err
	}

	events, err := p.store.LoadTimeline(ctx, p.projectID, issueRemoteID)
	if err != nil {
		return err
	}

	var newest time.Time
	for _, ev := range events {
		if err := p.applyEvent(ctx, issue.ID, ev); err != nil {
			p.logger.Printf("skipping event %s on issue %s: %v", ev.RemoteID, issueRemoteID, err)
			continue
		}
		if ev.CreatedAt.After(newest) {
			newest = ev.CreatedAt
		}
		if ev.EditedAt != nil && ev.EditedAt.After(newest) {
			newest = *ev.EditedAt
		}
	}

	if !newest.IsZero() {
		return p.graph.BumpIssueUpdated(ctx, issue.ID, newest)
	}
	return nil
}

func (p *Pipeline) applyEvent(ctx context.Context, issueNodeID string, ev staging.TimelineEvent) error {
	rec, err := p.resolver.Ledger().Record(ctx, identity.Record{
		Scope: p.scope, Kind: identity.KindTimelineItem,
		RemoteID: ev.RemoteID, InternalID: graph.NewID(),
	})
	if err != nil {
		return err
	}

	item := &graph.TimelineItem{
		ID:        rec.InternalID,
		IssueID:   issueNodeID,
		Kind:      graph.ItemKind(ev.Kind),
		CreatedAt: ev.CreatedAt,
		Body:      ev.Body,
		State:     string(ev.State),
		Title:     ev.Title,
	}
	if ev.EditedAt != nil {
		t := *ev.EditedAt
		item.LastEditedAt = &t
	}
	if ev.Actor != "" {
		item.ActorID = p.internalID(ctx, identity.KindUser, ev.Actor)
	}
	if ev.Label != "" {
		item.LabelID = p.internalID(ctx, identity.KindLabel, ev.Label)
	}
	if ev.Assignee != "" {
		item.AssigneeID = p.internalID(ctx, identity.KindUser, ev.Assignee)
	}

	return p.graph.UpsertTimelineItem(ctx, item)
}

// internalID resolves a remote id to its internal node id, or empty when no
// correlation exists yet. Missing references degrade to unattributed items
// rather than failing the event.
func (p *Pipeline) internalID(ctx context.Context, kind identity.Kind, remoteID string) string {
	rec, err := p.resolver.Ledger().Lookup(ctx, p.scope, kind, remoteID)
	if err != nil {
		if !errors.Is(err, identity.ErrNoRecord) {
			p.logger.Printf("correlation lookup %s/%s failed: %v", kind, remoteID, err)
		}
		return ""
	}
	return rec.InternalID
}

// RecordEcho stages a timeline record the outgoing pipeline just created on
// the remote and binds it to the local item that produced it. The staged copy
// keeps the mirror consistent without waiting for the next discovery walk.
func (p *Pipeline) RecordEcho(ctx context.Context, issueRemoteID, localItemID string, rec remote.TimelineRecord) error {
	// The correlation comes first: it is what makes the next cycle see the
	// mutation as already synced. The staged copy is best effort.
	if _, err := p.resolver.Ledger().Record(ctx, identity.Record{
		Scope: p.scope, Kind: identity.KindTimelineItem,
		RemoteID: rec.ID, InternalID: localItemID,
		LastSynced: time.Now(),
	}); err != nil {
		return err
	}

	ev, err := p.classify(ctx, rec)
	if err != nil {
		return err
	}
	if err := p.store.AppendTimelineEvent(ctx, p.projectID, issueRemoteID, ev); err != nil {
		if !errors.Is(err, staging.ErrDuplicateEvent) {
			p.logger.Printf("staging echo of %s on %s failed: %v", rec.ID, issueRemoteID, err)
		}
	}
	p.markTouched(issueRemoteID)
	return nil
}

func (p *Pipeline) markTouched(issueRemoteID string) {
	p.mu.Lock()
	p.touched[issueRemoteID] = true
	p.mu.Unlock()
}

func (p *Pipeline) foldWalk(report *Report, wr walker.Report) {
	report.Usage = report.Usage.Add(wr.Usage)
	if wr.RateLimited {
		report.RateLimited = true
	}
	if wr.Remaining >= 0 {
		if obs, ok := p.budget.(remainingObserver); ok {
			obs.ObserveRemaining(wr.Remaining)
		}
	}
}
