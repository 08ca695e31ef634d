// Package outgoing scans local graph changes and reconciles them against
// already-synced history to compute the minimal set of upstream mutations.
//
// The pass runs in two phases: plan everything from local state only, then
// execute. Planning is free of remote calls, so the mutation ceiling can
// refuse a runaway plan before a single request is spent.
package outgoing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/calder-io/imsync/internal/budget"
	"github.com/calder-io/imsync/internal/graph"
	"github.com/calder-io/imsync/internal/identity"
	"github.com/calder-io/imsync/internal/notify"
	"github.com/calder-io/imsync/internal/remote"
	"github.com/calder-io/imsync/internal/staging"
	"github.com/calder-io/imsync/internal/tokens"
)

// Policy constants for the should-sync default-state rule. An outcome that
// merely restores a resource's birth state is not pushed when nothing was
// ever pushed in the other direction. Issues are born open, so a reopen with
// no pushed close behind it is a no-op upstream. Label removal does not get
// the same treatment; a locally removed never-pushed label still pushes.
const (
	reopenRestoresDefaultState       = true
	labelRemovalRestoresDefaultState = false
)

// issueParallelism bounds how many issues reconcile concurrently. Mutations
// within one issue always run sequentially.
const issueParallelism = 4

// Echo receives the remote timeline record a successful mutation produced,
// correlating it to the local item immediately so the next cycle sees the
// change as already synced.
type Echo interface {
	RecordEcho(ctx context.Context, issueRemoteID, localItemID string, rec remote.TimelineRecord) error
}

// Report summarizes one outgoing pass.
type Report struct {
	Usage          budget.Usage
	IssuesScanned  int
	IssuesCreated  int
	Mutations      int
	Planned        int
	CeilingTripped bool
	BudgetExceeded bool
}

// Reconciler drives the outgoing pass for one project.
type Reconciler struct {
	store     *staging.Store
	graph     *graph.Store
	ledger    *identity.Ledger
	connector remote.Connector
	tokens    tokens.Provider
	budget    budget.Budget
	sink      notify.Sink
	echo      Echo

	scope        string
	projectID    string
	maxMutations int // planned-mutation ceiling per pass, 0 means no ceiling
	logger       *log.Logger
}

// Config wires a reconciler for one project.
type Config struct {
	Store        *staging.Store
	Graph        *graph.Store
	Ledger       *identity.Ledger
	Connector    remote.Connector
	Tokens       tokens.Provider
	Budget       budget.Budget
	Sink         notify.Sink
	Echo         Echo
	Scope        string
	ProjectID    string
	MaxMutations int
	Logger       *log.Logger
}

// New creates an outgoing reconciler. A nil logger gets a stderr default, a
// nil sink gets a logging sink.
func New(cfg Config) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[outgoing] ", log.LstdFlags)
	}
	sink := cfg.Sink
	if sink == nil {
		sink = notify.NewLogSink(logger)
	}
	return &Reconciler{
		store:        cfg.Store,
		graph:        cfg.Graph,
		ledger:       cfg.Ledger,
		connector:    cfg.Connector,
		tokens:       cfg.Tokens,
		budget:       cfg.Budget,
		sink:         sink,
		echo:         cfg.Echo,
		scope:        cfg.Scope,
		projectID:    cfg.ProjectID,
		maxMutations: cfg.MaxMutations,
		logger:       logger,
	}
}

// mutationOp names one planned upstream action.
type mutationOp string

const (
	opCreateIssue mutationOp = "create-issue"
	opClose       mutationOp = "close"
	opReopen      mutationOp = "reopen"
	opAddLabel    mutationOp = "add-label"
	opRemoveLabel mutationOp = "remove-label"
	opCreateLabel mutationOp = "create-label"
	opPostComment mutationOp = "post-comment"
	opRename      mutationOp = "rename"
)

type plannedMutation struct {
	op   mutationOp
	item *graph.TimelineItem // local item behind the action, nil for create-issue/create-label

	labelNodeID string // add/remove/create label
	title       string // rename
	body        string // post-comment
}

type issuePlan struct {
	issue    *graph.Issue
	remoteID string // empty when the issue is new upstream
	create   bool
	actions  []plannedMutation
}

// Run executes one outgoing pass: scan, plan, ceiling check, execute.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	var report Report

	candidates, err := r.scan(ctx)
	if err != nil {
		return report, err
	}
	report.IssuesScanned = len(candidates)

	var plans []*issuePlan
	for _, issue := range candidates {
		plan, err := r.planIssue(ctx, issue)
		if err != nil {
			r.logger.Printf("skipping plan for issue %s: %v", issue.ID, err)
			continue
		}
		if plan != nil {
			plans = append(plans, plan)
		}
	}

	for _, plan := range plans {
		report.Planned += len(plan.actions)
		if plan.create {
			report.Planned++
		}
	}

	if r.maxMutations > 0 && report.Planned > r.maxMutations {
		report.CeilingTripped = true
		r.sink.Notify(&notify.Error{
			Code:    notify.CodeMutationCeiling,
			Project: r.projectID,
			IMS:     r.scope,
			Message: fmt.Sprintf("planned %d mutations, ceiling is %d; outgoing pass aborted", report.Planned, r.maxMutations),
		})
		return report, nil
	}

	r.execute(ctx, plans, &report)
	return report, nil
}

// scan collects the issues needing outgoing work: staged issues holding
// unsynced data, graph issues never pushed upstream, and issues whose
// correlation fell behind the graph's last update.
func (r *Reconciler) scan(ctx context.Context) ([]*graph.Issue, error) {
	seen := make(map[string]bool)
	var out []*graph.Issue

	staged, err := r.store.IssuesWithUnsyncedData(ctx, r.projectID)
	if err != nil {
		return nil, err
	}
	for _, si := range staged {
		rec, err := r.ledger.Lookup(ctx, r.scope, identity.KindIssue, si.RemoteID)
		if errors.Is(err, identity.ErrNoRecord) {
			// Staged but never projected; the incoming pipeline will catch up.
			continue
		}
		if err != nil {
			return nil, err
		}
		if seen[rec.InternalID] {
			continue
		}
		issue, err := r.graph.GetIssue(ctx, rec.InternalID)
		if err != nil {
			r.logger.Printf("staged issue %s has no graph node: %v", si.RemoteID, err)
			continue
		}
		seen[issue.ID] = true
		out = append(out, issue)
	}

	issues, err := r.graph.ListIssues(ctx, r.projectID)
	if err != nil {
		return nil, err
	}
	for _, issue := range issues {
		if seen[issue.ID] {
			continue
		}
		rec, err := r.ledger.LookupByInternal(ctx, r.scope, identity.KindIssue, issue.ID)
		switch {
		case errors.Is(err, identity.ErrNoRecord):
			seen[issue.ID] = true
			out = append(out, issue)
		case err != nil:
			return nil, err
		case rec.LastSynced.Before(issue.LastUpdatedAt):
			seen[issue.ID] = true
			out = append(out, issue)
		}
	}
	return out, nil
}

// planIssue computes the minimal action list for one issue from local state
// only. Returns nil when nothing needs pushing.
func (r *Reconciler) planIssue(ctx context.Context, issue *graph.Issue) (*issuePlan, error) {
	plan := &issuePlan{issue: issue}

	rec, err := r.ledger.LookupByInternal(ctx, r.scope, identity.KindIssue, issue.ID)
	if errors.Is(err, identity.ErrNoRecord) {
		// New upstream: create first, defer delta computation to the next
		// cycle so the created issue's own timeline settles.
		plan.create = true
		return plan, nil
	}
	if err != nil {
		return nil, err
	}
	plan.remoteID = rec.RemoteID

	items, err := r.graph.Timeline(ctx, issue.ID)
	if err != nil {
		return nil, err
	}

	synced := make(map[string]bool, len(items))
	for _, item := range items {
		ok, err := r.ledger.HasInternal(ctx, r.scope, identity.KindTimelineItem, item.ID)
		if err != nil {
			return nil, err
		}
		synced[item.ID] = ok
	}

	var stateGroup, titleGroup []*graph.TimelineItem
	labelGroups := make(map[string][]*graph.TimelineItem)
	var labelOrder []string

	for _, item := range items {
		switch item.Kind {
		case graph.ItemStateChanged:
			stateGroup = append(stateGroup, item)
		case graph.ItemLabelAdded, graph.ItemLabelRemoved:
			if _, ok := labelGroups[item.LabelID]; !ok {
				labelOrder = append(labelOrder, item.LabelID)
			}
			labelGroups[item.LabelID] = append(labelGroups[item.LabelID], item)
		case graph.ItemTitleRenamed:
			titleGroup = append(titleGroup, item)
		case graph.ItemComment:
			if !synced[item.ID] {
				plan.actions = append(plan.actions, plannedMutation{
					op: opPostComment, item: item, body: item.Body,
				})
			}
		}
	}

	if action := r.planStateGroup(stateGroup, synced); action != nil {
		plan.actions = append(plan.actions, *action)
	}
	for _, labelID := range labelOrder {
		actions, err := r.planLabelGroup(ctx, labelID, labelGroups[labelID], synced)
		if err != nil {
			return nil, err
		}
		plan.actions = append(plan.actions, actions...)
	}
	if action := r.planTitleGroup(titleGroup, synced); action != nil {
		plan.actions = append(plan.actions, *action)
	}

	if len(plan.actions) == 0 {
		// Nothing to push; still converge the bookkeeping so the issue drops
		// out of the next scan.
		if err := r.settleIssue(ctx, plan.remoteID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return plan, nil
}

// finalBlock returns the maximal trailing run of items sharing the outcome of
// the group's last item.
func finalBlock(group []*graph.TimelineItem, outcome func(*graph.TimelineItem) string) []*graph.TimelineItem {
	if len(group) == 0 {
		return nil
	}
	last := outcome(group[len(group)-1])
	start := len(group) - 1
	for start > 0 && outcome(group[start-1]) == last {
		start--
	}
	return group[start:]
}

// shouldSync decides whether a group whose final block is entirely unsynced
// needs a push. The decision looks at the last already-pushed event in the
// group: a pushed opposite outcome means the remote is behind and gets the
// push; a pushed same outcome means the remote already reflects it. With no
// pushed history at all, the push happens unless the outcome just restores
// the resource's default state.
func shouldSync(group []*graph.TimelineItem, synced map[string]bool,
	outcome func(*graph.TimelineItem) string, restoresDefault bool) bool {
	final := outcome(group[len(group)-1])
	for i := len(group) - 1; i >= 0; i-- {
		if !synced[group[i].ID] {
			continue
		}
		return outcome(group[i]) != final
	}
	return !restoresDefault
}

// groupNeedsPush applies the final-block skip rule and the should-sync
// decision to one group.
func groupNeedsPush(group []*graph.TimelineItem, synced map[string]bool,
	outcome func(*graph.TimelineItem) string, restoresDefault bool) bool {
	if len(group) == 0 {
		return false
	}
	for _, item := range finalBlock(group, outcome) {
		if synced[item.ID] {
			// The net outcome was already pushed; flapping before it is
			// history, not work.
			return false
		}
	}
	return shouldSync(group, synced, outcome, restoresDefault)
}

func (r *Reconciler) planStateGroup(group []*graph.TimelineItem, synced map[string]bool) *plannedMutation {
	outcome := func(it *graph.TimelineItem) string { return it.State }
	if len(group) == 0 {
		return nil
	}
	last := group[len(group)-1]
	restoresDefault := last.State == "open" && reopenRestoresDefaultState
	if !groupNeedsPush(group, synced, outcome, restoresDefault) {
		return nil
	}
	op := opClose
	if last.State == "open" {
		op = opReopen
	}
	return &plannedMutation{op: op, item: last}
}

func (r *Reconciler) planLabelGroup(ctx context.Context, labelNodeID string,
	group []*graph.TimelineItem, synced map[string]bool) ([]plannedMutation, error) {
	outcome := func(it *graph.TimelineItem) string { return string(it.Kind) }
	last := group[len(group)-1]
	restoresDefault := last.Kind == graph.ItemLabelRemoved && labelRemovalRestoresDefaultState
	if !groupNeedsPush(group, synced, outcome, restoresDefault) {
		return nil, nil
	}

	var actions []plannedMutation
	_, err := r.ledger.LookupByInternal(ctx, r.scope, identity.KindLabel, labelNodeID)
	if errors.Is(err, identity.ErrNoRecord) {
		actions = append(actions, plannedMutation{op: opCreateLabel, labelNodeID: labelNodeID})
	} else if err != nil {
		return nil, err
	}

	op := opAddLabel
	if last.Kind == graph.ItemLabelRemoved {
		op = opRemoveLabel
	}
	return append(actions, plannedMutation{op: op, item: last, labelNodeID: labelNodeID}), nil
}

func (r *Reconciler) planTitleGroup(group []*graph.TimelineItem, synced map[string]bool) *plannedMutation {
	outcome := func(it *graph.TimelineItem) string { return it.Title }
	if len(group) == 0 {
		return nil
	}
	if !groupNeedsPush(group, synced, outcome, false) {
		return nil
	}
	last := group[len(group)-1]
	return &plannedMutation{op: opRename, item: last, title: last.Title}
}

// execute runs the plans, issues in parallel and mutations within one issue
// strictly in order.
func (r *Reconciler) execute(ctx context.Context, plans []*issuePlan, report *Report) {
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(issueParallelism)

	for _, plan := range plans {
		plan := plan
		g.Go(func() error {
			ir := r.executeIssue(ctx, plan)
			mu.Lock()
			report.Usage = report.Usage.Add(ir.Usage)
			report.Mutations += ir.Mutations
			report.IssuesCreated += ir.IssuesCreated
			if ir.BudgetExceeded {
				report.BudgetExceeded = true
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Reconciler) executeIssue(ctx context.Context, plan *issuePlan) Report {
	var report Report

	if plan.create {
		// Only creation requires the service credential. Everything else
		// resolves its own token per acting user below.
		token, err := r.tokens.Service(ctx, r.projectID)
		if err != nil {
			r.sink.Notify(&notify.Error{
				Code:    notify.CodeNoToken,
				Project: r.projectID,
				IMS:     r.scope,
				Message: "no service token configured",
				Err:     err,
			})
			return report
		}
		r.createIssue(ctx, plan.issue, token, &report)
		return report
	}

	for _, action := range plan.actions {
		if !r.budget.MayExecute(budget.Estimate{Mutations: 1}) {
			report.BudgetExceeded = true
			return report
		}
		tracker, err := r.trackerFor(ctx, action.item)
		if err != nil {
			r.sink.Notify(&notify.Error{
				Code:    notify.CodeNoToken,
				Project: r.projectID,
				IMS:     r.scope,
				Message: fmt.Sprintf("no token for mutation on issue %s", plan.remoteID),
				Err:     err,
			})
			return report
		}
		if err := r.executeMutation(ctx, tracker, plan, action, &report); err != nil {
			if errors.Is(err, remote.ErrRateLimited) {
				r.logger.Printf("issue %s: rate limited, deferring remaining mutations", plan.remoteID)
			} else {
				r.logger.Printf("issue %s: mutation %s failed: %v", plan.remoteID, action.op, err)
			}
			return report
		}
	}

	if err := r.settleIssue(ctx, plan.remoteID); err != nil {
		r.logger.Printf("issue %s: settle failed: %v", plan.remoteID, err)
	}
	return report
}

// trackerFor binds a tracker to the acting user's credential, falling back to
// the service account. Token maps are keyed by remote user id, so the actor's
// internal node id is resolved back through the ledger first.
func (r *Reconciler) trackerFor(ctx context.Context, item *graph.TimelineItem) (remote.Tracker, error) {
	actor := ""
	if item != nil && item.ActorID != "" {
		rec, err := r.ledger.LookupByInternal(ctx, r.scope, identity.KindUser, item.ActorID)
		if err == nil {
			actor = rec.RemoteID
		} else if !errors.Is(err, identity.ErrNoRecord) {
			return nil, err
		}
	}
	token, err := r.tokens.ForUser(ctx, r.projectID, actor)
	if err != nil {
		return nil, err
	}
	return r.connector.Tracker(token), nil
}

func (r *Reconciler) createIssue(ctx context.Context, issue *graph.Issue, token string, report *Report) {
	if !r.budget.MayExecute(budget.Estimate{Mutations: 1}) {
		report.BudgetExceeded = true
		return
	}
	tracker := r.connector.Tracker(token)

	rec, err := tracker.CreateIssue(ctx, issue.Title, issue.Body)
	r.budget.Integrate(budget.Usage{Mutations: 1})
	report.Usage.Mutations++
	if err != nil {
		r.logger.Printf("creating issue %q upstream failed: %v", issue.Title, err)
		return
	}
	report.Mutations++
	report.IssuesCreated++

	if _, err := r.ledger.Record(ctx, identity.Record{
		Scope: r.scope, Kind: identity.KindIssue,
		RemoteID: rec.ID, InternalID: issue.ID,
		LastSynced: time.Now(),
	}); err != nil {
		r.logger.Printf("correlating created issue %s failed: %v", rec.ID, err)
		return
	}
	// Mirror the freshly created remote issue so the staging view stays
	// consistent without waiting for the next discovery walk.
	if err := r.store.UpsertIssue(ctx, r.projectID, staging.IssueSnapshot{
		RemoteID:    rec.ID,
		Title:       rec.Title,
		Description: rec.Body,
		State:       staging.IssueState(rec.State),
		LastUpdate:  rec.UpdatedAt,
	}); err != nil {
		r.logger.Printf("staging created issue %s failed: %v", rec.ID, err)
	}
}

func (r *Reconciler) executeMutation(ctx context.Context, tracker remote.Tracker,
	plan *issuePlan, action plannedMutation, report *Report) error {
	var (
		rec *remote.TimelineRecord
		err error
	)

	switch action.op {
	case opCreateLabel:
		label, lerr := r.graph.GetLabel(ctx, action.labelNodeID)
		if lerr != nil {
			return lerr
		}
		ref, lerr := tracker.CreateLabel(ctx, label.Name, label.Color)
		r.budget.Integrate(budget.Usage{Mutations: 1})
		report.Usage.Mutations++
		if lerr != nil {
			return lerr
		}
		report.Mutations++
		_, lerr = r.ledger.Record(ctx, identity.Record{
			Scope: r.scope, Kind: identity.KindLabel,
			RemoteID: ref.ID, InternalID: label.ID,
			LastSynced: time.Now(),
		})
		return lerr

	case opAddLabel, opRemoveLabel:
		labelRec, lerr := r.ledger.LookupByInternal(ctx, r.scope, identity.KindLabel, action.labelNodeID)
		if lerr != nil {
			return lerr
		}
		if action.op == opAddLabel {
			rec, err = tracker.AddLabel(ctx, plan.remoteID, labelRec.RemoteID)
		} else {
			rec, err = tracker.RemoveLabel(ctx, plan.remoteID, labelRec.RemoteID)
		}

	case opPostComment:
		rec, err = tracker.PostComment(ctx, plan.remoteID, action.body)

	case opClose:
		rec, err = tracker.CloseIssue(ctx, plan.remoteID)

	case opReopen:
		rec, err = tracker.ReopenIssue(ctx, plan.remoteID)

	case opRename:
		rec, err = tracker.RenameIssue(ctx, plan.remoteID, action.title)

	default:
		return fmt.Errorf("unknown mutation op %q", action.op)
	}

	r.budget.Integrate(budget.Usage{Mutations: 1})
	report.Usage.Mutations++
	if err != nil {
		return err
	}
	report.Mutations++

	if r.echo != nil && rec != nil && action.item != nil {
		if err := r.echo.RecordEcho(ctx, plan.remoteID, action.item.ID, *rec); err != nil {
			r.logger.Printf("echo of %s on issue %s failed: %v", rec.ID, plan.remoteID, err)
		}
	}
	return nil
}

// settleIssue clears the unsynced flag and advances the correlation's
// last-synced time after a clean pass over the issue.
func (r *Reconciler) settleIssue(ctx context.Context, issueRemoteID string) error {
	if err := r.store.MarkSynced(ctx, r.projectID, issueRemoteID); err != nil &&
		!errors.Is(err, staging.ErrIssueNotFound) {
		return err
	}
	return r.ledger.Touch(ctx, r.scope, identity.KindIssue, issueRemoteID, time.Now())
}
