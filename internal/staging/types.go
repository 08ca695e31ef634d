// Package staging provides the local mirror of remote issue and timeline
// state, decoupled from the canonical domain graph.
//
// Staged issues are created on first observation of a remote issue and are
// never deleted. The timeline is append-only and unique by remote event id;
// a duplicate insert signals corrupted staging state and is rejected hard.
package staging

import (
	"fmt"
	"time"
)

// TimeFormat is the canonical timestamp encoding for staging rows.
// Fixed-width nanoseconds in UTC so lexical order matches chronological order.
const TimeFormat = "2006-01-02T15:04:05.000000000Z"

// EventKind tags a timeline event variant. Dispatch is by tag, never by
// runtime type inspection.
type EventKind string

const (
	// EventComment is a comment on the issue. The body and edit time are the
	// only mutable fields in the timeline (last-writer-wins by edit time).
	EventComment EventKind = "comment"
	// EventStateChanged records the issue being opened or closed.
	EventStateChanged EventKind = "state_changed"
	// EventLabelAdded records a label being added to the issue.
	EventLabelAdded EventKind = "label_added"
	// EventLabelRemoved records a label being removed from the issue.
	EventLabelRemoved EventKind = "label_removed"
	// EventTitleRenamed records a title change.
	EventTitleRenamed EventKind = "title_renamed"
	// EventAssigned records a user being assigned.
	EventAssigned EventKind = "assigned"
	// EventUnassigned records a user being unassigned.
	EventUnassigned EventKind = "unassigned"
	// EventUnknown is the placeholder for remote event kinds this engine does
	// not model. Keeping them in the timeline lets cursors advance past them.
	EventUnknown EventKind = "unknown"
)

// IssueState is the open/closed state of an issue.
type IssueState string

const (
	StateOpen   IssueState = "open"
	StateClosed IssueState = "closed"
)

// TimelineEvent is one staged remote timeline entry.
//
// Events are immutable once staged, except a comment's body and edit time.
// Exactly one payload field group is meaningful per Kind.
type TimelineEvent struct {
	RemoteID  string
	Kind      EventKind
	CreatedAt time.Time
	Actor     string // remote user id; empty when the remote side reports none

	// Comment payload.
	Body         string
	EditedAt     *time.Time
	NeedsRecheck bool

	// StateChanged payload.
	State IssueState

	// Label payload (added/removed).
	Label string

	// TitleRenamed payload.
	Title string

	// Assigned/Unassigned payload.
	Assignee string
}

// Validate checks structural invariants before an event is staged.
func (e *TimelineEvent) Validate() error {
	if e.RemoteID == "" {
		return fmt.Errorf("remote id is required")
	}
	if e.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	switch e.Kind {
	case EventStateChanged:
		if e.State != StateOpen && e.State != StateClosed {
			return fmt.Errorf("state_changed event needs state open or closed (got %q)", e.State)
		}
	case EventLabelAdded, EventLabelRemoved:
		if e.Label == "" {
			return fmt.Errorf("label event needs a label")
		}
	case EventTitleRenamed:
		if e.Title == "" {
			return fmt.Errorf("title_renamed event needs a title")
		}
	}
	return nil
}

// IssueSnapshot is the remote-side view of one issue as returned by an
// issue-list page. It carries no timeline; that is fetched separately.
type IssueSnapshot struct {
	RemoteID    string
	Title       string
	Description string
	State       IssueState
	LastUpdate  time.Time
}

// StagedIssue mirrors one remote issue.
//
// LastUpdate is monotonically non-decreasing across upserts. The fetch flags
// drive the incoming pipeline; HasUnsynced drives the outgoing scan.
type StagedIssue struct {
	ProjectID   string
	RemoteID    string
	Title       string
	Description string
	State       IssueState
	LastUpdate  time.Time
	CreatedAt   time.Time

	NeedsTimelineFetch bool
	NeedsCommentFetch  bool
	HasUnsynced        bool
}

// WalkerState is a persisted pagination cursor plus "since" watermark for one
// (project, resource) pair, so an interrupted walk resumes where it stopped.
type WalkerState struct {
	ProjectID string
	Resource  string
	Cursor    string
	Since     time.Time
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(TimeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
