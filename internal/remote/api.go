// Package remote defines the issue-tracker API collaborator and its
// HTTP implementation.
//
// Pages carry their continuation cursor and a rate-limited marker so walkers
// can distinguish "stop and resume next cycle" from an actual error.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited is returned by mutations refused by the remote rate
// limiter. Query paths report rate limiting through the page marker instead.
var ErrRateLimited = errors.New("remote rate limited")

// UserRef is a remote user reference attached to issues and events.
type UserRef struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
}

// LabelRef is a remote label reference.
type LabelRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// IssueRecord is one remote issue as returned by an issue-list page.
type IssueRecord struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	State     string    `json:"state"` // open, closed
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Author    *UserRef  `json:"author,omitempty"`
}

// Timeline record kinds as reported by the remote API. Kinds outside this
// set are staged as unknown placeholders.
const (
	KindCommented  = "commented"
	KindClosed     = "closed"
	KindReopened   = "reopened"
	KindLabeled    = "labeled"
	KindUnlabeled  = "unlabeled"
	KindRenamed    = "renamed"
	KindAssigned   = "assigned"
	KindUnassigned = "unassigned"
)

// TimelineRecord is one remote timeline entry of an issue.
type TimelineRecord struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"createdAt"`
	Actor     *UserRef  `json:"actor,omitempty"`

	Body     string     `json:"body,omitempty"`     // commented
	EditedAt *time.Time `json:"editedAt,omitempty"` // commented
	Label    *LabelRef  `json:"label,omitempty"`    // labeled / unlabeled
	Title    string     `json:"title,omitempty"`    // renamed
	Assignee *UserRef   `json:"assignee,omitempty"` // assigned / unassigned
}

// IssuePage is one page of the issues-since query.
type IssuePage struct {
	Issues     []IssueRecord `json:"issues"`
	NextCursor string        `json:"nextCursor,omitempty"`

	// RateLimited marks a soft stop: the remote refused further work for
	// now. Not an error; the walker persists its cursor and yields.
	RateLimited bool `json:"-"`

	// Remaining is the remote's reported remaining quota, -1 when unknown.
	Remaining int `json:"-"`
}

// TimelinePage is one page of a single issue's timeline query.
type TimelinePage struct {
	Events      []TimelineRecord `json:"events"`
	NextCursor  string           `json:"nextCursor,omitempty"`
	RateLimited bool             `json:"-"`
	Remaining   int              `json:"-"`
}

// Tracker is the remote issue-tracker API for one repository.
//
// Queries return pages; mutations return the remote timeline record they
// produced so the caller can correlate it immediately.
type Tracker interface {
	Issues(ctx context.Context, cursor string, since time.Time) (*IssuePage, error)
	Timeline(ctx context.Context, issueID, cursor string, since time.Time) (*TimelinePage, error)
	Comment(ctx context.Context, issueID, commentID string) (*TimelineRecord, error)

	CreateIssue(ctx context.Context, title, body string) (*IssueRecord, error)
	CreateLabel(ctx context.Context, name, color string) (*LabelRef, error)
	AddLabel(ctx context.Context, issueID, labelID string) (*TimelineRecord, error)
	RemoveLabel(ctx context.Context, issueID, labelID string) (*TimelineRecord, error)
	PostComment(ctx context.Context, issueID, body string) (*TimelineRecord, error)
	CloseIssue(ctx context.Context, issueID string) (*TimelineRecord, error)
	ReopenIssue(ctx context.Context, issueID string) (*TimelineRecord, error)
	RenameIssue(ctx context.Context, issueID, title string) (*TimelineRecord, error)
}

// Connector hands out trackers bound to a credential. Mutations run under
// the acting user's token when one exists, so the connector is consulted
// per unit of work rather than once per cycle.
type Connector interface {
	Tracker(token string) Tracker
}

// HTTPError is a non-2xx response from the remote API.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remote http %d: %s", e.StatusCode, e.Message)
}
