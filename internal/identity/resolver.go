package identity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/calder-io/imsync/internal/graph"
	"github.com/calder-io/imsync/internal/staging"
)

// RemoteUser is the remote-side identity of a user.
type RemoteUser struct {
	ID          string
	Username    string
	DisplayName string
	UpdatedAt   time.Time
}

// RemoteLabel is the remote-side identity of a label.
type RemoteLabel struct {
	ID        string
	Name      string
	Color     string
	UpdatedAt time.Time
}

// Resolver performs idempotent create-or-resolve between remote identities
// and internal graph nodes.
//
// The ledger write comes before node creation: whichever caller lands the
// correlation row owns the internal id, and everyone else converges to it.
// If a crash leaves a ledger row without its node, the next resolve repairs
// the node under the recorded id.
type Resolver struct {
	ledger *Ledger
	graph  *graph.Store
	logger *log.Logger
}

// NewResolver creates a resolver. If logger is nil, a default logger writing
// to stderr is used.
func NewResolver(ledger *Ledger, g *graph.Store, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.New(os.Stderr, "[identity] ", log.LstdFlags)
	}
	return &Resolver{ledger: ledger, graph: g, logger: logger}
}

// EnsureUser resolves a remote user to its internal node, creating it on
// first sight. Mutable fields follow last-writer-wins keyed by the remote
// modification time.
func (r *Resolver) EnsureUser(ctx context.Context, scope string, remote RemoteUser) (*graph.User, error) {
	if remote.ID == "" {
		return nil, fmt.Errorf("remote user id is required")
	}

	rec, err := r.ledger.Record(ctx, Record{
		Scope: scope, Kind: KindUser, RemoteID: remote.ID, InternalID: graph.NewID(),
	})
	if err != nil {
		return nil, err
	}

	user, err := r.graph.GetUser(ctx, rec.InternalID)
	switch {
	case errors.Is(err, graph.ErrNotFound):
		user = &graph.User{
			ID:          rec.InternalID,
			Username:    remote.Username,
			DisplayName: remote.DisplayName,
			UpdatedAt:   remote.UpdatedAt,
		}
	case err != nil:
		return nil, err
	default:
		if !remote.UpdatedAt.After(user.UpdatedAt) {
			return user, nil
		}
		user.Username = remote.Username
		user.DisplayName = remote.DisplayName
		user.UpdatedAt = remote.UpdatedAt
	}

	if err := r.graph.UpsertUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to persist user node for %s: %w", remote.ID, err)
	}
	return user, nil
}

// EnsureLabel resolves a remote label to its internal node, creating it on
// first sight, with last-writer-wins field updates.
func (r *Resolver) EnsureLabel(ctx context.Context, scope string, remote RemoteLabel) (*graph.Label, error) {
	if remote.ID == "" {
		return nil, fmt.Errorf("remote label id is required")
	}

	rec, err := r.ledger.Record(ctx, Record{
		Scope: scope, Kind: KindLabel, RemoteID: remote.ID, InternalID: graph.NewID(),
	})
	if err != nil {
		return nil, err
	}

	label, err := r.graph.GetLabel(ctx, rec.InternalID)
	switch {
	case errors.Is(err, graph.ErrNotFound):
		label = &graph.Label{
			ID:        rec.InternalID,
			Name:      remote.Name,
			Color:     remote.Color,
			UpdatedAt: remote.UpdatedAt,
		}
	case err != nil:
		return nil, err
	default:
		if !remote.UpdatedAt.After(label.UpdatedAt) {
			return label, nil
		}
		label.Name = remote.Name
		label.Color = remote.Color
		label.UpdatedAt = remote.UpdatedAt
	}

	if err := r.graph.UpsertLabel(ctx, label); err != nil {
		return nil, fmt.Errorf("failed to persist label node for %s: %w", remote.ID, err)
	}
	return label, nil
}

// EnsureIssue resolves a remote issue snapshot to its internal node, creating
// it on first sight. Title, body, and state follow last-writer-wins keyed by
// the snapshot's LastUpdate; the aggregate last-updated time never decreases.
func (r *Resolver) EnsureIssue(ctx context.Context, scope, projectID string, snap staging.IssueSnapshot) (*graph.Issue, error) {
	if snap.RemoteID == "" {
		return nil, fmt.Errorf("remote issue id is required")
	}

	rec, err := r.ledger.Record(ctx, Record{
		Scope: scope, Kind: KindIssue, RemoteID: snap.RemoteID, InternalID: graph.NewID(),
	})
	if err != nil {
		return nil, err
	}

	issue, err := r.graph.GetIssue(ctx, rec.InternalID)
	switch {
	case errors.Is(err, graph.ErrNotFound):
		issue = &graph.Issue{
			ID:            rec.InternalID,
			ProjectID:     projectID,
			Title:         snap.Title,
			Body:          snap.Description,
			State:         string(snap.State),
			CreatedAt:     snap.LastUpdate,
			LastUpdatedAt: snap.LastUpdate,
		}
	case err != nil:
		return nil, err
	default:
		if !snap.LastUpdate.After(issue.LastUpdatedAt) {
			return issue, nil
		}
		issue.Title = snap.Title
		issue.Body = snap.Description
		issue.State = string(snap.State)
		issue.LastUpdatedAt = snap.LastUpdate
	}

	if err := r.graph.UpsertIssue(ctx, issue); err != nil {
		return nil, fmt.Errorf("failed to persist issue node for %s: %w", snap.RemoteID, err)
	}
	return issue, nil
}

// Ledger exposes the underlying correlation ledger for callers that need raw
// lookups (the outgoing pipeline, status reporting).
func (r *Resolver) Ledger() *Ledger {
	return r.ledger
}
