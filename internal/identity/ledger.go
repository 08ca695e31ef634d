// Package identity maps remote identities to internal graph nodes.
//
// The correlation ledger is the single point of truth for "has this remote
// entity been seen before". Create-or-resolve goes through the ledger row
// first, so two concurrent calls for the same remote id converge on one
// internal node instead of creating two.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/calder-io/imsync/internal/storage"
)

// Kind is the entity kind a correlation record covers.
type Kind string

const (
	KindIssue        Kind = "issue"
	KindUser         Kind = "user"
	KindLabel        Kind = "label"
	KindTimelineItem Kind = "timeline_item"
)

// ErrNoRecord is returned by lookups when no correlation exists.
var ErrNoRecord = errors.New("no correlation record")

// Record correlates one remote entity with one internal graph node.
type Record struct {
	Scope      string // project/IMS scope the remote id belongs to
	Kind       Kind
	RemoteID   string
	InternalID string
	LastSynced time.Time
}

const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Ledger is the SQLite-backed correlation store.
type Ledger struct {
	conn *sql.DB
}

// NewLedger creates a ledger over the shared sync database.
func NewLedger(db *storage.DB) *Ledger {
	return &Ledger{conn: db.Conn()}
}

// InitSchemaContext creates the correlation table if missing.
func (l *Ledger) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS correlations (
		scope TEXT NOT NULL,
		kind TEXT NOT NULL,
		remote_id TEXT NOT NULL,
		internal_id TEXT NOT NULL,
		last_synced TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (scope, kind, remote_id)
	);

	CREATE INDEX IF NOT EXISTS idx_correlations_internal
	    ON correlations(scope, kind, internal_id);
	`
	if _, err := l.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize correlation schema: %w", err)
	}
	return nil
}

// Lookup loads the correlation for one remote entity.
// Returns ErrNoRecord (wrapped) when absent.
func (l *Ledger) Lookup(ctx context.Context, scope string, kind Kind, remoteID string) (*Record, error) {
	rec := &Record{Scope: scope, Kind: kind, RemoteID: remoteID}
	var lastSynced string
	err := l.conn.QueryRowContext(ctx, `
		SELECT internal_id, last_synced FROM correlations
		WHERE scope = ? AND kind = ? AND remote_id = ?`,
		scope, string(kind), remoteID).Scan(&rec.InternalID, &lastSynced)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s in %s: %w", kind, remoteID, scope, ErrNoRecord)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load correlation %s/%s: %w", kind, remoteID, err)
	}
	if lastSynced != "" {
		if t, err := time.Parse(timeFormat, lastSynced); err == nil {
			rec.LastSynced = t
		}
	}
	return rec, nil
}

// Record writes a correlation if none exists and returns the winning row.
//
// The insert is a no-op when a row already exists; the returned record then
// carries the previously bound internal id, and the caller is expected to
// converge to it. A ledger row is never silently rewritten to point at a
// different internal id.
func (l *Ledger) Record(ctx context.Context, rec Record) (*Record, error) {
	if rec.RemoteID == "" || rec.InternalID == "" {
		return nil, fmt.Errorf("correlation needs remote and internal ids")
	}

	_, err := l.conn.ExecContext(ctx, `
		INSERT INTO correlations (scope, kind, remote_id, internal_id, last_synced)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scope, kind, remote_id) DO NOTHING`,
		rec.Scope, string(rec.Kind), rec.RemoteID, rec.InternalID, formatSynced(rec.LastSynced))
	if err != nil {
		return nil, fmt.Errorf("failed to record correlation %s/%s: %w", rec.Kind, rec.RemoteID, err)
	}

	return l.Lookup(ctx, rec.Scope, rec.Kind, rec.RemoteID)
}

// Touch raises the last-synced timestamp of an existing correlation.
func (l *Ledger) Touch(ctx context.Context, scope string, kind Kind, remoteID string, t time.Time) error {
	_, err := l.conn.ExecContext(ctx, `
		UPDATE correlations SET last_synced = ?
		WHERE scope = ? AND kind = ? AND remote_id = ? AND last_synced < ?`,
		formatSynced(t), scope, string(kind), remoteID, formatSynced(t))
	if err != nil {
		return fmt.Errorf("failed to touch correlation %s/%s: %w", kind, remoteID, err)
	}
	return nil
}

// HasInternal reports whether an internal node id is already correlated in
// the scope. Used by the outgoing pipeline to decide whether a local timeline
// item was pushed before.
func (l *Ledger) HasInternal(ctx context.Context, scope string, kind Kind, internalID string) (bool, error) {
	var n int
	err := l.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM correlations
		WHERE scope = ? AND kind = ? AND internal_id = ?`,
		scope, string(kind), internalID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check internal correlation %s: %w", internalID, err)
	}
	return n > 0, nil
}

// LookupByInternal finds the correlation bound to an internal node id.
// Returns ErrNoRecord (wrapped) when absent.
func (l *Ledger) LookupByInternal(ctx context.Context, scope string, kind Kind, internalID string) (*Record, error) {
	rec := &Record{Scope: scope, Kind: kind, InternalID: internalID}
	var lastSynced string
	err := l.conn.QueryRowContext(ctx, `
		SELECT remote_id, last_synced FROM correlations
		WHERE scope = ? AND kind = ? AND internal_id = ?`,
		scope, string(kind), internalID).Scan(&rec.RemoteID, &lastSynced)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s node %s in %s: %w", kind, internalID, scope, ErrNoRecord)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load correlation for node %s: %w", internalID, err)
	}
	if lastSynced != "" {
		if t, err := time.Parse(timeFormat, lastSynced); err == nil {
			rec.LastSynced = t
		}
	}
	return rec, nil
}

// Count returns the number of correlations of one kind in a scope.
func (l *Ledger) Count(ctx context.Context, scope string, kind Kind) (int, error) {
	var n int
	err := l.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM correlations WHERE scope = ? AND kind = ?`,
		scope, string(kind)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count correlations: %w", err)
	}
	return n, nil
}

func formatSynced(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}
