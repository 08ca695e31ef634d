package staging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/calder-io/imsync/internal/storage"
)

// ErrDuplicateEvent is returned when a timeline event with an already-staged
// remote id is appended. This is a staging corruption signal, not an expected
// race: double delivery of the same remote data converges through the upsert
// path, never through a second append.
var ErrDuplicateEvent = errors.New("duplicate timeline event")

// ErrIssueNotFound is returned by lookups for issues never staged.
var ErrIssueNotFound = errors.New("staged issue not found")

// Store is the SQLite-backed staging mirror.
type Store struct {
	conn *sql.DB
}

// NewStore creates a staging store over the shared sync database.
func NewStore(db *storage.DB) *Store {
	return &Store{conn: db.Conn()}
}

// InitSchemaContext creates the staging tables and indexes if missing.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS staged_issues (
		project_id TEXT NOT NULL,
		remote_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'open',
		last_update TEXT NOT NULL,
		created_at TEXT NOT NULL,
		needs_timeline_fetch INTEGER NOT NULL DEFAULT 1,
		needs_comment_fetch INTEGER NOT NULL DEFAULT 1,
		has_unsynced INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (project_id, remote_id)
	);

	CREATE TABLE IF NOT EXISTS timeline_events (
		project_id TEXT NOT NULL,
		issue_remote_id TEXT NOT NULL,
		remote_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		created_at TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		edited_at TEXT,
		needs_recheck INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL DEFAULT '',
		label TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		assignee TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (project_id, issue_remote_id, remote_id),
		FOREIGN KEY (project_id, issue_remote_id)
			REFERENCES staged_issues(project_id, remote_id)
	);

	CREATE TABLE IF NOT EXISTS walker_state (
		project_id TEXT NOT NULL,
		resource TEXT NOT NULL,
		cursor TEXT NOT NULL DEFAULT '',
		since TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (project_id, resource)
	);

	CREATE INDEX IF NOT EXISTS idx_staged_timeline_fetch
	    ON staged_issues(project_id, needs_timeline_fetch);
	CREATE INDEX IF NOT EXISTS idx_staged_comment_fetch
	    ON staged_issues(project_id, needs_comment_fetch);
	CREATE INDEX IF NOT EXISTS idx_staged_unsynced
	    ON staged_issues(project_id, has_unsynced);
	CREATE INDEX IF NOT EXISTS idx_timeline_order
	    ON timeline_events(project_id, issue_remote_id, created_at, remote_id);
	CREATE INDEX IF NOT EXISTS idx_timeline_recheck
	    ON timeline_events(project_id, issue_remote_id, kind, needs_recheck);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize staging schema: %w", err)
	}
	return nil
}

// UpsertIssue stages a remote issue snapshot.
//
// First observation inserts the issue with both fetch flags set. A re-fetch
// with a strictly newer LastUpdate updates the snapshot fields, re-arms both
// fetch flags, and flags every existing comment event for a recheck (its
// remote body may have changed). An older or equal snapshot is absorbed as a
// no-op so LastUpdate never decreases.
func (s *Store) UpsertIssue(ctx context.Context, projectID string, snap IssueSnapshot) error {
	if snap.RemoteID == "" {
		return fmt.Errorf("snapshot remote id is required")
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var lastUpdate string
	err = tx.QueryRowContext(ctx,
		`SELECT last_update FROM staged_issues WHERE project_id = ? AND remote_id = ?`,
		projectID, snap.RemoteID).Scan(&lastUpdate)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO staged_issues (
				project_id, remote_id, title, description, state,
				last_update, created_at, needs_timeline_fetch, needs_comment_fetch
			) VALUES (?, ?, ?, ?, ?, ?, ?, 1, 1)`,
			projectID, snap.RemoteID, snap.Title, snap.Description, string(snap.State),
			formatTime(snap.LastUpdate), formatTime(time.Now()))
		if err != nil {
			return fmt.Errorf("failed to insert staged issue %s: %w", snap.RemoteID, err)
		}

	case err != nil:
		return fmt.Errorf("failed to load staged issue %s: %w", snap.RemoteID, err)

	default:
		if !snap.LastUpdate.After(parseTime(lastUpdate)) {
			return tx.Commit()
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE staged_issues SET
				title = ?, description = ?, state = ?, last_update = ?,
				needs_timeline_fetch = 1, needs_comment_fetch = 1
			WHERE project_id = ? AND remote_id = ?`,
			snap.Title, snap.Description, string(snap.State),
			formatTime(snap.LastUpdate), projectID, snap.RemoteID)
		if err != nil {
			return fmt.Errorf("failed to update staged issue %s: %w", snap.RemoteID, err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE timeline_events SET needs_recheck = 1
			WHERE project_id = ? AND issue_remote_id = ? AND kind = ?`,
			projectID, snap.RemoteID, string(EventComment))
		if err != nil {
			return fmt.Errorf("failed to flag comments for recheck on %s: %w", snap.RemoteID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	return nil
}

// AppendTimelineEvent appends one event to a staged issue's timeline and
// marks the issue as holding unsynced data.
//
// Returns ErrDuplicateEvent (wrapped) if an event with the same remote id is
// already staged for the issue.
func (s *Store) AppendTimelineEvent(ctx context.Context, projectID, issueRemoteID string, ev TimelineEvent) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("invalid timeline event: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM timeline_events
		WHERE project_id = ? AND issue_remote_id = ? AND remote_id = ?`,
		projectID, issueRemoteID, ev.RemoteID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check timeline for %s: %w", ev.RemoteID, err)
	}
	if exists > 0 {
		return fmt.Errorf("issue %s event %s: %w", issueRemoteID, ev.RemoteID, ErrDuplicateEvent)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO timeline_events (
			project_id, issue_remote_id, remote_id, kind, created_at, actor,
			body, edited_at, needs_recheck, state, label, title, assignee
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		projectID, issueRemoteID, ev.RemoteID, string(ev.Kind), formatTime(ev.CreatedAt), ev.Actor,
		ev.Body, timeToNull(ev.EditedAt), boolToInt(ev.NeedsRecheck),
		string(ev.State), ev.Label, ev.Title, ev.Assignee)
	if err != nil {
		return fmt.Errorf("failed to append event %s: %w", ev.RemoteID, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE staged_issues SET has_unsynced = 1
		WHERE project_id = ? AND remote_id = ?`,
		projectID, issueRemoteID)
	if err != nil {
		return fmt.Errorf("failed to flag unsynced data on %s: %w", issueRemoteID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit append: %w", err)
	}
	return nil
}

// UpdateCommentBody applies a newer remote comment body under last-writer-wins
// semantics: the update is absorbed as a no-op unless editedAt is strictly
// newer than the staged edit time. Clears the recheck flag either way.
func (s *Store) UpdateCommentBody(ctx context.Context, projectID, issueRemoteID, eventRemoteID, body string, editedAt time.Time) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT edited_at FROM timeline_events
		WHERE project_id = ? AND issue_remote_id = ? AND remote_id = ? AND kind = ?`,
		projectID, issueRemoteID, eventRemoteID, string(EventComment)).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("comment %s on issue %s: %w", eventRemoteID, issueRemoteID, ErrIssueNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load comment %s: %w", eventRemoteID, err)
	}

	if current.Valid && !editedAt.After(parseTime(current.String)) {
		_, err = tx.ExecContext(ctx, `
			UPDATE timeline_events SET needs_recheck = 0
			WHERE project_id = ? AND issue_remote_id = ? AND remote_id = ?`,
			projectID, issueRemoteID, eventRemoteID)
		if err != nil {
			return fmt.Errorf("failed to clear recheck on %s: %w", eventRemoteID, err)
		}
		return tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE timeline_events SET body = ?, edited_at = ?, needs_recheck = 0
		WHERE project_id = ? AND issue_remote_id = ? AND remote_id = ?`,
		body, formatTime(editedAt), projectID, issueRemoteID, eventRemoteID)
	if err != nil {
		return fmt.Errorf("failed to update comment %s: %w", eventRemoteID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit comment update: %w", err)
	}
	return nil
}

// GetIssue loads one staged issue. Returns ErrIssueNotFound when absent.
func (s *Store) GetIssue(ctx context.Context, projectID, remoteID string) (*StagedIssue, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT project_id, remote_id, title, description, state, last_update,
		       created_at, needs_timeline_fetch, needs_comment_fetch, has_unsynced
		FROM staged_issues
		WHERE project_id = ? AND remote_id = ?`,
		projectID, remoteID)

	issue, err := scanIssue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("issue %s in project %s: %w", remoteID, projectID, ErrIssueNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load staged issue %s: %w", remoteID, err)
	}
	return issue, nil
}

// LoadTimeline returns the staged timeline of one issue ordered by creation
// time (remote id as tie-break).
func (s *Store) LoadTimeline(ctx context.Context, projectID, issueRemoteID string) ([]TimelineEvent, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT remote_id, kind, created_at, actor, body, edited_at,
		       needs_recheck, state, label, title, assignee
		FROM timeline_events
		WHERE project_id = ? AND issue_remote_id = ?
		ORDER BY created_at ASC, remote_id ASC`,
		projectID, issueRemoteID)
	if err != nil {
		return nil, fmt.Errorf("failed to query timeline of %s: %w", issueRemoteID, err)
	}
	defer rows.Close()

	var events []TimelineEvent
	for rows.Next() {
		var ev TimelineEvent
		var kind, createdAt string
		var editedAt sql.NullString
		var recheck int
		var state string

		err := rows.Scan(&ev.RemoteID, &kind, &createdAt, &ev.Actor, &ev.Body,
			&editedAt, &recheck, &state, &ev.Label, &ev.Title, &ev.Assignee)
		if err != nil {
			return nil, fmt.Errorf("failed to scan timeline event: %w", err)
		}

		ev.Kind = EventKind(kind)
		ev.CreatedAt = parseTime(createdAt)
		ev.NeedsRecheck = recheck != 0
		ev.State = IssueState(state)
		if editedAt.Valid {
			t := parseTime(editedAt.String)
			ev.EditedAt = &t
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating timeline of %s: %w", issueRemoteID, err)
	}
	return events, nil
}

// MarkTimelineFetched clears the needs-timeline-fetch flag.
func (s *Store) MarkTimelineFetched(ctx context.Context, projectID, remoteID string) error {
	return s.clearFlag(ctx, "needs_timeline_fetch", projectID, remoteID)
}

// MarkCommentsFetched clears the needs-comment-fetch flag.
func (s *Store) MarkCommentsFetched(ctx context.Context, projectID, remoteID string) error {
	return s.clearFlag(ctx, "needs_comment_fetch", projectID, remoteID)
}

// MarkSynced clears the has-unsynced flag after an outgoing pass completed
// for the issue.
func (s *Store) MarkSynced(ctx context.Context, projectID, remoteID string) error {
	return s.clearFlag(ctx, "has_unsynced", projectID, remoteID)
}

func (s *Store) clearFlag(ctx context.Context, column, projectID, remoteID string) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE staged_issues SET `+column+` = 0 WHERE project_id = ? AND remote_id = ?`,
		projectID, remoteID)
	if err != nil {
		return fmt.Errorf("failed to clear %s on %s: %w", column, remoteID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("issue %s in project %s: %w", remoteID, projectID, ErrIssueNotFound)
	}
	return nil
}

// IssuesNeedingTimelineFetch lists staged issues in a project whose timeline
// must be (re-)walked.
func (s *Store) IssuesNeedingTimelineFetch(ctx context.Context, projectID string) ([]*StagedIssue, error) {
	return s.issuesByFlag(ctx, projectID, "needs_timeline_fetch")
}

// IssuesNeedingCommentFetch lists staged issues with comments to re-check.
func (s *Store) IssuesNeedingCommentFetch(ctx context.Context, projectID string) ([]*StagedIssue, error) {
	return s.issuesByFlag(ctx, projectID, "needs_comment_fetch")
}

// IssuesWithUnsyncedData lists staged issues holding data the outgoing
// pipeline has not reconciled yet.
func (s *Store) IssuesWithUnsyncedData(ctx context.Context, projectID string) ([]*StagedIssue, error) {
	return s.issuesByFlag(ctx, projectID, "has_unsynced")
}

func (s *Store) issuesByFlag(ctx context.Context, projectID, column string) ([]*StagedIssue, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT project_id, remote_id, title, description, state, last_update,
		       created_at, needs_timeline_fetch, needs_comment_fetch, has_unsynced
		FROM staged_issues
		WHERE project_id = ? AND `+column+` = 1
		ORDER BY remote_id ASC`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query issues by %s: %w", column, err)
	}
	defer rows.Close()

	var issues []*StagedIssue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan staged issue: %w", err)
		}
		issues = append(issues, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating staged issues: %w", err)
	}
	return issues, nil
}

// CountIssues returns per-flag counts for a project, for status reporting.
func (s *Store) CountIssues(ctx context.Context, projectID string) (total, needFetch, unsynced int, err error) {
	err = s.conn.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(needs_timeline_fetch), 0),
		       COALESCE(SUM(has_unsynced), 0)
		FROM staged_issues WHERE project_id = ?`,
		projectID).Scan(&total, &needFetch, &unsynced)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to count staged issues: %w", err)
	}
	return total, needFetch, unsynced, nil
}

// GetWalkerState loads the persisted cursor/watermark for one resource walk.
// A never-run walk returns a zero-valued state, not an error.
func (s *Store) GetWalkerState(ctx context.Context, projectID, resource string) (WalkerState, error) {
	st := WalkerState{ProjectID: projectID, Resource: resource}
	var since string
	err := s.conn.QueryRowContext(ctx,
		`SELECT cursor, since FROM walker_state WHERE project_id = ? AND resource = ?`,
		projectID, resource).Scan(&st.Cursor, &since)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("failed to load walker state %s/%s: %w", projectID, resource, err)
	}
	st.Since = parseTime(since)
	return st, nil
}

// SaveWalkerState persists the cursor/watermark for one resource walk.
func (s *Store) SaveWalkerState(ctx context.Context, st WalkerState) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO walker_state (project_id, resource, cursor, since)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(project_id, resource) DO UPDATE SET
			cursor = excluded.cursor,
			since = excluded.since`,
		st.ProjectID, st.Resource, st.Cursor, sinceOrEmpty(st.Since))
	if err != nil {
		return fmt.Errorf("failed to save walker state %s/%s: %w", st.ProjectID, st.Resource, err)
	}
	return nil
}

func sinceOrEmpty(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return formatTime(t)
}

func scanIssue(row interface{ Scan(...any) error }) (*StagedIssue, error) {
	var issue StagedIssue
	var state, lastUpdate, createdAt string
	var tf, cf, us int

	err := row.Scan(&issue.ProjectID, &issue.RemoteID, &issue.Title, &issue.Description,
		&state, &lastUpdate, &createdAt, &tf, &cf, &us)
	if err != nil {
		return nil, err
	}

	issue.State = IssueState(state)
	issue.LastUpdate = parseTime(lastUpdate)
	issue.CreatedAt = parseTime(createdAt)
	issue.NeedsTimelineFetch = tf != 0
	issue.NeedsCommentFetch = cf != 0
	issue.HasUnsynced = us != 0
	return &issue, nil
}

func timeToNull(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
