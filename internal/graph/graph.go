// Package graph provides the canonical domain store for issues, labels,
// users, and timeline items.
//
// Nodes are id-keyed and reference each other by id only; back-references are
// resolved through lookups, never through live pointers. Internal ids are
// UUIDs minted at node creation.
package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/calder-io/imsync/internal/storage"
)

// ErrNotFound is returned by lookups for nodes that do not exist.
var ErrNotFound = errors.New("graph node not found")

// ItemKind tags a timeline item variant. The set mirrors the staged timeline
// event vocabulary so items round-trip between mirror and graph without loss.
type ItemKind string

const (
	ItemComment      ItemKind = "comment"
	ItemStateChanged ItemKind = "state_changed"
	ItemLabelAdded   ItemKind = "label_added"
	ItemLabelRemoved ItemKind = "label_removed"
	ItemTitleRenamed ItemKind = "title_renamed"
	ItemAssigned     ItemKind = "assigned"
	ItemUnassigned   ItemKind = "unassigned"
	ItemUnknown      ItemKind = "unknown"
)

// Issue is the canonical issue node.
type Issue struct {
	ID            string
	ProjectID     string
	Title         string
	Body          string
	State         string // open, closed
	CreatedAt     time.Time
	LastUpdatedAt time.Time
}

// Label is a canonical label node.
type Label struct {
	ID        string
	Name      string
	Color     string
	UpdatedAt time.Time
}

// User is a canonical user node.
type User struct {
	ID          string
	Username    string
	DisplayName string
	UpdatedAt   time.Time
}

// TimelineItem is one entry in an issue's canonical timeline. Exactly one
// payload field group is meaningful per Kind.
type TimelineItem struct {
	ID        string
	IssueID   string
	Kind      ItemKind
	CreatedAt time.Time
	ActorID   string // user node id; empty when the actor is unknown

	Body         string // comment
	LastEditedAt *time.Time
	State        string // state_changed: open or closed
	LabelID      string // label_added / label_removed
	Title        string // title_renamed
	AssigneeID   string // assigned / unassigned
}

// NewID mints an internal node id.
func NewID() string {
	return uuid.NewString()
}

// Store is the SQLite-backed graph store.
type Store struct {
	conn *sql.DB
}

// NewStore creates a graph store over the shared sync database.
func NewStore(db *storage.DB) *Store {
	return &Store{conn: db.Conn()}
}

// InitSchemaContext creates the graph tables and indexes if missing.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS issues (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		title TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'open',
		created_at TEXT NOT NULL,
		last_updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS labels (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		color TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS timeline_items (
		id TEXT PRIMARY KEY,
		issue_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		created_at TEXT NOT NULL,
		actor_id TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		last_edited_at TEXT,
		state TEXT NOT NULL DEFAULT '',
		label_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		assignee_id TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (issue_id) REFERENCES issues(id)
	);

	CREATE INDEX IF NOT EXISTS idx_issues_project ON issues(project_id);
	CREATE INDEX IF NOT EXISTS idx_items_issue_order
	    ON timeline_items(issue_id, created_at, id);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize graph schema: %w", err)
	}
	return nil
}

const timeFormat = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// UpsertIssue inserts or updates an issue node by id.
func (s *Store) UpsertIssue(ctx context.Context, issue *Issue) error {
	if issue.ID == "" {
		return fmt.Errorf("issue id is required")
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO issues (id, project_id, title, body, state, created_at, last_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			title = excluded.title,
			body = excluded.body,
			state = excluded.state,
			last_updated_at = excluded.last_updated_at`,
		issue.ID, issue.ProjectID, issue.Title, issue.Body, issue.State,
		formatTime(issue.CreatedAt), formatTime(issue.LastUpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert issue %s: %w", issue.ID, err)
	}
	return nil
}

// GetIssue loads an issue node by id.
func (s *Store) GetIssue(ctx context.Context, id string) (*Issue, error) {
	var issue Issue
	var createdAt, updatedAt string
	err := s.conn.QueryRowContext(ctx, `
		SELECT id, project_id, title, body, state, created_at, last_updated_at
		FROM issues WHERE id = ?`, id).
		Scan(&issue.ID, &issue.ProjectID, &issue.Title, &issue.Body, &issue.State,
			&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("issue %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load issue %s: %w", id, err)
	}
	issue.CreatedAt = parseTime(createdAt)
	issue.LastUpdatedAt = parseTime(updatedAt)
	return &issue, nil
}

// ListIssues returns all issue nodes in a project, ordered by creation time.
func (s *Store) ListIssues(ctx context.Context, projectID string) ([]*Issue, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, project_id, title, body, state, created_at, last_updated_at
		FROM issues WHERE project_id = ?
		ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	defer rows.Close()

	var issues []*Issue
	for rows.Next() {
		var issue Issue
		var createdAt, updatedAt string
		err := rows.Scan(&issue.ID, &issue.ProjectID, &issue.Title, &issue.Body,
			&issue.State, &createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		issue.CreatedAt = parseTime(createdAt)
		issue.LastUpdatedAt = parseTime(updatedAt)
		issues = append(issues, &issue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating issues: %w", err)
	}
	return issues, nil
}

// BumpIssueUpdated raises an issue's last_updated_at to t if t is newer.
// The aggregate timestamp never decreases.
func (s *Store) BumpIssueUpdated(ctx context.Context, id string, t time.Time) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE issues SET last_updated_at = ?
		WHERE id = ? AND last_updated_at < ?`,
		formatTime(t), id, formatTime(t))
	if err != nil {
		return fmt.Errorf("failed to bump issue %s: %w", id, err)
	}
	return nil
}

// UpsertLabel inserts or updates a label node by id.
func (s *Store) UpsertLabel(ctx context.Context, label *Label) error {
	if label.ID == "" {
		return fmt.Errorf("label id is required")
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO labels (id, name, color, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			color = excluded.color,
			updated_at = excluded.updated_at`,
		label.ID, label.Name, label.Color, formatTime(label.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert label %s: %w", label.ID, err)
	}
	return nil
}

// GetLabel loads a label node by id.
func (s *Store) GetLabel(ctx context.Context, id string) (*Label, error) {
	var label Label
	var updatedAt string
	err := s.conn.QueryRowContext(ctx,
		`SELECT id, name, color, updated_at FROM labels WHERE id = ?`, id).
		Scan(&label.ID, &label.Name, &label.Color, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("label %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load label %s: %w", id, err)
	}
	label.UpdatedAt = parseTime(updatedAt)
	return &label, nil
}

// UpsertUser inserts or updates a user node by id.
func (s *Store) UpsertUser(ctx context.Context, user *User) error {
	if user.ID == "" {
		return fmt.Errorf("user id is required")
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO users (id, username, display_name, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			display_name = excluded.display_name,
			updated_at = excluded.updated_at`,
		user.ID, user.Username, user.DisplayName, formatTime(user.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", user.ID, err)
	}
	return nil
}

// GetUser loads a user node by id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var user User
	var updatedAt string
	err := s.conn.QueryRowContext(ctx,
		`SELECT id, username, display_name, updated_at FROM users WHERE id = ?`, id).
		Scan(&user.ID, &user.Username, &user.DisplayName, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", id, err)
	}
	user.UpdatedAt = parseTime(updatedAt)
	return &user, nil
}

// UpsertTimelineItem inserts or updates a timeline item node by id.
func (s *Store) UpsertTimelineItem(ctx context.Context, item *TimelineItem) error {
	if item.ID == "" {
		return fmt.Errorf("timeline item id is required")
	}
	if item.IssueID == "" {
		return fmt.Errorf("timeline item issue id is required")
	}
	var edited sql.NullString
	if item.LastEditedAt != nil {
		edited = sql.NullString{String: formatTime(*item.LastEditedAt), Valid: true}
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO timeline_items (
			id, issue_id, kind, created_at, actor_id,
			body, last_edited_at, state, label_id, title, assignee_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			body = excluded.body,
			last_edited_at = excluded.last_edited_at`,
		item.ID, item.IssueID, string(item.Kind), formatTime(item.CreatedAt), item.ActorID,
		item.Body, edited, item.State, item.LabelID, item.Title, item.AssigneeID)
	if err != nil {
		return fmt.Errorf("failed to upsert timeline item %s: %w", item.ID, err)
	}
	return nil
}

// Timeline returns an issue's timeline items ordered by creation time
// (item id as tie-break). The ordering contract matters: reconciliation and
// last-writer-wins rules both assume it.
func (s *Store) Timeline(ctx context.Context, issueID string) ([]*TimelineItem, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, issue_id, kind, created_at, actor_id,
		       body, last_edited_at, state, label_id, title, assignee_id
		FROM timeline_items
		WHERE issue_id = ?
		ORDER BY created_at ASC, id ASC`, issueID)
	if err != nil {
		return nil, fmt.Errorf("failed to query timeline of %s: %w", issueID, err)
	}
	defer rows.Close()

	var items []*TimelineItem
	for rows.Next() {
		var item TimelineItem
		var kind, createdAt string
		var edited sql.NullString
		err := rows.Scan(&item.ID, &item.IssueID, &kind, &createdAt, &item.ActorID,
			&item.Body, &edited, &item.State, &item.LabelID, &item.Title, &item.AssigneeID)
		if err != nil {
			return nil, fmt.Errorf("failed to scan timeline item: %w", err)
		}
		item.Kind = ItemKind(kind)
		item.CreatedAt = parseTime(createdAt)
		if edited.Valid {
			t := parseTime(edited.String)
			item.LastEditedAt = &t
		}
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating timeline of %s: %w", issueID, err)
	}
	return items, nil
}
