package remote

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Fake is an in-memory Tracker for tests: seedable issues and timelines,
// scripted rate limiting and transport failures, and a mutation log.
// It also implements Connector, handing itself out for any token.
type Fake struct {
	mu sync.Mutex

	pageSize int
	issues   map[string]*IssueRecord
	timeline map[string][]TimelineRecord
	nextID   int

	pagesServed    int
	rateLimitAfter int // rate-limit every query page once this many served; 0 = never
	failNext       error

	// Mutations logs every executed mutation, e.g. "close iss-1".
	Mutations []string
	// LastToken records the credential of the most recent bound tracker.
	LastToken string
}

// NewFake creates a fake tracker with the given query page size.
func NewFake(pageSize int) *Fake {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Fake{
		pageSize: pageSize,
		issues:   make(map[string]*IssueRecord),
		timeline: make(map[string][]TimelineRecord),
	}
}

// Tracker implements Connector.
func (f *Fake) Tracker(token string) Tracker {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LastToken = token
	return f
}

// SeedIssue adds or replaces a remote issue.
func (f *Fake) SeedIssue(rec IssueRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := rec
	f.issues[rec.ID] = &cp
}

// SeedEvent appends a timeline record to an issue and bumps its UpdatedAt.
func (f *Fake) SeedEvent(issueID string, rec TimelineRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeline[issueID] = append(f.timeline[issueID], rec)
	if issue, ok := f.issues[issueID]; ok && rec.CreatedAt.After(issue.UpdatedAt) {
		issue.UpdatedAt = rec.CreatedAt
	}
}

// EditComment rewrites a comment's body and edit time in place, simulating a
// remote edit.
func (f *Fake) EditComment(issueID, commentID, body string, editedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	evs := f.timeline[issueID]
	for i := range evs {
		if evs[i].ID == commentID {
			evs[i].Body = body
			t := editedAt
			evs[i].EditedAt = &t
		}
	}
}

// RateLimitAfter makes every query page after the first n report the
// rate-limit soft stop.
func (f *Fake) RateLimitAfter(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rateLimitAfter = n
}

// FailNext makes the next query return err, simulating a transport failure.
func (f *Fake) FailNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = err
}

// PagesServed reports how many query pages have been returned.
func (f *Fake) PagesServed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pagesServed
}

func (f *Fake) checkQuery() (limited bool, err error) {
	if f.failNext != nil {
		err = f.failNext
		f.failNext = nil
		return false, err
	}
	if f.rateLimitAfter > 0 && f.pagesServed >= f.rateLimitAfter {
		return true, nil
	}
	f.pagesServed++
	return false, nil
}

// Issues implements Tracker.
func (f *Fake) Issues(_ context.Context, cursor string, since time.Time) (*IssuePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if limited, err := f.checkQuery(); err != nil {
		return nil, err
	} else if limited {
		return &IssuePage{NextCursor: cursor, RateLimited: true, Remaining: 0}, nil
	}

	var all []IssueRecord
	for _, issue := range f.issues {
		if since.IsZero() || !issue.UpdatedAt.Before(since) {
			all = append(all, *issue)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].UpdatedAt.Before(all[j].UpdatedAt)
	})

	return paginateIssues(all, cursor, f.pageSize)
}

// Timeline implements Tracker.
func (f *Fake) Timeline(_ context.Context, issueID, cursor string, since time.Time) (*TimelinePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if limited, err := f.checkQuery(); err != nil {
		return nil, err
	} else if limited {
		return &TimelinePage{NextCursor: cursor, RateLimited: true, Remaining: 0}, nil
	}

	var all []TimelineRecord
	for _, ev := range f.timeline[issueID] {
		if since.IsZero() || !ev.CreatedAt.Before(since) {
			all = append(all, ev)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	offset := parseCursor(cursor)
	if offset >= len(all) {
		return &TimelinePage{Remaining: -1}, nil
	}
	end := offset + f.pageSize
	next := ""
	if end < len(all) {
		next = strconv.Itoa(end)
	} else {
		end = len(all)
	}
	return &TimelinePage{Events: all[offset:end], NextCursor: next, Remaining: -1}, nil
}

// Comment implements Tracker.
func (f *Fake) Comment(_ context.Context, issueID, commentID string) (*TimelineRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.timeline[issueID] {
		if ev.ID == commentID && ev.Kind == KindCommented {
			cp := ev
			return &cp, nil
		}
	}
	return nil, &HTTPError{StatusCode: 404, Message: fmt.Sprintf("comment %s not found", commentID)}
}

// CreateIssue implements Tracker.
func (f *Fake) CreateIssue(_ context.Context, title, body string) (*IssueRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	rec := &IssueRecord{
		ID:        f.genID("iss"),
		Title:     title,
		Body:      body,
		State:     "open",
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.issues[rec.ID] = rec
	f.Mutations = append(f.Mutations, "create-issue "+rec.ID)
	return rec, nil
}

// CreateLabel implements Tracker.
func (f *Fake) CreateLabel(_ context.Context, name, color string) (*LabelRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref := &LabelRef{ID: f.genID("lbl"), Name: name, Color: color}
	f.Mutations = append(f.Mutations, "create-label "+ref.Name)
	return ref, nil
}

// AddLabel implements Tracker.
func (f *Fake) AddLabel(_ context.Context, issueID, labelID string) (*TimelineRecord, error) {
	return f.appendMutation(issueID, "add-label "+issueID+" "+labelID, TimelineRecord{
		Kind:  KindLabeled,
		Label: &LabelRef{ID: labelID},
	})
}

// RemoveLabel implements Tracker.
func (f *Fake) RemoveLabel(_ context.Context, issueID, labelID string) (*TimelineRecord, error) {
	return f.appendMutation(issueID, "remove-label "+issueID+" "+labelID, TimelineRecord{
		Kind:  KindUnlabeled,
		Label: &LabelRef{ID: labelID},
	})
}

// PostComment implements Tracker.
func (f *Fake) PostComment(_ context.Context, issueID, body string) (*TimelineRecord, error) {
	return f.appendMutation(issueID, "post-comment "+issueID, TimelineRecord{
		Kind: KindCommented,
		Body: body,
	})
}

// CloseIssue implements Tracker.
func (f *Fake) CloseIssue(_ context.Context, issueID string) (*TimelineRecord, error) {
	rec, err := f.appendMutation(issueID, "close "+issueID, TimelineRecord{Kind: KindClosed})
	if err == nil {
		f.setState(issueID, "closed")
	}
	return rec, err
}

// ReopenIssue implements Tracker.
func (f *Fake) ReopenIssue(_ context.Context, issueID string) (*TimelineRecord, error) {
	rec, err := f.appendMutation(issueID, "reopen "+issueID, TimelineRecord{Kind: KindReopened})
	if err == nil {
		f.setState(issueID, "open")
	}
	return rec, err
}

// RenameIssue implements Tracker.
func (f *Fake) RenameIssue(_ context.Context, issueID, title string) (*TimelineRecord, error) {
	rec, err := f.appendMutation(issueID, "rename "+issueID, TimelineRecord{Kind: KindRenamed, Title: title})
	if err == nil {
		f.mu.Lock()
		if issue, ok := f.issues[issueID]; ok {
			issue.Title = title
		}
		f.mu.Unlock()
	}
	return rec, err
}

func (f *Fake) appendMutation(issueID, logLine string, rec TimelineRecord) (*TimelineRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.issues[issueID]; !ok {
		return nil, &HTTPError{StatusCode: 404, Message: fmt.Sprintf("issue %s not found", issueID)}
	}

	rec.ID = f.genID("evt")
	rec.CreatedAt = f.now()
	f.timeline[issueID] = append(f.timeline[issueID], rec)
	if issue := f.issues[issueID]; rec.CreatedAt.After(issue.UpdatedAt) {
		issue.UpdatedAt = rec.CreatedAt
	}
	f.Mutations = append(f.Mutations, logLine)
	cp := rec
	return &cp, nil
}

func (f *Fake) setState(issueID, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if issue, ok := f.issues[issueID]; ok {
		issue.State = state
	}
}

func (f *Fake) genID(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

// now returns strictly increasing timestamps so fake timeline ordering is
// deterministic even within one wall-clock nanosecond.
func (f *Fake) now() time.Time {
	return time.Now().UTC().Add(time.Duration(f.nextID) * time.Microsecond)
}

func paginateIssues(all []IssueRecord, cursor string, pageSize int) (*IssuePage, error) {
	offset := parseCursor(cursor)
	if offset >= len(all) {
		return &IssuePage{Remaining: -1}, nil
	}
	end := offset + pageSize
	next := ""
	if end < len(all) {
		next = strconv.Itoa(end)
	} else {
		end = len(all)
	}
	return &IssuePage{Issues: all[offset:end], NextCursor: next, Remaining: -1}, nil
}

func parseCursor(cursor string) int {
	if cursor == "" {
		return 0
	}
	n, err := strconv.Atoi(cursor)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
