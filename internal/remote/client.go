package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is the HTTP implementation of Tracker for one repository.
//
// The API is REST-shaped: cursor-paginated list endpoints with a "since"
// watermark parameter, and mutation endpoints that answer with the timeline
// record they created. Rate limiting is detected from the status code plus
// the X-RateLimit-Remaining header and surfaced as a page marker, never as
// an error.
type Client struct {
	baseURL    string
	repo       string // owner/name
	token      string
	httpClient *http.Client
}

// NewClient creates a tracker client for one repository. A nil httpClient
// gets a 30 second timeout default; the engine itself imposes no per-call
// deadline beyond that.
func NewClient(baseURL, repo, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		repo:       repo,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}
}

// Tracker implements Connector: it returns a shallow copy of the client
// bound to the given credential.
func (c *Client) Tracker(token string) Tracker {
	bound := *c
	bound.token = strings.TrimSpace(token)
	return &bound
}

// Issues fetches one page of issues updated since the watermark.
func (c *Client) Issues(ctx context.Context, cursor string, since time.Time) (*IssuePage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}

	var page IssuePage
	meta, err := c.doJSON(ctx, http.MethodGet,
		fmt.Sprintf("/repos/%s/issues?%s", c.repo, q.Encode()), nil, &page)
	if err != nil {
		return nil, err
	}
	page.RateLimited = meta.rateLimited
	page.Remaining = meta.remaining
	return &page, nil
}

// Timeline fetches one page of a single issue's timeline.
func (c *Client) Timeline(ctx context.Context, issueID, cursor string, since time.Time) (*TimelinePage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}

	var page TimelinePage
	meta, err := c.doJSON(ctx, http.MethodGet,
		fmt.Sprintf("/repos/%s/issues/%s/timeline?%s", c.repo, url.PathEscape(issueID), q.Encode()), nil, &page)
	if err != nil {
		return nil, err
	}
	page.RateLimited = meta.rateLimited
	page.Remaining = meta.remaining
	return &page, nil
}

// Comment re-fetches one comment, for staged-comment rechecks.
func (c *Client) Comment(ctx context.Context, issueID, commentID string) (*TimelineRecord, error) {
	var rec TimelineRecord
	_, err := c.doJSON(ctx, http.MethodGet,
		fmt.Sprintf("/repos/%s/issues/%s/comments/%s", c.repo, url.PathEscape(issueID), url.PathEscape(commentID)), nil, &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateIssue creates an issue and returns its remote record.
func (c *Client) CreateIssue(ctx context.Context, title, body string) (*IssueRecord, error) {
	payload := map[string]string{"title": title, "body": body}
	var rec IssueRecord
	_, err := c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/repos/%s/issues", c.repo), payload, &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateLabel creates a label and returns its remote reference.
func (c *Client) CreateLabel(ctx context.Context, name, color string) (*LabelRef, error) {
	payload := map[string]string{"name": name, "color": color}
	var ref LabelRef
	_, err := c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/repos/%s/labels", c.repo), payload, &ref)
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// AddLabel adds a label to an issue.
func (c *Client) AddLabel(ctx context.Context, issueID, labelID string) (*TimelineRecord, error) {
	payload := map[string]string{"labelId": labelID}
	return c.mutate(ctx, http.MethodPost,
		fmt.Sprintf("/repos/%s/issues/%s/labels", c.repo, url.PathEscape(issueID)), payload)
}

// RemoveLabel removes a label from an issue.
func (c *Client) RemoveLabel(ctx context.Context, issueID, labelID string) (*TimelineRecord, error) {
	return c.mutate(ctx, http.MethodDelete,
		fmt.Sprintf("/repos/%s/issues/%s/labels/%s", c.repo, url.PathEscape(issueID), url.PathEscape(labelID)), nil)
}

// PostComment posts a comment on an issue.
func (c *Client) PostComment(ctx context.Context, issueID, body string) (*TimelineRecord, error) {
	payload := map[string]string{"body": body}
	return c.mutate(ctx, http.MethodPost,
		fmt.Sprintf("/repos/%s/issues/%s/comments", c.repo, url.PathEscape(issueID)), payload)
}

// CloseIssue closes an issue.
func (c *Client) CloseIssue(ctx context.Context, issueID string) (*TimelineRecord, error) {
	payload := map[string]string{"state": "closed"}
	return c.mutate(ctx, http.MethodPatch,
		fmt.Sprintf("/repos/%s/issues/%s/state", c.repo, url.PathEscape(issueID)), payload)
}

// ReopenIssue reopens an issue.
func (c *Client) ReopenIssue(ctx context.Context, issueID string) (*TimelineRecord, error) {
	payload := map[string]string{"state": "open"}
	return c.mutate(ctx, http.MethodPatch,
		fmt.Sprintf("/repos/%s/issues/%s/state", c.repo, url.PathEscape(issueID)), payload)
}

// RenameIssue changes an issue's title.
func (c *Client) RenameIssue(ctx context.Context, issueID, title string) (*TimelineRecord, error) {
	payload := map[string]string{"title": title}
	return c.mutate(ctx, http.MethodPatch,
		fmt.Sprintf("/repos/%s/issues/%s/title", c.repo, url.PathEscape(issueID)), payload)
}

func (c *Client) mutate(ctx context.Context, method, path string, payload any) (*TimelineRecord, error) {
	var rec TimelineRecord
	meta, err := c.doJSON(ctx, method, path, payload, &rec)
	if err != nil {
		return nil, err
	}
	// Queries absorb a rate-limit response as a soft stop; a mutation has no
	// partial-progress story, so here it is an error the caller retries next
	// cycle.
	if meta.rateLimited {
		return nil, fmt.Errorf("%s %s: %w", method, path, ErrRateLimited)
	}
	return &rec, nil
}

type responseMeta struct {
	rateLimited bool
	remaining   int
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, out any) (responseMeta, error) {
	meta := responseMeta{remaining: -1}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return meta, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return meta, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return meta, fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			meta.remaining = n
		}
	}

	// 429, or 403 with exhausted quota, is the rate-limit soft stop.
	if resp.StatusCode == http.StatusTooManyRequests ||
		(resp.StatusCode == http.StatusForbidden && meta.remaining == 0) {
		meta.rateLimited = true
		return meta, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return meta, decodeHTTPError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return meta, fmt.Errorf("failed to decode response of %s %s: %w", method, path, err)
		}
	}
	return meta, nil
}

func decodeHTTPError(resp *http.Response) error {
	httpErr := &HTTPError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil && len(data) > 0 {
		var parsed struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &parsed) == nil {
			httpErr.Code = parsed.Code
			httpErr.Message = parsed.Message
		}
		if httpErr.Message == "" {
			httpErr.Message = strings.TrimSpace(string(data))
		}
	}
	if httpErr.Message == "" {
		httpErr.Message = resp.Status
	}
	return httpErr
}
