package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientIssuesPage(t *testing.T) {
	var gotAuth, gotCursor, gotSince string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCursor = r.URL.Query().Get("cursor")
		gotSince = r.URL.Query().Get("since")

		w.Header().Set("X-RateLimit-Remaining", "41")
		_ = json.NewEncoder(w).Encode(IssuePage{
			Issues:     []IssueRecord{{ID: "iss-1", Title: "Bug", State: "open"}},
			NextCursor: "c2",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "acme/app", "tok-1", nil)
	since := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	page, err := client.Issues(context.Background(), "c1", since)
	if err != nil {
		t.Fatalf("Issues failed: %v", err)
	}

	if gotAuth != "Bearer tok-1" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotCursor != "c1" || gotSince != "2026-08-01T00:00:00Z" {
		t.Errorf("Query = cursor %q since %q", gotCursor, gotSince)
	}
	if len(page.Issues) != 1 || page.Issues[0].ID != "iss-1" {
		t.Errorf("Issues = %+v", page.Issues)
	}
	if page.NextCursor != "c2" {
		t.Errorf("NextCursor = %q, want c2", page.NextCursor)
	}
	if page.RateLimited {
		t.Error("Page should not be rate limited")
	}
	if page.Remaining != 41 {
		t.Errorf("Remaining = %d, want 41", page.Remaining)
	}
}

func TestClientRateLimitMarksPage(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		remaining string
		want      bool
	}{
		{"429", http.StatusTooManyRequests, "0", true},
		{"403 exhausted", http.StatusForbidden, "0", true},
		{"200 with headroom", http.StatusOK, "10", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("X-RateLimit-Remaining", tt.remaining)
				w.WriteHeader(tt.status)
				if tt.status == http.StatusOK {
					_ = json.NewEncoder(w).Encode(IssuePage{})
				}
			}))
			defer srv.Close()

			client := NewClient(srv.URL, "acme/app", "tok", nil)
			page, err := client.Issues(context.Background(), "", time.Time{})
			if err != nil {
				t.Fatalf("Issues failed: %v", err)
			}
			if page.RateLimited != tt.want {
				t.Errorf("RateLimited = %v, want %v", page.RateLimited, tt.want)
			}
		})
	}
}

func TestClientMutationRateLimitIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "acme/app", "tok", nil)
	_, err := client.CloseIssue(context.Background(), "iss-1")
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("CloseIssue error = %v, want ErrRateLimited", err)
	}
}

func TestClientDecodesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"code":    "not_found",
			"message": "issue does not exist",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "acme/app", "tok", nil)
	_, err := client.Comment(context.Background(), "iss-1", "evt-1")

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("Error = %v, want *HTTPError", err)
	}
	if httpErr.StatusCode != http.StatusNotFound || httpErr.Code != "not_found" {
		t.Errorf("HTTPError = %+v", httpErr)
	}
	if httpErr.Message != "issue does not exist" {
		t.Errorf("Message = %q", httpErr.Message)
	}
}

func TestClientTrackerBindsToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(TimelineRecord{ID: "evt-1", Kind: KindCommented})
	}))
	defer srv.Close()

	base := NewClient(srv.URL, "acme/app", "service-token", nil)
	bound := base.Tracker("user-token")

	if _, err := bound.PostComment(context.Background(), "iss-1", "hi"); err != nil {
		t.Fatalf("PostComment failed: %v", err)
	}
	if gotAuth != "Bearer user-token" {
		t.Errorf("Authorization = %q, want the bound user token", gotAuth)
	}
}
