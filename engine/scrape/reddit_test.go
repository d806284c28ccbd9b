package scrape

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pulsewatch/pulsewatch/engine/domain"
)

const redditSearchBody = `{
	"data": {"children": [
		{"kind": "t3", "data": {
			"id": "abc1", "title": "Is it worth it?", "selftext": "Thinking of buying.",
			"permalink": "/r/gaming/comments/abc1/worth", "created_utc": 1700000000
		}},
		{"kind": "t5", "data": {"id": "skipme"}},
		{"kind": "t3", "data": {
			"id": "abc2", "title": "Patch notes", "selftext": "",
			"permalink": "/r/gaming/comments/abc2/patch", "created_utc": 1700000100
		}}
	]}
}`

const redditCommentsBody = `[
	{"data": {"children": []}},
	{"data": {"children": [
		{"kind": "t1", "data": {"body": "Absolutely worth it"}},
		{"kind": "t1", "data": {"body": ""}},
		{"kind": "t1", "data": {"body": "Wait for a sale"}},
		{"kind": "t1", "data": {"body": "Third comment"}}
	]}}
]`

func redditTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/search.json"):
			if got := r.URL.Query().Get("q"); got != "elden ring" {
				t.Errorf("search q = %q", got)
			}
			w.Write([]byte(redditSearchBody))
		case strings.HasSuffix(r.URL.Path, ".json"):
			w.Write([]byte(redditCommentsBody))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestRedditFetch(t *testing.T) {
	ts := redditTestServer(t)
	src := NewRedditSource(RedditOpts{BaseURL: ts.URL, RequestsPerSecond: 1000})

	posts, err := src.Fetch(context.Background(), domain.KeywordConfig{
		Keyword:      "elden ring",
		Source:       domain.SourceReddit,
		Sort:         "top",
		TimeFilter:   "day",
		Subreddits:   []string{"gaming"},
		PostLimit:    10,
		CommentLimit: 2,
	})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	if len(posts) != 2 {
		t.Fatalf("got %d posts, want 2 (non-t3 children skipped)", len(posts))
	}

	p := posts[0]
	if p.ID != "abc1" || p.Source != domain.SourceReddit || p.Keyword != "elden ring" {
		t.Errorf("post identity wrong: %+v", p)
	}
	if p.Title != "Is it worth it?" || p.Body != "Thinking of buying." {
		t.Errorf("post content wrong: %+v", p)
	}
	if len(p.Comments) != 2 {
		t.Fatalf("got %d comments, want comment limit 2", len(p.Comments))
	}
	if p.Comments[0] != "Absolutely worth it" || p.Comments[1] != "Wait for a sale" {
		t.Errorf("comments = %v (empty bodies must be skipped)", p.Comments)
	}
	if !strings.Contains(p.PostURL, "/r/gaming/comments/abc1") {
		t.Errorf("post url = %q", p.PostURL)
	}
}

func TestRedditFetchHonorsPostLimit(t *testing.T) {
	ts := redditTestServer(t)
	src := NewRedditSource(RedditOpts{BaseURL: ts.URL, RequestsPerSecond: 1000})

	posts, err := src.Fetch(context.Background(), domain.KeywordConfig{
		Keyword:    "elden ring",
		Source:     domain.SourceReddit,
		Subreddits: []string{"gaming"},
		PostLimit:  1,
	})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(posts) != 1 {
		t.Errorf("got %d posts, want post limit 1", len(posts))
	}
}
