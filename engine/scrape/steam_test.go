package scrape

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pulsewatch/pulsewatch/engine/domain"
)

func steamTestServer(t *testing.T, reviewBody string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/storesearch":
			fmt.Fprint(w, `{"total": 1, "items": [{"id": 1245620, "name": "ELDEN RING"}]}`)
		case strings.HasPrefix(r.URL.Path, "/appreviews/1245620"):
			fmt.Fprintf(w, `{"success": 1, "reviews": [
				{"recommendationid": "900001", "review": %q, "timestamp_created": 1700000000,
				 "author": {"steamid": "765611"}}
			]}`, reviewBody)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestSteamFetch(t *testing.T) {
	ts := steamTestServer(t, "Best game I have ever played.")
	src := NewSteamSource(SteamOpts{BaseURL: ts.URL, RequestsPerSecond: 1000})

	posts, err := src.Fetch(context.Background(), domain.KeywordConfig{
		Keyword:    "elden ring",
		Source:     domain.SourceSteam,
		Sort:       "top",
		TimeFilter: "week",
		PostLimit:  10,
	})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(posts) != 1 {
		t.Fatalf("got %d posts, want 1", len(posts))
	}

	p := posts[0]
	if p.ID != "steam_900001" {
		t.Errorf("id = %q, want steam_900001", p.ID)
	}
	if p.Source != domain.SourceSteam || p.Keyword != "elden ring" {
		t.Errorf("post identity wrong: %+v", p)
	}
	if p.Body != "Best game I have ever played." {
		t.Errorf("body = %q", p.Body)
	}
	if !strings.Contains(p.PostURL, "765611") {
		t.Errorf("post url = %q", p.PostURL)
	}
}

func TestSteamFetchCapsLongReviews(t *testing.T) {
	long := strings.Repeat("я", 2000)
	ts := steamTestServer(t, long)
	src := NewSteamSource(SteamOpts{BaseURL: ts.URL, RequestsPerSecond: 1000})

	posts, err := src.Fetch(context.Background(), domain.KeywordConfig{
		Keyword: "elden ring", Source: domain.SourceSteam, PostLimit: 10,
	})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	body := []rune(posts[0].Body)
	if len(body) != maxReviewRunes+3 {
		t.Errorf("capped body length = %d runes, want %d plus ellipsis", len(body), maxReviewRunes+3)
	}
	if !strings.HasSuffix(posts[0].Body, "...") {
		t.Error("capped body must end with ellipsis")
	}
}

func TestSteamFetchUnknownGame(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/storesearch" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"total": 0, "items": []}`)
	}))
	t.Cleanup(ts.Close)
	src := NewSteamSource(SteamOpts{BaseURL: ts.URL, RequestsPerSecond: 1000})

	posts, err := src.Fetch(context.Background(), domain.KeywordConfig{
		Keyword: "no such game", Source: domain.SourceSteam, PostLimit: 10,
	})
	if err != nil {
		t.Fatalf("unknown game must not be an error, got %v", err)
	}
	if len(posts) != 0 {
		t.Errorf("got %d posts for unknown game, want 0", len(posts))
	}
}
