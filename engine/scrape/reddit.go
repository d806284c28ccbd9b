package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/pulsewatch/pulsewatch/engine/domain"
	"github.com/pulsewatch/pulsewatch/pkg/fn"
)

const defaultRedditBaseURL = "https://www.reddit.com"

// RedditSource fetches keyword matches from Reddit's public JSON API:
// a search listing per subreddit, then top comments per matched post.
type RedditSource struct {
	baseURL   string
	userAgent string
	client    *http.Client
	limiter   *rate.Limiter
}

// RedditOpts configures the Reddit client.
type RedditOpts struct {
	BaseURL   string
	UserAgent string
	// RequestsPerSecond caps the request rate against the public API.
	RequestsPerSecond float64
}

// NewRedditSource creates a rate-limited Reddit client.
func NewRedditSource(opts RedditOpts) *RedditSource {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultRedditBaseURL
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "pulsewatch/1.0 (keyword sentiment collection)"
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 1
	}
	return &RedditSource{
		baseURL:   opts.BaseURL,
		userAgent: opts.UserAgent,
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 2),
	}
}

func (s *RedditSource) Name() domain.Source { return domain.SourceReddit }

// Fetch searches each configured subreddit for the keyword and attaches top
// comments. A failed comment fetch degrades the post, not the task.
func (s *RedditSource) Fetch(ctx context.Context, cfg domain.KeywordConfig) ([]domain.Post, error) {
	subreddits := cfg.Subreddits
	if len(subreddits) == 0 {
		subreddits = []string{"all"}
	}

	var posts []domain.Post
	for _, sub := range subreddits {
		listing, err := s.search(ctx, sub, cfg)
		if err != nil {
			return nil, fmt.Errorf("r/%s search %q: %w", sub, cfg.Keyword, err)
		}

		for _, child := range listing.Data.Children {
			if child.Kind != "t3" {
				continue
			}
			if len(posts) >= cfg.PostLimit {
				break
			}
			d := child.Data
			post := domain.Post{
				ID:        d.ID,
				Keyword:   cfg.Keyword,
				Source:    domain.SourceReddit,
				Title:     d.Title,
				Body:      d.SelfText,
				CreatedAt: time.Unix(int64(d.CreatedUTC), 0).UTC(),
				PostURL:   s.baseURL + d.Permalink,
			}
			comments, err := s.topComments(ctx, d.Permalink, cfg.CommentLimit)
			if err == nil {
				post.Comments = comments
			}
			posts = append(posts, post)
		}
		if len(posts) >= cfg.PostLimit {
			break
		}
	}
	return posts, nil
}

func (s *RedditSource) search(ctx context.Context, sub string, cfg domain.KeywordConfig) (*listingResponse, error) {
	q := url.Values{}
	q.Set("q", cfg.Keyword)
	q.Set("sort", cfg.Sort)
	q.Set("t", cfg.TimeFilter)
	q.Set("limit", fmt.Sprint(cfg.PostLimit))
	q.Set("restrict_sr", "on")
	q.Set("raw_json", "1")
	u := fmt.Sprintf("%s/r/%s/search.json?%s", s.baseURL, sub, q.Encode())

	result := fn.Retry(ctx, fn.RetryOpts{
		MaxAttempts: 3,
		InitialWait: 5 * time.Second,
		MaxWait:     30 * time.Second,
		Jitter:      true,
	}, func(ctx context.Context) fn.Result[*listingResponse] {
		if err := s.limiter.Wait(ctx); err != nil {
			return fn.Err[*listingResponse](err)
		}
		return s.getListing(ctx, u)
	})
	return result.Unwrap()
}

func (s *RedditSource) topComments(ctx context.Context, permalink string, limit int) ([]string, error) {
	u := fmt.Sprintf("%s%s.json?limit=%d&raw_json=1&sort=top", s.baseURL, permalink, limit)

	result := fn.Retry(ctx, fn.RetryOpts{
		MaxAttempts: 2,
		InitialWait: 3 * time.Second,
		MaxWait:     15 * time.Second,
		Jitter:      true,
	}, func(ctx context.Context) fn.Result[[]string] {
		if err := s.limiter.Wait(ctx); err != nil {
			return fn.Err[[]string](err)
		}
		return s.getComments(ctx, u, limit)
	})
	return result.Unwrap()
}

func (s *RedditSource) getListing(ctx context.Context, url string) fn.Result[*listingResponse] {
	body, err := s.httpGet(ctx, url)
	if err != nil {
		return fn.Err[*listingResponse](err)
	}
	defer body.Close()

	var resp listingResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return fn.Errf[*listingResponse]("decode listing: %v", err)
	}
	return fn.Ok(&resp)
}

func (s *RedditSource) getComments(ctx context.Context, url string, limit int) fn.Result[[]string] {
	body, err := s.httpGet(ctx, url)
	if err != nil {
		return fn.Err[[]string](err)
	}
	defer body.Close()

	// Reddit returns [postListing, commentListing].
	var listings []listingResponse
	if err := json.NewDecoder(body).Decode(&listings); err != nil {
		return fn.Errf[[]string]("decode comments: %v", err)
	}
	if len(listings) < 2 {
		return fn.Ok([]string(nil))
	}

	var comments []string
	for _, child := range listings[1].Data.Children {
		if child.Kind != "t1" || child.Data.Body == "" {
			continue
		}
		comments = append(comments, child.Data.Body)
		if limit > 0 && len(comments) >= limit {
			break
		}
	}
	return fn.Ok(comments)
}

func (s *RedditSource) httpGet(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, domain.Transient(err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		resp.Body.Close()
		return nil, domain.Transient(fmt.Errorf("http %d from %s", resp.StatusCode, url))
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return resp.Body, nil
}

// Reddit JSON API response types.

type listingResponse struct {
	Data struct {
		Children []listingChild `json:"children"`
		After    string         `json:"after"`
	} `json:"data"`
}

type listingChild struct {
	Kind string      `json:"kind"`
	Data listingData `json:"data"`
}

type listingData struct {
	ID         string  `json:"id"`
	Subreddit  string  `json:"subreddit"`
	Title      string  `json:"title"`
	SelfText   string  `json:"selftext"`
	Body       string  `json:"body"`
	Permalink  string  `json:"permalink"`
	CreatedUTC float64 `json:"created_utc"`
}
