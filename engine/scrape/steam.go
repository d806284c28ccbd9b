package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/pulsewatch/pulsewatch/engine/domain"
)

const (
	defaultSteamBaseURL = "https://store.steampowered.com"
	// maxReviewRunes caps a review body before scoring.
	maxReviewRunes = 960
)

// SteamSource fetches game reviews: a store search resolves the keyword to
// an app id, then the appreviews endpoint returns review text. Reviews carry
// no comment threads.
type SteamSource struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// SteamOpts configures the Steam client.
type SteamOpts struct {
	BaseURL           string
	RequestsPerSecond float64
}

// NewSteamSource creates a rate-limited Steam client.
func NewSteamSource(opts SteamOpts) *SteamSource {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultSteamBaseURL
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 1
	}
	return &SteamSource{
		baseURL: opts.BaseURL,
		client: &http.Client{
			Timeout:   20 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 2),
	}
}

func (s *SteamSource) Name() domain.Source { return domain.SourceSteam }

// Fetch resolves the keyword to a Steam app and returns its recent reviews
// as posts. An unknown game yields an empty set, not an error.
func (s *SteamSource) Fetch(ctx context.Context, cfg domain.KeywordConfig) ([]domain.Post, error) {
	appID, err := s.findAppID(ctx, cfg.Keyword)
	if err != nil {
		return nil, fmt.Errorf("steam app lookup %q: %w", cfg.Keyword, err)
	}
	if appID == 0 {
		return nil, nil
	}
	return s.fetchReviews(ctx, appID, cfg)
}

func (s *SteamSource) findAppID(ctx context.Context, keyword string) (int64, error) {
	q := url.Values{}
	q.Set("term", keyword)
	q.Set("l", "english")
	q.Set("cc", "US")

	var resp searchResponse
	if err := s.getJSON(ctx, s.baseURL+"/api/storesearch?"+q.Encode(), &resp); err != nil {
		return 0, err
	}
	if resp.Total == 0 || len(resp.Items) == 0 {
		return 0, nil
	}
	return resp.Items[0].ID, nil
}

func (s *SteamSource) fetchReviews(ctx context.Context, appID int64, cfg domain.KeywordConfig) ([]domain.Post, error) {
	dayRange := map[string]int{"hour": 1, "day": 1, "week": 7, "month": 30, "year": 365, "all": 0}[cfg.TimeFilter]
	sort := map[string]string{"top": "helpfulness", "hot": "helpfulness", "new": "created"}[cfg.Sort]
	if sort == "" {
		sort = "helpfulness"
	}

	q := url.Values{}
	q.Set("json", "1")
	q.Set("language", "english")
	q.Set("filter", "all")
	q.Set("review_type", "all")
	q.Set("purchase_type", "all")
	q.Set("num_per_page", fmt.Sprint(cfg.PostLimit))
	q.Set("day_range", fmt.Sprint(dayRange))
	q.Set("cursor", "*")
	q.Set("sort", sort)

	var resp reviewsResponse
	u := fmt.Sprintf("%s/appreviews/%d?%s", s.baseURL, appID, q.Encode())
	if err := s.getJSON(ctx, u, &resp); err != nil {
		return nil, err
	}
	if resp.Success == 0 {
		return nil, fmt.Errorf("steam reviews for app %d: not successful", appID)
	}

	posts := make([]domain.Post, 0, len(resp.Reviews))
	for _, r := range resp.Reviews {
		body := r.Review
		if runes := []rune(body); len(runes) > maxReviewRunes {
			body = string(runes[:maxReviewRunes]) + "..."
		}
		posts = append(posts, domain.Post{
			ID:        "steam_" + r.RecommendationID,
			Keyword:   cfg.Keyword,
			Source:    domain.SourceSteam,
			Title:     "Steam Review for " + cfg.Keyword,
			Body:      body,
			CreatedAt: time.Unix(r.TimestampCreated, 0).UTC(),
			PostURL:   fmt.Sprintf("https://steamcommunity.com/profiles/%s/recommended/%d/", r.Author.SteamID, appID),
		})
	}
	return posts, nil
}

func (s *SteamSource) getJSON(ctx context.Context, url string, v any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return domain.Transient(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return domain.Transient(fmt.Errorf("http %d from %s", resp.StatusCode, url))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

// Steam API response types.

type searchResponse struct {
	Total int `json:"total"`
	Items []struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"items"`
}

type reviewsResponse struct {
	Success int `json:"success"`
	Reviews []struct {
		RecommendationID string `json:"recommendationid"`
		Review           string `json:"review"`
		TimestampCreated int64  `json:"timestamp_created"`
		Author           struct {
			SteamID string `json:"steamid"`
		} `json:"author"`
	} `json:"reviews"`
}
