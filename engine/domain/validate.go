package domain

import "fmt"

// MaxPostLimit is the hard ceiling on posts requested per scrape task.
const MaxPostLimit = 100

// ValidateKeywordConfig checks a single scrape task configuration.
func ValidateKeywordConfig(cfg KeywordConfig) error {
	if cfg.Keyword == "" {
		return fmt.Errorf("keyword config: empty keyword")
	}
	switch cfg.Source {
	case SourceReddit, SourceSteam:
	default:
		return fmt.Errorf("keyword %q: %w: %q", cfg.Keyword, ErrUnknownSource, cfg.Source)
	}
	if cfg.PostLimit <= 0 {
		return fmt.Errorf("keyword %q: post limit must be positive", cfg.Keyword)
	}
	if cfg.PostLimit > MaxPostLimit {
		return fmt.Errorf("keyword %q: post limit %d exceeds maximum %d", cfg.Keyword, cfg.PostLimit, MaxPostLimit)
	}
	return nil
}

// ValidatePost checks the fields required before a post enters the buffer.
func ValidatePost(p Post) error {
	if p.ID == "" {
		return fmt.Errorf("post: empty id")
	}
	if p.ExecutionID == "" {
		return fmt.Errorf("post %s: empty execution id", p.ID)
	}
	switch p.Source {
	case SourceReddit, SourceSteam:
	default:
		return fmt.Errorf("post %s: %w: %q", p.ID, ErrUnknownSource, p.Source)
	}
	return nil
}

// ValidateScores checks that all four scores are within [0,1].
func ValidateScores(s Scores) error {
	for _, v := range []struct {
		name  string
		score float64
	}{
		{"positive", s.Positive},
		{"negative", s.Negative},
		{"neutral", s.Neutral},
		{"mixed", s.Mixed},
	} {
		if v.score < 0 || v.score > 1 {
			return fmt.Errorf("%w: %s=%g", ErrInvalidScore, v.name, v.score)
		}
	}
	return nil
}
