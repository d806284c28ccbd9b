// Package domain holds the core data model of the sentiment pipeline:
// posts, keyword configurations, scoring jobs, results, and execution state.
package domain

import (
	"strings"
	"time"
)

// Source identifies where a post was scraped from.
type Source string

const (
	SourceReddit Source = "reddit"
	SourceSteam  Source = "steam"
)

// KeywordConfig describes one (keyword, source) scrape task. Loaded once per
// execution and immutable for its lifetime.
type KeywordConfig struct {
	Keyword    string   `yaml:"keyword" json:"keyword"`
	Source     Source   `yaml:"source" json:"source"`
	Sort       string   `yaml:"sort" json:"sort"`               // hot, new, top, relevance
	TimeFilter string   `yaml:"time_filter" json:"time_filter"` // hour, day, week, month, year, all
	Subreddits []string `yaml:"subreddits" json:"subreddits,omitempty"`
	PostLimit  int      `yaml:"post_limit" json:"post_limit"`
	// CommentLimit caps how many top comments are attached per post.
	CommentLimit int `yaml:"comment_limit" json:"comment_limit"`
}

// Post is a scraped social/review post. (ID, Source) is the natural key.
// Written once to the ingestion buffer and never mutated afterward.
type Post struct {
	ID          string    `json:"id"`
	Keyword     string    `json:"keyword"`
	Source      Source    `json:"source"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	Comments    []string  `json:"comments"`
	CreatedAt   time.Time `json:"created_at"`
	ExecutionID string    `json:"execution_id"`
	PostURL     string    `json:"post_url"`
}

// FlattenText renders the post as a single line of text for scoring.
// Newlines become periods so the provider sees one record per post.
func (p Post) FlattenText() string {
	flat := func(s string) string { return strings.ReplaceAll(s, "\n", ".") }

	comments := make([]string, 0, len(p.Comments))
	for _, c := range p.Comments {
		comments = append(comments, flat(c))
	}

	var b strings.Builder
	b.WriteString("title: ")
	b.WriteString(flat(p.Title))
	b.WriteString("; body: ")
	b.WriteString(flat(p.Body))
	b.WriteString("; comments: ")
	b.WriteString(strings.Join(comments, " - "))
	return b.String()
}

// JobStatus is the lifecycle state of a scoring job.
type JobStatus string

const (
	JobSubmitted  JobStatus = "submitted"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobExpired    JobStatus = "expired"
)

// Terminal reports whether no further status transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobExpired
}

// BatchJob tracks one submission of posts to the scoring provider. Created by
// the scoring coordinator; only the poll loop mutates its status afterward.
type BatchJob struct {
	JobID         string    `json:"job_id"`
	ExecutionID   string    `json:"execution_id"`
	ProviderJobID string    `json:"provider_job_id"`
	Provider      string    `json:"provider"`
	Status        JobStatus `json:"status"`
	SubmittedAt   time.Time `json:"submitted_at"`
	LastPolledAt  time.Time `json:"last_polled_at"`
	// Correlations maps job-local correlation ids back to post ids. Kept for
	// the lifetime of the job so provider output can be re-joined.
	Correlations map[string]string `json:"correlations"`
	// Resubmissions counts how many times an expired job was resubmitted.
	Resubmissions int `json:"resubmissions"`
}

// PostIDs returns the post ids covered by this job.
func (j BatchJob) PostIDs() []string {
	ids := make([]string, 0, len(j.Correlations))
	for _, id := range j.Correlations {
		ids = append(ids, id)
	}
	return ids
}

// SentimentLabel classifies the overall sentiment of a post.
type SentimentLabel string

const (
	SentimentPositive SentimentLabel = "positive"
	SentimentNegative SentimentLabel = "negative"
	SentimentNeutral  SentimentLabel = "neutral"
	SentimentMixed    SentimentLabel = "mixed"
)

// Scores holds per-label confidence scores, each in [0,1].
type Scores struct {
	Positive float64 `json:"positive"`
	Negative float64 `json:"negative"`
	Neutral  float64 `json:"neutral"`
	Mixed    float64 `json:"mixed"`
}

// Dominant returns the label with the highest score.
func (s Scores) Dominant() SentimentLabel {
	label, best := SentimentPositive, s.Positive
	if s.Negative > best {
		label, best = SentimentNegative, s.Negative
	}
	if s.Neutral > best {
		label, best = SentimentNeutral, s.Neutral
	}
	if s.Mixed > best {
		label = SentimentMixed
	}
	return label
}

// SentimentResult is the normalized scoring outcome for one post. PostID
// carries a uniqueness constraint in the result store, so re-inserting the
// same post replaces the prior row.
type SentimentResult struct {
	PostID     string         `json:"post_id"`
	Keyword    string         `json:"keyword"`
	Source     Source         `json:"source"`
	Label      SentimentLabel `json:"sentiment_label"`
	Scores     Scores         `json:"scores"`
	JobID      string         `json:"job_id"`
	InsertedAt time.Time      `json:"inserted_at"`
}

// Stage is a step in the execution state machine.
type Stage string

const (
	StageScraping         Stage = "scraping"
	StageBuffering        Stage = "buffering"
	StageScoringSubmitted Stage = "scoring_submitted"
	StagePolling          Stage = "polling"
	StageStoring          Stage = "storing"
	StageCompleted        Stage = "completed"
	StageFailed           Stage = "failed"
)

// ExecutionState is the single source of truth for resumability. Owned and
// mutated exclusively by the orchestration engine; persisted before every
// stage transition.
type ExecutionState struct {
	ExecutionID     string    `json:"execution_id"`
	StartedAt       time.Time `json:"started_at"`
	Stage           Stage     `json:"stage"`
	FailedTaskCount int       `json:"failed_task_count"`
	TotalTaskCount  int       `json:"total_task_count"`
	// ScrapeFinishedAt anchors the buffer visibility watermark on resume.
	ScrapeFinishedAt time.Time `json:"scrape_finished_at"`
	FailureReason    string    `json:"failure_reason,omitempty"`
}

// ScrapeReport summarizes a scrape fan-out.
type ScrapeReport struct {
	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
	TimedOut     int `json:"timed_out"`
	PostsEmitted int `json:"posts_emitted"`
}

// Total returns the number of scrape tasks attempted.
func (r ScrapeReport) Total() int { return r.Succeeded + r.Failed }

// MergeReport summarizes joining provider output back to posts.
type MergeReport struct {
	Stored    int `json:"stored"`
	Anomalies int `json:"anomalies"` // provider records with no known correlation id
	Dropped   int `json:"dropped"`   // input posts the provider silently omitted
	Malformed int `json:"malformed"` // records with out-of-range or inconsistent scores
}

// Alert is the payload delivered to the failure reporter on any fatal
// transition.
type Alert struct {
	ExecutionID string    `json:"execution_id"`
	Stage       Stage     `json:"stage"`
	Reason      string    `json:"reason"`
	At          time.Time `json:"at"`
}
