package score

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pulsewatch/pulsewatch/engine/domain"
	"github.com/pulsewatch/pulsewatch/engine/store"
)

// Coordinator reads the now-visible post set of an execution, partitions it
// into jobs bounded by the provider payload limit, and submits them. Every
// job row is durable before any poll begins, so a crash after submission
// never loses track of an in-flight paid job.
type Coordinator struct {
	provider Provider
	posts    store.PostStore
	jobs     store.JobStore
	maxItems int
	log      *slog.Logger
	now      func() time.Time
}

// NewCoordinator wires the scoring submission path.
func NewCoordinator(provider Provider, posts store.PostStore, jobs store.JobStore, maxItemsPerJob int, log *slog.Logger) *Coordinator {
	if maxItemsPerJob <= 0 {
		maxItemsPerJob = 500
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		provider: provider,
		posts:    posts,
		jobs:     jobs,
		maxItems: maxItemsPerJob,
		log:      log,
		now:      time.Now,
	}
}

// Submit queries visible posts for the execution and submits one or more
// batch jobs. Job ids are deterministic per (execution, partition), so a
// retried submission skips partitions whose job already reached the
// provider instead of paying for them twice.
func (c *Coordinator) Submit(ctx context.Context, executionID string) ([]domain.BatchJob, error) {
	visible, err := c.posts.VisiblePosts(ctx, executionID)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("score: query visible posts: %w", err))
	}
	if len(visible) == 0 {
		return nil, domain.ErrNoPosts
	}

	posts, err := dedupe(executionID, visible)
	if err != nil {
		return nil, err
	}

	var jobs []domain.BatchJob
	for i := 0; i < len(posts); i += c.maxItems {
		end := i + c.maxItems
		if end > len(posts) {
			end = len(posts)
		}
		job, err := c.submitPartition(ctx, executionID, i/c.maxItems, posts[i:end])
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, job)
	}

	c.log.Info("score: submitted", "execution_id", executionID,
		"jobs", len(jobs), "posts", len(posts))
	return jobs, nil
}

func (c *Coordinator) submitPartition(ctx context.Context, executionID string, partition int, posts []domain.Post) (domain.BatchJob, error) {
	jobID := fmt.Sprintf("%s-job-%03d", executionID, partition)

	// Already durable with a provider id: submitted on a prior attempt.
	if existing, err := c.jobs.GetJob(ctx, jobID); err == nil && existing.ProviderJobID != "" {
		return existing, nil
	}

	items := make([]BatchItem, len(posts))
	correlations := make(map[string]string, len(posts))
	for i, post := range posts {
		corrID := uuid.NewString()
		correlations[corrID] = post.ID
		items[i] = BatchItem{CorrelationID: corrID, Text: post.FlattenText()}
	}

	providerJobID, err := c.provider.Submit(ctx, items)
	if err != nil {
		return domain.BatchJob{}, fmt.Errorf("score: submit job %s: %w", jobID, err)
	}

	job := domain.BatchJob{
		JobID:         jobID,
		ExecutionID:   executionID,
		ProviderJobID: providerJobID,
		Provider:      c.provider.Name(),
		Status:        domain.JobSubmitted,
		SubmittedAt:   c.now().UTC(),
		Correlations:  correlations,
	}
	if err := c.jobs.SaveJob(ctx, job); err != nil {
		// The provider job is live but untracked; surface loudly rather
		// than continuing into a poll that cannot be resumed.
		return domain.BatchJob{}, fmt.Errorf("score: persist job %s (provider job %s live): %w",
			jobID, providerJobID, err)
	}
	return job, nil
}

// Resubmit sends an expired job's posts to the provider again under the same
// job record, preserving the correlation map and bumping the resubmission
// counter. The caller enforces the single-resubmission policy.
func (c *Coordinator) Resubmit(ctx context.Context, job domain.BatchJob) (domain.BatchJob, error) {
	visible, err := c.posts.VisiblePosts(ctx, job.ExecutionID)
	if err != nil {
		return job, domain.Transient(fmt.Errorf("score: query posts for resubmit: %w", err))
	}
	byID := make(map[string]domain.Post, len(visible))
	for _, p := range visible {
		byID[p.ID] = p
	}

	items := make([]BatchItem, 0, len(job.Correlations))
	for corrID, postID := range job.Correlations {
		post, ok := byID[postID]
		if !ok {
			c.log.Warn("score: post missing on resubmit", "job_id", job.JobID, "post_id", postID)
			continue
		}
		items = append(items, BatchItem{CorrelationID: corrID, Text: post.FlattenText()})
	}
	if len(items) == 0 {
		return job, domain.ErrNoPosts
	}

	providerJobID, err := c.provider.Submit(ctx, items)
	if err != nil {
		return job, fmt.Errorf("score: resubmit job %s: %w", job.JobID, err)
	}

	job.ProviderJobID = providerJobID
	job.Status = domain.JobSubmitted
	job.SubmittedAt = c.now().UTC()
	job.Resubmissions++
	if err := c.jobs.SaveJob(ctx, job); err != nil {
		return job, fmt.Errorf("score: persist resubmitted job %s: %w", job.JobID, err)
	}
	c.log.Info("score: resubmitted", "job_id", job.JobID, "attempt", job.Resubmissions)
	return job, nil
}

// dedupe keeps the first occurrence per (id, source) pair and validates that
// all posts belong to the same execution. Ids are only unique within one
// source, so the source is part of the key.
func dedupe(executionID string, posts []domain.Post) ([]domain.Post, error) {
	type postKey struct {
		id     string
		source domain.Source
	}
	seen := make(map[postKey]bool, len(posts))
	out := make([]domain.Post, 0, len(posts))
	for _, p := range posts {
		if p.ExecutionID != executionID {
			return nil, fmt.Errorf("score: post %s from execution %s: %w",
				p.ID, p.ExecutionID, domain.ErrMixedExecutions)
		}
		k := postKey{id: p.ID, source: p.Source}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, p)
	}
	return out, nil
}
