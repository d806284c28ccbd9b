// Package store persists the pipeline's durable records: ingested posts,
// execution state, batch jobs, and sentiment results.
package store

import (
	"context"

	"github.com/pulsewatch/pulsewatch/engine/domain"
)

// ExecutionStore holds execution state. The orchestration engine is the only
// writer.
type ExecutionStore interface {
	SaveExecution(ctx context.Context, st domain.ExecutionState) error
	GetExecution(ctx context.Context, executionID string) (domain.ExecutionState, error)
}

// JobStore holds batch job records. The scoring coordinator creates rows;
// only the poll loop updates them afterward.
type JobStore interface {
	SaveJob(ctx context.Context, job domain.BatchJob) error
	GetJob(ctx context.Context, jobID string) (domain.BatchJob, error)
	// JobsForExecution returns all jobs of an execution, submission order.
	JobsForExecution(ctx context.Context, executionID string) ([]domain.BatchJob, error)
}

// PostStore receives buffer flushes and serves the visible post set.
// Duplicate (id, source) rows across flushes are expected and tolerated;
// deduplication happens at result storage.
type PostStore interface {
	InsertPosts(ctx context.Context, posts []domain.Post) error
	VisiblePosts(ctx context.Context, executionID string) ([]domain.Post, error)
}

// ResultStore performs the idempotent result upsert keyed by post id.
type ResultStore interface {
	UpsertResult(ctx context.Context, res domain.SentimentResult) error
	ResultsByKeyword(ctx context.Context, keyword string, limit int) ([]domain.SentimentResult, error)
}

// Store is the full persistence surface of the pipeline.
type Store interface {
	ExecutionStore
	JobStore
	PostStore
	ResultStore
}
