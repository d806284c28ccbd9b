package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulsewatch/pulsewatch/engine/domain"
)

// schema is applied on startup. sentiment_results carries the uniqueness
// constraint that makes the final store idempotent under retries.
const schema = `
CREATE TABLE IF NOT EXISTS posts (
	id           TEXT NOT NULL,
	keyword      TEXT NOT NULL,
	source       TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	body         TEXT NOT NULL DEFAULT '',
	comments     JSONB NOT NULL DEFAULT '[]',
	created_at   TIMESTAMPTZ NOT NULL,
	execution_id TEXT NOT NULL,
	post_url     TEXT NOT NULL DEFAULT '',
	flushed_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS posts_execution_idx ON posts (execution_id);

CREATE TABLE IF NOT EXISTS executions (
	execution_id       TEXT PRIMARY KEY,
	started_at         TIMESTAMPTZ NOT NULL,
	stage              TEXT NOT NULL,
	failed_task_count  INT NOT NULL DEFAULT 0,
	total_task_count   INT NOT NULL DEFAULT 0,
	scrape_finished_at TIMESTAMPTZ,
	failure_reason     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS batch_jobs (
	job_id          TEXT PRIMARY KEY,
	execution_id    TEXT NOT NULL,
	provider_job_id TEXT NOT NULL DEFAULT '',
	provider        TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	submitted_at    TIMESTAMPTZ NOT NULL,
	last_polled_at  TIMESTAMPTZ,
	correlations    JSONB NOT NULL DEFAULT '{}',
	resubmissions   INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS batch_jobs_execution_idx ON batch_jobs (execution_id);

CREATE TABLE IF NOT EXISTS sentiment_results (
	post_id                  TEXT PRIMARY KEY,
	keyword                  TEXT NOT NULL,
	source                   TEXT NOT NULL,
	sentiment_label          TEXT NOT NULL,
	sentiment_score_positive DOUBLE PRECISION NOT NULL,
	sentiment_score_negative DOUBLE PRECISION NOT NULL,
	sentiment_score_neutral  DOUBLE PRECISION NOT NULL,
	sentiment_score_mixed    DOUBLE PRECISION NOT NULL,
	job_id                   TEXT NOT NULL,
	inserted_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS sentiment_results_keyword_idx ON sentiment_results (keyword);
`

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to dsn and ensures the schema exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ensure schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) SaveExecution(ctx context.Context, st domain.ExecutionState) error {
	query, args, err := psql.Insert("executions").
		Columns("execution_id", "started_at", "stage", "failed_task_count",
			"total_task_count", "scrape_finished_at", "failure_reason").
		Values(st.ExecutionID, st.StartedAt, string(st.Stage), st.FailedTaskCount,
			st.TotalTaskCount, nullTime(st.ScrapeFinishedAt), st.FailureReason).
		Suffix(`ON CONFLICT (execution_id) DO UPDATE SET
			stage = EXCLUDED.stage,
			failed_task_count = EXCLUDED.failed_task_count,
			total_task_count = EXCLUDED.total_task_count,
			scrape_finished_at = EXCLUDED.scrape_finished_at,
			failure_reason = EXCLUDED.failure_reason`).
		ToSql()
	if err != nil {
		return fmt.Errorf("store: build execution upsert: %w", err)
	}
	if _, err := p.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("store: save execution %s: %w", st.ExecutionID, err)
	}
	return nil
}

func (p *Postgres) GetExecution(ctx context.Context, executionID string) (domain.ExecutionState, error) {
	query, args, err := psql.Select("execution_id", "started_at", "stage",
		"failed_task_count", "total_task_count", "scrape_finished_at", "failure_reason").
		From("executions").
		Where(sq.Eq{"execution_id": executionID}).
		ToSql()
	if err != nil {
		return domain.ExecutionState{}, fmt.Errorf("store: build execution select: %w", err)
	}

	var st domain.ExecutionState
	var stage string
	var scrapeFinished *time.Time
	err = p.pool.QueryRow(ctx, query, args...).Scan(&st.ExecutionID, &st.StartedAt,
		&stage, &st.FailedTaskCount, &st.TotalTaskCount, &scrapeFinished, &st.FailureReason)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ExecutionState{}, domain.ErrExecutionNotFound
	}
	if err != nil {
		return domain.ExecutionState{}, fmt.Errorf("store: get execution %s: %w", executionID, err)
	}
	st.Stage = domain.Stage(stage)
	if scrapeFinished != nil {
		st.ScrapeFinishedAt = *scrapeFinished
	}
	return st, nil
}

func (p *Postgres) SaveJob(ctx context.Context, job domain.BatchJob) error {
	corr, err := json.Marshal(job.Correlations)
	if err != nil {
		return fmt.Errorf("store: marshal correlations: %w", err)
	}
	query, args, err := psql.Insert("batch_jobs").
		Columns("job_id", "execution_id", "provider_job_id", "provider", "status",
			"submitted_at", "last_polled_at", "correlations", "resubmissions").
		Values(job.JobID, job.ExecutionID, job.ProviderJobID, job.Provider,
			string(job.Status), job.SubmittedAt, nullTime(job.LastPolledAt), corr, job.Resubmissions).
		Suffix(`ON CONFLICT (job_id) DO UPDATE SET
			provider_job_id = EXCLUDED.provider_job_id,
			status = EXCLUDED.status,
			last_polled_at = EXCLUDED.last_polled_at,
			correlations = EXCLUDED.correlations,
			resubmissions = EXCLUDED.resubmissions`).
		ToSql()
	if err != nil {
		return fmt.Errorf("store: build job upsert: %w", err)
	}
	if _, err := p.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("store: save job %s: %w", job.JobID, err)
	}
	return nil
}

func (p *Postgres) GetJob(ctx context.Context, jobID string) (domain.BatchJob, error) {
	query, args, err := psql.Select(jobColumns()...).
		From("batch_jobs").
		Where(sq.Eq{"job_id": jobID}).
		ToSql()
	if err != nil {
		return domain.BatchJob{}, fmt.Errorf("store: build job select: %w", err)
	}
	job, err := scanJob(p.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.BatchJob{}, domain.ErrJobNotFound
	}
	return job, err
}

func (p *Postgres) JobsForExecution(ctx context.Context, executionID string) ([]domain.BatchJob, error) {
	query, args, err := psql.Select(jobColumns()...).
		From("batch_jobs").
		Where(sq.Eq{"execution_id": executionID}).
		OrderBy("submitted_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: build jobs select: %w", err)
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: jobs for execution %s: %w", executionID, err)
	}
	defer rows.Close()

	var jobs []domain.BatchJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (p *Postgres) InsertPosts(ctx context.Context, posts []domain.Post) error {
	if len(posts) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, post := range posts {
		comments, err := json.Marshal(post.Comments)
		if err != nil {
			return fmt.Errorf("store: marshal comments for %s: %w", post.ID, err)
		}
		query, args, err := psql.Insert("posts").
			Columns("id", "keyword", "source", "title", "body", "comments",
				"created_at", "execution_id", "post_url").
			Values(post.ID, post.Keyword, string(post.Source), post.Title, post.Body,
				comments, post.CreatedAt, post.ExecutionID, post.PostURL).
			ToSql()
		if err != nil {
			return fmt.Errorf("store: build post insert: %w", err)
		}
		b.Queue(query, args...)
	}
	br := p.pool.SendBatch(ctx, b)
	defer br.Close()
	for range posts {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("store: insert posts: %w", err)
		}
	}
	return nil
}

func (p *Postgres) VisiblePosts(ctx context.Context, executionID string) ([]domain.Post, error) {
	query, args, err := psql.Select("id", "keyword", "source", "title", "body",
		"comments", "created_at", "execution_id", "post_url").
		From("posts").
		Where(sq.Eq{"execution_id": executionID}).
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: build posts select: %w", err)
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: visible posts for %s: %w", executionID, err)
	}
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		var post domain.Post
		var source string
		var comments []byte
		if err := rows.Scan(&post.ID, &post.Keyword, &source, &post.Title, &post.Body,
			&comments, &post.CreatedAt, &post.ExecutionID, &post.PostURL); err != nil {
			return nil, fmt.Errorf("store: scan post: %w", err)
		}
		post.Source = domain.Source(source)
		if err := json.Unmarshal(comments, &post.Comments); err != nil {
			return nil, fmt.Errorf("store: decode comments for %s: %w", post.ID, err)
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

func (p *Postgres) UpsertResult(ctx context.Context, res domain.SentimentResult) error {
	query, args, err := psql.Insert("sentiment_results").
		Columns("post_id", "keyword", "source", "sentiment_label",
			"sentiment_score_positive", "sentiment_score_negative",
			"sentiment_score_neutral", "sentiment_score_mixed",
			"job_id", "inserted_at").
		Values(res.PostID, res.Keyword, string(res.Source), string(res.Label),
			res.Scores.Positive, res.Scores.Negative, res.Scores.Neutral, res.Scores.Mixed,
			res.JobID, res.InsertedAt).
		Suffix(`ON CONFLICT (post_id) DO UPDATE SET
			keyword = EXCLUDED.keyword,
			source = EXCLUDED.source,
			sentiment_label = EXCLUDED.sentiment_label,
			sentiment_score_positive = EXCLUDED.sentiment_score_positive,
			sentiment_score_negative = EXCLUDED.sentiment_score_negative,
			sentiment_score_neutral = EXCLUDED.sentiment_score_neutral,
			sentiment_score_mixed = EXCLUDED.sentiment_score_mixed,
			job_id = EXCLUDED.job_id,
			inserted_at = EXCLUDED.inserted_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("store: build result upsert: %w", err)
	}
	if _, err := p.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("store: upsert result %s: %w", res.PostID, err)
	}
	return nil
}

func (p *Postgres) ResultsByKeyword(ctx context.Context, keyword string, limit int) ([]domain.SentimentResult, error) {
	builder := psql.Select("post_id", "keyword", "source", "sentiment_label",
		"sentiment_score_positive", "sentiment_score_negative",
		"sentiment_score_neutral", "sentiment_score_mixed",
		"job_id", "inserted_at").
		From("sentiment_results").
		Where(sq.Eq{"keyword": keyword}).
		OrderBy("inserted_at DESC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: build results select: %w", err)
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: results for %q: %w", keyword, err)
	}
	defer rows.Close()

	var results []domain.SentimentResult
	for rows.Next() {
		var res domain.SentimentResult
		var source, label string
		if err := rows.Scan(&res.PostID, &res.Keyword, &source, &label,
			&res.Scores.Positive, &res.Scores.Negative, &res.Scores.Neutral,
			&res.Scores.Mixed, &res.JobID, &res.InsertedAt); err != nil {
			return nil, fmt.Errorf("store: scan result: %w", err)
		}
		res.Source = domain.Source(source)
		res.Label = domain.SentimentLabel(label)
		results = append(results, res)
	}
	return results, rows.Err()
}

func jobColumns() []string {
	return []string{"job_id", "execution_id", "provider_job_id", "provider",
		"status", "submitted_at", "last_polled_at", "correlations", "resubmissions"}
}

func scanJob(row pgx.Row) (domain.BatchJob, error) {
	var job domain.BatchJob
	var status string
	var lastPolled *time.Time
	var corr []byte
	err := row.Scan(&job.JobID, &job.ExecutionID, &job.ProviderJobID, &job.Provider,
		&status, &job.SubmittedAt, &lastPolled, &corr, &job.Resubmissions)
	if err != nil {
		return domain.BatchJob{}, err
	}
	job.Status = domain.JobStatus(status)
	if lastPolled != nil {
		job.LastPolledAt = *lastPolled
	}
	if err := json.Unmarshal(corr, &job.Correlations); err != nil {
		return domain.BatchJob{}, fmt.Errorf("store: decode correlations for %s: %w", job.JobID, err)
	}
	return job, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
