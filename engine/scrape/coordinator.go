package scrape

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pulsewatch/pulsewatch/engine/buffer"
	"github.com/pulsewatch/pulsewatch/engine/domain"
	"github.com/pulsewatch/pulsewatch/pkg/fn"
)

// Options tune the scrape fan-out.
type Options struct {
	// MaxParallel is the worker ceiling; fan-out is never unbounded.
	MaxParallel int
	// TaskTimeout is the hard per-task deadline. It must stay shorter than
	// any outer execution deadline so a hung fetch fails fast instead of
	// taking the whole fan-out down with it.
	TaskTimeout time.Duration
	// FailureTolerance is the failed/total ratio above which the run is
	// escalated as a fatal stage failure.
	FailureTolerance float64
}

// Coordinator runs one fetch task per keyword config and emits validated
// posts to the ingestion sink, tolerating partial failure up to the
// configured threshold.
type Coordinator struct {
	opts    Options
	sources Registry
	sink    buffer.Sink
	log     *slog.Logger
}

// NewCoordinator wires the fan-out over the given source registry and sink.
func NewCoordinator(opts Options, sources Registry, sink buffer.Sink, log *slog.Logger) *Coordinator {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 4
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 2 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{opts: opts, sources: sources, sink: sink, log: log}
}

// taskOutcome is the per-task fan-in record.
type taskOutcome struct {
	cfg      domain.KeywordConfig
	emitted  int
	timedOut bool
	err      error
}

// Run executes the fan-out and returns the aggregated report. A single task
// failure never fails the run; exceeding the failure tolerance returns
// domain.ErrThresholdExceeded alongside the report.
func (c *Coordinator) Run(ctx context.Context, executionID string, configs []domain.KeywordConfig) (domain.ScrapeReport, error) {
	results := fn.ParMapResult(ctx, configs, c.opts.MaxParallel,
		func(ctx context.Context, cfg domain.KeywordConfig) fn.Result[taskOutcome] {
			return fn.Ok(c.runTask(ctx, executionID, cfg))
		})

	var report domain.ScrapeReport
	for i, r := range results {
		outcome, err := r.Unwrap()
		if err != nil {
			// Task never started: the fan-out context was cancelled first.
			outcome = taskOutcome{cfg: configs[i], err: err}
		}
		report.PostsEmitted += outcome.emitted
		switch {
		case outcome.err == nil:
			report.Succeeded++
		case outcome.timedOut:
			report.Failed++
			report.TimedOut++
			c.log.Warn("scrape: task timed out",
				"keyword", outcome.cfg.Keyword, "source", outcome.cfg.Source)
		default:
			report.Failed++
			c.log.Warn("scrape: task failed",
				"keyword", outcome.cfg.Keyword, "source", outcome.cfg.Source, "error", outcome.err)
		}
	}

	if report.Total() > 0 {
		ratio := float64(report.Failed) / float64(report.Total())
		if ratio > c.opts.FailureTolerance {
			return report, fmt.Errorf("scrape: %d/%d tasks failed (tolerance %.0f%%): %w",
				report.Failed, report.Total(), c.opts.FailureTolerance*100, domain.ErrThresholdExceeded)
		}
		if report.Failed > 0 {
			c.log.Warn("scrape: proceeding with partial data",
				"failed", report.Failed, "total", report.Total())
		}
	}
	return report, nil
}

// runTask fetches one (keyword, source) pair under its own deadline and
// writes each post to the sink individually.
func (c *Coordinator) runTask(ctx context.Context, executionID string, cfg domain.KeywordConfig) taskOutcome {
	outcome := taskOutcome{cfg: cfg}

	source, err := c.sources.Resolve(cfg)
	if err != nil {
		outcome.err = err
		return outcome
	}

	taskCtx, cancel := context.WithTimeout(ctx, c.opts.TaskTimeout)
	defer cancel()

	posts, err := source.Fetch(taskCtx, cfg)
	if err != nil {
		outcome.err = err
		outcome.timedOut = errors.Is(err, context.DeadlineExceeded)
		return outcome
	}

	for _, post := range posts {
		post.ExecutionID = executionID
		if err := c.sink.Write(ctx, post); err != nil {
			outcome.err = fmt.Errorf("emit post %s: %w", post.ID, err)
			return outcome
		}
		outcome.emitted++
	}

	c.log.Info("scrape: task done",
		"keyword", cfg.Keyword, "source", cfg.Source, "posts", outcome.emitted)
	return outcome
}
