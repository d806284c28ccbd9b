// Package orch sequences the pipeline stages as an explicit, persisted state
// machine: scraping, buffering, scoring_submitted, polling, storing,
// completed, with failed reachable from any stage. Execution state is
// persisted before every transition, so the pipeline resumes at stage
// granularity after a crash and never re-runs a completed stage.
package orch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pulsewatch/pulsewatch/engine/alert"
	"github.com/pulsewatch/pulsewatch/engine/buffer"
	"github.com/pulsewatch/pulsewatch/engine/domain"
	"github.com/pulsewatch/pulsewatch/engine/merge"
	"github.com/pulsewatch/pulsewatch/engine/scrape"
	"github.com/pulsewatch/pulsewatch/engine/score"
	"github.com/pulsewatch/pulsewatch/engine/store"
	"github.com/pulsewatch/pulsewatch/pkg/fn"
)

// maxResubmissions is how many times an expired scoring job may be sent
// again before the expiry is fatal.
const maxResubmissions = 1

// Options tune stage-level policy.
type Options struct {
	// Buffer carries the flush window used to compute the visibility
	// watermark the buffering stage waits out.
	Buffer buffer.Options
	// Poll configures the job wait loop.
	Poll score.PollOpts
	// RetryAttempts bounds transient-error retries per stage.
	RetryAttempts int
}

// Deps are the stage implementations the engine sequences.
type Deps struct {
	Store    store.Store
	Scraper  *scrape.Coordinator
	Scorer   *score.Coordinator
	Poller   *score.Poller
	Merger   *merge.Merger
	Provider score.Provider
	Reporter alert.Reporter
	Logger   *slog.Logger
}

// Engine owns ExecutionState. It is the record's only writer.
type Engine struct {
	opts Options
	deps Deps
	log  *slog.Logger
	now  func() time.Time
}

// New constructs the orchestration engine.
func New(opts Options, deps Deps) *Engine {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	if deps.Reporter == nil {
		deps.Reporter = alert.LogReporter{Log: log}
	}
	return &Engine{opts: opts, deps: deps, log: log, now: time.Now}
}

// Start begins a fresh execution for the given keyword snapshot and runs it
// to a terminal stage.
func (e *Engine) Start(ctx context.Context, configs []domain.KeywordConfig) (domain.ExecutionState, error) {
	st := domain.ExecutionState{
		ExecutionID: uuid.NewString(),
		StartedAt:   e.now().UTC(),
		Stage:       domain.StageScraping,
	}
	if err := e.deps.Store.SaveExecution(ctx, st); err != nil {
		return st, fmt.Errorf("orch: persist new execution: %w", err)
	}
	e.log.Info("execution started", "execution_id", st.ExecutionID, "tasks", len(configs))
	return e.run(ctx, st, configs)
}

// Resume continues a previously persisted execution from its last recorded
// stage. Completed stages are never re-run; an execution already terminal is
// returned as-is.
func (e *Engine) Resume(ctx context.Context, executionID string, configs []domain.KeywordConfig) (domain.ExecutionState, error) {
	st, err := e.deps.Store.GetExecution(ctx, executionID)
	if err != nil {
		return st, fmt.Errorf("orch: load execution %s: %w", executionID, err)
	}
	if st.Stage == domain.StageCompleted || st.Stage == domain.StageFailed {
		return st, nil
	}
	e.log.Info("execution resumed", "execution_id", executionID, "stage", st.Stage)
	return e.run(ctx, st, configs)
}

// run drives the state machine. Aborts are honored at transition boundaries
// only; in-flight stage work runs to its own timeout.
func (e *Engine) run(ctx context.Context, st domain.ExecutionState, configs []domain.KeywordConfig) (domain.ExecutionState, error) {
	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}

		var err error
		switch st.Stage {
		case domain.StageScraping:
			st, err = e.runScrape(ctx, st, configs)
		case domain.StageBuffering:
			st, err = e.runWatermarkWait(ctx, st)
		case domain.StageScoringSubmitted:
			st, err = e.runSubmit(ctx, st)
		case domain.StagePolling:
			st, err = e.runPoll(ctx, st)
		case domain.StageStoring:
			st, err = e.runStore(ctx, st)
		case domain.StageCompleted:
			e.log.Info("execution completed", "execution_id", st.ExecutionID)
			return st, nil
		default:
			err = domain.NewStageError(st.Stage, "unknown stage", nil)
		}
		if err != nil {
			return e.fail(ctx, st, err)
		}
	}
}

// advance persists the transition to next before the next stage may begin.
func (e *Engine) advance(ctx context.Context, st domain.ExecutionState, next domain.Stage) (domain.ExecutionState, error) {
	st.Stage = next
	if err := e.deps.Store.SaveExecution(ctx, st); err != nil {
		return st, domain.Transient(fmt.Errorf("orch: persist transition to %s: %w", next, err))
	}
	e.log.Info("stage transition", "execution_id", st.ExecutionID, "stage", next)
	return st, nil
}

// fail persists the failed stage, notifies the reporter, and halts. This is
// the only path to user-visible failure; a fatal error never degrades into
// a silent completion.
func (e *Engine) fail(ctx context.Context, st domain.ExecutionState, cause error) (domain.ExecutionState, error) {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		// Aborted between stages: leave the persisted stage untouched so a
		// later resume picks up where it stopped.
		return st, cause
	}

	failedStage := st.Stage
	st.Stage = domain.StageFailed
	st.FailureReason = cause.Error()
	if err := e.deps.Store.SaveExecution(context.WithoutCancel(ctx), st); err != nil {
		e.log.Error("orch: persist failed state", "execution_id", st.ExecutionID, "error", err)
	}
	e.deps.Reporter.Report(context.WithoutCancel(ctx), domain.Alert{
		ExecutionID: st.ExecutionID,
		Stage:       failedStage,
		Reason:      cause.Error(),
		At:          e.now().UTC(),
	})
	return st, domain.NewStageError(failedStage, "fatal stage failure", cause)
}

func (e *Engine) runScrape(ctx context.Context, st domain.ExecutionState, configs []domain.KeywordConfig) (domain.ExecutionState, error) {
	report, err := e.deps.Scraper.Run(ctx, st.ExecutionID, configs)
	st.FailedTaskCount = report.Failed
	st.TotalTaskCount = report.Total()
	if err != nil {
		// Threshold breaches are policy violations, not retryable noise.
		return st, err
	}
	st.ScrapeFinishedAt = e.now().UTC()
	return e.advance(ctx, st, domain.StageBuffering)
}

// runWatermarkWait blocks until every post written during scraping is
// guaranteed visible. The buffer exposes no completion signal; querying
// early returns a silently incomplete set, so the engine waits out the
// watermark explicitly instead of polling.
func (e *Engine) runWatermarkWait(ctx context.Context, st domain.ExecutionState) (domain.ExecutionState, error) {
	anchor := st.ScrapeFinishedAt
	if anchor.IsZero() {
		anchor = st.StartedAt
	}
	visibleAt := e.opts.Buffer.Watermark(anchor)

	if wait := visibleAt.Sub(e.now()); wait > 0 {
		e.log.Info("waiting for buffer visibility",
			"execution_id", st.ExecutionID, "wait", wait)
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-time.After(wait):
		}
	}
	return e.advance(ctx, st, domain.StageScoringSubmitted)
}

func (e *Engine) runSubmit(ctx context.Context, st domain.ExecutionState) (domain.ExecutionState, error) {
	result := fn.Retry(ctx, e.retryOpts(), func(ctx context.Context) fn.Result[[]domain.BatchJob] {
		return fn.FromPair(e.deps.Scorer.Submit(ctx, st.ExecutionID))
	})
	if _, err := result.Unwrap(); err != nil {
		return st, err
	}
	return e.advance(ctx, st, domain.StagePolling)
}

// runPoll drives every job of the execution to a terminal state. An expired
// job is resubmitted once; a second expiry, or a provider-reported failure,
// is fatal.
func (e *Engine) runPoll(ctx context.Context, st domain.ExecutionState) (domain.ExecutionState, error) {
	jobs, err := e.deps.Store.JobsForExecution(ctx, st.ExecutionID)
	if err != nil {
		return st, domain.Transient(fmt.Errorf("orch: load jobs: %w", err))
	}
	if len(jobs) == 0 {
		return st, domain.NewStageError(st.Stage, "no jobs recorded for execution", domain.ErrJobNotFound)
	}

	for _, job := range jobs {
		for {
			job, err = e.deps.Poller.WaitForCompletion(ctx, job, e.opts.Poll)
			if err != nil {
				return st, err
			}

			switch job.Status {
			case domain.JobCompleted:
			case domain.JobFailed:
				return st, fmt.Errorf("job %s: %w", job.JobID, domain.ErrJobFailed)
			case domain.JobExpired:
				if job.Resubmissions >= maxResubmissions {
					return st, fmt.Errorf("job %s expired after %d resubmission(s): %w",
						job.JobID, job.Resubmissions, domain.ErrJobExpired)
				}
				job, err = e.deps.Scorer.Resubmit(ctx, job)
				if err != nil {
					return st, err
				}
				continue
			}
			break
		}
	}
	return e.advance(ctx, st, domain.StageStoring)
}

func (e *Engine) runStore(ctx context.Context, st domain.ExecutionState) (domain.ExecutionState, error) {
	jobs, err := e.deps.Store.JobsForExecution(ctx, st.ExecutionID)
	if err != nil {
		return st, domain.Transient(fmt.Errorf("orch: load jobs: %w", err))
	}

	for _, job := range jobs {
		if job.Status != domain.JobCompleted {
			continue
		}
		fetch := fn.Traced("orch.fetch_results", fn.Stage[domain.BatchJob, []score.OutputRecord](
			func(ctx context.Context, j domain.BatchJob) fn.Result[[]score.OutputRecord] {
				return fn.FromPair(e.deps.Provider.Results(ctx, j.ProviderJobID))
			}))
		persist := fn.Traced("orch.merge_results", fn.Stage[[]score.OutputRecord, domain.MergeReport](
			func(ctx context.Context, output []score.OutputRecord) fn.Result[domain.MergeReport] {
				return fn.FromPair(e.deps.Merger.Merge(ctx, job, output))
			}))
		if _, err := fn.RetryStage(e.retryOpts(), fn.Then(fetch, persist))(ctx, job).Unwrap(); err != nil {
			return st, err
		}
	}
	return e.advance(ctx, st, domain.StageCompleted)
}

// retryOpts retries transient failures only; policy violations and contract
// errors escalate immediately.
func (e *Engine) retryOpts() fn.RetryOpts {
	return fn.RetryOpts{
		MaxAttempts: e.opts.RetryAttempts,
		InitialWait: time.Second,
		MaxWait:     time.Minute,
		Jitter:      true,
		RetryIf:     domain.IsTransient,
	}
}
