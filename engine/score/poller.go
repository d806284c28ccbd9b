package score

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pulsewatch/pulsewatch/engine/domain"
	"github.com/pulsewatch/pulsewatch/engine/store"
)

// PollOpts tune the wait loop.
type PollOpts struct {
	// Interval between status checks. The loop suspends between ticks.
	Interval time.Duration
	// Horizon is the provider's outer SLA measured from submission; a job
	// without terminal status past it is forced to expired.
	Horizon time.Duration
}

// Poller drives a submitted job to a terminal status. It is the only writer
// of BatchJob rows after submission; every observed transition is persisted,
// so a restarted process resumes from the stored row instead of
// resubmitting.
type Poller struct {
	provider Provider
	jobs     store.JobStore
	log      *slog.Logger
	now      func() time.Time
}

// NewPoller wires the wait loop over the provider and job store.
func NewPoller(provider Provider, jobs store.JobStore, log *slog.Logger) *Poller {
	if log == nil {
		log = slog.Default()
	}
	return &Poller{provider: provider, jobs: jobs, log: log, now: time.Now}
}

// WaitForCompletion polls job status on the configured interval until the
// job is terminal or the horizon (anchored at SubmittedAt, so resumed polls
// account for time already spent) is exceeded, which forces the expired
// status. The returned job carries the final persisted state.
func (p *Poller) WaitForCompletion(ctx context.Context, job domain.BatchJob, opts PollOpts) (domain.BatchJob, error) {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Horizon <= 0 {
		opts.Horizon = 24 * time.Hour
	}
	deadline := job.SubmittedAt.Add(opts.Horizon)

	for {
		if job.Status.Terminal() {
			return job, nil
		}

		if !p.now().Before(deadline) {
			job.Status = domain.JobExpired
			job.LastPolledAt = p.now().UTC()
			if err := p.jobs.SaveJob(ctx, job); err != nil {
				return job, fmt.Errorf("poll: persist expired job %s: %w", job.JobID, err)
			}
			p.log.Warn("poll: job expired", "job_id", job.JobID, "horizon", opts.Horizon)
			return job, nil
		}

		status, err := p.provider.Status(ctx, job.ProviderJobID)
		if err != nil {
			// Transient status failures re-arm the wait; the horizon still
			// bounds the loop.
			p.log.Warn("poll: status check failed", "job_id", job.JobID, "error", err)
		} else if status != job.Status {
			p.log.Info("poll: status change", "job_id", job.JobID,
				"from", job.Status, "to", status)
			job.Status = status
		}
		job.LastPolledAt = p.now().UTC()
		if err := p.jobs.SaveJob(ctx, job); err != nil {
			return job, fmt.Errorf("poll: persist job %s: %w", job.JobID, err)
		}

		if job.Status.Terminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-time.After(opts.Interval):
		}
	}
}
