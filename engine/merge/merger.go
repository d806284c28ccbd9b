// Package merge joins completed scoring output back to the originating
// posts and performs the idempotent upsert into the result store.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pulsewatch/pulsewatch/engine/domain"
	"github.com/pulsewatch/pulsewatch/engine/score"
	"github.com/pulsewatch/pulsewatch/engine/store"
)

// Merger validates and stores provider output for one completed job.
type Merger struct {
	posts   store.PostStore
	results store.ResultStore
	// anomalyTolerance is the max unmappable-record ratio before the merge
	// itself is considered failed.
	anomalyTolerance float64
	log              *slog.Logger
	now              func() time.Time
}

// NewMerger wires the merge step.
func NewMerger(posts store.PostStore, results store.ResultStore, anomalyTolerance float64, log *slog.Logger) *Merger {
	if anomalyTolerance <= 0 {
		anomalyTolerance = 0.5
	}
	if log == nil {
		log = slog.Default()
	}
	return &Merger{
		posts:            posts,
		results:          results,
		anomalyTolerance: anomalyTolerance,
		log:              log,
		now:              time.Now,
	}
}

// Merge joins each output record to its post via the job's correlation map
// and upserts a result row per post. Unmappable records are anomalies;
// posts the provider silently omitted are counted as drops. Neither fails
// the batch unless anomalies exceed the tolerance ratio.
func (m *Merger) Merge(ctx context.Context, job domain.BatchJob, output []score.OutputRecord) (domain.MergeReport, error) {
	var report domain.MergeReport

	visible, err := m.posts.VisiblePosts(ctx, job.ExecutionID)
	if err != nil {
		return report, domain.Transient(fmt.Errorf("merge: load posts: %w", err))
	}
	postsByID := make(map[string]domain.Post, len(visible))
	for _, p := range visible {
		postsByID[p.ID] = p
	}

	covered := make(map[string]bool, len(output))
	for _, rec := range output {
		postID, ok := job.Correlations[rec.CorrelationID]
		if !ok {
			report.Anomalies++
			m.log.Warn("merge: unmappable correlation id",
				"job_id", job.JobID, "correlation_id", rec.CorrelationID)
			continue
		}
		covered[rec.CorrelationID] = true

		post, ok := postsByID[postID]
		if !ok {
			report.Anomalies++
			m.log.Warn("merge: correlated post not found",
				"job_id", job.JobID, "post_id", postID)
			continue
		}

		if err := domain.ValidateScores(rec.Scores); err != nil {
			report.Malformed++
			m.log.Warn("merge: malformed scores",
				"job_id", job.JobID, "post_id", postID, "error", err)
			continue
		}
		if dominant := rec.Scores.Dominant(); dominant != rec.Label {
			// Label inconsistent with the dominant score: logged, stored
			// as returned.
			report.Malformed++
			m.log.Warn("merge: label disagrees with dominant score",
				"job_id", job.JobID, "post_id", postID,
				"label", rec.Label, "dominant", dominant)
		}

		res := domain.SentimentResult{
			PostID:     postID,
			Keyword:    post.Keyword,
			Source:     post.Source,
			Label:      rec.Label,
			Scores:     rec.Scores,
			JobID:      job.JobID,
			InsertedAt: m.now().UTC(),
		}
		if err := m.results.UpsertResult(ctx, res); err != nil {
			return report, domain.Transient(fmt.Errorf("merge: upsert result %s: %w", postID, err))
		}
		report.Stored++
	}

	// Posts the provider returned nothing for: logged and counted, not
	// retried within this job. A future rescrape can pick them up.
	for corrID, postID := range job.Correlations {
		if !covered[corrID] {
			report.Dropped++
			m.log.Warn("merge: provider dropped post",
				"job_id", job.JobID, "post_id", postID)
		}
	}

	if total := len(output); total > 0 {
		ratio := float64(report.Anomalies) / float64(total)
		if ratio > m.anomalyTolerance {
			return report, fmt.Errorf("merge: %d/%d output records unmappable: %w",
				report.Anomalies, total, domain.ErrThresholdExceeded)
		}
	}

	m.log.Info("merge: done", "job_id", job.JobID,
		"stored", report.Stored, "anomalies", report.Anomalies,
		"dropped", report.Dropped, "malformed", report.Malformed)
	return report, nil
}
