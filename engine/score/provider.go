// Package score packages visible posts into bounded batch jobs, submits them
// to the external sentiment provider, and polls the jobs to a terminal state.
package score

import (
	"context"

	"github.com/pulsewatch/pulsewatch/engine/domain"
)

// BatchItem is one scoring request line. The correlation id is job-local and
// links the provider's output record back to the originating post.
type BatchItem struct {
	CorrelationID string
	Text          string
}

// OutputRecord is one parsed provider result line.
type OutputRecord struct {
	CorrelationID string
	Label         domain.SentimentLabel
	Scores        domain.Scores
}

// Provider is the external batch scoring capability. Submission returns a
// provider-side job id; results only exist once Status reports completion.
type Provider interface {
	Name() string
	Submit(ctx context.Context, items []BatchItem) (string, error)
	Status(ctx context.Context, providerJobID string) (domain.JobStatus, error)
	Results(ctx context.Context, providerJobID string) ([]OutputRecord, error)
}
