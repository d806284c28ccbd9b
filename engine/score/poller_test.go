package score

import (
	"context"
	"testing"
	"time"

	"github.com/pulsewatch/pulsewatch/engine/domain"
	"github.com/pulsewatch/pulsewatch/engine/store"
)

func testJob(providerJobID string, submittedAt time.Time) domain.BatchJob {
	return domain.BatchJob{
		JobID:         "exec-1-job-000",
		ExecutionID:   "exec-1",
		ProviderJobID: providerJobID,
		Provider:      "fake",
		Status:        domain.JobSubmitted,
		SubmittedAt:   submittedAt,
		Correlations:  map[string]string{"c1": "post-0001"},
	}
}

func TestWaitForCompletionTerminalShortCircuit(t *testing.T) {
	provider := newFakeProvider()
	p := NewPoller(provider, store.NewMemory(), nil)

	job := testJob("prov-1", time.Now())
	job.Status = domain.JobCompleted

	got, err := p.WaitForCompletion(context.Background(), job, PollOpts{Interval: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	// An already terminal job must not touch the provider.
	if provider.submitCount() != 0 {
		t.Error("terminal job triggered provider traffic")
	}
}

func TestWaitForCompletionProgressesToCompleted(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	provider := newFakeProvider()
	provider.statuses["prov-1"] = domain.JobInProgress
	p := NewPoller(provider, st, nil)

	job := testJob("prov-1", time.Now())
	if err := st.SaveJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		provider.setStatus("prov-1", domain.JobCompleted)
	}()

	got, err := p.WaitForCompletion(ctx, job, PollOpts{Interval: 5 * time.Millisecond, Horizon: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}

	stored, err := st.GetJob(ctx, job.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.JobCompleted {
		t.Errorf("persisted status = %q, want completed", stored.Status)
	}
	if stored.LastPolledAt.IsZero() {
		t.Error("LastPolledAt not persisted")
	}
}

func TestWaitForCompletionExpiresAtHorizon(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	provider := newFakeProvider()
	provider.statuses["prov-1"] = domain.JobInProgress
	p := NewPoller(provider, st, nil)

	// Submitted 25 hours ago against a 24 hour horizon: expired before the
	// first status check.
	job := testJob("prov-1", time.Now().Add(-25*time.Hour))
	if err := st.SaveJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	got, err := p.WaitForCompletion(ctx, job, PollOpts{Interval: time.Millisecond, Horizon: 24 * time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobExpired {
		t.Fatalf("status = %q, want expired", got.Status)
	}

	stored, err := st.GetJob(ctx, job.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.JobExpired {
		t.Errorf("expiry not persisted: %q", stored.Status)
	}
}

func TestWaitForCompletionHorizonAnchoredAtSubmission(t *testing.T) {
	// A resumed poll must account for the time the job already spent: with
	// no time remaining, the job expires instead of waiting a full horizon.
	st := store.NewMemory()
	provider := newFakeProvider()
	provider.statuses["prov-1"] = domain.JobInProgress
	p := NewPoller(provider, st, nil)

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	job := testJob("prov-1", fixed.Add(-time.Hour))
	got, err := p.WaitForCompletion(context.Background(), job, PollOpts{Interval: time.Hour, Horizon: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobExpired {
		t.Errorf("status = %q, want expired at the anchored horizon", got.Status)
	}
}

func TestWaitForCompletionStatusErrorsReArm(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	st := store.NewMemory()
	provider := newFakeProvider()
	provider.statusErr = context.DeadlineExceeded // any provider error
	p := NewPoller(provider, st, nil)

	job := testJob("prov-1", time.Now())
	if err := st.SaveJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	// Status never succeeds; the loop keeps waiting until ctx gives up.
	_, err := p.WaitForCompletion(ctx, job, PollOpts{Interval: 10 * time.Millisecond, Horizon: time.Hour})
	if err == nil {
		t.Fatal("expected context error")
	}

	stored, err := st.GetJob(ctx, job.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.JobSubmitted {
		t.Errorf("status advanced on failed checks: %q", stored.Status)
	}
}
