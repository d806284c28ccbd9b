package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pulsewatch/pulsewatch/engine/domain"
)

func TestMemoryExecutionRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.GetExecution(ctx, "missing"); !errors.Is(err, domain.ErrExecutionNotFound) {
		t.Errorf("want ErrExecutionNotFound, got %v", err)
	}

	st := domain.ExecutionState{ExecutionID: "exec-1", Stage: domain.StageScraping}
	if err := m.SaveExecution(ctx, st); err != nil {
		t.Fatal(err)
	}
	st.Stage = domain.StagePolling
	if err := m.SaveExecution(ctx, st); err != nil {
		t.Fatal(err)
	}

	got, err := m.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Stage != domain.StagePolling {
		t.Errorf("stage = %q, want latest write", got.Stage)
	}
}

func TestMemoryJobsKeepSubmissionOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for i := 2; i >= 0; i-- {
		job := domain.BatchJob{
			JobID:       fmt.Sprintf("exec-1-job-%03d", i),
			ExecutionID: "exec-1",
			Status:      domain.JobSubmitted,
		}
		if err := m.SaveJob(ctx, job); err != nil {
			t.Fatal(err)
		}
	}

	jobs, err := m.JobsForExecution(ctx, "exec-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 3 {
		t.Fatalf("got %d jobs", len(jobs))
	}
	// Insertion order, not lexical order.
	if jobs[0].JobID != "exec-1-job-002" || jobs[2].JobID != "exec-1-job-000" {
		t.Errorf("order = %s, %s, %s", jobs[0].JobID, jobs[1].JobID, jobs[2].JobID)
	}
}

func TestMemoryJobCloneIsolation(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	job := domain.BatchJob{
		JobID:        "j1",
		ExecutionID:  "exec-1",
		Correlations: map[string]string{"c1": "p1"},
	}
	if err := m.SaveJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	got, err := m.GetJob(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	got.Correlations["c2"] = "p2"

	again, _ := m.GetJob(ctx, "j1")
	if len(again.Correlations) != 1 {
		t.Error("caller mutation leaked into the store")
	}
}

func TestMemoryUpsertResultIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	res := domain.SentimentResult{
		PostID:     "p1",
		Keyword:    "kw",
		Label:      domain.SentimentNeutral,
		InsertedAt: time.Unix(100, 0),
	}
	if err := m.UpsertResult(ctx, res); err != nil {
		t.Fatal(err)
	}

	res.Label = domain.SentimentPositive
	res.InsertedAt = time.Unix(200, 0)
	if err := m.UpsertResult(ctx, res); err != nil {
		t.Fatal(err)
	}

	if m.ResultCount() != 1 {
		t.Fatalf("rows = %d, want 1 per post id", m.ResultCount())
	}
	results, err := m.ResultsByKeyword(ctx, "kw", 10)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Label != domain.SentimentPositive {
		t.Errorf("label = %q, want the replacing write", results[0].Label)
	}
}

func TestMemoryVisiblePostsFiltersByExecution(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	posts := []domain.Post{
		{ID: "a", ExecutionID: "exec-1", CreatedAt: time.Unix(2, 0)},
		{ID: "b", ExecutionID: "exec-2", CreatedAt: time.Unix(1, 0)},
		{ID: "c", ExecutionID: "exec-1", CreatedAt: time.Unix(1, 0)},
	}
	if err := m.InsertPosts(ctx, posts); err != nil {
		t.Fatal(err)
	}

	visible, err := m.VisiblePosts(ctx, "exec-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(visible) != 2 {
		t.Fatalf("got %d posts", len(visible))
	}
	if visible[0].ID != "c" || visible[1].ID != "a" {
		t.Errorf("not ordered by creation time: %s, %s", visible[0].ID, visible[1].ID)
	}
}
