package store

import (
	"context"
	"sort"
	"sync"

	"github.com/pulsewatch/pulsewatch/engine/domain"
)

// Memory is an in-process Store used by tests and offline runs. It mirrors
// the Postgres semantics: duplicate posts are kept, results are unique per
// post id.
type Memory struct {
	mu         sync.Mutex
	executions map[string]domain.ExecutionState
	jobs       map[string]domain.BatchJob
	jobOrder   []string
	posts      []domain.Post
	results    map[string]domain.SentimentResult
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		executions: make(map[string]domain.ExecutionState),
		jobs:       make(map[string]domain.BatchJob),
		results:    make(map[string]domain.SentimentResult),
	}
}

func (m *Memory) SaveExecution(_ context.Context, st domain.ExecutionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[st.ExecutionID] = st
	return nil
}

func (m *Memory) GetExecution(_ context.Context, executionID string) (domain.ExecutionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.executions[executionID]
	if !ok {
		return domain.ExecutionState{}, domain.ErrExecutionNotFound
	}
	return st, nil
}

func (m *Memory) SaveJob(_ context.Context, job domain.BatchJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.JobID]; !exists {
		m.jobOrder = append(m.jobOrder, job.JobID)
	}
	m.jobs[job.JobID] = cloneJob(job)
	return nil
}

func (m *Memory) GetJob(_ context.Context, jobID string) (domain.BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return domain.BatchJob{}, domain.ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (m *Memory) JobsForExecution(_ context.Context, executionID string) ([]domain.BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var jobs []domain.BatchJob
	for _, id := range m.jobOrder {
		if job := m.jobs[id]; job.ExecutionID == executionID {
			jobs = append(jobs, cloneJob(job))
		}
	}
	return jobs, nil
}

func (m *Memory) InsertPosts(_ context.Context, posts []domain.Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts = append(m.posts, posts...)
	return nil
}

func (m *Memory) VisiblePosts(_ context.Context, executionID string) ([]domain.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Post
	for _, p := range m.posts {
		if p.ExecutionID == executionID {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpsertResult(_ context.Context, res domain.SentimentResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[res.PostID] = res
	return nil
}

func (m *Memory) ResultsByKeyword(_ context.Context, keyword string, limit int) ([]domain.SentimentResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SentimentResult
	for _, res := range m.results {
		if res.Keyword == keyword {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InsertedAt.After(out[j].InsertedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ResultCount reports stored results; test helper.
func (m *Memory) ResultCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results)
}

func cloneJob(job domain.BatchJob) domain.BatchJob {
	corr := make(map[string]string, len(job.Correlations))
	for k, v := range job.Correlations {
		corr[k] = v
	}
	job.Correlations = corr
	return job
}
