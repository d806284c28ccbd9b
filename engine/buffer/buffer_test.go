package buffer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pulsewatch/pulsewatch/engine/domain"
	"github.com/pulsewatch/pulsewatch/engine/store"
)

func TestWatermark(t *testing.T) {
	opts := Options{FlushInterval: 3 * time.Minute, SafetyMargin: 30 * time.Second}
	submitted := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	got := opts.Watermark(submitted)
	want := submitted.Add(3*time.Minute + 30*time.Second)
	if !got.Equal(want) {
		t.Errorf("Watermark = %v, want %v", got, want)
	}
}

func bufferPost(id string, body string) domain.Post {
	return domain.Post{
		ID:          id,
		ExecutionID: "exec-1",
		Source:      domain.SourceReddit,
		Keyword:     "kw",
		Body:        body,
	}
}

func TestFlusherVisibilityOnlyAfterFlush(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	f := NewFlusher(Options{FlushInterval: time.Minute}, st, nil)

	f.Add(bufferPost("p1", "hello"))
	f.Add(bufferPost("p2", "world"))

	visible, err := st.VisiblePosts(ctx, "exec-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(visible) != 0 {
		t.Fatalf("posts visible before flush: %d", len(visible))
	}
	if f.Pending() != 2 {
		t.Errorf("pending = %d, want 2", f.Pending())
	}

	n, err := f.Flush(ctx)
	if err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if n != 2 {
		t.Errorf("flushed %d, want 2", n)
	}

	visible, err = st.VisiblePosts(ctx, "exec-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(visible) != 2 {
		t.Errorf("got %d visible posts after flush, want 2", len(visible))
	}
	if f.Pending() != 0 {
		t.Errorf("pending = %d after flush, want 0", f.Pending())
	}
}

func TestFlusherSizeTrigger(t *testing.T) {
	f := NewFlusher(Options{FlushSizeBytes: 100}, store.NewMemory(), nil)

	if f.Add(bufferPost("p1", "short")) {
		t.Error("size trigger fired below threshold")
	}
	if !f.Add(bufferPost("p2", string(make([]byte, 200)))) {
		t.Error("size trigger did not fire at threshold")
	}
}

func TestFlusherDefaultsFlushInterval(t *testing.T) {
	// Run's flush ticker panics on a non-positive interval, so a zero
	// config value must fall back to the default.
	f := NewFlusher(Options{}, store.NewMemory(), nil)
	if f.opts.FlushInterval <= 0 {
		t.Fatalf("FlushInterval = %v, want a positive default", f.opts.FlushInterval)
	}
}

func TestFlusherKeepsDuplicates(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	f := NewFlusher(Options{}, st, nil)

	f.Add(bufferPost("same", "a"))
	f.Add(bufferPost("same", "a"))
	if _, err := f.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	visible, _ := st.VisiblePosts(ctx, "exec-1")
	if len(visible) != 2 {
		t.Errorf("got %d rows, want duplicates preserved until result storage", len(visible))
	}
}

// failingPostStore rejects the first n flush attempts.
type failingPostStore struct {
	store.PostStore
	failures int
}

func (s *failingPostStore) InsertPosts(ctx context.Context, posts []domain.Post) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("store down")
	}
	return s.PostStore.InsertPosts(ctx, posts)
}

func TestFlusherRetainsBatchOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	f := NewFlusher(Options{}, &failingPostStore{PostStore: mem, failures: 1}, nil)

	for i := 0; i < 3; i++ {
		f.Add(bufferPost(fmt.Sprintf("p%d", i), "x"))
	}

	if _, err := f.Flush(ctx); err == nil {
		t.Fatal("expected flush error")
	}
	if f.Pending() != 3 {
		t.Fatalf("pending = %d after failed flush, want 3", f.Pending())
	}

	n, err := f.Flush(ctx)
	if err != nil {
		t.Fatalf("second flush failed: %v", err)
	}
	if n != 3 {
		t.Errorf("second flush moved %d posts, want 3", n)
	}
}
