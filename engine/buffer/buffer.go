// Package buffer implements the ingestion buffer: writes are acknowledged
// immediately but become queryable only after the next flush, bounded by a
// flush interval or an accumulated payload threshold, whichever triggers
// first. Downstream stages must wait out the visibility watermark instead of
// polling the buffer.
package buffer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pulsewatch/pulsewatch/engine/domain"
	"github.com/pulsewatch/pulsewatch/engine/store"
	"github.com/pulsewatch/pulsewatch/pkg/natsutil"
)

// Sink is the buffer write path. Writes are accepted and acknowledged before
// they are visible to readers.
type Sink interface {
	Write(ctx context.Context, post domain.Post) error
}

// Options tune the flush window.
type Options struct {
	// FlushInterval is the maximum time a write waits before visibility.
	FlushInterval time.Duration
	// FlushSizeBytes flushes early once accumulated payload reaches it.
	FlushSizeBytes int64
	// SafetyMargin widens the watermark beyond the flush interval.
	SafetyMargin time.Duration
}

// Watermark returns the earliest instant at which every post written before
// submitted is guaranteed visible. Querying earlier yields a silently
// incomplete set.
func (o Options) Watermark(submitted time.Time) time.Time {
	return submitted.Add(o.FlushInterval + o.SafetyMargin)
}

// NATSSink publishes posts to the buffer transport subject.
type NATSSink struct {
	nc      *nats.Conn
	subject string
}

// NewNATSSink creates the write path over an established NATS connection.
func NewNATSSink(nc *nats.Conn, subject string) *NATSSink {
	return &NATSSink{nc: nc, subject: subject}
}

func (s *NATSSink) Write(ctx context.Context, post domain.Post) error {
	if err := domain.ValidatePost(post); err != nil {
		return err
	}
	if err := natsutil.Publish(ctx, s.nc, s.subject, post); err != nil {
		return domain.Transient(fmt.Errorf("buffer: publish post %s: %w", post.ID, err))
	}
	return nil
}

// Flusher accumulates incoming posts and moves them to the post store in
// batches. Posts are invisible to VisiblePosts queries until flushed.
type Flusher struct {
	opts  Options
	posts store.PostStore
	log   *slog.Logger

	mu      sync.Mutex
	pending []domain.Post
	bytes   int64
}

// NewFlusher creates a Flusher writing flushed batches to posts.
func NewFlusher(opts Options, posts store.PostStore, log *slog.Logger) *Flusher {
	// A non-positive interval would panic the flush ticker in Run.
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 3 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Flusher{opts: opts, posts: posts, log: log}
}

// Add accepts one post into the pending window and reports whether the size
// threshold was crossed. Duplicates are kept; dedup happens at result
// storage.
func (f *Flusher) Add(post domain.Post) bool {
	size := int64(len(post.Title) + len(post.Body))
	for _, c := range post.Comments {
		size += int64(len(c))
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, post)
	f.bytes += size
	return f.opts.FlushSizeBytes > 0 && f.bytes >= f.opts.FlushSizeBytes
}

// Pending reports the number of buffered, not-yet-visible posts.
func (f *Flusher) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Flush moves the pending window to the post store. On store failure the
// batch stays pending for the next attempt.
func (f *Flusher) Flush(ctx context.Context) (int, error) {
	f.mu.Lock()
	batch := f.pending
	f.pending = nil
	f.bytes = 0
	f.mu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}
	if err := f.posts.InsertPosts(ctx, batch); err != nil {
		f.mu.Lock()
		f.pending = append(batch, f.pending...)
		f.mu.Unlock()
		return 0, fmt.Errorf("buffer: flush %d posts: %w", len(batch), err)
	}
	f.log.Info("buffer: flushed", "posts", len(batch))
	return len(batch), nil
}

// Run consumes the posts subject and flushes on the interval or on the size
// threshold until ctx is done. A final flush drains the window on shutdown.
func (f *Flusher) Run(ctx context.Context, nc *nats.Conn, subject string) error {
	sizeTrigger := make(chan struct{}, 1)

	sub, err := natsutil.Subscribe(nc, subject, func(_ context.Context, post domain.Post) {
		if f.Add(post) {
			select {
			case sizeTrigger <- struct{}{}:
			default:
			}
		}
	})
	if err != nil {
		return fmt.Errorf("buffer: subscribe %s: %w", subject, err)
	}
	defer sub.Unsubscribe()

	ticker := time.NewTicker(f.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := f.Flush(drainCtx); err != nil {
				f.log.Error("buffer: final flush", "error", err)
			}
			return ctx.Err()
		case <-ticker.C:
		case <-sizeTrigger:
		}
		if _, err := f.Flush(ctx); err != nil {
			f.log.Error("buffer: flush", "error", err)
		}
	}
}
