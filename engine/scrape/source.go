// Package scrape fans out per-(keyword, source) fetch tasks with bounded
// parallelism and hands validated posts to the ingestion buffer.
package scrape

import (
	"context"
	"fmt"

	"github.com/pulsewatch/pulsewatch/engine/domain"
)

// Source is the capability a concrete site client provides: fetch raw posts
// for one keyword configuration. Implementations may fail or time out; the
// coordinator turns that into per-task outcomes, never a whole-run abort.
type Source interface {
	Name() domain.Source
	Fetch(ctx context.Context, cfg domain.KeywordConfig) ([]domain.Post, error)
}

// Registry resolves a keyword config to its source client. New sources are
// added here without touching the coordinator.
type Registry map[domain.Source]Source

// NewRegistry builds a registry from the given clients.
func NewRegistry(sources ...Source) Registry {
	r := make(Registry, len(sources))
	for _, s := range sources {
		r[s.Name()] = s
	}
	return r
}

// Resolve returns the client for cfg.Source.
func (r Registry) Resolve(cfg domain.KeywordConfig) (Source, error) {
	s, ok := r[cfg.Source]
	if !ok {
		return nil, fmt.Errorf("scrape: %w: %q", domain.ErrUnknownSource, cfg.Source)
	}
	return s, nil
}
