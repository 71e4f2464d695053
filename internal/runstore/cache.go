package runstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const runCacheTTL = 10 * time.Minute

// CachedStore reads runs through a Redis cache. Artifacts bypass the cache.
type CachedStore struct {
	store  Store
	cache  *redis.Client
	logger *slog.Logger
}

func NewCachedStore(store Store, cache *redis.Client, logger *slog.Logger) Store {
	if cache == nil {
		return store
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{store: store, cache: cache, logger: logger}
}

func runKey(id string) string {
	return fmt.Sprintf("run:%s", id)
}

func (s *CachedStore) SaveRun(ctx context.Context, run *Run, artifacts []Artifact) error {
	if err := s.store.SaveRun(ctx, run, artifacts); err != nil {
		return err
	}
	if err := s.cache.Set(ctx, runKey(run.ID), run, runCacheTTL).Err(); err != nil {
		s.logger.Warn("failed to cache run", "run_id", run.ID, "error", err)
	}
	return nil
}

func (s *CachedStore) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	err := s.cache.Get(ctx, runKey(id)).Scan(&run)
	if err == nil {
		return &run, nil
	}
	if !errors.Is(err, redis.Nil) {
		s.logger.Warn("run cache read failed", "run_id", id, "error", err)
	}

	r, err := s.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	_ = s.cache.Set(ctx, runKey(id), r, runCacheTTL).Err()
	return r, nil
}

func (s *CachedStore) GetArtifact(ctx context.Context, runID, name string) (*Artifact, error) {
	return s.store.GetArtifact(ctx, runID, name)
}
