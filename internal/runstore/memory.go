package runstore

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore keeps runs in process. It backs the CLI and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	runs      map[string]Run
	artifacts map[string]map[string]Artifact
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]Run),
		artifacts: make(map[string]map[string]Artifact),
	}
}

func (s *MemoryStore) SaveRun(ctx context.Context, run *Run, artifacts []Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	run.CreatedAt = now
	run.Artifacts = run.Artifacts[:0]

	byName := make(map[string]Artifact, len(artifacts))
	for _, a := range artifacts {
		a.RunID = run.ID
		a.CreatedAt = now
		byName[a.Name] = a
		run.Artifacts = append(run.Artifacts, a.Name)
	}
	slices.Sort(run.Artifacts)

	stored := *run
	stored.Failures = slices.Clone(run.Failures)
	stored.Artifacts = slices.Clone(run.Artifacts)
	s.runs[run.ID] = stored
	s.artifacts[run.ID] = byName
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return &r, nil
}

func (s *MemoryStore) GetArtifact(ctx context.Context, runID, name string) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[runID][name]
	if !ok {
		return nil, ErrArtifactNotFound
	}
	return &a, nil
}
