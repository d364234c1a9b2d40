package jobstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps records in a process-local map.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job), now: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, stage, command string, args Args) (string, error) {
	if stage == "" || command == "" {
		return "", fmt.Errorf("stage and command required")
	}
	id := newID()
	job := newJob(id, stage, command, args, s.now().UTC())
	s.mu.Lock()
	s.jobs[id] = job
	s.mu.Unlock()
	return id, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, id string, u Update) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := job.Clone()
	changed, err := apply(next, u, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if changed {
		s.jobs[id] = next
	}
	return s.jobs[id].Clone(), nil
}

func (s *MemoryStore) ListTerminal(_ context.Context) ([]*Job, error) {
	s.mu.RLock()
	out := make([]*Job, 0)
	for _, job := range s.jobs {
		if job.Status.Terminal() {
			out = append(out, job.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
