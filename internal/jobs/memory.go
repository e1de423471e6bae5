package jobs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps scheduled jobs in memory. It backs tests and the
// single-process development mode; semantics mirror PostgresStore.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*ScheduledJob
}

// NewMemoryStore returns an empty in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*ScheduledJob)}
}

// Upsert creates the job or replaces its schedule fields, bumping version.
func (s *MemoryStore) Upsert(ctx context.Context, job *ScheduledJob) error {
	if job == nil || job.JobID == "" {
		return errors.New("job with id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	existing, ok := s.jobs[job.JobID]
	stored := &ScheduledJob{
		JobID:      job.JobID,
		CronExpr:   job.CronExpr,
		NextFireAt: job.NextFireAt.UTC(),
		Paused:     job.Paused,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if ok {
		stored.Version = existing.Version + 1
		stored.CreatedAt = existing.CreatedAt
	}
	s.jobs[job.JobID] = stored
	return nil
}

// Get returns the job or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, jobID string) (*ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(job), nil
}

// Delete removes the job. Deleting an absent job is a no-op.
func (s *MemoryStore) Delete(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}

// Pause suspends firing without touching NextFireAt.
func (s *MemoryStore) Pause(ctx context.Context, jobID string) error {
	return s.setPaused(jobID, true)
}

// Resume clears the paused flag.
func (s *MemoryStore) Resume(ctx context.Context, jobID string) error {
	return s.setPaused(jobID, false)
}

func (s *MemoryStore) setPaused(jobID string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	job.Paused = paused
	job.Version++
	job.UpdatedAt = time.Now().UTC()
	return nil
}

// Due returns unpaused jobs with NextFireAt <= before, ordered ascending.
func (s *MemoryStore) Due(ctx context.Context, before time.Time, limit int) ([]*ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*ScheduledJob
	for _, job := range s.jobs {
		if job.Paused || job.NextFireAt.After(before) {
			continue
		}
		due = append(due, cloneJob(job))
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextFireAt.Before(due[j].NextFireAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Claim advances NextFireAt under the version CAS.
func (s *MemoryStore) Claim(ctx context.Context, jobID string, expectedVersion int64, nextFireAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Paused || job.Version != expectedVersion {
		return false, nil
	}
	job.NextFireAt = nextFireAt.UTC()
	job.Version++
	job.UpdatedAt = time.Now().UTC()
	return true, nil
}

// Reschedule sets NextFireAt unless the job is paused or gone.
func (s *MemoryStore) Reschedule(ctx context.Context, jobID string, nextFireAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Paused {
		return false, nil
	}
	job.NextFireAt = nextFireAt.UTC()
	job.Version++
	job.UpdatedAt = time.Now().UTC()
	return true, nil
}

func cloneJob(job *ScheduledJob) *ScheduledJob {
	if job == nil {
		return nil
	}
	clone := *job
	return &clone
}
