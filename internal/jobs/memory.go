package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vipul43/mailvault-worker/internal/models"
)

// MemoryStore is an in-process Store used by tests and local runs. It follows
// the same semantics as the Postgres store.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*models.Job),
		now:  time.Now,
	}
}

// SetClock overrides the time source
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Enqueue(_ context.Context, taskType models.TaskType, payload interface{}, opts EnqueueOptions) (*models.Job, error) {
	if !taskType.Valid() {
		return nil, fmt.Errorf("unknown task type %q", taskType)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	runAt := opts.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	if opts.DedupKey != "" {
		if existing := s.unresolvedByKey(opts.DedupKey); existing != nil {
			if existing.LockedAt == nil {
				existing.Payload = data
				existing.RunAt = runAt
				existing.Priority = opts.Priority
				existing.MaxAttempts = maxAttempts
				existing.Attempts = 0
				existing.LastError = nil
				existing.UpdatedAt = now
				return cloneJob(existing), nil
			}
			// running holder keeps executing without its key
			existing.DedupKey = nil
		}
	}

	job := &models.Job{
		ID:          uuid.New().String(),
		TaskType:    taskType,
		AccountID:   opts.AccountID,
		Payload:     data,
		RunAt:       runAt,
		Priority:    opts.Priority,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.DedupKey != "" {
		key := opts.DedupKey
		job.DedupKey = &key
	}
	s.jobs[job.ID] = job
	return cloneJob(job), nil
}

func (s *MemoryStore) LeaseNext(_ context.Context, workerID string, taskTypes []models.TaskType) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	allowed := make(map[models.TaskType]bool, len(taskTypes))
	for _, t := range taskTypes {
		allowed[t] = true
	}

	var candidates []*models.Job
	for _, job := range s.jobs {
		if job.LockedAt != nil || job.FailedAt != nil {
			continue
		}
		if job.RunAt.After(now) || job.Attempts >= job.MaxAttempts {
			continue
		}
		if len(allowed) > 0 && !allowed[job.TaskType] {
			continue
		}
		candidates = append(candidates, job)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sortEligible(candidates)
	job := candidates[0]
	job.LockedAt = &now
	job.LockedBy = &workerID
	job.UpdatedAt = now
	return cloneJob(job), nil
}

func (s *MemoryStore) Complete(_ context.Context, lease Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[lease.JobID]
	if !ok {
		return ErrJobNotFound
	}
	if !lease.Holds(job) {
		return ErrLeaseLost
	}
	delete(s.jobs, lease.JobID)
	return nil
}

func (s *MemoryStore) Fail(_ context.Context, lease Lease, errMsg string, opts FailOptions) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[lease.JobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if !lease.Holds(job) {
		return nil, ErrLeaseLost
	}
	NextState(job, errMsg, opts, s.now())
	return cloneJob(job), nil
}

func (s *MemoryStore) Reschedule(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.LockedAt != nil {
		return ErrJobLocked
	}

	now := s.now()
	if job.FailedAt != nil && job.DedupKey != nil {
		if holder := s.unresolvedByKey(*job.DedupKey); holder != nil {
			// fold the retry into the job that already owns the key
			if holder.LockedAt == nil {
				holder.RunAt = now
				holder.Attempts = 0
				holder.UpdatedAt = now
			}
			delete(s.jobs, job.ID)
			return nil
		}
	}

	job.Attempts = 0
	job.FailedAt = nil
	job.LastError = nil
	job.RunAt = now
	job.UpdatedAt = now
	return nil
}

func (s *MemoryStore) Cancel(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.FailedAt != nil {
		return nil
	}
	if job.LockedAt != nil {
		return ErrJobLocked
	}

	now := s.now()
	msg := CancelledError
	job.FailedAt = &now
	job.LastError = &msg
	job.UpdatedAt = now
	return nil
}

func (s *MemoryStore) ListActive(_ context.Context, limit int) ([]models.Job, error) {
	return s.list(NormalizeLimit(limit), func(j *models.Job) bool {
		return j.LockedAt != nil && j.FailedAt == nil
	}, func(a, b *models.Job) bool {
		return a.LockedAt.Before(*b.LockedAt)
	}), nil
}

func (s *MemoryStore) ListPending(_ context.Context, limit int) ([]models.Job, error) {
	return s.list(NormalizeLimit(limit), func(j *models.Job) bool {
		return j.LockedAt == nil && j.FailedAt == nil
	}, eligibleLess), nil
}

func (s *MemoryStore) ListFailed(_ context.Context, limit int) ([]models.Job, error) {
	return s.list(NormalizeLimit(limit), func(j *models.Job) bool {
		return j.FailedAt != nil
	}, func(a, b *models.Job) bool {
		return a.FailedAt.After(*b.FailedAt)
	}), nil
}

func (s *MemoryStore) FindActive(_ context.Context, accountID string, taskTypes []models.TaskType) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *models.Job
	for _, job := range s.jobs {
		if job.AccountID != accountID || job.LockedAt == nil || job.FailedAt != nil {
			continue
		}
		if !containsTaskType(taskTypes, job.TaskType) {
			continue
		}
		if found == nil || job.LockedAt.Before(*found.LockedAt) {
			found = job
		}
	}
	if found == nil {
		return nil, nil
	}
	return cloneJob(found), nil
}

func (s *MemoryStore) ReapExpired(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-olderThan)
	reaped := 0
	for _, job := range s.jobs {
		if job.LockedAt == nil || job.FailedAt != nil || !job.LockedAt.Before(cutoff) {
			continue
		}
		NextState(job, LeaseExpiredError, FailOptions{Delay: func(int) time.Duration { return 0 }}, now)
		reaped++
	}
	return reaped, nil
}

// Get returns a copy of a job by id, for tests and inspection
func (s *MemoryStore) Get(jobID string) (*models.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, false
	}
	return cloneJob(job), true
}

// All returns copies of every stored job in eligibility order
func (s *MemoryStore) All() []models.Job {
	return s.list(0, func(*models.Job) bool { return true }, eligibleLess)
}

func (s *MemoryStore) unresolvedByKey(key string) *models.Job {
	for _, job := range s.jobs {
		if job.FailedAt == nil && job.DedupKey != nil && *job.DedupKey == key {
			return job
		}
	}
	return nil
}

func (s *MemoryStore) list(limit int, keep func(*models.Job) bool, less func(a, b *models.Job) bool) []models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*models.Job
	for _, job := range s.jobs {
		if keep(job) {
			matched = append(matched, job)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return less(matched[i], matched[j]) })

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]models.Job, 0, len(matched))
	for _, job := range matched {
		out = append(out, *cloneJob(job))
	}
	return out
}

func sortEligible(jobs []*models.Job) {
	sort.SliceStable(jobs, func(i, j int) bool { return eligibleLess(jobs[i], jobs[j]) })
}

func eligibleLess(a, b *models.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.RunAt.Equal(b.RunAt) {
		return a.RunAt.Before(b.RunAt)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func containsTaskType(types []models.TaskType, t models.TaskType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

func cloneJob(job *models.Job) *models.Job {
	c := *job
	c.Payload = append([]byte(nil), job.Payload...)
	return &c
}
