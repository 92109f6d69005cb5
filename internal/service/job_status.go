package service

import (
	"context"
	"fmt"
	"time"

	"github.com/vipul43/mailvault-worker/internal/jobs"
	"github.com/vipul43/mailvault-worker/internal/models"
)

// StatusView is the derived status of one (account, job type). It is computed
// on every read and never stored.
type StatusView struct {
	AccountID   string               `json:"account_id"`
	JobType     models.JobType       `json:"job_type"`
	Status      models.CurrentStatus `json:"status"`
	LastRunAt   *time.Time           `json:"last_run_at,omitempty"`
	Error       *string              `json:"error,omitempty"`
	Metadata    models.JSONB         `json:"metadata,omitempty"`
	ActiveJobID string               `json:"active_job_id,omitempty"`
	TaskType    models.TaskType      `json:"task_type,omitempty"`
	Attempts    int                  `json:"attempts,omitempty"`
	MaxAttempts int                  `json:"max_attempts,omitempty"`
}

// JobStatusService is the job status ledger
type JobStatusService struct {
	repo  JobStatusRepository
	store jobs.Store
	now   func() time.Time
}

func NewJobStatusService(repo JobStatusRepository, store jobs.Store) *JobStatusService {
	return &JobStatusService{
		repo:  repo,
		store: store,
		now:   time.Now,
	}
}

// RecordStart optimistically marks a run as not yet successful
func (s *JobStatusService) RecordStart(ctx context.Context, accountID string, jobType models.JobType) error {
	if err := s.repo.RecordStart(ctx, accountID, jobType, s.now()); err != nil {
		return fmt.Errorf("failed to record start: %w", err)
	}
	return nil
}

func (s *JobStatusService) RecordSuccess(ctx context.Context, accountID string, jobType models.JobType, metadata interface{}) error {
	data, err := tagged(jobType, metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := s.repo.RecordResult(ctx, accountID, jobType, true, nil, data); err != nil {
		return fmt.Errorf("failed to record success: %w", err)
	}
	return nil
}

func (s *JobStatusService) RecordFailure(ctx context.Context, accountID string, jobType models.JobType, errMsg string, metadata interface{}) error {
	data, err := tagged(jobType, metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := s.repo.RecordResult(ctx, accountID, jobType, false, &errMsg, data); err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	return nil
}

// tagged nests run metadata under its task type, or the job type when the
// metadata carries no tag. The shallow merge then replaces only that key.
func tagged(jobType models.JobType, metadata interface{}) (models.JSONB, error) {
	data, err := models.ToJSONB(metadata)
	if err != nil || data == nil {
		return nil, err
	}
	key := string(jobType)
	if m, ok := metadata.(models.TaskMetadata); ok {
		key = string(m.MetadataTask())
	}
	return models.JSONB{key: map[string]interface{}(data)}, nil
}

// UpdateMetadata shallow-merges partial into the stored metadata. success and
// error are left alone.
func (s *JobStatusService) UpdateMetadata(ctx context.Context, accountID string, jobType models.JobType, partial interface{}) error {
	data, err := models.ToJSONB(partial)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := s.repo.MergeMetadata(ctx, accountID, jobType, data); err != nil {
		return fmt.Errorf("failed to update metadata: %w", err)
	}
	return nil
}

type checkpointMetadata struct {
	Checkpoint *models.SyncCheckpoint `json:"checkpoint"`
}

// SaveCheckpoint stores a full sync checkpoint in the sync ledger row. A nil
// checkpoint clears it.
func (s *JobStatusService) SaveCheckpoint(ctx context.Context, accountID string, cp *models.SyncCheckpoint) error {
	return s.UpdateMetadata(ctx, accountID, models.JobTypeSync, checkpointMetadata{Checkpoint: cp})
}

// Checkpoint returns the saved full sync checkpoint, or nil
func (s *JobStatusService) Checkpoint(ctx context.Context, accountID string) (*models.SyncCheckpoint, error) {
	record, err := s.repo.Get(ctx, accountID, models.JobTypeSync)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync status: %w", err)
	}
	if record == nil || record.Metadata == nil {
		return nil, nil
	}

	var meta checkpointMetadata
	if err := record.Metadata.Decode(&meta); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return meta.Checkpoint, nil
}

// GetCurrentStatus merges the live lease state with the ledger row
func (s *JobStatusService) GetCurrentStatus(ctx context.Context, accountID string, jobType models.JobType) (*StatusView, error) {
	if !jobType.Valid() {
		return nil, fmt.Errorf("unknown job type %q", jobType)
	}

	record, err := s.repo.Get(ctx, accountID, jobType)
	if err != nil {
		return nil, fmt.Errorf("failed to load job status: %w", err)
	}
	active, err := s.store.FindActive(ctx, accountID, jobType.TaskTypes())
	if err != nil {
		return nil, fmt.Errorf("failed to find active job: %w", err)
	}

	view := &StatusView{
		AccountID: accountID,
		JobType:   jobType,
	}
	if record != nil {
		lastRun := record.LastRunAt
		view.LastRunAt = &lastRun
		view.Error = record.Error
		view.Metadata = record.Metadata
	}

	switch {
	case active != nil:
		view.Status = models.StatusRunning
		view.ActiveJobID = active.ID
		view.TaskType = active.TaskType
		// attempts counts finished tries; the running one is the next
		view.Attempts = active.Attempts + 1
		view.MaxAttempts = active.MaxAttempts
	case record == nil:
		view.Status = models.StatusNeverRun
	case record.Success:
		view.Status = models.StatusIdle
	default:
		view.Status = models.StatusError
	}
	return view, nil
}
