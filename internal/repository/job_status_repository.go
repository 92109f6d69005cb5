package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vipul43/mailvault-worker/internal/models"
)

// JobStatusRepository persists the per (account, job type) run ledger
type JobStatusRepository struct {
	db *gorm.DB
}

func NewJobStatusRepository(db *gorm.DB) *JobStatusRepository {
	return &JobStatusRepository{db: db}
}

// RecordStart marks a run as started. Metadata is left alone so checkpoints
// survive a restart.
func (r *JobStatusRepository) RecordStart(ctx context.Context, accountID string, jobType models.JobType, at time.Time) error {
	record := models.JobStatusRecord{
		AccountID: accountID,
		JobType:   jobType,
		LastRunAt: at,
		Success:   false,
		Metadata:  models.JSONB{},
		UpdatedAt: at,
	}

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}, {Name: "job_type"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"last_run_at": at,
			"success":     false,
			"error":       nil,
			"updated_at":  at,
		}),
	}).Create(&record)
	if result.Error != nil {
		return fmt.Errorf("failed to record job start: %w", result.Error)
	}
	return nil
}

// RecordResult writes the final outcome and shallow-merges metadata
func (r *JobStatusRepository) RecordResult(ctx context.Context, accountID string, jobType models.JobType, success bool, errMsg *string, metadata models.JSONB) error {
	now := time.Now()
	if metadata == nil {
		metadata = models.JSONB{}
	}

	record := models.JobStatusRecord{
		AccountID: accountID,
		JobType:   jobType,
		LastRunAt: now,
		Success:   success,
		Error:     errMsg,
		Metadata:  metadata,
		UpdatedAt: now,
	}

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}, {Name: "job_type"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"success":    success,
			"error":      errMsg,
			"metadata":   gorm.Expr("job_status.metadata || EXCLUDED.metadata"),
			"updated_at": now,
		}),
	}).Create(&record)
	if result.Error != nil {
		return fmt.Errorf("failed to record job result: %w", result.Error)
	}
	return nil
}

// MergeMetadata shallow-merges partial into the stored metadata without
// touching success or error.
func (r *JobStatusRepository) MergeMetadata(ctx context.Context, accountID string, jobType models.JobType, partial models.JSONB) error {
	if len(partial) == 0 {
		return nil
	}
	now := time.Now()

	record := models.JobStatusRecord{
		AccountID: accountID,
		JobType:   jobType,
		LastRunAt: now,
		Metadata:  partial,
		UpdatedAt: now,
	}

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}, {Name: "job_type"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"metadata":   gorm.Expr("job_status.metadata || EXCLUDED.metadata"),
			"updated_at": now,
		}),
	}).Create(&record)
	if result.Error != nil {
		return fmt.Errorf("failed to merge job metadata: %w", result.Error)
	}
	return nil
}

// Get returns the ledger row, or nil when the job type never ran
func (r *JobStatusRepository) Get(ctx context.Context, accountID string, jobType models.JobType) (*models.JobStatusRecord, error) {
	var record models.JobStatusRecord
	result := r.db.WithContext(ctx).
		Where("account_id = ? AND job_type = ?", accountID, jobType).
		Limit(1).
		Find(&record)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get job status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &record, nil
}
