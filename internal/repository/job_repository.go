package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vipul43/mailvault-worker/internal/jobs"
	"github.com/vipul43/mailvault-worker/internal/models"
)

// JobRepository is the Postgres backed job store. Leasing relies on
// FOR UPDATE SKIP LOCKED so several worker processes can share the table.
type JobRepository struct {
	db *gorm.DB
}

var _ jobs.Store = (*JobRepository)(nil)

func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Enqueue inserts a job or replaces the unresolved job holding the same dedup key.
// A holder that is currently leased keeps running but gives up its key.
func (r *JobRepository) Enqueue(ctx context.Context, taskType models.TaskType, payload interface{}, opts jobs.EnqueueOptions) (*models.Job, error) {
	if !taskType.Valid() {
		return nil, fmt.Errorf("unknown task type %q", taskType)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	now := time.Now()
	runAt := opts.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = jobs.DefaultMaxAttempts
	}

	job := models.Job{
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

	if opts.DedupKey == "" {
		if err := r.db.WithContext(ctx).Create(&job).Error; err != nil {
			return nil, fmt.Errorf("failed to create job: %w", err)
		}
		return &job, nil
	}

	key := opts.DedupKey
	job.DedupKey = &key

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Job
		result := tx.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).
			Where("dedup_key = ? AND failed_at IS NULL", key).
			Limit(1).
			Find(&existing)
		if result.Error != nil {
			return fmt.Errorf("failed to look up dedup key: %w", result.Error)
		}

		if result.RowsAffected > 0 {
			if existing.LockedAt == nil {
				updates := map[string]interface{}{
					"payload":      job.Payload,
					"run_at":       runAt,
					"priority":     opts.Priority,
					"max_attempts": maxAttempts,
					"attempts":     0,
					"last_error":   nil,
					"updated_at":   now,
				}
				if err := tx.Model(&models.Job{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
					return fmt.Errorf("failed to replace pending job: %w", err)
				}
				existing.Payload = job.Payload
				existing.RunAt = runAt
				existing.Priority = opts.Priority
				existing.MaxAttempts = maxAttempts
				existing.Attempts = 0
				existing.LastError = nil
				existing.UpdatedAt = now
				job = existing
				return nil
			}

			if err := tx.Model(&models.Job{}).Where("id = ?", existing.ID).
				Updates(map[string]interface{}{"dedup_key": nil, "updated_at": now}).Error; err != nil {
				return fmt.Errorf("failed to detach running job: %w", err)
			}
		}

		// Concurrent enqueuers that both found nothing race on the partial unique index.
		insert := tx.Clauses(clause.OnConflict{
			Columns:     []clause.Column{{Name: "dedup_key"}},
			TargetWhere: clause.Where{Exprs: []clause.Expression{clause.Expr{SQL: "failed_at IS NULL"}}},
			DoUpdates:   clause.AssignmentColumns([]string{"payload", "run_at", "priority", "max_attempts", "updated_at"}),
		}).Create(&job)
		if insert.Error != nil {
			return fmt.Errorf("failed to insert job: %w", insert.Error)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &job, nil
}

// LeaseNext locks the highest priority due job (ties by run_at)
func (r *JobRepository) LeaseNext(ctx context.Context, workerID string, taskTypes []models.TaskType) (*models.Job, error) {
	var leased *models.Job

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		query := tx.Clauses(clause.Locking{
			Strength: clause.LockingStrengthUpdate,
			Options:  clause.LockingOptionsSkipLocked,
		}).
			Where("run_at <= ? AND locked_at IS NULL AND failed_at IS NULL AND attempts < max_attempts", now)
		if len(taskTypes) > 0 {
			query = query.Where("task_type IN ?", taskTypes)
		}

		var job models.Job
		result := query.Order("priority DESC, run_at ASC, created_at ASC").Limit(1).Find(&job)
		if result.Error != nil {
			return fmt.Errorf("failed to select job: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}

		if err := tx.Model(&models.Job{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
			"locked_at":  now,
			"locked_by":  workerID,
			"updated_at": now,
		}).Error; err != nil {
			return fmt.Errorf("failed to lock job: %w", err)
		}

		job.LockedAt = &now
		job.LockedBy = &workerID
		job.UpdatedAt = now
		leased = &job
		return nil
	})
	if err != nil {
		return nil, err
	}

	return leased, nil
}

// Complete deletes the finished job, provided lease still holds it
func (r *JobRepository) Complete(ctx context.Context, lease jobs.Lease) error {
	result := r.db.WithContext(ctx).
		Where("id = ? AND locked_at IS NOT NULL AND locked_by = ? AND attempts = ?", lease.JobID, lease.WorkerID, lease.Attempts).
		Delete(&models.Job{})
	if result.Error != nil {
		return fmt.Errorf("failed to complete job: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Job{}).Where("id = ?", lease.JobID).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to look up job: %w", err)
	}
	if count == 0 {
		return jobs.ErrJobNotFound
	}
	return jobs.ErrLeaseLost
}

// Fail records an attempt; the job is either rescheduled with backoff or
// marked permanently failed.
func (r *JobRepository) Fail(ctx context.Context, lease jobs.Lease, errMsg string, opts jobs.FailOptions) (*models.Job, error) {
	var updated models.Job

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err := lockJob(tx, lease.JobID)
		if err != nil {
			return err
		}
		if !lease.Holds(job) {
			return jobs.ErrLeaseLost
		}

		jobs.NextState(job, errMsg, opts, time.Now())
		if err := saveState(tx, job); err != nil {
			return fmt.Errorf("failed to record job failure: %w", err)
		}
		updated = *job
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &updated, nil
}

// Reschedule resets a pending or failed job so it runs now. A failed job whose
// dedup key was taken by a newer job is folded into that job instead.
func (r *JobRepository) Reschedule(ctx context.Context, jobID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err := lockJob(tx, jobID)
		if err != nil {
			return err
		}
		if job.LockedAt != nil {
			return jobs.ErrJobLocked
		}

		now := time.Now()
		if job.FailedAt != nil && job.DedupKey != nil {
			var holder models.Job
			result := tx.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).
				Where("dedup_key = ? AND failed_at IS NULL AND id <> ?", *job.DedupKey, job.ID).
				Limit(1).
				Find(&holder)
			if result.Error != nil {
				return fmt.Errorf("failed to look up dedup key: %w", result.Error)
			}
			if result.RowsAffected > 0 {
				if holder.LockedAt == nil {
					if err := tx.Model(&models.Job{}).Where("id = ?", holder.ID).Updates(map[string]interface{}{
						"run_at":     now,
						"attempts":   0,
						"updated_at": now,
					}).Error; err != nil {
						return fmt.Errorf("failed to pull holder forward: %w", err)
					}
				}
				if err := tx.Where("id = ?", job.ID).Delete(&models.Job{}).Error; err != nil {
					return fmt.Errorf("failed to remove duplicate job: %w", err)
				}
				return nil
			}
		}

		result := tx.Model(&models.Job{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
			"attempts":   0,
			"failed_at":  nil,
			"last_error": nil,
			"run_at":     now,
			"updated_at": now,
		})
		if result.Error != nil {
			return fmt.Errorf("failed to reschedule job: %w", result.Error)
		}
		return nil
	})
}

// Cancel permanently fails a pending job. Running jobs cannot be cancelled.
func (r *JobRepository) Cancel(ctx context.Context, jobID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err := lockJob(tx, jobID)
		if err != nil {
			return err
		}
		if job.FailedAt != nil {
			return nil
		}
		if job.LockedAt != nil {
			return jobs.ErrJobLocked
		}

		now := time.Now()
		result := tx.Model(&models.Job{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
			"failed_at":  now,
			"last_error": jobs.CancelledError,
			"updated_at": now,
		})
		if result.Error != nil {
			return fmt.Errorf("failed to cancel job: %w", result.Error)
		}
		return nil
	})
}

// ListActive returns leased jobs, oldest lease first
func (r *JobRepository) ListActive(ctx context.Context, limit int) ([]models.Job, error) {
	var out []models.Job
	result := r.db.WithContext(ctx).
		Where("locked_at IS NOT NULL AND failed_at IS NULL").
		Order("locked_at ASC").
		Limit(jobs.NormalizeLimit(limit)).
		Find(&out)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", result.Error)
	}
	return out, nil
}

// ListPending returns unlocked unresolved jobs in lease order
func (r *JobRepository) ListPending(ctx context.Context, limit int) ([]models.Job, error) {
	var out []models.Job
	result := r.db.WithContext(ctx).
		Where("locked_at IS NULL AND failed_at IS NULL").
		Order("priority DESC, run_at ASC, created_at ASC").
		Limit(jobs.NormalizeLimit(limit)).
		Find(&out)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", result.Error)
	}
	return out, nil
}

// ListFailed returns permanently failed jobs, most recent first
func (r *JobRepository) ListFailed(ctx context.Context, limit int) ([]models.Job, error) {
	var out []models.Job
	result := r.db.WithContext(ctx).
		Where("failed_at IS NOT NULL").
		Order("failed_at DESC").
		Limit(jobs.NormalizeLimit(limit)).
		Find(&out)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list failed jobs: %w", result.Error)
	}
	return out, nil
}

// FindActive returns the leased job for an account among the task types
func (r *JobRepository) FindActive(ctx context.Context, accountID string, taskTypes []models.TaskType) (*models.Job, error) {
	var job models.Job
	result := r.db.WithContext(ctx).
		Where("account_id = ? AND task_type IN ? AND locked_at IS NOT NULL AND failed_at IS NULL", accountID, taskTypes).
		Order("locked_at ASC").
		Limit(1).
		Find(&job)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to find active job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &job, nil
}

// ReapExpired releases leases older than olderThan. The lost run counts as an
// attempt so a job that keeps crashing workers eventually fails.
func (r *JobRepository) ReapExpired(ctx context.Context, olderThan time.Duration) (int, error) {
	now := time.Now()
	result := r.db.WithContext(ctx).Exec(`
		UPDATE jobs
		SET locked_at = NULL,
		    locked_by = NULL,
		    attempts = attempts + 1,
		    last_error = ?,
		    run_at = ?,
		    failed_at = CASE WHEN attempts + 1 >= max_attempts THEN ?::timestamptz ELSE NULL END,
		    updated_at = ?
		WHERE locked_at IS NOT NULL
		  AND locked_at < ?
		  AND failed_at IS NULL
	`, jobs.LeaseExpiredError, now, now, now, now.Add(-olderThan))
	if result.Error != nil {
		return 0, fmt.Errorf("failed to reap expired leases: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

func lockJob(tx *gorm.DB, jobID string) (*models.Job, error) {
	var job models.Job
	result := tx.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).
		Where("id = ?", jobID).
		Limit(1).
		Find(&job)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to lock job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, jobs.ErrJobNotFound
	}
	return &job, nil
}

func saveState(tx *gorm.DB, job *models.Job) error {
	return tx.Model(&models.Job{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
		"attempts":   job.Attempts,
		"last_error": job.LastError,
		"locked_at":  nil,
		"locked_by":  nil,
		"run_at":     job.RunAt,
		"failed_at":  job.FailedAt,
		"updated_at": job.UpdatedAt,
	}).Error
}
