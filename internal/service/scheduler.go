package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/vipul43/mailvault-worker/internal/jobs"
	"github.com/vipul43/mailvault-worker/internal/models"
)

// Scheduler is the single place task names, priorities and dedup keys are
// chosen. Every Schedule call is idempotent through the dedup key.
type Scheduler struct {
	store       jobs.Store
	maxAttempts int
	now         func() time.Time
}

func NewScheduler(store jobs.Store, maxAttempts int) *Scheduler {
	return &Scheduler{
		store:       store,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

func (s *Scheduler) ScheduleFullSync(ctx context.Context, accountID string, delay time.Duration) (*models.Job, error) {
	return s.enqueue(ctx, models.TaskFullSync, models.SyncPayload{AccountID: accountID}, accountID,
		models.PriorityFullSync, delay, jobs.DedupKey(models.TaskFullSync, accountID))
}

func (s *Scheduler) ScheduleIncrementalSync(ctx context.Context, accountID string, delay time.Duration) (*models.Job, error) {
	return s.enqueue(ctx, models.TaskIncrementalSync, models.SyncPayload{AccountID: accountID}, accountID,
		models.PriorityIncrementalSync, delay, jobs.DedupKey(models.TaskIncrementalSync, accountID))
}

// ScheduleFolderSync syncs one mailbox. fromScratch ignores its stored UID mark.
func (s *Scheduler) ScheduleFolderSync(ctx context.Context, accountID, folderPath string, fromScratch bool, delay time.Duration) (*models.Job, error) {
	payload := models.FolderSyncPayload{AccountID: accountID, FolderPath: folderPath, FromScratch: fromScratch}
	return s.enqueue(ctx, models.TaskFolderSync, payload, accountID,
		models.PriorityFolderSync, delay, jobs.DedupKey(models.TaskFolderSync, accountID, folderPath))
}

func (s *Scheduler) ScheduleAutoDelete(ctx context.Context, accountID string, delay time.Duration) (*models.Job, error) {
	return s.enqueue(ctx, models.TaskAutoDelete, models.AutoDeletePayload{AccountID: accountID}, accountID,
		models.PriorityAutoDelete, delay, jobs.DedupKey(models.TaskAutoDelete, accountID))
}

func (s *Scheduler) ScheduleMboxImport(ctx context.Context, accountID, filePath string) (*models.Job, error) {
	payload := models.MboxImportPayload{AccountID: accountID, FilePath: filePath}
	return s.enqueue(ctx, models.TaskMboxImport, payload, accountID,
		models.PriorityMboxImport, 0, jobs.DedupKey(models.TaskMboxImport, accountID, filePath))
}

func (s *Scheduler) enqueue(ctx context.Context, taskType models.TaskType, payload interface{}, accountID string, priority int, delay time.Duration, dedupKey string) (*models.Job, error) {
	if accountID == "" {
		return nil, fmt.Errorf("account id is required to schedule %s", taskType)
	}
	if delay < 0 {
		delay = 0
	}

	job, err := s.store.Enqueue(ctx, taskType, payload, jobs.EnqueueOptions{
		AccountID:   accountID,
		RunAt:       s.now().Add(delay),
		Priority:    priority,
		DedupKey:    dedupKey,
		MaxAttempts: s.maxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule %s for account %s: %w", taskType, accountID, err)
	}

	log.Printf("Scheduled %s job %s for account %s (run_at: %s)", taskType, job.ID, accountID, job.RunAt.Format(time.RFC3339))
	return job, nil
}
