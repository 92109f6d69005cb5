package watcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/vipul43/mailvault-worker/internal/models"
	"github.com/vipul43/mailvault-worker/internal/retry"
	"github.com/vipul43/mailvault-worker/internal/service"
	"github.com/vipul43/mailvault-worker/internal/telemetry"
)

type SyncRunner interface {
	FullSync(ctx context.Context, accountID, jobID string) (*models.FullSyncMetadata, error)
	IncrementalSync(ctx context.Context, accountID string) (*models.IncrementalSyncMetadata, error)
	FolderSync(ctx context.Context, payload models.FolderSyncPayload) (*models.FolderSyncMetadata, error)
}

type AutoDeleteRunner interface {
	Run(ctx context.Context, accountID string) (*models.AutoDeleteMetadata, error)
}

type Importer interface {
	Import(ctx context.Context, payload models.MboxImportPayload) (*models.MboxImportMetadata, error)
}

type FullSyncScheduler interface {
	ScheduleFullSync(ctx context.Context, accountID string, delay time.Duration) (*models.Job, error)
}

// Ledger records per account outcomes; service.JobStatusService implements it
type Ledger interface {
	RecordStart(ctx context.Context, accountID string, jobType models.JobType) error
	RecordSuccess(ctx context.Context, accountID string, jobType models.JobType, metadata interface{}) error
	RecordFailure(ctx context.Context, accountID string, jobType models.JobType, errMsg string, metadata interface{}) error
}

type AccountDeactivator interface {
	MarkInactive(ctx context.Context, accountID string, reason string) error
}

// Handlers holds one implementation per task type
type Handlers struct {
	Sync       SyncRunner
	AutoDelete AutoDeleteRunner
	Import     Importer
	Scheduler  FullSyncScheduler
}

// dispatch runs the handler of the job's task type. Every task type has a
// case; an unknown one fails permanently.
func (w *Watcher) dispatch(ctx context.Context, job *models.Job) (interface{}, error) {
	switch job.TaskType {
	case models.TaskFullSync:
		var p models.SyncPayload
		if err := job.DecodePayload(&p); err != nil {
			return nil, retry.Permanent(err)
		}
		meta, err := w.handlers.Sync.FullSync(ctx, p.AccountID, job.ID)
		if err != nil {
			return nil, err
		}
		return meta, nil

	case models.TaskIncrementalSync:
		var p models.SyncPayload
		if err := job.DecodePayload(&p); err != nil {
			return nil, retry.Permanent(err)
		}
		meta, err := w.handlers.Sync.IncrementalSync(ctx, p.AccountID)
		switch {
		case errors.Is(err, service.ErrRequiresFullSync):
			return w.fallBackToFullSync(ctx, p.AccountID, models.OutcomeRequiresFullSync)
		case err != nil && retry.Classify(err) == retry.ClassHistoryGap:
			telemetry.HistoryGaps.Inc()
			log.Printf("History gap for account %s: %v", p.AccountID, err)
			return w.fallBackToFullSync(ctx, p.AccountID, models.OutcomeHistoryGap)
		case err != nil:
			return nil, err
		}
		return meta, nil

	case models.TaskFolderSync:
		var p models.FolderSyncPayload
		if err := job.DecodePayload(&p); err != nil {
			return nil, retry.Permanent(err)
		}
		meta, err := w.handlers.Sync.FolderSync(ctx, p)
		if err != nil {
			return nil, err
		}
		return meta, nil

	case models.TaskAutoDelete:
		var p models.AutoDeletePayload
		if err := job.DecodePayload(&p); err != nil {
			return nil, retry.Permanent(err)
		}
		meta, err := w.handlers.AutoDelete.Run(ctx, p.AccountID)
		if err != nil {
			return nil, err
		}
		return meta, nil

	case models.TaskMboxImport:
		var p models.MboxImportPayload
		if err := job.DecodePayload(&p); err != nil {
			return nil, retry.Permanent(err)
		}
		meta, err := w.handlers.Import.Import(ctx, p)
		if err != nil {
			return nil, err
		}
		return meta, nil
	}

	return nil, retry.Permanent(fmt.Errorf("no handler for task type %q", job.TaskType))
}

// fallBackToFullSync turns a missing or expired change cursor into a full
// sync. The incremental run itself counts as successful.
func (w *Watcher) fallBackToFullSync(ctx context.Context, accountID, outcome string) (interface{}, error) {
	if _, err := w.handlers.Scheduler.ScheduleFullSync(ctx, accountID, 0); err != nil {
		return nil, fmt.Errorf("failed to schedule full sync: %w", err)
	}
	log.Printf("Scheduled full sync for account %s (%s)", accountID, outcome)
	return &models.IncrementalSyncMetadata{
		TaskType: models.TaskIncrementalSync,
		Outcome:  outcome,
	}, nil
}
