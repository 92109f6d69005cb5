package service

import (
	"context"
	"time"

	"github.com/vipul43/mailvault-worker/internal/models"
)

// AccountRepository interface for dependency injection
type AccountRepository interface {
	GetByID(ctx context.Context, accountID string) (*models.Account, error)
}

type SettingsRepository interface {
	Get(ctx context.Context, accountID string) (*models.AccountSettings, error)
	Save(ctx context.Context, settings *models.AccountSettings) error
}

type MessageRepository interface {
	Exists(ctx context.Context, accountID, messageID string) (bool, error)
	ExistingIDs(ctx context.Context, accountID string, messageIDs []string) (map[string]bool, error)
	Create(ctx context.Context, msg *models.Message) (bool, error)
	MarkDeletedByProviderIDs(ctx context.Context, accountID string, providerIDs []string) (int64, error)
	ApplyFlags(ctx context.Context, accountID, providerID string, update models.FlagUpdate) error
	FindDeletionCandidates(ctx context.Context, accountID string, criteria models.DeletionCriteria, limit int) ([]models.Message, error)
	MarkForDeletion(ctx context.Context, accountID string, ids []string, at time.Time) (int64, error)
	MarkDeleted(ctx context.Context, accountID, id string) error
	ClearDeletionMarks(ctx context.Context, accountID string) (int64, error)
}

type FolderRepository interface {
	UpsertFolders(ctx context.Context, accountID string, folders []models.Folder) error
	ListFolders(ctx context.Context, accountID string) ([]models.Folder, error)
	Get(ctx context.Context, accountID, path string) (*models.Folder, error)
	UpdateCursor(ctx context.Context, accountID, path string, uidValidity, lastUID uint32) error
	GetSyncState(ctx context.Context, accountID string) (string, error)
	SaveSyncState(ctx context.Context, accountID, cursor string) error
}

type FailedMessageRepository interface {
	Record(ctx context.Context, accountID, messageID string, taskType models.TaskType, errMsg string) error
}

type AttachmentRepository interface {
	Create(ctx context.Context, attachment *models.Attachment) error
}

// JobStatusRepository persists the per (account, job type) ledger rows
type JobStatusRepository interface {
	RecordStart(ctx context.Context, accountID string, jobType models.JobType, at time.Time) error
	RecordResult(ctx context.Context, accountID string, jobType models.JobType, success bool, errMsg *string, metadata models.JSONB) error
	MergeMetadata(ctx context.Context, accountID string, jobType models.JobType, partial models.JSONB) error
	Get(ctx context.Context, accountID string, jobType models.JobType) (*models.JobStatusRecord, error)
}
