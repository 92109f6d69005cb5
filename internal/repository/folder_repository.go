package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vipul43/mailvault-worker/internal/models"
)

// FolderRepository stores mailbox folders and the reserved sync state row
type FolderRepository struct {
	db *gorm.DB
}

func NewFolderRepository(db *gorm.DB) *FolderRepository {
	return &FolderRepository{db: db}
}

// UpsertFolders inserts or refreshes folders by (account_id, path). UID
// cursors are not touched.
func (r *FolderRepository) UpsertFolders(ctx context.Context, accountID string, folders []models.Folder) error {
	if len(folders) == 0 {
		return nil
	}
	now := time.Now()
	for i := range folders {
		folders[i].ID = uuid.New().String()
		folders[i].AccountID = accountID
		folders[i].CreatedAt = now
		folders[i].UpdatedAt = now
	}

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "delimiter", "special_use", "selectable", "updated_at"}),
	}).Create(&folders)
	if result.Error != nil {
		return fmt.Errorf("failed to upsert folders: %w", result.Error)
	}
	return nil
}

// ListFolders returns the account's real folders, excluding the sync state row
func (r *FolderRepository) ListFolders(ctx context.Context, accountID string) ([]models.Folder, error) {
	var out []models.Folder
	result := r.db.WithContext(ctx).
		Where("account_id = ? AND path <> ?", accountID, models.SyncStatePath).
		Order("path ASC").
		Find(&out)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list folders: %w", result.Error)
	}
	return out, nil
}

// Get returns one folder or nil
func (r *FolderRepository) Get(ctx context.Context, accountID, path string) (*models.Folder, error) {
	var folder models.Folder
	result := r.db.WithContext(ctx).
		Where("account_id = ? AND path = ?", accountID, path).
		Limit(1).
		Find(&folder)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get folder: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &folder, nil
}

// UpdateCursor stores a folder's UID high-water-mark
func (r *FolderRepository) UpdateCursor(ctx context.Context, accountID, path string, uidValidity, lastUID uint32) error {
	now := time.Now()
	folder := models.Folder{
		ID:           uuid.New().String(),
		AccountID:    accountID,
		Path:         path,
		Name:         path,
		Selectable:   true,
		UIDValidity:  uidValidity,
		LastUID:      lastUID,
		LastSyncedAt: &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{"uid_validity", "last_uid", "last_synced_at", "updated_at"}),
	}).Create(&folder)
	if result.Error != nil {
		return fmt.Errorf("failed to update folder cursor: %w", result.Error)
	}
	return nil
}

// GetSyncState returns the account's change cursor, or "" before the first full sync
func (r *FolderRepository) GetSyncState(ctx context.Context, accountID string) (string, error) {
	folder, err := r.Get(ctx, accountID, models.SyncStatePath)
	if err != nil {
		return "", err
	}
	if folder == nil || folder.LastSyncID == nil {
		return "", nil
	}
	return *folder.LastSyncID, nil
}

// SaveSyncState persists the change cursor on the reserved folder row
func (r *FolderRepository) SaveSyncState(ctx context.Context, accountID, cursor string) error {
	now := time.Now()
	folder := models.Folder{
		ID:           uuid.New().String(),
		AccountID:    accountID,
		Path:         models.SyncStatePath,
		Name:         models.SyncStatePath,
		Selectable:   false,
		LastSyncID:   &cursor,
		LastSyncedAt: &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_sync_id", "last_synced_at", "updated_at"}),
	}).Create(&folder)
	if result.Error != nil {
		return fmt.Errorf("failed to save sync state: %w", result.Error)
	}
	return nil
}
