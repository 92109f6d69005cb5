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

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Exists checks whether the message is already archived
func (r *MessageRepository) Exists(ctx context.Context, accountID, messageID string) (bool, error) {
	var count int64
	result := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("account_id = ? AND message_id = ?", accountID, messageID).
		Count(&count)
	if result.Error != nil {
		return false, fmt.Errorf("failed to check message existence: %w", result.Error)
	}
	return count > 0, nil
}

// ExistingIDs returns the subset of messageIDs already archived
func (r *MessageRepository) ExistingIDs(ctx context.Context, accountID string, messageIDs []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(messageIDs))
	if len(messageIDs) == 0 {
		return existing, nil
	}

	var found []string
	result := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("account_id = ? AND message_id IN ?", accountID, messageIDs).
		Pluck("message_id", &found)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query existing messages: %w", result.Error)
	}

	for _, id := range found {
		existing[id] = true
	}
	return existing, nil
}

// Create inserts the message unless (account_id, message_id) already exists.
// Returns false when another writer got there first.
func (r *MessageRepository) Create(ctx context.Context, msg *models.Message) (bool, error) {
	now := time.Now()
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.SyncedAt.IsZero() {
		msg.SyncedAt = now
	}
	msg.CreatedAt = now
	msg.UpdatedAt = now

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "message_id"}},
		DoNothing: true,
	}).Create(msg)
	if result.Error != nil {
		return false, fmt.Errorf("failed to create message: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// MarkDeletedByProviderIDs flags messages removed at the provider. The
// archived copy is never removed.
func (r *MessageRepository) MarkDeletedByProviderIDs(ctx context.Context, accountID string, providerIDs []string) (int64, error) {
	if len(providerIDs) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("account_id = ? AND provider_id IN ? AND is_deleted = FALSE", accountID, providerIDs).
		Updates(map[string]interface{}{
			"is_deleted": true,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to mark messages deleted: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ApplyFlags updates label driven flags for a message
func (r *MessageRepository) ApplyFlags(ctx context.Context, accountID, providerID string, update models.FlagUpdate) error {
	if update.Empty() {
		return nil
	}
	cols := update.Columns()
	cols["updated_at"] = time.Now()

	result := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("account_id = ? AND provider_id = ?", accountID, providerID).
		Updates(cols)
	if result.Error != nil {
		return fmt.Errorf("failed to apply flags: %w", result.Error)
	}
	return nil
}

// FindDeletionCandidates returns up to limit messages matching the criteria,
// oldest first.
func (r *MessageRepository) FindDeletionCandidates(ctx context.Context, accountID string, criteria models.DeletionCriteria, limit int) ([]models.Message, error) {
	if criteria.SyncedBefore == nil && criteria.DateBefore == nil {
		return nil, nil
	}

	query := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("account_id = ? AND is_deleted = FALSE", accountID)

	switch {
	case criteria.SyncedBefore != nil && criteria.DateBefore != nil:
		query = query.Where("(synced_at < ? OR date < ?)", *criteria.SyncedBefore, *criteria.DateBefore)
	case criteria.SyncedBefore != nil:
		query = query.Where("synced_at < ?", *criteria.SyncedBefore)
	default:
		query = query.Where("date < ?", *criteria.DateBefore)
	}

	if criteria.OnlyArchived {
		query = query.Where("is_archived = TRUE")
	}
	if criteria.OnlyUnmarked {
		query = query.Where("marked_for_deletion = FALSE")
	}
	if criteria.RequireProviderID {
		query = query.Where("provider_id <> ''")
	}

	var out []models.Message
	result := query.Order("date ASC NULLS LAST, synced_at ASC").Limit(limit).Find(&out)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to find deletion candidates: %w", result.Error)
	}
	return out, nil
}

// MarkForDeletion flags the given messages. Already flagged rows keep their
// original timestamp.
func (r *MessageRepository) MarkForDeletion(ctx context.Context, accountID string, ids []string, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("account_id = ? AND id IN ? AND marked_for_deletion = FALSE", accountID, ids).
		Updates(map[string]interface{}{
			"marked_for_deletion":    true,
			"marked_for_deletion_at": at,
			"updated_at":             time.Now(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to mark messages for deletion: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// MarkDeleted records a successful provider delete
func (r *MessageRepository) MarkDeleted(ctx context.Context, accountID, id string) error {
	result := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("account_id = ? AND id = ?", accountID, id).
		Updates(map[string]interface{}{
			"is_deleted":             true,
			"marked_for_deletion":    false,
			"marked_for_deletion_at": nil,
			"updated_at":             time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark message deleted: %w", result.Error)
	}
	return nil
}

// ClearDeletionMarks removes every pending deletion mark for the account
func (r *MessageRepository) ClearDeletionMarks(ctx context.Context, accountID string) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("account_id = ? AND marked_for_deletion = TRUE", accountID).
		Updates(map[string]interface{}{
			"marked_for_deletion":    false,
			"marked_for_deletion_at": nil,
			"updated_at":             time.Now(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to clear deletion marks: %w", result.Error)
	}
	return result.RowsAffected, nil
}
