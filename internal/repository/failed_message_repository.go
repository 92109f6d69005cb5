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

type FailedMessageRepository struct {
	db *gorm.DB
}

func NewFailedMessageRepository(db *gorm.DB) *FailedMessageRepository {
	return &FailedMessageRepository{db: db}
}

// Record logs a per-message failure; repeats bump the attempt counter
func (r *FailedMessageRepository) Record(ctx context.Context, accountID, messageID string, taskType models.TaskType, errMsg string) error {
	now := time.Now()
	entry := models.FailedMessage{
		ID:        uuid.New().String(),
		AccountID: accountID,
		MessageID: messageID,
		TaskType:  taskType,
		LastError: errMsg,
		Attempts:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}, {Name: "message_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"attempts":   gorm.Expr("failed_messages.attempts + 1"),
			"last_error": errMsg,
			"task_type":  taskType,
			"updated_at": now,
		}),
	}).Create(&entry)
	if result.Error != nil {
		return fmt.Errorf("failed to record failed message: %w", result.Error)
	}
	return nil
}

// ListByAccount returns the most recent failures for an account
func (r *FailedMessageRepository) ListByAccount(ctx context.Context, accountID string, limit int) ([]models.FailedMessage, error) {
	var out []models.FailedMessage
	result := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("updated_at DESC").
		Limit(limit).
		Find(&out)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list failed messages: %w", result.Error)
	}
	return out, nil
}
