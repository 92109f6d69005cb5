package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vipul43/mailvault-worker/internal/models"
)

type SettingsRepository struct {
	db *gorm.DB
}

func NewSettingsRepository(db *gorm.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Get returns the stored settings or the defaults when none were saved
func (r *SettingsRepository) Get(ctx context.Context, accountID string) (*models.AccountSettings, error) {
	var settings models.AccountSettings
	result := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Limit(1).
		Find(&settings)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get account settings: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return models.DefaultSettings(accountID), nil
	}
	return &settings, nil
}

// Save upserts the full settings row
func (r *SettingsRepository) Save(ctx context.Context, settings *models.AccountSettings) error {
	now := time.Now()
	if settings.CreatedAt.IsZero() {
		settings.CreatedAt = now
	}
	settings.UpdatedAt = now

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"sync_frequency",
			"sync_paused",
			"auto_delete_mode",
			"delete_delay_hours",
			"delete_age_months",
			"delete_only_archived",
			"updated_at",
		}),
	}).Create(settings)
	if result.Error != nil {
		return fmt.Errorf("failed to save account settings: %w", result.Error)
	}
	return nil
}
