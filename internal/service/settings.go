package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/vipul43/mailvault-worker/internal/models"
)

var ErrInvalidSettings = errors.New("invalid settings")

// SettingsUpdate is a partial update. Nil fields are kept; ClearDeleteDelay
// and ClearDeleteAge unset the rule.
type SettingsUpdate struct {
	SyncFrequency      *string                `json:"sync_frequency"`
	SyncPaused         *bool                  `json:"sync_paused"`
	AutoDeleteMode     *models.AutoDeleteMode `json:"auto_delete_mode"`
	DeleteDelayHours   *int                   `json:"delete_delay_hours"`
	DeleteAgeMonths    *int                   `json:"delete_age_months"`
	DeleteOnlyArchived *bool                  `json:"delete_only_archived"`
	ClearDeleteDelay   bool                   `json:"clear_delete_delay"`
	ClearDeleteAge     bool                   `json:"clear_delete_age"`
}

type SettingsService struct {
	settings  SettingsRepository
	scheduler *Scheduler
}

func NewSettingsService(settings SettingsRepository, scheduler *Scheduler) *SettingsService {
	return &SettingsService{
		settings:  settings,
		scheduler: scheduler,
	}
}

// Update validates and saves the change, then schedules whatever the
// transition requires.
func (s *SettingsService) Update(ctx context.Context, accountID string, update SettingsUpdate) (*models.AccountSettings, error) {
	current, err := s.settings.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	previous := *current
	next := *current

	if update.SyncFrequency != nil {
		if err := ValidateFrequency(*update.SyncFrequency); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
		}
		next.SyncFrequency = *update.SyncFrequency
	}
	if update.SyncPaused != nil {
		next.SyncPaused = *update.SyncPaused
	}
	if update.AutoDeleteMode != nil {
		if !update.AutoDeleteMode.Valid() {
			return nil, fmt.Errorf("%w: unknown auto-delete mode %q", ErrInvalidSettings, *update.AutoDeleteMode)
		}
		next.AutoDeleteMode = *update.AutoDeleteMode
	}
	if update.DeleteDelayHours != nil {
		if *update.DeleteDelayHours < 0 {
			return nil, fmt.Errorf("%w: delete_delay_hours must not be negative", ErrInvalidSettings)
		}
		next.DeleteDelayHours = update.DeleteDelayHours
	}
	if update.DeleteAgeMonths != nil {
		if *update.DeleteAgeMonths < 0 {
			return nil, fmt.Errorf("%w: delete_age_months must not be negative", ErrInvalidSettings)
		}
		next.DeleteAgeMonths = update.DeleteAgeMonths
	}
	if update.ClearDeleteDelay {
		next.DeleteDelayHours = nil
	}
	if update.ClearDeleteAge {
		next.DeleteAgeMonths = nil
	}
	if update.DeleteOnlyArchived != nil {
		next.DeleteOnlyArchived = *update.DeleteOnlyArchived
	}

	if err := s.settings.Save(ctx, &next); err != nil {
		return nil, err
	}
	log.Printf("Updated settings for account %s (mode: %s, frequency: %s, paused: %v)",
		accountID, next.AutoDeleteMode, next.SyncFrequency, next.SyncPaused)

	if autoDeleteTransition(previous.AutoDeleteMode, next.AutoDeleteMode) {
		if _, err := s.scheduler.ScheduleAutoDelete(ctx, accountID, 0); err != nil {
			return nil, err
		}
	}
	if !previous.SelfScheduling() && next.SelfScheduling() {
		if _, err := s.scheduler.ScheduleIncrementalSync(ctx, accountID, 0); err != nil {
			return nil, err
		}
	}

	return &next, nil
}

// autoDeleteTransition reports whether a mode change needs an immediate run:
// entering dry-run marks, leaving dry-run/on for off clears the marks.
func autoDeleteTransition(from, to models.AutoDeleteMode) bool {
	if from == to {
		return false
	}
	if to == models.AutoDeleteDryRun {
		return true
	}
	return to == models.AutoDeleteOff && (from == models.AutoDeleteDryRun || from == models.AutoDeleteOn)
}
