package models

import "time"

type AutoDeleteMode string

const (
	AutoDeleteOff    AutoDeleteMode = "off"
	AutoDeleteDryRun AutoDeleteMode = "dry-run"
	AutoDeleteOn     AutoDeleteMode = "on"
)

func (m AutoDeleteMode) Valid() bool {
	return m == AutoDeleteOff || m == AutoDeleteDryRun || m == AutoDeleteOn
}

// SyncFrequencyManual disables self-rescheduling of incremental syncs
const SyncFrequencyManual = "manual"

// AccountSettings holds the per-account scheduling and retention rules
type AccountSettings struct {
	AccountID          string         `gorm:"column:account_id;primaryKey" json:"account_id"`
	SyncFrequency      string         `gorm:"column:sync_frequency" json:"sync_frequency"`
	SyncPaused         bool           `gorm:"column:sync_paused" json:"sync_paused"`
	AutoDeleteMode     AutoDeleteMode `gorm:"column:auto_delete_mode" json:"auto_delete_mode"`
	DeleteDelayHours   *int           `gorm:"column:delete_delay_hours" json:"delete_delay_hours"`
	DeleteAgeMonths    *int           `gorm:"column:delete_age_months" json:"delete_age_months"`
	DeleteOnlyArchived bool           `gorm:"column:delete_only_archived" json:"delete_only_archived"`
	CreatedAt          time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt          time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

// TableName specifies the table name for GORM
func (AccountSettings) TableName() string {
	return "account_settings"
}

// DefaultSettings is used for accounts that never saved settings
func DefaultSettings(accountID string) *AccountSettings {
	return &AccountSettings{
		AccountID:      accountID,
		SyncFrequency:  "*/15 * * * *",
		AutoDeleteMode: AutoDeleteOff,
	}
}

// HasDeletionRules reports whether any deletion condition is configured
func (s *AccountSettings) HasDeletionRules() bool {
	return s.DeleteDelayHours != nil || s.DeleteAgeMonths != nil
}

// AutoDeleteEnabled reports whether an auto-delete run has work to do
func (s *AccountSettings) AutoDeleteEnabled() bool {
	return s.AutoDeleteMode != AutoDeleteOff && s.HasDeletionRules()
}

// SelfScheduling reports whether incremental syncs should reschedule themselves
func (s *AccountSettings) SelfScheduling() bool {
	return !s.SyncPaused && s.SyncFrequency != SyncFrequencyManual
}
