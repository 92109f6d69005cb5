package models

import "time"

// Message is the archived copy of one email. (AccountID, MessageID) is unique.
type Message struct {
	ID                  string     `gorm:"column:id;primaryKey"`
	AccountID           string     `gorm:"column:account_id"`
	MessageID           string     `gorm:"column:message_id"`
	ProviderID          string     `gorm:"column:provider_id"`
	ThreadID            *string    `gorm:"column:thread_id"`
	FolderPath          *string    `gorm:"column:folder_path"`
	Subject             string     `gorm:"column:subject"`
	FromAddress         string     `gorm:"column:from_address"`
	ToAddresses         string     `gorm:"column:to_addresses"`
	Date                *time.Time `gorm:"column:date"`
	SizeBytes           int64      `gorm:"column:size_bytes"`
	BlobPath            string     `gorm:"column:blob_path"`
	HasAttachments      bool       `gorm:"column:has_attachments"`
	IsRead              bool       `gorm:"column:is_read"`
	IsImportant         bool       `gorm:"column:is_important"`
	IsSpam              bool       `gorm:"column:is_spam"`
	IsArchived          bool       `gorm:"column:is_archived"`
	IsDeleted           bool       `gorm:"column:is_deleted"`
	MarkedForDeletion   bool       `gorm:"column:marked_for_deletion"`
	MarkedForDeletionAt *time.Time `gorm:"column:marked_for_deletion_at"`
	SyncedAt            time.Time  `gorm:"column:synced_at"`
	CreatedAt           time.Time  `gorm:"column:created_at"`
	UpdatedAt           time.Time  `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (Message) TableName() string {
	return "messages"
}

// FlagUpdate carries label driven flag changes. Nil fields are untouched.
type FlagUpdate struct {
	IsRead      *bool
	IsImportant *bool
	IsSpam      *bool
	IsArchived  *bool
	IsDeleted   *bool
}

func (u FlagUpdate) Empty() bool {
	return u.IsRead == nil && u.IsImportant == nil && u.IsSpam == nil && u.IsArchived == nil && u.IsDeleted == nil
}

// Columns returns the column assignments for a non-empty update
func (u FlagUpdate) Columns() map[string]interface{} {
	cols := map[string]interface{}{}
	if u.IsRead != nil {
		cols["is_read"] = *u.IsRead
	}
	if u.IsImportant != nil {
		cols["is_important"] = *u.IsImportant
	}
	if u.IsSpam != nil {
		cols["is_spam"] = *u.IsSpam
	}
	if u.IsArchived != nil {
		cols["is_archived"] = *u.IsArchived
	}
	if u.IsDeleted != nil {
		cols["is_deleted"] = *u.IsDeleted
	}
	return cols
}

// DeletionCriteria selects auto-delete candidates. A message matches when
// any set cutoff holds, narrowed by the boolean restrictions.
type DeletionCriteria struct {
	SyncedBefore      *time.Time
	DateBefore        *time.Time
	OnlyArchived      bool
	OnlyUnmarked      bool
	RequireProviderID bool
}

// Matches evaluates the criteria against a single message
func (c DeletionCriteria) Matches(m *Message) bool {
	if m.IsDeleted {
		return false
	}
	if c.OnlyArchived && !m.IsArchived {
		return false
	}
	if c.OnlyUnmarked && m.MarkedForDeletion {
		return false
	}
	if c.RequireProviderID && m.ProviderID == "" {
		return false
	}
	if c.SyncedBefore != nil && m.SyncedAt.Before(*c.SyncedBefore) {
		return true
	}
	if c.DateBefore != nil && m.Date != nil && m.Date.Before(*c.DateBefore) {
		return true
	}
	return false
}

// SyncStatePath is the reserved folder path holding the account's change cursor
const SyncStatePath = "__sync_state__"

// Folder is a mailbox or label, plus the reserved sync state entry
type Folder struct {
	ID           string     `gorm:"column:id;primaryKey"`
	AccountID    string     `gorm:"column:account_id"`
	Path         string     `gorm:"column:path"`
	Name         string     `gorm:"column:name"`
	Delimiter    string     `gorm:"column:delimiter"`
	SpecialUse   *string    `gorm:"column:special_use"`
	Selectable   bool       `gorm:"column:selectable"`
	UIDValidity  uint32     `gorm:"column:uid_validity"`
	LastUID      uint32     `gorm:"column:last_uid"`
	LastSyncID   *string    `gorm:"column:last_sync_id"`
	LastSyncedAt *time.Time `gorm:"column:last_synced_at"`
	CreatedAt    time.Time  `gorm:"column:created_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (Folder) TableName() string {
	return "folders"
}

// FailedMessage records a message that could not be fetched or stored
type FailedMessage struct {
	ID        string    `gorm:"column:id;primaryKey" json:"id"`
	AccountID string    `gorm:"column:account_id" json:"account_id"`
	MessageID string    `gorm:"column:message_id" json:"message_id"`
	TaskType  TaskType  `gorm:"column:task_type" json:"task_type"`
	LastError string    `gorm:"column:last_error" json:"last_error"`
	Attempts  int       `gorm:"column:attempts" json:"attempts"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName specifies the table name for GORM
func (FailedMessage) TableName() string {
	return "failed_messages"
}

type ScanStatus string

const (
	ScanUnscanned ScanStatus = "unscanned"
	ScanClean     ScanStatus = "clean"
	ScanInfected  ScanStatus = "infected"
	ScanError     ScanStatus = "error"
)

type Attachment struct {
	ID          string     `gorm:"column:id;primaryKey"`
	AccountID   string     `gorm:"column:account_id"`
	MessageID   string     `gorm:"column:message_id"`
	Filename    string     `gorm:"column:filename"`
	ContentType string     `gorm:"column:content_type"`
	SizeBytes   int64      `gorm:"column:size_bytes"`
	BlobPath    string     `gorm:"column:blob_path"`
	ScanStatus  ScanStatus `gorm:"column:scan_status"`
	CreatedAt   time.Time  `gorm:"column:created_at"`
}

// TableName specifies the table name for GORM
func (Attachment) TableName() string {
	return "attachments"
}
