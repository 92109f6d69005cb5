package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

type TaskType string

const (
	TaskFullSync        TaskType = "full_sync"
	TaskIncrementalSync TaskType = "incremental_sync"
	TaskFolderSync      TaskType = "folder_sync"
	TaskAutoDelete      TaskType = "auto_delete"
	TaskMboxImport      TaskType = "mbox_import"
)

// AllTaskTypes lists every task type the worker leases
var AllTaskTypes = []TaskType{
	TaskFullSync,
	TaskIncrementalSync,
	TaskFolderSync,
	TaskAutoDelete,
	TaskMboxImport,
}

func (t TaskType) Valid() bool {
	switch t {
	case TaskFullSync, TaskIncrementalSync, TaskFolderSync, TaskAutoDelete, TaskMboxImport:
		return true
	}
	return false
}

// Higher value leases first.
const (
	PriorityIncrementalSync = 20
	PriorityFolderSync      = 15
	PriorityFullSync        = 10
	PriorityMboxImport      = 5
	PriorityAutoDelete      = 0
)

// Job is a unit of deferred work. Completed jobs are deleted; permanently
// failed jobs keep their row with FailedAt set.
type Job struct {
	ID          string         `gorm:"column:id;primaryKey" json:"id"`
	TaskType    TaskType       `gorm:"column:task_type" json:"task_type"`
	AccountID   string         `gorm:"column:account_id" json:"account_id"`
	Payload     datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	RunAt       time.Time      `gorm:"column:run_at" json:"run_at"`
	Priority    int            `gorm:"column:priority" json:"priority"`
	Attempts    int            `gorm:"column:attempts" json:"attempts"`
	MaxAttempts int            `gorm:"column:max_attempts" json:"max_attempts"`
	DedupKey    *string        `gorm:"column:dedup_key" json:"dedup_key,omitempty"`
	LockedAt    *time.Time     `gorm:"column:locked_at" json:"locked_at,omitempty"`
	LockedBy    *string        `gorm:"column:locked_by" json:"locked_by,omitempty"`
	LastError   *string        `gorm:"column:last_error" json:"last_error,omitempty"`
	FailedAt    *time.Time     `gorm:"column:failed_at" json:"failed_at,omitempty"`
	CreatedAt   time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

// TableName specifies the table name for GORM
func (Job) TableName() string {
	return "jobs"
}

func (j *Job) IsLocked() bool {
	return j.LockedAt != nil
}

func (j *Job) IsFailed() bool {
	return j.FailedAt != nil
}

// DecodePayload unmarshals the job payload into v
func (j *Job) DecodePayload(v interface{}) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("job %s has empty payload", j.ID)
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("failed to decode payload for job %s: %w", j.ID, err)
	}
	return nil
}

// SyncPayload is used by full_sync and incremental_sync jobs
type SyncPayload struct {
	AccountID string `json:"account_id"`
}

// FolderSyncPayload scopes a sync to one mailbox. FromScratch ignores the
// stored UID high-water-mark.
type FolderSyncPayload struct {
	AccountID   string `json:"account_id"`
	FolderPath  string `json:"folder_path"`
	FromScratch bool   `json:"from_scratch,omitempty"`
}

type AutoDeletePayload struct {
	AccountID string `json:"account_id"`
}

type MboxImportPayload struct {
	AccountID string `json:"account_id"`
	FilePath  string `json:"file_path"`
}
