package models

import "time"

// JobType is the logical job family shown to users. Several task types can
// map onto one job type.
type JobType string

const (
	JobTypeSync       JobType = "sync"
	JobTypeAutoDelete JobType = "auto_delete"
	JobTypeMboxImport JobType = "mbox_import"
)

func (t JobType) Valid() bool {
	switch t {
	case JobTypeSync, JobTypeAutoDelete, JobTypeMboxImport:
		return true
	}
	return false
}

// TaskTypes returns the underlying task types that report into this job type
func (t JobType) TaskTypes() []TaskType {
	switch t {
	case JobTypeSync:
		return []TaskType{TaskFullSync, TaskIncrementalSync, TaskFolderSync}
	case JobTypeAutoDelete:
		return []TaskType{TaskAutoDelete}
	case JobTypeMboxImport:
		return []TaskType{TaskMboxImport}
	}
	return nil
}

// JobType returns the ledger job type a task type reports into
func (t TaskType) JobType() JobType {
	switch t {
	case TaskFullSync, TaskIncrementalSync, TaskFolderSync:
		return JobTypeSync
	case TaskAutoDelete:
		return JobTypeAutoDelete
	case TaskMboxImport:
		return JobTypeMboxImport
	}
	return ""
}

type CurrentStatus string

const (
	StatusRunning  CurrentStatus = "running"
	StatusIdle     CurrentStatus = "idle"
	StatusError    CurrentStatus = "error"
	StatusNeverRun CurrentStatus = "never_run"
)

// JobStatusRecord is the last known outcome per (account, job type)
type JobStatusRecord struct {
	AccountID string    `gorm:"column:account_id;primaryKey"`
	JobType   JobType   `gorm:"column:job_type;primaryKey"`
	LastRunAt time.Time `gorm:"column:last_run_at"`
	Success   bool      `gorm:"column:success"`
	Error     *string   `gorm:"column:error"`
	Metadata  JSONB     `gorm:"column:metadata;type:jsonb"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (JobStatusRecord) TableName() string {
	return "job_status"
}

// SyncCheckpoint lets an interrupted full sync resume from the last saved
// page instead of starting over.
type SyncCheckpoint struct {
	PageToken              string    `json:"page_token"`
	ProcessedCount         int       `json:"processed_count"`
	LastProcessedMessageID string    `json:"last_processed_message_id,omitempty"`
	StartedAt              time.Time `json:"started_at"`
	// Change cursor captured before the first page was listed.
	Cursor string `json:"cursor,omitempty"`
	// JobID is the full_sync job that wrote the checkpoint. Only retries of
	// that job resume from it.
	JobID string `json:"job_id"`
}

// TaskMetadata is run metadata tagged with the task type it describes. The
// ledger stores it under that task type so sync task types sharing one row
// keep separate stats.
type TaskMetadata interface {
	MetadataTask() TaskType
}

// Soft outcomes. These are recorded as successful runs.
const (
	OutcomeRequiresFullSync  = "requires full sync"
	OutcomeHistoryGap        = "history gap, full sync scheduled"
	OutcomeNoRulesConfigured = "no rules configured"
	OutcomeModeOff           = "mode is off"
	OutcomeFolderSyncsQueued = "folder syncs scheduled"
)

// FullSyncMetadata is recorded for full_sync runs
type FullSyncMetadata struct {
	TaskType    TaskType   `json:"task_type"`
	Processed   int        `json:"processed"`
	Stored      int        `json:"stored"`
	Failed      int        `json:"failed"`
	Folders     int        `json:"folders"`
	Cursor      string     `json:"cursor,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Outcome     string     `json:"outcome,omitempty"`
	Restarted   bool       `json:"restarted,omitempty"`
}

type IncrementalSyncMetadata struct {
	TaskType     TaskType   `json:"task_type"`
	Added        int        `json:"added"`
	Deleted      int        `json:"deleted"`
	LabelChanges int        `json:"label_changes"`
	Failed       int        `json:"failed"`
	Cursor       string     `json:"cursor,omitempty"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
	Outcome      string     `json:"outcome,omitempty"`
}

type FolderSyncMetadata struct {
	TaskType    TaskType `json:"task_type"`
	FolderPath  string   `json:"folder_path"`
	UIDValidity uint32   `json:"uid_validity"`
	LastUID     uint32   `json:"last_uid"`
	Stored      int      `json:"stored"`
	Skipped     int      `json:"skipped"`
	Failed      int      `json:"failed"`
}

type AutoDeleteMetadata struct {
	TaskType TaskType       `json:"task_type"`
	Mode     AutoDeleteMode `json:"mode"`
	Matched  int            `json:"matched"`
	Marked   int            `json:"marked"`
	Deleted  int            `json:"deleted"`
	Failed   int            `json:"failed"`
	Cleared  int            `json:"cleared"`
	Outcome  string         `json:"outcome,omitempty"`
}

type MboxImportMetadata struct {
	TaskType    TaskType `json:"task_type"`
	FilePath    string   `json:"file_path"`
	Stored      int      `json:"stored"`
	Skipped     int      `json:"skipped"`
	Failed      int      `json:"failed"`
	FileRemoved bool     `json:"file_removed"`
}

// FailureMetadata is recorded alongside a failed run
type FailureMetadata struct {
	TaskType    TaskType   `json:"task_type"`
	JobID       string     `json:"job_id"`
	Class       string     `json:"class"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
}

func (FullSyncMetadata) MetadataTask() TaskType        { return TaskFullSync }
func (IncrementalSyncMetadata) MetadataTask() TaskType { return TaskIncrementalSync }
func (FolderSyncMetadata) MetadataTask() TaskType      { return TaskFolderSync }
func (AutoDeleteMetadata) MetadataTask() TaskType      { return TaskAutoDelete }
func (MboxImportMetadata) MetadataTask() TaskType      { return TaskMboxImport }
func (m FailureMetadata) MetadataTask() TaskType       { return m.TaskType }
