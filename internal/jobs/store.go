package jobs

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/vipul43/mailvault-worker/internal/models"
)

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrJobLocked is returned for operations that cannot touch a leased job
	ErrJobLocked = errors.New("job is currently running")
	// ErrLeaseLost is returned when the job was reaped, and possibly leased
	// again, before its holder finished it
	ErrLeaseLost = errors.New("job lease lost")
)

// CancelledError is stored as last_error on cancelled jobs
const CancelledError = "cancelled by operator"

// LeaseExpiredError is stored as last_error on reaped jobs
const LeaseExpiredError = "lease expired"

type EnqueueOptions struct {
	AccountID   string
	RunAt       time.Time
	Priority    int
	DedupKey    string
	MaxAttempts int
}

type FailOptions struct {
	Permanent bool
	// Delay returns the backoff for the given attempt count. Defaults to Backoff.
	Delay func(attempts int) time.Duration
}

// Lease identifies one leased run of a job. Attempts tells a re-lease by the
// same worker apart, since the reaper counts an attempt before unlocking.
type Lease struct {
	JobID    string
	WorkerID string
	Attempts int
}

func LeaseOf(job *models.Job) Lease {
	lease := Lease{JobID: job.ID, Attempts: job.Attempts}
	if job.LockedBy != nil {
		lease.WorkerID = *job.LockedBy
	}
	return lease
}

// Holds reports whether job is still locked under this lease
func (l Lease) Holds(job *models.Job) bool {
	return job.LockedAt != nil && job.LockedBy != nil &&
		*job.LockedBy == l.WorkerID && job.Attempts == l.Attempts
}

// Store is the durable queue of scheduled work. Implementations must be safe
// for concurrent use from several processes.
type Store interface {
	// Enqueue inserts a job, or replaces the unresolved job sharing DedupKey
	Enqueue(ctx context.Context, taskType models.TaskType, payload interface{}, opts EnqueueOptions) (*models.Job, error)
	// LeaseNext locks the highest priority due job; nil when none is eligible
	LeaseNext(ctx context.Context, workerID string, taskTypes []models.TaskType) (*models.Job, error)
	// Complete removes a finished job. ErrLeaseLost when lease no longer holds it.
	Complete(ctx context.Context, lease Lease) error
	// Fail records a failed attempt and returns the updated job. ErrLeaseLost
	// when lease no longer holds it.
	Fail(ctx context.Context, lease Lease, errMsg string, opts FailOptions) (*models.Job, error)
	// Reschedule is the operator retry: attempts reset, runnable now
	Reschedule(ctx context.Context, jobID string) error
	Cancel(ctx context.Context, jobID string) error

	ListActive(ctx context.Context, limit int) ([]models.Job, error)
	ListPending(ctx context.Context, limit int) ([]models.Job, error)
	ListFailed(ctx context.Context, limit int) ([]models.Job, error)
	// FindActive returns the leased job for the account among taskTypes, or nil
	FindActive(ctx context.Context, accountID string, taskTypes []models.TaskType) (*models.Job, error)
	// ReapExpired unlocks jobs leased longer than olderThan, counting an attempt
	ReapExpired(ctx context.Context, olderThan time.Duration) (int, error)
}

// DefaultMaxAttempts applies when EnqueueOptions.MaxAttempts is zero
const DefaultMaxAttempts = 5

// DefaultBackoff doubles from 30s up to an hour
func DefaultBackoff(attempts int) time.Duration {
	d := 30 * time.Second
	for i := 1; i < attempts && d < time.Hour; i++ {
		d *= 2
	}
	if d > time.Hour {
		d = time.Hour
	}
	return d
}

// DedupKey builds the dedup key for a task: "<taskType>:<part>:<part>..."
func DedupKey(taskType models.TaskType, parts ...string) string {
	return string(taskType) + ":" + strings.Join(parts, ":")
}

// NormalizeLimit bounds list page sizes
func NormalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}

func retryDelay(opts FailOptions, attempts int) time.Duration {
	if opts.Delay != nil {
		return opts.Delay(attempts)
	}
	return DefaultBackoff(attempts)
}

// NextState applies a failed attempt to job in place. It is shared by every
// Store implementation so the retry decision is identical.
func NextState(job *models.Job, errMsg string, opts FailOptions, now time.Time) {
	job.Attempts++
	job.LastError = &errMsg
	job.LockedAt = nil
	job.LockedBy = nil
	job.UpdatedAt = now

	if opts.Permanent || job.Attempts >= job.MaxAttempts {
		job.FailedAt = &now
		return
	}
	job.RunAt = now.Add(retryDelay(opts, job.Attempts))
}
