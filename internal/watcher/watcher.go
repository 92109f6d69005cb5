package watcher

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/vipul43/mailvault-worker/internal/config"
	"github.com/vipul43/mailvault-worker/internal/jobs"
	"github.com/vipul43/mailvault-worker/internal/models"
	"github.com/vipul43/mailvault-worker/internal/retry"
	"github.com/vipul43/mailvault-worker/internal/telemetry"
)

// reapGrace is added to the lease timeout before a lock counts as abandoned,
// so a handler hitting its own deadline can still finalize.
const reapGrace = time.Minute

type Watcher struct {
	cfg      *config.Config
	store    jobs.Store
	ledger   Ledger
	accounts AccountDeactivator
	handlers Handlers
	backoff  retry.Backoff
}

func New(cfg *config.Config, store jobs.Store, ledger Ledger, accounts AccountDeactivator, handlers Handlers) *Watcher {
	return &Watcher{
		cfg:      cfg,
		store:    store,
		ledger:   ledger,
		accounts: accounts,
		handlers: handlers,
		backoff: retry.Backoff{
			Initial:          cfg.BackoffInitial,
			Max:              cfg.BackoffMax,
			RateLimitInitial: cfg.RateLimitBackoffInitial,
		},
	}
}

// Start polls for due jobs until ctx is cancelled, then waits for the jobs
// already running to finish.
func (w *Watcher) Start(ctx context.Context) error {
	log.Printf("Starting watcher %s with concurrency %d", w.cfg.WorkerID, w.cfg.Concurrency)

	slots := make(chan struct{}, w.cfg.Concurrency)
	var wg sync.WaitGroup

	// Reclaim leases left behind by a previous run before leasing anything
	w.reap(ctx)
	w.fill(ctx, slots, &wg)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("Watcher shutting down, waiting for %d running job(s)...", len(slots))
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			w.reap(ctx)
			w.fill(ctx, slots, &wg)
		}
	}
}

// fill leases jobs until every slot is busy or nothing is due
func (w *Watcher) fill(ctx context.Context, slots chan struct{}, wg *sync.WaitGroup) {
	for {
		select {
		case slots <- struct{}{}:
		default:
			return
		}

		job, err := w.store.LeaseNext(ctx, w.cfg.WorkerID, models.AllTaskTypes)
		if err != nil || job == nil {
			<-slots
			if err != nil && ctx.Err() == nil {
				log.Printf("Error leasing jobs: %v", err)
			}
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()
			w.processJob(ctx, job)
		}()
	}
}

func (w *Watcher) reap(ctx context.Context) {
	n, err := w.store.ReapExpired(ctx, w.cfg.LeaseTimeout+reapGrace)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("Warning: failed to reap expired leases: %v", err)
		}
		return
	}
	if n > 0 {
		telemetry.JobsReaped.Add(float64(n))
		log.Printf("Reclaimed %d job(s) with expired leases", n)
	}
}

// processJob runs one leased job to completion. The handler keeps running
// through shutdown; the lease timeout bounds it instead.
func (w *Watcher) processJob(parent context.Context, job *models.Job) {
	telemetry.JobsLeased.WithLabelValues(string(job.TaskType)).Inc()
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), w.cfg.LeaseTimeout)
	defer cancel()

	jobType := job.TaskType.JobType()
	log.Printf("Processing %s job %s for account %s (attempt %d/%d)",
		job.TaskType, job.ID, job.AccountID, job.Attempts+1, job.MaxAttempts)

	if jobType != "" {
		if err := w.ledger.RecordStart(ctx, job.AccountID, jobType); err != nil {
			log.Printf("Warning: failed to record start for job %s: %v", job.ID, err)
		}
	}

	metadata, err := w.dispatch(ctx, job)
	if err != nil {
		w.fail(ctx, job, err)
		return
	}
	w.succeed(ctx, job, metadata)
}

func (w *Watcher) succeed(ctx context.Context, job *models.Job, metadata interface{}) {
	if err := w.store.Complete(ctx, jobs.LeaseOf(job)); err != nil {
		if errors.Is(err, jobs.ErrLeaseLost) {
			log.Printf("Warning: lease on job %s was lost before it completed, leaving it to its new holder", job.ID)
			return
		}
		log.Printf("Warning: failed to complete job %s: %v", job.ID, err)
	}
	if err := w.ledger.RecordSuccess(ctx, job.AccountID, job.TaskType.JobType(), metadata); err != nil {
		log.Printf("Warning: failed to record success for job %s: %v", job.ID, err)
	}
	telemetry.JobsCompleted.WithLabelValues(string(job.TaskType)).Inc()
	log.Printf("Completed %s job %s for account %s", job.TaskType, job.ID, job.AccountID)
}

// fail classifies err once and hands the outcome to the job store
func (w *Watcher) fail(ctx context.Context, job *models.Job, err error) {
	class := retry.Classify(err)
	errMsg := err.Error()

	updated, ferr := w.store.Fail(ctx, jobs.LeaseOf(job), errMsg, jobs.FailOptions{
		Permanent: !class.Retryable(),
		Delay:     w.backoff.For(class),
	})
	if errors.Is(ferr, jobs.ErrLeaseLost) {
		log.Printf("Warning: lease on job %s was lost before it failed (%s): %v", job.ID, class, err)
		return
	}
	if ferr != nil {
		log.Printf("Warning: failed to record failure of job %s: %v", job.ID, ferr)
		updated = job
	}

	if class == retry.ClassAuth && w.accounts != nil {
		if err := w.accounts.MarkInactive(ctx, job.AccountID, errMsg); err != nil {
			log.Printf("Warning: failed to deactivate account %s: %v", job.AccountID, err)
		} else {
			log.Printf("Account %s deactivated until it is reconnected", job.AccountID)
		}
	}

	meta := models.FailureMetadata{
		TaskType:    job.TaskType,
		JobID:       job.ID,
		Class:       class.String(),
		Attempts:    updated.Attempts,
		MaxAttempts: updated.MaxAttempts,
	}
	if !updated.IsFailed() {
		next := updated.RunAt
		meta.NextRunAt = &next
	}
	if jobType := job.TaskType.JobType(); jobType != "" {
		if err := w.ledger.RecordFailure(ctx, job.AccountID, jobType, errMsg, meta); err != nil {
			log.Printf("Warning: failed to record failure status for job %s: %v", job.ID, err)
		}
	}

	if updated.IsFailed() {
		telemetry.JobsFailed.WithLabelValues(string(job.TaskType), class.String()).Inc()
		log.Printf("Job %s for account %s failed permanently (%s): %v", job.ID, job.AccountID, class, err)
		return
	}
	telemetry.JobsRetried.WithLabelValues(string(job.TaskType), class.String()).Inc()
	log.Printf("Job %s for account %s failed (%s), retrying at %s: %v",
		job.ID, job.AccountID, class, updated.RunAt.Format(time.RFC3339), err)
}
