package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/vipul43/mailvault-worker/internal/models"
	"github.com/vipul43/mailvault-worker/internal/repository"
	"github.com/vipul43/mailvault-worker/internal/retry"
	"github.com/vipul43/mailvault-worker/internal/telemetry"
)

var (
	// ErrRequiresFullSync is returned by an incremental sync for an account
	// that never completed a full sync. The caller schedules one.
	ErrRequiresFullSync = errors.New("account requires a full sync")
	ErrAccountInactive  = errors.New("account is inactive")
)

type SyncOptions struct {
	PageSize            int
	CheckpointInterval  int
	IncrementalMinDelay time.Duration
	IncrementalMaxDelay time.Duration
	// FollowUpDelay is how long after a full sync the first incremental runs
	FollowUpDelay time.Duration
}

func DefaultSyncOptions() SyncOptions {
	return SyncOptions{
		PageSize:            100,
		CheckpointInterval:  500,
		IncrementalMinDelay: time.Minute,
		IncrementalMaxDelay: 30 * time.Minute,
		FollowUpDelay:       time.Minute,
	}
}

// SyncDeps groups the collaborators of SyncService
type SyncDeps struct {
	Accounts  AccountRepository
	Settings  SettingsRepository
	Messages  MessageRepository
	Folders   FolderRepository
	Failures  FailedMessageRepository
	Providers ProviderFactory
	Ingestor  *Ingestor
	Scheduler *Scheduler
	Status    *JobStatusService
	Events    EventPublisher
}

// SyncService runs full, incremental and folder syncs
type SyncService struct {
	SyncDeps
	opts SyncOptions
	now  func() time.Time
}

func NewSyncService(deps SyncDeps, opts SyncOptions) *SyncService {
	defaults := DefaultSyncOptions()
	if opts.PageSize <= 0 {
		opts.PageSize = defaults.PageSize
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = defaults.CheckpointInterval
	}
	if opts.IncrementalMaxDelay <= 0 {
		opts.IncrementalMaxDelay = defaults.IncrementalMaxDelay
	}
	if opts.IncrementalMinDelay <= 0 {
		opts.IncrementalMinDelay = defaults.IncrementalMinDelay
	}
	if opts.IncrementalMinDelay > opts.IncrementalMaxDelay {
		opts.IncrementalMinDelay = opts.IncrementalMaxDelay
	}
	return &SyncService{
		SyncDeps: deps,
		opts:     opts,
		now:      time.Now,
	}
}

// SyncEvent is published after a successful run
type SyncEvent struct {
	AccountID  string    `json:"account_id"`
	Kind       string    `json:"kind"`
	FolderPath string    `json:"folder_path,omitempty"`
	Stored     int       `json:"stored"`
	Deleted    int       `json:"deleted"`
	Failed     int       `json:"failed"`
	OccurredAt time.Time `json:"occurred_at"`
}

// FullSync archives every message of the account. A retry of the same job
// resumes from its last checkpoint; any other run starts from a fresh cursor.
func (s *SyncService) FullSync(ctx context.Context, accountID, jobID string) (*models.FullSyncMetadata, error) {
	account, err := loadAccount(ctx, s.Accounts, accountID)
	if err != nil {
		return nil, err
	}

	client, err := s.Providers.ForAccount(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider client: %w", err)
	}
	defer client.Close()

	history, ok := client.(HistoryProvider)
	if !ok {
		if _, isFolder := client.(FolderProvider); isFolder {
			return s.fullSyncFolders(ctx, accountID, client)
		}
		return nil, retry.Permanent(fmt.Errorf("provider for account %s supports neither history nor folders", accountID))
	}

	meta := &models.FullSyncMetadata{TaskType: models.TaskFullSync}

	cp, err := s.Status.Checkpoint(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var run fullSyncRun
	if cp != nil && cp.PageToken != "" && cp.Cursor != "" && cp.JobID == jobID && jobID != "" {
		run = fullSyncRun{
			cursor:    cp.Cursor,
			pageToken: cp.PageToken,
			processed: cp.ProcessedCount,
			startedAt: cp.StartedAt,
			resumed:   true,
		}
		log.Printf("Resuming full sync for account %s from checkpoint (processed: %d)", accountID, run.processed)
	} else {
		if cp != nil {
			log.Printf("Discarding full sync checkpoint of job %s for account %s", cp.JobID, accountID)
			if err := s.Status.SaveCheckpoint(ctx, accountID, nil); err != nil {
				return nil, err
			}
		}
		if err := s.startFullSync(ctx, accountID, history, &run); err != nil {
			return nil, err
		}
	}

	folders, err := s.syncFolderList(ctx, accountID, client)
	if err != nil {
		return nil, err
	}
	meta.Folders = len(folders)

	sinceCheckpoint := 0
	for {
		page, err := client.ListMessages(ctx, s.opts.PageSize, run.pageToken)
		if err != nil {
			if run.resumed && retry.Classify(err) == retry.ClassPermanent {
				// the saved page token is no longer accepted
				log.Printf("Checkpoint for account %s rejected by provider, restarting full sync: %v", accountID, err)
				if err := s.Status.SaveCheckpoint(ctx, accountID, nil); err != nil {
					return nil, err
				}
				if err := s.startFullSync(ctx, accountID, history, &run); err != nil {
					return nil, err
				}
				meta.Restarted = true
				sinceCheckpoint = 0
				continue
			}
			return nil, fmt.Errorf("failed to list messages: %w", err)
		}

		ids := make([]string, 0, len(page.Messages))
		for _, ref := range page.Messages {
			ids = append(ids, ref.ID)
		}

		stored, failed, err := s.fetchAndStore(ctx, accountID, client, models.TaskFullSync, ids)
		if err != nil {
			return nil, err
		}
		meta.Stored += stored
		meta.Failed += failed
		run.processed += len(ids)
		sinceCheckpoint += len(ids)

		log.Printf("Full sync page for account %s: %d listed, %d stored, %d failed (processed: %d)",
			accountID, len(ids), stored, failed, run.processed)

		run.pageToken = page.NextPageToken
		if run.pageToken == "" {
			break
		}

		if sinceCheckpoint >= s.opts.CheckpointInterval {
			checkpoint := &models.SyncCheckpoint{
				PageToken:      run.pageToken,
				ProcessedCount: run.processed,
				StartedAt:      run.startedAt,
				Cursor:         run.cursor,
				JobID:          jobID,
			}
			if len(ids) > 0 {
				checkpoint.LastProcessedMessageID = ids[len(ids)-1]
			}
			if err := s.Status.SaveCheckpoint(ctx, accountID, checkpoint); err != nil {
				return nil, err
			}
			sinceCheckpoint = 0
		}
	}

	if err := s.Folders.SaveSyncState(ctx, accountID, run.cursor); err != nil {
		return nil, err
	}
	if err := s.Status.SaveCheckpoint(ctx, accountID, nil); err != nil {
		return nil, err
	}

	completedAt := s.now()
	meta.Processed = run.processed
	meta.Cursor = run.cursor
	meta.CompletedAt = &completedAt

	settings, err := s.Settings.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if settings.SelfScheduling() {
		if _, err := s.Scheduler.ScheduleIncrementalSync(ctx, accountID, s.opts.FollowUpDelay); err != nil {
			return nil, err
		}
	}

	s.publish(ctx, SyncEvent{AccountID: accountID, Kind: "full", Stored: meta.Stored, Failed: meta.Failed})
	log.Printf("Full sync completed for account %s: processed=%d stored=%d failed=%d", accountID, run.processed, meta.Stored, meta.Failed)
	return meta, nil
}

// fullSyncRun is the listing position of one full sync
type fullSyncRun struct {
	cursor    string
	pageToken string
	processed int
	startedAt time.Time
	resumed   bool
}

// startFullSync captures the cursor before listing so changes made during the
// sync are picked up by the first incremental.
func (s *SyncService) startFullSync(ctx context.Context, accountID string, history HistoryProvider, run *fullSyncRun) error {
	cursor, err := history.CurrentCursor(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current cursor: %w", err)
	}
	*run = fullSyncRun{cursor: cursor, startedAt: s.now()}
	log.Printf("Starting full sync for account %s (cursor: %s)", accountID, cursor)
	return nil
}

// fullSyncFolders bootstraps a folder partitioned provider by scheduling one
// folder sync per mailbox from UID 0.
func (s *SyncService) fullSyncFolders(ctx context.Context, accountID string, client ProviderClient) (*models.FullSyncMetadata, error) {
	folders, err := s.syncFolderList(ctx, accountID, client)
	if err != nil {
		return nil, err
	}

	queued := 0
	for _, f := range folders {
		if !f.Selectable {
			continue
		}
		if _, err := s.Scheduler.ScheduleFolderSync(ctx, accountID, f.Path, true, 0); err != nil {
			return nil, err
		}
		queued++
	}

	completedAt := s.now()
	log.Printf("Full sync for account %s scheduled %d folder syncs", accountID, queued)
	return &models.FullSyncMetadata{
		TaskType:    models.TaskFullSync,
		Folders:     queued,
		CompletedAt: &completedAt,
		Outcome:     models.OutcomeFolderSyncsQueued,
	}, nil
}

// IncrementalSync applies the provider's changes since the stored cursor and
// reschedules itself.
func (s *SyncService) IncrementalSync(ctx context.Context, accountID string) (*models.IncrementalSyncMetadata, error) {
	account, err := loadAccount(ctx, s.Accounts, accountID)
	if err != nil {
		return nil, err
	}
	settings, err := s.Settings.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}

	client, err := s.Providers.ForAccount(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider client: %w", err)
	}
	defer client.Close()

	history, ok := client.(HistoryProvider)
	if !ok {
		if _, isFolder := client.(FolderProvider); isFolder {
			return s.incrementalFolders(ctx, accountID, settings)
		}
		return nil, retry.Permanent(fmt.Errorf("provider for account %s does not support incremental sync", accountID))
	}

	cursor, err := s.Folders.GetSyncState(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if cursor == "" {
		return nil, ErrRequiresFullSync
	}

	changes, err := history.GetHistorySince(ctx, cursor)
	if err != nil {
		return nil, fmt.Errorf("failed to get history since %s: %w", cursor, err)
	}

	meta := &models.IncrementalSyncMetadata{TaskType: models.TaskIncrementalSync}

	stored, failed, err := s.fetchAndStore(ctx, accountID, client, models.TaskIncrementalSync, changes.Added)
	if err != nil {
		return nil, err
	}
	meta.Added = stored
	meta.Failed = failed

	if len(changes.Deleted) > 0 {
		n, err := s.Messages.MarkDeletedByProviderIDs(ctx, accountID, changes.Deleted)
		if err != nil {
			return nil, err
		}
		meta.Deleted = int(n)
	}

	for _, change := range changes.LabelChanges {
		update := LabelFlags(change)
		if update.Empty() {
			continue
		}
		if err := s.Messages.ApplyFlags(ctx, accountID, change.ProviderID, update); err != nil {
			return nil, err
		}
		meta.LabelChanges++
	}

	newCursor := changes.NewCursor
	if newCursor == "" {
		newCursor = cursor
	}
	if err := s.Folders.SaveSyncState(ctx, accountID, newCursor); err != nil {
		return nil, err
	}
	meta.Cursor = newCursor

	processed := meta.Added + meta.Deleted + meta.LabelChanges
	nextRun, err := s.afterIncremental(ctx, accountID, settings, processed)
	if err != nil {
		return nil, err
	}
	meta.NextRunAt = nextRun

	s.publish(ctx, SyncEvent{AccountID: accountID, Kind: "incremental", Stored: meta.Added, Deleted: meta.Deleted, Failed: meta.Failed})
	log.Printf("Incremental sync completed for account %s: added=%d deleted=%d labels=%d failed=%d",
		accountID, meta.Added, meta.Deleted, meta.LabelChanges, meta.Failed)
	return meta, nil
}

// incrementalFolders fans out one folder sync per stored mailbox, each
// continuing from its own UID mark.
func (s *SyncService) incrementalFolders(ctx context.Context, accountID string, settings *models.AccountSettings) (*models.IncrementalSyncMetadata, error) {
	folders, err := s.Folders.ListFolders(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if len(folders) == 0 {
		return nil, ErrRequiresFullSync
	}

	queued := 0
	for _, f := range folders {
		if !f.Selectable {
			continue
		}
		if _, err := s.Scheduler.ScheduleFolderSync(ctx, accountID, f.Path, false, 0); err != nil {
			return nil, err
		}
		queued++
	}

	nextRun, err := s.afterIncremental(ctx, accountID, settings, 0)
	if err != nil {
		return nil, err
	}

	return &models.IncrementalSyncMetadata{
		TaskType:  models.TaskIncrementalSync,
		NextRunAt: nextRun,
		Outcome:   models.OutcomeFolderSyncsQueued,
	}, nil
}

// afterIncremental reschedules the next incremental and triggers auto-delete
func (s *SyncService) afterIncremental(ctx context.Context, accountID string, settings *models.AccountSettings, processed int) (*time.Time, error) {
	var nextRun *time.Time
	if settings.SelfScheduling() {
		now := s.now()
		delay := IncrementalDelay(processed, s.opts.IncrementalMinDelay, s.opts.IncrementalMaxDelay)
		delay = CapToSchedule(settings.SyncFrequency, now, delay, s.opts.IncrementalMinDelay)
		job, err := s.Scheduler.ScheduleIncrementalSync(ctx, accountID, delay)
		if err != nil {
			return nil, err
		}
		runAt := job.RunAt
		nextRun = &runAt
	}

	if settings.AutoDeleteEnabled() {
		if _, err := s.Scheduler.ScheduleAutoDelete(ctx, accountID, 0); err != nil {
			return nil, err
		}
	}
	return nextRun, nil
}

func (s *SyncService) syncFolderList(ctx context.Context, accountID string, client ProviderClient) ([]models.Folder, error) {
	remote, err := client.ListFolders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	folders := make([]models.Folder, 0, len(remote))
	for _, f := range remote {
		if f.Path == models.SyncStatePath {
			continue
		}
		folder := models.Folder{
			Path:       f.Path,
			Name:       f.Name,
			Delimiter:  f.Delimiter,
			Selectable: f.Selectable,
		}
		if f.SpecialUse != "" {
			specialUse := f.SpecialUse
			folder.SpecialUse = &specialUse
		}
		folders = append(folders, folder)
	}

	if err := s.Folders.UpsertFolders(ctx, accountID, folders); err != nil {
		return nil, err
	}
	return folders, nil
}

// fetchAndStore fetches and archives the given provider ids. Per-item
// failures are logged to the failed-message log; anything else aborts.
func (s *SyncService) fetchAndStore(ctx context.Context, accountID string, client ProviderClient, taskType models.TaskType, ids []string) (int, int, error) {
	if len(ids) == 0 {
		return 0, 0, nil
	}

	existing, err := s.Messages.ExistingIDs(ctx, accountID, ids)
	if err != nil {
		return 0, 0, err
	}
	fresh := make([]string, 0, len(ids))
	for _, id := range ids {
		if !existing[id] {
			fresh = append(fresh, id)
		}
	}
	if len(fresh) == 0 {
		return 0, 0, nil
	}

	results, err := fetchMetadata(ctx, client, fresh)
	if err != nil {
		return 0, 0, err
	}

	stored, failed := 0, 0
	for _, res := range results {
		if res.Err != nil {
			if err := s.itemFailure(ctx, accountID, res.ID, taskType, res.Err); err != nil {
				return stored, failed, err
			}
			failed++
			continue
		}

		raw, err := client.GetRawMessage(ctx, res.ID)
		if err != nil {
			if err := s.itemFailure(ctx, accountID, res.ID, taskType, err); err != nil {
				return stored, failed, err
			}
			failed++
			continue
		}

		ok, err := s.Ingestor.Store(ctx, accountID, res.Meta, raw)
		if err != nil {
			if err := s.itemFailure(ctx, accountID, res.ID, taskType, err); err != nil {
				return stored, failed, err
			}
			failed++
			continue
		}
		if ok {
			stored++
		}
	}
	return stored, failed, nil
}

// itemFailure records a skippable failure, or returns err when it must
// abort the job instead.
func (s *SyncService) itemFailure(ctx context.Context, accountID, messageID string, taskType models.TaskType, err error) error {
	if !retry.IsItemLevel(err) {
		return err
	}
	return recordItemFailure(ctx, s.Failures, accountID, messageID, taskType, err)
}

func recordItemFailure(ctx context.Context, failures FailedMessageRepository, accountID, messageID string, taskType models.TaskType, cause error) error {
	log.Printf("Warning: skipping message %s for account %s: %v", messageID, accountID, cause)
	telemetry.MessageFailures.Inc()
	if err := failures.Record(ctx, accountID, messageID, taskType, cause.Error()); err != nil {
		return fmt.Errorf("failed to record failed message: %w", err)
	}
	return nil
}

func fetchMetadata(ctx context.Context, client ProviderClient, ids []string) ([]BatchResult, error) {
	if batch, ok := client.(BatchGetter); ok {
		results, err := batch.GetMessages(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("failed to batch fetch messages: %w", err)
		}
		return results, nil
	}

	results := make([]BatchResult, 0, len(ids))
	for _, id := range ids {
		meta, err := client.GetMessage(ctx, id)
		if err != nil && !retry.IsItemLevel(err) {
			return nil, fmt.Errorf("failed to get message %s: %w", id, err)
		}
		results = append(results, BatchResult{ID: id, Meta: meta, Err: err})
	}
	return results, nil
}

func (s *SyncService) publish(ctx context.Context, event SyncEvent) {
	publishEvent(ctx, s.Events, s.now(), event)
}

func publishEvent(ctx context.Context, events EventPublisher, now time.Time, event SyncEvent) {
	if events == nil {
		return
	}
	event.OccurredAt = now
	subject := fmt.Sprintf("account.%s.sync.%s", event.AccountID, event.Kind)
	if err := events.Publish(ctx, subject, event); err != nil {
		log.Printf("Warning: failed to publish %s: %v", subject, err)
	}
}

func loadAccount(ctx context.Context, accounts AccountRepository, accountID string) (*models.Account, error) {
	account, err := accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}
	if !account.IsActive {
		return nil, retry.Permanent(fmt.Errorf("%w: %s", ErrAccountInactive, accountID))
	}
	return account, nil
}
