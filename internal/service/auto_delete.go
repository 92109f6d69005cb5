package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/vipul43/mailvault-worker/internal/models"
	"github.com/vipul43/mailvault-worker/internal/retry"
	"github.com/vipul43/mailvault-worker/internal/telemetry"
)

// ErrDeleteNotSupported is returned in "on" mode for providers without a
// delete capability
var ErrDeleteNotSupported = errors.New("provider does not support deleting messages")

// continuationDelay spaces out follow-up batches of a large deletion set
const continuationDelay = time.Minute

// AutoDeleteService applies the per-account deletion rules
type AutoDeleteService struct {
	accounts  AccountRepository
	settings  SettingsRepository
	messages  MessageRepository
	providers ProviderFactory
	scheduler *Scheduler
	batchSize int
	now       func() time.Time
}

func NewAutoDeleteService(accounts AccountRepository, settings SettingsRepository, messages MessageRepository, providers ProviderFactory, scheduler *Scheduler, batchSize int) *AutoDeleteService {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &AutoDeleteService{
		accounts:  accounts,
		settings:  settings,
		messages:  messages,
		providers: providers,
		scheduler: scheduler,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// CriteriaFor builds the deletion criteria of the settings. Age uses
// calendar months.
func CriteriaFor(settings *models.AccountSettings, now time.Time) models.DeletionCriteria {
	criteria := models.DeletionCriteria{OnlyArchived: settings.DeleteOnlyArchived}
	if settings.DeleteDelayHours != nil {
		cutoff := now.Add(-time.Duration(*settings.DeleteDelayHours) * time.Hour)
		criteria.SyncedBefore = &cutoff
	}
	if settings.DeleteAgeMonths != nil {
		cutoff := now.AddDate(0, -*settings.DeleteAgeMonths, 0)
		criteria.DateBefore = &cutoff
	}
	return criteria
}

// Run evaluates the rules once, for at most one batch
func (s *AutoDeleteService) Run(ctx context.Context, accountID string) (*models.AutoDeleteMetadata, error) {
	settings, err := s.settings.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}

	meta := &models.AutoDeleteMetadata{
		TaskType: models.TaskAutoDelete,
		Mode:     settings.AutoDeleteMode,
	}

	if settings.AutoDeleteMode == models.AutoDeleteOff {
		cleared, err := s.messages.ClearDeletionMarks(ctx, accountID)
		if err != nil {
			return nil, err
		}
		meta.Cleared = int(cleared)
		meta.Outcome = models.OutcomeModeOff
		if cleared > 0 {
			log.Printf("Auto-delete off for account %s, cleared %d deletion marks", accountID, cleared)
		}
		return meta, nil
	}

	if !settings.HasDeletionRules() {
		meta.Outcome = models.OutcomeNoRulesConfigured
		return meta, nil
	}

	now := s.now()
	criteria := CriteriaFor(settings, now)

	switch settings.AutoDeleteMode {
	case models.AutoDeleteDryRun:
		err = s.dryRun(ctx, accountID, criteria, now, meta)
	case models.AutoDeleteOn:
		err = s.deleteBatch(ctx, accountID, criteria, now, meta)
	default:
		err = retry.Permanent(fmt.Errorf("unknown auto-delete mode %q", settings.AutoDeleteMode))
	}
	if err != nil {
		return nil, err
	}

	log.Printf("Auto-delete (%s) for account %s: matched=%d marked=%d deleted=%d failed=%d",
		settings.AutoDeleteMode, accountID, meta.Matched, meta.Marked, meta.Deleted, meta.Failed)
	return meta, nil
}

// dryRun flags matches that are not flagged yet. Existing marks keep their
// timestamp.
func (s *AutoDeleteService) dryRun(ctx context.Context, accountID string, criteria models.DeletionCriteria, now time.Time, meta *models.AutoDeleteMetadata) error {
	criteria.OnlyUnmarked = true
	candidates, err := s.messages.FindDeletionCandidates(ctx, accountID, criteria, s.batchSize)
	if err != nil {
		return err
	}
	meta.Matched = len(candidates)
	if len(candidates) == 0 {
		return nil
	}

	marked, err := s.messages.MarkForDeletion(ctx, accountID, messageIDs(candidates), now)
	if err != nil {
		return err
	}
	meta.Marked = int(marked)
	telemetry.AutoDeleteMarked.Add(float64(marked))

	if len(candidates) == s.batchSize {
		return s.continueLater(ctx, accountID)
	}
	return nil
}

// deleteBatch marks, deletes at the provider, then records the deletion
func (s *AutoDeleteService) deleteBatch(ctx context.Context, accountID string, criteria models.DeletionCriteria, now time.Time, meta *models.AutoDeleteMetadata) error {
	account, err := loadAccount(ctx, s.accounts, accountID)
	if err != nil {
		return err
	}
	client, err := s.providers.ForAccount(ctx, account)
	if err != nil {
		return fmt.Errorf("failed to create provider client: %w", err)
	}
	defer client.Close()

	deleter, ok := client.(Deleter)
	if !ok {
		return retry.Permanent(ErrDeleteNotSupported)
	}

	criteria.RequireProviderID = true
	candidates, err := s.messages.FindDeletionCandidates(ctx, accountID, criteria, s.batchSize)
	if err != nil {
		return err
	}
	meta.Matched = len(candidates)
	if len(candidates) == 0 {
		return nil
	}

	marked, err := s.messages.MarkForDeletion(ctx, accountID, messageIDs(candidates), now)
	if err != nil {
		return err
	}
	meta.Marked = int(marked)

	for _, msg := range candidates {
		if err := deleter.DeleteMessage(ctx, msg.ProviderID); err != nil {
			switch retry.Classify(err) {
			case retry.ClassAuth, retry.ClassRateLimited:
				// retrying every remaining message would only repeat the refusal
				return fmt.Errorf("failed to delete message %s: %w", msg.ProviderID, err)
			}
			log.Printf("Warning: failed to delete message %s for account %s: %v", msg.ProviderID, accountID, err)
			telemetry.AutoDeleteFailures.Inc()
			meta.Failed++
			continue
		}
		if err := s.messages.MarkDeleted(ctx, accountID, msg.ID); err != nil {
			return err
		}
		meta.Deleted++
		telemetry.AutoDeleteDeleted.Inc()
	}

	if len(candidates) == s.batchSize && meta.Deleted > 0 {
		return s.continueLater(ctx, accountID)
	}
	return nil
}

func (s *AutoDeleteService) continueLater(ctx context.Context, accountID string) error {
	_, err := s.scheduler.ScheduleAutoDelete(ctx, accountID, continuationDelay)
	return err
}

func messageIDs(msgs []models.Message) []string {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return ids
}
