package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/vipul43/mailvault-worker/internal/models"
	"github.com/vipul43/mailvault-worker/internal/retry"
)

// MessageIterator yields raw messages of an archive in file order
type MessageIterator interface {
	// Next returns io.EOF after the last message
	Next() ([]byte, error)
	Close() error
}

// ArchiveParser opens an archive file from its start
type ArchiveParser interface {
	Open(path string) (MessageIterator, error)
}

// ImportService runs one-shot mbox imports
type ImportService struct {
	accounts AccountRepository
	failures FailedMessageRepository
	parser   ArchiveParser
	ingestor *Ingestor
	events   EventPublisher
	remove   func(path string) error
	now      func() time.Time
}

func NewImportService(accounts AccountRepository, failures FailedMessageRepository, parser ArchiveParser, ingestor *Ingestor, events EventPublisher) *ImportService {
	return &ImportService{
		accounts: accounts,
		failures: failures,
		parser:   parser,
		ingestor: ingestor,
		events:   events,
		remove:   os.Remove,
		now:      time.Now,
	}
}

// Import stores every message of the file not already archived. A retry
// starts again from the top; already stored messages are skipped.
func (s *ImportService) Import(ctx context.Context, payload models.MboxImportPayload) (*models.MboxImportMetadata, error) {
	if payload.FilePath == "" {
		return nil, retry.Permanent(errors.New("mbox import requires a file path"))
	}
	if _, err := loadAccount(ctx, s.accounts, payload.AccountID); err != nil {
		return nil, err
	}

	it, err := s.parser.Open(payload.FilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, retry.Permanent(fmt.Errorf("mbox file %s: %w", payload.FilePath, err))
		}
		return nil, fmt.Errorf("failed to open mbox file: %w", err)
	}
	defer it.Close()

	log.Printf("Importing mbox %s for account %s", payload.FilePath, payload.AccountID)

	meta := &models.MboxImportMetadata{
		TaskType: models.TaskMboxImport,
		FilePath: payload.FilePath,
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read mbox %s: %w", payload.FilePath, err)
		}

		stored, err := s.ingestor.Store(ctx, payload.AccountID, &MessageMeta{FolderPath: "mbox"}, raw)
		if err != nil {
			if !retry.IsItemLevel(err) {
				return nil, err
			}
			itemID := MessageIDFor(nil, nil, raw)
			if err := recordItemFailure(ctx, s.failures, payload.AccountID, itemID, models.TaskMboxImport, err); err != nil {
				return nil, err
			}
			meta.Failed++
			continue
		}
		if stored {
			meta.Stored++
		} else {
			meta.Skipped++
		}
	}

	// Zero progress keeps the file around for debugging
	if meta.Stored+meta.Skipped > 0 {
		if err := s.remove(payload.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("Warning: failed to remove imported mbox %s: %v", payload.FilePath, err)
		} else {
			meta.FileRemoved = true
		}
	}

	publishEvent(ctx, s.events, s.now(), SyncEvent{AccountID: payload.AccountID, Kind: "mbox", Stored: meta.Stored, Failed: meta.Failed})
	log.Printf("Mbox import of %s completed for account %s: stored=%d skipped=%d failed=%d",
		payload.FilePath, payload.AccountID, meta.Stored, meta.Skipped, meta.Failed)
	return meta, nil
}
