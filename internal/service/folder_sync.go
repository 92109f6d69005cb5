package service

import (
	"context"
	"fmt"
	"log"

	"github.com/vipul43/mailvault-worker/internal/models"
	"github.com/vipul43/mailvault-worker/internal/retry"
)

// FolderSync archives new messages of one mailbox above its UID high-water-mark
func (s *SyncService) FolderSync(ctx context.Context, payload models.FolderSyncPayload) (*models.FolderSyncMetadata, error) {
	accountID := payload.AccountID
	path := payload.FolderPath
	if path == "" || path == models.SyncStatePath {
		return nil, retry.Permanent(fmt.Errorf("invalid folder path %q", path))
	}

	account, err := loadAccount(ctx, s.Accounts, accountID)
	if err != nil {
		return nil, err
	}

	client, err := s.Providers.ForAccount(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider client: %w", err)
	}
	defer client.Close()

	provider, ok := client.(FolderProvider)
	if !ok {
		return nil, retry.Permanent(fmt.Errorf("provider for account %s does not support folder sync", accountID))
	}

	status, err := provider.FolderStatus(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to get status of folder %s: %w", path, err)
	}

	stored, err := s.Folders.Get(ctx, accountID, path)
	if err != nil {
		return nil, err
	}

	var lastUID uint32
	switch {
	case payload.FromScratch || stored == nil:
	case stored.UIDValidity != status.UIDValidity:
		log.Printf("UIDVALIDITY of %s changed for account %s (%d -> %d), restarting from UID 0",
			path, accountID, stored.UIDValidity, status.UIDValidity)
	default:
		lastUID = stored.LastUID
	}

	meta := &models.FolderSyncMetadata{
		TaskType:    models.TaskFolderSync,
		FolderPath:  path,
		UIDValidity: status.UIDValidity,
	}

	sinceCheckpoint := 0
	for {
		uids, err := provider.ListFolderUIDs(ctx, path, lastUID, s.opts.PageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list UIDs of %s: %w", path, err)
		}
		if len(uids) == 0 {
			break
		}

		for _, uid := range uids {
			msgMeta, raw, err := provider.GetFolderMessage(ctx, path, uid)
			if err != nil {
				itemID := fmt.Sprintf("%s:%d:%d", path, status.UIDValidity, uid)
				if err := s.itemFailure(ctx, accountID, itemID, models.TaskFolderSync, err); err != nil {
					return nil, err
				}
				meta.Failed++
			} else {
				ok, err := s.Ingestor.Store(ctx, accountID, msgMeta, raw)
				if err != nil {
					if err := s.itemFailure(ctx, accountID, msgMeta.ProviderID, models.TaskFolderSync, err); err != nil {
						return nil, err
					}
					meta.Failed++
				} else if ok {
					meta.Stored++
				} else {
					meta.Skipped++
				}
			}

			lastUID = uid
			sinceCheckpoint++
			if sinceCheckpoint >= s.opts.CheckpointInterval {
				if err := s.Folders.UpdateCursor(ctx, accountID, path, status.UIDValidity, lastUID); err != nil {
					return nil, err
				}
				sinceCheckpoint = 0
			}
		}

		if len(uids) < s.opts.PageSize {
			break
		}
	}

	if err := s.Folders.UpdateCursor(ctx, accountID, path, status.UIDValidity, lastUID); err != nil {
		return nil, err
	}
	meta.LastUID = lastUID

	s.publish(ctx, SyncEvent{AccountID: accountID, Kind: "folder", FolderPath: path, Stored: meta.Stored, Failed: meta.Failed})
	log.Printf("Folder sync of %s completed for account %s: stored=%d skipped=%d failed=%d last_uid=%d",
		path, accountID, meta.Stored, meta.Skipped, meta.Failed, lastUID)
	return meta, nil
}
