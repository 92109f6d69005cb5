package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/vipul43/mailvault-worker/internal/mailparse"
	"github.com/vipul43/mailvault-worker/internal/models"
	"github.com/vipul43/mailvault-worker/internal/telemetry"
)

// Ingestor is the only write path for archived messages
type Ingestor struct {
	messages    MessageRepository
	attachments AttachmentRepository
	blobs       BlobStore
	scanner     VirusScanner
}

// NewIngestor builds an ingestor. scanner may be nil.
func NewIngestor(messages MessageRepository, attachments AttachmentRepository, blobs BlobStore, scanner VirusScanner) *Ingestor {
	return &Ingestor{
		messages:    messages,
		attachments: attachments,
		blobs:       blobs,
		scanner:     scanner,
	}
}

// MessageIDFor resolves the archive id of a message: the provider's
// messageId, then the Message-ID header, then the provider id, then a hash of
// the content.
func MessageIDFor(meta *MessageMeta, parsed *mailparse.Parsed, raw []byte) string {
	if meta != nil && meta.MessageID != "" {
		return meta.MessageID
	}
	if parsed != nil && parsed.MessageID != "" {
		return parsed.MessageID
	}
	if meta != nil && meta.ProviderID != "" {
		return meta.ProviderID
	}
	return mailparse.ContentID(raw)
}

// Store archives one message unless (account, messageId) already exists.
// It reports whether a new row was written.
func (i *Ingestor) Store(ctx context.Context, accountID string, meta *MessageMeta, raw []byte) (bool, error) {
	if meta == nil {
		meta = &MessageMeta{}
	}

	parsed, err := mailparse.Parse(raw)
	if err != nil {
		log.Printf("Warning: failed to parse message %s for account %s: %v", meta.ProviderID, accountID, err)
	}
	messageID := MessageIDFor(meta, parsed, raw)

	exists, err := i.messages.Exists(ctx, accountID, messageID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	blobPath, err := i.blobs.StoreMessage(ctx, accountID, messageID, raw)
	if err != nil {
		return false, fmt.Errorf("failed to store message blob: %w", err)
	}

	msg := buildMessage(accountID, messageID, meta, parsed, raw)
	msg.BlobPath = blobPath

	created, err := i.messages.Create(ctx, msg)
	if err != nil {
		return false, err
	}
	if !created {
		// lost a race with a concurrent sync of the same account
		return false, nil
	}
	telemetry.MessagesArchived.Inc()

	if parsed != nil {
		for _, att := range parsed.Attachments {
			i.storeAttachment(ctx, accountID, messageID, att)
		}
	}
	return true, nil
}

// storeAttachment never fails the message; problems end up in scan_status
func (i *Ingestor) storeAttachment(ctx context.Context, accountID, messageID string, att mailparse.Attachment) {
	path, err := i.blobs.StoreAttachment(ctx, accountID, messageID, att.Filename, att.Data)
	if err != nil {
		log.Printf("Warning: failed to store attachment %s of message %s: %v", att.Filename, messageID, err)
		return
	}

	status := models.ScanUnscanned
	if i.scanner != nil {
		status, err = i.scanner.Scan(ctx, path, att.Data)
		if err != nil {
			log.Printf("Warning: virus scan failed for %s: %v", path, err)
			status = models.ScanError
		}
	}

	record := &models.Attachment{
		AccountID:   accountID,
		MessageID:   messageID,
		Filename:    att.Filename,
		ContentType: att.ContentType,
		SizeBytes:   int64(len(att.Data)),
		BlobPath:    path,
		ScanStatus:  status,
	}
	if err := i.attachments.Create(ctx, record); err != nil {
		log.Printf("Warning: failed to record attachment %s of message %s: %v", att.Filename, messageID, err)
	}
}

func buildMessage(accountID, messageID string, meta *MessageMeta, parsed *mailparse.Parsed, raw []byte) *models.Message {
	msg := &models.Message{
		AccountID:   accountID,
		MessageID:   messageID,
		ProviderID:  meta.ProviderID,
		Subject:     meta.Subject,
		FromAddress: meta.From,
		ToAddresses: meta.To,
		Date:        meta.Date,
		SizeBytes:   meta.SizeBytes,
		SyncedAt:    time.Now(),
	}
	if meta.ThreadID != "" {
		msg.ThreadID = &meta.ThreadID
	}
	if meta.FolderPath != "" {
		msg.FolderPath = &meta.FolderPath
	}
	if msg.SizeBytes == 0 {
		msg.SizeBytes = int64(len(raw))
	}

	if parsed != nil {
		if msg.Subject == "" {
			msg.Subject = parsed.Subject
		}
		if msg.FromAddress == "" {
			msg.FromAddress = parsed.From
		}
		if msg.ToAddresses == "" {
			msg.ToAddresses = parsed.To
		}
		if msg.Date == nil {
			msg.Date = parsed.Date
		}
		msg.HasAttachments = len(parsed.Attachments) > 0
	}

	applyLabels(msg, meta.Labels)
	return msg
}

// applyLabels sets the initial flags from the provider's labels
func applyLabels(msg *models.Message, labels []string) {
	if labels == nil {
		return
	}
	msg.IsRead = true
	msg.IsArchived = true
	for _, l := range labels {
		switch l {
		case LabelUnread:
			msg.IsRead = false
		case LabelInbox:
			msg.IsArchived = false
		case LabelImportant:
			msg.IsImportant = true
		case LabelSpam:
			msg.IsSpam = true
		case LabelTrash:
			msg.IsDeleted = true
		}
	}
}
