package service

import (
	"context"
	"errors"
	"testing"

	"github.com/vipul43/mailvault-worker/internal/models"
)

const multipartMessage = "Message-ID: <with-attachment@example.com>\r\n" +
	"From: Sender <sender@example.com>\r\n" +
	"To: me@example.com\r\n" +
	"Subject: invoice\r\n" +
	"Date: Fri, 02 Jan 2026 03:04:05 +0000\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"b1\"\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"see attached\r\n" +
	"--b1\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"invoice.pdf\"\r\n" +
	"\r\n" +
	"%PDF-1.4 fake\r\n" +
	"--b1--\r\n"

type fakeScanner struct {
	status models.ScanStatus
	err    error
	paths  []string
}

func (f *fakeScanner) Scan(_ context.Context, blobPath string, _ []byte) (models.ScanStatus, error) {
	f.paths = append(f.paths, blobPath)
	return f.status, f.err
}

func TestIngestorStore_Idempotent(t *testing.T) {
	messages := &fakeMessages{}
	blobs := newFakeBlobs()
	ingestor := NewIngestor(messages, &fakeAttachments{}, blobs, nil)
	ctx := context.Background()
	meta := &MessageMeta{ProviderID: "p1", MessageID: "p1", Labels: []string{LabelInbox, LabelUnread}}

	stored, err := ingestor.Store(ctx, testAccountID, meta, rawMessage("p1"))
	if err != nil || !stored {
		t.Fatalf("expected first store to write, got stored=%v err=%v", stored, err)
	}
	stored, err = ingestor.Store(ctx, testAccountID, meta, rawMessage("p1"))
	if err != nil || stored {
		t.Fatalf("expected second store to be a no-op, got stored=%v err=%v", stored, err)
	}

	if messages.count() != 1 || len(blobs.messages) != 1 {
		t.Errorf("expected one row and one blob, got %d rows %d blobs", messages.count(), len(blobs.messages))
	}
	msg := messages.byMessageID("p1")
	if msg.IsRead || msg.IsArchived {
		t.Errorf("expected unread inbox message, got read=%v archived=%v", msg.IsRead, msg.IsArchived)
	}
	if msg.Subject != "message p1" || msg.FromAddress == "" {
		t.Errorf("expected headers from the parsed message, got subject=%q from=%q", msg.Subject, msg.FromAddress)
	}
	if msg.BlobPath == "" {
		t.Error("expected a blob path")
	}
}

func TestIngestorStore_Attachments(t *testing.T) {
	attachments := &fakeAttachments{}
	scanner := &fakeScanner{status: models.ScanClean}
	ingestor := NewIngestor(&fakeMessages{}, attachments, newFakeBlobs(), scanner)

	stored, err := ingestor.Store(context.Background(), testAccountID, &MessageMeta{}, []byte(multipartMessage))
	if err != nil || !stored {
		t.Fatalf("expected message to be stored, got stored=%v err=%v", stored, err)
	}

	if len(attachments.rows) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(attachments.rows))
	}
	att := attachments.rows[0]
	if att.Filename != "invoice.pdf" || att.ContentType != "application/pdf" {
		t.Errorf("unexpected attachment %+v", att)
	}
	if att.MessageID != "with-attachment@example.com" {
		t.Errorf("expected attachment linked to the Message-ID, got %s", att.MessageID)
	}
	if att.ScanStatus != models.ScanClean || len(scanner.paths) != 1 {
		t.Errorf("expected a clean scan, got %s", att.ScanStatus)
	}
}

func TestIngestorStore_ScanErrorKeepsMessage(t *testing.T) {
	attachments := &fakeAttachments{}
	messages := &fakeMessages{}
	scanner := &fakeScanner{err: errors.New("scanner offline")}
	ingestor := NewIngestor(messages, attachments, newFakeBlobs(), scanner)

	stored, err := ingestor.Store(context.Background(), testAccountID, nil, []byte(multipartMessage))
	if err != nil || !stored {
		t.Fatalf("expected message to be stored, got stored=%v err=%v", stored, err)
	}
	if len(attachments.rows) != 1 || attachments.rows[0].ScanStatus != models.ScanError {
		t.Errorf("expected attachment with scan error status, got %+v", attachments.rows)
	}
	if !messages.byMessageID("with-attachment@example.com").HasAttachments {
		t.Error("expected HasAttachments to be set")
	}
}

func TestIngestorStore_NoScannerIsUnscanned(t *testing.T) {
	attachments := &fakeAttachments{}
	ingestor := NewIngestor(&fakeMessages{}, attachments, newFakeBlobs(), nil)

	if _, err := ingestor.Store(context.Background(), testAccountID, nil, []byte(multipartMessage)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if attachments.rows[0].ScanStatus != models.ScanUnscanned {
		t.Errorf("expected unscanned, got %s", attachments.rows[0].ScanStatus)
	}
}

func TestLabelFlags(t *testing.T) {
	update := LabelFlags(LabelChange{
		ProviderID: "p1",
		Added:      []string{LabelTrash, LabelImportant},
		Removed:    []string{LabelInbox, LabelUnread},
	})

	if update.IsArchived == nil || !*update.IsArchived {
		t.Error("expected INBOX removal to archive")
	}
	if update.IsRead == nil || !*update.IsRead {
		t.Error("expected UNREAD removal to mark read")
	}
	if update.IsDeleted == nil || !*update.IsDeleted {
		t.Error("expected TRASH to mark deleted")
	}
	if update.IsImportant == nil || !*update.IsImportant {
		t.Error("expected IMPORTANT to be set")
	}
	if update.IsSpam != nil {
		t.Error("expected spam to be untouched")
	}

	if !LabelFlags(LabelChange{Added: []string{"Label_42"}}).Empty() {
		t.Error("expected user labels to produce no flag changes")
	}
}
