package imapmail

import (
	"context"
	"errors"
	"testing"

	"github.com/emersion/go-imap/v2"

	"github.com/vipul43/mailvault-worker/internal/retry"
	"github.com/vipul43/mailvault-worker/internal/service"
)

func TestParseProviderID(t *testing.T) {
	tests := []struct {
		id       string
		path     string
		validity uint32
		uid      uint32
		wantErr  bool
	}{
		{id: "INBOX:7:42", path: "INBOX", validity: 7, uid: 42},
		{id: "Work:Clients:3:9", path: "Work:Clients", validity: 3, uid: 9},
		{id: "INBOX:7", wantErr: true},
		{id: "INBOX:x:1", wantErr: true},
		{id: "INBOX:7:0", wantErr: true},
		{id: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			path, validity, uid, err := ParseProviderID(tt.id)
			if tt.wantErr {
				if retry.Classify(err) != retry.ClassPermanent {
					t.Fatalf("expected a permanent error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if path != tt.path || validity != tt.validity || uid != tt.uid {
				t.Errorf("got (%s, %d, %d), want (%s, %d, %d)", path, validity, uid, tt.path, tt.validity, tt.uid)
			}
			if ProviderID(path, validity, uid) != tt.id {
				t.Errorf("expected ProviderID to rebuild %s", tt.id)
			}
		})
	}
}

func TestFilterUIDs(t *testing.T) {
	// "6:*" on a mailbox whose highest UID is 5 still returns 5
	if got := filterUIDs([]imap.UID{5}, 5, 10); len(got) != 0 {
		t.Errorf("expected no UIDs, got %v", got)
	}

	got := filterUIDs([]imap.UID{9, 7, 8, 6}, 5, 3)
	want := []uint32{6, 7, 8}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %v, got %v", want, got)
		}
	}
}

func TestLabelsFor(t *testing.T) {
	labels := labelsFor("INBOX", []imap.Flag{imap.FlagFlagged})
	if !contains(labels, service.LabelUnread) || !contains(labels, service.LabelInbox) || !contains(labels, service.LabelImportant) {
		t.Errorf("unexpected labels %v", labels)
	}

	labels = labelsFor("Archive", []imap.Flag{imap.FlagSeen})
	if len(labels) != 0 {
		t.Errorf("expected a read archived message to carry no labels, got %v", labels)
	}
}

func TestFolderFromList(t *testing.T) {
	folder := folderFromList(&imap.ListData{
		Mailbox: "[Gmail]/Sent Mail",
		Delim:   '/',
		Attrs:   []imap.MailboxAttr{imap.MailboxAttrSent},
	})
	if folder.Name != "Sent Mail" || folder.Delimiter != "/" || !folder.Selectable {
		t.Errorf("unexpected folder %+v", folder)
	}
	if folder.SpecialUse != string(imap.MailboxAttrSent) {
		t.Errorf("expected sent special use, got %q", folder.SpecialUse)
	}

	parent := folderFromList(&imap.ListData{Mailbox: "[Gmail]", Delim: '/', Attrs: []imap.MailboxAttr{imap.MailboxAttrNoSelect}})
	if parent.Selectable {
		t.Error("expected \\Noselect mailbox to be unselectable")
	}
}

func TestTrashFolder(t *testing.T) {
	byAttr := []*imap.ListData{
		{Mailbox: "INBOX"},
		{Mailbox: "Deleted Items", Attrs: []imap.MailboxAttr{imap.MailboxAttrTrash}},
	}
	if got := trashFolder(byAttr); got != "Deleted Items" {
		t.Errorf("expected the special-use mailbox, got %q", got)
	}

	byName := []*imap.ListData{{Mailbox: "INBOX"}, {Mailbox: "Trash"}}
	if got := trashFolder(byName); got != "Trash" {
		t.Errorf("expected Trash by name, got %q", got)
	}

	if got := trashFolder([]*imap.ListData{{Mailbox: "INBOX"}}); got != "" {
		t.Errorf("expected no trash, got %q", got)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type stubWaiter struct {
	keys []string
	err  error
}

func (w *stubWaiter) Wait(_ context.Context, key string) error {
	w.keys = append(w.keys, key)
	return w.err
}

func TestClient_LimiterRejectsBeforeDialing(t *testing.T) {
	waiter := &stubWaiter{err: retry.ErrRateLimited}
	c := NewClient(Config{Host: "imap.invalid"}).WithLimiter(waiter, "acc-1")

	_, err := c.ListFolders(context.Background())
	if !errors.Is(err, retry.ErrRateLimited) {
		t.Fatalf("expected rate limited error, got %v", err)
	}
	if err := c.DeleteMessage(context.Background(), "INBOX:7:1"); !errors.Is(err, retry.ErrRateLimited) {
		t.Errorf("expected rate limited error on delete, got %v", err)
	}
	if len(waiter.keys) != 2 || waiter.keys[0] != "acc-1" {
		t.Errorf("expected two waits on acc-1, got %v", waiter.keys)
	}
	if c.conn != nil {
		t.Error("expected no connection to be opened")
	}
}

func TestClient_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(Config{Host: "imap.invalid"})
	if _, err := c.FolderStatus(ctx, "INBOX"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
