package service

import (
	"context"
	"time"

	"github.com/vipul43/mailvault-worker/internal/models"
)

// ProviderFolder is a mailbox or label as reported by the provider
type ProviderFolder struct {
	Path       string
	Name       string
	Delimiter  string
	SpecialUse string
	Selectable bool
}

// MessageRef is one entry of a listing page. For history-capable providers the
// ID doubles as the archive's messageId.
type MessageRef struct {
	ID       string
	ThreadID string
}

type MessagePage struct {
	Messages      []MessageRef
	NextPageToken string
}

// MessageMeta is the provider's view of a message, without the body
type MessageMeta struct {
	ProviderID string
	MessageID  string
	ThreadID   string
	FolderPath string
	Subject    string
	From       string
	To         string
	Date       *time.Time
	SizeBytes  int64
	Labels     []string
}

// LabelChange lists labels added to or removed from one message
type LabelChange struct {
	ProviderID string
	Added      []string
	Removed    []string
}

// HistoryResult is everything that changed since a cursor
type HistoryResult struct {
	Added        []string
	Deleted      []string
	LabelChanges []LabelChange
	NewCursor    string
}

// BatchResult is one item of a batch metadata fetch. Err is set per item.
type BatchResult struct {
	ID   string
	Meta *MessageMeta
	Err  error
}

// ProviderClient is the capability set every provider implements
type ProviderClient interface {
	ListFolders(ctx context.Context) ([]ProviderFolder, error)
	ListMessages(ctx context.Context, pageSize int, pageToken string) (*MessagePage, error)
	GetMessage(ctx context.Context, id string) (*MessageMeta, error)
	GetRawMessage(ctx context.Context, id string) ([]byte, error)
	Close() error
}

// HistoryProvider is implemented by providers with a change log (Gmail)
type HistoryProvider interface {
	CurrentCursor(ctx context.Context) (string, error)
	// GetHistorySince returns retry.ErrHistoryGap when cursor is too old
	GetHistorySince(ctx context.Context, cursor string) (*HistoryResult, error)
}

// BatchGetter fetches metadata for many messages in one go
type BatchGetter interface {
	GetMessages(ctx context.Context, ids []string) ([]BatchResult, error)
}

// FolderStatus is the selected state of one mailbox
type FolderStatus struct {
	UIDValidity uint32
	UIDNext     uint32
	Messages    uint32
}

// FolderProvider is implemented by providers partitioned per mailbox (IMAP)
type FolderProvider interface {
	FolderStatus(ctx context.Context, path string) (*FolderStatus, error)
	// ListFolderUIDs returns up to limit UIDs greater than afterUID, ascending
	ListFolderUIDs(ctx context.Context, path string, afterUID uint32, limit int) ([]uint32, error)
	GetFolderMessage(ctx context.Context, path string, uid uint32) (*MessageMeta, []byte, error)
}

// Deleter moves a message to the provider's trash
type Deleter interface {
	DeleteMessage(ctx context.Context, providerID string) error
}

// ProviderFactory builds an authenticated client for one account
type ProviderFactory interface {
	ForAccount(ctx context.Context, account *models.Account) (ProviderClient, error)
}

// BlobStore keeps raw message and attachment content
type BlobStore interface {
	StoreMessage(ctx context.Context, accountID, messageID string, raw []byte) (string, error)
	StoreAttachment(ctx context.Context, accountID, messageID, filename string, data []byte) (string, error)
}

// VirusScanner inspects one stored attachment
type VirusScanner interface {
	Scan(ctx context.Context, blobPath string, data []byte) (models.ScanStatus, error)
}

// EventPublisher announces sync lifecycle events
type EventPublisher interface {
	Publish(ctx context.Context, subject string, payload interface{}) error
}
