package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/vipul43/mailvault-worker/internal/retry"
	"github.com/vipul43/mailvault-worker/internal/service"
)

const user = "me"

// defaultConcurrency bounds parallel message gets within one batch
const defaultConcurrency = 10

var metadataHeaders = []string{"Subject", "From", "To", "Date", "Message-ID"}

// specialUse maps Gmail system labels onto RFC 6154 attributes
var specialUse = map[string]string{
	"SENT":  `\Sent`,
	"DRAFT": `\Drafts`,
	"TRASH": `\Trash`,
	"SPAM":  `\Junk`,
}

// Client is a history capable Gmail provider for one account
type Client struct {
	svc         *gmail.Service
	concurrency int
}

// NewClient builds a client on top of ts. Extra options are used by tests to
// point the client at a fake endpoint.
func NewClient(ctx context.Context, ts oauth2.TokenSource, opts ...option.ClientOption) (*Client, error) {
	opts = append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return &Client{svc: svc, concurrency: defaultConcurrency}, nil
}

// ListFolders returns the account's labels
func (c *Client) ListFolders(ctx context.Context) ([]service.ProviderFolder, error) {
	resp, err := c.svc.Users.Labels.List(user).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list labels: %w", err)
	}

	folders := make([]service.ProviderFolder, 0, len(resp.Labels))
	for _, l := range resp.Labels {
		folders = append(folders, service.ProviderFolder{
			Path:       l.Id,
			Name:       l.Name,
			Delimiter:  "/",
			SpecialUse: specialUse[l.Id],
			Selectable: true,
		})
	}
	return folders, nil
}

// ListMessages lists one page of message ids, spam and trash included
func (c *Client) ListMessages(ctx context.Context, pageSize int, pageToken string) (*service.MessagePage, error) {
	call := c.svc.Users.Messages.List(user).
		MaxResults(int64(pageSize)).
		IncludeSpamTrash(true).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	page := &service.MessagePage{
		Messages:      make([]service.MessageRef, 0, len(resp.Messages)),
		NextPageToken: resp.NextPageToken,
	}
	for _, m := range resp.Messages {
		page.Messages = append(page.Messages, service.MessageRef{ID: m.Id, ThreadID: m.ThreadId})
	}
	return page, nil
}

// GetMessage fetches headers and labels only
func (c *Client) GetMessage(ctx context.Context, id string) (*service.MessageMeta, error) {
	msg, err := c.svc.Users.Messages.Get(user, id).
		Format("metadata").
		MetadataHeaders(metadataHeaders...).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return toMeta(msg), nil
}

// GetMessages fetches metadata for ids concurrently. Per-message permanent
// errors are returned in the results; anything else fails the batch.
func (c *Client) GetMessages(ctx context.Context, ids []string) ([]service.BatchResult, error) {
	results := make([]service.BatchResult, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			meta, err := c.GetMessage(gctx, id)
			if err != nil && !retry.IsItemLevel(err) {
				return err
			}
			results[i] = service.BatchResult{ID: id, Meta: meta, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// GetRawMessage returns the RFC 5322 bytes of the message
func (c *Client) GetRawMessage(ctx context.Context, id string) ([]byte, error) {
	msg, err := c.svc.Users.Messages.Get(user, id).Format("raw").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get raw message %s: %w", id, err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(msg.Raw, "="))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to decode raw message %s: %w", id, err))
	}
	return raw, nil
}

// CurrentCursor returns the mailbox's latest history id
func (c *Client) CurrentCursor(ctx context.Context) (string, error) {
	profile, err := c.svc.Users.GetProfile(user).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to get profile: %w", err)
	}
	return strconv.FormatUint(profile.HistoryId, 10), nil
}

// GetHistorySince collects every change after cursor. An expired cursor
// returns retry.ErrHistoryGap.
func (c *Client) GetHistorySince(ctx context.Context, cursor string) (*service.HistoryResult, error) {
	startID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid history id %q", retry.ErrHistoryGap, cursor)
	}

	acc := newHistoryAccumulator()
	result := &service.HistoryResult{NewCursor: cursor}

	err = c.svc.Users.History.List(user).
		StartHistoryId(startID).
		HistoryTypes("messageAdded", "messageDeleted", "labelAdded", "labelRemoved").
		Pages(ctx, func(resp *gmail.ListHistoryResponse) error {
			for _, h := range resp.History {
				acc.add(h)
			}
			if resp.HistoryId != 0 {
				result.NewCursor = strconv.FormatUint(resp.HistoryId, 10)
			}
			return nil
		})
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %v", retry.ErrHistoryGap, err)
		}
		return nil, fmt.Errorf("failed to list history: %w", err)
	}

	acc.fill(result)
	log.Printf("Gmail history since %s: %d added, %d deleted, %d label changes (new cursor: %s)",
		cursor, len(result.Added), len(result.Deleted), len(result.LabelChanges), result.NewCursor)
	return result, nil
}

// DeleteMessage moves the message to trash. A message that is already gone
// counts as deleted.
func (c *Client) DeleteMessage(ctx context.Context, providerID string) error {
	_, err := c.svc.Users.Messages.Trash(user, providerID).Context(ctx).Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("failed to trash message %s: %w", providerID, err)
	}
	return nil
}

func (c *Client) Close() error {
	return nil
}

func toMeta(msg *gmail.Message) *service.MessageMeta {
	meta := &service.MessageMeta{
		ProviderID: msg.Id,
		MessageID:  msg.Id,
		ThreadID:   msg.ThreadId,
		SizeBytes:  msg.SizeEstimate,
		Labels:     msg.LabelIds,
	}
	if meta.Labels == nil {
		meta.Labels = []string{}
	}
	if msg.InternalDate > 0 {
		date := time.UnixMilli(msg.InternalDate).UTC()
		meta.Date = &date
	}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch h.Name {
			case "Subject":
				meta.Subject = h.Value
			case "From":
				meta.From = h.Value
			case "To":
				meta.To = h.Value
			}
		}
	}
	return meta
}
