// Package imapmail is the folder partitioned IMAP provider.
package imapmail

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/vipul43/mailvault-worker/internal/retry"
	"github.com/vipul43/mailvault-worker/internal/service"
)

// Config holds the connection settings of one IMAP account
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	TLS      bool
}

func (c Config) addr() string {
	port := c.Port
	if port == 0 {
		port = 993
		if !c.TLS {
			port = 143
		}
	}
	return c.Host + ":" + strconv.Itoa(port)
}

// Client keeps one authenticated connection for the lifetime of a job.
// Commands are serialized; IMAP selection is per connection.
type Client struct {
	cfg Config

	limiter Waiter
	key     string

	mu          sync.Mutex
	conn        *imapclient.Client
	selected    string
	uidValidity uint32
}

// Waiter throttles commands; ratelimit.Limiter implements it
type Waiter interface {
	Wait(ctx context.Context, key string) error
}

func NewClient(cfg Config) *Client {
	return &Client{cfg: cfg}
}

// WithLimiter makes every command take a token for key first
func (c *Client) WithLimiter(l Waiter, key string) *Client {
	c.limiter = l
	c.key = key
	return c
}

func (c *Client) acquire(ctx context.Context) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx, c.key)
}

func (c *Client) connect() (*imapclient.Client, error) {
	if c.conn != nil {
		return c.conn, nil
	}

	addr := c.cfg.addr()
	var conn *imapclient.Client
	var err error
	if c.cfg.TLS {
		conn, err = imapclient.DialTLS(addr, nil)
	} else {
		conn, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := conn.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: IMAP login for %s: %v", retry.ErrAuth, c.cfg.Username, err)
	}

	c.conn = conn
	c.selected = ""
	return conn, nil
}

// selectFolder selects path unless it already is
func (c *Client) selectFolder(ctx context.Context, path string) (*imapclient.Client, *service.FolderStatus, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, nil, err
	}
	conn, err := c.connect()
	if err != nil {
		return nil, nil, err
	}

	data, err := conn.Select(path, nil).Wait()
	if err != nil {
		return nil, nil, fmt.Errorf("selecting %s: %w", path, err)
	}
	c.selected = path
	c.uidValidity = data.UIDValidity

	return conn, &service.FolderStatus{
		UIDValidity: data.UIDValidity,
		UIDNext:     uint32(data.UIDNext),
		Messages:    data.NumMessages,
	}, nil
}

// ListFolders returns every mailbox, including non-selectable parents
func (c *Client) ListFolders(ctx context.Context) ([]service.ProviderFolder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	conn, err := c.connect()
	if err != nil {
		return nil, err
	}

	mailboxes, err := conn.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("listing mailboxes: %w", err)
	}

	folders := make([]service.ProviderFolder, 0, len(mailboxes))
	for _, mb := range mailboxes {
		folders = append(folders, folderFromList(mb))
	}
	return folders, nil
}

// ListMessages is not supported; IMAP accounts sync per folder
func (c *Client) ListMessages(context.Context, int, string) (*service.MessagePage, error) {
	return nil, retry.Permanent(errors.New("IMAP accounts are listed per folder"))
}

func (c *Client) FolderStatus(ctx context.Context, path string) (*service.FolderStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, status, err := c.selectFolder(ctx, path)
	return status, err
}

func (c *Client) ListFolderUIDs(ctx context.Context, path string, afterUID uint32, limit int) ([]uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, _, err := c.selectFolder(ctx, path)
	if err != nil {
		return nil, err
	}

	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{{imap.UIDRange{Start: imap.UID(afterUID + 1), Stop: 0}}},
	}
	data, err := conn.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", path, err)
	}

	return filterUIDs(data.AllUIDs(), afterUID, limit), nil
}

func (c *Client) GetFolderMessage(ctx context.Context, path string, uid uint32) (*service.MessageMeta, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, status, err := c.selectFolder(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	return fetchMessage(conn, path, status.UIDValidity, uid)
}

// GetMessage fetches by provider id ("path:uidvalidity:uid")
func (c *Client) GetMessage(ctx context.Context, id string) (*service.MessageMeta, error) {
	meta, _, err := c.getByProviderID(ctx, id)
	return meta, err
}

func (c *Client) GetRawMessage(ctx context.Context, id string) ([]byte, error) {
	_, raw, err := c.getByProviderID(ctx, id)
	return raw, err
}

func (c *Client) getByProviderID(ctx context.Context, id string) (*service.MessageMeta, []byte, error) {
	path, validity, uid, err := ParseProviderID(id)
	if err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	conn, status, err := c.selectFolder(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	if status.UIDValidity != validity {
		return nil, nil, retry.Permanent(fmt.Errorf("message %s is stale: UIDVALIDITY is now %d", id, status.UIDValidity))
	}
	return fetchMessage(conn, path, validity, uid)
}

// DeleteMessage moves the message to the account's trash mailbox
func (c *Client) DeleteMessage(ctx context.Context, providerID string) error {
	path, validity, uid, err := ParseProviderID(providerID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.acquire(ctx); err != nil {
		return err
	}
	conn, err := c.connect()
	if err != nil {
		return err
	}
	mailboxes, err := conn.List("", "*", nil).Collect()
	if err != nil {
		return fmt.Errorf("listing mailboxes: %w", err)
	}
	trash := trashFolder(mailboxes)
	if trash == "" {
		return retry.Permanent(fmt.Errorf("no trash mailbox found for %s", c.cfg.Username))
	}
	if trash == path {
		return nil
	}

	_, status, err := c.selectFolder(ctx, path)
	if err != nil {
		return err
	}
	if status.UIDValidity != validity {
		// the UID no longer names the same message
		return retry.Permanent(fmt.Errorf("message %s is stale: UIDVALIDITY is now %d", providerID, status.UIDValidity))
	}

	if _, err := conn.Move(imap.UIDSetNum(imap.UID(uid)), trash).Wait(); err != nil {
		return fmt.Errorf("moving %s to %s: %w", providerID, trash, err)
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	if err := c.conn.Logout().Wait(); err != nil {
		log.Printf("Warning: IMAP logout for %s failed: %v", c.cfg.Username, err)
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func fetchMessage(conn *imapclient.Client, path string, validity, uid uint32) (*service.MessageMeta, []byte, error) {
	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := conn.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
		Envelope:    true,
		Flags:       true,
		UID:         true,
		RFC822Size:  true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, nil, retry.Permanent(fmt.Errorf("message UID %d not found in %s", uid, path))
	}
	buf, err := msg.Collect()
	if err != nil {
		return nil, nil, fmt.Errorf("collecting message %d of %s: %w", uid, path, err)
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, nil, fmt.Errorf("fetching message %d of %s: %w", uid, path, err)
	}

	raw := buf.FindBodySection(bodySection)
	if raw == nil {
		return nil, nil, retry.Permanent(fmt.Errorf("message UID %d of %s has no body", uid, path))
	}

	meta := &service.MessageMeta{
		ProviderID: ProviderID(path, validity, uid),
		FolderPath: path,
		SizeBytes:  buf.RFC822Size,
		Labels:     labelsFor(path, buf.Flags),
	}
	if env := buf.Envelope; env != nil {
		meta.MessageID = env.MessageID
		meta.Subject = env.Subject
		meta.From = formatAddresses(env.From)
		meta.To = formatAddresses(env.To)
		if !env.Date.IsZero() {
			date := env.Date
			meta.Date = &date
		}
	}
	return meta, raw, nil
}

// ProviderID names a message by mailbox, UIDVALIDITY and UID
func ProviderID(path string, validity, uid uint32) string {
	return fmt.Sprintf("%s:%d:%d", path, validity, uid)
}

// ParseProviderID splits a provider id. The path may itself contain colons.
func ParseProviderID(id string) (string, uint32, uint32, error) {
	invalid := retry.Permanent(fmt.Errorf("invalid IMAP message id %q", id))

	last := strings.LastIndex(id, ":")
	if last <= 0 {
		return "", 0, 0, invalid
	}
	mid := strings.LastIndex(id[:last], ":")
	if mid <= 0 {
		return "", 0, 0, invalid
	}

	validity, err := strconv.ParseUint(id[mid+1:last], 10, 32)
	if err != nil {
		return "", 0, 0, invalid
	}
	uid, err := strconv.ParseUint(id[last+1:], 10, 32)
	if err != nil || uid == 0 {
		return "", 0, 0, invalid
	}
	return id[:mid], uint32(validity), uint32(uid), nil
}

// filterUIDs drops the UID an "N:*" search returns when nothing is above N
func filterUIDs(all []imap.UID, afterUID uint32, limit int) []uint32 {
	uids := make([]uint32, 0, len(all))
	for _, uid := range all {
		if uint32(uid) > afterUID {
			uids = append(uids, uint32(uid))
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}
	return uids
}

// labelsFor maps IMAP flags onto the system labels the archive understands
func labelsFor(path string, flags []imap.Flag) []string {
	labels := []string{}
	seen := false
	for _, f := range flags {
		switch f {
		case imap.FlagSeen:
			seen = true
		case imap.FlagFlagged:
			labels = append(labels, service.LabelImportant)
		case imap.FlagDeleted:
			labels = append(labels, service.LabelTrash)
		}
	}
	if !seen {
		labels = append(labels, service.LabelUnread)
	}
	if strings.EqualFold(path, "INBOX") {
		labels = append(labels, service.LabelInbox)
	}
	return labels
}

func folderFromList(mb *imap.ListData) service.ProviderFolder {
	folder := service.ProviderFolder{
		Path:       mb.Mailbox,
		Name:       mb.Mailbox,
		Selectable: true,
	}
	if mb.Delim != 0 {
		folder.Delimiter = string(mb.Delim)
		if i := strings.LastIndex(mb.Mailbox, folder.Delimiter); i >= 0 {
			folder.Name = mb.Mailbox[i+1:]
		}
	}
	for _, attr := range mb.Attrs {
		switch attr {
		case imap.MailboxAttrNoSelect, imap.MailboxAttrNonExistent:
			folder.Selectable = false
		case imap.MailboxAttrSent, imap.MailboxAttrTrash, imap.MailboxAttrJunk,
			imap.MailboxAttrDrafts, imap.MailboxAttrArchive, imap.MailboxAttrAll, imap.MailboxAttrFlagged:
			folder.SpecialUse = string(attr)
		}
	}
	return folder
}

func trashFolder(mailboxes []*imap.ListData) string {
	for _, mb := range mailboxes {
		for _, attr := range mb.Attrs {
			if attr == imap.MailboxAttrTrash {
				return mb.Mailbox
			}
		}
	}
	for _, mb := range mailboxes {
		if strings.EqualFold(mb.Mailbox, "Trash") {
			return mb.Mailbox
		}
	}
	return ""
}

func formatAddresses(addrs []imap.Address) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a.Name != "" {
			parts = append(parts, fmt.Sprintf("%s <%s>", a.Name, a.Addr()))
		} else {
			parts = append(parts, a.Addr())
		}
	}
	return strings.Join(parts, ", ")
}
