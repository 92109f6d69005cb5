// Package mailparse extracts the headers and attachments the archive records
// from a raw RFC 5322 message.
package mailparse

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// Attachment is one attachment part, fully read
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Parsed holds the header fields and attachments of one message
type Parsed struct {
	MessageID   string
	Subject     string
	From        string
	To          string
	Date        *time.Time
	Attachments []Attachment
}

// Parse reads raw into a Parsed. Header problems are tolerated and leave the
// field empty; only an unreadable message is an error.
func Parse(raw []byte) (*Parsed, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	defer mr.Close()

	h := mr.Header
	parsed := &Parsed{}
	parsed.MessageID, _ = h.MessageID()
	parsed.Subject, _ = h.Subject()
	parsed.From = formatAddresses(h, "From")
	parsed.To = formatAddresses(h, "To")

	if date, err := h.Date(); err == nil && !date.IsZero() {
		parsed.Date = &date
	} else if v := h.Get("Date"); v != "" {
		if date, err := ParseDate(v); err == nil {
			parsed.Date = &date
		}
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				continue
			}
			// headers are still useful on a broken body
			break
		}

		ah, ok := part.Header.(*mail.AttachmentHeader)
		if !ok {
			continue
		}
		filename, _ := ah.Filename()
		contentType, _, _ := ah.ContentType()
		data, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		if filename == "" {
			filename = "attachment"
		}
		parsed.Attachments = append(parsed.Attachments, Attachment{
			Filename:    filename,
			ContentType: contentType,
			Data:        data,
		})
	}

	return parsed, nil
}

// ContentID derives a stable identifier for messages without a Message-ID
func ContentID(raw []byte) string {
	sum := sha256.Sum256(raw)
	return "sha256-" + hex.EncodeToString(sum[:16])
}

func formatAddresses(h mail.Header, key string) string {
	list, err := h.AddressList(key)
	if err != nil || len(list) == 0 {
		return strings.TrimSpace(h.Get(key))
	}
	out := make([]string, 0, len(list))
	for _, addr := range list {
		if addr.Name != "" {
			out = append(out, fmt.Sprintf("%s <%s>", addr.Name, addr.Address))
		} else {
			out = append(out, addr.Address)
		}
	}
	return strings.Join(out, ", ")
}

// ParseDate parses the date formats seen in the wild
func ParseDate(dateStr string) (time.Time, error) {
	formats := []string{
		time.RFC1123Z,
		time.RFC1123,
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"Mon, 2 Jan 2006 15:04:05 MST",
		"2 Jan 2006 15:04:05 -0700",
		time.RFC3339,
	}

	dateStr = strings.TrimSpace(dateStr)

	// Remove timezone name in parentheses, e.g. "(UTC)"
	if idx := strings.Index(dateStr, " ("); idx != -1 {
		dateStr = dateStr[:idx]
	}

	for _, format := range formats {
		if t, err := time.Parse(format, dateStr); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse date: %s", dateStr)
}
