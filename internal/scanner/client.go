// Package scanner is an HTTP client for the attachment virus scanning service.
package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vipul43/mailvault-worker/internal/models"
)

type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

func NewClient(url, apiKey string, timeout time.Duration) *Client {
	return &Client{
		url:    url,
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type scanResponse struct {
	Status    string `json:"status"`
	Signature string `json:"signature"`
}

// Scan posts the attachment bytes and maps the verdict onto a scan status.
// Unknown verdicts are reported as errors.
func (c *Client) Scan(ctx context.Context, blobPath string, data []byte) (models.ScanStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return models.ScanError, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Blob-Path", blobPath)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.ScanError, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.ScanError, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return models.ScanError, fmt.Errorf("scanner error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result scanResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return models.ScanError, fmt.Errorf("failed to parse scanner response: %w", err)
	}

	switch strings.ToLower(result.Status) {
	case "clean", "ok":
		return models.ScanClean, nil
	case "infected", "found":
		return models.ScanInfected, nil
	}
	return models.ScanError, fmt.Errorf("unknown scan verdict %q", result.Status)
}
