// Package client provides a small helper for submitting log entries to
// a LogHive server, plus a log/slog handler that batches records and
// ships them in the background.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Entry mirrors the server's stored log record.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp int64          `json:"timestamp"`
	Level     string         `json:"level"`
	Service   string         `json:"source_service"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
}

// Client talks to a LogHive server.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Submit sends a single log entry and returns the stored record as the
// server assigned it, including id and timestamp.
func (c *Client) Submit(ctx context.Context, level, message, sourceService string, logCtx map[string]any) (Entry, error) {
	payload := map[string]any{
		"level":          level,
		"message":        message,
		"source_service": sourceService,
	}
	if len(logCtx) > 0 {
		payload["context"] = logCtx
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/logs", bytes.NewReader(data))
	if err != nil {
		return Entry{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return Entry{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Entry{}, fmt.Errorf("submit failed: %d %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var stored Entry
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		return Entry{}, err
	}
	return stored, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

type handshakeRequest struct {
	Service    string `json:"service"`
	InstanceID string `json:"instance_id"`
	Hostname   string `json:"hostname"`
	ClientInfo string `json:"client_info"`
}

// ensureInstanceID returns a stable per-host id, persisted under the
// user's home directory.
func ensureInstanceID() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return uuid.New().String(), nil // Fallback to ephemeral ID
	}

	hiveDir := filepath.Join(homeDir, ".loghive")
	if err := os.MkdirAll(hiveDir, 0755); err != nil {
		return uuid.New().String(), nil
	}

	idFile := filepath.Join(hiveDir, "id")
	if data, err := os.ReadFile(idFile); err == nil {
		return strings.TrimSpace(string(data)), nil
	}

	newID := uuid.New().String()
	_ = os.WriteFile(idFile, []byte(newID), 0644)
	return newID, nil
}

func registerInstance(baseURL, apiKey, service, instanceID string) error {
	hostname, _ := os.Hostname()
	reqBody := handshakeRequest{
		Service:    service,
		InstanceID: instanceID,
		Hostname:   hostname,
		ClientInfo: fmt.Sprintf("go-%s", runtime.Version()),
	}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(baseURL, "/")+"/api/registry/handshake", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("handshake failed: %d %s", resp.StatusCode, string(body))
	}
	return nil
}
