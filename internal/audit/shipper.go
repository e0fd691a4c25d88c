// Package audit handles structured audit log emission for security-relevant
// management actions: authentication attempts, license revocations and
// deletions, seat resets, and webhook changes. Audit entries are intentionally
// separate from application logs because they have different consumers and
// retention requirements — application logs are ephemeral debug output for
// on-call engineers, while the audit trail is an immutable record consumed by
// whoever answers "who revoked this customer's license and when". The package
// supports simultaneous destinations (file, HTTP collector) via the Shipper
// interface so entries can be routed to a SIEM independently of the
// application's own logging pipeline. Validation attempts are NOT shipped here;
// they have their own audit table written by the validation engine.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"
)

// LogEntry is one security-relevant management action.
type LogEntry struct {
	Timestamp  time.Time              `json:"timestamp"`
	Action     string                 `json:"action"`
	UserID     string                 `json:"user_id,omitempty"`
	ResourceID string                 `json:"resource_id,omitempty"`
	IPAddress  string                 `json:"ip_address,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	AuthMethod string                 `json:"auth_method,omitempty"`
	StatusCode int                    `json:"status_code,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Shipper sends audit entries to one destination.
type Shipper interface {
	// Ship sends an audit log entry to the destination
	Ship(ctx context.Context, entry *LogEntry) error
	// Close cleans up any resources
	Close() error
}

// MultiShipper fans one entry out to every configured destination. A failing
// destination never blocks the others.
type MultiShipper struct {
	mu       sync.RWMutex
	shippers []Shipper
}

// NewMultiShipper creates a shipper over the given destinations. Nil entries
// are skipped so callers can pass conditionally constructed shippers directly.
func NewMultiShipper(shippers ...Shipper) *MultiShipper {
	ms := &MultiShipper{shippers: make([]Shipper, 0, len(shippers))}
	for _, s := range shippers {
		if s != nil {
			ms.shippers = append(ms.shippers, s)
		}
	}
	return ms
}

// Enabled reports whether at least one destination is configured.
func (ms *MultiShipper) Enabled() bool {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.shippers) > 0
}

// Ship sends an entry to all configured destinations, returning the last error.
func (ms *MultiShipper) Ship(ctx context.Context, entry *LogEntry) error {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var lastErr error
	for _, shipper := range ms.shippers {
		if err := shipper.Ship(ctx, entry); err != nil {
			lastErr = err
			slog.Error("audit shipper error", "error", err)
		}
	}
	return lastErr
}

// Close closes all destinations.
func (ms *MultiShipper) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var lastErr error
	for _, shipper := range ms.shippers {
		if err := shipper.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// WebhookShipper POSTs each entry as JSON to an external collector.
type WebhookShipper struct {
	url    string
	client *http.Client
}

// NewWebhookShipper creates a shipper POSTing to url with the given timeout.
func NewWebhookShipper(url string, timeout time.Duration) *WebhookShipper {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookShipper{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Ship sends one entry to the collector.
func (ws *WebhookShipper) Ship(ctx context.Context, entry *LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ws.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ws.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send audit entry: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("audit collector returned status %d", resp.StatusCode)
	}
	return nil
}

// Close is a no-op; the HTTP client holds no resources needing release.
func (ws *WebhookShipper) Close() error {
	return nil
}

// FileShipper appends entries as JSON lines to a local file, rotating by size.
type FileShipper struct {
	mu         sync.Mutex
	path       string
	maxSizeMB  int
	maxBackups int
	file       *os.File
}

// NewFileShipper opens (or creates) the audit log file for appending.
func NewFileShipper(path string, maxSizeMB, maxBackups int) (*FileShipper, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &FileShipper{
		path:       path,
		maxSizeMB:  maxSizeMB,
		maxBackups: maxBackups,
		file:       file,
	}, nil
}

// Ship appends one entry as a JSON line.
func (fs *FileShipper) Ship(_ context.Context, entry *LogEntry) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.maxSizeMB > 0 {
		info, err := fs.file.Stat()
		if err == nil && info.Size() > int64(fs.maxSizeMB)*1024*1024 {
			if err := fs.rotate(); err != nil {
				slog.Error("audit log rotation failed", "error", err)
			}
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	if _, err := fs.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// rotate shifts existing backups up one slot and starts a fresh file.
func (fs *FileShipper) rotate() error {
	if err := fs.file.Close(); err != nil {
		return err
	}

	for i := fs.maxBackups - 1; i >= 1; i-- {
		oldPath := fmt.Sprintf("%s.%d", fs.path, i)
		newPath := fmt.Sprintf("%s.%d", fs.path, i+1)
		_ = os.Rename(oldPath, newPath)
	}
	_ = os.Rename(fs.path, fs.path+".1")
	if fs.maxBackups > 0 {
		_ = os.Remove(fmt.Sprintf("%s.%d", fs.path, fs.maxBackups+1))
	}

	file, err := os.OpenFile(fs.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	fs.file = file
	return nil
}

// Close closes the file.
func (fs *FileShipper) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}
