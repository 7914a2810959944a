package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Webhook event names.
const (
	EventAttachmentUpdated = "attachment.updated"
	EventAttachmentDeleted = "attachment.deleted"
	EventCompacted         = "compacted"
)

// SignatureHeader carries "sha256=<hex HMAC of the body>" when a secret is set.
const SignatureHeader = "X-Revblob-Signature"

// WebhookEvent is the JSON body POSTed to every webhook URL.
type WebhookEvent struct {
	Event      string `json:"event"`
	DocID      string `json:"doc_id,omitempty"`
	RevID      string `json:"rev,omitempty"`
	Attachment string `json:"attachment,omitempty"`
	Digest     string `json:"digest,omitempty"`
	// BlobsDeleted is set for compaction events.
	BlobsDeleted int    `json:"blobs_deleted,omitempty"`
	Timestamp    string `json:"timestamp"`
}

// WebhookConfig lists the webhook URLs and the optional signing secret.
type WebhookConfig struct {
	URLs   []string
	Secret string
}

// WebhookNotifier delivers events to every configured URL in the background.
type WebhookNotifier struct {
	config  *WebhookConfig
	client  *http.Client
	logger  *slog.Logger
	backoff time.Duration

	inflight sync.WaitGroup
}

// NewWebhookNotifier creates a webhook notifier. Returns nil if no URLs are configured.
func NewWebhookNotifier(cfg *WebhookConfig, logger *slog.Logger) *WebhookNotifier {
	if cfg == nil || len(cfg.URLs) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		config:  cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		backoff: time.Second,
	}
}

// NotifyAttachment reports a new revision that set or removed an attachment.
func (wn *WebhookNotifier) NotifyAttachment(event, docID, revID, name, digest string) {
	wn.dispatch(&WebhookEvent{
		Event:      event,
		DocID:      docID,
		RevID:      revID,
		Attachment: name,
		Digest:     digest,
	})
}

// NotifyCompacted reports a completed compaction.
func (wn *WebhookNotifier) NotifyCompacted(blobsDeleted int) {
	wn.dispatch(&WebhookEvent{Event: EventCompacted, BlobsDeleted: blobsDeleted})
}

func (wn *WebhookNotifier) dispatch(event *WebhookEvent) {
	if wn == nil {
		return
	}
	event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	wn.inflight.Add(1)
	go func() {
		defer wn.inflight.Done()
		wn.send(event)
	}()
}

// Close waits for in-flight deliveries until ctx is done.
func (wn *WebhookNotifier) Close(ctx context.Context) error {
	if wn == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		wn.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// send delivers the event to all URLs concurrently.
func (wn *WebhookNotifier) send(event *WebhookEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		wn.logger.Error("webhook: marshal event", "error", err)
		return
	}

	var g errgroup.Group
	g.SetLimit(4)
	for _, url := range wn.config.URLs {
		g.Go(func() error {
			if err := wn.post(url, data); err != nil {
				wn.logger.Warn("webhook: delivery failed", "url", url, "event", event.Event, "error", err)
				return nil
			}
			wn.logger.Debug("webhook: delivered", "url", url, "event", event.Event)
			return nil
		})
	}
	g.Wait()
}

// sign returns the signature header value for data.
func (wn *WebhookNotifier) sign(data []byte) string {
	mac := hmac.New(sha256.New, []byte(wn.config.Secret))
	mac.Write(data)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// post sends one webhook POST, retrying network errors and 5xx up to twice.
func (wn *WebhookNotifier) post(url string, data []byte) error {
	const maxRetries = 2

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * wn.backoff)
		}

		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "revblob-server/1.0")
		if wn.config.Secret != "" {
			req.Header.Set(SignatureHeader, wn.sign(data))
		}

		resp, err := wn.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode < 500:
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("after %d attempts: %w", maxRetries+1, lastErr)
}
