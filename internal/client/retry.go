package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/kilupskalvis/revblob/internal/models"
)

// RetryConfig configures retry behavior for transient errors.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64 // 0.0 to 1.0
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		JitterFraction: 0.25,
	}
}

// RetryClient wraps a Client with automatic retry on transient errors.
// Writes that name an expected revision are never retried: a lost response
// would turn the retry into a conflict.
type RetryClient struct {
	inner  Client
	config *RetryConfig
}

var _ Client = (*RetryClient)(nil)

// NewRetryClient creates a RetryClient that wraps the given Client.
func NewRetryClient(inner Client, cfg *RetryConfig) *RetryClient {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	return &RetryClient{inner: inner, config: cfg}
}

// isTransient returns true for errors that are worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Status >= 500 || re.Status == http.StatusTooManyRequests
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true // network errors are transient
}

// backoff computes the delay for the given attempt with jitter.
func (rc *RetryClient) backoff(attempt int) time.Duration {
	base := float64(rc.config.InitialBackoff) * math.Pow(2, float64(attempt))
	if base > float64(rc.config.MaxBackoff) {
		base = float64(rc.config.MaxBackoff)
	}
	jitter := base * rc.config.JitterFraction * (rand.Float64()*2 - 1)
	d := time.Duration(base + jitter)
	if d < 0 {
		d = 0
	}
	return d
}

// delay is the backoff for attempt, stretched to the server's Retry-After
// hint but never past MaxBackoff.
func (rc *RetryClient) delay(attempt int, err error) time.Duration {
	d := rc.backoff(attempt)
	var re *RemoteError
	if errors.As(err, &re) && re.RetryAfter > d {
		d = min(re.RetryAfter, rc.config.MaxBackoff)
	}
	return d
}

// sleep waits for the given duration or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (rc *RetryClient) retry(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= rc.config.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
		if attempt < rc.config.MaxRetries {
			if err := sleep(ctx, rc.delay(attempt, lastErr)); err != nil {
				return fmt.Errorf("%s: %w (retry cancelled)", operation, lastErr)
			}
		}
	}
	return fmt.Errorf("%s: %w (after %d retries)", operation, lastErr, rc.config.MaxRetries)
}

func (rc *RetryClient) Info(ctx context.Context) (info *Info, err error) {
	err = rc.retry(ctx, "get info", func() error {
		info, err = rc.inner.Info(ctx)
		return err
	})
	return
}

func (rc *RetryClient) PutDocument(ctx context.Context, docID string, props map[string]any, rev string, allowConflict bool) (*RevResponse, error) {
	return rc.inner.PutDocument(ctx, docID, props, rev, allowConflict)
}

func (rc *RetryClient) GetDocument(ctx context.Context, docID, rev string, opts models.ContentOptions) (props map[string]any, err error) {
	err = rc.retry(ctx, "get document", func() error {
		props, err = rc.inner.GetDocument(ctx, docID, rev, opts)
		return err
	})
	return
}

func (rc *RetryClient) PutAttachment(ctx context.Context, docID, name, rev string, body io.Reader, opts *AttachmentOptions) (*RevResponse, error) {
	// The body is consumed by the first attempt.
	return rc.inner.PutAttachment(ctx, docID, name, rev, body, opts)
}

func (rc *RetryClient) GetAttachment(ctx context.Context, docID, name, rev string, raw bool) (att *Attachment, err error) {
	err = rc.retry(ctx, "get attachment", func() error {
		if att != nil {
			att.Body.Close()
			att = nil
		}
		att, err = rc.inner.GetAttachment(ctx, docID, name, rev, raw)
		return err
	})
	return
}

func (rc *RetryClient) DeleteAttachment(ctx context.Context, docID, name, rev string) (*RevResponse, error) {
	return rc.inner.DeleteAttachment(ctx, docID, name, rev)
}

func (rc *RetryClient) Compact(ctx context.Context, dryRun bool) (result *CompactResult, err error) {
	err = rc.retry(ctx, "compact", func() error {
		result, err = rc.inner.Compact(ctx, dryRun)
		return err
	})
	return
}

func (rc *RetryClient) ListBlobs(ctx context.Context) (list *BlobList, err error) {
	err = rc.retry(ctx, "list blobs", func() error {
		list, err = rc.inner.ListBlobs(ctx)
		return err
	})
	return
}
