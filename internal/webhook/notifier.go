// Package webhook delivers signed job completion callbacks. Delivery is
// best-effort: exhausted retries land in the dead-letter sink and never
// affect job state.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/7and1/thedoorpost/internal/deadletter"
	"github.com/7and1/thedoorpost/internal/hash"
)

// SignatureHeader carries the HMAC-SHA256 of the request body, hex
// encoded with a "sha256=" prefix.
const SignatureHeader = "X-Doorpost-Signature"

const (
	defaultTimeout    = 5 * time.Second
	defaultMaxRetries = 2
	backoffBase       = time.Second
	backoffCap        = 4 * time.Second
)

// Config bounds delivery attempts.
type Config struct {
	Timeout    time.Duration
	MaxRetries int
}

// Notifier implements analyzer.Notifier over HTTP POST.
type Notifier struct {
	cfg    Config
	http   *http.Client
	dlq    *deadletter.Sink
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New constructs a Notifier. MaxRetries counts retries after the first
// attempt, so deliveries are tried MaxRetries+1 times.
func New(cfg Config, dlq *deadletter.Sink, logger *zap.Logger) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		cfg:    cfg,
		http:   &http.Client{},
		dlq:    dlq,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// Notify posts the payload to url, signing the body when a secret is set.
// Returns true when the endpoint accepted the delivery.
func (n *Notifier) Notify(ctx context.Context, url string, payload map[string]any, secret string) bool {
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("webhook payload encode failed", zap.Error(err))
		return false
	}

	attempts := n.cfg.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := backoffBase << (attempt - 1)
			if delay > backoffCap {
				delay = backoffCap
			}
			if err := n.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}
		if lastErr = n.deliver(ctx, url, body, secret); lastErr == nil {
			return true
		}
		n.logger.Warn("webhook delivery attempt failed",
			zap.String("url", url),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
		if ctx.Err() != nil {
			break
		}
	}

	n.logger.Error("webhook delivery exhausted",
		zap.String("url", url), zap.Error(lastErr))
	n.dlq.Add(ctx, "webhook", jobIDFromPayload(payload),
		map[string]any{"url": url, "payload": payload}, attempts, lastErr)
	return false
}

func (n *Notifier) deliver(ctx context.Context, url string, body []byte, secret string) error {
	reqCtx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+hash.HMACSHA256Hex(secret, body))
	}

	resp, err := n.http.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func jobIDFromPayload(payload map[string]any) string {
	if id, ok := payload["job_id"].(string); ok && id != "" {
		return id
	}
	return fmt.Sprintf("unknown-%d", time.Now().UnixNano())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("webhook backoff canceled: %w", ctx.Err())
	}
}
