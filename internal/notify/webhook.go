package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kilnworks/kiln/pkg/contracts"
)

const (
	webhookTimeout = 15 * time.Second
	webhookRetries = 3
)

// WebhookSink POSTs each event as JSON to a configured URL. Delivery
// runs on its own goroutine per event so a slow endpoint never holds
// up the hub's dispatch loop; Close waits for in-flight deliveries.
//
// When a secret is configured, the body is signed with HMAC-SHA256 and
// the hex digest sent as "X-Kiln-Signature: sha256=<hex>" so receivers
// can authenticate the sender.
type WebhookSink struct {
	url     string
	secret  string
	client  *http.Client
	backoff time.Duration
	wg      sync.WaitGroup
}

// WebhookOption adjusts a WebhookSink.
type WebhookOption func(*WebhookSink)

// WithSecret enables HMAC signing of the request body.
func WithSecret(secret string) WebhookOption {
	return func(w *WebhookSink) { w.secret = secret }
}

// WithHTTPClient substitutes the transport, mainly for tests.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *WebhookSink) { w.client = c }
}

// WithRetryBackoff sets the base delay between delivery attempts.
func WithRetryBackoff(d time.Duration) WebhookOption {
	return func(w *WebhookSink) { w.backoff = d }
}

// NewWebhookSink builds a sink posting to url.
func NewWebhookSink(url string, opts ...WebhookOption) *WebhookSink {
	w := &WebhookSink{
		url:     url,
		client:  &http.Client{Timeout: webhookTimeout},
		backoff: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *WebhookSink) Emit(_ context.Context, event contracts.Event) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.deliver(event); err != nil {
			log.Warn().
				Err(err).
				Str("type", event.Type).
				Str("url", w.url).
				Msg("webhook delivery failed")
		}
	}()
}

// Close blocks until all in-flight deliveries have finished.
func (w *WebhookSink) Close() {
	w.wg.Wait()
}

func (w *WebhookSink) deliver(event contracts.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= webhookRetries; attempt++ {
		if attempt > 1 {
			time.Sleep(time.Duration(attempt-1) * w.backoff)
		}
		// The body reader is consumed on send, so the request is
		// rebuilt for every attempt.
		req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Kiln-Webhook/1.0")
		req.Header.Set("X-Kiln-Event", event.Type)
		req.Header.Set("X-Kiln-Delivery", event.ID)
		if w.secret != "" {
			mac := hmac.New(sha256.New, []byte(w.secret))
			mac.Write(body)
			req.Header.Set("X-Kiln-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return fmt.Errorf("after %d attempts: %w", webhookRetries, lastErr)
}
