// Package ollama is the engine's client for a local Ollama server. It
// owns the streaming chat protocol, the installed-model probe, and
// model pulls with progress reporting.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kilnworks/kiln/pkg/models"
)

const maxAttempts = 3

// Client talks to one Ollama host. Safe for concurrent use.
type Client struct {
	host        string
	httpc       *http.Client
	backoff     time.Duration
	chatTimeout time.Duration
	pullTimeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpc = hc }
}

// WithBackoffUnit scales retry delays. Tests shrink it; production
// keeps the one-second default.
func WithBackoffUnit(d time.Duration) Option {
	return func(c *Client) { c.backoff = d }
}

// WithTimeouts bounds one Chat call (retries included) and one Pull
// call. A deadline hit surfaces as a TransportError, not ErrCancelled;
// only caller cancellation maps to the sentinel. Zero disables the
// bound, leaving the call governed by its context alone.
func WithTimeouts(chat, pull time.Duration) Option {
	return func(c *Client) {
		c.chatTimeout = chat
		c.pullTimeout = pull
	}
}

// New builds a client for the given host, e.g. "http://127.0.0.1:11434".
func New(host string, opts ...Option) *Client {
	c := &Client{
		host:    strings.TrimRight(host, "/"),
		httpc:   &http.Client{},
		backoff: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Host returns the configured server address.
func (c *Client) Host() string { return c.host }

// ChatRequest is one streaming generation call.
type ChatRequest struct {
	Model    string
	Messages []models.ChatMessage
	Options  models.ChatOptions

	// StripReasoning removes <think>…</think> spans from the visible
	// stream. Spans may cross chunk boundaries.
	StripReasoning bool

	// OnToken receives each visible chunk in model order.
	OnToken func(token string)

	// OnRaw receives every chunk before stripping, for transcripts.
	OnRaw func(chunk string)
}

type chatPayload struct {
	Model    string               `json:"model"`
	Messages []models.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
	Options  models.ChatOptions   `json:"options"`
}

type chatLine struct {
	Message models.ChatMessage `json:"message"`
	Done    bool               `json:"done"`
	Error   string             `json:"error,omitempty"`
}

// Chat streams one completion and returns the accumulated visible text.
// Transport failures before the stream opens are retried with
// exponential backoff; once tokens flow, errors return whatever text
// arrived so far. Cancellation likewise delivers the partial text
// wrapped in ErrCancelled.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (string, error) {
	if c.chatTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.chatTimeout)
		defer cancel()
	}

	body, err := json.Marshal(chatPayload{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   true,
		Options:  req.Options,
	})
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<(attempt-1)) * c.backoff
			log.Debug().Str("model", req.Model).Int("attempt", attempt).Dur("delay", delay).Msg("retrying chat")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				if cancelled(ctx) {
					return "", fmt.Errorf("chat %s: %w", req.Model, models.ErrCancelled)
				}
				return "", lastErr
			}
		}
		text, retryable, err := c.chatOnce(ctx, req, body)
		if err == nil {
			return text, nil
		}
		if !retryable {
			return text, err
		}
		lastErr = err
	}
	return "", lastErr
}

func (c *Client) chatOnce(ctx context.Context, req ChatRequest, body []byte) (text string, retryable bool, err error) {
	url := c.host + "/api/chat"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		if cancelled(ctx) {
			return "", false, fmt.Errorf("chat %s: %w", req.Model, models.ErrCancelled)
		}
		return "", true, &models.TransportError{Op: "chat", URL: url, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return "", false, &models.ModelMissingError{Model: req.Model}
	case resp.StatusCode >= 500:
		return "", true, &models.TransportError{
			Op: "chat", URL: url,
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, readErrorBody(resp.Body)),
		}
	case resp.StatusCode != http.StatusOK:
		return "", false, fmt.Errorf("chat %s: status %d: %s", req.Model, resp.StatusCode, readErrorBody(resp.Body))
	}

	stripper := newTraceStripper(req.StripReasoning)
	var out strings.Builder
	emit := func(visible string) {
		if visible == "" {
			return
		}
		out.WriteString(visible)
		if req.OnToken != nil {
			req.OnToken(visible)
		}
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ln chatLine
		if err := json.Unmarshal(line, &ln); err != nil {
			emit(stripper.flush())
			return out.String(), false, &models.ParseError{Reason: fmt.Sprintf("malformed stream line: %v", err)}
		}
		if ln.Error != "" {
			emit(stripper.flush())
			return out.String(), false, fmt.Errorf("chat %s: %s", req.Model, ln.Error)
		}
		if ln.Message.Content != "" {
			if req.OnRaw != nil {
				req.OnRaw(ln.Message.Content)
			}
			emit(stripper.feed(ln.Message.Content))
		}
		if ln.Done {
			emit(stripper.flush())
			return out.String(), false, nil
		}
	}

	emit(stripper.flush())
	if err := sc.Err(); err != nil {
		if cancelled(ctx) {
			return out.String(), false, fmt.Errorf("chat %s: %w", req.Model, models.ErrCancelled)
		}
		return out.String(), false, &models.TransportError{Op: "chat", URL: url, Err: err}
	}
	if ctx.Err() != nil {
		if cancelled(ctx) {
			return out.String(), false, fmt.Errorf("chat %s: %w", req.Model, models.ErrCancelled)
		}
		return out.String(), false, &models.TransportError{Op: "chat", URL: url, Err: ctx.Err()}
	}
	return out.String(), false, nil
}

// Tags returns the names of installed models, exactly as the server
// reports them (quantization tags included).
func (c *Client) Tags(ctx context.Context) ([]string, error) {
	url := c.host + "/api/tags"

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(1<<(attempt-1)) * c.backoff):
			case <-ctx.Done():
				if cancelled(ctx) {
					return nil, fmt.Errorf("list models: %w", models.ErrCancelled)
				}
				return nil, lastErr
			}
		}
		names, retryable, err := c.tagsOnce(ctx, url)
		if err == nil {
			return names, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) tagsOnce(ctx context.Context, url string) ([]string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build tags request: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		if cancelled(ctx) {
			return nil, false, fmt.Errorf("list models: %w", models.ErrCancelled)
		}
		return nil, true, &models.TransportError{Op: "tags", URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode >= 500, &models.TransportError{
			Op: "tags", URL: url,
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, readErrorBody(resp.Body)),
		}
	}

	var parsed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, false, &models.ParseError{Reason: fmt.Sprintf("malformed tags response: %v", err)}
	}
	names := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		names = append(names, m.Name)
	}
	return names, false, nil
}

// Pull downloads a model, reporting byte-accurate progress per status
// line. A nil onProgress is allowed.
func (c *Client) Pull(ctx context.Context, model string, onProgress func(models.PullProgress)) error {
	if c.pullTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.pullTimeout)
		defer cancel()
	}

	url := c.host + "/api/pull"
	body, err := json.Marshal(map[string]string{"name": model})
	if err != nil {
		return fmt.Errorf("encode pull request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build pull request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		if cancelled(ctx) {
			return fmt.Errorf("pull %s: %w", model, models.ErrCancelled)
		}
		return &models.TransportError{Op: "pull", URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &models.TransportError{
			Op: "pull", URL: url,
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, readErrorBody(resp.Body)),
		}
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ln struct {
			Status    string `json:"status"`
			Completed int64  `json:"completed"`
			Total     int64  `json:"total"`
			Error     string `json:"error,omitempty"`
		}
		if err := json.Unmarshal(line, &ln); err != nil {
			return &models.ParseError{Reason: fmt.Sprintf("malformed pull line: %v", err)}
		}
		if ln.Error != "" {
			return fmt.Errorf("pull %s: %s", model, ln.Error)
		}
		if onProgress != nil {
			onProgress(models.PullProgress{
				Model:     model,
				Status:    ln.Status,
				Completed: ln.Completed,
				Total:     ln.Total,
			})
		}
	}
	if err := sc.Err(); err != nil {
		if cancelled(ctx) {
			return fmt.Errorf("pull %s: %w", model, models.ErrCancelled)
		}
		return &models.TransportError{Op: "pull", URL: url, Err: err}
	}
	return nil
}

// cancelled distinguishes caller cancellation from an expired per-call
// deadline. Only the former is the user saying stop.
func cancelled(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}

func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return "no response body"
	}
	var parsed struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &parsed) == nil && parsed.Error != "" {
		return parsed.Error
	}
	return strings.TrimSpace(string(data))
}
