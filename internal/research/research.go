// Package research is the opaque boundary to external reference
// lookup. The engine consults it for the last fix strategy; what sits
// behind it (a search service, a docs index, nothing at all) is not the
// engine's concern.
//
// Noop is the offline default. HTTPProvider forwards queries to a
// configured endpoint and is initialized only when KILN_RESEARCH_URL is
// set.
package research

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kilnworks/kiln/pkg/contracts"
)

const (
	requestTimeout = 30 * time.Second

	// maxNotes caps what a provider can inject into a prompt.
	maxNotes = 8000
)

// Noop answers every query with nothing. Used when internet access is
// not granted or no provider is configured.
type Noop struct{}

func (Noop) Research(context.Context, string) (string, error) { return "", nil }

// HTTPProvider forwards queries to an external research service.
type HTTPProvider struct {
	client  *http.Client
	baseURL string
	token   string
}

// HTTPOption configures an HTTPProvider.
type HTTPOption func(*HTTPProvider)

// WithToken sets a bearer token attached to every query.
func WithToken(token string) HTTPOption {
	return func(p *HTTPProvider) { p.token = token }
}

// WithClient replaces the HTTP client, usually for tests.
func WithClient(c *http.Client) HTTPOption {
	return func(p *HTTPProvider) { p.client = c }
}

// NewHTTP creates a provider that POSTs queries to baseURL/query.
func NewHTTP(baseURL string, opts ...HTTPOption) *HTTPProvider {
	p := &HTTPProvider{
		client:  &http.Client{Timeout: requestTimeout},
		baseURL: baseURL,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type queryRequest struct {
	Query string `json:"query"`
}

type queryResponse struct {
	Notes string `json:"notes"`
}

// Research sends one query and returns the service's notes. An empty
// answer is not an error; the caller regenerates without guidance.
func (p *HTTPProvider) Research(ctx context.Context, query string) (string, error) {
	body, err := json.Marshal(queryRequest{Query: query})
	if err != nil {
		return "", fmt.Errorf("marshal research query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/query", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build research request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("research query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("research service returned HTTP %d", resp.StatusCode)
	}

	var out queryResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode research response: %w", err)
	}
	if len(out.Notes) > maxNotes {
		out.Notes = out.Notes[:maxNotes]
	}
	return out.Notes, nil
}

var _ contracts.ResearchProvider = Noop{}
var _ contracts.ResearchProvider = (*HTTPProvider)(nil)
