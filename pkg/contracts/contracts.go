// Package contracts defines the seams between the kiln engine and the
// surfaces that host it.
//
// The engine ships concrete implementations for everything it needs to
// run headless (noop research, auto-decline consent, skip-by-default
// escalation). Interactive front ends replace those defaults by handing
// their own implementations to engine.New: a REPL wires its prompt in
// as an EscalationHandler, an installer wires a progress bar in as a
// PullConsent, without either touching internal packages.
package contracts

import (
	"context"

	"github.com/kilnworks/kiln/pkg/models"
)

// ── Escalation ──────────────────────────────────────────────

// EscalationHandler answers for a task that exhausted its failure
// budget. Implementations may block on human input; the engine passes a
// context so a cancelled run unblocks the wait.
type EscalationHandler interface {
	// Escalate presents a stuck task and returns the operator decision.
	Escalate(ctx context.Context, req models.EscalationRequest) (models.EscalationResponse, error)
}

// EscalationFunc adapts a function to EscalationHandler.
type EscalationFunc func(ctx context.Context, req models.EscalationRequest) (models.EscalationResponse, error)

func (f EscalationFunc) Escalate(ctx context.Context, req models.EscalationRequest) (models.EscalationResponse, error) {
	return f(ctx, req)
}

// ── Model Pulls ─────────────────────────────────────────────

// PullConsent decides whether a missing model may be downloaded. The
// headless default declines everything; declining is non-fatal and the
// router degrades instead.
type PullConsent interface {
	// Approve is asked once per missing model per run.
	Approve(ctx context.Context, model string) bool
}

// PullConsentFunc adapts a function to PullConsent.
type PullConsentFunc func(ctx context.Context, model string) bool

func (f PullConsentFunc) Approve(ctx context.Context, model string) bool { return f(ctx, model) }

// ── Research ────────────────────────────────────────────────

// ResearchProvider supplies external reference material for the last
// fix attempt. The query and result formats are opaque to the engine;
// results are injected into model context verbatim.
type ResearchProvider interface {
	// Research returns reference text for a query, or "" when nothing
	// useful was found. Errors are logged and treated as "".
	Research(ctx context.Context, query string) (string, error)
}

// ── Events ──────────────────────────────────────────────────

// EventSink receives engine lifecycle events. Emit must not block; slow
// sinks buffer or drop internally.
type EventSink interface {
	Emit(ctx context.Context, event Event)
}

// Event is the envelope delivered to sinks. The concrete event types
// and codes live in internal/notify; the envelope is public so hosts
// can subscribe without importing internals.
type Event struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Code    string         `json:"code"` // stable machine-readable identifier
	RunID   string         `json:"run_id,omitempty"`
	TaskID  int            `json:"task_id,omitempty"`
	Message string         `json:"message"` // single line, human-readable
	Payload map[string]any `json:"payload,omitempty"`
	Time    int64          `json:"time"` // unix millis
}

// ── Embeddings ──────────────────────────────────────────────

// EmbeddingDriver turns text into vectors. Drivers are registered by
// kind; the engine runs fine with none registered.
type EmbeddingDriver interface {
	// Kind returns the driver identifier (e.g. "ollama", "none").
	Kind() string

	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float64, error)

	// Dimensions returns the vector width this driver produces.
	Dimensions() int
}

// ── Vector Index ────────────────────────────────────────────

// VectorIndex stores file vectors and answers similarity queries.
// Backends: in-memory brute force (default), Postgres+pgvector.
type VectorIndex interface {
	// Upsert replaces the vector stored for a path.
	Upsert(ctx context.Context, file models.EmbeddedFile) error

	// Delete removes a path from the index. Unknown paths are a no-op.
	Delete(ctx context.Context, path string) error

	// Search returns the top-k nearest paths by cosine similarity.
	Search(ctx context.Context, vector []float64, k int) ([]models.Retrieved, error)

	// All returns every stored entry, for session snapshots.
	All(ctx context.Context) ([]models.EmbeddedFile, error)

	// Close releases backend resources.
	Close() error
}
