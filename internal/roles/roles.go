// Package roles implements the engine's model personas. Each role is a
// thin wrapper around the model client: a stable system prompt, an
// output contract, and a parser. Context comes from memory as per-role
// slices, never as another role's conversation.
package roles

import (
	"context"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kilnworks/kiln/internal/memory"
	"github.com/kilnworks/kiln/internal/ollama"
	"github.com/kilnworks/kiln/internal/route"
	"github.com/kilnworks/kiln/pkg/models"
)

var tracer = otel.Tracer("kiln")

// Engines bundles all six personas over one client and router.
type Engines struct {
	Planner  *Planner
	Coder    *Coder
	Reviewer *Reviewer
	Analyzer *Analyzer
	Agentic  *Agentic
	Chat     *Chat
}

// New wires the personas. All of them share the router's model
// resolution and the same memory store.
func New(client *ollama.Client, router *route.Router, mem *memory.Store) *Engines {
	c := &caller{client: client, router: router}
	return &Engines{
		Planner:  &Planner{caller: c, mem: mem},
		Coder:    &Coder{caller: c, mem: mem},
		Reviewer: &Reviewer{caller: c, mem: mem},
		Analyzer: &Analyzer{caller: c, mem: mem},
		Agentic:  &Agentic{caller: c},
		Chat:     &Chat{caller: c, mem: mem},
	}
}

// caller resolves a role to a concrete model and runs one streaming
// completion with the role's sampling profile.
type caller struct {
	client *ollama.Client
	router *route.Router
}

func (c *caller) chat(ctx context.Context, role models.Role, class models.Classification, messages []models.ChatMessage, onToken func(string)) (string, error) {
	sel, err := c.router.Resolve(ctx, role, class)
	if err != nil {
		return "", err
	}
	ctx, span := tracer.Start(ctx, "kiln.model_call", trace.WithAttributes(
		attribute.String("role", string(role)),
		attribute.String("model", sel.Model),
	))
	defer span.End()

	log.Debug().
		Str("role", string(role)).
		Str("model", sel.Model).
		Int("num_ctx", sel.Options.NumCtx).
		Msg("role call")
	return c.client.Chat(ctx, ollama.ChatRequest{
		Model:          sel.Model,
		Messages:       messages,
		Options:        sel.Options,
		StripReasoning: sel.StripReasoning,
		OnToken:        onToken,
	})
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func tail(s string, n int) string {
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}
