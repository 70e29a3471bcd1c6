package roles

import (
	"context"

	"github.com/kilnworks/kiln/pkg/models"
)

// Agentic is the single-shot modify-in-place persona: one call sees the
// whole project and answers with file blocks and run commands. The
// executor owns parsing, writing, and dispatch; this type owns only the
// prompt and the call.
type Agentic struct {
	caller *caller
}

// AgenticRequest is one autonomous action ask. FileContents comes from
// WorkspaceBlock; Notes carries extras like running-process summaries.
type AgenticRequest struct {
	Request        string
	ProjectSummary string
	FileContents   string
	Notes          string
}

// Respond runs one agentic completion and returns the raw response
// text, file and command blocks included.
func (a *Agentic) Respond(ctx context.Context, req AgenticRequest, class models.Classification, onToken func(string)) (string, error) {
	messages := []models.ChatMessage{
		{Role: "system", Content: agenticSystem},
		{Role: "user", Content: agenticTaskPrompt(req)},
	}
	return a.caller.chat(ctx, models.RoleAgentic, class, messages, onToken)
}
