package roles

import (
	"context"
	"strings"

	"github.com/kilnworks/kiln/internal/memory"
	"github.com/kilnworks/kiln/internal/parse"
	"github.com/kilnworks/kiln/pkg/models"
)

// Retrieval budget for the coder's semantic context block.
const (
	relatedTopK     = 3
	relatedMaxChars = 4000
)

// Coder generates file contents and applies targeted patches. Every
// call is single-shot: the context slice carries everything the model
// needs, so no conversation state accumulates across files.
type Coder struct {
	caller *caller
	mem    *memory.Store
}

// Generate produces the complete content for one task's file. deps are
// the file paths of the tasks this one depends on; their contents plus
// top-k retrieval hits form the context.
func (c *Coder) Generate(ctx context.Context, task models.PlanTask, deps []string, class models.Classification, onToken func(string)) (string, error) {
	return c.generate(ctx, task, deps, "", class, onToken)
}

// RegenerateRequest rebuilds a file from scratch after repeated fix
// failures, instead of patching what is already broken.
type RegenerateRequest struct {
	Task       models.PlanTask
	Deps       []string
	FailureLog string // prior attempts, so the new version avoids them
	Simplify   bool   // prefer the simplest version that passes checks
	Research   string // external reference notes, when available
}

// Regenerate produces fresh content for a file whose patches kept
// failing. The failure history rides along so the model does not walk
// back into the same errors.
func (c *Coder) Regenerate(ctx context.Context, req RegenerateRequest, class models.Classification, onToken func(string)) (string, error) {
	return c.generate(ctx, req.Task, req.Deps, regenerateNotes(req), class, onToken)
}

func (c *Coder) generate(ctx context.Context, task models.PlanTask, deps []string, notes string, class models.Classification, onToken func(string)) (string, error) {
	slice := c.mem.SliceForCoder(ctx, task.File+": "+task.Description, deps, relatedTopK, relatedMaxChars)

	var extra strings.Builder
	if len(deps) > 0 {
		extra.WriteString("## Related Files\n")
		extra.WriteString(slice.DepContext)
	}
	if slice.Related != "" {
		if extra.Len() > 0 {
			extra.WriteString("\n\n")
		}
		extra.WriteString("## Semantically Related (from memory)\n")
		extra.WriteString(slice.Related)
	}
	if notes != "" {
		if extra.Len() > 0 {
			extra.WriteString("\n\n")
		}
		extra.WriteString(notes)
	}

	prompt := coderTaskPrompt(slice, fileIndexBlock(c.mem.FileIndex()), task, extra.String())
	messages := []models.ChatMessage{
		{Role: "system", Content: coderSystem},
		{Role: "user", Content: prompt},
	}
	raw, err := c.caller.chat(ctx, models.RoleCoder, class, messages, onToken)
	if err != nil {
		return "", err
	}
	return parse.StripFences(stripThink(raw)), nil
}

// PatchRequest carries one fix ask: the failing file, the error that
// triggered it, and whatever feedback or guidance exists.
type PatchRequest struct {
	File           string
	Error          string // verifier output or captured runtime error
	ReviewFeedback string // reviewer issues, empty outside the review loop
	Guidance       string // analyzer fix strategy, operator hint, or research notes
}

// Patch asks for a minimal targeted fix and returns the full corrected
// file content.
func (c *Coder) Patch(ctx context.Context, req PatchRequest, class models.Classification, onToken func(string)) (string, error) {
	current, _ := c.mem.Content(req.File)
	prompt := coderPatchPrompt(c.mem.Architecture(), req, clip(current, memory.MaxFileReadChars))
	messages := []models.ChatMessage{
		{Role: "system", Content: coderSystem},
		{Role: "user", Content: prompt},
	}
	raw, err := c.caller.chat(ctx, models.RoleCoder, class, messages, onToken)
	if err != nil {
		return "", err
	}
	return parse.StripFences(stripThink(raw)), nil
}
