package roles

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/kilnworks/kiln/internal/memory"
	"github.com/kilnworks/kiln/pkg/models"
)

// maxReviewChars caps how much of a file enters the review prompt.
const maxReviewChars = 10000

// Reviewer criticizes generated code before it runs. Reviews are
// single-shot and never streamed.
type Reviewer struct {
	caller *caller
	mem    *memory.Store
}

// Review returns the verdict for a file already recorded in memory. An
// empty file is rejected without a model call. An unparseable review
// approves with a warning rather than blocking the pipeline.
func (r *Reviewer) Review(ctx context.Context, file string, class models.Classification) (models.ReviewVerdict, error) {
	content, _ := r.mem.Content(file)
	if strings.TrimSpace(content) == "" {
		return models.ReviewVerdict{
			Approved: false,
			Issues:   []models.ReviewIssue{{Severity: models.ReviewCritical, Description: "File is empty"}},
			Summary:  "Empty file",
		}, nil
	}

	purpose := r.mem.FileIndex()[file]
	slice := r.mem.SliceForReviewer(r.mem.Dependencies(file))
	prompt := reviewerTaskPrompt(slice, file, purpose, clip(content, maxReviewChars))
	messages := []models.ChatMessage{
		{Role: "system", Content: reviewerSystem},
		{Role: "user", Content: prompt},
	}
	raw, err := r.caller.chat(ctx, models.RoleReviewer, class, messages, nil)
	if err != nil {
		return models.ReviewVerdict{}, err
	}
	return parseVerdict(file, raw), nil
}

func parseVerdict(file, raw string) models.ReviewVerdict {
	var parsed struct {
		Approved bool `json:"approved"`
		Issues   []struct {
			Severity    string `json:"severity"`
			Description string `json:"description"`
			Line        int    `json:"line"`
		} `json:"issues"`
		Summary string `json:"summary"`
	}
	if err := ExtractJSON(raw, &parsed); err != nil {
		log.Warn().Str("file", file).Msg("review output unparseable, approving with warning")
		return models.ReviewVerdict{Approved: true, Summary: "Could not parse review"}
	}

	verdict := models.ReviewVerdict{Approved: parsed.Approved, Summary: parsed.Summary}
	blocking := false
	for _, is := range parsed.Issues {
		sev := normalizeSeverity(is.Severity)
		if sev != models.ReviewInfo {
			blocking = true
		}
		verdict.Issues = append(verdict.Issues, models.ReviewIssue{
			Severity:    sev,
			Description: is.Description,
			Line:        is.Line,
		})
	}
	// Info-only reviews approve regardless of the model's flag.
	if !verdict.Approved && !blocking {
		verdict.Approved = true
	}
	return verdict
}

func normalizeSeverity(s string) models.ReviewSeverity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "error", "blocker":
		return models.ReviewCritical
	case "warning", "warn":
		return models.ReviewWarning
	default:
		return models.ReviewInfo
	}
}

// Feedback renders a verdict's issues for the coder's patch prompt.
func Feedback(v models.ReviewVerdict) string {
	if len(v.Issues) == 0 {
		return v.Summary
	}
	lines := make([]string, 0, len(v.Issues)+1)
	for _, is := range v.Issues {
		lines = append(lines, fmt.Sprintf("- [%s] %s", is.Severity, is.Description))
	}
	if v.Summary != "" {
		lines = append(lines, "Summary: "+v.Summary)
	}
	return strings.Join(lines, "\n")
}
