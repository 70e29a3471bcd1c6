package roles

import (
	"context"
	"strings"

	"github.com/kilnworks/kiln/internal/memory"
	"github.com/kilnworks/kiln/pkg/models"
)

// Prompt budgets: errors keep their tail (the traceback's last frames
// matter most), file contents keep their head.
const (
	maxErrorTail = 2000
	maxFileHead  = 8000
)

// Analyzer distills raw error output into a structured diagnosis
// instead of echoing stack traces at the coder.
type Analyzer struct {
	caller *caller
	mem    *memory.Store
}

// AnalyzeRequest is one diagnosis ask. DepContext is filled for deep
// analysis: the contents of files this one imports plus the files that
// import it, so cross-file root causes are visible.
type AnalyzeRequest struct {
	File        string
	ErrorOutput string
	DepContext  string
	Hint        string // operator guidance from a guided-fix escalation
	Attempted   []models.FixStrategy
}

// Analyze returns a diagnosis for a failing file. Unparseable analyzer
// output degrades to a free-text fix strategy rather than an error; the
// fix loop can still act on it.
func (a *Analyzer) Analyze(ctx context.Context, req AnalyzeRequest, class models.Classification) (models.Diagnosis, error) {
	content, _ := a.mem.Content(req.File)
	slice := a.mem.SliceForAnalyzer(req.File)
	prompt := analyzerTaskPrompt(slice, req, tail(req.ErrorOutput, maxErrorTail), clip(content, maxFileHead))
	messages := []models.ChatMessage{
		{Role: "system", Content: analyzerSystem},
		{Role: "user", Content: prompt},
	}
	raw, err := a.caller.chat(ctx, models.RoleAnalyzer, class, messages, nil)
	if err != nil {
		return models.Diagnosis{}, err
	}
	return parseDiagnosis(raw), nil
}

func parseDiagnosis(raw string) models.Diagnosis {
	var d models.Diagnosis
	if err := ExtractJSON(raw, &d); err != nil {
		return models.Diagnosis{
			RootCause:   "Could not parse analysis",
			FixStrategy: clip(strings.TrimSpace(stripThink(raw)), 500),
			Severity:    "warning",
		}
	}
	d.ForbidStrategies = knownStrategies(d.ForbidStrategies)
	return d
}

// knownStrategies drops forbid codes the fix engine does not recognize.
func knownStrategies(in []models.FixStrategy) []models.FixStrategy {
	var out []models.FixStrategy
	for _, s := range in {
		switch s {
		case models.FixTargetedPatch, models.FixDeepAnalysis, models.FixRegenerate,
			models.FixSimplify, models.FixResearch:
			out = append(out, s)
		}
	}
	return out
}
