// Package classify grades a request along two axes, complexity
// (simple/medium/heavy) and project size (small/medium/large), by
// fusing keyword signals with an optional one-shot model vote. The
// grade drives model routing and context-window scaling; misgrading
// low wastes fix iterations, so every fusion step takes the larger
// value.
package classify

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/kilnworks/kiln/internal/ollama"
	"github.com/kilnworks/kiln/internal/route"
	"github.com/kilnworks/kiln/pkg/models"
)

// Classifier fuses the keyword phase with the model phase.
type Classifier struct {
	client *ollama.Client
	router *route.Router
}

// New builds a classifier. The router supplies the fastest installed
// classifier model; a nil router disables the model phase.
func New(client *ollama.Client, router *route.Router) *Classifier {
	return &Classifier{client: client, router: router}
}

// Classify grades one request against the current workspace. It never
// fails: a dead model server degrades to the keyword phase, and a
// signal-free request defaults to medium/medium rather than starving a
// vague prompt of resources.
func (c *Classifier) Classify(ctx context.Context, prompt string, ws models.WorkspaceScan) models.Classification {
	out := models.Classification{FileCount: ws.FileCount()}

	kwComplexity, kwSize, matched := Keyword(prompt)
	if matched {
		out.KeywordComplexity = kwComplexity
	}

	llmComplexity, llmSize, model, voted := c.modelPhase(ctx, prompt, ws)
	if voted {
		out.ModelComplexity = llmComplexity
		out.ModelSize = llmSize
		out.ClassifierModel = model
	}

	switch {
	case matched && voted:
		out.Complexity = maxComplexity(kwComplexity, llmComplexity)
		out.Size = maxSize(kwSize, llmSize)
	case matched:
		out.Complexity, out.Size = kwComplexity, kwSize
	case voted:
		out.Complexity, out.Size = llmComplexity, llmSize
	default:
		out.Complexity, out.Size = models.ComplexityMedium, models.SizeMedium
	}

	out.Size = maxSize(out.Size, workspaceSize(ws.FileCount()))

	log.Debug().
		Str("complexity", string(out.Complexity)).
		Str("size", string(out.Size)).
		Int("files", out.FileCount).
		Str("classifier_model", out.ClassifierModel).
		Msg("request classified")
	return out
}

// ── Phase A: keyword scoring ─────────────────────────────────────────

var heavyPatterns = []*regexp.Regexp{
	// App-clone phrasing: a brand name near for/like/clone.
	regexp.MustCompile(`\b(?:tinder|uber|airbnb|instagram|twitter|whatsapp|spotify|netflix|amazon|slack|discord|reddit|youtube|facebook|linkedin|trello|notion|shopify|etsy|doordash|venmo|paypal)\b.*\b(?:for|like|clone)\b`),
	regexp.MustCompile(`\b(?:for|like|clone)\b.*\b(?:tinder|uber|airbnb|instagram|twitter|whatsapp|spotify|netflix|amazon|slack|discord|reddit|youtube|facebook|linkedin|trello|notion|shopify|etsy|doordash|venmo|paypal)\b`),
	regexp.MustCompile(`\b(?:social network|marketplace|dating app|matching system|recommendation engine|booking|saas|fintech)\b`),
	regexp.MustCompile(`\b(?:dating|ride.?sharing|food.?delivery|social.?media|e.?commerce|messaging|streaming)\s+(?:app|platform|site|website|service)\b`),
}

var mediumPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(?:web app|mobile app|website|dashboard|game|analytics|profile|search|forum|blog|chat app|rest api|crud)\b`),
}

var simplePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(?:simple|basic|tiny|minimal|calculator|todo|to-do|landing page|hello world|single page|one file|script)\b`),
}

var buildPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(?:build|create|scaffold|bootstrap)\b`),
	regexp.MustCompile(`\bmake\s+(?:me|a|an|the|my)\b`),
	regexp.MustCompile(`\bwant\s+(?:you\s+)?to\s+(?:build|create|make|develop|write)\b`),
}

// Keyword is the deterministic phase. Heavy signals weigh double and
// build phrasing multiplies all matched weight by 1.5; ties resolve
// toward the heavier grade. matched is false when no signal set fired.
func Keyword(prompt string) (models.Complexity, models.ProjectSize, bool) {
	lower := strings.ToLower(strings.TrimSpace(prompt))
	if lower == "" {
		return "", "", false
	}

	heavy := 2.0 * float64(countMatches(heavyPatterns, lower))
	medium := 1.0 * float64(countMatches(mediumPatterns, lower))
	simple := 1.0 * float64(countMatches(simplePatterns, lower))

	if countMatches(buildPatterns, lower) > 0 {
		heavy *= 1.5
		medium *= 1.5
		simple *= 1.5
	}

	switch {
	case heavy > 0 && heavy >= medium && heavy >= simple:
		return models.ComplexityHeavy, models.SizeLarge, true
	case medium > 0 && medium >= simple:
		return models.ComplexityMedium, models.SizeMedium, true
	case simple > 0:
		return models.ComplexitySimple, models.SizeSmall, true
	}
	return "", "", false
}

func countMatches(patterns []*regexp.Regexp, s string) int {
	n := 0
	for _, p := range patterns {
		if p.MatchString(s) {
			n++
		}
	}
	return n
}

// ── Phase B: model vote ──────────────────────────────────────────────

const classifySystem = `You grade coding requests. Reply with exactly one label of the form complexity/size, where complexity is one of simple, medium, heavy and size is one of small, medium, large. Examples: simple/small, medium/medium, heavy/large. Reply with the label only.`

var labelRe = regexp.MustCompile(`(simple|medium|heavy)\s*/\s*(small|medium|large)`)

func (c *Classifier) modelPhase(ctx context.Context, prompt string, ws models.WorkspaceScan) (models.Complexity, models.ProjectSize, string, bool) {
	if c.router == nil || c.client == nil {
		return "", "", "", false
	}
	model, err := c.router.ClassifierModel(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("classifier model unavailable, keyword phase only")
		return "", "", "", false
	}

	user := fmt.Sprintf("Request: %s\n\nWorkspace: %d files", prompt, ws.FileCount())
	if ws.ProjectType != "" && ws.ProjectType != "Unknown" {
		user += fmt.Sprintf(" (%s)", ws.ProjectType)
	}
	user += "\n\nLabel:"

	text, err := c.client.Chat(ctx, ollama.ChatRequest{
		Model: model,
		Messages: []models.ChatMessage{
			{Role: "system", Content: classifySystem},
			{Role: "user", Content: user},
		},
		Options:        models.ChatOptions{Temperature: 0.1, TopP: 0.9},
		StripReasoning: true,
	})
	if err != nil {
		log.Debug().Err(err).Str("model", model).Msg("classifier call failed, keyword phase only")
		return "", "", "", false
	}

	m := labelRe.FindStringSubmatch(strings.ToLower(text))
	if m == nil {
		log.Debug().Str("model", model).Str("reply", clip(text, 80)).Msg("unparseable classifier label ignored")
		return "", "", "", false
	}
	return models.Complexity(m[1]), models.ProjectSize(m[2]), model, true
}

// ── Fusion helpers ───────────────────────────────────────────────────

func workspaceSize(files int) models.ProjectSize {
	switch {
	case files > 10:
		return models.SizeLarge
	case files >= 4:
		return models.SizeMedium
	}
	return models.SizeSmall
}

func maxComplexity(a, b models.Complexity) models.Complexity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

func maxSize(a, b models.ProjectSize) models.ProjectSize {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
