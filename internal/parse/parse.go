// Package parse extracts file writes and run commands from raw model
// responses. Models are instructed to emit `===FILE: path===` blocks, but
// in practice they drift into fenced variants, markdown headings, or drop
// the closing marker entirely, so extraction tries several recognizers and
// keeps the first write per path.
//
// Recognized shapes:
//   - strict:  ===FILE: path===\n<content>\n===END===
//   - fenced:  ===FILE: path===\n```lang\n<content>\n```
//   - raw:     ===FILE: path===\n<content until next marker or EOT>
//   - heading: ### path / **path** followed by a fenced block
//
// Commands use `===RUN: cmd===` and `===BACKGROUND: cmd===` markers and are
// collected independently of file blocks. Display text is the response with
// every recognized block removed and blank runs collapsed.
package parse

import (
	"regexp"
	"sort"
	"strings"

	"github.com/kilnworks/kiln/pkg/models"
)

// MaxPathLen caps the accepted length of an extracted file path. Paths
// beyond this are treated as prose the recognizer misread.
const MaxPathLen = 200

// ── Recognizer patterns ─────────────────────────────

var (
	// Models sometimes wrap the whole marker protocol in an outer fence.
	// Unwrap fence lines that sit directly on top of a marker, and closing
	// fences glued to ===END===, before any recognizer runs.
	fencedMarkerRe = regexp.MustCompile("(?m)^```\\w*[ \t]*\n(===(?:FILE|END))")

	strictRe = regexp.MustCompile(`(?s)===FILE:\s*(.+?)\s*===[ \t]*\n(.*?)===END===`)
	fencedRe = regexp.MustCompile("(?s)===FILE:\\s*(.+?)\\s*===[ \t]*\n```\\w*[ \t]*\n(.*?)\n```")
	markerRe = regexp.MustCompile(`===FILE:\s*(.+?)\s*===[ \t]*\n`)

	// Heading form: a short markdown heading or bold run naming a file,
	// then a fenced block with the content.
	headingRe = regexp.MustCompile("(?s)(?:^|\n)" +
		"(?:#{1,4}[ \t]+(?:(?:FILE|File|Updated|Modified)[:\\s]+)?[`'\"]?([a-zA-Z0-9_/.\\\\ -]+\\.[a-zA-Z0-9]+)[`'\"]?" +
		"|\\*\\*([a-zA-Z0-9_/.\\\\ -]+\\.[a-zA-Z0-9]+)\\*\\*)" +
		"[ \t]*\n+```\\w*[ \t]*\n(.*?)\n```")

	commandRe  = regexp.MustCompile(`(?i)===(RUN|BACKGROUND):\s*(.+?)\s*===`)
	cmdBreakRe = regexp.MustCompile(`\n===(?:RUN|BACKGROUND):`)

	strayEndRe   = regexp.MustCompile(`(?m)^===END===[ \t]*$[\r\n]?`)
	leadFenceRe  = regexp.MustCompile("^```[\\w.+-]*[ \t]*\n?")
	trailFenceRe = regexp.MustCompile("\n?```[ \t]*$")

	wholeFenceRe = regexp.MustCompile("(?s)^```\\w*[ \t]*\n(.*?)```[ \t]*$")
	anyFenceRe   = regexp.MustCompile("(?s)```\\w*[ \t]*\n(.*?)```")

	blankRunRe = regexp.MustCompile(`\n{3,}`)
)

// ── Parsing ─────────────────────────────

// Parse extracts file changes, run commands, and residual display text from
// a model response. It never fails: unrecognizable input comes back as
// display text with no files and no commands.
func Parse(text string) models.ParsedResponse {
	norm := normalize(text)
	e := &extractor{text: norm, seen: make(map[string]bool)}

	e.strictBlocks()
	e.fencedBlocks()
	if len(e.files) == 0 {
		e.rawBlocks()
	}
	e.headingBlocks()

	cmds, cmdSpans := commands(norm)
	e.spans = append(e.spans, cmdSpans...)

	return models.ParsedResponse{
		Files:    e.files,
		Commands: cmds,
		Display:  residual(norm, e.spans),
	}
}

// EmitFileBlock renders one file change in the canonical marker form that
// Parse recognizes first. Content is terminated with a single newline so
// that emitting and re-parsing a change reproduces it exactly.
func EmitFileBlock(path, content string) string {
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return "===FILE: " + path + "===\n" + content + "===END===\n"
}

// StripFences unwraps a response that the model wrapped in a markdown code
// fence. If the entire text is one fenced block the inner content is
// returned; otherwise a single embedded block is unwrapped only when it
// dominates the text, so short inline examples survive intact.
func StripFences(text string) string {
	text = strings.TrimSpace(text)
	if m := wholeFenceRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := anyFenceRe.FindStringSubmatch(text); m != nil {
		if inner := strings.TrimSpace(m[1]); len(inner)*10 > len(text)*3 {
			return inner
		}
	}
	return text
}

func normalize(text string) string {
	text = fencedMarkerRe.ReplaceAllString(text, "$1")
	return strings.ReplaceAll(text, "\n===END===\n```", "\n===END===")
}

// extractor accumulates file writes and the text spans each recognizer
// claimed, so display text can be rebuilt from the gaps.
type extractor struct {
	text  string
	files []models.FileChange
	seen  map[string]bool
	spans [][2]int
}

func (e *extractor) strictBlocks() {
	for _, m := range strictRe.FindAllStringSubmatchIndex(e.text, -1) {
		e.spans = append(e.spans, [2]int{m[0], m[1]})
		e.add(e.text[m[2]:m[3]], e.text[m[4]:m[5]])
	}
}

func (e *extractor) fencedBlocks() {
	for _, m := range fencedRe.FindAllStringSubmatchIndex(e.text, -1) {
		e.spans = append(e.spans, [2]int{m[0], m[1]})
		e.add(e.text[m[2]:m[3]], e.text[m[4]:m[5]])
	}
}

// rawBlocks handles responses where the model opened file markers but never
// closed them. Content runs to the next marker, the first command marker,
// or end of text. Only consulted when the closed forms matched nothing.
func (e *extractor) rawBlocks() {
	markers := markerRe.FindAllStringSubmatchIndex(e.text, -1)
	for i, m := range markers {
		start := m[1]
		end := len(e.text)
		if i+1 < len(markers) {
			end = markers[i+1][0]
		} else if loc := cmdBreakRe.FindStringIndex(e.text[start:]); loc != nil {
			end = start + loc[0]
		}
		e.spans = append(e.spans, [2]int{m[0], end})
		e.add(e.text[m[2]:m[3]], e.text[start:end])
	}
}

func (e *extractor) headingBlocks() {
	for _, m := range headingRe.FindAllStringSubmatchIndex(e.text, -1) {
		path := submatch(e.text, m, 1)
		if path == "" {
			path = submatch(e.text, m, 2)
		}
		content := submatch(e.text, m, 3)
		if !strings.Contains(path, ".") || len(strings.TrimSpace(content)) <= 5 {
			continue
		}
		e.spans = append(e.spans, [2]int{m[0], m[1]})
		e.add(path, content)
	}
}

// add applies path and content sanitation and records the write. The first
// recognizer to claim a path wins; later duplicates are dropped.
func (e *extractor) add(path, body string) {
	path = strings.TrimLeft(strings.TrimSpace(path), "/")
	content := stripContentFences(body)
	content = strayEndRe.ReplaceAllString(content, "")
	content = strings.TrimSpace(content)

	if path == "" || content == "" || e.seen[path] {
		return
	}
	if len(path) > MaxPathLen || strings.Contains(path, "\n") {
		return
	}
	e.seen[path] = true
	e.files = append(e.files, models.FileChange{Path: path, Content: content + "\n"})
}

// stripContentFences removes a leading fence line and a trailing closing
// fence from a captured block body, whatever the language tag.
func stripContentFences(content string) string {
	content = strings.TrimSpace(content)
	content = leadFenceRe.ReplaceAllString(content, "")
	content = trailFenceRe.ReplaceAllString(content, "")
	return strings.TrimSpace(content)
}

func commands(text string) ([]models.RunCommand, [][2]int) {
	var cmds []models.RunCommand
	var spans [][2]int
	for _, m := range commandRe.FindAllStringSubmatchIndex(text, -1) {
		spans = append(spans, [2]int{m[0], m[1]})
		cmd := strings.TrimSpace(text[m[4]:m[5]])
		if cmd == "" {
			continue
		}
		cmds = append(cmds, models.RunCommand{
			Command:    cmd,
			Background: strings.EqualFold(text[m[2]:m[3]], "BACKGROUND"),
		})
	}
	return cmds, spans
}

// residual rebuilds display text from the regions no recognizer claimed.
func residual(text string, spans [][2]int) string {
	if len(spans) == 0 {
		return collapse(text)
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i][0] < spans[j][0] })

	var b strings.Builder
	prev := 0
	for _, sp := range spans {
		if sp[0] > prev {
			b.WriteString(text[prev:sp[0]])
		}
		if sp[1] > prev {
			prev = sp[1]
		}
	}
	b.WriteString(text[prev:])
	return collapse(b.String())
}

func collapse(s string) string {
	return strings.TrimSpace(blankRunRe.ReplaceAllString(s, "\n\n"))
}

func submatch(text string, m []int, group int) string {
	if m[2*group] < 0 {
		return ""
	}
	return text[m[2*group]:m[2*group+1]]
}
