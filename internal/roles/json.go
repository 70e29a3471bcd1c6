package roles

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/kilnworks/kiln/pkg/models"
)

var (
	thinkRe     = regexp.MustCompile(`(?s)<think>.*?</think>`)
	jsonFenceRe = regexp.MustCompile("(?s)```(?:json)?[ \t]*\n?(.*?)```")
)

func stripThink(s string) string {
	return thinkRe.ReplaceAllString(s, "")
}

// ExtractJSON pulls the first well-formed JSON object out of model
// output into dst. Reasoning spans are dropped first; a fenced block is
// preferred when present; then a brace-depth scan decodes the first
// balanced object that unmarshals cleanly. Braces inside the object's
// strings can defeat the depth count, in which case the scan moves on
// to the next balanced candidate.
func ExtractJSON(text string, dst any) error {
	text = stripThink(text)
	if m := jsonFenceRe.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}

	depth, start := 0, -1
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				if json.Unmarshal([]byte(text[start:i+1]), dst) == nil {
					return nil
				}
			}
		}
	}
	return &models.ParseError{Reason: "no JSON object in model output"}
}
