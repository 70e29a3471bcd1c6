package ollama

import "strings"

const (
	openMark  = "<think>"
	closeMark = "</think>"
)

// traceStripper removes reasoning spans from a token stream. Markers
// can arrive split across chunks, so the stripper holds back any tail
// that could still become a marker. An unterminated span is restored
// verbatim at flush because without a closer it was never a span.
type traceStripper struct {
	enabled bool
	inSpan  bool
	pending string
	span    strings.Builder
}

func newTraceStripper(enabled bool) *traceStripper {
	return &traceStripper{enabled: enabled}
}

// feed consumes one raw chunk and returns the visible portion.
func (t *traceStripper) feed(chunk string) string {
	if !t.enabled {
		return chunk
	}
	data := t.pending + chunk
	t.pending = ""

	var out strings.Builder
	for {
		if t.inSpan {
			if i := strings.Index(data, closeMark); i >= 0 {
				t.span.Reset()
				data = data[i+len(closeMark):]
				t.inSpan = false
				continue
			}
			keep := overlapSuffix(data, closeMark)
			t.span.WriteString(data[:len(data)-len(keep)])
			t.pending = keep
			return out.String()
		}
		if i := strings.Index(data, openMark); i >= 0 {
			out.WriteString(data[:i])
			data = data[i+len(openMark):]
			t.inSpan = true
			continue
		}
		keep := overlapSuffix(data, openMark)
		out.WriteString(data[:len(data)-len(keep)])
		t.pending = keep
		return out.String()
	}
}

// flush returns whatever held-back text turned out to be literal.
func (t *traceStripper) flush() string {
	if !t.enabled {
		return ""
	}
	if t.inSpan {
		s := openMark + t.span.String() + t.pending
		t.span.Reset()
		t.pending = ""
		t.inSpan = false
		return s
	}
	s := t.pending
	t.pending = ""
	return s
}

// overlapSuffix finds the longest suffix of s that is a proper prefix
// of marker.
func overlapSuffix(s, marker string) string {
	max := len(marker) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(marker, s[len(s)-n:]) {
			return s[len(s)-n:]
		}
	}
	return ""
}
