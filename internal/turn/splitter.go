// Package turn orchestrates one user turn end to end: webhook guard,
// knowledge-base context, LLM dispatch through the flow interpreter, and
// incremental sentence delivery to the player.
package turn

import (
	"strings"
	"unicode"
)

// weakMinLen is the minimum buffered length before a weak boundary (comma,
// semicolon, dash) may cut a fragment. Short clauses ride along with the
// next fragment so playback does not sound choppy.
const weakMinLen = 48

// Splitter cuts streamed LLM text into speakable fragments. Strong
// sentence enders always cut; weak clause boundaries cut only once the
// buffer is long enough to be worth synthesising on its own.
//
// Not safe for concurrent use; each turn owns its own Splitter.
type Splitter struct {
	buf strings.Builder
}

// Write appends streamed text and returns any fragments completed by it,
// in order.
func (s *Splitter) Write(text string) []string {
	s.buf.WriteString(text)

	var out []string
	for {
		fragment, rest, ok := cut(s.buf.String())
		if !ok {
			return out
		}
		s.buf.Reset()
		s.buf.WriteString(rest)
		if fragment != "" {
			out = append(out, fragment)
		}
	}
}

// Flush returns whatever remains buffered, trimmed. Call once the stream
// ends.
func (s *Splitter) Flush() string {
	rest := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return rest
}

// cut finds the earliest usable boundary in buf and splits there.
func cut(buf string) (fragment, rest string, ok bool) {
	runes := []rune(buf)
	for i := 0; i < len(runes)-1; i++ {
		r, next := runes[i], runes[i+1]
		if !unicode.IsSpace(next) {
			continue
		}
		switch {
		case strongBoundary(r):
		case weakBoundary(r) && i+1 >= weakMinLen:
		default:
			continue
		}
		return strings.TrimSpace(string(runes[:i+1])), strings.TrimLeftFunc(string(runes[i+1:]), unicode.IsSpace), true
	}
	return "", buf, false
}

func strongBoundary(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func weakBoundary(r rune) bool {
	return r == ',' || r == ';' || r == ':' || r == '—'
}
