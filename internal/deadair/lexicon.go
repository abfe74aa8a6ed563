package deadair

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// holdOnPhrases are caller signals that silence is intentional and the
// supervisor should wait longer before checking in.
var holdOnPhrases = []string{
	"hold on",
	"wait",
	"one moment",
	"give me a second",
	"hang on",
	"just a sec",
	"one sec",
	"hold please",
}

// fuzzyThreshold is the minimum Jaro-Winkler score for a sloppy transcript
// to count as a hold-on phrase ("holdon", "one secund").
const fuzzyThreshold = 0.88

// ackWords are bare acknowledgments. An utterance made only of these does
// not reset the check-in counter; the caller confirmed presence but moved
// nothing forward.
var ackWords = map[string]bool{
	"ok": true, "okay": true, "yes": true, "yeah": true, "yep": true,
	"sure": true, "right": true, "mhm": true, "mm": true, "hmm": true,
	"uh": true, "huh": true, "um": true, "alright": true, "fine": true,
}

// IsHoldOn reports whether the utterance asks the agent to wait. Exact
// substring matches are checked first, then a fuzzy pass over token windows
// to absorb transcription noise.
func IsHoldOn(utterance string) bool {
	norm := normalize(utterance)
	if norm == "" {
		return false
	}
	for _, phrase := range holdOnPhrases {
		if strings.Contains(norm, phrase) {
			return true
		}
	}

	tokens := strings.Fields(norm)
	for _, phrase := range holdOnPhrases {
		width := len(strings.Fields(phrase))
		for i := 0; i+width <= len(tokens); i++ {
			window := strings.Join(tokens[i:i+width], " ")
			if matchr.JaroWinkler(window, phrase, false) >= fuzzyThreshold {
				return true
			}
		}
	}
	return false
}

// IsMeaningful reports whether the utterance carries content beyond bare
// acknowledgment.
func IsMeaningful(utterance string) bool {
	tokens := strings.Fields(normalize(utterance))
	if len(tokens) == 0 {
		return false
	}
	for _, tok := range tokens {
		if !ackWords[tok] {
			return true
		}
	}
	return false
}

// normalize lowercases and strips punctuation for lexicon matching.
func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ', r == '\'':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
