package chunker

import (
	"regexp"
	"strings"
)

// sentenceRE matches a run of text up to and including its terminator.
var sentenceRE = regexp.MustCompile(`[^.!?]+[.!?]+`)

// SplitSentences splits text into sentences on '.', '!' and '?' terminators.
// Terminators stay attached to their sentence. A trailing run without a
// terminator is returned as a final sentence. Whitespace-only segments are
// dropped, so whitespace-only input yields no sentences.
func SplitSentences(text string) []string {
	var sentences []string

	last := 0
	for _, m := range sentenceRE.FindAllStringIndex(text, -1) {
		seg := strings.TrimSpace(text[m[0]:m[1]])
		if seg != "" {
			sentences = append(sentences, seg)
		}
		last = m[1]
	}

	if rest := strings.TrimSpace(text[last:]); rest != "" {
		sentences = append(sentences, rest)
	}

	return sentences
}

// TokenCount returns the whitespace-token count of s. The chunk budget
// bounds index payload size; it does not need to agree with any model's
// tokenizer.
func TokenCount(s string) int {
	return len(strings.Fields(s))
}
