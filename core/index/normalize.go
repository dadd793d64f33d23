package index

import (
	"strings"
	"unicode"
)

// defaultStopwords are dropped during normalization. Seeded with the
// filler words that dominate release-style file names.
var defaultStopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {},
	"web": {}, "rip": {}, "www": {}, "com": {}, "net": {},
	"x264": {}, "x265": {}, "aac": {}, "mkv": {}, "mp4": {}, "avi": {},
}

// Normalizer turns display names and queries into keyword tokens.
type Normalizer struct {
	minLen    int
	stopwords map[string]struct{}
}

// NewNormalizer builds a normalizer. minLen below 2 is clamped to 2;
// extra stopwords extend the default set.
func NewNormalizer(minLen int, extraStopwords []string) *Normalizer {
	if minLen < 2 {
		minLen = 2
	}
	stop := make(map[string]struct{}, len(defaultStopwords)+len(extraStopwords))
	for w := range defaultStopwords {
		stop[w] = struct{}{}
	}
	for _, w := range extraStopwords {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			stop[w] = struct{}{}
		}
	}
	return &Normalizer{minLen: minLen, stopwords: stop}
}

// Tokens lowercases, splits on non-alphanumeric boundaries, and drops
// short tokens and stopwords. The result is a set: no duplicates.
func (n *Normalizer) Tokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < n.minLen {
			continue
		}
		if _, stop := n.stopwords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
