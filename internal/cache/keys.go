// Package cache provides query normalization and similarity matching for
// the knowledge tier.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"unicode"
)

// NormalizeQuery canonicalizes free text for L3 keying: lowercase, strip
// punctuation, collapse whitespace.
func NormalizeQuery(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	lastSpace := true
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// QueryKey hashes a normalized query into an L3 cache key.
func QueryKey(text string) string {
	sum := sha256.Sum256([]byte(NormalizeQuery(text)))
	return "q:" + hex.EncodeToString(sum[:16])
}

// similarityIndex keeps a bounded ring of recently stored normalized
// queries so near-duplicate questions can reuse L3 entries.
type similarityIndex struct {
	mu      sync.Mutex
	entries []string
	max     int
}

func newSimilarityIndex(max int) *similarityIndex {
	if max <= 0 {
		max = 256
	}
	return &similarityIndex{max: max}
}

func (s *similarityIndex) add(normalized string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, normalized)
	if len(s.entries) > s.max {
		s.entries = s.entries[len(s.entries)-s.max:]
	}
}

// bestMatch returns the stored query with the highest token Jaccard
// similarity to the input, if it meets the threshold.
func (s *similarityIndex) bestMatch(normalized string, threshold float64) (string, bool) {
	tokens := tokenSet(normalized)
	if len(tokens) == 0 {
		return "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	best := ""
	bestScore := 0.0
	for _, candidate := range s.entries {
		score := jaccard(tokens, tokenSet(candidate))
		if score > bestScore {
			bestScore = score
			best = candidate
		}
	}
	if bestScore >= threshold {
		return best, true
	}
	return "", false
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(s) {
		set[tok] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
