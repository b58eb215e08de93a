// Package signature normalizes raw message text into canonical trigger
// signatures used for fast pre-filtering, keyword-fallback ranking, and
// near-duplicate detection.
//
// Normalization is deterministic and pure: no I/O, no clock, no
// randomness. It is also idempotent - Normalize(string(Normalize(t)))
// equals Normalize(t) - so signatures can be safely re-normalized when
// round-tripped through storage.
package signature

import (
	"regexp"
	"strings"
)

// Signature is the canonical normalized form of message text.
type Signature string

// Placeholder tokens substituted for volatile message content. They are
// fixed points of Normalize: lowercase, digit-free, and brace-delimited
// so none of the substitution passes can touch them again.
const (
	PlaceholderEmail  = "{email}"
	PlaceholderPhone  = "{phone}"
	PlaceholderTime   = "{time}"
	PlaceholderNumber = "{number}"
	PlaceholderName   = "{name}"
)

var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phoneRe = regexp.MustCompile(`\+?\d[\d\-\s().]{7,}\d`)
	timeRe  = regexp.MustCompile(`\b\d{1,2}(:\d{2})?\s*(am|pm|AM|PM)\b`)
	// numberRe deliberately excludes digits inside {...} so existing
	// placeholders survive re-normalization.
	numberRe = regexp.MustCompile(`\b\d+(\.\d+)?\b`)
	// greetingNameRe catches "hi john", "thanks mike," style mentions.
	greetingNameRe = regexp.MustCompile(`\b(hi|hey|hello|thanks|thank you|dear)\s+([a-z]+)\b`)
	punctRe        = regexp.MustCompile(`[^a-z0-9{}\s]+`)
	spaceRe        = regexp.MustCompile(`\s+`)
)

// commonWords are never treated as names after a greeting.
var commonWords = map[string]bool{
	"there": true, "all": true, "guys": true, "team": true, "everyone": true,
	"for": true, "so": true, "again": true, "and": true, "you": true,
}

// Normalize converts raw message text into its canonical signature:
// lowercased, volatile tokens replaced by placeholders, punctuation
// stripped, whitespace collapsed.
func Normalize(text string) Signature {
	s := strings.ToLower(strings.TrimSpace(text))

	s = emailRe.ReplaceAllString(s, PlaceholderEmail)
	s = phoneRe.ReplaceAllString(s, PlaceholderPhone)
	s = timeRe.ReplaceAllString(s, PlaceholderTime)
	s = numberRe.ReplaceAllString(s, PlaceholderNumber)

	s = greetingNameRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := greetingNameRe.FindStringSubmatch(m)
		word := sub[2]
		if commonWords[word] || strings.HasPrefix(word, "{") {
			return m
		}
		return sub[1] + " " + PlaceholderName
	})

	s = punctRe.ReplaceAllString(s, " ")
	s = spaceRe.ReplaceAllString(s, " ")

	return Signature(strings.TrimSpace(s))
}

// Tokens splits the signature into whitespace-delimited tokens.
func (s Signature) Tokens() []string {
	if s == "" {
		return nil
	}
	return strings.Fields(string(s))
}

// Trigrams returns the set of character trigrams of the signature,
// padded the way pg_trgm pads ("  ab", " abc", ..., "bc ").
func (s Signature) Trigrams() map[string]bool {
	set := make(map[string]bool)
	for _, word := range s.Tokens() {
		padded := "  " + word + " "
		for i := 0; i+3 <= len(padded); i++ {
			set[padded[i:i+3]] = true
		}
	}
	return set
}

// Similarity computes Jaccard similarity over character trigrams of two
// signatures, in [0,1]. Used for the keyword-only candidate path and
// for near-duplicate detection at import/merge time.
func Similarity(a, b Signature) float64 {
	ta, tb := a.Trigrams(), b.Trigrams()
	if len(ta) == 0 || len(tb) == 0 {
		if string(a) == string(b) && a != "" {
			return 1.0
		}
		return 0.0
	}
	inter := 0
	for t := range ta {
		if tb[t] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}
