// Package tokenizer extracts normalized keyword stems from free text:
// lowercasing, stop-word removal, Porter stemming via snowball, and a
// length filter. Extraction is deterministic for identical input.
package tokenizer

import (
	"strings"
	"unicode"

	"github.com/kljensen/snowball"
)

const (
	minTokenLen = 3
	maxTokenLen = 32
)

// Term is one extracted keyword: Key is the lowercased stem used for
// indexing, Display the surface form at its first occurrence.
type Term struct {
	Key     string
	Display string
}

// Tokenizer turns raw text into a deduplicated, ordered set of keyword terms.
type Tokenizer struct {
	stopWords map[string]struct{}
}

// New creates a Tokenizer with the default English stop-word list.
func New() *Tokenizer {
	stop := make(map[string]struct{}, len(stopWords))
	for _, w := range stopWords {
		stop[w] = struct{}{}
	}
	return &Tokenizer{stopWords: stop}
}

// Terms extracts keyword terms in order of first occurrence, one per stem.
func (t *Tokenizer) Terms(text string) []Term {
	var terms []Term
	seen := make(map[string]struct{})

	for _, word := range splitWords(text) {
		lower := strings.ToLower(word)
		if len(lower) < minTokenLen || len(lower) > maxTokenLen {
			continue
		}
		if _, ok := t.stopWords[lower]; ok {
			continue
		}

		key, err := snowball.Stem(lower, "english", true)
		if err != nil || key == "" {
			key = lower
		}
		if len(key) < minTokenLen {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		terms = append(terms, Term{Key: key, Display: word})
	}
	return terms
}

// Extract returns only the stem keys, in order of first occurrence. Returns
// nil when no token survives filtering.
func (t *Tokenizer) Extract(text string) []string {
	terms := t.Terms(text)
	if len(terms) == 0 {
		return nil
	}
	keys := make([]string, len(terms))
	for i, term := range terms {
		keys[i] = term.Key
	}
	return keys
}

// splitWords breaks text on anything that is not a letter, digit, or
// intra-word apostrophe, then strips the apostrophe suffix ("don't" → "dont").
func splitWords(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, "'", "")
		if f != "" {
			words = append(words, f)
		}
	}
	return words
}

// stopWords is a compact English stop-word list. Keyword extraction targets
// topical terms; grammatical glue contributes nothing to the entity graph.
var stopWords = []string{
	"the", "and", "for", "are", "but", "not", "you", "all", "any", "can",
	"had", "her", "was", "one", "our", "out", "has", "him", "his", "how",
	"man", "new", "now", "old", "see", "two", "way", "who", "did", "get",
	"may", "say", "she", "too", "use", "that", "with", "have", "this",
	"will", "your", "from", "they", "know", "want", "been", "good", "much",
	"some", "time", "very", "when", "come", "here", "just", "like", "long",
	"make", "many", "more", "only", "over", "such", "take", "than", "them",
	"well", "were", "what", "about", "after", "again", "could", "every",
	"first", "found", "great", "might", "other", "shall", "should", "still",
	"their", "there", "these", "thing", "think", "those", "through", "under",
	"where", "which", "while", "would", "please", "tell", "give", "also",
	"into", "does", "doing", "being", "because", "before", "between", "both",
	"each", "then", "once", "same", "itself", "yourself", "myself",
}
