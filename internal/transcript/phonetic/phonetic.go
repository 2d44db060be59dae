// Package phonetic matches misheard words against a vocabulary of known
// terms using Double Metaphone codes and Jaro-Winkler similarity.
//
// A term is a candidate when any of its Double Metaphone codes overlaps with
// a code of the input. The candidate with the highest Jaro-Winkler score wins
// if that score reaches the phonetic threshold. Without any phonetic
// candidate, a plain Jaro-Winkler comparison against every term is accepted
// above the stricter fuzzy threshold.
//
// Terms may span several words ("Tower of Whispers"). Phrases of equal
// length are compared word by word in order, so a phrase that merely shares
// one word with a term scores low.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option is a functional option for [New].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a
// phonetically matching term. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a term that
// shares no phonetic code with the input. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a Matcher configured with opts.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// term is one vocabulary entry with its codes computed once.
type term struct {
	original string
	lower    string
	tokens   []string
	codes    map[string]struct{}
}

// Terms is a prepared vocabulary. Build it once per vocabulary with
// [Prepare] and share it between goroutines.
type Terms struct {
	terms    []term
	maxWords int
}

// Prepare computes the phonetic codes of every non-blank entry of vocabulary.
func Prepare(vocabulary []string) *Terms {
	ts := &Terms{terms: make([]term, 0, len(vocabulary))}
	for _, v := range vocabulary {
		lower := strings.ToLower(strings.TrimSpace(v))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		ts.terms = append(ts.terms, term{
			original: v,
			lower:    lower,
			tokens:   tokens,
			codes:    codesForTokens(tokens),
		})
		ts.maxWords = max(ts.maxWords, len(tokens))
	}
	return ts
}

// Len returns the number of usable terms.
func (ts *Terms) Len() int {
	if ts == nil {
		return 0
	}
	return len(ts.terms)
}

// MaxWords returns the word count of the longest term, or 0 when empty.
func (ts *Terms) MaxWords() int {
	if ts == nil {
		return 0
	}
	return ts.maxWords
}

// Match finds the term of vocabulary that best matches word. word may be a
// single word or a space-separated phrase.
//
// When matched is false, corrected equals word and confidence is 0.
func (m *Matcher) Match(word string, vocabulary []string) (corrected string, confidence float64, matched bool) {
	return m.MatchPrepared(word, Prepare(vocabulary))
}

// MatchPrepared is [Matcher.Match] against a prepared vocabulary.
func (m *Matcher) MatchPrepared(word string, ts *Terms) (corrected string, confidence float64, matched bool) {
	input := strings.ToLower(strings.TrimSpace(word))
	if ts.Len() == 0 || input == "" {
		return word, 0, false
	}
	inputTokens := strings.Fields(input)
	inputCodes := codesForTokens(inputTokens)

	var (
		best         *term
		bestScore    float64
		bestPhonetic bool
	)
	for i := range ts.terms {
		t := &ts.terms[i]
		score := bestJaroWinkler(inputTokens, t.tokens, input, t.lower)

		if codesOverlap(inputCodes, t.codes) {
			if score >= m.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = t, score, true
			}
			continue
		}
		if !bestPhonetic && score >= m.fuzzyThreshold && score > bestScore {
			best, bestScore = t, score
		}
	}

	if best == nil {
		return word, 0, false
	}
	return best.original, bestScore, true
}

// codesForTokens returns the union of the non-empty Double Metaphone codes
// of tokens.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJaroWinkler scores input against term. When either side is a single
// word the full strings, the best word pair and the input with spaces
// removed are compared. Phrases of equal length compare word by word in
// order; otherwise both sides are compared with spaces removed.
func bestJaroWinkler(inputTokens, termTokens []string, input, term string) float64 {
	ni, nt := len(inputTokens), len(termTokens)
	switch {
	case ni == 1 || nt == 1:
		score := matchr.JaroWinkler(input, term, false)
		for _, it := range inputTokens {
			for _, tt := range termTokens {
				score = max(score, matchr.JaroWinkler(it, tt, false))
			}
		}
		if ni > 1 {
			score = max(score, matchr.JaroWinkler(strings.Join(inputTokens, ""), term, false))
		}
		return score
	case ni == nt:
		var sum float64
		for i := range inputTokens {
			sum += matchr.JaroWinkler(inputTokens[i], termTokens[i], false)
		}
		return sum / float64(ni)
	default:
		return matchr.JaroWinkler(strings.Join(inputTokens, ""), strings.Join(termTokens, ""), false)
	}
}
