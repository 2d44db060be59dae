package transcript

import (
	"strings"
	"sync/atomic"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/vadscribe/internal/transcript/phonetic"
)

// vocabulary is swapped as a whole on reload.
type vocabulary struct {
	terms    []string
	prepared *phonetic.Terms
}

// Corrector replaces misheard vocabulary terms in transcription text.
type Corrector struct {
	matcher PhoneticMatcher
	vocab   atomic.Pointer[vocabulary]
}

// NewCorrector returns a Corrector that resolves words with m. A nil m
// defaults to [phonetic.New] with default thresholds.
func NewCorrector(m PhoneticMatcher, terms []string) *Corrector {
	if m == nil {
		m = phonetic.New()
	}
	c := &Corrector{matcher: m}
	c.SetVocabulary(terms)
	return c
}

// SetVocabulary replaces the vocabulary. Texts already being corrected keep
// the previous one.
func (c *Corrector) SetVocabulary(terms []string) {
	v := &vocabulary{
		terms:    append([]string(nil), terms...),
		prepared: phonetic.Prepare(terms),
	}
	c.vocab.Store(v)
}

// Vocabulary returns a copy of the current vocabulary.
func (c *Corrector) Vocabulary() []string {
	return append([]string(nil), c.vocab.Load().terms...)
}

// Correct returns text with every matching window of words replaced by its
// vocabulary term. Windows are tried longest first at each position so that
// multi-word terms take precedence. Punctuation around a window is kept.
func (c *Corrector) Correct(text string) Result {
	res := Result{Original: text, Corrected: text}

	v := c.vocab.Load()
	if v.prepared.Len() == 0 {
		return res
	}
	// One extra word lets a term heard as two words match.
	maxWords := v.prepared.MaxWords() + 1
	match := c.matchFunc(v)

	tokens := strings.Fields(text)
	out := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); {
		n, replaced, corr, ok := c.matchAt(tokens[i:], min(maxWords, len(tokens)-i), match)
		if !ok {
			out = append(out, tokens[i])
			i++
			continue
		}
		out = append(out, replaced)
		if corr != nil {
			res.Corrections = append(res.Corrections, *corr)
		}
		i += n
	}

	if res.Changed() {
		res.Corrected = strings.Join(out, " ")
	}
	return res
}

// matchAt tries windows of at most maxN tokens at the start of tokens. It
// returns the consumed token count, the replacement text and, when the text
// actually changed, the correction.
func (c *Corrector) matchAt(tokens []string, maxN int, match func(string) (string, float64, bool)) (int, string, *Correction, bool) {
	for n := maxN; n >= 1; n-- {
		window := strings.Join(tokens[:n], " ")
		prefix, core, suffix := splitPunct(window)
		if core == "" {
			continue
		}
		term, conf, ok := match(core)
		if !ok || !acceptWindow(tokens[:n], term, conf, match) {
			continue
		}
		if term == core {
			return n, window, nil, true
		}
		return n, prefix + term + suffix, &Correction{Original: core, Corrected: term, Confidence: conf}, true
	}
	return 0, "", nil, false
}

// acceptWindow rejects windows shorter than the term and windows with more
// than one extra word. A window with one extra word (a term heard as two
// words) must score higher than any of its words alone scores for the same
// term.
func acceptWindow(window []string, term string, conf float64, match func(string) (string, float64, bool)) bool {
	n, tw := len(window), len(strings.Fields(term))
	switch {
	case n < tw || n > tw+1:
		return false
	case n == tw:
		return true
	}
	for _, tok := range window {
		_, core, _ := splitPunct(tok)
		if core == "" {
			continue
		}
		if t, c, ok := match(core); ok && t == term && c >= conf {
			return false
		}
	}
	return true
}

func (c *Corrector) matchFunc(v *vocabulary) func(string) (string, float64, bool) {
	if pm, ok := c.matcher.(*phonetic.Matcher); ok {
		return func(w string) (string, float64, bool) {
			return pm.MatchPrepared(w, v.prepared)
		}
	}
	return func(w string) (string, float64, bool) {
		return c.matcher.Match(w, v.terms)
	}
}

// splitPunct separates leading and trailing punctuation from s.
func splitPunct(s string) (prefix, core, suffix string) {
	isWord := func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }
	start := strings.IndexFunc(s, isWord)
	if start < 0 {
		return s, "", ""
	}
	end := strings.LastIndexFunc(s, isWord)
	_, size := utf8.DecodeRuneInString(s[end:])
	end += size
	return s[:start], s[start:end], s[end:]
}
