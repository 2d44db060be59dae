// Package transcript corrects misheard vocabulary in transcription text
// before it is published.
//
// Speech engines routinely mangle proper nouns such as speaker names,
// product names or jargon. A [Corrector] walks the text in word windows and
// replaces every window that a [PhoneticMatcher] resolves to a vocabulary
// term. [NewPublisher] applies a Corrector to each event on its way to an
// [emit.Publisher].
//
// All types are safe for concurrent use.
package transcript

// Correction records one substitution.
type Correction struct {
	// Original is the text as produced by the engine.
	Original string

	// Corrected is the vocabulary term that replaced it.
	Corrected string

	// Confidence is the matcher's similarity score (0.0 to 1.0).
	Confidence float64
}

// Result is the output of [Corrector.Correct].
type Result struct {
	// Original is the input text.
	Original string

	// Corrected is the text with all substitutions applied. It equals
	// Original when Corrections is empty.
	Corrected string

	// Corrections lists the substitutions in text order.
	Corrections []Correction
}

// Changed reports whether any substitution was made.
func (r Result) Changed() bool { return len(r.Corrections) > 0 }

// PhoneticMatcher resolves a word or phrase to the most similar vocabulary
// term. When matched is false, corrected must equal word and confidence
// must be 0.
type PhoneticMatcher interface {
	Match(word string, vocabulary []string) (corrected string, confidence float64, matched bool)
}
