package normalize

import (
	"regexp"
	"strings"
)

// Morph produces the morphological base form of a single word. Backed by
// a dictionary or model; the normalizer treats it as a black box.
type Morph interface {
	BaseForm(word string) string
}

var (
	reHyphenRun     = regexp.MustCompile(`\s*-\s*`)
	reWhitespaceRun = regexp.MustCompile(`\s+`)
	reDisallowed    = regexp.MustCompile(`[^\p{L}\p{N} -]+`)
)

// Normalizer turns a raw surface form into its match key: punctuation and
// whitespace folded, every word replaced by its base form. Match keys are
// what fuzzy local synonym matching compares.
type Normalizer struct {
	morph Morph
}

func New(morph Morph) *Normalizer {
	return &Normalizer{morph: morph}
}

// Normalize is pure and idempotent: Normalize(Normalize(x)) == Normalize(x).
func (n *Normalizer) Normalize(text string) string {
	clean := reHyphenRun.ReplaceAllString(text, "-")
	clean = reWhitespaceRun.ReplaceAllString(clean, " ")
	clean = reDisallowed.ReplaceAllString(clean, "")

	words := strings.Fields(clean)
	for i, word := range words {
		words[i] = n.morph.BaseForm(word)
	}
	return strings.Join(words, " ")
}

// DictMorph is a lookup-table morphology: words found in the table map to
// their base form, everything else lowercases unchanged. Serves as the
// default when no model-backed analyzer is wired in.
type DictMorph struct {
	forms map[string]string
}

func NewDictMorph(forms map[string]string) *DictMorph {
	lowered := make(map[string]string, len(forms)*2)
	for word, base := range forms {
		lowered[strings.ToLower(word)] = strings.ToLower(base)
	}
	// Base forms are fixed points so normalization stays idempotent.
	for _, base := range forms {
		b := strings.ToLower(base)
		lowered[b] = b
	}
	return &DictMorph{forms: lowered}
}

func (m *DictMorph) BaseForm(word string) string {
	lowered := strings.ToLower(word)
	if base, ok := m.forms[lowered]; ok {
		return base
	}
	return lowered
}
