package ner

import "context"

// Mention is one extracted entity span: a raw surface form and its
// predicted type label.
type Mention struct {
	Surface string
	Type    string
}

// Extractor produces entity mentions for one document text. The model
// behind it is non-deterministic; callers must invoke it exactly once
// per document per batch.
type Extractor interface {
	Extract(ctx context.Context, text string) ([]Mention, error)
}

// ExtractPreferSummary runs extraction on the document summary first and
// falls back to the full text when the summary yields fewer than
// minMentions entities. Summaries are short and clean, so they are the
// better source whenever they carry enough signal.
func ExtractPreferSummary(ctx context.Context, extractor Extractor, summary, fullText string, minMentions int) ([]Mention, error) {
	mentions, err := extractor.Extract(ctx, summary)
	if err != nil {
		return nil, err
	}
	if len(mentions) >= minMentions {
		return mentions, nil
	}
	return extractor.Extract(ctx, fullText)
}
