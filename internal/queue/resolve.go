package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pressgraph/backend/internal/util"
	"github.com/pressgraph/backend/pkg/logger"
	"github.com/pressgraph/backend/pkg/ner"
	"github.com/pressgraph/backend/pkg/pipelock"
	"github.com/pressgraph/backend/pkg/resolve"
	"github.com/pressgraph/backend/pkg/store"
)

const defaultMinSummaryMentions = 2

// Locker serializes a pipeline stage across worker replicas.
type Locker interface {
	WithLease(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// ResolvePipeline wires one resolution batch end to end: select pending
// documents, extract mentions, resolve them and persist the outcome.
type ResolvePipeline struct {
	Storage   store.Storage
	Extractor ner.Extractor
	Engine    *resolve.Engine
	Guard     Locker

	// MinSummaryMentions is the summary yield below which extraction
	// falls back to the full text. Defaults to 2.
	MinSummaryMentions int
}

// Process handles one resolve_queue message. The whole batch runs under
// the resolution lease; if another worker holds it the message is
// dropped, since that worker will pick up the same pending documents.
func (p *ResolvePipeline) Process(ctx context.Context, msg string) error {
	data := new(ResolveJobMsg)
	if err := json.Unmarshal([]byte(msg), data); err != nil {
		logger.Warn("[Queue] Malformed resolve message, running batch anyway", "err", err)
	}

	err := p.Guard.WithLease(ctx, pipelock.KeyResolution, func(ctx context.Context) error {
		return p.runBatch(ctx, data.RequestID)
	})
	if errors.Is(err, pipelock.ErrHeld) {
		logger.Info("[Queue] Resolution batch already running elsewhere", "request_id", data.RequestID)
		return nil
	}
	return err
}

func (p *ResolvePipeline) runBatch(ctx context.Context, requestID string) error {
	docs, err := p.Storage.PendingDocuments(ctx)
	if err != nil {
		return fmt.Errorf("select pending documents: %w", err)
	}
	if len(docs) == 0 {
		logger.Info("[Queue] No pending documents", "request_id", requestID)
		return nil
	}
	logger.Info("[Queue] Starting resolution batch", "documents", len(docs), "request_id", requestID)

	minMentions := p.MinSummaryMentions
	if minMentions <= 0 {
		minMentions = defaultMinSummaryMentions
	}

	reg := resolve.NewRegistry()
	for _, doc := range docs {
		summary := util.CleanForExtraction(doc.Summary)
		fullText := util.CleanForExtraction(doc.RawText)

		mentions, err := ner.ExtractPreferSummary(ctx, p.Extractor, summary, fullText, minMentions)
		if err != nil {
			return fmt.Errorf("extract mentions from document %d: %w", doc.ID, err)
		}
		reg.AddDocument(doc.ID, sanitizeMentions(mentions))
	}

	if _, err := p.Engine.ResolveBatch(ctx, reg); err != nil {
		return fmt.Errorf("resolve batch: %w", err)
	}
	if err := p.Engine.RunMaintenance(ctx); err != nil {
		return fmt.Errorf("post-batch maintenance: %w", err)
	}
	return nil
}

// sanitizeMentions drops surfaces that come out empty after text
// sanitization; everything else is made safe for storage.
func sanitizeMentions(mentions []ner.Mention) []ner.Mention {
	out := mentions[:0]
	for _, m := range mentions {
		m.Surface = util.SanitizePostgresText(m.Surface)
		if m.Surface == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}
