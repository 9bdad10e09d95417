package resolve

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pressgraph/backend/pkg/logger"
	"github.com/pressgraph/backend/pkg/normalize"
	"github.com/pressgraph/backend/pkg/store"
)

// ErrUnresolved reports that staged entities remained unmatched after
// new canonical rows were inserted and re-checked inside the write
// transaction. The transaction rolls back and nothing is persisted.
var ErrUnresolved = errors.New("staged entities left unresolved after canonical insert")

const defaultKBParallel = 4

// KBResolver looks up an external knowledge-base identifier for a raw
// name. A miss is ("", false), never an error.
type KBResolver interface {
	Lookup(ctx context.Context, name string) (string, bool)
}

type EngineParams struct {
	Store      store.Storage
	KB         KBResolver
	Normalizer *normalize.Normalizer
	// ModelID labels usage records with the extraction model that
	// produced the mentions.
	ModelID string
	// KBParallel bounds concurrent knowledge-base lookups. Defaults
	// to 4.
	KBParallel int
}

// Engine runs the resolution cascade over a staged registry and commits
// the outcome in a single transaction.
type Engine struct {
	store      store.Storage
	kb         KBResolver
	normalizer *normalize.Normalizer
	modelID    string
	kbParallel int
}

func NewEngine(params EngineParams) *Engine {
	parallel := params.KBParallel
	if parallel <= 0 {
		parallel = defaultKBParallel
	}
	return &Engine{
		store:      params.Store,
		kb:         params.KB,
		normalizer: params.Normalizer,
		modelID:    params.ModelID,
		kbParallel: parallel,
	}
}

// BatchSummary reports how a committed batch resolved.
type BatchSummary struct {
	Documents         int
	Entities          int
	SynonymMatched    int
	NormalizedMatched int
	KBMatched         int
	TableMatched      int
	NewEntities       int
}

// ResolveBatch runs the matching cascade over the registry and persists
// canonical rows, synonyms, document links and usage records in one
// transaction. On error nothing is written and the documents stay
// pending.
func (e *Engine) ResolveBatch(ctx context.Context, reg *Registry) (BatchSummary, error) {
	summary := BatchSummary{
		Documents: reg.DocumentCount(),
		Entities:  reg.Len(),
	}

	synIdx, err := e.store.SynonymIndex(ctx)
	if err != nil {
		return summary, fmt.Errorf("load synonym index: %w", err)
	}
	summary.SynonymMatched = reg.MatchSynonyms(synIdx)
	summary.NormalizedMatched = reg.MatchNormalized(e.normalizer, synIdx)

	if reg.UnresolvedCount() > 0 && e.kb != nil {
		e.lookupExternalIDs(ctx, reg)
		canonIdx, err := e.store.CanonicalIndex(ctx)
		if err != nil {
			return summary, fmt.Errorf("load canonical index: %w", err)
		}
		summary.KBMatched = reg.MatchExternalIDs(canonIdx)
	}

	capturedAt := time.Now().UTC()

	err = e.store.ResolveBatch(ctx, func(tx store.ResolutionTx) error {
		newRows := reg.NewEntityRows()
		summary.NewEntities = len(newRows)
		if len(newRows) > 0 {
			if err := tx.InsertEntities(ctx, newRows); err != nil {
				return fmt.Errorf("insert entities: %w", err)
			}
		}

		canonIdx, err := tx.CanonicalIndex(ctx)
		if err != nil {
			return fmt.Errorf("reload canonical index: %w", err)
		}
		summary.TableMatched = reg.MatchCanonicalTable(canonIdx)

		if n := reg.UnresolvedCount(); n > 0 {
			return fmt.Errorf("%w: %d of %d", ErrUnresolved, n, reg.Len())
		}

		synRows := reg.NewSynonymRows()
		if len(synRows) > 0 {
			ids, err := tx.InsertSynonyms(ctx, synRows)
			if err != nil {
				return fmt.Errorf("insert synonyms: %w", err)
			}
			if err := reg.AssignSynonymIDs(ids); err != nil {
				return err
			}
		}

		if err := tx.InsertDocumentLinks(ctx, reg.DocumentLinkRows()); err != nil {
			return fmt.Errorf("insert document links: %w", err)
		}
		if err := tx.InsertUsageStats(ctx, reg.UsageStatRows(capturedAt, e.modelID)); err != nil {
			return fmt.Errorf("insert usage stats: %w", err)
		}
		return nil
	})
	if err != nil {
		return summary, err
	}

	logger.Info("Resolved batch",
		"documents", summary.Documents,
		"entities", summary.Entities,
		"synonym", summary.SynonymMatched,
		"normalized", summary.NormalizedMatched,
		"kb", summary.KBMatched,
		"table", summary.TableMatched,
		"new", summary.NewEntities)
	return summary, nil
}

// RunMaintenance refreshes display names and entity types from the
// accumulated usage records.
func (e *Engine) RunMaintenance(ctx context.Context) error {
	if err := e.store.RefreshDisplayNames(ctx); err != nil {
		return fmt.Errorf("refresh display names: %w", err)
	}
	if err := e.store.RefreshEntityTypes(ctx); err != nil {
		return fmt.Errorf("refresh entity types: %w", err)
	}
	return nil
}

// lookupExternalIDs queries the knowledge base for every unresolved
// name with bounded parallelism. Lookups never fail the batch; a miss
// or transport error just leaves the entity without an external id.
func (e *Engine) lookupExternalIDs(ctx context.Context, reg *Registry) {
	unresolved := reg.Unresolved()
	if len(unresolved) == 0 {
		return
	}

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.kbParallel)

	for _, ent := range unresolved {
		name := ent.Name
		group.Go(func() error {
			id, ok := e.kb.Lookup(groupCtx, name)
			if !ok {
				return nil
			}
			mu.Lock()
			reg.SetExternalID(name, id)
			mu.Unlock()
			return nil
		})
	}
	// Workers only return nil; Wait just joins them.
	_ = group.Wait()
}
