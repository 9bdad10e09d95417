// Package memory provides an in-memory Storage implementation for
// tests and local development. Transactions are staged and only merged
// into the committed state when the batch function returns nil.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pressgraph/backend/pkg/common"
	"github.com/pressgraph/backend/pkg/store"
)

type entityRow struct {
	id          int64
	displayName string
	entityType  string
	externalID  string
	customName  bool
}

type synonymRow struct {
	id       int64
	entityID int64
	surface  string
	matchKey string
}

type Store struct {
	mu sync.RWMutex

	nextEntityID  int64
	nextSynonymID int64

	entities []entityRow
	synonyms []synonymRow
	links    []store.DocumentLinkRow
	stats    []store.UsageStatRow

	docs []common.Document
}

var _ store.Storage = (*Store)(nil)

func NewStore() *Store {
	return &Store{nextEntityID: 1, nextSynonymID: 1}
}

// AddDocument seeds a document into the pending pool.
func (s *Store) AddDocument(doc common.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = append(s.docs, doc)
}

func (s *Store) PendingDocuments(ctx context.Context) ([]common.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	linked := make(map[int64]struct{}, len(s.links))
	for _, l := range s.links {
		linked[l.DocumentID] = struct{}{}
	}
	var out []common.Document
	for _, doc := range s.docs {
		if _, ok := linked[doc.ID]; ok {
			continue
		}
		if doc.Summary == "" {
			continue
		}
		out = append(out, doc)
	}
	return out, nil
}

func (s *Store) SynonymIndex(ctx context.Context) (store.SynonymIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.synonymIndexLocked(), nil
}

func (s *Store) synonymIndexLocked() store.SynonymIndex {
	idx := store.SynonymIndex{
		BySurface:  make(map[string]store.SynonymRef, len(s.synonyms)),
		ByMatchKey: make(map[string]store.SynonymRef, len(s.synonyms)),
	}
	for _, syn := range s.synonyms {
		ref := store.SynonymRef{SynonymID: syn.id, EntityID: syn.entityID}
		idx.BySurface[syn.surface] = ref
		if syn.matchKey != "" {
			idx.ByMatchKey[syn.matchKey] = ref
		}
	}
	return idx
}

func (s *Store) CanonicalIndex(ctx context.Context) (store.CanonicalIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return canonicalIndex(s.entities), nil
}

func canonicalIndex(entities []entityRow) store.CanonicalIndex {
	idx := store.CanonicalIndex{
		ByName:       make(map[string]int64, len(entities)),
		ByExternalID: make(map[string]int64, len(entities)),
	}
	for _, ent := range entities {
		idx.ByName[ent.displayName] = ent.id
		if ent.externalID != "" {
			idx.ByExternalID[ent.externalID] = ent.id
		}
	}
	return idx
}

type memoryTx struct {
	store *Store

	entities []entityRow
	synonyms []synonymRow
	links    []store.DocumentLinkRow
	stats    []store.UsageStatRow
}

func (s *Store) ResolveBatch(ctx context.Context, fn func(tx store.ResolutionTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{store: s}
	if err := fn(tx); err != nil {
		return err
	}

	s.entities = append(s.entities, tx.entities...)
	s.synonyms = append(s.synonyms, tx.synonyms...)
	s.links = append(s.links, tx.links...)
	s.stats = append(s.stats, tx.stats...)
	return nil
}

func (t *memoryTx) InsertEntities(ctx context.Context, rows []store.NewEntityRow) error {
	for _, row := range rows {
		t.entities = append(t.entities, entityRow{
			id:          t.store.nextEntityID,
			displayName: row.DisplayName,
			entityType:  row.EntityType,
			externalID:  row.ExternalID,
		})
		t.store.nextEntityID++
	}
	return nil
}

func (t *memoryTx) CanonicalIndex(ctx context.Context) (store.CanonicalIndex, error) {
	all := make([]entityRow, 0, len(t.store.entities)+len(t.entities))
	all = append(all, t.store.entities...)
	all = append(all, t.entities...)
	return canonicalIndex(all), nil
}

func (t *memoryTx) InsertSynonyms(ctx context.Context, rows []store.NewSynonymRow) ([]int64, error) {
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		t.synonyms = append(t.synonyms, synonymRow{
			id:       t.store.nextSynonymID,
			entityID: row.EntityID,
			surface:  row.SurfaceForm,
			matchKey: row.MatchKey,
		})
		ids = append(ids, t.store.nextSynonymID)
		t.store.nextSynonymID++
	}
	return ids, nil
}

func (t *memoryTx) InsertDocumentLinks(ctx context.Context, rows []store.DocumentLinkRow) error {
	t.links = append(t.links, rows...)
	return nil
}

func (t *memoryTx) InsertUsageStats(ctx context.Context, rows []store.UsageStatRow) error {
	t.stats = append(t.stats, rows...)
	return nil
}

// RefreshDisplayNames promotes, for every entity without a custom name,
// the surface form with the highest cumulative mention count.
func (s *Store) RefreshDisplayNames(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[int64]int)
	for _, st := range s.stats {
		counts[st.SynonymID] += st.MentionCount
	}
	for i, ent := range s.entities {
		if ent.customName {
			continue
		}
		best := ""
		bestCount := -1
		for _, syn := range s.synonyms {
			if syn.entityID != ent.id {
				continue
			}
			if c := counts[syn.id]; c > bestCount {
				best, bestCount = syn.surface, c
			}
		}
		if best != "" {
			s.entities[i].displayName = best
		}
	}
	return nil
}

// RefreshEntityTypes sets every entity type to the most frequently
// captured type across its usage records, ties broken by the most
// recent capture.
func (s *Store) RefreshEntityTypes(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	synEntity := make(map[int64]int64, len(s.synonyms))
	for _, syn := range s.synonyms {
		synEntity[syn.id] = syn.entityID
	}
	type typeTally struct {
		count  int
		latest time.Time
	}
	tallies := make(map[int64]map[string]*typeTally)
	for _, st := range s.stats {
		entID, ok := synEntity[st.SynonymID]
		if !ok || st.CapturedType == "" {
			continue
		}
		if tallies[entID] == nil {
			tallies[entID] = make(map[string]*typeTally)
		}
		tally := tallies[entID][st.CapturedType]
		if tally == nil {
			tally = &typeTally{}
			tallies[entID][st.CapturedType] = tally
		}
		tally.count++
		if st.CapturedAt.After(tally.latest) {
			tally.latest = st.CapturedAt
		}
	}
	for i, ent := range s.entities {
		counts := tallies[ent.id]
		if len(counts) == 0 {
			continue
		}
		best := ""
		for t, tally := range counts {
			if best == "" {
				best = t
				continue
			}
			cur := counts[best]
			if tally.count > cur.count || (tally.count == cur.count && tally.latest.After(cur.latest)) {
				best = t
			}
		}
		s.entities[i].entityType = best
	}
	return nil
}

func (s *Store) CreateCustomEntity(ctx context.Context, row store.CustomEntityRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextEntityID
	s.nextEntityID++
	s.entities = append(s.entities, entityRow{
		id:          id,
		displayName: row.DisplayName,
		entityType:  row.EntityType,
		externalID:  row.ExternalID,
		customName:  true,
	})
	s.synonyms = append(s.synonyms, synonymRow{
		id:       s.nextSynonymID,
		entityID: id,
		surface:  row.DisplayName,
	})
	s.nextSynonymID++
	return nil
}

func (s *Store) SearchSurfaceForms(ctx context.Context, query string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(query)
	var out []string
	for _, syn := range s.synonyms {
		if strings.Contains(strings.ToLower(syn.surface), needle) {
			out = append(out, syn.surface)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) < len(out[j])
		}
		return out[i] < out[j]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Entities returns (id, displayName) pairs of the committed canonical
// table, for assertions in tests.
func (s *Store) Entities() map[int64]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]string, len(s.entities))
	for _, ent := range s.entities {
		out[ent.id] = ent.displayName
	}
	return out
}

// Links returns the committed document links, for assertions in tests.
func (s *Store) Links() []store.DocumentLinkRow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]store.DocumentLinkRow(nil), s.links...)
}

// Stats returns the committed usage records, for assertions in tests.
func (s *Store) Stats() []store.UsageStatRow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]store.UsageStatRow(nil), s.stats...)
}

// EntityTypeOf returns the committed entity type for an id.
func (s *Store) EntityTypeOf(id int64) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ent := range s.entities {
		if ent.id == id {
			return ent.entityType
		}
	}
	return ""
}
