package resolve

import (
	"fmt"
	"sort"
	"time"

	"github.com/pressgraph/backend/pkg/ner"
	"github.com/pressgraph/backend/pkg/normalize"
	"github.com/pressgraph/backend/pkg/store"
)

// State tracks how a staged entity was resolved to a canonical id. Every
// state except StateNew implies a non-zero entity id.
type State int

const (
	// StateNew means no matching strategy has succeeded yet.
	StateNew State = iota
	// StateSynonymMatched means the raw name equals a known surface form.
	StateSynonymMatched
	// StateNormalizedMatched means the match key equals a known synonym
	// match key.
	StateNormalizedMatched
	// StateKBMatched means the external knowledge-base identifier matched
	// an existing canonical entity.
	StateKBMatched
	// StateTableMatched means the name or external id matched the
	// canonical table directly, after new rows were inserted.
	StateTableMatched
)

func (s State) String() string {
	switch s {
	case StateSynonymMatched:
		return "synonym"
	case StateNormalizedMatched:
		return "normalized"
	case StateKBMatched:
		return "kb"
	case StateTableMatched:
		return "table"
	default:
		return "new"
	}
}

// StagedEntity accumulates every mention of one distinct raw name within
// a batch, together with its resolution progress. Mutated only by the
// registry and the engine; discarded once the batch commits.
type StagedEntity struct {
	Name string

	state      State
	entityID   int64
	synonymID  int64
	externalID string
	matchKey   string
	hasKey     bool

	types []string
	docs  map[int64]struct{}
}

func (e *StagedEntity) State() State       { return e.state }
func (e *StagedEntity) EntityID() int64    { return e.entityID }
func (e *StagedEntity) ExternalID() string { return e.externalID }
func (e *StagedEntity) Resolved() bool     { return e.state != StateNew }

// MentionCount is the number of distinct documents mentioning the name.
func (e *StagedEntity) MentionCount() int { return len(e.docs) }

// Type returns the most frequent type label observed across mentions,
// ties broken by first observation.
func (e *StagedEntity) Type() string {
	if len(e.types) == 0 {
		return ""
	}
	counts := make(map[string]int, len(e.types))
	firstSeen := make(map[string]int, len(e.types))
	for i, t := range e.types {
		if _, ok := firstSeen[t]; !ok {
			firstSeen[t] = i
		}
		counts[t]++
	}
	best := e.types[0]
	for t, c := range counts {
		if c > counts[best] || (c == counts[best] && firstSeen[t] < firstSeen[best]) {
			best = t
		}
	}
	return best
}

func (e *StagedEntity) resolve(state State, entityID int64) {
	e.state = state
	e.entityID = entityID
}

func (e *StagedEntity) sortedDocIDs() []int64 {
	ids := make([]int64, 0, len(e.docs))
	for id := range e.docs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Registry is the in-memory staging area for one resolution batch: one
// StagedEntity per distinct raw name, in first-seen order, plus the
// documents that produced no mentions at all.
type Registry struct {
	ents      map[string]*StagedEntity
	order     []*StagedEntity
	emptyDocs []int64
}

func NewRegistry() *Registry {
	return &Registry{ents: make(map[string]*StagedEntity)}
}

// AddDocument records the mentions extracted from one document.
// Documents without mentions are remembered so they still receive a
// null document link and are not re-selected by the next batch.
func (r *Registry) AddDocument(docID int64, mentions []ner.Mention) {
	if len(mentions) == 0 {
		r.emptyDocs = append(r.emptyDocs, docID)
		return
	}
	for _, m := range mentions {
		ent, ok := r.ents[m.Surface]
		if !ok {
			ent = &StagedEntity{
				Name: m.Surface,
				docs: make(map[int64]struct{}),
			}
			r.ents[m.Surface] = ent
			r.order = append(r.order, ent)
		}
		ent.types = append(ent.types, m.Type)
		ent.docs[docID] = struct{}{}
	}
}

// Len is the number of distinct staged names.
func (r *Registry) Len() int { return len(r.order) }

// DocumentCount is the number of documents the batch covers.
func (r *Registry) DocumentCount() int {
	seen := make(map[int64]struct{}, len(r.emptyDocs))
	for _, id := range r.emptyDocs {
		seen[id] = struct{}{}
	}
	for _, ent := range r.order {
		for id := range ent.docs {
			seen[id] = struct{}{}
		}
	}
	return len(seen)
}

// Entities returns the staged entities in first-seen order.
func (r *Registry) Entities() []*StagedEntity { return r.order }

// Unresolved returns the staged entities still in StateNew, in
// first-seen order.
func (r *Registry) Unresolved() []*StagedEntity {
	var out []*StagedEntity
	for _, ent := range r.order {
		if !ent.Resolved() {
			out = append(out, ent)
		}
	}
	return out
}

func (r *Registry) UnresolvedCount() int {
	n := 0
	for _, ent := range r.order {
		if !ent.Resolved() {
			n++
		}
	}
	return n
}

// MatchSynonyms resolves entities whose raw name equals a known surface
// form. Returns the number of entities resolved.
func (r *Registry) MatchSynonyms(idx store.SynonymIndex) int {
	matched := 0
	for _, ent := range r.order {
		if ent.Resolved() {
			continue
		}
		if ref, ok := idx.BySurface[ent.Name]; ok {
			ent.resolve(StateSynonymMatched, ref.EntityID)
			ent.synonymID = ref.SynonymID
			matched++
		}
	}
	return matched
}

// MatchNormalized computes match keys for entities the exact lookup
// missed and resolves those whose key equals a known synonym match key.
func (r *Registry) MatchNormalized(normalizer *normalize.Normalizer, idx store.SynonymIndex) int {
	matched := 0
	for _, ent := range r.order {
		if ent.Resolved() {
			continue
		}
		ent.matchKey = normalizer.Normalize(ent.Name)
		ent.hasKey = true
		if ref, ok := idx.ByMatchKey[ent.matchKey]; ok && ent.matchKey != "" {
			ent.resolve(StateNormalizedMatched, ref.EntityID)
			matched++
		}
	}
	return matched
}

// SetExternalID records a knowledge-base identifier for a still
// unresolved entity.
func (r *Registry) SetExternalID(name, externalID string) {
	if ent, ok := r.ents[name]; ok && !ent.Resolved() {
		ent.externalID = externalID
	}
}

// MatchExternalIDs resolves entities whose knowledge-base identifier
// already belongs to a canonical entity.
func (r *Registry) MatchExternalIDs(idx store.CanonicalIndex) int {
	matched := 0
	for _, ent := range r.order {
		if ent.Resolved() || ent.externalID == "" {
			continue
		}
		if id, ok := idx.ByExternalID[ent.externalID]; ok {
			ent.resolve(StateKBMatched, id)
			matched++
		}
	}
	return matched
}

// MatchCanonicalTable resolves remaining entities directly against the
// canonical table, first by display name, then by external id. Run after
// new canonical rows are inserted to close the loop for names whose
// canonical row was just created by a sibling surface form.
func (r *Registry) MatchCanonicalTable(idx store.CanonicalIndex) int {
	matched := 0
	for _, ent := range r.order {
		if ent.Resolved() {
			continue
		}
		if id, ok := idx.ByName[ent.Name]; ok {
			ent.resolve(StateTableMatched, id)
			matched++
			continue
		}
		if ent.externalID != "" {
			if id, ok := idx.ByExternalID[ent.externalID]; ok {
				ent.resolve(StateTableMatched, id)
				matched++
			}
		}
	}
	return matched
}

// NewEntityRows builds the canonical rows to insert for entities no
// strategy matched. Entities sharing a knowledge-base identifier
// collapse into one row whose display name is the surface form with the
// most supporting documents, ties broken by first appearance. Entities
// without an identifier each become their own row.
func (r *Registry) NewEntityRows() []store.NewEntityRow {
	var rows []store.NewEntityRow
	repByExternalID := make(map[string]*StagedEntity)

	for _, ent := range r.Unresolved() {
		if ent.externalID == "" {
			rows = append(rows, store.NewEntityRow{
				DisplayName: ent.Name,
				EntityType:  ent.Type(),
			})
			continue
		}
		rep, ok := repByExternalID[ent.externalID]
		if !ok {
			repByExternalID[ent.externalID] = ent
			rows = append(rows, store.NewEntityRow{
				DisplayName: ent.Name,
				EntityType:  ent.Type(),
				ExternalID:  ent.externalID,
			})
			continue
		}
		if ent.MentionCount() > rep.MentionCount() {
			for i := range rows {
				if rows[i].ExternalID == ent.externalID {
					rows[i].DisplayName = ent.Name
					rows[i].EntityType = ent.Type()
					break
				}
			}
			repByExternalID[ent.externalID] = ent
		}
	}
	return rows
}

// NewSynonymRows builds the synonym rows for every staged entity whose
// surface form is not already in the synonym table. Must run after all
// entities are resolved.
func (r *Registry) NewSynonymRows() []store.NewSynonymRow {
	var rows []store.NewSynonymRow
	for _, ent := range r.order {
		if ent.state == StateSynonymMatched {
			continue
		}
		rows = append(rows, store.NewSynonymRow{
			EntityID:    ent.entityID,
			SurfaceForm: ent.Name,
			MatchKey:    ent.matchKey,
		})
	}
	return rows
}

// AssignSynonymIDs attaches freshly inserted synonym ids to the staged
// entities, in the same order NewSynonymRows emitted them.
func (r *Registry) AssignSynonymIDs(ids []int64) error {
	i := 0
	for _, ent := range r.order {
		if ent.state == StateSynonymMatched {
			continue
		}
		if i >= len(ids) {
			return fmt.Errorf("assign synonym ids: got %d ids for more rows", len(ids))
		}
		ent.synonymID = ids[i]
		i++
	}
	if i != len(ids) {
		return fmt.Errorf("assign synonym ids: got %d ids for %d rows", len(ids), i)
	}
	return nil
}

// UsageStatRows builds one usage record per staged entity.
func (r *Registry) UsageStatRows(capturedAt time.Time, modelID string) []store.UsageStatRow {
	rows := make([]store.UsageStatRow, 0, len(r.order))
	for _, ent := range r.order {
		rows = append(rows, store.UsageStatRow{
			SynonymID:    ent.synonymID,
			MentionCount: ent.MentionCount(),
			CapturedAt:   capturedAt,
			ModelID:      modelID,
			CapturedType: ent.Type(),
		})
	}
	return rows
}

// DocumentLinkRows builds the deduplicated (document, entity) link set,
// including null links for documents without mentions.
func (r *Registry) DocumentLinkRows() []store.DocumentLinkRow {
	type linkKey struct {
		docID    int64
		entityID int64
	}
	seen := make(map[linkKey]struct{})
	var rows []store.DocumentLinkRow

	for _, docID := range r.emptyDocs {
		key := linkKey{docID: docID}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		rows = append(rows, store.DocumentLinkRow{DocumentID: docID})
	}

	for _, ent := range r.order {
		for _, docID := range ent.sortedDocIDs() {
			key := linkKey{docID: docID, entityID: ent.entityID}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			entityID := ent.entityID
			rows = append(rows, store.DocumentLinkRow{DocumentID: docID, EntityID: &entityID})
		}
	}
	return rows
}
