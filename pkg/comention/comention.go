// Package comention builds co-mention graphs: entities as nodes, edges
// weighted by the number of documents mentioning both endpoints within
// a date window.
package comention

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pressgraph/backend/internal/util"
	"github.com/pressgraph/backend/pkg/common"
	"github.com/pressgraph/backend/pkg/logger"
)

const (
	// DefaultMinDocEntities and DefaultMaxDocEntities bound how many
	// distinct entities a document may mention to count as evidence.
	// Below the minimum a document carries no relation; above the
	// maximum it is a listing-style page that would connect everything
	// to everything.
	DefaultMinDocEntities = 2
	DefaultMaxDocEntities = 5
)

// Seed is a resolved starting entity for a graph query.
type Seed struct {
	EntityID int64
	Name     string
}

// Window selects the evidence pool for one graph query.
type Window struct {
	DateMin        time.Time
	DateMax        time.Time
	MinDocEntities int
	MaxDocEntities int
}

// Pair is one co-mention instance: two entities appearing together in
// one document.
type Pair struct {
	DocumentID   int64
	DocumentDate time.Time
	Summary      string

	SourceID   int64
	TargetID   int64
	SourceName string
	TargetName string
	SourceType string
	TargetType string
}

// Store is the read surface the builder consumes.
type Store interface {
	// ResolveSeed fuzzy-matches a user-entered name against known
	// surface forms. Returns nil when nothing matches.
	ResolveSeed(ctx context.Context, name string) (*Seed, error)
	// CoMentions returns every co-mention pair inside the window, from
	// documents whose distinct entity count satisfies the window bounds,
	// ordered by document date.
	CoMentions(ctx context.Context, w Window) ([]Pair, error)
}

// Query is one graph request as the user stated it. Dates are
// YYYY-MM-DD strings and validated here.
type Query struct {
	SeedName    string
	DateMin     string
	DateMax     string
	Depth       int
	MinEvidence int
}

// Result is a renderable graph plus the type label per node. The seed
// node always carries the reserved type SELF.
type Result struct {
	Graph     common.Graph
	NodeTypes map[string]string
}

type Params struct {
	Store          Store
	MinDocEntities int
	MaxDocEntities int
}

// Builder answers graph queries. It never returns an empty or broken
// graph to render: queries that cannot produce a real graph yield the
// placeholder instead.
type Builder struct {
	store          Store
	minDocEntities int
	maxDocEntities int
}

func NewBuilder(params Params) *Builder {
	b := &Builder{
		store:          params.Store,
		minDocEntities: params.MinDocEntities,
		maxDocEntities: params.MaxDocEntities,
	}
	if b.minDocEntities <= 0 {
		b.minDocEntities = DefaultMinDocEntities
	}
	if b.maxDocEntities <= 0 {
		b.maxDocEntities = DefaultMaxDocEntities
	}
	return b
}

// Build runs one graph query. Malformed input, an unresolvable seed and
// an empty evidence pool all degrade to the placeholder graph; only
// storage failures surface as errors.
func (b *Builder) Build(ctx context.Context, q Query) (Result, error) {
	dateMin, errMin := util.ParseCalendarDate(q.DateMin)
	dateMax, errMax := util.ParseCalendarDate(q.DateMax)
	if errMin != nil || errMax != nil || dateMax.Before(dateMin) {
		logger.Debug("Rejected graph query dates", "dateMin", q.DateMin, "dateMax", q.DateMax)
		return Placeholder(), nil
	}
	depth := q.Depth
	if depth < 1 {
		depth = 1
	}
	minEvidence := q.MinEvidence
	if minEvidence < 1 {
		minEvidence = 1
	}

	var seed *Seed
	if name := strings.TrimSpace(q.SeedName); name != "" {
		var err error
		seed, err = b.store.ResolveSeed(ctx, name)
		if err != nil {
			return Result{}, fmt.Errorf("resolve seed %q: %w", name, err)
		}
		if seed == nil {
			logger.Debug("Seed did not match any known surface form", "seed", name)
			return Placeholder(), nil
		}
	}

	pairs, err := b.store.CoMentions(ctx, Window{
		DateMin:        dateMin,
		DateMax:        dateMax,
		MinDocEntities: b.minDocEntities,
		MaxDocEntities: b.maxDocEntities,
	})
	if err != nil {
		return Result{}, fmt.Errorf("load co-mentions: %w", err)
	}
	if len(pairs) == 0 {
		return Placeholder(), nil
	}

	docs := filterNoise(groupByDocument(pairs), b.minDocEntities, b.maxDocEntities)
	if len(docs) == 0 {
		return Placeholder(), nil
	}

	if seed != nil {
		docs = selectReachable(docs, seed.EntityID, depth)
		if len(docs) == 0 {
			return Placeholder(), nil
		}
		// Hop order is not date order; evidence lists must stay
		// chronological.
		sort.SliceStable(docs, func(i, j int) bool {
			if !docs[i].date.Equal(docs[j].date) {
				return docs[i].date.Before(docs[j].date)
			}
			return docs[i].id < docs[j].id
		})
	}

	result := aggregate(docs, seed, minEvidence)
	if len(result.Graph.Edges) == 0 {
		return Placeholder(), nil
	}
	return result, nil
}

type document struct {
	id    int64
	date  time.Time
	pairs []Pair
}

func groupByDocument(pairs []Pair) []document {
	byID := make(map[int64]*document)
	var order []*document
	for _, p := range pairs {
		doc, ok := byID[p.DocumentID]
		if !ok {
			doc = &document{id: p.DocumentID, date: p.DocumentDate}
			byID[p.DocumentID] = doc
			order = append(order, doc)
		}
		doc.pairs = append(doc.pairs, p)
	}
	docs := make([]document, 0, len(order))
	for _, doc := range order {
		docs = append(docs, *doc)
	}
	sort.SliceStable(docs, func(i, j int) bool {
		if !docs[i].date.Equal(docs[j].date) {
			return docs[i].date.Before(docs[j].date)
		}
		return docs[i].id < docs[j].id
	})
	return docs
}

// filterNoise drops documents whose distinct entity count falls outside
// the window bounds. The storage query applies the same bounds; keeping
// them here means a store that skips the check cannot leak listing-style
// documents into the graph.
func filterNoise(docs []document, minEntities, maxEntities int) []document {
	kept := docs[:0]
	for _, doc := range docs {
		entities := make(map[int64]struct{})
		for _, p := range doc.pairs {
			entities[p.SourceID] = struct{}{}
			entities[p.TargetID] = struct{}{}
		}
		if len(entities) < minEntities || len(entities) > maxEntities {
			continue
		}
		kept = append(kept, doc)
	}
	return kept
}

// selectReachable walks outward from the seed one hop at a time. Each
// hop claims every unconsumed document touching the current frontier;
// the entities of claimed documents form the next frontier. A document
// is consumed by the first hop that reaches it and contributes its
// evidence exactly once.
func selectReachable(docs []document, seedID int64, depth int) []document {
	frontier := map[int64]struct{}{seedID: {}}
	visited := map[int64]struct{}{seedID: {}}
	consumed := make(map[int64]struct{})
	var selected []document

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		next := make(map[int64]struct{})
		for _, doc := range docs {
			if _, ok := consumed[doc.id]; ok {
				continue
			}
			if !touchesAny(doc, frontier) {
				continue
			}
			consumed[doc.id] = struct{}{}
			selected = append(selected, doc)
			for _, p := range doc.pairs {
				for _, id := range [2]int64{p.SourceID, p.TargetID} {
					if _, ok := visited[id]; !ok {
						visited[id] = struct{}{}
						next[id] = struct{}{}
					}
				}
			}
		}
		frontier = next
	}
	return selected
}

func touchesAny(doc document, entities map[int64]struct{}) bool {
	for _, p := range doc.pairs {
		if _, ok := entities[p.SourceID]; ok {
			return true
		}
		if _, ok := entities[p.TargetID]; ok {
			return true
		}
	}
	return false
}

type edgeKey struct {
	a int64
	b int64
}

type edgeAgg struct {
	key      edgeKey
	aName    string
	bName    string
	evidence []string
	docs     map[int64]struct{}
	aVotes   map[string]int
	bVotes   map[string]int
}

// aggregate folds per-document pairs into weighted edges and applies
// the evidence threshold. Edges touching the seed are exempt from the
// threshold so a sparse seed neighbourhood still renders. A node's type
// is the mode over its surviving edges; pairs whose edge the threshold
// drops carry no vote.
func aggregate(docs []document, seed *Seed, minEvidence int) Result {
	edges := make(map[edgeKey]*edgeAgg)
	var edgeOrder []edgeKey
	names := make(map[int64]string)

	for _, doc := range docs {
		for _, p := range doc.pairs {
			key := edgeKey{a: p.SourceID, b: p.TargetID}
			aName, bName := p.SourceName, p.TargetName
			aType, bType := p.SourceType, p.TargetType
			if key.a > key.b {
				key.a, key.b = key.b, key.a
				aName, bName = bName, aName
				aType, bType = bType, aType
			}
			names[key.a] = aName
			names[key.b] = bName
			agg, ok := edges[key]
			if !ok {
				agg = &edgeAgg{
					key: key, aName: aName, bName: bName,
					docs:   make(map[int64]struct{}),
					aVotes: make(map[string]int),
					bVotes: make(map[string]int),
				}
				edges[key] = agg
				edgeOrder = append(edgeOrder, key)
			}
			if _, counted := agg.docs[doc.id]; !counted {
				agg.docs[doc.id] = struct{}{}
				agg.evidence = append(agg.evidence, evidenceLine(doc.date, p.Summary))
			}
			if aType != "" {
				agg.aVotes[aType]++
			}
			if bType != "" {
				agg.bVotes[bType]++
			}
		}
	}

	var kept []edgeKey
	typeVotes := make(map[int64]map[string]int)
	mergeVotes := func(id int64, votes map[string]int) {
		if len(votes) == 0 {
			return
		}
		if typeVotes[id] == nil {
			typeVotes[id] = make(map[string]int)
		}
		for typ, n := range votes {
			typeVotes[id][typ] += n
		}
	}

	for _, key := range edgeOrder {
		agg := edges[key]
		touchesSeed := seed != nil && (key.a == seed.EntityID || key.b == seed.EntityID)
		if len(agg.docs) < minEvidence && !touchesSeed {
			continue
		}
		kept = append(kept, key)
		mergeVotes(key.a, agg.aVotes)
		mergeVotes(key.b, agg.bVotes)
	}

	graph := common.Graph{Nodes: []common.Node{}, Edges: []common.Edge{}}
	nodeSeen := make(map[string]struct{})
	nodeTypes := make(map[string]string)

	addNode := func(id int64) {
		name := names[id]
		if _, ok := nodeSeen[name]; ok {
			return
		}
		nodeSeen[name] = struct{}{}
		graph.Nodes = append(graph.Nodes, common.Node{ID: name})
		if seed != nil && id == seed.EntityID {
			nodeTypes[name] = common.TypeSelf
			return
		}
		nodeTypes[name] = topVote(typeVotes[id])
	}

	for _, key := range kept {
		agg := edges[key]
		addNode(key.a)
		addNode(key.b)
		graph.Edges = append(graph.Edges, common.Edge{
			Source:        names[key.a],
			Target:        names[key.b],
			EvidenceCount: len(agg.docs),
			Evidence:      agg.evidence,
		})
	}

	return Result{Graph: graph, NodeTypes: nodeTypes}
}

func topVote(votes map[string]int) string {
	if len(votes) == 0 {
		return common.TypeMisc
	}
	best := ""
	for typ, n := range votes {
		if best == "" || n > votes[best] || (n == votes[best] && typ < best) {
			best = typ
		}
	}
	return best
}

func evidenceLine(date time.Time, summary string) string {
	return fmt.Sprintf("%s: %s", date.Format("2006-01-02"), summary)
}

// Placeholder is the fallback graph returned whenever a query cannot
// yield real data. Always three nodes and three edges so the frontend
// has something to render.
func Placeholder() Result {
	nodes := []string{"No data", "Try another name", "Try a wider date range"}
	graph := common.Graph{Nodes: []common.Node{}, Edges: []common.Edge{}}
	types := make(map[string]string, len(nodes))
	for _, n := range nodes {
		graph.Nodes = append(graph.Nodes, common.Node{ID: n})
		types[n] = common.TypeMisc
	}
	for i := range nodes {
		graph.Edges = append(graph.Edges, common.Edge{
			Source:        nodes[i],
			Target:        nodes[(i+1)%len(nodes)],
			EvidenceCount: 0,
			Evidence:      []string{},
		})
	}
	return Result{Graph: graph, NodeTypes: types}
}
