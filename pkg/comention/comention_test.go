package comention

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pressgraph/backend/pkg/common"
)

type fakeStore struct {
	seeds map[string]Seed
	pairs []Pair
	err   error
}

func (f *fakeStore) ResolveSeed(ctx context.Context, name string) (*Seed, error) {
	if f.err != nil {
		return nil, f.err
	}
	if seed, ok := f.seeds[name]; ok {
		return &seed, nil
	}
	return nil, nil
}

func (f *fakeStore) CoMentions(ctx context.Context, w Window) ([]Pair, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.pairs, nil
}

func day(d int) time.Time {
	return time.Date(2026, time.March, d, 0, 0, 0, 0, time.UTC)
}

func pair(docID int64, d int, summary string, aID int64, a string, bID int64, b string) Pair {
	return Pair{
		DocumentID:   docID,
		DocumentDate: day(d),
		Summary:      summary,
		SourceID:     aID,
		TargetID:     bID,
		SourceName:   a,
		TargetName:   b,
		SourceType:   common.TypeLocation,
		TargetType:   common.TypeLocation,
	}
}

func buildQuery(seed string) Query {
	return Query{
		SeedName:    seed,
		DateMin:     "2026-03-01",
		DateMax:     "2026-03-31",
		Depth:       1,
		MinEvidence: 1,
	}
}

func findEdge(t *testing.T, g common.Graph, source, target string) common.Edge {
	t.Helper()
	for _, e := range g.Edges {
		if (e.Source == source && e.Target == target) || (e.Source == target && e.Target == source) {
			return e
		}
	}
	t.Fatalf("edge %s - %s not found in %v", source, target, g.Edges)
	return common.Edge{}
}

func TestBuildAggregatesEvidenceChronologically(t *testing.T) {
	s := &fakeStore{
		seeds: map[string]Seed{"Moscow": {EntityID: 1, Name: "Moscow"}},
		pairs: []Pair{
			pair(12, 9, "second", 1, "Moscow", 2, "Kremlin"),
			pair(11, 3, "first", 1, "Moscow", 2, "Kremlin"),
			pair(13, 20, "third", 2, "Kremlin", 1, "Moscow"),
		},
	}
	b := NewBuilder(Params{Store: s})

	res, err := b.Build(context.Background(), buildQuery("Moscow"))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	edge := findEdge(t, res.Graph, "Moscow", "Kremlin")
	if edge.EvidenceCount != 3 {
		t.Errorf("evidence count = %d, want 3", edge.EvidenceCount)
	}
	want := []string{"2026-03-03: first", "2026-03-09: second", "2026-03-20: third"}
	if len(edge.Evidence) != len(want) {
		t.Fatalf("evidence = %v, want %v", edge.Evidence, want)
	}
	for i := range want {
		if edge.Evidence[i] != want[i] {
			t.Errorf("evidence[%d] = %q, want %q", i, edge.Evidence[i], want[i])
		}
	}
	if res.NodeTypes["Moscow"] != common.TypeSelf {
		t.Errorf("seed type = %q, want SELF", res.NodeTypes["Moscow"])
	}
	if res.NodeTypes["Kremlin"] != common.TypeLocation {
		t.Errorf("neighbour type = %q, want LOC", res.NodeTypes["Kremlin"])
	}
}

func TestBuildSeedEdgesExemptFromEvidenceThreshold(t *testing.T) {
	s := &fakeStore{
		seeds: map[string]Seed{"Moscow": {EntityID: 1, Name: "Moscow"}},
		pairs: []Pair{
			pair(11, 3, "a", 1, "Moscow", 2, "Kremlin"),
			pair(12, 4, "b", 1, "Moscow", 2, "Kremlin"),
			pair(13, 5, "c", 1, "Moscow", 2, "Kremlin"),
			pair(13, 5, "c", 2, "Kremlin", 3, "Putin"),
			pair(13, 5, "c", 1, "Moscow", 3, "Putin"),
		},
	}
	b := NewBuilder(Params{Store: s})

	q := buildQuery("Moscow")
	q.MinEvidence = 4
	res, err := b.Build(context.Background(), q)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	edge := findEdge(t, res.Graph, "Moscow", "Kremlin")
	if edge.EvidenceCount != 3 {
		t.Errorf("seed edge evidence = %d, want 3", edge.EvidenceCount)
	}
	findEdge(t, res.Graph, "Moscow", "Putin")
	for _, e := range res.Graph.Edges {
		if (e.Source == "Kremlin" && e.Target == "Putin") || (e.Source == "Putin" && e.Target == "Kremlin") {
			t.Error("non-seed edge below threshold survived")
		}
	}
}

func TestBuildDepthControlsReach(t *testing.T) {
	// Doc 11 mentions the seed; doc 12 mentions only hop-one entities.
	s := &fakeStore{
		seeds: map[string]Seed{"Moscow": {EntityID: 1, Name: "Moscow"}},
		pairs: []Pair{
			pair(11, 3, "near", 1, "Moscow", 2, "Kremlin"),
			pair(12, 5, "far", 2, "Kremlin", 3, "Putin"),
		},
	}
	b := NewBuilder(Params{Store: s})

	shallow, err := b.Build(context.Background(), buildQuery("Moscow"))
	if err != nil {
		t.Fatalf("Build depth 1: %v", err)
	}
	if len(shallow.Graph.Edges) != 1 {
		t.Errorf("depth 1 edges = %d, want 1", len(shallow.Graph.Edges))
	}

	q := buildQuery("Moscow")
	q.Depth = 2
	deep, err := b.Build(context.Background(), q)
	if err != nil {
		t.Fatalf("Build depth 2: %v", err)
	}
	if len(deep.Graph.Edges) != 2 {
		t.Errorf("depth 2 edges = %d, want 2", len(deep.Graph.Edges))
	}
	findEdge(t, deep.Graph, "Kremlin", "Putin")
}

func TestBuildDocumentConsumedOnce(t *testing.T) {
	// Doc 11 touches the seed and also carries a far pair; its evidence
	// must count once even though hop two revisits its entities.
	s := &fakeStore{
		seeds: map[string]Seed{"Moscow": {EntityID: 1, Name: "Moscow"}},
		pairs: []Pair{
			pair(11, 3, "both", 1, "Moscow", 2, "Kremlin"),
			pair(11, 3, "both", 2, "Kremlin", 3, "Putin"),
		},
	}
	b := NewBuilder(Params{Store: s})

	q := buildQuery("Moscow")
	q.Depth = 3
	res, err := b.Build(context.Background(), q)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	edge := findEdge(t, res.Graph, "Kremlin", "Putin")
	if edge.EvidenceCount != 1 {
		t.Errorf("evidence count = %d, want 1", edge.EvidenceCount)
	}
}

func TestBuildGlobalModeAppliesThresholdEverywhere(t *testing.T) {
	s := &fakeStore{
		pairs: []Pair{
			pair(11, 3, "a", 1, "Moscow", 2, "Kremlin"),
			pair(12, 4, "b", 1, "Moscow", 2, "Kremlin"),
			pair(13, 5, "c", 2, "Kremlin", 3, "Putin"),
		},
	}
	b := NewBuilder(Params{Store: s})

	q := buildQuery("")
	q.MinEvidence = 2
	res, err := b.Build(context.Background(), q)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(res.Graph.Edges) != 1 {
		t.Fatalf("edges = %d, want 1", len(res.Graph.Edges))
	}
	if _, ok := res.NodeTypes["Putin"]; ok {
		t.Error("node of filtered edge survived")
	}
}

func TestBuildDropsNoiseDocuments(t *testing.T) {
	// Doc 11 carries a single entity, doc 12 six distinct entities; both
	// fall outside the default 2..5 bounds even when the store fails to
	// filter them. Only doc 13 may contribute edges.
	s := &fakeStore{
		pairs: []Pair{
			pair(11, 3, "lone", 4, "Duma", 4, "Duma"),
			pair(12, 4, "listing", 10, "A", 11, "B"),
			pair(12, 4, "listing", 12, "C", 13, "D"),
			pair(12, 4, "listing", 14, "E", 15, "F"),
			pair(13, 5, "story", 1, "Moscow", 2, "Kremlin"),
		},
	}
	b := NewBuilder(Params{Store: s})

	res, err := b.Build(context.Background(), buildQuery(""))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(res.Graph.Edges) != 1 {
		t.Fatalf("edges = %d, want 1", len(res.Graph.Edges))
	}
	findEdge(t, res.Graph, "Moscow", "Kremlin")
	for _, name := range []string{"Duma", "A", "F"} {
		if _, ok := res.NodeTypes[name]; ok {
			t.Errorf("entity %q from a noise document survived", name)
		}
	}
}

func TestBuildNoiseBoundsAreTunable(t *testing.T) {
	s := &fakeStore{
		pairs: []Pair{
			pair(12, 4, "wide", 10, "A", 11, "B"),
			pair(12, 4, "wide", 12, "C", 13, "D"),
			pair(12, 4, "wide", 14, "E", 15, "F"),
		},
	}
	b := NewBuilder(Params{Store: s, MaxDocEntities: 6})

	res, err := b.Build(context.Background(), buildQuery(""))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(res.Graph.Edges) != 3 {
		t.Errorf("edges = %d, want 3 with raised bound", len(res.Graph.Edges))
	}
}

func TestBuildNodeTypeIgnoresDroppedEdges(t *testing.T) {
	// Kremlin is LOC on the surviving edge but ORG on three edges the
	// threshold drops; dropped edges must not vote.
	orgPair := func(docID int64, d int, otherID int64, other string) Pair {
		p := pair(docID, d, "weak", 2, "Kremlin", otherID, other)
		p.SourceType = common.TypeOrganization
		return p
	}
	s := &fakeStore{
		pairs: []Pair{
			pair(11, 3, "a", 1, "Moscow", 2, "Kremlin"),
			pair(12, 4, "b", 1, "Moscow", 2, "Kremlin"),
			orgPair(13, 5, 3, "Putin"),
			orgPair(14, 6, 4, "Duma"),
			orgPair(15, 7, 5, "Sochi"),
		},
	}
	b := NewBuilder(Params{Store: s})

	q := buildQuery("")
	q.MinEvidence = 2
	res, err := b.Build(context.Background(), q)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(res.Graph.Edges) != 1 {
		t.Fatalf("edges = %d, want 1", len(res.Graph.Edges))
	}
	if got := res.NodeTypes["Kremlin"]; got != common.TypeLocation {
		t.Errorf("Kremlin type = %q, want %q", got, common.TypeLocation)
	}
}

func TestBuildDegradesToPlaceholder(t *testing.T) {
	s := &fakeStore{
		seeds: map[string]Seed{"Moscow": {EntityID: 1, Name: "Moscow"}},
		pairs: []Pair{pair(11, 3, "a", 1, "Moscow", 2, "Kremlin")},
	}
	b := NewBuilder(Params{Store: s})

	tests := []struct {
		name string
		edit func(q *Query)
	}{
		{"malformed date", func(q *Query) { q.DateMin = "03/01/2026" }},
		{"injection attempt", func(q *Query) { q.DateMax = "2026-03-31'; DROP TABLE entity;--" }},
		{"inverted range", func(q *Query) { q.DateMin, q.DateMax = q.DateMax, q.DateMin }},
		{"unknown seed", func(q *Query) { q.SeedName = "Atlantis" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := buildQuery("Moscow")
			tt.edit(&q)
			res, err := b.Build(context.Background(), q)
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			assertPlaceholder(t, res)
		})
	}
}

func TestBuildEmptyPoolYieldsPlaceholder(t *testing.T) {
	s := &fakeStore{seeds: map[string]Seed{"Moscow": {EntityID: 1, Name: "Moscow"}}}
	b := NewBuilder(Params{Store: s})

	res, err := b.Build(context.Background(), buildQuery("Moscow"))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	assertPlaceholder(t, res)
}

func TestBuildStorageFailureSurfaces(t *testing.T) {
	wantErr := errors.New("connection refused")
	b := NewBuilder(Params{Store: &fakeStore{err: wantErr}})

	_, err := b.Build(context.Background(), buildQuery("Moscow"))
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want wrapped %v", err, wantErr)
	}
}

func assertPlaceholder(t *testing.T, res Result) {
	t.Helper()
	if len(res.Graph.Nodes) != 3 || len(res.Graph.Edges) != 3 {
		t.Fatalf("got %d nodes / %d edges, want 3/3 placeholder",
			len(res.Graph.Nodes), len(res.Graph.Edges))
	}
	for _, e := range res.Graph.Edges {
		if e.EvidenceCount != 0 {
			t.Errorf("placeholder edge carries evidence count %d", e.EvidenceCount)
		}
	}
	joined := ""
	for _, n := range res.Graph.Nodes {
		joined += n.ID + "|"
	}
	if !strings.Contains(joined, "No data") {
		t.Errorf("placeholder nodes = %q", joined)
	}
}
