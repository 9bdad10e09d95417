package resolve

import (
	"context"
	"errors"
	"testing"

	"github.com/pressgraph/backend/pkg/ner"
	"github.com/pressgraph/backend/pkg/normalize"
	"github.com/pressgraph/backend/pkg/store"
	"github.com/pressgraph/backend/pkg/store/memory"
)

type fakeKB struct {
	ids map[string]string
}

func (f *fakeKB) Lookup(ctx context.Context, name string) (string, bool) {
	id, ok := f.ids[name]
	return id, ok
}

func newTestEngine(s store.Storage, kb KBResolver) *Engine {
	return NewEngine(EngineParams{
		Store:      s,
		KB:         kb,
		Normalizer: normalize.New(normalize.NewDictMorph(nil)),
		ModelID:    "test-model",
		KBParallel: 2,
	})
}

func mention(surface, typ string) ner.Mention {
	return ner.Mention{Surface: surface, Type: typ}
}

func TestResolveBatchCollapsesByExternalID(t *testing.T) {
	s := memory.NewStore()
	kb := &fakeKB{ids: map[string]string{
		"USA":           "Q30",
		"United States": "Q30",
	}}
	engine := newTestEngine(s, kb)

	reg := NewRegistry()
	reg.AddDocument(1, []ner.Mention{mention("USA", "LOC"), mention("United States", "LOC")})
	reg.AddDocument(2, []ner.Mention{mention("USA", "LOC"), mention("United States", "LOC")})
	for docID := int64(3); docID <= 5; docID++ {
		reg.AddDocument(docID, []ner.Mention{mention("United States", "LOC")})
	}

	summary, err := engine.ResolveBatch(context.Background(), reg)
	if err != nil {
		t.Fatalf("ResolveBatch: %v", err)
	}
	if summary.NewEntities != 1 {
		t.Fatalf("new entities = %d, want 1 (collapsed by external id)", summary.NewEntities)
	}

	entities := s.Entities()
	if len(entities) != 1 {
		t.Fatalf("canonical entities = %d, want 1", len(entities))
	}
	for _, name := range entities {
		if name != "United States" {
			t.Errorf("display name = %q, want the surface with more documents", name)
		}
	}

	usa := reg.Entities()[0]
	us := reg.Entities()[1]
	if usa.EntityID() != us.EntityID() {
		t.Errorf("entity ids differ: %d vs %d", usa.EntityID(), us.EntityID())
	}
	if usa.State() != StateTableMatched {
		t.Errorf("collapsed sibling state = %s, want table", usa.State())
	}
}

func TestResolveBatchSynonymAndNormalizedMatch(t *testing.T) {
	s := memory.NewStore()
	engine := newTestEngine(s, &fakeKB{})

	// First batch creates the entity and its synonym row.
	first := NewRegistry()
	first.AddDocument(1, []ner.Mention{mention("Gazprom", "ORG")})
	if _, err := engine.ResolveBatch(context.Background(), first); err != nil {
		t.Fatalf("first batch: %v", err)
	}

	second := NewRegistry()
	second.AddDocument(2, []ner.Mention{mention("Gazprom", "ORG"), mention("GAZPROM", "ORG")})
	summary, err := engine.ResolveBatch(context.Background(), second)
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if summary.SynonymMatched != 1 {
		t.Errorf("synonym matched = %d, want 1", summary.SynonymMatched)
	}
	if summary.NormalizedMatched != 1 {
		t.Errorf("normalized matched = %d, want 1", summary.NormalizedMatched)
	}
	if summary.NewEntities != 0 {
		t.Errorf("new entities = %d, want 0", summary.NewEntities)
	}

	exact := second.Entities()[0]
	variant := second.Entities()[1]
	if exact.EntityID() != variant.EntityID() {
		t.Errorf("variants resolved to different entities: %d vs %d", exact.EntityID(), variant.EntityID())
	}
}

func TestResolveBatchEmptyDocumentGetsNullLink(t *testing.T) {
	s := memory.NewStore()
	engine := newTestEngine(s, &fakeKB{})

	reg := NewRegistry()
	reg.AddDocument(7, nil)
	reg.AddDocument(8, []ner.Mention{mention("Kremlin", "LOC")})

	if _, err := engine.ResolveBatch(context.Background(), reg); err != nil {
		t.Fatalf("ResolveBatch: %v", err)
	}

	links := s.Links()
	if len(links) != 2 {
		t.Fatalf("links = %d, want 2", len(links))
	}
	var sawNull bool
	for _, l := range links {
		if l.DocumentID == 7 {
			sawNull = true
			if l.EntityID != nil {
				t.Errorf("document 7 link entity = %d, want nil", *l.EntityID)
			}
		}
	}
	if !sawNull {
		t.Error("document without mentions got no link row")
	}
}

func TestResolveBatchUsageStats(t *testing.T) {
	s := memory.NewStore()
	engine := newTestEngine(s, &fakeKB{})

	reg := NewRegistry()
	reg.AddDocument(1, []ner.Mention{mention("Moscow", "LOC")})
	reg.AddDocument(2, []ner.Mention{mention("Moscow", "LOC")})
	if _, err := engine.ResolveBatch(context.Background(), reg); err != nil {
		t.Fatalf("ResolveBatch: %v", err)
	}

	stats := s.Stats()
	if len(stats) != 1 {
		t.Fatalf("stats = %d, want 1", len(stats))
	}
	st := stats[0]
	if st.MentionCount != 2 {
		t.Errorf("mention count = %d, want 2", st.MentionCount)
	}
	if st.ModelID != "test-model" {
		t.Errorf("model id = %q", st.ModelID)
	}
	if st.CapturedType != "LOC" {
		t.Errorf("captured type = %q, want LOC", st.CapturedType)
	}
	if st.SynonymID == 0 {
		t.Error("synonym id not assigned")
	}
}

// brokenTxStore reports an empty canonical index inside the transaction
// so the post-insert re-check can never succeed.
type brokenTxStore struct {
	*memory.Store
}

type brokenTx struct{ store.ResolutionTx }

func (brokenTx) CanonicalIndex(ctx context.Context) (store.CanonicalIndex, error) {
	return store.CanonicalIndex{
		ByName:       map[string]int64{},
		ByExternalID: map[string]int64{},
	}, nil
}

func (b *brokenTxStore) ResolveBatch(ctx context.Context, fn func(tx store.ResolutionTx) error) error {
	return b.Store.ResolveBatch(ctx, func(tx store.ResolutionTx) error {
		return fn(brokenTx{tx})
	})
}

func TestResolveBatchUnresolvedRollsBack(t *testing.T) {
	s := &brokenTxStore{Store: memory.NewStore()}
	engine := newTestEngine(s, &fakeKB{})

	reg := NewRegistry()
	reg.AddDocument(1, []ner.Mention{mention("Atlantis", "LOC")})

	_, err := engine.ResolveBatch(context.Background(), reg)
	if !errors.Is(err, ErrUnresolved) {
		t.Fatalf("err = %v, want ErrUnresolved", err)
	}
	if got := len(s.Links()); got != 0 {
		t.Errorf("links persisted after failed batch: %d", got)
	}
	if got := len(s.Entities()); got != 0 {
		t.Errorf("entities persisted after failed batch: %d", got)
	}
}

func TestStagedEntityTypeMode(t *testing.T) {
	reg := NewRegistry()
	reg.AddDocument(1, []ner.Mention{mention("Georgia", "LOC")})
	reg.AddDocument(2, []ner.Mention{mention("Georgia", "PER")})
	reg.AddDocument(3, []ner.Mention{mention("Georgia", "LOC")})

	if got := reg.Entities()[0].Type(); got != "LOC" {
		t.Errorf("type = %q, want mode LOC", got)
	}

	tie := NewRegistry()
	tie.AddDocument(1, []ner.Mention{mention("Mercury", "MISC")})
	tie.AddDocument(2, []ner.Mention{mention("Mercury", "PER")})
	if got := tie.Entities()[0].Type(); got != "MISC" {
		t.Errorf("tie type = %q, want first seen MISC", got)
	}
}
