package memory

import (
	"context"
	"testing"
	"time"

	"github.com/pressgraph/backend/pkg/common"
	"github.com/pressgraph/backend/pkg/store"
)

func captureDay(d int) time.Time {
	return time.Date(2026, time.April, d, 0, 0, 0, 0, time.UTC)
}

// seedEntityWithStats inserts one entity with one synonym and a usage
// record per given (type, capture day) pair, returning the entity id.
func seedEntityWithStats(t *testing.T, s *Store, name string, stats []store.UsageStatRow) int64 {
	t.Helper()
	var entityID int64
	err := s.ResolveBatch(context.Background(), func(tx store.ResolutionTx) error {
		if err := tx.InsertEntities(context.Background(), []store.NewEntityRow{{DisplayName: name}}); err != nil {
			return err
		}
		idx, err := tx.CanonicalIndex(context.Background())
		if err != nil {
			return err
		}
		entityID = idx.ByName[name]
		synIDs, err := tx.InsertSynonyms(context.Background(), []store.NewSynonymRow{
			{EntityID: entityID, SurfaceForm: name},
		})
		if err != nil {
			return err
		}
		for i := range stats {
			stats[i].SynonymID = synIDs[0]
		}
		return tx.InsertUsageStats(context.Background(), stats)
	})
	if err != nil {
		t.Fatalf("ResolveBatch: %v", err)
	}
	return entityID
}

func TestRefreshEntityTypesPicksMode(t *testing.T) {
	s := NewStore()
	id := seedEntityWithStats(t, s, "Gazprom", []store.UsageStatRow{
		{MentionCount: 1, CapturedAt: captureDay(1), CapturedType: common.TypeLocation},
		{MentionCount: 1, CapturedAt: captureDay(2), CapturedType: common.TypeLocation},
		{MentionCount: 1, CapturedAt: captureDay(9), CapturedType: common.TypeOrganization},
	})

	if err := s.RefreshEntityTypes(context.Background()); err != nil {
		t.Fatalf("RefreshEntityTypes: %v", err)
	}
	if got := s.EntityTypeOf(id); got != common.TypeLocation {
		t.Errorf("type = %q, want %q despite a newer minority capture", got, common.TypeLocation)
	}
}

func TestRefreshEntityTypesBreaksTiesByMostRecentCapture(t *testing.T) {
	s := NewStore()
	id := seedEntityWithStats(t, s, "Sber", []store.UsageStatRow{
		{MentionCount: 1, CapturedAt: captureDay(1), CapturedType: common.TypeLocation},
		{MentionCount: 1, CapturedAt: captureDay(3), CapturedType: common.TypeLocation},
		{MentionCount: 1, CapturedAt: captureDay(2), CapturedType: common.TypeOrganization},
		{MentionCount: 1, CapturedAt: captureDay(4), CapturedType: common.TypeOrganization},
	})

	if err := s.RefreshEntityTypes(context.Background()); err != nil {
		t.Fatalf("RefreshEntityTypes: %v", err)
	}
	if got := s.EntityTypeOf(id); got != common.TypeOrganization {
		t.Errorf("type = %q, want %q from the most recent tied capture", got, common.TypeOrganization)
	}
}
