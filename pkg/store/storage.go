package store

import (
	"context"
	"time"

	"github.com/pressgraph/backend/pkg/common"
)

// SynonymRef points from a surface form (or match key) to its synonym
// row and the canonical entity the synonym belongs to.
type SynonymRef struct {
	SynonymID int64
	EntityID  int64
}

// SynonymIndex is the local synonym dictionary loaded into memory for
// one resolution batch.
type SynonymIndex struct {
	BySurface  map[string]SynonymRef
	ByMatchKey map[string]SynonymRef
}

// CanonicalIndex maps canonical display names and external knowledge
// base identifiers to entity ids.
type CanonicalIndex struct {
	ByName       map[string]int64
	ByExternalID map[string]int64
}

// NewEntityRow is a canonical entity pending insertion. An empty
// ExternalID persists as NULL.
type NewEntityRow struct {
	DisplayName string
	EntityType  string
	ExternalID  string
}

// NewSynonymRow is a surface form pending insertion. An empty MatchKey
// persists as NULL (the key is computed lazily and may be absent).
type NewSynonymRow struct {
	EntityID    int64
	SurfaceForm string
	MatchKey    string
}

// DocumentLinkRow links a document to a canonical entity. A nil EntityID
// records "this document had no linkable entities".
type DocumentLinkRow struct {
	DocumentID int64
	EntityID   *int64
}

// UsageStatRow is one usage-statistics capture for a synonym.
type UsageStatRow struct {
	SynonymID    int64
	MentionCount int
	CapturedAt   time.Time
	ModelID      string
	CapturedType string
}

// CustomEntityRow is an operator-curated canonical entity. Its display
// name is pinned: the periodic refresh never overwrites it.
type CustomEntityRow struct {
	DisplayName string
	EntityType  string
	ExternalID  string
}

// ResolutionTx is the write surface available inside one resolution
// transaction. Everything performed through it commits or rolls back as
// a unit.
type ResolutionTx interface {
	InsertEntities(ctx context.Context, rows []NewEntityRow) error
	// CanonicalIndex reads the canonical table as seen inside the open
	// transaction, including rows inserted by InsertEntities.
	CanonicalIndex(ctx context.Context) (CanonicalIndex, error)
	// InsertSynonyms returns the generated synonym ids, ordered as rows.
	InsertSynonyms(ctx context.Context, rows []NewSynonymRow) ([]int64, error)
	InsertDocumentLinks(ctx context.Context, rows []DocumentLinkRow) error
	InsertUsageStats(ctx context.Context, rows []UsageStatRow) error
}

// Storage is the narrow persistence gateway the resolution pipeline and
// the maintenance step consume.
type Storage interface {
	// PendingDocuments returns documents that have a summary and no
	// document_link rows yet, i.e. have not passed entity resolution.
	PendingDocuments(ctx context.Context) ([]common.Document, error)

	SynonymIndex(ctx context.Context) (SynonymIndex, error)
	CanonicalIndex(ctx context.Context) (CanonicalIndex, error)

	// ResolveBatch runs fn inside a single transaction. If fn returns an
	// error nothing is committed.
	ResolveBatch(ctx context.Context, fn func(tx ResolutionTx) error) error

	// RefreshDisplayNames recomputes each canonical display name as the
	// historically most-mentioned surface form, for entities touched by
	// the latest batch. Entities with a custom name are skipped.
	RefreshDisplayNames(ctx context.Context) error
	// RefreshEntityTypes recomputes each canonical type as the mode of
	// captured types, ties broken by the most recent capture.
	RefreshEntityTypes(ctx context.Context) error

	CreateCustomEntity(ctx context.Context, row CustomEntityRow) error

	// SearchSurfaceForms returns known surface forms matching a user
	// query, for seed-input autocompletion.
	SearchSurfaceForms(ctx context.Context, query string, limit int) ([]string, error)
}
