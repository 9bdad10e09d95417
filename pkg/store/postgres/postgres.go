// Package postgres implements the persistence gateways on PostgreSQL
// via pgx. Seed matching relies on the pg_trgm extension; migrations
// create it.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pressgraph/backend/pkg/comention"
	"github.com/pressgraph/backend/pkg/common"
	"github.com/pressgraph/backend/pkg/store"
)

type Store struct {
	pool *pgxpool.Pool
}

var (
	_ store.Storage   = (*Store)(nil)
	_ comention.Store = (*Store)(nil)
)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const pendingDocumentsSQL = `
SELECT d.id, d.raw_text, s.summary, d.source_id, d.published_at
FROM document d
JOIN document_summary s ON s.document_id = d.id
WHERE NOT EXISTS (
	SELECT 1 FROM document_link l WHERE l.document_id = d.id
)
ORDER BY d.published_at, d.id`

func (s *Store) PendingDocuments(ctx context.Context) ([]common.Document, error) {
	rows, err := s.pool.Query(ctx, pendingDocumentsSQL)
	if err != nil {
		return nil, fmt.Errorf("query pending documents: %w", err)
	}
	defer rows.Close()

	var docs []common.Document
	for rows.Next() {
		var doc common.Document
		if err := rows.Scan(&doc.ID, &doc.RawText, &doc.Summary, &doc.SourceID, &doc.PublishedAt); err != nil {
			return nil, fmt.Errorf("scan pending document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

const synonymIndexSQL = `
SELECT id, entity_id, surface_form, COALESCE(match_key, '')
FROM entity_synonym`

func (s *Store) SynonymIndex(ctx context.Context) (store.SynonymIndex, error) {
	idx := store.SynonymIndex{
		BySurface:  make(map[string]store.SynonymRef),
		ByMatchKey: make(map[string]store.SynonymRef),
	}
	rows, err := s.pool.Query(ctx, synonymIndexSQL)
	if err != nil {
		return idx, fmt.Errorf("query synonym index: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ref store.SynonymRef
		var surface, matchKey string
		if err := rows.Scan(&ref.SynonymID, &ref.EntityID, &surface, &matchKey); err != nil {
			return idx, fmt.Errorf("scan synonym: %w", err)
		}
		idx.BySurface[surface] = ref
		if matchKey != "" {
			idx.ByMatchKey[matchKey] = ref
		}
	}
	return idx, rows.Err()
}

const canonicalIndexSQL = `
SELECT id, display_name, COALESCE(external_id, '')
FROM entity`

func scanCanonicalIndex(rows pgx.Rows) (store.CanonicalIndex, error) {
	idx := store.CanonicalIndex{
		ByName:       make(map[string]int64),
		ByExternalID: make(map[string]int64),
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var name, externalID string
		if err := rows.Scan(&id, &name, &externalID); err != nil {
			return idx, fmt.Errorf("scan entity: %w", err)
		}
		idx.ByName[name] = id
		if externalID != "" {
			idx.ByExternalID[externalID] = id
		}
	}
	return idx, rows.Err()
}

func (s *Store) CanonicalIndex(ctx context.Context) (store.CanonicalIndex, error) {
	rows, err := s.pool.Query(ctx, canonicalIndexSQL)
	if err != nil {
		return store.CanonicalIndex{}, fmt.Errorf("query canonical index: %w", err)
	}
	return scanCanonicalIndex(rows)
}

func (s *Store) ResolveBatch(ctx context.Context, fn func(tx store.ResolutionTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin resolution transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&resolutionTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit resolution transaction: %w", err)
	}
	return nil
}

type resolutionTx struct {
	tx pgx.Tx
}

const insertEntitySQL = `
INSERT INTO entity (display_name, entity_type, external_id)
VALUES ($1, $2, NULLIF($3, ''))`

func (t *resolutionTx) InsertEntities(ctx context.Context, rows []store.NewEntityRow) error {
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(insertEntitySQL, row.DisplayName, row.EntityType, row.ExternalID)
	}
	results := t.tx.SendBatch(ctx, batch)
	defer results.Close()
	for range rows {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert entity: %w", err)
		}
	}
	return nil
}

func (t *resolutionTx) CanonicalIndex(ctx context.Context) (store.CanonicalIndex, error) {
	rows, err := t.tx.Query(ctx, canonicalIndexSQL)
	if err != nil {
		return store.CanonicalIndex{}, fmt.Errorf("query canonical index: %w", err)
	}
	return scanCanonicalIndex(rows)
}

const insertSynonymSQL = `
INSERT INTO entity_synonym (entity_id, surface_form, match_key)
VALUES ($1, $2, NULLIF($3, ''))
RETURNING id`

func (t *resolutionTx) InsertSynonyms(ctx context.Context, rows []store.NewSynonymRow) ([]int64, error) {
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(insertSynonymSQL, row.EntityID, row.SurfaceForm, row.MatchKey)
	}
	results := t.tx.SendBatch(ctx, batch)
	defer results.Close()

	ids := make([]int64, 0, len(rows))
	for range rows {
		var id int64
		if err := results.QueryRow().Scan(&id); err != nil {
			return nil, fmt.Errorf("insert synonym: %w", err)
		}
		ids = append(ids, id)
	}
	if err := results.Close(); err != nil {
		return nil, fmt.Errorf("close synonym batch: %w", err)
	}
	return ids, nil
}

const insertDocumentLinkSQL = `
INSERT INTO document_link (document_id, entity_id)
VALUES ($1, $2)
ON CONFLICT DO NOTHING`

func (t *resolutionTx) InsertDocumentLinks(ctx context.Context, rows []store.DocumentLinkRow) error {
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(insertDocumentLinkSQL, row.DocumentID, row.EntityID)
	}
	results := t.tx.SendBatch(ctx, batch)
	defer results.Close()
	for range rows {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert document link: %w", err)
		}
	}
	return nil
}

const insertUsageStatSQL = `
INSERT INTO synonym_stat (synonym_id, mention_count, captured_at, model_id, captured_type)
VALUES ($1, $2, $3, $4, $5)`

func (t *resolutionTx) InsertUsageStats(ctx context.Context, rows []store.UsageStatRow) error {
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(insertUsageStatSQL,
			row.SynonymID, row.MentionCount, row.CapturedAt, row.ModelID, row.CapturedType)
	}
	results := t.tx.SendBatch(ctx, batch)
	defer results.Close()
	for range rows {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert usage stat: %w", err)
		}
	}
	return nil
}

// refreshDisplayNamesSQL promotes, per entity touched by the most
// recent capture, the surface form with the highest cumulative mention
// count. Entities with an operator-pinned name are left alone.
const refreshDisplayNamesSQL = `
WITH latest AS (
	SELECT MAX(captured_at) AS at FROM synonym_stat
),
touched AS (
	SELECT DISTINCT es.entity_id
	FROM synonym_stat st
	JOIN entity_synonym es ON es.id = st.synonym_id
	JOIN latest ON st.captured_at = latest.at
),
ranked AS (
	SELECT DISTINCT ON (es.entity_id) es.entity_id, es.surface_form
	FROM entity_synonym es
	JOIN (
		SELECT synonym_id, SUM(mention_count) AS total
		FROM synonym_stat
		GROUP BY synonym_id
	) totals ON totals.synonym_id = es.id
	WHERE es.entity_id IN (SELECT entity_id FROM touched)
	ORDER BY es.entity_id, totals.total DESC, es.id
)
UPDATE entity e
SET display_name = r.surface_form
FROM ranked r
WHERE e.id = r.entity_id
  AND NOT e.is_custom_name
  AND e.display_name IS DISTINCT FROM r.surface_form`

func (s *Store) RefreshDisplayNames(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, refreshDisplayNamesSQL); err != nil {
		return fmt.Errorf("refresh display names: %w", err)
	}
	return nil
}

// refreshEntityTypesSQL sets each entity type to the most frequently
// captured type, ties broken by the most recent capture.
const refreshEntityTypesSQL = `
WITH ranked AS (
	SELECT DISTINCT ON (es.entity_id) es.entity_id, st.captured_type
	FROM synonym_stat st
	JOIN entity_synonym es ON es.id = st.synonym_id
	WHERE st.captured_type <> ''
	GROUP BY es.entity_id, st.captured_type
	ORDER BY es.entity_id, COUNT(*) DESC, MAX(st.captured_at) DESC
)
UPDATE entity e
SET entity_type = r.captured_type
FROM ranked r
WHERE e.id = r.entity_id
  AND e.entity_type IS DISTINCT FROM r.captured_type`

func (s *Store) RefreshEntityTypes(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, refreshEntityTypesSQL); err != nil {
		return fmt.Errorf("refresh entity types: %w", err)
	}
	return nil
}

const insertCustomEntitySQL = `
INSERT INTO entity (display_name, entity_type, external_id, is_custom_name)
VALUES ($1, $2, NULLIF($3, ''), TRUE)
RETURNING id`

func (s *Store) CreateCustomEntity(ctx context.Context, row store.CustomEntityRow) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin custom entity transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var entityID int64
	err = tx.QueryRow(ctx, insertCustomEntitySQL,
		row.DisplayName, row.EntityType, row.ExternalID).Scan(&entityID)
	if err != nil {
		return fmt.Errorf("insert custom entity: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO entity_synonym (entity_id, surface_form) VALUES ($1, $2)`,
		entityID, row.DisplayName)
	if err != nil {
		return fmt.Errorf("insert custom entity synonym: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit custom entity: %w", err)
	}
	return nil
}

const searchSurfaceFormsSQL = `
SELECT DISTINCT surface_form
FROM entity_synonym
WHERE surface_form ILIKE '%' || $1 || '%'
ORDER BY surface_form
LIMIT $2`

func (s *Store) SearchSurfaceForms(ctx context.Context, query string, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, searchSurfaceFormsSQL, escapeLike(query), limit)
	if err != nil {
		return nil, fmt.Errorf("search surface forms: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var surface string
		if err := rows.Scan(&surface); err != nil {
			return nil, fmt.Errorf("scan surface form: %w", err)
		}
		out = append(out, surface)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// resolveSeedSQL trigram-matches a user-entered name against known
// surface forms, preferring the most similar form, then the closest
// length.
const resolveSeedSQL = `
SELECT es.entity_id, e.display_name
FROM entity_synonym es
JOIN entity e ON e.id = es.entity_id
WHERE es.surface_form % $1
ORDER BY similarity(es.surface_form, $1) DESC,
         ABS(CHAR_LENGTH(es.surface_form) - CHAR_LENGTH($1))
LIMIT 1`

func (s *Store) ResolveSeed(ctx context.Context, name string) (*comention.Seed, error) {
	var seed comention.Seed
	err := s.pool.QueryRow(ctx, resolveSeedSQL, name).Scan(&seed.EntityID, &seed.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve seed: %w", err)
	}
	return &seed, nil
}

// coMentionsSQL pairs every two entities linked to the same document
// within the window, restricted to documents whose distinct entity
// count stays inside the noise bounds.
const coMentionsSQL = `
WITH windowed AS (
	SELECT l.document_id, l.entity_id, d.published_at
	FROM document_link l
	JOIN document d ON d.id = l.document_id
	WHERE l.entity_id IS NOT NULL
	  AND d.published_at >= $1
	  AND d.published_at < $2
),
eligible AS (
	SELECT document_id
	FROM windowed
	GROUP BY document_id
	HAVING COUNT(DISTINCT entity_id) BETWEEN $3 AND $4
)
SELECT w1.document_id, w1.published_at, COALESCE(s.summary, ''),
       w1.entity_id, w2.entity_id,
       e1.display_name, e2.display_name,
       e1.entity_type, e2.entity_type
FROM windowed w1
JOIN windowed w2
  ON w2.document_id = w1.document_id AND w1.entity_id < w2.entity_id
JOIN eligible el ON el.document_id = w1.document_id
JOIN entity e1 ON e1.id = w1.entity_id
JOIN entity e2 ON e2.id = w2.entity_id
LEFT JOIN document_summary s ON s.document_id = w1.document_id
ORDER BY w1.published_at, w1.document_id`

func (s *Store) CoMentions(ctx context.Context, w comention.Window) ([]comention.Pair, error) {
	// The upper bound is an inclusive calendar date; extend it to the
	// end of that day.
	upper := w.DateMax.Add(24 * time.Hour)
	rows, err := s.pool.Query(ctx, coMentionsSQL,
		w.DateMin, upper, w.MinDocEntities, w.MaxDocEntities)
	if err != nil {
		return nil, fmt.Errorf("query co-mentions: %w", err)
	}
	defer rows.Close()

	var pairs []comention.Pair
	for rows.Next() {
		var p comention.Pair
		err := rows.Scan(&p.DocumentID, &p.DocumentDate, &p.Summary,
			&p.SourceID, &p.TargetID,
			&p.SourceName, &p.TargetName,
			&p.SourceType, &p.TargetType)
		if err != nil {
			return nil, fmt.Errorf("scan co-mention pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}
