package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
)

// ChunkStore implements crawler.ChunkStore on the chunks and source_chunks
// tables. Reference counts only change inside a transaction together with
// the mapping rows that justify them.
type ChunkStore struct {
	db    dbtx
	codec crawler.ContentCodec
}

// NewChunkStore wraps a pool (or pgxmock pool).
func NewChunkStore(db dbtx, codec crawler.ContentCodec) (*ChunkStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if codec == nil {
		return nil, fmt.Errorf("codec is required")
	}
	return &ChunkStore{db: db, codec: codec}, nil
}

// StoreOrReuse increments the chunk stored under the content hash or inserts
// it, then maps it into the source. A concurrent insert of the same hash is
// absorbed by ON CONFLICT as an increment.
func (s *ChunkStore) StoreOrReuse(ctx context.Context, content string, ref crawler.SourceRef) (crawler.StoreResult, error) {
	hash, err := s.codec.Hash(content)
	if err != nil {
		return crawler.StoreResult{}, fmt.Errorf("failed to hash chunk: %w", err)
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return crawler.StoreResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var res crawler.StoreResult
	err = tx.QueryRow(ctx, `
UPDATE chunks SET ref_count = ref_count + 1
WHERE content_hash = $1
RETURNING id, original_size, compressed_size`, hash).Scan(&res.ChunkID, &res.OriginalSize, &res.CompressedSize)
	switch {
	case err == nil:
		res.Reused = true
	case errors.Is(err, pgx.ErrNoRows):
		data := s.codec.Compress(content)
		var inserted bool
		err = tx.QueryRow(ctx, `
INSERT INTO chunks (content_hash, data, token_count, original_size, compressed_size, ref_count)
VALUES ($1, $2, $3, $4, $5, 1)
ON CONFLICT (content_hash) DO UPDATE SET ref_count = chunks.ref_count + 1
RETURNING id, (xmax = 0) AS inserted, original_size, compressed_size`,
			hash, data, ref.TokenCount, len(content), len(data),
		).Scan(&res.ChunkID, &inserted, &res.OriginalSize, &res.CompressedSize)
		if err != nil {
			return crawler.StoreResult{}, fmt.Errorf("insert chunk: %w", err)
		}
		res.Reused = !inserted
	default:
		return crawler.StoreResult{}, fmt.Errorf("increment chunk: %w", err)
	}

	tag, err := tx.Exec(ctx, `
INSERT INTO source_chunks (source_id, chunk_index, chunk_id, customer_id)
VALUES ($1, $2, $3, $4)
ON CONFLICT DO NOTHING`, ref.SourceID, ref.Index, res.ChunkID, ref.CustomerID)
	if err != nil {
		return crawler.StoreResult{}, fmt.Errorf("insert mapping: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.StoreResult{}, fmt.Errorf("source %s index %d: %w",
			ref.SourceID, ref.Index, crawler.ErrMappingExists)
	}
	if err := tx.Commit(ctx); err != nil {
		return crawler.StoreResult{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// ReleaseSource deletes the source's mappings and decrements their chunks in
// id order, deleting any chunk that reaches zero.
func (s *ChunkStore) ReleaseSource(ctx context.Context, sourceID string) (crawler.ReleaseResult, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return crawler.ReleaseResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `DELETE FROM source_chunks WHERE source_id = $1 RETURNING chunk_id`, sourceID)
	if err != nil {
		return crawler.ReleaseResult{}, fmt.Errorf("delete mappings: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return crawler.ReleaseResult{}, fmt.Errorf("scan mapping: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return crawler.ReleaseResult{}, fmt.Errorf("delete mappings: %w", err)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	res := crawler.ReleaseResult{Mappings: len(ids)}
	for _, id := range ids {
		var remaining int
		err := tx.QueryRow(ctx,
			`UPDATE chunks SET ref_count = ref_count - 1 WHERE id = $1 RETURNING ref_count`, id,
		).Scan(&remaining)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return crawler.ReleaseResult{}, fmt.Errorf("decrement chunk %d: %w", id, err)
		}
		if remaining > 0 {
			continue
		}
		tag, err := tx.Exec(ctx, `DELETE FROM chunks WHERE id = $1 AND ref_count <= 0`, id)
		if err != nil {
			return crawler.ReleaseResult{}, fmt.Errorf("delete chunk %d: %w", id, err)
		}
		res.ChunksDeleted += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return crawler.ReleaseResult{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// Stats aggregates dedup totals globally, or over one customer's mappings.
func (s *ChunkStore) Stats(ctx context.Context, customerID string) (crawler.DedupStats, error) {
	const global = `
SELECT
	COUNT(*),
	COALESCE(SUM(ref_count), 0)::bigint,
	COALESCE(SUM(original_size), 0)::bigint,
	COALESCE(SUM(compressed_size), 0)::bigint,
	COALESCE(SUM(original_size::bigint * ref_count), 0)::bigint
FROM chunks`
	const perCustomer = `
WITH refs AS (
	SELECT chunk_id, COUNT(*) AS n
	FROM source_chunks
	WHERE customer_id = $1
	GROUP BY chunk_id
)
SELECT
	COUNT(*),
	COALESCE(SUM(refs.n), 0)::bigint,
	COALESCE(SUM(c.original_size), 0)::bigint,
	COALESCE(SUM(c.compressed_size), 0)::bigint,
	COALESCE(SUM(c.original_size::bigint * refs.n), 0)::bigint
FROM refs
JOIN chunks c ON c.id = refs.chunk_id`

	var row pgx.Row
	if customerID == "" {
		row = s.db.QueryRow(ctx, global)
	} else {
		row = s.db.QueryRow(ctx, perCustomer, customerID)
	}
	var (
		unique int64
		refs   int64
		totals crawler.DedupTotals
	)
	if err := row.Scan(&unique, &refs, &totals.OriginalBytes, &totals.CompressedBytes, &totals.LogicalBytes); err != nil {
		return crawler.DedupStats{}, fmt.Errorf("dedup stats: %w", err)
	}
	totals.UniqueChunks = int(unique)
	totals.TotalReferences = int(refs)
	return totals.Stats(), nil
}

// SourceChunks returns a source's chunk text in index order.
func (s *ChunkStore) SourceChunks(ctx context.Context, sourceID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
SELECT c.data
FROM source_chunks sc
JOIN chunks c ON c.id = sc.chunk_id
WHERE sc.source_id = $1
ORDER BY sc.chunk_index`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("load source chunks: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		text, err := s.codec.Decompress(data)
		if err != nil {
			return nil, err
		}
		out = append(out, text)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load source chunks: %w", err)
	}
	return out, nil
}
