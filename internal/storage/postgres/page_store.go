package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PageStore writes fetch log rows.
type PageStore struct {
	db    dbtx
	table string
}

// NewPageStore constructs a store writing into table (crawl_pages when empty).
func NewPageStore(db dbtx, table string) (*PageStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "crawl_pages"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PageStore{db: db, table: table}, nil
}

// RecordPage inserts one fetch log row.
func (s *PageStore) RecordPage(ctx context.Context, record crawler.PageRecord) error {
	if record.JobID == "" {
		return fmt.Errorf("record job id is required")
	}
	headersJSON, err := json.Marshal(normalizeHeaders(record.Headers))
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	job_id,
	source_id,
	url,
	status_code,
	content_type,
	content_hash,
	blob_uri,
	headers,
	used_headless,
	fetched_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)`, s.table)

	args := []any{
		record.JobID,
		record.SourceID,
		record.URL,
		record.StatusCode,
		record.ContentType,
		record.ContentHash,
		record.BlobURI,
		headersJSON,
		record.UsedHeadless,
		record.FetchedAt,
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert page: %w", err)
	}
	return nil
}

func normalizeHeaders(h http.Header) map[string][]string {
	if len(h) == 0 {
		return map[string][]string{}
	}
	out := make(map[string][]string, len(h))
	for k, values := range h {
		out[k] = append([]string(nil), values...)
	}
	return out
}
