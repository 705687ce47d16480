package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
)

// PageStore keeps fetch log entries in memory.
type PageStore struct {
	mu    sync.RWMutex
	pages map[string][]crawler.PageRecord
}

// NewPageStore constructs an empty PageStore.
func NewPageStore() *PageStore {
	return &PageStore{pages: make(map[string][]crawler.PageRecord)}
}

// RecordPage appends a copy of record under its job.
func (s *PageStore) RecordPage(_ context.Context, record crawler.PageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record.Headers = record.Headers.Clone()
	s.pages[record.JobID] = append(s.pages[record.JobID], record)
	return nil
}

// Pages returns the entries recorded for a job.
func (s *PageStore) Pages(jobID string) []crawler.PageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]crawler.PageRecord(nil), s.pages[jobID]...)
}
