package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
)

type sourceMapping struct {
	index      int
	chunkID    int64
	customerID string
}

// ChunkStore implements crawler.ChunkStore in memory. Chunks are keyed by
// content hash; a miss compresses outside the lock and re-checks on insert,
// so a racing insert of the same hash turns into a reference increment.
type ChunkStore struct {
	mu       sync.Mutex
	codec    crawler.ContentCodec
	byHash   map[string]*crawler.Chunk
	byID     map[int64]*crawler.Chunk
	mappings map[string][]sourceMapping
	nextID   int64
	now      func() time.Time
}

// NewChunkStore creates an empty ChunkStore.
func NewChunkStore(codec crawler.ContentCodec) *ChunkStore {
	return &ChunkStore{
		codec:    codec,
		byHash:   make(map[string]*crawler.Chunk),
		byID:     make(map[int64]*crawler.Chunk),
		mappings: make(map[string][]sourceMapping),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// StoreOrReuse stores content once per normalized hash and maps it into the
// source at ref.Index.
func (s *ChunkStore) StoreOrReuse(_ context.Context, content string, ref crawler.SourceRef) (crawler.StoreResult, error) {
	hash, err := s.codec.Hash(content)
	if err != nil {
		return crawler.StoreResult{}, fmt.Errorf("failed to hash chunk: %w", err)
	}

	s.mu.Lock()
	if res, ok, err := s.incrementLocked(hash, ref); ok || err != nil {
		s.mu.Unlock()
		return res, err
	}
	s.mu.Unlock()

	data := s.codec.Compress(content)

	s.mu.Lock()
	defer s.mu.Unlock()
	if res, ok, err := s.incrementLocked(hash, ref); ok || err != nil {
		return res, err
	}
	s.nextID++
	chunk := &crawler.Chunk{
		ID:             s.nextID,
		ContentHash:    hash,
		Data:           data,
		TokenCount:     ref.TokenCount,
		OriginalSize:   len(content),
		CompressedSize: len(data),
		RefCount:       1,
		CreatedAt:      s.now(),
	}
	s.byHash[hash] = chunk
	s.byID[chunk.ID] = chunk
	s.addMappingLocked(ref, chunk.ID)
	return crawler.StoreResult{
		ChunkID:        chunk.ID,
		OriginalSize:   chunk.OriginalSize,
		CompressedSize: chunk.CompressedSize,
	}, nil
}

func (s *ChunkStore) incrementLocked(hash string, ref crawler.SourceRef) (crawler.StoreResult, bool, error) {
	for _, m := range s.mappings[ref.SourceID] {
		if m.index == ref.Index {
			return crawler.StoreResult{}, false, fmt.Errorf("source %s index %d: %w",
				ref.SourceID, ref.Index, crawler.ErrMappingExists)
		}
	}
	chunk, ok := s.byHash[hash]
	if !ok {
		return crawler.StoreResult{}, false, nil
	}
	chunk.RefCount++
	s.addMappingLocked(ref, chunk.ID)
	return crawler.StoreResult{
		ChunkID:        chunk.ID,
		Reused:         true,
		OriginalSize:   chunk.OriginalSize,
		CompressedSize: chunk.CompressedSize,
	}, true, nil
}

func (s *ChunkStore) addMappingLocked(ref crawler.SourceRef, chunkID int64) {
	s.mappings[ref.SourceID] = append(s.mappings[ref.SourceID], sourceMapping{
		index:      ref.Index,
		chunkID:    chunkID,
		customerID: ref.CustomerID,
	})
}

// ReleaseSource removes every mapping of the source, decrementing each target
// chunk and deleting chunks whose count reaches zero.
func (s *ChunkStore) ReleaseSource(_ context.Context, sourceID string) (crawler.ReleaseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mappings := s.mappings[sourceID]
	delete(s.mappings, sourceID)

	res := crawler.ReleaseResult{Mappings: len(mappings)}
	for _, m := range mappings {
		chunk, ok := s.byID[m.chunkID]
		if !ok {
			continue
		}
		chunk.RefCount--
		if chunk.RefCount <= 0 {
			delete(s.byID, chunk.ID)
			delete(s.byHash, chunk.ContentHash)
			res.ChunksDeleted++
		}
	}
	return res, nil
}

// Stats aggregates chunk storage globally, or for one customer's mappings
// when customerID is set.
func (s *ChunkStore) Stats(_ context.Context, customerID string) (crawler.DedupStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	refs := make(map[int64]int)
	if customerID == "" {
		for id, chunk := range s.byID {
			refs[id] = chunk.RefCount
		}
	} else {
		for _, mappings := range s.mappings {
			for _, m := range mappings {
				if m.customerID == customerID {
					refs[m.chunkID]++
				}
			}
		}
	}
	var totals crawler.DedupTotals
	for id, n := range refs {
		chunk, ok := s.byID[id]
		if !ok {
			continue
		}
		totals.UniqueChunks++
		totals.TotalReferences += n
		totals.OriginalBytes += int64(chunk.OriginalSize)
		totals.CompressedBytes += int64(chunk.CompressedSize)
		totals.LogicalBytes += int64(chunk.OriginalSize) * int64(n)
	}
	return totals.Stats(), nil
}

// SourceChunks returns the decompressed text of a source's chunks in index
// order.
func (s *ChunkStore) SourceChunks(_ context.Context, sourceID string) ([]string, error) {
	s.mu.Lock()
	mappings := append([]sourceMapping(nil), s.mappings[sourceID]...)
	data := make(map[int64][]byte, len(mappings))
	for _, m := range mappings {
		if chunk, ok := s.byID[m.chunkID]; ok {
			data[m.chunkID] = chunk.Data
		}
	}
	s.mu.Unlock()

	sort.Slice(mappings, func(i, j int) bool { return mappings[i].index < mappings[j].index })
	out := make([]string, 0, len(mappings))
	for _, m := range mappings {
		text, err := s.codec.Decompress(data[m.chunkID])
		if err != nil {
			return nil, fmt.Errorf("failed to decompress chunk %d: %w", m.chunkID, err)
		}
		out = append(out, text)
	}
	return out, nil
}

// ChunkByHash returns a copy of the chunk stored under hash.
func (s *ChunkStore) ChunkByHash(_ context.Context, hash string) (crawler.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chunk, ok := s.byHash[hash]
	if !ok {
		return crawler.Chunk{}, fmt.Errorf("chunk %s: %w", hash, crawler.ErrNotFound)
	}
	return *chunk, nil
}

// Len returns the number of stored chunks.
func (s *ChunkStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}
