// Package storage provides in-memory storage implementation
package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store interface with in-memory storage
type MemoryStore struct {
	mu        sync.RWMutex
	downloads map[string]*DownloadRecord
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() (*MemoryStore, error) {
	return &MemoryStore{
		downloads: make(map[string]*DownloadRecord),
	}, nil
}

// SaveDownload inserts or replaces a download record
func (s *MemoryStore) SaveDownload(ctx context.Context, rec *DownloadRecord) error {
	if rec == nil || rec.ID == "" {
		return ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}

	s.downloads[rec.ID] = copyRecord(rec)
	return nil
}

// GetDownload retrieves a download record by ID
func (s *MemoryStore) GetDownload(ctx context.Context, id string) (*DownloadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.downloads[id]
	if !exists {
		return nil, ErrDownloadNotFound
	}

	// Return a copy to avoid race conditions
	return copyRecord(rec), nil
}

// ListDownloads lists download records, oldest first
func (s *MemoryStore) ListDownloads(ctx context.Context, limit, offset int) ([]*DownloadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := make([]*DownloadRecord, 0, len(s.downloads))
	for _, rec := range s.downloads {
		recs = append(recs, copyRecord(rec))
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})

	start, end := paginate(len(recs), limit, offset)
	return recs[start:end], nil
}

// DeleteDownload deletes a download record
func (s *MemoryStore) DeleteDownload(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.downloads[id]; !exists {
		return ErrDownloadNotFound
	}
	delete(s.downloads, id)
	return nil
}

// Close closes the memory store (no-op)
func (s *MemoryStore) Close() error {
	return nil
}

func copyRecord(rec *DownloadRecord) *DownloadRecord {
	c := *rec
	c.Parts = append([]PartRange(nil), rec.Parts...)
	if rec.StartedAt != nil {
		t := *rec.StartedAt
		c.StartedAt = &t
	}
	if rec.FinishedAt != nil {
		t := *rec.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
