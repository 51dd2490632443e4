// Package storage provides tests for storage implementations
package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord(id string, created time.Time) *DownloadRecord {
	started := created.Add(time.Second)
	return &DownloadRecord{
		ID:              id,
		URL:             "https://huggingface.co/org/model/resolve/main/model.gguf",
		FinalURL:        "https://cdn.example.com/model.gguf",
		Directory:       "/models/org/model",
		FileName:        "model.gguf",
		TaskType:        "gguf_model",
		State:           "downloading",
		TotalBytes:      10000,
		DownloadedBytes: 4000,
		PartsTotal:      4,
		PartsCompleted:  1,
		RangeSupported:  true,
		ExpectedSHA256:  "abc123",
		ETag:            `"etag"`,
		Parts: []PartRange{
			{Index: 0, Start: 0, End: 2499},
			{Index: 1, Start: 2500, End: 4999},
			{Index: 2, Start: 5000, End: 7499},
			{Index: 3, Start: 7500, End: 9999},
		},
		CreatedAt: created,
		UpdatedAt: created,
		StartedAt: &started,
	}
}

// runStoreTests exercises the Store contract against one backend
func runStoreTests(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.UnixMilli(time.Now().UnixMilli()).UTC()

	rec := sampleRecord("dl-1", base)
	require.NoError(t, store.SaveDownload(ctx, rec))

	got, err := store.GetDownload(ctx, "dl-1")
	require.NoError(t, err)
	assert.Equal(t, rec.URL, got.URL)
	assert.Equal(t, rec.FinalURL, got.FinalURL)
	assert.Equal(t, rec.State, got.State)
	assert.Equal(t, rec.TotalBytes, got.TotalBytes)
	assert.True(t, got.RangeSupported)
	assert.Equal(t, rec.Parts, got.Parts)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
	require.NotNil(t, got.StartedAt)
	assert.True(t, rec.StartedAt.Equal(*got.StartedAt))
	assert.Nil(t, got.FinishedAt)

	// Upsert
	rec.State = "completed"
	rec.DownloadedBytes = 10000
	finished := base.Add(time.Minute)
	rec.FinishedAt = &finished
	require.NoError(t, store.SaveDownload(ctx, rec))

	got, err = store.GetDownload(ctx, "dl-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.State)
	assert.Equal(t, int64(10000), got.DownloadedBytes)
	require.NotNil(t, got.FinishedAt)

	// Listing is ordered by creation time
	require.NoError(t, store.SaveDownload(ctx, sampleRecord("dl-3", base.Add(2*time.Second))))
	require.NoError(t, store.SaveDownload(ctx, sampleRecord("dl-2", base.Add(time.Second))))

	all, err := store.ListDownloads(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "dl-1", all[0].ID)
	assert.Equal(t, "dl-2", all[1].ID)
	assert.Equal(t, "dl-3", all[2].ID)

	page, err := store.ListDownloads(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "dl-2", page[0].ID)

	page, err = store.ListDownloads(ctx, 10, 5)
	require.NoError(t, err)
	assert.Empty(t, page)

	// Delete
	require.NoError(t, store.DeleteDownload(ctx, "dl-1"))
	_, err = store.GetDownload(ctx, "dl-1")
	assert.True(t, errors.Is(err, ErrDownloadNotFound))
	assert.True(t, errors.Is(store.DeleteDownload(ctx, "dl-1"), ErrDownloadNotFound))

	assert.Equal(t, ErrInvalidRecord, store.SaveDownload(ctx, &DownloadRecord{}))
}

// TestMemoryStore tests the in-memory storage implementation
func TestMemoryStore(t *testing.T) {
	store, err := NewMemoryStore()
	require.NoError(t, err)
	defer store.Close()

	runStoreTests(t, store)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store, err := NewMemoryStore()
	require.NoError(t, err)
	ctx := context.Background()

	rec := sampleRecord("dl-1", time.Now())
	require.NoError(t, store.SaveDownload(ctx, rec))
	rec.Parts[0].End = 1

	got, err := store.GetDownload(ctx, "dl-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2499), got.Parts[0].End)
}

// TestSQLiteStore tests the SQLite storage implementation
func TestSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "shepherd.db")
	store, err := NewSQLiteStore(&SQLiteConfig{Path: dbPath, EnableWAL: true})
	require.NoError(t, err)
	defer store.Close()

	runStoreTests(t, store)

	stats, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats["downloads"])
	assert.Equal(t, "sqlite", stats["type"])
}

func TestSQLiteStoreInMemory(t *testing.T) {
	store, err := NewSQLiteStore(&SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	defer store.Close()

	runStoreTests(t, store)
}

func TestSQLiteStoreReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shepherd.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(&SQLiteConfig{Path: dbPath})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		rec := sampleRecord(fmt.Sprintf("dl-%d", i), time.Now().Add(time.Duration(i)*time.Second))
		require.NoError(t, store.SaveDownload(ctx, rec))
	}
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(&SQLiteConfig{Path: dbPath})
	require.NoError(t, err)
	defer store.Close()

	recs, err := store.ListDownloads(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
	assert.Len(t, recs[0].Parts, 4)
}

// TestStorageManager tests the storage manager
func TestStorageManager(t *testing.T) {
	t.Run("Memory storage", func(t *testing.T) {
		mgr, err := NewManager(&StorageConfig{Type: StorageTypeMemory})
		require.NoError(t, err)
		defer mgr.Close()

		assert.IsType(t, &MemoryStore{}, mgr.GetStore())
	})

	t.Run("SQLite storage", func(t *testing.T) {
		mgr, err := NewManager(&StorageConfig{
			Type:   StorageTypeSQLite,
			SQLite: &SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")},
		})
		require.NoError(t, err)
		defer mgr.Close()

		assert.IsType(t, &SQLiteStore{}, mgr.GetStore())
	})

	t.Run("Missing SQLite config", func(t *testing.T) {
		_, err := NewManager(&StorageConfig{Type: StorageTypeSQLite})
		assert.Equal(t, ErrMissingSQLiteConfig, err)
	})

	t.Run("Invalid type", func(t *testing.T) {
		_, err := NewManager(&StorageConfig{Type: "postgresql"})
		assert.Equal(t, ErrInvalidStorageType, err)
	})
}

func TestStorageError(t *testing.T) {
	inner := errors.New("disk full")
	err := &StorageError{Code: "WRITE", Message: "Write failed", Err: inner}

	assert.Equal(t, "WRITE: Write failed: disk full", err.Error())
	assert.True(t, errors.Is(err, inner))
	assert.Equal(t, "NOT_FOUND: Download not found", ErrDownloadNotFound.Error())
}
