// Package monitor provides resource monitoring tests
package monitor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskUsage(t *testing.T) {
	dir := t.TempDir()

	info, err := DiskUsage(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, info.Path)
	assert.Greater(t, info.Total, uint64(0))
	assert.LessOrEqual(t, info.Free, info.Total)
}

func TestDiskUsageMissingDirectory(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "a", "b", "c")

	info, err := DiskUsage(missing)
	require.NoError(t, err)
	assert.Equal(t, dir, info.Path)
}

func TestFreeBytes(t *testing.T) {
	free, err := FreeBytes(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))
}

func TestCollect(t *testing.T) {
	dir := t.TempDir()

	info, err := Collect(context.Background(), dir)
	require.NoError(t, err)
	assert.NotEmpty(t, info.OS)
	assert.Greater(t, info.CPUCores, 0)
	assert.Len(t, info.LoadAverage, 3)
	require.NotNil(t, info.Disk)
	assert.Equal(t, dir, info.Disk.Path)
	assert.False(t, info.CollectedAt.IsZero())
}

func TestCollectWithoutDirectory(t *testing.T) {
	info, err := Collect(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, info.Disk)
}
