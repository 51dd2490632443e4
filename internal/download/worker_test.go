package download

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type workerFixture struct {
	downloaded atomic.Int64
	completed  atomic.Int32
	stop       atomic.Bool
	requests   atomic.Int32
	resources  *resourceSet
}

func newWorkerFixture() *workerFixture {
	return &workerFixture{resources: newResourceSet()}
}

func (f *workerFixture) worker(rawURL string, pf *partFile, ranged bool, expected int64, retries int) *partWorker {
	return &partWorker{
		url:        rawURL,
		pf:         pf,
		ranged:     ranged,
		expected:   expected,
		client:     http.DefaultClient,
		userAgent:  "fetch-test",
		chunkSize:  256,
		timeout:    5 * time.Second,
		retryCount: retries,
		backoff:    5 * time.Millisecond,
		maxBackoff: 20 * time.Millisecond,
		downloaded: &f.downloaded,
		completed:  &f.completed,
		stop:       &f.stop,
		resources:  f.resources,
		requests:   &f.requests,
	}
}

func secondPart(dir string) *partFile {
	return &partFile{Index: 1, Part: Part{Start: 2500, End: 4999}, Path: partPath(dir, "w.bin", 1)}
}

func TestWorkerDownloadsPart(t *testing.T) {
	content := testContent(10000)
	srv := newFileServer(t, content)
	pf := secondPart(t.TempDir())
	f := newWorkerFixture()

	err := f.worker(srv.fileURL("w.bin"), pf, true, 10000, 0).run(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(pf.Path)
	require.NoError(t, err)
	assert.Equal(t, content[2500:5000], data)
	assert.Equal(t, int64(2500), f.downloaded.Load())
	assert.Equal(t, int32(1), f.completed.Load())
	assert.Equal(t, int32(1), f.requests.Load())
	assert.True(t, pf.completed.Load())
	assert.Equal(t, 0, f.resources.len())
}

func TestWorkerResumesFromExistingBytes(t *testing.T) {
	content := testContent(10000)
	srv := newFileServer(t, content)
	pf := secondPart(t.TempDir())
	require.NoError(t, os.WriteFile(pf.Path, content[2500:3500], 0644))
	f := newWorkerFixture()

	err := f.worker(srv.fileURL("w.bin"), pf, true, 10000, 0).run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"bytes=3500-4999"}, srv.recordedRanges())
	assert.Equal(t, int64(2500), f.downloaded.Load())

	data, err := os.ReadFile(pf.Path)
	require.NoError(t, err)
	assert.Equal(t, content[2500:5000], data)
}

func TestWorkerSkipsCompletePart(t *testing.T) {
	content := testContent(10000)
	srv := newFileServer(t, content)
	pf := secondPart(t.TempDir())
	require.NoError(t, os.WriteFile(pf.Path, content[2500:5000], 0644))
	f := newWorkerFixture()

	err := f.worker(srv.fileURL("w.bin"), pf, true, 10000, 0).run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(0), f.requests.Load())
	assert.Equal(t, int32(0), srv.gets.Load())
	assert.Equal(t, int64(2500), f.downloaded.Load())
	assert.Equal(t, int32(1), f.completed.Load())
}

func TestWorkerRollsBackOnFailure(t *testing.T) {
	content := testContent(10000)
	srv := newFileServer(t, content)
	srv.failRange(3500, 10)
	srv.failRange(2500, 10)
	pf := secondPart(t.TempDir())
	require.NoError(t, os.WriteFile(pf.Path, content[2500:3500], 0644))
	f := newWorkerFixture()

	err := f.worker(srv.fileURL("w.bin"), pf, true, 10000, 1).run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRangeStatus)

	var partErr *PartError
	require.True(t, errors.As(err, &partErr))
	assert.Equal(t, 1, partErr.Index)
	assert.Equal(t, 2, partErr.Attempt)

	// The pre-existing 1000 bytes were counted, then rolled back with the file
	assert.Equal(t, int64(0), f.downloaded.Load())
	assert.Equal(t, int32(0), f.completed.Load())
	assert.Equal(t, int32(1), pf.retries.Load())
	assert.NoFileExists(t, pf.Path)
	assert.Equal(t, []string{"bytes=3500-4999", "bytes=2500-4999"}, srv.recordedRanges())
}

func TestWorkerRollsBackPartialBody(t *testing.T) {
	content := testContent(10000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 2500-4999/10000")
		w.Header().Set("Content-Length", "2500")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[2500:3500])
		// Returning early truncates the body
	}))
	defer srv.Close()

	pf := secondPart(t.TempDir())
	f := newWorkerFixture()

	err := f.worker(srv.URL+"/w.bin", pf, true, 10000, 0).run(context.Background())
	require.Error(t, err)

	var partErr *PartError
	require.True(t, errors.As(err, &partErr))
	assert.Equal(t, int64(1000), partErr.RolledBack)
	assert.Equal(t, int64(0), f.downloaded.Load())
	assert.NoFileExists(t, pf.Path)
}

func TestWorkerStopKeepsFile(t *testing.T) {
	content := testContent(10000)
	srv := newFileServer(t, content)
	srv.holdRange(2500, 1000)
	pf := secondPart(t.TempDir())
	f := newWorkerFixture()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- f.worker(srv.fileURL("w.bin"), pf, true, 10000, 3).run(ctx)
	}()

	require.Eventually(t, func() bool { return f.downloaded.Load() == 1000 }, 5*time.Second, 5*time.Millisecond)
	f.stop.Store(true)
	cancel()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrPaused)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	assert.Equal(t, int64(1000), fileSize(pf.Path))
	assert.Equal(t, int64(1000), f.downloaded.Load())
	assert.Equal(t, int32(0), pf.retries.Load())
}

func TestWorkerUnrangedRestarts(t *testing.T) {
	content := testContent(3000)
	srv := newFileServer(t, content)
	srv.noRanges = true
	dir := t.TempDir()
	pf := &partFile{Index: 0, Part: Part{Start: 0, End: 2999}, Path: filepath.Join(dir, "u.bin.part0")}
	require.NoError(t, os.WriteFile(pf.Path, []byte("stale bytes"), 0644))
	f := newWorkerFixture()

	err := f.worker(srv.fileURL("u.bin"), pf, false, 3000, 0).run(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(pf.Path)
	require.NoError(t, err)
	assert.Equal(t, content, data)
	assert.Equal(t, int64(3000), f.downloaded.Load())
}

func TestWorkerRateLimited(t *testing.T) {
	srv := newFileServer(t, testContent(10000))
	pf := secondPart(t.TempDir())
	f := newWorkerFixture()

	w := f.worker(srv.fileURL("w.bin"), pf, true, 10000, 0)
	w.limiter = rate.NewLimiter(rate.Limit(5000), 256)

	start := time.Now()
	require.NoError(t, w.run(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestBackoffFor(t *testing.T) {
	w := &partWorker{backoff: 200 * time.Millisecond, maxBackoff: 5 * time.Second}

	assert.Equal(t, 200*time.Millisecond, w.backoffFor(1))
	assert.Equal(t, 400*time.Millisecond, w.backoffFor(2))
	assert.Equal(t, 800*time.Millisecond, w.backoffFor(3))
	assert.Equal(t, 1600*time.Millisecond, w.backoffFor(4))
	assert.Equal(t, 3200*time.Millisecond, w.backoffFor(5))
	assert.Equal(t, 5*time.Second, w.backoffFor(6))
	assert.Equal(t, 5*time.Second, w.backoffFor(20))
}
