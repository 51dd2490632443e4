package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProber() *prober {
	return &prober{client: http.DefaultClient, userAgent: "fetch-test", backoff: 5 * time.Millisecond}
}

func TestProbeRangedServer(t *testing.T) {
	srv := newFileServer(t, testContent(10000))

	res, err := newTestProber().probe(context.Background(), srv.fileURL("model.gguf"))
	require.NoError(t, err)
	assert.Equal(t, int64(10000), res.TotalBytes)
	assert.True(t, res.RangeSupported)
	assert.Equal(t, `"v1"`, res.ETag)
	assert.Equal(t, srv.fileURL("model.gguf"), res.FinalURL)
	assert.Equal(t, int32(0), srv.probes.Load())
}

func TestProbeFallsBackToRangedGet(t *testing.T) {
	content := testContent(4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		assert.Equal(t, "bytes=0-0", r.Header.Get("Range"))
		w.Header().Set("Content-Range", "bytes 0-0/4096")
		w.Header().Set("Content-Disposition", `attachment; filename="weights.bin"`)
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[:1])
	}))
	defer srv.Close()

	res, err := newTestProber().probe(context.Background(), srv.URL+"/download?id=1")
	require.NoError(t, err)
	assert.Equal(t, int64(4096), res.TotalBytes)
	assert.True(t, res.RangeSupported)
	assert.Equal(t, "weights.bin", res.FileName)
}

func TestProbeFollowsRedirect(t *testing.T) {
	target := newFileServer(t, testContent(100))
	redirect := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.fileURL("real.gguf"), http.StatusFound)
	}))
	defer redirect.Close()

	res, err := newTestProber().probe(context.Background(), redirect.URL+"/resolve/main/x.gguf")
	require.NoError(t, err)
	assert.Equal(t, target.fileURL("real.gguf"), res.FinalURL)
	assert.Equal(t, int64(100), res.TotalBytes)
}

func TestProbeRetriesOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			// First HEAD and its ranged GET fallback
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Length", "10")
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res, err := newTestProber().probe(context.Background(), srv.URL+"/f")
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.TotalBytes)
	assert.Equal(t, int32(3), calls.Load())
}

func TestProbeFails(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := newTestProber().probe(context.Background(), srv.URL+"/nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "probe failed")
}

func TestParseContentRange(t *testing.T) {
	start, end, total, err := parseContentRange("bytes 0-0/4096")
	require.NoError(t, err)
	assert.Equal(t, int64(0), start)
	assert.Equal(t, int64(0), end)
	assert.Equal(t, int64(4096), total)

	start, end, total, err = parseContentRange("bytes 100-199/*")
	require.NoError(t, err)
	assert.Equal(t, int64(100), start)
	assert.Equal(t, int64(199), end)
	assert.Equal(t, int64(-1), total)

	for _, bad := range []string{"", "items 0-1/2", "bytes 0-1", "bytes x-1/2", "bytes 0-y/2", "bytes 0-1/z"} {
		_, _, _, err := parseContentRange(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseFileName(t *testing.T) {
	assert.Equal(t, "file.txt", parseFileName(`attachment; filename="file.txt"`))
	assert.Equal(t, "model.gguf", parseFileName(`inline; filename=model.gguf`))
	assert.Equal(t, "", parseFileName(""))
	assert.Equal(t, "", parseFileName("attachment"))
}

func TestExtractFileNameFromURL(t *testing.T) {
	assert.Equal(t, "model.gguf", extractFileNameFromURL("https://huggingface.co/a/b/resolve/main/model.gguf?download=true"))
	assert.Equal(t, "my model.gguf", extractFileNameFromURL("https://host/files/my%20model.gguf"))
	assert.Equal(t, "", extractFileNameFromURL("https://host/"))
}

func TestSanitizeFileName(t *testing.T) {
	assert.Equal(t, "model.gguf", sanitizeFileName("model.gguf"))
	assert.Equal(t, "passwd", sanitizeFileName("../../etc/passwd"))
	assert.Equal(t, "evil.bin", sanitizeFileName(`..\..\evil.bin`))
	assert.Equal(t, "", sanitizeFileName(".."))
	assert.Equal(t, "", sanitizeFileName("  "))
}
