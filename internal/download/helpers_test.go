package download

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fileServer serves content with optional range support and lets tests
// inject failures or stall a range mid-body.
type fileServer struct {
	*httptest.Server

	content     []byte
	noRanges    bool
	unknownSize bool

	mu       sync.Mutex
	ranges   []string
	failures map[int64]int   // range start -> remaining non-206 replies
	holds    map[int64]int64 // range start -> bytes sent before stalling
	release  chan struct{}
	once     sync.Once

	heads  atomic.Int32
	probes atomic.Int32
	gets   atomic.Int32
}

func newFileServer(t *testing.T, content []byte) *fileServer {
	t.Helper()
	s := &fileServer{
		content:  content,
		failures: make(map[int64]int),
		holds:    make(map[int64]int64),
		release:  make(chan struct{}),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	// Registered last so stalled handlers return before Close waits on them
	t.Cleanup(s.unblock)
	return s
}

func (s *fileServer) fileURL(name string) string {
	return s.Server.URL + "/files/" + name
}

func (s *fileServer) failRange(start int64, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[start] = times
}

func (s *fileServer) holdRange(start, sendBytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holds[start] = sendBytes
}

func (s *fileServer) clearHolds() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holds = make(map[int64]int64)
}

func (s *fileServer) recordedRanges() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.ranges))
	copy(out, s.ranges)
	return out
}

func (s *fileServer) resetRanges() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ranges = nil
}

func (s *fileServer) rangeCount(header string) int {
	n := 0
	for _, r := range s.recordedRanges() {
		if r == header {
			n++
		}
	}
	return n
}

func (s *fileServer) unblock() {
	s.once.Do(func() { close(s.release) })
}

func (s *fileServer) handle(w http.ResponseWriter, r *http.Request) {
	size := int64(len(s.content))
	ranged := !s.noRanges && !s.unknownSize

	if r.Method == http.MethodHead {
		s.heads.Add(1)
		if !s.unknownSize {
			w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		}
		if ranged {
			w.Header().Set("Accept-Ranges", "bytes")
		}
		w.Header().Set("ETag", `"v1"`)
		w.WriteHeader(http.StatusOK)
		return
	}

	rng := r.Header.Get("Range")
	if rng == "bytes=0-0" {
		s.probes.Add(1)
	} else {
		s.gets.Add(1)
	}

	if !ranged || rng == "" {
		if s.unknownSize {
			w.WriteHeader(http.StatusOK)
			w.(http.Flusher).Flush()
		} else {
			w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
			w.WriteHeader(http.StatusOK)
		}
		w.Write(s.content)
		return
	}

	start, end, err := parseRangeHeader(rng, size)
	if err != nil {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	s.mu.Lock()
	if rng != "bytes=0-0" {
		s.ranges = append(s.ranges, rng)
	}
	if s.failures[start] > 0 {
		s.failures[start]--
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("range ignored"))
		return
	}
	hold, stall := s.holds[start]
	s.mu.Unlock()

	body := s.content[start : end+1]
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusPartialContent)

	if stall {
		if hold > 0 {
			w.Write(body[:hold])
			w.(http.Flusher).Flush()
		}
		select {
		case <-r.Context().Done():
		case <-s.release:
		}
		return
	}
	w.Write(body)
}

func parseRangeHeader(header string, size int64) (int64, int64, error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, fmt.Errorf("bad range %q", header)
	}
	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, fmt.Errorf("bad range %q", header)
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	end := size - 1
	if last != "" {
		if end, err = strconv.ParseInt(last, 10, 64); err != nil {
			return 0, 0, err
		}
	}
	if start > end || end >= size {
		return 0, 0, fmt.Errorf("unsatisfiable range %q", header)
	}
	return start, end, nil
}

func testContent(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

// testConfig splits 10,000 bytes into four 2,500 byte parts
func testConfig() DownloadConfig {
	return DownloadConfig{
		MaxConcurrent:    4,
		ChunkSize:        512,
		Timeout:          5 * time.Second,
		RetryCount:       3,
		RetryBackoff:     10 * time.Millisecond,
		RetryMaxBackoff:  50 * time.Millisecond,
		MinPartSize:      2500,
		MinSplitSize:     1,
		MaxParts:         4,
		UserAgent:        "fetch-test",
		PauseTimeout:     5 * time.Second,
		ProgressInterval: 20 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, cfg DownloadConfig, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(cfg, opts...)
	t.Cleanup(func() { m.Close() })
	return m
}

func waitForState(t *testing.T, m *Manager, id string, want DownloadState) Progress {
	t.Helper()
	require.Eventually(t, func() bool {
		p, ok := m.GetTask(id)
		return ok && p.State == want
	}, 10*time.Second, 5*time.Millisecond, "task never reached %s", want)

	p, _ := m.GetTask(id)
	return p
}

func waitForBytes(t *testing.T, m *Manager, id string, want int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		p, ok := m.GetTask(id)
		return ok && p.DownloadedBytes == want
	}, 10*time.Second, 5*time.Millisecond, "task never reached %d bytes", want)
}
