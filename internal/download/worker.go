package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// partFile pairs a planned part with its temporary file
type partFile struct {
	Index     int
	Part      Part
	Path      string
	retries   atomic.Int32
	completed atomic.Bool
}

// partWorker downloads one part into its part-file. Bytes are added to
// the task counter after every chunk is written; a failed attempt
// removes everything it or earlier attempts contributed and deletes
// the part-file, so a failure leaves the counter unchanged.
type partWorker struct {
	url        string
	pf         *partFile
	ranged     bool // false streams the whole body with a plain GET
	expected   int64
	client     *http.Client
	userAgent  string
	chunkSize  int64
	timeout    time.Duration
	retryCount int
	backoff    time.Duration
	maxBackoff time.Duration
	limiter    *rate.Limiter

	downloaded *atomic.Int64
	completed  *atomic.Int32
	stop       *atomic.Bool
	resources  *resourceSet

	// requests counts network requests, used by tests
	requests *atomic.Int32
}

// run performs up to retryCount+1 attempts. It returns nil once the
// part-file holds the whole part, ErrPaused when stopped, or the last
// attempt's error when the retry budget is spent.
func (w *partWorker) run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(w.pf.Path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= w.retryCount+1; attempt++ {
		if w.stopped(ctx) {
			return ErrPaused
		}

		err := w.attempt(ctx, attempt)
		if err == nil {
			w.pf.completed.Store(true)
			w.completed.Add(1)
			return nil
		}
		if errors.Is(err, ErrPaused) {
			return ErrPaused
		}
		lastErr = err

		if attempt > w.retryCount {
			break
		}
		w.pf.retries.Add(1)
		if !w.sleep(ctx, w.backoffFor(attempt)) {
			return ErrPaused
		}
	}
	return lastErr
}

// backoffFor returns the delay after the given failed attempt
func (w *partWorker) backoffFor(attempt int) time.Duration {
	d := w.backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= w.maxBackoff {
			return w.maxBackoff
		}
	}
	if d > w.maxBackoff {
		d = w.maxBackoff
	}
	return d
}

func (w *partWorker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return !w.stop.Load()
	}
}

func (w *partWorker) stopped(ctx context.Context) bool {
	return w.stop.Load() || ctx.Err() != nil
}

// attempt makes one pass at the part. Progress already on disk is
// counted up front so the rollback below covers it too.
func (w *partWorker) attempt(ctx context.Context, attempt int) error {
	length := w.pf.Part.Length()
	existing, found := statSize(w.pf.Path)

	if w.ranged && existing >= length {
		w.downloaded.Add(length)
		return nil
	}
	if !w.ranged {
		if found && w.expected >= 0 && existing == w.expected {
			w.downloaded.Add(existing)
			return nil
		}
		existing = 0
	}

	w.downloaded.Add(existing)
	var written int64

	err := w.fetch(ctx, existing, &written)
	if err == nil {
		return nil
	}

	if w.stopped(ctx) {
		// Paused or cancelled: keep the file, it holds exactly the counted bytes.
		return ErrPaused
	}

	rolledBack := existing + written
	w.downloaded.Add(-rolledBack)
	os.Remove(w.pf.Path)

	return &PartError{Index: w.pf.Index, Attempt: attempt, RolledBack: rolledBack, Err: err}
}

// fetch requests the missing bytes and streams them into the part-file
func (w *partWorker) fetch(ctx context.Context, existing int64, written *int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", w.userAgent)

	start := w.pf.Part.Start + existing
	if w.ranged {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, w.pf.Part.End))
	}

	if w.requests != nil {
		w.requests.Add(1)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	untrackBody := w.resources.track(resp.Body)
	defer untrackBody()
	defer resp.Body.Close()

	if w.ranged {
		if resp.StatusCode != http.StatusPartialContent {
			return fmt.Errorf("%w: unexpected status: %s", ErrRangeStatus, resp.Status)
		}
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			got, _, _, err := parseContentRange(cr)
			if err != nil {
				return err
			}
			if got != start {
				return fmt.Errorf("%w: expected range start %d, got %d", ErrRangeStatus, start, got)
			}
		}
	} else if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if existing > 0 {
		flags = os.O_WRONLY | os.O_APPEND
	}
	file, err := os.OpenFile(w.pf.Path, flags, 0644)
	if err != nil {
		return err
	}
	untrackFile := w.resources.track(file)
	defer untrackFile()

	limit := int64(-1)
	if w.ranged {
		// One extra byte lets an oversized response be detected.
		limit = w.pf.Part.Length() - existing + 1
	}

	copyErr := w.copyChunks(ctx, file, resp.Body, limit, written)
	closeErr := file.Close()
	if copyErr != nil {
		return copyErr
	}
	if closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
		return closeErr
	}

	return w.checkComplete(existing, *written)
}

// copyChunks reads the body chunk by chunk, counting each written chunk.
// A stall watchdog closes the body when no data arrives within timeout;
// time spent waiting on the bandwidth limiter does not count.
func (w *partWorker) copyChunks(ctx context.Context, dst io.Writer, body io.ReadCloser, limit int64, written *int64) error {
	var closeOnce sync.Once
	stall := time.AfterFunc(w.timeout, func() {
		closeOnce.Do(func() { body.Close() })
	})
	defer stall.Stop()

	var src io.Reader = body
	if limit >= 0 {
		src = io.LimitReader(body, limit)
	}

	buf := make([]byte, w.chunkSize)
	for {
		if w.stopped(ctx) {
			return ErrPaused
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			stall.Reset(w.timeout)

			m, writeErr := dst.Write(buf[:n])
			if m > 0 {
				*written += int64(m)
				w.downloaded.Add(int64(m))
			}
			if writeErr != nil {
				return writeErr
			}
			if w.limiter != nil {
				// Throttled time is not a stall
				stall.Stop()
				err := w.limiter.WaitN(ctx, n)
				stall.Reset(w.timeout)
				if err != nil {
					return err
				}
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return readErr
		}
	}
}

// checkComplete verifies the part-file now holds the whole part
func (w *partWorker) checkComplete(existing, written int64) error {
	size := fileSize(w.pf.Path)

	if !w.ranged {
		if w.expected >= 0 && size != w.expected {
			return fmt.Errorf("%w: expected %d, got %d", ErrSizeMismatch, w.expected, size)
		}
		return nil
	}

	length := w.pf.Part.Length()
	if written != length-existing {
		return fmt.Errorf("%w: expected %d new bytes, got %d", ErrSizeMismatch, length-existing, written)
	}
	if size != length {
		return fmt.Errorf("%w: expected %d, got %d", ErrSizeMismatch, length, size)
	}
	return nil
}

// fileSize returns the size of path, or 0 when it does not exist
func fileSize(path string) int64 {
	size, _ := statSize(path)
	return size
}

func statSize(path string) (int64, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	return info.Size(), true
}
