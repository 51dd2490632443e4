package download

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/shepherd-project/shepherd-fetch/internal/logger"
)

// runner drives one run of a task: parts, merge, verify
type runner struct {
	m      *Manager
	task   *Task
	cancel context.CancelFunc
}

// run executes the task until it completes, fails or is stopped
func (r *runner) run(ctx context.Context) {
	t := r.task
	log := logger.WithField("task", t.ID)

	if err := r.downloadParts(ctx); err != nil {
		if errors.Is(err, ErrPaused) {
			r.interrupted()
			return
		}
		log.WithError(err).Warn("Download failed")
		r.fail(err)
		return
	}

	if !r.advance(StateMerging) {
		return
	}
	if err := r.merge(); err != nil {
		log.WithError(err).Error("Merge failed")
		r.fail(fmt.Errorf("merge failed: %w", err))
		return
	}

	if !r.advance(StateVerifying) {
		return
	}
	r.complete()
}

// complete verifies the merged target of a VERIFYING task and finishes it.
// A target that fails verification is removed.
func (r *runner) complete() bool {
	t := r.task
	log := logger.WithField("task", t.ID)

	if err := r.verify(); err != nil {
		log.WithError(err).Warn("Verification failed")
		os.Remove(t.TargetFile())
		r.fail(err)
		return false
	}

	if !r.advance(StateCompleted) {
		return false
	}
	log.Infof("Download completed: %s", t.TargetFile())
	return true
}

// downloadParts submits every part to the shared pool and waits for all
// results. The first real failure cancels the remaining parts.
func (r *runner) downloadParts(ctx context.Context) error {
	t := r.task
	results := make(chan error, len(t.parts))

	for _, pf := range t.parts {
		w := r.newWorker(pf)
		r.m.pool.submit(ctx, w.run, func(err error) { results <- err })
	}

	var failure error
	paused := false
	for range t.parts {
		err := <-results
		switch {
		case err == nil:
		case errors.Is(err, ErrPaused):
			paused = true
		case failure == nil:
			failure = err
			r.cancel()
		}
	}

	if failure != nil {
		return failure
	}
	if paused {
		return ErrPaused
	}
	return nil
}

func (r *runner) newWorker(pf *partFile) *partWorker {
	t := r.task
	cfg := r.m.config

	t.mu.RLock()
	ranged := t.rangeSupported && t.totalBytes > 0
	total := t.totalBytes
	t.mu.RUnlock()

	return &partWorker{
		url:        t.URL,
		pf:         pf,
		ranged:     ranged,
		expected:   total,
		client:     r.m.client,
		userAgent:  cfg.UserAgent,
		chunkSize:  cfg.ChunkSize,
		timeout:    cfg.Timeout,
		retryCount: cfg.RetryCount,
		backoff:    cfg.RetryBackoff,
		maxBackoff: cfg.RetryMaxBackoff,
		limiter:    r.m.limiter,
		downloaded: &t.downloaded,
		completed:  &t.partsCompleted,
		stop:       &t.stop,
		resources:  t.resources,
		requests:   &t.requests,
	}
}

// advance moves to the next state unless a pause or delete got there first
func (r *runner) advance(to DownloadState) bool {
	t := r.task

	t.mu.Lock()
	if t.stop.Load() {
		t.mu.Unlock()
		return false
	}
	from, err := t.transitionLocked(to)
	t.mu.Unlock()

	if err != nil {
		logger.WithField("task", t.ID).WithError(err).Warn("Unexpected transition")
		return false
	}
	r.m.stateChanged(t, from)
	return true
}

func (r *runner) fail(err error) {
	t := r.task

	t.mu.Lock()
	if t.stop.Load() {
		t.mu.Unlock()
		return
	}
	from, terr := t.transitionLocked(StateFailed)
	if terr == nil {
		t.errorMessage = err.Error()
	}
	t.mu.Unlock()

	if terr == nil {
		r.m.stateChanged(t, from)
	}
}

// interrupted handles a run whose parts stopped without failing. A user
// pause transitions the task itself; anything else, like a manager
// shutdown, lands the task in IDLE here.
func (r *runner) interrupted() {
	t := r.task

	t.mu.Lock()
	if t.stop.Load() || t.state != StateDownloading {
		t.mu.Unlock()
		return
	}
	from, err := t.transitionLocked(StateIdle)
	t.mu.Unlock()

	if err == nil {
		r.m.stateChanged(t, from)
	}
}

// merge concatenates the part-files in index order into the target file
// and removes them. A single part is renamed in place.
func (r *runner) merge() error {
	t := r.task
	target := t.TargetFile()

	if len(t.parts) == 1 {
		if err := os.Rename(t.parts[0].Path, target); err != nil {
			return fmt.Errorf("failed to rename part: %w", err)
		}
		return nil
	}

	tmpPath := filepath.Join(t.Dir, mergingFileName(t.FileName))
	out, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	if err := r.concat(out); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename merged file: %w", err)
	}

	for _, pf := range t.parts {
		os.Remove(pf.Path)
	}
	return nil
}

func (r *runner) concat(out *os.File) error {
	w := bufio.NewWriterSize(out, int(r.m.config.ChunkSize))

	for _, pf := range r.task.parts {
		in, err := os.Open(pf.Path)
		if err != nil {
			return fmt.Errorf("failed to open part %d: %w", pf.Index, err)
		}

		length := pf.Part.Length()
		if length >= 0 {
			_, err = io.CopyN(w, in, length)
		} else {
			_, err = io.Copy(w, in)
		}
		in.Close()
		if err != nil {
			return fmt.Errorf("failed to copy part %d: %w", pf.Index, err)
		}
	}

	if err := w.Flush(); err != nil {
		return err
	}
	return out.Sync()
}

// verify checks the merged file against the advertised size, the
// caller's expected size and the expected SHA-256 digest.
func (r *runner) verify() error {
	t := r.task
	target := t.TargetFile()

	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}
	size := info.Size()

	t.mu.Lock()
	if t.totalBytes <= 0 {
		t.totalBytes = size
	}
	total := t.totalBytes
	t.mu.Unlock()

	if size != total {
		return fmt.Errorf("%w: expected %d, got %d", ErrSizeMismatch, total, size)
	}
	if t.ExpectedSize > 0 && size != t.ExpectedSize {
		return fmt.Errorf("%w: expected %d, got %d", ErrSizeMismatch, t.ExpectedSize, size)
	}

	if t.ExpectedSHA256 == "" {
		return nil
	}
	sum, err := fileSHA256(target)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}
	if !strings.EqualFold(sum, t.ExpectedSHA256) {
		return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, t.ExpectedSHA256, sum)
	}
	return nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
