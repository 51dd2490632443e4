package download

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shepherd-project/shepherd-fetch/internal/storage"
)

// transitions lists the allowed moves out of every non-terminal state.
// FAILED is reachable from all of them.
var transitions = map[DownloadState][]DownloadState{
	StateIdle:        {StatePreparing, StateDownloading},
	StatePreparing:   {StateDownloading},
	StateDownloading: {StateMerging, StateIdle},
	StateMerging:     {StateVerifying},
	StateVerifying:   {StateCompleted},
}

// canTransition reports whether from -> to is part of the lifecycle
func canTransition(from, to DownloadState) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Task represents a download task
type Task struct {
	ID             string
	URL            string
	Dir            string
	FileName       string
	Type           TaskType
	ExpectedSize   int64
	ExpectedSHA256 string

	mu             sync.RWMutex
	finalURL       string
	etag           string
	state          DownloadState
	totalBytes     int64
	rangeSupported bool
	parts          []*partFile
	errorMessage   string
	createdAt      time.Time
	updatedAt      time.Time
	startedAt      time.Time
	finishedAt     time.Time

	// Run control
	cancel context.CancelFunc
	done   chan struct{}

	// Shared with part workers
	downloaded     atomic.Int64
	partsCompleted atomic.Int32
	stop           atomic.Bool
	resources      *resourceSet
	requests       atomic.Int32
}

func newTask(id, rawURL, dir, fileName string, opts CreateOptions, probe *probeResult, plan []Part) *Task {
	now := time.Now()
	taskType := opts.TaskType
	if taskType == "" {
		taskType = TaskTypeFile
	}

	t := &Task{
		ID:             id,
		URL:            rawURL,
		Dir:            dir,
		FileName:       fileName,
		Type:           taskType,
		ExpectedSize:   opts.ExpectedSize,
		ExpectedSHA256: opts.ExpectedSHA256,
		finalURL:       probe.FinalURL,
		etag:           probe.ETag,
		state:          StatePreparing,
		totalBytes:     probe.TotalBytes,
		rangeSupported: probe.RangeSupported,
		createdAt:      now,
		updatedAt:      now,
		resources:      newResourceSet(),
	}
	t.setParts(plan)
	return t
}

func (t *Task) setParts(plan []Part) {
	t.parts = make([]*partFile, len(plan))
	for i, p := range plan {
		t.parts[i] = &partFile{
			Index: i,
			Part:  p,
			Path:  partPath(t.Dir, t.FileName, i),
		}
	}
}

// State returns the current state
func (t *Task) State() DownloadState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// TargetFile returns the path of the final file
func (t *Task) TargetFile() string {
	return filepath.Join(t.Dir, t.FileName)
}

// ErrorMessage returns the failure description, if any
func (t *Task) ErrorMessage() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.errorMessage
}

// transition moves the task to state to, returning the previous state
func (t *Task) transition(to DownloadState) (DownloadState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(to)
}

func (t *Task) transitionLocked(to DownloadState) (DownloadState, error) {
	from := t.state
	if !canTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	now := time.Now()
	t.state = to
	t.updatedAt = now
	switch to {
	case StateDownloading:
		if from == StateIdle || from == StatePreparing {
			t.startedAt = now
			t.finishedAt = time.Time{}
			t.errorMessage = ""
		}
	case StateIdle:
		t.finishedAt = now
	case StateCompleted, StateFailed:
		t.finishedAt = now
	}
	return from, nil
}

// fail moves the task to FAILED with msg as its error message
func (t *Task) fail(err error) (DownloadState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	from, terr := t.transitionLocked(StateFailed)
	if terr != nil {
		return from, terr
	}
	t.errorMessage = err.Error()
	return from, nil
}

// running reports whether a run goroutine is still active
func (t *Task) running() bool {
	t.mu.RLock()
	done := t.done
	t.mu.RUnlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// interrupt stops the current run: flag, cancel, then close open streams
func (t *Task) interrupt() chan struct{} {
	t.stop.Store(true)

	t.mu.RLock()
	cancel := t.cancel
	done := t.done
	t.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	t.resources.closeAll()
	return done
}

// resetCounters clears the shared counters before a new run recounts
func (t *Task) resetCounters() {
	t.downloaded.Store(0)
	t.partsCompleted.Store(0)
	t.stop.Store(false)
	for _, pf := range t.parts {
		pf.completed.Store(false)
	}
}

// recount rebuilds the counters from the part-files on disk
func (t *Task) recount() {
	var downloaded int64
	var completed int32
	for _, pf := range t.parts {
		size := fileSize(pf.Path)
		length := pf.Part.Length()
		if length >= 0 && size >= length {
			size = length
			completed++
			pf.completed.Store(true)
		} else {
			pf.completed.Store(false)
		}
		downloaded += size
	}
	t.downloaded.Store(downloaded)
	t.partsCompleted.Store(completed)
}

// removeTempFiles deletes every part-file and the merge output
func (t *Task) removeTempFiles() {
	for _, pf := range t.parts {
		os.Remove(pf.Path)
	}
	os.Remove(filepath.Join(t.Dir, mergingFileName(t.FileName)))
}

// Snapshot builds a Progress from the task's live state
func (t *Task) Snapshot() Progress {
	t.mu.RLock()
	defer t.mu.RUnlock()

	downloaded := t.downloaded.Load()
	p := Progress{
		TaskID:          t.ID,
		URL:             t.URL,
		FinalURL:        t.finalURL,
		TargetPath:      t.Dir,
		FileName:        t.FileName,
		TargetFile:      t.TargetFile(),
		TaskType:        t.Type,
		State:           t.state,
		TotalBytes:      t.totalBytes,
		DownloadedBytes: downloaded,
		PartsTotal:      len(t.parts),
		PartsCompleted:  int(t.partsCompleted.Load()),
		ProgressRatio:   progressRatio(downloaded, t.totalBytes),
		RangeSupported:  t.rangeSupported,
		CreatedAt:       t.createdAt,
		UpdatedAt:       t.updatedAt,
		StartedAt:       timePtr(t.startedAt),
		FinishedAt:      timePtr(t.finishedAt),
		ErrorMessage:    t.errorMessage,
		Parts:           make([]PartStatus, 0, len(t.parts)),
	}
	p.Paused = t.state == StateIdle && (downloaded > 0 || !t.startedAt.IsZero())

	if !t.startedAt.IsZero() {
		end := time.Now()
		if !t.finishedAt.IsZero() {
			end = t.finishedAt
		}
		p.SpeedBytesPerSecond = speedBytesPerSecond(downloaded, end.Sub(t.startedAt))
	}

	for _, pf := range t.parts {
		status := PartStatus{
			Index:     pf.Index,
			Start:     pf.Part.Start,
			End:       pf.Part.End,
			Retries:   int(pf.retries.Load()),
			Completed: pf.completed.Load(),
		}
		if status.Completed && pf.Part.Length() >= 0 {
			status.Downloaded = pf.Part.Length()
		} else if status.Completed {
			status.Downloaded = downloaded
		} else if t.state == StateDownloading || t.state == StateIdle {
			status.Downloaded = fileSize(pf.Path)
		}
		p.Parts = append(p.Parts, status)
	}
	return p
}

// toRecord converts the task into its persisted form
func (t *Task) toRecord() *storage.DownloadRecord {
	snap := t.Snapshot()

	parts := make([]storage.PartRange, 0, len(snap.Parts))
	for _, ps := range snap.Parts {
		parts = append(parts, storage.PartRange{Index: ps.Index, Start: ps.Start, End: ps.End})
	}

	t.mu.RLock()
	etag := t.etag
	t.mu.RUnlock()

	return &storage.DownloadRecord{
		ID:              t.ID,
		URL:             t.URL,
		FinalURL:        snap.FinalURL,
		Directory:       t.Dir,
		FileName:        t.FileName,
		TaskType:        string(t.Type),
		State:           snap.State.String(),
		TotalBytes:      snap.TotalBytes,
		DownloadedBytes: snap.DownloadedBytes,
		PartsTotal:      snap.PartsTotal,
		PartsCompleted:  snap.PartsCompleted,
		RangeSupported:  snap.RangeSupported,
		ExpectedSize:    t.ExpectedSize,
		ExpectedSHA256:  t.ExpectedSHA256,
		ETag:            etag,
		ErrorMessage:    snap.ErrorMessage,
		Parts:           parts,
		CreatedAt:       snap.CreatedAt,
		UpdatedAt:       snap.UpdatedAt,
		StartedAt:       snap.StartedAt,
		FinishedAt:      snap.FinishedAt,
	}
}

// taskFromRecord rebuilds a task persisted by an earlier process.
// Interrupted tasks come back IDLE with counters taken from disk.
func taskFromRecord(rec *storage.DownloadRecord) (*Task, error) {
	state, err := ParseState(rec.State)
	if err != nil {
		return nil, err
	}

	t := &Task{
		ID:             rec.ID,
		URL:            rec.URL,
		Dir:            rec.Directory,
		FileName:       rec.FileName,
		Type:           ParseTaskType(rec.TaskType),
		ExpectedSize:   rec.ExpectedSize,
		ExpectedSHA256: rec.ExpectedSHA256,
		finalURL:       rec.FinalURL,
		etag:           rec.ETag,
		state:          state,
		totalBytes:     rec.TotalBytes,
		rangeSupported: rec.RangeSupported,
		errorMessage:   rec.ErrorMessage,
		createdAt:      rec.CreatedAt,
		updatedAt:      rec.UpdatedAt,
		resources:      newResourceSet(),
	}
	if rec.StartedAt != nil {
		t.startedAt = *rec.StartedAt
	}
	if rec.FinishedAt != nil {
		t.finishedAt = *rec.FinishedAt
	}

	plan := make([]Part, len(rec.Parts))
	for i, pr := range rec.Parts {
		plan[i] = Part{Start: pr.Start, End: pr.End}
	}
	if len(plan) == 0 {
		plan = []Part{openPart}
	}
	t.setParts(plan)

	switch state {
	case StateCompleted:
		t.downloaded.Store(rec.DownloadedBytes)
		t.partsCompleted.Store(int32(len(t.parts)))
		for _, pf := range t.parts {
			pf.completed.Store(true)
		}
	case StateFailed:
		t.recount()
	case StateMerging, StateVerifying:
		// The merge may have finished before the restart
		if t.totalBytes > 0 && fileSize(t.TargetFile()) == t.totalBytes {
			t.state = StateVerifying
			t.downloaded.Store(t.totalBytes)
			t.partsCompleted.Store(int32(len(t.parts)))
			for _, pf := range t.parts {
				pf.completed.Store(true)
			}
			break
		}
		t.state = StateIdle
		t.recount()
	default:
		t.state = StateIdle
		t.recount()
	}
	return t, nil
}
