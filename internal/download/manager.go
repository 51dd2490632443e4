package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/shepherd-project/shepherd-fetch/internal/logger"
	"github.com/shepherd-project/shepherd-fetch/internal/monitor"
	"github.com/shepherd-project/shepherd-fetch/internal/storage"
)

// Manager manages download tasks
type Manager struct {
	config    DownloadConfig
	client    *http.Client
	prober    *prober
	pool      *workerPool
	limiter   *rate.Limiter
	store     storage.Store
	freeSpace func(dir string) (uint64, error)

	tasks     map[string]*Task
	order     []string
	listeners []Listener
	events    chan Event
	closed    atomic.Bool

	mu sync.RWMutex

	// Task runs derive from runCtx; the event loops stop last.
	runCtx    context.Context
	runCancel context.CancelFunc
	runs      sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Option configures a Manager
type Option func(*Manager)

// WithStore persists tasks to store
func WithStore(store storage.Store) Option {
	return func(m *Manager) {
		m.store = store
	}
}

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) {
		m.client = client
	}
}

// WithFreeSpaceFunc replaces the free disk space lookup
func WithFreeSpaceFunc(fn func(dir string) (uint64, error)) Option {
	return func(m *Manager) {
		m.freeSpace = fn
	}
}

// NewManager creates a new download manager
func NewManager(config DownloadConfig, opts ...Option) *Manager {
	config = config.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	runCtx, runCancel := context.WithCancel(context.Background())

	m := &Manager{
		config:    config,
		pool:      newWorkerPool(config.MaxConcurrent),
		freeSpace: monitor.FreeBytes,
		tasks:     make(map[string]*Task),
		events:    make(chan Event, 256),
		runCtx:    runCtx,
		runCancel: runCancel,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = config.Timeout
		transport.DisableCompression = true
		transport.MaxIdleConnsPerHost = config.MaxConcurrent
		m.client = &http.Client{Transport: transport}
	}
	m.prober = &prober{
		client:    m.client,
		userAgent: config.UserAgent,
		backoff:   config.RetryBackoff,
	}

	if config.MaxBytesPerSecond > 0 {
		burst := config.MaxBytesPerSecond
		if burst < config.ChunkSize {
			burst = config.ChunkSize
		}
		m.limiter = rate.NewLimiter(rate.Limit(config.MaxBytesPerSecond), int(burst))
	}

	m.wg.Add(2)
	go m.eventBroadcaster()
	go m.progressTicker()

	return m
}

// Config returns the effective configuration
func (m *Manager) Config() DownloadConfig {
	return m.config
}

// AddListener adds a listener for task events
func (m *Manager) AddListener(listener Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// CreateTask probes url, plans the parts and starts downloading into
// targetDir. No task is registered when any step before scheduling fails.
func (m *Manager) CreateTask(ctx context.Context, rawURL, targetDir string, opts CreateOptions) (string, error) {
	if rawURL == "" {
		return "", ErrEmptyURL
	}
	if targetDir == "" {
		return "", ErrEmptyPath
	}
	if m.closed.Load() {
		return "", ErrManagerClosed
	}

	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	probe, err := m.prober.probe(ctx, rawURL)
	if err != nil {
		return "", err
	}

	fileName := sanitizeFileName(opts.FileName)
	if fileName == "" {
		fileName = sanitizeFileName(probe.FileName)
	}
	if fileName == "" {
		fileName = sanitizeFileName(extractFileNameFromURL(probe.FinalURL))
	}
	if fileName == "" {
		fileName = sanitizeFileName(extractFileNameFromURL(rawURL))
	}
	if fileName == "" {
		fileName = "download"
	}

	if m.config.CheckDiskSpace && probe.TotalBytes > 0 {
		if err := m.checkSpace(targetDir, probe.TotalBytes); err != nil {
			return "", err
		}
	}

	var plan []Part
	switch {
	case probe.RangeSupported && probe.TotalBytes > 0:
		plan = PlanParts(probe.TotalBytes, m.config.MinPartSize, m.config.MinSplitSize, m.config.MaxParts)
	case probe.TotalBytes > 0:
		plan = []Part{{Start: 0, End: probe.TotalBytes - 1}}
	default:
		plan = []Part{openPart}
	}

	task := newTask(uuid.New().String(), rawURL, targetDir, fileName, opts, probe, plan)

	m.mu.Lock()
	for _, other := range m.tasks {
		if other.TargetFile() == task.TargetFile() && !other.State().IsTerminal() {
			m.mu.Unlock()
			return "", fmt.Errorf("%w: %s", ErrTargetInUse, task.TargetFile())
		}
	}
	m.tasks[task.ID] = task
	m.order = append(m.order, task.ID)
	m.mu.Unlock()

	logger.WithFields(map[string]interface{}{
		"task":   task.ID,
		"file":   task.TargetFile(),
		"size":   probe.TotalBytes,
		"parts":  len(plan),
		"ranged": probe.RangeSupported,
	}).Info("Download task created")

	m.stateChanged(task, task.State())
	m.launch(task)

	return task.ID, nil
}

// CreateModelTasks creates one task per URL of req, all in targetDir.
// Tasks created before a failing URL are kept and returned.
func (m *Manager) CreateModelTasks(ctx context.Context, req ModelDownloadRequest, targetDir string) ([]string, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(req.URLs))
	for _, u := range req.URLs {
		id, err := m.CreateTask(ctx, u, targetDir, req.OptionsFor(u))
		if err != nil {
			return ids, fmt.Errorf("failed to create task for %s: %w", u, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Pause stops a downloading task, keeping its part-files
func (m *Manager) Pause(taskID string) bool {
	task, ok := m.get(taskID)
	if !ok {
		return false
	}

	task.mu.Lock()
	if task.state != StateDownloading {
		task.mu.Unlock()
		return false
	}
	task.stop.Store(true)
	task.mu.Unlock()

	if m.waitRun(task.interrupt()) {
		task.recount()
	}

	from, err := task.transition(StateIdle)
	if err != nil {
		return false
	}
	logger.WithField("task", taskID).Info("Download paused")
	m.stateChanged(task, from)
	return true
}

// Resume restarts an idle task from its part-files
func (m *Manager) Resume(taskID string) bool {
	task, ok := m.get(taskID)
	if !ok || m.closed.Load() {
		return false
	}
	if task.State() != StateIdle || task.running() {
		return false
	}
	if !m.launch(task) {
		return false
	}
	logger.WithField("task", taskID).Info("Download resumed")
	return true
}

// Delete stops the task if running and removes it with its temporary
// files. A completed target file is kept.
func (m *Manager) Delete(taskID string) bool {
	return m.remove(taskID, true)
}

// Forget drops the task and its record but keeps its part-files, so a
// later task for the same target reuses the parts already fetched.
func (m *Manager) Forget(taskID string) bool {
	return m.remove(taskID, false)
}

func (m *Manager) remove(taskID string, removeFiles bool) bool {
	task, ok := m.get(taskID)
	if !ok {
		return false
	}

	done := task.interrupt()
	exited := m.waitRun(done)

	m.mu.Lock()
	delete(m.tasks, taskID)
	for i, id := range m.order {
		if id == taskID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if removeFiles {
		if exited {
			task.removeTempFiles()
		} else {
			// Workers may still hold part-files open
			go func() {
				<-done
				task.removeTempFiles()
			}()
		}
	}

	if m.store != nil {
		if err := m.store.DeleteDownload(context.Background(), taskID); err != nil && !errors.Is(err, storage.ErrDownloadNotFound) {
			logger.WithField("task", taskID).WithError(err).Warn("Failed to delete download record")
		}
	}
	logger.WithField("task", taskID).WithField("keep_parts", !removeFiles).Info("Download task deleted")
	return true
}

// GetTask returns a snapshot of a task
func (m *Manager) GetTask(taskID string) (Progress, bool) {
	task, ok := m.get(taskID)
	if !ok {
		return Progress{}, false
	}
	return task.Snapshot(), true
}

// ListTasks returns snapshots of all tasks in creation order
func (m *Manager) ListTasks() []Progress {
	m.mu.RLock()
	tasks := make([]*Task, 0, len(m.order))
	for _, id := range m.order {
		tasks = append(tasks, m.tasks[id])
	}
	m.mu.RUnlock()

	list := make([]Progress, 0, len(tasks))
	for _, t := range tasks {
		list = append(list, t.Snapshot())
	}
	return list
}

// Stats counts tasks per state
func (m *Manager) Stats() Stats {
	stats := Stats{
		ByState:       make(map[string]int, len(AllStates)),
		MaxConcurrent: m.pool.capacity(),
		ActiveWorkers: m.pool.activeWorkers(),
	}
	for _, s := range AllStates {
		stats.ByState[s.String()] = 0
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tasks {
		stats.ByState[t.State().String()]++
		stats.Total++
	}
	return stats
}

// Restore loads persisted tasks. Interrupted tasks come back IDLE and
// are resumed when AutoResume is set. A task restored with its merged
// target already in place is verified again without downloading.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}

	records, err := m.store.ListDownloads(ctx, 0, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to load downloads: %w", err)
	}

	restored := 0
	for _, rec := range records {
		task, err := taskFromRecord(rec)
		if err != nil {
			logger.WithField("task", rec.ID).WithError(err).Warn("Skipping unreadable download record")
			continue
		}

		m.mu.Lock()
		if _, exists := m.tasks[task.ID]; exists {
			m.mu.Unlock()
			continue
		}
		m.tasks[task.ID] = task
		m.order = append(m.order, task.ID)
		m.mu.Unlock()
		restored++

		if task.State().String() != rec.State {
			m.persist(task)
		}
		switch {
		case task.State() == StateVerifying:
			m.reverify(task)
		case m.config.AutoResume && task.State() == StateIdle:
			m.launch(task)
		}
	}

	logger.Infof("Restored %d download tasks", restored)
	return restored, nil
}

// Close interrupts running tasks, which land in IDLE, and stops the
// event loops.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	m.runCancel()
	m.mu.RLock()
	for _, t := range m.tasks {
		t.resources.closeAll()
	}
	m.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		m.runs.Wait()
		m.pool.wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		err = fmt.Errorf("timeout waiting for downloads to finish")
	}

	m.cancel()
	m.wg.Wait()
	return err
}

// launch starts a run of task, moving it to DOWNLOADING
func (m *Manager) launch(task *Task) bool {
	task.mu.Lock()
	if task.done != nil {
		select {
		case <-task.done:
		default:
			task.mu.Unlock()
			return false
		}
	}
	from, err := task.transitionLocked(StateDownloading)
	if err != nil {
		task.mu.Unlock()
		return false
	}

	ctx, cancel := context.WithCancel(m.runCtx)
	done := make(chan struct{})
	task.cancel = cancel
	task.done = done
	task.resetCounters()
	task.mu.Unlock()

	m.stateChanged(task, from)

	r := &runner{m: m, task: task, cancel: cancel}
	m.runs.Add(1)
	go func() {
		defer m.runs.Done()
		defer close(done)
		defer cancel()
		r.run(ctx)
	}()
	return true
}

// reverify runs only the verification step of a restored VERIFYING task
func (m *Manager) reverify(task *Task) {
	done := make(chan struct{})
	task.mu.Lock()
	task.done = done
	task.mu.Unlock()

	r := &runner{m: m, task: task, cancel: func() {}}
	m.runs.Add(1)
	go func() {
		defer m.runs.Done()
		defer close(done)
		if r.complete() {
			task.removeTempFiles()
		}
	}()
}

// waitRun waits up to PauseTimeout for a run to finish
func (m *Manager) waitRun(done chan struct{}) bool {
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(m.config.PauseTimeout):
		return false
	}
}

func (m *Manager) checkSpace(dir string, need int64) error {
	free, err := m.freeSpace(dir)
	if err != nil {
		logger.WithError(err).Warnf("Cannot read free space of %s", dir)
		return nil
	}
	if free < uint64(need) {
		return fmt.Errorf("%w: need %d bytes, %d available in %s", ErrInsufficientSpace, need, free, filepath.Clean(dir))
	}
	return nil
}

func (m *Manager) get(taskID string) (*Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[taskID]
	return task, ok
}

// stateChanged persists the task and emits a state_changed event.
// from equal to the current state marks a newly registered task.
func (m *Manager) stateChanged(task *Task, from DownloadState) {
	m.persist(task)

	snap := task.Snapshot()
	event := Event{
		Type:      EventStateChanged,
		TaskID:    task.ID,
		Progress:  snap,
		Timestamp: time.Now(),
	}
	if from != snap.State {
		event.From = from.String()
	}

	logger.WithField("task", task.ID).Debugf("State %s -> %s", event.From, snap.State)
	m.notify(event)
}

func (m *Manager) persist(task *Task) {
	if m.store == nil {
		return
	}
	// A removed task's run may still be winding down
	m.mu.RLock()
	registered := m.tasks[task.ID] == task
	m.mu.RUnlock()
	if !registered {
		return
	}
	if err := m.store.SaveDownload(context.Background(), task.toRecord()); err != nil {
		logger.WithField("task", task.ID).WithError(err).Warn("Failed to save download record")
	}
}

// notify sends an event without blocking callers for long
func (m *Manager) notify(event Event) {
	select {
	case m.events <- event:
	case <-time.After(100 * time.Millisecond):
		// Don't block if channel is full
	}
}

// eventBroadcaster broadcasts events to all listeners
func (m *Manager) eventBroadcaster() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case event := <-m.events:
			m.mu.RLock()
			listeners := make([]Listener, len(m.listeners))
			copy(listeners, m.listeners)
			m.mu.RUnlock()

			for _, listener := range listeners {
				listener(event)
			}
		}
	}
}

// progressTicker emits progress_update events for active tasks
func (m *Manager) progressTicker() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.ProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.mu.RLock()
			active := make([]*Task, 0, len(m.tasks))
			for _, t := range m.tasks {
				switch t.State() {
				case StateDownloading, StateMerging, StateVerifying:
					active = append(active, t)
				}
			}
			m.mu.RUnlock()

			for _, t := range active {
				select {
				case m.events <- Event{
					Type:      EventProgressUpdate,
					TaskID:    t.ID,
					Progress:  t.Snapshot(),
					Timestamp: time.Now(),
				}:
				default:
				}
			}
		}
	}
}
