// Package shutdown runs ordered cleanup hooks when the process is told to stop.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/shepherd-project/shepherd-fetch/internal/logger"
)

// Hook is called once during shutdown
type Hook func(ctx context.Context) error

// HookPriority defines the order in which hooks are executed
type HookPriority int

const (
	// PriorityCritical hooks run first (stop accepting requests)
	PriorityCritical HookPriority = 0
	// PriorityHigh hooks run second (pause downloads)
	PriorityHigh HookPriority = 1
	// PriorityNormal hooks run third (close stores)
	PriorityNormal HookPriority = 2
	// PriorityLow hooks run last (flush logs)
	PriorityLow HookPriority = 3
)

type registeredHook struct {
	name     string
	hook     Hook
	priority HookPriority
}

// Manager manages graceful shutdown
type Manager struct {
	mu       sync.Mutex
	hooks    []registeredHook
	timeout  time.Duration
	sigChan  chan os.Signal
	stopChan chan struct{}
	done     chan struct{}
	err      error
	started  bool
	once     sync.Once
}

// NewManager creates a shutdown manager giving each hook up to timeout
func NewManager(timeout time.Duration) *Manager {
	return &Manager{
		timeout:  timeout,
		sigChan:  make(chan os.Signal, 1),
		stopChan: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Register adds a hook. Hooks of equal priority run in registration order.
func (m *Manager) Register(name string, hook Hook, priority HookPriority) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hooks = append(m.hooks, registeredHook{name: name, hook: hook, priority: priority})
	logger.Debugf("Registered shutdown hook: %s (priority: %d)", name, priority)
}

// Start begins listening for SIGINT, SIGTERM and SIGQUIT
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	signal.Notify(m.sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		select {
		case sig := <-m.sigChan:
			logger.Infof("Received signal %v, shutting down", sig)
		case <-m.stopChan:
			logger.Info("Shutdown requested")
		}
		signal.Stop(m.sigChan)
		m.run()
	}()
}

// Stop triggers shutdown programmatically. Before Start it runs the hooks
// on the calling goroutine.
func (m *Manager) Stop() {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()

	if !started {
		m.run()
		return
	}

	select {
	case m.stopChan <- struct{}{}:
	default:
	}
}

func (m *Manager) run() {
	m.once.Do(func() {
		defer close(m.done)

		m.mu.Lock()
		hooks := make([]registeredHook, len(m.hooks))
		copy(hooks, m.hooks)
		m.mu.Unlock()

		sort.SliceStable(hooks, func(i, j int) bool {
			return hooks[i].priority < hooks[j].priority
		})

		var errs []error
		for _, h := range hooks {
			if err := m.runHook(h); err != nil {
				logger.WithError(err).Errorf("Shutdown hook %s failed", h.name)
				errs = append(errs, err)
			}
		}

		m.mu.Lock()
		m.err = errors.Join(errs...)
		m.mu.Unlock()
		logger.Info("Shutdown complete")
	})
}

func (m *Manager) runHook(h registeredHook) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	logger.Debugf("Running shutdown hook: %s", h.name)

	result := make(chan error, 1)
	go func() {
		result <- h.hook(ctx)
	}()

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("%s: %w", h.name, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: timed out after %v", h.name, m.timeout)
	}
}

// Done returns a channel that's closed when every hook has run
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until shutdown is complete and returns the joined hook errors
func (m *Manager) Wait() error {
	<-m.done
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}
