package download

import (
	"io"
	"sync"
)

// resourceSet tracks the streams a task's workers have open so that
// pause and delete can unblock reads and writes by closing them.
type resourceSet struct {
	mu      sync.Mutex
	next    int
	closers map[int]io.Closer
}

func newResourceSet() *resourceSet {
	return &resourceSet{closers: make(map[int]io.Closer)}
}

// track registers c and returns a function that unregisters it
func (r *resourceSet) track(c io.Closer) func() {
	r.mu.Lock()
	id := r.next
	r.next++
	r.closers[id] = c
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.closers, id)
		r.mu.Unlock()
	}
}

// closeAll closes and forgets every tracked stream
func (r *resourceSet) closeAll() int {
	r.mu.Lock()
	closers := r.closers
	r.closers = make(map[int]io.Closer)
	r.mu.Unlock()

	for _, c := range closers {
		c.Close()
	}
	return len(closers)
}

// len returns the number of tracked streams
func (r *resourceSet) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.closers)
}
