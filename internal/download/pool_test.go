package download

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	pool := newWorkerPool(2)
	assert.Equal(t, 2, pool.capacity())

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		pool.submit(context.Background(), func(context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return nil
		}, func(err error) {
			assert.NoError(t, err)
			wg.Done()
		})
	}
	wg.Wait()
	pool.wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 0, pool.activeWorkers())
}

func TestWorkerPoolCancelledBeforeSlot(t *testing.T) {
	pool := newWorkerPool(1)
	release := make(chan struct{})

	first := make(chan error, 1)
	pool.submit(context.Background(), func(context.Context) error {
		<-release
		return nil
	}, func(err error) { first <- err })

	require.Eventually(t, func() bool { return pool.activeWorkers() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	second := make(chan error, 1)
	ran := atomic.Bool{}
	pool.submit(ctx, func(context.Context) error {
		ran.Store(true)
		return nil
	}, func(err error) { second <- err })

	cancel()
	assert.ErrorIs(t, <-second, ErrPaused)
	assert.False(t, ran.Load())

	close(release)
	assert.NoError(t, <-first)
	pool.wait()
}

func TestWorkerPoolReportsJobError(t *testing.T) {
	pool := newWorkerPool(0)
	assert.Equal(t, 1, pool.capacity())

	boom := errors.New("boom")
	got := make(chan error, 1)
	pool.submit(context.Background(), func(context.Context) error { return boom }, func(err error) { got <- err })
	assert.ErrorIs(t, <-got, boom)
}

type countingCloser struct{ closed atomic.Int32 }

func (c *countingCloser) Close() error {
	c.closed.Add(1)
	return nil
}

var _ io.Closer = (*countingCloser)(nil)

func TestResourceSet(t *testing.T) {
	rs := newResourceSet()
	a, b := &countingCloser{}, &countingCloser{}

	untrackA := rs.track(a)
	rs.track(b)
	assert.Equal(t, 2, rs.len())

	untrackA()
	assert.Equal(t, 1, rs.len())

	assert.Equal(t, 1, rs.closeAll())
	assert.Equal(t, int32(0), a.closed.Load())
	assert.Equal(t, int32(1), b.closed.Load())
	assert.Equal(t, 0, rs.len())
	assert.Equal(t, 0, rs.closeAll())
}
