package async

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestPool_BoundsConcurrency(t *testing.T) {
	p := NewPool(quiet, WithWorkers(3), WithQueueSize(4))
	defer p.Shutdown(context.Background())

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		err := p.Submit(context.Background(), "task", func(ctx context.Context) {
			defer wg.Done()
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
		})
		require.NoError(t, err)
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, 3, p.Workers())
}

func TestPool_TaskPanicDoesNotKillWorker(t *testing.T) {
	p := NewPool(quiet, WithWorkers(1))
	defer p.Shutdown(context.Background())

	done := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), "boom", func(context.Context) { panic("boom") }))
	require.NoError(t, p.Submit(context.Background(), "after", func(context.Context) { close(done) }))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
}

func TestPool_TaskTimeout(t *testing.T) {
	p := NewPool(quiet, WithWorkers(1), WithTaskTimeout(20*time.Millisecond))
	defer p.Shutdown(context.Background())

	errCh := make(chan error, 1)
	require.NoError(t, p.Submit(context.Background(), "slow", func(ctx context.Context) {
		<-ctx.Done()
		errCh <- ctx.Err()
	}))
	assert.ErrorIs(t, <-errCh, context.DeadlineExceeded)
}

func TestPool_SubmitAfterShutdown(t *testing.T) {
	p := NewPool(quiet, WithWorkers(1))
	p.Shutdown(context.Background())
	p.Shutdown(context.Background())

	err := p.Submit(context.Background(), "late", func(context.Context) {})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPool_SubmitHonoursContextWhenFull(t *testing.T) {
	p := NewPool(quiet, WithWorkers(1), WithQueueSize(1))
	release := make(chan struct{})
	defer func() {
		close(release)
		p.Shutdown(context.Background())
	}()

	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), "busy", func(context.Context) {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, p.Submit(context.Background(), "queued", func(context.Context) {}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, "blocked", func(context.Context) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_ShutdownDrainsQueue(t *testing.T) {
	p := NewPool(quiet, WithWorkers(2), WithQueueSize(16))

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(context.Background(), "t", func(context.Context) {
			time.Sleep(time.Millisecond)
			ran.Add(1)
		}))
	}
	p.Shutdown(context.Background())
	assert.EqualValues(t, 10, ran.Load())
}
