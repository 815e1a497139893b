package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWorkerPool_Defaults(t *testing.T) {
	p := NewWorkerPool(Config{QueueSize: -1}, nil)
	defer p.Close()

	assert.Equal(t, DefaultConfig(), p.config)
}

func TestWorkerPool_SubmitWait(t *testing.T) {
	p := NewWorkerPool(Config{MaxWorkers: 2, QueueSize: 2}, nil)
	defer p.Close()

	var ran atomic.Bool
	err := p.SubmitWait(context.Background(), func(context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran.Load())

	boom := errors.New("boom")
	err = p.SubmitWait(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	s := p.Stats()
	assert.Equal(t, int64(2), s.Submitted)
	assert.Equal(t, int64(1), s.Completed)
	assert.Equal(t, int64(1), s.Failed)
}

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	p := NewWorkerPool(Config{MaxWorkers: 3, QueueSize: 16}, nil)
	defer p.Close()

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.SubmitWait(context.Background(), func(context.Context) error {
				n := current.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				current.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, int64(12), p.Stats().Completed)
}

func TestWorkerPool_PanicBecomesError(t *testing.T) {
	p := NewWorkerPool(Config{MaxWorkers: 1}, nil)
	defer p.Close()

	err := p.SubmitWait(context.Background(), func(context.Context) error { panic("kaboom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	require.NoError(t, p.SubmitWait(context.Background(), func(context.Context) error { return nil }))
}

func TestWorkerPool_SubmitFull(t *testing.T) {
	p := NewWorkerPool(Config{MaxWorkers: 1, QueueSize: 0}, nil)
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	err := p.Submit(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolFull)
	assert.Equal(t, int64(1), p.Stats().Rejected)
	close(release)
}

func TestWorkerPool_SubmitWaitContextCancelled(t *testing.T) {
	p := NewWorkerPool(Config{MaxWorkers: 1, QueueSize: 0}, nil)
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = p.SubmitWait(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.SubmitWait(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestWorkerPool_CloseDrainsQueue(t *testing.T) {
	p := NewWorkerPool(Config{MaxWorkers: 1, QueueSize: 8}, nil)

	var done atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
			time.Sleep(time.Millisecond)
			done.Add(1)
			return nil
		}))
	}
	require.NoError(t, p.Close())
	assert.Equal(t, int32(5), done.Load())

	assert.ErrorIs(t, p.Submit(context.Background(), func(context.Context) error { return nil }), ErrPoolClosed)
	assert.ErrorIs(t, p.SubmitWait(context.Background(), func(context.Context) error { return nil }), ErrPoolClosed)
	assert.NoError(t, p.Close())
}
