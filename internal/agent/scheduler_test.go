package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestSchedulerCapsParallelism(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := NewScheduler(2, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	var running int32
	var peak int32
	var wg sync.WaitGroup
	block := make(chan struct{})

	for i := 0; i < 5; i++ {
		wg.Add(1)
		ok := s.Submit(Task{
			Key: uuid.New(),
			Run: func(context.Context) {
				defer wg.Done()
				n := atomic.AddInt32(&running, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				<-block
				atomic.AddInt32(&running, -1)
			},
		})
		require.True(t, ok)
	}

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 2, atomic.LoadInt32(&running), "only maxParallel workers may run")
	close(block)
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	cancel()
	time.Sleep(50 * time.Millisecond)
}

func TestSchedulerFIFOQueue(t *testing.T) {
	s := NewScheduler(1, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	gate := make(chan struct{})

	for i := 0; i < 4; i++ {
		i := i
		wg.Add(1)
		s.Submit(Task{
			Key: uuid.New(),
			Run: func(context.Context) {
				defer wg.Done()
				if i == 0 {
					<-gate
				}
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			},
		})
	}
	close(gate)
	wg.Wait()

	require.Len(t, order, 4)
	assert.Equal(t, []int{0, 1, 2, 3}, order, "queued tasks must start in submission order")
}

func TestSchedulerCancellation(t *testing.T) {
	s := NewScheduler(1, 200*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	key := uuid.New()
	started := make(chan struct{})
	finished := make(chan struct{})
	s.Submit(Task{
		Key: key,
		Run: func(runCtx context.Context) {
			close(started)
			<-runCtx.Done()
			close(finished)
		},
	})

	<-started
	require.True(t, s.Running(key))
	assert.True(t, s.Cancel(key))
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("worker did not observe cancellation")
	}
	assert.False(t, s.Running(key))
}

func TestSchedulerRefusesDuplicateKey(t *testing.T) {
	s := NewScheduler(2, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	key := uuid.New()
	block := make(chan struct{})
	defer close(block)

	require.True(t, s.Submit(Task{Key: key, Run: func(context.Context) { <-block }}))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, s.Submit(Task{Key: key, Run: func(context.Context) {}}),
		"a key with an active worker must be refused")
}
