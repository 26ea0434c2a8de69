package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForWaiters(t *testing.T, c *Controller, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Waiting() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestAcquireGrantsFreeSlotImmediately(t *testing.T) {
	c := NewController(1)
	ticket, err := c.Acquire(context.Background(), "a", time.Now())
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, c.Holders())

	ticket.Release()
	ticket.Release()
	require.Empty(t, c.Holders())
}

func TestAcquireRejectsDoubleHold(t *testing.T) {
	c := NewController(1)
	ticket, err := c.Acquire(context.Background(), "a", time.Now())
	require.NoError(t, err)
	defer ticket.Release()

	_, err = c.Acquire(context.Background(), "a", time.Now())
	require.ErrorIs(t, err, ErrAlreadyHeld)
}

func TestWaitersServedInSubmissionOrder(t *testing.T) {
	c := NewController(1)
	holder, err := c.Acquire(context.Background(), "holder", time.Now())
	require.NoError(t, err)

	base := time.Now()
	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	enqueue := func(id string, submitted time.Time, expectWaiting int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := c.Acquire(context.Background(), id, submitted)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			ticket.Release()
		}()
		waitForWaiters(t, c, expectWaiting)
	}

	// Arrival order differs from submission order on purpose.
	enqueue("third", base.Add(3*time.Second), 1)
	enqueue("first", base.Add(1*time.Second), 2)
	enqueue("second", base.Add(2*time.Second), 3)

	pos, ok := c.Position("first")
	require.True(t, ok)
	require.Equal(t, 1, pos)
	pos, ok = c.Position("third")
	require.True(t, ok)
	require.Equal(t, 3, pos)

	holder.Release()
	wg.Wait()
	require.Equal(t, []string{"first", "second", "third"}, order)
}

func TestCancelledWaiterLeavesQueue(t *testing.T) {
	c := NewController(1)
	holder, err := c.Acquire(context.Background(), "holder", time.Now())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Acquire(ctx, "quitter", time.Now())
		errCh <- err
	}()
	waitForWaiters(t, c, 1)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	require.Zero(t, c.Waiting())

	holder.Release()
	next, err := c.Acquire(context.Background(), "next", time.Now())
	require.NoError(t, err)
	next.Release()
}

func TestAtMostOneHolderUnderContention(t *testing.T) {
	c := NewController(1)
	var active, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ticket, err := c.Acquire(context.Background(), string(rune('a'+i)), time.Now())
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			ticket.Release()
		}(i)
	}
	wg.Wait()
	require.Equal(t, int32(1), peak)
}

func TestCloseFailsWaiters(t *testing.T) {
	c := NewController(1)
	holder, err := c.Acquire(context.Background(), "holder", time.Now())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Acquire(context.Background(), "waiter", time.Now())
		errCh <- err
	}()
	waitForWaiters(t, c, 1)
	c.Close()
	require.ErrorIs(t, <-errCh, ErrClosed)

	_, err = c.Acquire(context.Background(), "late", time.Now())
	require.ErrorIs(t, err, ErrClosed)
	holder.Release()
}

func TestOnChangeReportsUsage(t *testing.T) {
	c := NewController(1)
	var mu sync.Mutex
	var last [2]int
	c.OnChange = func(holding, waiting int) {
		mu.Lock()
		last = [2]int{holding, waiting}
		mu.Unlock()
	}
	ticket, err := c.Acquire(context.Background(), "a", time.Now())
	require.NoError(t, err)
	mu.Lock()
	require.Equal(t, [2]int{1, 0}, last)
	mu.Unlock()
	ticket.Release()
	mu.Lock()
	require.Equal(t, [2]int{0, 0}, last)
	mu.Unlock()
}
