package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorralabs/keel/pkg/contracts"
)

func newTestLocal(t *testing.T, cfg LocalConfig) *Local {
	t.Helper()
	q := NewLocal(cfg)
	t.Cleanup(q.Close)
	return q
}

func TestLocal_EnqueueDequeueRoundTrip(t *testing.T) {
	q := newTestLocal(t, LocalConfig{})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, &contracts.Task{Kind: "net.http.get", Priority: 3})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	task, lease, err := q.Dequeue(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, id, task.ID)
	assert.Equal(t, uint32(0), task.Attempt)
	assert.Equal(t, id, lease.TaskID)
	assert.NotEmpty(t, lease.LeaseID)
	assert.True(t, lease.ExpiresAt.After(time.Now()))

	require.NoError(t, q.Ack(ctx, lease))
	assert.Zero(t, q.InFlight())
}

func TestLocal_PriorityOrderAndFIFOWithinBucket(t *testing.T) {
	q := newTestLocal(t, LocalConfig{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, &contracts.Task{ID: "low-1", Priority: 10})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, &contracts.Task{ID: "high-1", Priority: 1})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, &contracts.Task{ID: "high-2", Priority: 1})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, &contracts.Task{ID: "mid-1", Priority: 5})
	require.NoError(t, err)

	var order []string
	for i := 0; i < 4; i++ {
		task, lease, err := q.Dequeue(ctx, "")
		require.NoError(t, err)
		order = append(order, task.ID)
		require.NoError(t, q.Ack(ctx, lease))
	}
	assert.Equal(t, []string{"high-1", "high-2", "mid-1", "low-1"}, order)
}

func TestLocal_DequeueBlocksUntilEnqueue(t *testing.T) {
	q := newTestLocal(t, LocalConfig{})
	ctx := context.Background()

	got := make(chan string, 1)
	go func() {
		task, lease, err := q.Dequeue(ctx, "")
		if err != nil {
			return
		}
		_ = q.Ack(ctx, lease)
		got <- task.ID
	}()

	time.Sleep(20 * time.Millisecond) // let the consumer park
	_, err := q.Enqueue(ctx, &contracts.Task{ID: "wakeup"})
	require.NoError(t, err)

	select {
	case id := <-got:
		assert.Equal(t, "wakeup", id)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked dequeue never woke")
	}
}

func TestLocal_DequeueRespectsContext(t *testing.T) {
	q := newTestLocal(t, LocalConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, _, err := q.Dequeue(ctx, "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocal_LeaseExpiryRedeliversExactlyOnce(t *testing.T) {
	q := newTestLocal(t, LocalConfig{
		LeaseTTL:      MinLeaseTTL,
		SweepInterval: 20 * time.Millisecond,
	})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, &contracts.Task{Kind: "slow"})
	require.NoError(t, err)

	// Dequeue and crash: no ack, no nack.
	first, _, err := q.Dequeue(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), first.Attempt)

	// After the TTL passes the sweeper must requeue it with attempt=1.
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	second, lease, err := q.Dequeue(waitCtx, "")
	require.NoError(t, err)
	assert.Equal(t, id, second.ID)
	assert.Equal(t, uint32(1), second.Attempt)

	// Acked this time: it must not come back a third time.
	require.NoError(t, q.Ack(ctx, lease))
	time.Sleep(3 * MinLeaseTTL)
	assert.Zero(t, q.Depth())
	assert.Zero(t, q.InFlight())
}

func TestLocal_RedeliveryNeverMutatesDeliveredTask(t *testing.T) {
	q := newTestLocal(t, LocalConfig{
		LeaseTTL:      MinLeaseTTL,
		SweepInterval: 20 * time.Millisecond,
	})
	ctx := context.Background()

	submitted := &contracts.Task{Kind: "slow"}
	id, err := q.Enqueue(ctx, submitted)
	require.NoError(t, err)

	first, _, err := q.Dequeue(ctx, "")
	require.NoError(t, err)

	// A hung worker keeps reading its task while the lease expires and the
	// sweeper redelivers. Under -race this loop catches any queue write to
	// the delivered object.
	stop := make(chan struct{})
	done := make(chan uint32)
	go func() {
		var last uint32
		for {
			select {
			case <-stop:
				done <- last
				return
			default:
				last = first.Attempt
			}
		}
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	second, lease, err := q.Dequeue(waitCtx, "")
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, lease))

	close(stop)
	observed := <-done

	assert.Equal(t, id, second.ID)
	assert.Equal(t, uint32(1), second.Attempt, "redelivery carries the bumped attempt")
	assert.Equal(t, uint32(0), observed, "the hung worker's task is untouched")
	assert.Equal(t, uint32(0), submitted.Attempt, "the enqueuer's task is untouched")
	assert.NotSame(t, first, second, "each delivery hands out its own object")
}

func TestLocal_AckAfterExpiryReportsUnknownLease(t *testing.T) {
	q := newTestLocal(t, LocalConfig{
		LeaseTTL:      MinLeaseTTL,
		SweepInterval: 20 * time.Millisecond,
	})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, &contracts.Task{})
	require.NoError(t, err)
	_, lease, err := q.Dequeue(ctx, "")
	require.NoError(t, err)

	time.Sleep(MinLeaseTTL + 200*time.Millisecond)
	assert.ErrorIs(t, q.Ack(ctx, lease), ErrUnknownLease)
}

func TestLocal_NackImmediateRequeue(t *testing.T) {
	q := newTestLocal(t, LocalConfig{})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, &contracts.Task{})
	require.NoError(t, err)
	task, lease, err := q.Dequeue(ctx, "")
	require.NoError(t, err)

	require.NoError(t, q.Nack(ctx, lease, 0))
	again, lease2, err := q.Dequeue(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, id, again.ID)
	// Explicit retry is not an expiry; attempt stays put.
	assert.Equal(t, task.Attempt, again.Attempt)
	require.NoError(t, q.Ack(ctx, lease2))

	assert.ErrorIs(t, q.Nack(ctx, lease, 0), ErrUnknownLease)
}

func TestLocal_NackDelayedRequeue(t *testing.T) {
	q := newTestLocal(t, LocalConfig{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, &contracts.Task{ID: "delayed"})
	require.NoError(t, err)
	_, lease, err := q.Dequeue(ctx, "")
	require.NoError(t, err)

	require.NoError(t, q.Nack(ctx, lease, 50*time.Millisecond))
	assert.Zero(t, q.Depth(), "task must not be ready before the delay")

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	task, lease2, err := q.Dequeue(waitCtx, "")
	require.NoError(t, err)
	assert.Equal(t, "delayed", task.ID)
	require.NoError(t, q.Ack(ctx, lease2))
}

func TestLocal_CloseWakesWaitersAndStopsSweeper(t *testing.T) {
	q := NewLocal(LocalConfig{})

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, _, err := q.Dequeue(context.Background(), "")
			errs <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	q.Close()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter not woken by close")
		}
	}

	_, err := q.Enqueue(context.Background(), &contracts.Task{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLocal_RefcountedLifecycle(t *testing.T) {
	q := NewLocal(LocalConfig{})
	handle := q.Retain()

	q.Close() // first handle gone, queue must stay alive
	_, err := q.Enqueue(context.Background(), &contracts.Task{ID: "still-up"})
	require.NoError(t, err)

	handle.Close()
	_, err = q.Enqueue(context.Background(), &contracts.Task{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLocal_CompetingConsumersGetDisjointTasks(t *testing.T) {
	q := newTestLocal(t, LocalConfig{})
	ctx := context.Background()
	const n = 20

	for i := 0; i < n; i++ {
		_, err := q.Enqueue(ctx, &contracts.Task{})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				dctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
				task, lease, err := q.Dequeue(dctx, "")
				cancel()
				if err != nil {
					return
				}
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
				_ = q.Ack(ctx, lease)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, "task %s delivered more than once", id)
	}
}
