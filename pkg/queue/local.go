package queue

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quorralabs/keel/pkg/contracts"
)

// Local backend defaults. The sweep interval bounds how stale an expired
// lease can get before redelivery; the TTL minimum keeps a misconfigured
// queue from thrashing tasks between workers.
const (
	DefaultLeaseTTL      = 30 * time.Second
	MinLeaseTTL          = 1 * time.Second
	DefaultSweepInterval = 250 * time.Millisecond
)

// LocalConfig tunes the in-process backend.
type LocalConfig struct {
	LeaseTTL      time.Duration
	SweepInterval time.Duration
}

type localItem struct {
	task *contracts.Task
	seq  uint64
}

// localHeap orders by priority (lower first), then insertion sequence, so
// FIFO holds within a priority bucket and strict priority holds across
// buckets. There is no aging: a steady stream of urgent work starves
// lower-priority buckets, which is the accepted trade-off here.
type localHeap []localItem

func (h localHeap) Len() int { return len(h) }

func (h localHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority < h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h localHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *localHeap) Push(x interface{}) { *h = append(*h, x.(localItem)) }

func (h *localHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

type pendingLease struct {
	task      *contracts.Task
	expiresAt time.Time
}

// Local is the in-process, at-least-once backend. Tasks live in priority
// order until dequeued, then in the pending-lease table until acked,
// nacked, or swept back on lease expiry. Both structures are owned
// exclusively by this instance and touched only under its lock. Tasks are
// copied at the Enqueue and Dequeue boundaries: the queue never writes to
// a Task a caller can still read, so the sweeper may bump the attempt
// counter on a redelivered task while the previous worker is hung on it.
type Local struct {
	cfg LocalConfig
	ins *instruments

	mu      sync.Mutex
	ready   localHeap
	nextSeq uint64
	pending map[string]*pendingLease
	refs    int

	signal chan struct{} // capacity 1: single wakeup per insert
	closed chan struct{}
}

// NewLocal starts the backend and its lease sweeper. The caller holds the
// first handle; Close drops it.
func NewLocal(cfg LocalConfig) *Local {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.LeaseTTL < MinLeaseTTL {
		cfg.LeaseTTL = MinLeaseTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	q := &Local{
		cfg:     cfg,
		ins:     newInstruments("local"),
		pending: make(map[string]*pendingLease),
		refs:    1,
		signal:  make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	go q.sweep()
	return q
}

// Retain takes an additional handle on the queue. Every Retain needs a
// matching Close; the sweeper stops when the last handle closes.
func (q *Local) Retain() *Local {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.refs++
	return q
}

// Close drops one handle. The last Close stops the sweeper and wakes every
// blocked Dequeue with ErrClosed.
func (q *Local) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.refs == 0 {
		return
	}
	q.refs--
	if q.refs == 0 {
		close(q.closed)
	}
}

// Enqueue implements Queue. The queue keeps its own copy of the task; the
// caller's object stays the caller's.
func (q *Local) Enqueue(ctx context.Context, task *contracts.Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	owned := *task
	q.mu.Lock()
	select {
	case <-q.closed:
		q.mu.Unlock()
		return "", ErrClosed
	default:
	}
	q.push(&owned)
	q.mu.Unlock()

	q.wake()
	q.ins.add(ctx, q.ins.enqueued, 1)
	q.ins.addDepth(ctx, 1)
	return task.ID, nil
}

// Dequeue implements Queue. The group parameter selects broker consumer
// groups and is ignored here: all local callers compete for the same
// buckets.
func (q *Local) Dequeue(ctx context.Context, _ string) (*contracts.Task, *contracts.LeaseToken, error) {
	for {
		q.mu.Lock()
		select {
		case <-q.closed:
			q.mu.Unlock()
			return nil, nil, ErrClosed
		default:
		}
		if q.ready.Len() > 0 {
			item := heap.Pop(&q.ready).(localItem)
			lease := &contracts.LeaseToken{
				TaskID:    item.task.ID,
				LeaseID:   uuid.New().String(),
				ExpiresAt: time.Now().Add(q.cfg.LeaseTTL),
			}
			q.pending[lease.LeaseID] = &pendingLease{task: item.task, expiresAt: lease.ExpiresAt}
			remaining := q.ready.Len()
			// The worker gets a copy; the pending table keeps the
			// queue-owned object, which the sweeper is free to mutate
			// after expiry while a hung worker still reads its copy.
			delivered := *item.task
			q.mu.Unlock()

			// Pass the wakeup on if work remains; the signal channel
			// holds at most one token, so a burst of inserts can wake
			// only one waiter without this.
			if remaining > 0 {
				q.wake()
			}
			q.ins.add(ctx, q.ins.dequeued, 1)
			q.ins.addDepth(ctx, -1)
			return &delivered, lease, nil
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-q.closed:
			return nil, nil, ErrClosed
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

// Ack implements Queue. Acking a lease the sweeper already expired returns
// ErrUnknownLease: the task has been redelivered and this worker's result
// may be duplicated.
func (q *Local) Ack(_ context.Context, lease *contracts.LeaseToken) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[lease.LeaseID]; !ok {
		return ErrUnknownLease
	}
	delete(q.pending, lease.LeaseID)
	return nil
}

// Nack implements Queue. The task returns to its priority bucket, after
// retryAfter if nonzero. Attempt is not bumped here; only expiry-driven
// redelivery counts as an attempt.
func (q *Local) Nack(ctx context.Context, lease *contracts.LeaseToken, retryAfter time.Duration) error {
	q.mu.Lock()
	p, ok := q.pending[lease.LeaseID]
	if !ok {
		q.mu.Unlock()
		return ErrUnknownLease
	}
	delete(q.pending, lease.LeaseID)
	if retryAfter <= 0 {
		q.push(p.task)
		q.mu.Unlock()
		q.wake()
		q.ins.addDepth(ctx, 1)
		return nil
	}
	q.mu.Unlock()

	time.AfterFunc(retryAfter, func() {
		q.mu.Lock()
		select {
		case <-q.closed:
			q.mu.Unlock()
			return
		default:
		}
		q.push(p.task)
		q.mu.Unlock()
		q.wake()
		q.ins.addDepth(context.Background(), 1)
	})
	return nil
}

// Depth returns the number of ready (not in-flight) tasks.
func (q *Local) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len()
}

// InFlight returns the number of outstanding leases.
func (q *Local) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Local) push(task *contracts.Task) {
	q.nextSeq++
	heap.Push(&q.ready, localItem{task: task, seq: q.nextSeq})
}

func (q *Local) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// sweep is the sole recovery path for crashed or hung workers: leases past
// expiry are removed, the task's attempt counter is bumped, and the task
// goes back to its bucket. There is no heartbeat extension.
func (q *Local) sweep() {
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.closed:
			return
		case <-ticker.C:
		}

		now := time.Now()
		var expired []contracts.Task
		q.mu.Lock()
		for id, p := range q.pending {
			if now.After(p.expiresAt) {
				delete(q.pending, id)
				p.task.Attempt++
				q.push(p.task)
				expired = append(expired, *p.task)
			}
		}
		q.mu.Unlock()

		for _, task := range expired {
			slog.Warn("lease expired, task redelivered",
				"task_id", task.ID, "kind", task.Kind, "attempt", task.Attempt)
			q.wake()
			q.ins.add(context.Background(), q.ins.redelivered, 1)
			q.ins.addDepth(context.Background(), 1)
		}
	}
}
