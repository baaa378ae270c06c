// Package queue delivers admitted tasks to workers. Two backends share one
// four-operation contract with deliberately different delivery guarantees:
// the in-process backend is at-least-once with lease-based redelivery, the
// broker backend is at-most-once. Callers that need strict guarantees must
// be backend-aware; papering over the asymmetry would only hide it until an
// outage finds it.
package queue

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/quorralabs/keel/pkg/contracts"
)

// Errors surfaced by queue backends.
var (
	// ErrClosed reports an operation on a queue whose last handle was
	// closed. Blocked Dequeue callers observe it instead of hanging.
	ErrClosed = errors.New("queue: closed")
	// ErrUnknownLease reports an Ack/Nack for a lease the queue is not
	// holding — usually because it already expired and the task was
	// redelivered.
	ErrUnknownLease = errors.New("queue: unknown lease")
)

// Queue is the backend-agnostic delivery contract.
type Queue interface {
	// Enqueue admits a task and returns its id, minting one if absent.
	Enqueue(ctx context.Context, task *contracts.Task) (string, error)

	// Dequeue blocks until a task is available and leases it to the
	// caller. group selects the competing-consumer group on broker
	// backends; the local backend delivers to any caller and ignores it.
	Dequeue(ctx context.Context, group string) (*contracts.Task, *contracts.LeaseToken, error)

	// Ack consumes the lease on success.
	Ack(ctx context.Context, lease *contracts.LeaseToken) error

	// Nack consumes the lease on failure and re-enqueues the task,
	// after retryAfter if nonzero.
	Nack(ctx context.Context, lease *contracts.LeaseToken, retryAfter time.Duration) error
}

// instruments holds the queue meters. Instrument registration failures are
// logged by the otel SDK and leave nil instruments; record methods treat
// nil as disabled.
type instruments struct {
	enqueued    metric.Int64Counter
	dequeued    metric.Int64Counter
	redelivered metric.Int64Counter
	depth       metric.Int64UpDownCounter
}

func newInstruments(backend string) *instruments {
	meter := otel.Meter("github.com/quorralabs/keel/pkg/queue")
	ins := &instruments{}
	ins.enqueued, _ = meter.Int64Counter("keel.queue." + backend + ".enqueued")
	ins.dequeued, _ = meter.Int64Counter("keel.queue." + backend + ".dequeued")
	ins.redelivered, _ = meter.Int64Counter("keel.queue." + backend + ".redelivered")
	ins.depth, _ = meter.Int64UpDownCounter("keel.queue." + backend + ".depth")
	return ins
}

func (i *instruments) add(ctx context.Context, c metric.Int64Counter, n int64) {
	if c != nil {
		c.Add(ctx, n)
	}
}

func (i *instruments) addDepth(ctx context.Context, n int64) {
	if i.depth != nil {
		i.depth.Add(ctx, n)
	}
}
