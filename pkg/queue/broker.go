package queue

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/quorralabs/keel/pkg/contracts"
)

// Broker connection defaults: a bounded number of attempts with a fixed
// backoff, then fail.
const (
	DefaultConnectRetries = 5
	DefaultRetryBackoff   = 2 * time.Second
	brokerBlockInterval   = 5 * time.Second
)

// BrokerConfig configures the redis-streams backend.
type BrokerConfig struct {
	// URL takes precedence over Addr; redis:// or rediss:// scheme.
	URL  string
	Addr string

	// Credentials injected before the first connection attempt. They
	// override any credentials embedded in URL.
	Username string
	Password string

	// UseTLS upgrades a redis:// URL to rediss:// (or sets a TLS config
	// for Addr) before connecting.
	UseTLS bool

	// Subject is the stream every task is published to.
	Subject string

	ConnectRetries int
	RetryBackoff   time.Duration
}

// Broker is the redis-streams backend. It is explicitly at-most-once:
// consumer groups are created NOACK, Ack and Nack are no-ops, and a task
// lost between publish and consumption — or held by a worker that dies —
// is not retried by the queue. Callers wanting at-least-once use the Local
// backend or swap in a durable pull-consumer mode.
type Broker struct {
	cfg    BrokerConfig
	client *redis.Client
	ins    *instruments

	consumer string   // unique per instance for group bookkeeping
	groups   sync.Map // group name → struct{}, lazily created
}

// NewBroker connects with bounded retries and returns the backend.
func NewBroker(ctx context.Context, cfg BrokerConfig) (*Broker, error) {
	if cfg.Subject == "" {
		cfg.Subject = "keel.tasks"
	}
	if cfg.ConnectRetries <= 0 {
		cfg.ConnectRetries = DefaultConnectRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}

	opts, err := brokerOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	var lastErr error
	for attempt := 1; attempt <= cfg.ConnectRetries; attempt++ {
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			break
		}
		slog.Warn("broker connect failed",
			"attempt", attempt, "retries", cfg.ConnectRetries, "error", lastErr)
		select {
		case <-time.After(cfg.RetryBackoff):
		case <-ctx.Done():
			_ = client.Close()
			return nil, ctx.Err()
		}
	}
	if lastErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("queue: broker unreachable after %d attempts: %w",
			cfg.ConnectRetries, lastErr)
	}

	return &Broker{
		cfg:      cfg,
		client:   client,
		ins:      newInstruments("broker"),
		consumer: "keel-" + uuid.New().String(),
	}, nil
}

// brokerOptions resolves the client options, applying the TLS scheme
// upgrade and credential injection before the first attempt.
func brokerOptions(cfg BrokerConfig) (*redis.Options, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		url := cfg.URL
		if cfg.UseTLS && strings.HasPrefix(url, "redis://") {
			url = "rediss://" + strings.TrimPrefix(url, "redis://")
		}
		parsed, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("queue: broker url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: cfg.Addr}
		if cfg.UseTLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}
	if cfg.Username != "" {
		opts.Username = cfg.Username
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	return opts, nil
}

// Enqueue implements Queue: the serialized task is published to the
// subject stream.
func (b *Broker) Enqueue(ctx context.Context, task *contracts.Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("queue: marshal task %s: %w", task.ID, err)
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.cfg.Subject,
		Values: map[string]interface{}{"task": payload},
	}).Err()
	if err != nil {
		return "", fmt.Errorf("queue: publish task %s: %w", task.ID, err)
	}
	b.ins.add(ctx, b.ins.enqueued, 1)
	return task.ID, nil
}

// Dequeue implements Queue. Workers sharing a group name compete: each
// delivery reaches exactly one of them. The group subscription is created
// lazily on first use.
func (b *Broker) Dequeue(ctx context.Context, group string) (*contracts.Task, *contracts.LeaseToken, error) {
	if group == "" {
		group = "keel"
	}
	if err := b.ensureGroup(ctx, group); err != nil {
		return nil, nil, err
	}

	for {
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: b.consumer,
			Streams:  []string{b.cfg.Subject, ">"},
			Count:    1,
			Block:    brokerBlockInterval,
			NoAck:    true,
		}).Result()
		if err == redis.Nil {
			// Block interval elapsed without a delivery; re-check ctx.
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			return nil, nil, fmt.Errorf("queue: broker read: %w", err)
		}
		if len(streams) == 0 || len(streams[0].Messages) == 0 {
			continue
		}

		msg := streams[0].Messages[0]
		task, err := decodeTaskMessage(msg)
		if err != nil {
			slog.Error("broker message dropped", "stream_id", msg.ID, "error", err)
			continue
		}
		b.ins.add(ctx, b.ins.dequeued, 1)
		// NOACK delivery: the lease is bookkeeping only, nothing holds
		// or recovers the task after this point.
		return task, &contracts.LeaseToken{
			TaskID:  task.ID,
			LeaseID: msg.ID,
		}, nil
	}
}

// Ack implements Queue. A no-op: NOACK delivery has nothing to settle.
func (b *Broker) Ack(context.Context, *contracts.LeaseToken) error { return nil }

// Nack implements Queue. A no-op: the transport offers no redelivery
// primitive in this mode, so the loss is accepted, not retried.
func (b *Broker) Nack(context.Context, *contracts.LeaseToken, time.Duration) error { return nil }

// Close releases the client.
func (b *Broker) Close() error { return b.client.Close() }

func (b *Broker) ensureGroup(ctx context.Context, group string) error {
	if _, ok := b.groups.Load(group); ok {
		return nil
	}
	err := b.client.XGroupCreateMkStream(ctx, b.cfg.Subject, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("queue: create group %s: %w", group, err)
	}
	b.groups.Store(group, struct{}{})
	return nil
}

func decodeTaskMessage(msg redis.XMessage) (*contracts.Task, error) {
	raw, ok := msg.Values["task"]
	if !ok {
		return nil, fmt.Errorf("message %s has no task field", msg.ID)
	}
	str, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("message %s task field is %T", msg.ID, raw)
	}
	var task contracts.Task
	if err := json.Unmarshal([]byte(str), &task); err != nil {
		return nil, fmt.Errorf("message %s: %w", msg.ID, err)
	}
	return &task, nil
}
