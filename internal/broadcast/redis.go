package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/cellsync/internal/types"
	"github.com/example/cellsync/internal/wire"
)

const (
	defaultChannelPrefix = "cells:"
	defaultDedupeTTL     = 2 * time.Minute
	maxBackoffDelay      = 30 * time.Second
)

// Applier receives batches published by sibling instances.
type Applier interface {
	SetChanges(ctx context.Context, msg types.Message) error
}

type redisMessage struct {
	ID         string `json:"id"`
	Origin     string `json:"origin"`
	Payload    []byte `json:"payload"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

// RedisBroadcaster publishes locally recorded entries on the replica group's
// channel and applies batches published by the other instances of the group.
type RedisBroadcaster struct {
	client  *redis.Client
	origin  types.ReplicaID
	channel string
	logger  zerolog.Logger

	dedupeTTL time.Duration

	seenMu sync.Mutex
	seen   map[string]time.Time

	latency *prometheus.HistogramVec
}

// NewRedisBroadcaster constructs a broadcaster backed by Redis Pub/Sub.
func NewRedisBroadcaster(client *redis.Client, group string, origin types.ReplicaID, logger zerolog.Logger) *RedisBroadcaster {
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "broadcast",
		Name:      "enqueue_to_apply_seconds",
		Help:      "Observed latency between publishing a batch and applying it on a sibling.",
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 12),
	}, []string{"channel"})

	if err := prometheus.Register(histogram); err != nil {
		if regErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			histogram = regErr.ExistingCollector.(*prometheus.HistogramVec)
		}
	}

	return &RedisBroadcaster{
		client:    client,
		origin:    origin,
		channel:   defaultChannelPrefix + group,
		logger:    logger.With().Str("component", "broadcast").Logger(),
		dedupeTTL: defaultDedupeTTL,
		seen:      make(map[string]time.Time),
		latency:   histogram,
	}
}

// Channel returns the Pub/Sub channel of the replica group.
func (b *RedisBroadcaster) Channel() string {
	return b.channel
}

// Publish encodes a batch and sends it to the group channel, retrying with
// backoff until it succeeds or ctx ends.
func (b *RedisBroadcaster) Publish(ctx context.Context, msg types.Message) error {
	if b == nil || b.client == nil {
		return errors.New("nil broadcaster")
	}

	encoded, err := b.encode(msg)
	if err != nil {
		return err
	}

	backoff := time.Second
	for {
		if err := b.client.Publish(ctx, b.channel, encoded).Err(); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			b.logger.Warn().Err(err).Str("channel", b.channel).Dur("backoff", backoff).Msg("redis publish failed; retrying")
			select {
			case <-time.After(backoff):
				backoff = minDuration(backoff*2, maxBackoffDelay)
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
}

func (b *RedisBroadcaster) encode(msg types.Message) ([]byte, error) {
	payload, err := wire.Binary.EncodeMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	encoded, err := json.Marshal(redisMessage{
		ID:         uuid.NewString(),
		Origin:     string(b.origin),
		Payload:    payload,
		EnqueuedAt: time.Now().UTC().UnixNano(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode redis payload: %w", err)
	}
	return encoded, nil
}

// Start begins consuming the group channel, applying every sibling batch.
func (b *RedisBroadcaster) Start(ctx context.Context, applier Applier) {
	go b.run(ctx, applier)
}

func (b *RedisBroadcaster) run(ctx context.Context, applier Applier) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := b.client.Subscribe(ctx, b.channel)
		if err := b.consume(ctx, pubsub, applier); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn().Err(err).Dur("backoff", backoff).Msg("redis subscription interrupted; retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff = minDuration(backoff*2, maxBackoffDelay)
		}
	}
}

func (b *RedisBroadcaster) consume(ctx context.Context, pubsub *redis.PubSub, applier Applier) error {
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			if err := b.process(ctx, msg, applier); err != nil {
				b.logger.Warn().Err(err).Msg("failed to process broadcast message")
			}
		}
	}
}

func (b *RedisBroadcaster) process(ctx context.Context, msg *redis.Message, applier Applier) error {
	var payload redisMessage
	if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if payload.ID == "" || payload.Origin == "" {
		return errors.New("incomplete payload")
	}
	if payload.Origin == string(b.origin) || b.isDuplicate(payload.ID) {
		return nil
	}

	batch, err := wire.Binary.DecodeMessage(payload.Payload)
	if err != nil {
		return err
	}
	if err := applier.SetChanges(ctx, batch); err != nil {
		return fmt.Errorf("apply batch from %s: %w", payload.Origin, err)
	}

	var latencySeconds float64
	if payload.EnqueuedAt > 0 {
		latencySeconds = float64(time.Since(time.Unix(0, payload.EnqueuedAt))) / float64(time.Second)
	}
	b.latency.WithLabelValues(msg.Channel).Observe(latencySeconds)
	return nil
}

func (b *RedisBroadcaster) isDuplicate(id string) bool {
	b.seenMu.Lock()
	defer b.seenMu.Unlock()

	if ts, ok := b.seen[id]; ok {
		if time.Since(ts) < b.dedupeTTL {
			return true
		}
	}

	b.seen[id] = time.Now()
	cutoff := time.Now().Add(-b.dedupeTTL)
	for k, ts := range b.seen {
		if ts.Before(cutoff) {
			delete(b.seen, k)
		}
	}
	return false
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
