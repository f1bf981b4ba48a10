package channel

import (
	"bungie-webhooks/metrics"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis Streams channel configuration.
type Config struct {
	// Stream is the Redis Stream key.
	Stream string
	// Group is the consumer group name.
	Group string
	// Consumer is this consumer's name within the group.
	Consumer string
	// BatchSize is the number of messages to read at once.
	BatchSize int64
	// BlockTimeout is how long to block waiting for new messages.
	BlockTimeout time.Duration
	// RetryInterval is how often failed messages are redelivered.
	RetryInterval time.Duration
	// MaxDeliveries is the number of attempts before a message is dropped.
	MaxDeliveries int
}

// DefaultConfig returns a default channel configuration.
func DefaultConfig() Config {
	return Config{
		Stream:        "bungie:webhooks:deliveries",
		Group:         "delivery-workers",
		Consumer:      "delivery-1",
		BatchSize:     10,
		BlockTimeout:  5 * time.Second,
		RetryInterval: 30 * time.Second,
		MaxDeliveries: 5,
	}
}

// Redis is a Channel backed by a Redis Stream and consumer group.
// Failed messages stay in the consumer's pending list until retried.
type Redis struct {
	client *redis.Client
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	attempts map[string]int // Delivery attempts per pending message ID
}

// NewRedis creates a Redis Streams channel.
func NewRedis(client *redis.Client, config Config, logger *slog.Logger) *Redis {
	return &Redis{
		client:   client,
		config:   config,
		logger:   logger,
		attempts: make(map[string]int),
	}
}

// Publish appends a message to the stream and returns its ID.
func (r *Redis) Publish(ctx context.Context, msg Message) (string, error) {
	if len(msg.JSON) == 0 {
		return "", errors.New("message body is empty")
	}
	values := map[string]any{"json": string(msg.JSON)}
	if len(msg.Attributes) > 0 {
		attrs, err := json.Marshal(msg.Attributes)
		if err != nil {
			return "", fmt.Errorf("marshal attributes: %w", err)
		}
		values["attributes"] = string(attrs)
	}

	id, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.config.Stream,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", r.config.Stream, err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group if it doesn't exist.
func (r *Redis) EnsureGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.config.Stream, r.config.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Consume reads and handles messages until ctx is done. Pending messages are
// retried every RetryInterval.
func (r *Redis) Consume(ctx context.Context, handler Handler) error {
	if err := r.EnsureGroup(ctx); err != nil {
		return err
	}

	r.logger.Info("Starting delivery consumer",
		"stream", r.config.Stream,
		"group", r.config.Group,
		"consumer", r.config.Consumer)

	// Anything left pending by a previous run is retried first.
	nextRetry := time.Now()
	for {
		if ctx.Err() != nil {
			r.logger.Info("Delivery consumer stopping")
			return nil
		}

		if !time.Now().Before(nextRetry) {
			if _, err := r.ProcessPending(ctx, handler); err != nil && ctx.Err() == nil {
				r.logger.Error("Failed to process pending messages", "error", err)
			}
			nextRetry = time.Now().Add(r.config.RetryInterval)
		}

		if _, err := r.ProcessNew(ctx, handler); err != nil {
			if ctx.Err() != nil {
				continue
			}
			r.logger.Error("Failed to read messages", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second): // Back off on error
			}
		}
	}
}

// ProcessNew reads messages never delivered to this group, blocking up to
// BlockTimeout, and handles them. It returns the number handled successfully.
func (r *Redis) ProcessNew(ctx context.Context, handler Handler) (int, error) {
	return r.process(ctx, handler, ">", r.config.BlockTimeout)
}

// ProcessPending redelivers messages this consumer read but never acknowledged.
// It returns the number handled successfully.
func (r *Redis) ProcessPending(ctx context.Context, handler Handler) (int, error) {
	return r.process(ctx, handler, "0", -1)
}

func (r *Redis) process(ctx context.Context, handler Handler, start string, block time.Duration) (int, error) {
	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.config.Group,
		Consumer: r.config.Consumer,
		Streams:  []string{r.config.Stream, start},
		Count:    r.config.BatchSize,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, stream := range streams {
		for _, xmsg := range stream.Messages {
			if r.handle(ctx, handler, xmsg) {
				handled++
			}
		}
	}
	return handled, nil
}

// handle runs handler on one message and acknowledges it on success or once it
// has used up its attempts.
func (r *Redis) handle(ctx context.Context, handler Handler, xmsg redis.XMessage) bool {
	attempt := r.nextAttempt(xmsg.ID)
	if attempt > r.config.MaxDeliveries {
		r.logger.Error("Dropping message after max delivery attempts",
			"message_id", xmsg.ID,
			"attempts", attempt-1)
		metrics.RecordDeadLetter()
		r.ack(ctx, xmsg.ID)
		return false
	}

	msg, err := parseMessage(xmsg)
	if err != nil {
		r.logger.Error("Dropping malformed message", "message_id", xmsg.ID, "error", err)
		r.ack(ctx, xmsg.ID)
		return false
	}
	msg.Attempt = attempt

	if err := handler(ctx, msg); err != nil {
		// Not acknowledged; redelivered from the pending list.
		r.logger.Warn("Failed to handle message",
			"message_id", xmsg.ID,
			"attempt", attempt,
			"error", err)
		return false
	}

	r.ack(ctx, xmsg.ID)
	return true
}

func (r *Redis) nextAttempt(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[id]++
	return r.attempts[id]
}

func (r *Redis) ack(ctx context.Context, id string) {
	r.mu.Lock()
	delete(r.attempts, id)
	r.mu.Unlock()

	if err := r.client.XAck(ctx, r.config.Stream, r.config.Group, id).Err(); err != nil {
		r.logger.Error("Failed to acknowledge message", "message_id", id, "error", err)
	}
}

func parseMessage(xmsg redis.XMessage) (Message, error) {
	msg := Message{ID: xmsg.ID}
	body, ok := xmsg.Values["json"].(string)
	if !ok || body == "" {
		return msg, errors.New("missing json field")
	}
	msg.JSON = json.RawMessage(body)

	if raw, ok := xmsg.Values["attributes"].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &msg.Attributes); err != nil {
			return msg, fmt.Errorf("decode attributes: %w", err)
		}
	}
	if msg.Attributes == nil {
		msg.Attributes = make(map[string]string)
	}
	return msg, nil
}
