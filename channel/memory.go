package channel

import (
	"bungie-webhooks/metrics"
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Memory is an in-process Channel for local development. Messages are lost on
// restart; failed messages are retried with backoff inside the process.
type Memory struct {
	queue         chan Message
	logger        *slog.Logger
	maxDeliveries uint
	retryDelay    time.Duration
	workers       int
}

// NewMemory creates an in-process channel buffering up to size messages.
func NewMemory(size int, maxDeliveries uint, retryDelay time.Duration, logger *slog.Logger) *Memory {
	if maxDeliveries == 0 {
		maxDeliveries = 1
	}
	return &Memory{
		queue:         make(chan Message, size),
		logger:        logger,
		maxDeliveries: maxDeliveries,
		retryDelay:    retryDelay,
		workers:       4,
	}
}

// Publish enqueues a message. It blocks while the buffer is full.
func (m *Memory) Publish(ctx context.Context, msg Message) (string, error) {
	if len(msg.JSON) == 0 {
		return "", errors.New("message body is empty")
	}
	msg.ID = uuid.NewString()
	select {
	case m.queue <- msg:
		return msg.ID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Consume handles messages until ctx is done, then waits for in-flight messages.
func (m *Memory) Consume(ctx context.Context, handler Handler) error {
	m.logger.Info("Starting in-memory delivery consumer", "workers", m.workers)

	var g errgroup.Group
	g.SetLimit(m.workers)
	for {
		select {
		case <-ctx.Done():
			_ = g.Wait() // handlers never return errors
			m.logger.Info("Delivery consumer stopping")
			return nil
		case msg := <-m.queue:
			g.Go(func() error {
				m.deliver(ctx, handler, msg)
				return nil
			})
		}
	}
}

func (m *Memory) deliver(ctx context.Context, handler Handler, msg Message) {
	attempt := 0
	err := retry.Do(
		func() error {
			attempt++
			msg.Attempt = attempt
			return handler(ctx, msg)
		},
		retry.Attempts(m.maxDeliveries),
		retry.Delay(m.retryDelay),
		retry.MaxDelay(2*time.Minute),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			m.logger.Warn("Failed to handle message, will retry", "message_id", msg.ID, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		m.logger.Error("Dropping message after max delivery attempts",
			"message_id", msg.ID,
			"attempts", attempt,
			"error", err)
		metrics.RecordDeadLetter()
	}
}
