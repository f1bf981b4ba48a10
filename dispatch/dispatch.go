// Package dispatch fans change events out to the webhooks subscribed to them.
package dispatch

import (
	"bungie-webhooks/channel"
	"bungie-webhooks/metrics"
	"bungie-webhooks/pkg/webhooks"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const maxConcurrentPublishes = 8

// Finder looks up the webhooks subscribed to any of the given event names.
type Finder interface {
	MatchingWebhooks(ctx context.Context, eventNames ...string) ([]*webhooks.Webhook, error)
}

// Publisher enqueues a delivery message.
type Publisher interface {
	Publish(ctx context.Context, msg channel.Message) (string, error)
}

// Dispatcher publishes one delivery message per subscribed webhook.
type Dispatcher struct {
	finder    Finder
	publisher Publisher
	logger    *slog.Logger
}

// New creates a new dispatcher.
func New(finder Finder, publisher Publisher, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		finder:    finder,
		publisher: publisher,
		logger:    logger,
	}
}

// Dispatch publishes event to every webhook subscribed to its name and returns
// how many messages were published. A failed publish is logged and does not
// stop the others; only a failed webhook lookup is returned as an error.
func (d *Dispatcher) Dispatch(ctx context.Context, event webhooks.Event, at time.Time) (int, error) {
	name := event.Name()

	hooks, err := d.finder.MatchingWebhooks(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("find webhooks for %s: %w", name, err)
	}
	if len(hooks) == 0 {
		d.logger.Debug("No webhooks subscribed to event", "event", name)
		return 0, nil
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("marshal %s event: %w", name, err)
	}

	dispatchID := uuid.NewString()
	timestamp := at.UTC().Format(time.RFC3339Nano)

	var published atomic.Int64
	var g errgroup.Group
	g.SetLimit(maxConcurrentPublishes)
	for _, w := range hooks {
		g.Go(func() error {
			msg, err := newMessage(w, name, eventJSON, timestamp, dispatchID)
			if err == nil {
				_, err = d.publisher.Publish(ctx, msg)
			}
			if err != nil {
				d.logger.Error("Failed to publish webhook message",
					"webhook_id", w.ID,
					"event", name,
					"dispatch_id", dispatchID,
					"error", err)
				metrics.RecordDispatch(name, "error")
				return nil
			}
			metrics.RecordDispatch(name, "success")
			published.Add(1)
			return nil
		})
	}
	_ = g.Wait() // publish failures are logged, never returned

	d.logger.Info("Event dispatched to webhooks",
		"event", name,
		"dispatch_id", dispatchID,
		"matched", len(hooks),
		"published", published.Load())
	return int(published.Load()), nil
}

func newMessage(w *webhooks.Webhook, name string, eventJSON json.RawMessage, timestamp, dispatchID string) (channel.Message, error) {
	body, err := json.Marshal(webhooks.Message{
		URL:       w.URL,
		Headers:   w.Headers,
		Format:    w.Format,
		EventName: name,
		Event:     eventJSON,
	})
	if err != nil {
		return channel.Message{}, fmt.Errorf("marshal message: %w", err)
	}
	return channel.Message{
		JSON: body,
		Attributes: map[string]string{
			webhooks.AttrWebhookID:         w.ID,
			webhooks.AttrDispatchTimestamp: timestamp,
			webhooks.AttrDispatchID:        dispatchID,
		},
	}, nil
}
