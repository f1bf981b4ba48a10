// Package channel carries delivery messages from the dispatcher to the delivery worker.
// Delivery is at-least-once: a message is redelivered until its handler succeeds
// or the maximum number of attempts is reached.
package channel

import (
	"context"
	"encoding/json"
)

// Message is one unit of delivery work.
type Message struct {
	ID         string            // Assigned by the channel
	JSON       json.RawMessage   // Message body
	Attributes map[string]string // String metadata
	Attempt    int               // Delivery attempt, starting at 1
}

// Handler processes a message. Returning an error leaves the message for redelivery.
type Handler func(ctx context.Context, msg Message) error

// Channel is an at-least-once message channel.
type Channel interface {
	Publish(ctx context.Context, msg Message) (string, error)
	Consume(ctx context.Context, handler Handler) error
}
