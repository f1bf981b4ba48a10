// Package deliver calls subscriber webhooks and records each attempt in the
// subscriber's delivery history.
package deliver

import (
	"bungie-webhooks/channel"
	"bungie-webhooks/metrics"
	"bungie-webhooks/pkg/webhooks"
	"bungie-webhooks/storage"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"
)

const maxErrorText = 200

var (
	// ErrWebhookNotFound means the message names a webhook that no longer exists.
	ErrWebhookNotFound = errors.New("webhook not found")
	// ErrUnhandledEvent means the message carries an event this worker cannot render.
	ErrUnhandledEvent = errors.New("unhandled event")
)

// DeliveryError is returned when the webhook call failed. The failure has
// already been recorded in the webhook's history.
type DeliveryError struct {
	WebhookID string
	Detail    string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("could not call webhook %s: %s", e.WebhookID, e.Detail)
}

// IsDeliveryError checks if an error is a failed webhook call.
func IsDeliveryError(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de)
}

// HistoryStore updates a webhook's delivery history.
type HistoryStore interface {
	UpdateWebhookHistory(ctx context.Context, id string, fn func([]json.RawMessage) []json.RawMessage) error
}

// Worker delivers webhook messages taken from the delivery channel.
type Worker struct {
	client *http.Client
	store  HistoryStore
	logger *slog.Logger
	now    func() time.Time
}

// New creates a new delivery worker.
func New(client *http.Client, store HistoryStore, logger *slog.Logger) *Worker {
	return &Worker{
		client: client,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Deliver handles one channel message: it renders the payload, POSTs it to
// the webhook URL and prepends the outcome to the webhook's history. A failed
// call is returned as a *DeliveryError after the history write so the channel
// redelivers the message.
func (w *Worker) Deliver(ctx context.Context, msg channel.Message) error {
	var m webhooks.Message
	if err := json.Unmarshal(msg.JSON, &m); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	webhookID := msg.Attributes[webhooks.AttrWebhookID]
	if webhookID == "" {
		return fmt.Errorf("%w: message %s has no webhook id", ErrWebhookNotFound, msg.ID)
	}

	payload, err := w.payload(m)
	if err != nil {
		return err
	}

	start := w.now()
	detail := w.post(ctx, m, payload)
	status := webhooks.DeliverySuccess
	if detail != "" {
		status = webhooks.DeliveryError
		w.logger.Error("Could not call webhook",
			"webhook_id", webhookID,
			"event", m.EventName,
			"attempt", msg.Attempt,
			"error", detail)
	}
	metrics.RecordDelivery(m.EventName, string(status), w.now().Sub(start).Seconds())

	dispatched, err := time.Parse(time.RFC3339Nano, msg.Attributes[webhooks.AttrDispatchTimestamp])
	if err != nil {
		w.logger.Warn("Message has no valid dispatch timestamp", "message_id", msg.ID, "error", err)
	}
	rec := webhooks.DeliveryRecord{
		EventName:         m.EventName,
		Status:            status,
		ErrorText:         detail,
		ResponseTimestamp: w.now().UTC(),
		DispatchTimestamp: dispatched,
		Payload:           payload,
	}

	recJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal delivery record: %w", err)
	}
	err = w.store.UpdateWebhookHistory(ctx, webhookID, func(history []json.RawMessage) []json.RawMessage {
		return webhooks.PrependHistory(history, json.RawMessage(recJSON))
	})
	if storage.IsNotFound(err) {
		return fmt.Errorf("%w: %s", ErrWebhookNotFound, webhookID)
	}
	if err != nil {
		return fmt.Errorf("record delivery for webhook %s: %w", webhookID, err)
	}

	if detail != "" {
		return &DeliveryError{WebhookID: webhookID, Detail: detail}
	}
	w.logger.Info("Webhook delivered", "webhook_id", webhookID, "event", m.EventName)
	return nil
}

// payload returns the request body for m: the raw event for the default
// format, a Discord message for the chat formats.
func (w *Worker) payload(m webhooks.Message) (json.RawMessage, error) {
	if !m.Format.IsChat() {
		if len(m.Event) == 0 {
			return nil, errors.New("message has no event")
		}
		return m.Event, nil
	}

	event, err := webhooks.DecodeEvent(m.EventName, m.Event)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnhandledEvent, err)
	}
	p, err := discordMessage(event, m.Format)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal discord payload: %w", err)
	}
	return body, nil
}

// post calls the webhook and returns an empty string on success or a
// description of the failure, at most maxErrorText long for transport errors.
func (w *Worker) post(ctx context.Context, m webhooks.Message, payload []byte) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.URL, bytes.NewReader(payload))
	if err != nil {
		return truncate(err.Error(), maxErrorText)
	}
	for k, v := range m.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return truncate(err.Error(), maxErrorText)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			w.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorText))
		if err != nil {
			w.logger.Warn("Failed to read error response", "url", m.URL, "error", err)
		}
		return fmt.Sprintf("%d: %s -- %s", resp.StatusCode, http.StatusText(resp.StatusCode), body)
	}
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		w.logger.Debug("Failed to drain response body", "error", err)
	}
	return ""
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
