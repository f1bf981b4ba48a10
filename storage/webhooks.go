package storage

import (
	"bungie-webhooks/pkg/webhooks"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// webhookDoc is the stored shape of a webhook. Headers accept any JSON value and
// history is kept raw so a malformed field never blocks reading the rest.
type webhookDoc struct {
	URL     string          `json:"url"`
	Headers map[string]any  `json:"headers,omitempty"`
	Format  string          `json:"format,omitempty"`
	Events  []string        `json:"events"`
	History json.RawMessage `json:"history,omitempty"`
}

func (d *webhookDoc) toWebhook(id string) *webhooks.Webhook {
	w := &webhooks.Webhook{
		ID:     id,
		URL:    d.URL,
		Format: webhooks.ParseFormat(d.Format),
		Events: d.Events,
	}
	if len(d.Headers) > 0 {
		w.Headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			if s, ok := v.(string); ok {
				w.Headers[k] = s
			} else {
				w.Headers[k] = fmt.Sprint(v)
			}
		}
	}
	return w
}

// decodeHistory splits a stored history array into its entries, leaving each
// entry undecoded. It returns nil (and false) when raw is present but not an array.
func decodeHistory(raw json.RawMessage) ([]json.RawMessage, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, true
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, false
	}
	return entries, true
}

// SaveWebhook writes a webhook document, replacing any existing one.
func (s *Store) SaveWebhook(ctx context.Context, w *webhooks.Webhook) error {
	key, err := webhookKey(w.ID)
	if err != nil {
		return err
	}
	if w.URL == "" {
		return errors.New("webhook url is required")
	}
	data, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal webhook: %w", err)
	}

	unlock := s.locks.lock(key)
	defer unlock()
	if err := s.backend.write(ctx, key, data); err != nil {
		return fmt.Errorf("save webhook %s: %w", w.ID, err)
	}
	s.logger.Info("Webhook saved", "webhook_id", w.ID, "events", w.Events)
	return nil
}

// LoadWebhook loads a webhook by id. A malformed history field is dropped, and
// history entries that do not decode as delivery records are skipped.
func (s *Store) LoadWebhook(ctx context.Context, id string) (*webhooks.Webhook, error) {
	key, err := webhookKey(id)
	if err != nil {
		return nil, err
	}
	data, err := s.backend.read(ctx, key)
	if err != nil {
		return nil, err
	}
	var doc webhookDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal webhook %s: %w", id, err)
	}
	w := doc.toWebhook(id)
	entries, ok := decodeHistory(doc.History)
	if !ok {
		s.logger.Error("Existing history field in webhook doc is not an array", "webhook_id", id)
	}
	for i, entry := range entries {
		var rec webhooks.DeliveryRecord
		if err := json.Unmarshal(entry, &rec); err != nil {
			s.logger.Debug("Skipping undecodable history entry", "webhook_id", id, "index", i, "error", err)
			continue
		}
		w.History = append(w.History, rec)
	}
	return w, nil
}

// DeleteWebhook removes a webhook document.
func (s *Store) DeleteWebhook(ctx context.Context, id string) error {
	key, err := webhookKey(id)
	if err != nil {
		return err
	}
	unlock := s.locks.lock(key)
	defer unlock()
	if err := s.backend.remove(ctx, key); err != nil {
		return fmt.Errorf("delete webhook %s: %w", id, err)
	}
	s.logger.Info("Webhook deleted", "webhook_id", id)
	return nil
}

// ListWebhooks lists all webhooks. Documents that fail to load are skipped.
func (s *Store) ListWebhooks(ctx context.Context) ([]*webhooks.Webhook, error) {
	keys, err := s.backend.list(ctx, webhookPrefix)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}

	var out []*webhooks.Webhook
	for _, key := range keys {
		id, ok := baseName(key, webhookPrefix)
		if !ok {
			continue
		}
		w, err := s.LoadWebhook(ctx, id)
		if err != nil {
			s.logger.Warn("Failed to load webhook", "key", key, "error", err)
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

// MatchingWebhooks returns the webhooks subscribed to any of the given event names.
func (s *Store) MatchingWebhooks(ctx context.Context, eventNames ...string) ([]*webhooks.Webhook, error) {
	all, err := s.ListWebhooks(ctx)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(w *webhooks.Webhook) bool {
		return !w.SubscribesToAny(eventNames...)
	}), nil
}

// UpdateWebhookHistory rewrites the history field of a webhook with fn's result,
// leaving every other field of the stored document untouched. fn receives the
// stored entries as raw JSON, so entries of an older or unknown shape are kept;
// only a history field that is not an array is reset.
// Returns ErrNotFound if the webhook does not exist.
func (s *Store) UpdateWebhookHistory(ctx context.Context, id string, fn func([]json.RawMessage) []json.RawMessage) error {
	key, err := webhookKey(id)
	if err != nil {
		return err
	}

	unlock := s.locks.lock(key)
	defer unlock()

	data, err := s.backend.read(ctx, key)
	if err != nil {
		return err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("unmarshal webhook %s: %w", id, err)
	}
	if doc == nil {
		doc = make(map[string]json.RawMessage)
	}

	history, ok := decodeHistory(doc["history"])
	if !ok {
		s.logger.Error("Existing history field in webhook doc is not an array", "webhook_id", id)
	}

	updated, err := json.Marshal(fn(history))
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	doc["history"] = updated

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal webhook: %w", err)
	}
	if err := s.backend.write(ctx, key, out); err != nil {
		return fmt.Errorf("save webhook %s: %w", id, err)
	}
	return nil
}
