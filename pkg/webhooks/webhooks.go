// Package webhooks contains the core domain types for the Bungie API webhook service.
package webhooks

import (
	"encoding/json"
	"slices"
	"time"
)

// MaxHistory is the number of delivery records kept on each webhook.
const MaxHistory = 20

// ArticleType classifies a news article by its title.
type ArticleType string

// Article types.
const (
	ArticleNews   ArticleType = "news"
	ArticleTWAB   ArticleType = "twab"
	ArticleHotfix ArticleType = "hotfix"
	ArticleUpdate ArticleType = "update"
)

// Article is a single Bungie.net news article.
type Article struct {
	UID          string      `json:"uid"`
	Title        string      `json:"title"`
	Subtitle     string      `json:"subtitle"`
	Author       string      `json:"author"`
	Date         string      `json:"date"`        // Article date as published by ContentStack
	PublishDate  string      `json:"publishDate"` // When the entry was published
	URL          string      `json:"url"`
	Type         ArticleType `json:"type"`
	HotfixNumber string      `json:"hotfixNumber,omitempty"`
	UpdateNumber string      `json:"updateNumber,omitempty"`
}

// Format selects how a webhook payload is rendered.
type Format string

// Payload formats.
const (
	FormatDefault    Format = "default"    // Raw event JSON
	FormatChat       Format = "chat"       // Discord webhook message
	FormatChatThread Format = "chatThread" // Discord forum channel message, one thread per post
)

// ParseFormat normalizes a stored format name.
// The legacy names "discord" and "discordForum" map to the chat formats,
// anything unrecognized falls back to the default format.
func ParseFormat(s string) Format {
	switch s {
	case string(FormatChat), "discord":
		return FormatChat
	case string(FormatChatThread), "discordForum":
		return FormatChatThread
	default:
		return FormatDefault
	}
}

// IsChat reports whether the format renders a chat message instead of raw JSON.
func (f Format) IsChat() bool {
	return f == FormatChat || f == FormatChatThread
}

// Webhook is a registered subscriber endpoint.
type Webhook struct {
	ID      string            `json:"-"` // Document key
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Format  Format            `json:"format,omitempty"`
	Events  []string          `json:"events"`
	History []DeliveryRecord  `json:"history,omitempty"`
}

// SubscribesToAny reports whether the webhook wants any of the given event names.
func (w *Webhook) SubscribesToAny(names ...string) bool {
	for _, name := range names {
		if slices.Contains(w.Events, name) {
			return true
		}
	}
	return false
}

// DeliveryStatus is the outcome of a single webhook call.
type DeliveryStatus string

// Delivery outcomes.
const (
	DeliverySuccess DeliveryStatus = "success"
	DeliveryError   DeliveryStatus = "error"
)

// DeliveryRecord is one entry of a webhook's delivery history.
type DeliveryRecord struct {
	EventName         string          `json:"eventName"`
	Status            DeliveryStatus  `json:"status"`
	ErrorText         string          `json:"errorText,omitempty"`
	ResponseTimestamp time.Time       `json:"responseTimestamp"`
	DispatchTimestamp time.Time       `json:"dispatchTimestamp"`
	Payload           json.RawMessage `json:"payload,omitempty"`
}

// PrependHistory returns history with rec in front, truncated to MaxHistory entries.
// Stored history is handled as raw entries so records of an older shape survive.
func PrependHistory[T any](history []T, rec T) []T {
	out := make([]T, 0, min(len(history)+1, MaxHistory))
	out = append(out, rec)
	for _, r := range history {
		if len(out) == MaxHistory {
			break
		}
		out = append(out, r)
	}
	return out
}

// Message is the body published to the delivery channel for one webhook.
type Message struct {
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	Format    Format            `json:"format,omitempty"`
	EventName string            `json:"eventName"`
	Event     json.RawMessage   `json:"event"`
}

// Message attribute keys.
const (
	AttrWebhookID         = "webhookId"
	AttrDispatchTimestamp = "dispatchTimestamp"
	AttrDispatchID        = "dispatchId"
)
