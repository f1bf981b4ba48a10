package webhooks

import (
	"encoding/json"
	"fmt"
)

// Event names that are not derived from an article type.
const (
	EventAPIStatus      = "apiStatus"
	EventManifestUpdate = "manifestUpdate"
)

// Event is a change detected by one of the pollers.
// The set of implementations is closed: only types in this package satisfy it.
type Event interface {
	// Name is the event name webhooks subscribe to.
	Name() string
	isEvent()
}

// APIStatusEvent is raised when the Bungie API switches between enabled and disabled.
type APIStatusEvent struct {
	IsEnabled bool `json:"isEnabled"`
}

// ManifestUpdateEvent is raised when the Destiny 2 manifest version changes.
type ManifestUpdateEvent struct {
	OldVersion string `json:"oldVersion,omitempty"`
	NewVersion string `json:"newVersion"`
}

// ArticleCreateEvent is raised once for each newly seen article.
type ArticleCreateEvent struct {
	UID     string  `json:"uid"`
	Article Article `json:"article"`
}

func (APIStatusEvent) Name() string      { return EventAPIStatus }
func (ManifestUpdateEvent) Name() string { return EventManifestUpdate }
func (e ArticleCreateEvent) Name() string {
	return ArticleCreateEventName(e.Article.Type)
}

func (APIStatusEvent) isEvent()      {}
func (ManifestUpdateEvent) isEvent() {}
func (ArticleCreateEvent) isEvent()  {}

// ArticleCreateEventName returns the event name for new articles of type t.
func ArticleCreateEventName(t ArticleType) string {
	if t == "" {
		t = ArticleNews
	}
	return string(t) + "ArticleCreate"
}

// EventNames lists every event name a webhook can subscribe to.
func EventNames() []string {
	return []string{
		EventAPIStatus,
		EventManifestUpdate,
		ArticleCreateEventName(ArticleNews),
		ArticleCreateEventName(ArticleTWAB),
		ArticleCreateEventName(ArticleHotfix),
		ArticleCreateEventName(ArticleUpdate),
	}
}

// DecodeEvent decodes the JSON body of the named event into its concrete type.
func DecodeEvent(name string, data []byte) (Event, error) {
	switch name {
	case EventAPIStatus:
		var e APIStatusEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", name, err)
		}
		return e, nil
	case EventManifestUpdate:
		var e ManifestUpdateEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", name, err)
		}
		return e, nil
	case ArticleCreateEventName(ArticleNews),
		ArticleCreateEventName(ArticleTWAB),
		ArticleCreateEventName(ArticleHotfix),
		ArticleCreateEventName(ArticleUpdate):
		var e ArticleCreateEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", name, err)
		}
		if e.Name() != name {
			return nil, fmt.Errorf("event name %s does not match article type %q", name, e.Article.Type)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown event name %q", name)
	}
}
