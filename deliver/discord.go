package deliver

import (
	"bungie-webhooks/pkg/webhooks"
	"fmt"
	"time"
)

// discordPayload is the body of a Discord "execute webhook" request.
type discordPayload struct {
	Username   string `json:"username,omitempty"`
	Content    string `json:"content,omitempty"`
	ThreadName string `json:"thread_name,omitempty"` // Forum channels only
}

// discordMessage renders event as a Discord webhook message.
func discordMessage(event webhooks.Event, format webhooks.Format) (discordPayload, error) {
	switch e := event.(type) {
	case webhooks.APIStatusEvent:
		state := "disabled"
		if e.IsEnabled {
			state = "enabled"
		}
		return discordPayload{
			Username: "Bungie API status",
			Content:  "The API is now " + state + ".",
		}, nil
	case webhooks.ManifestUpdateEvent:
		return discordPayload{
			Username: "Bungie API manifest update",
			Content:  fmt.Sprintf("Manifest version has changed from `%s` to `%s`", e.OldVersion, e.NewVersion),
		}, nil
	case webhooks.ArticleCreateEvent:
		p := discordPayload{
			Username: e.Article.Author,
			Content: fmt.Sprintf("%s\n\n%s\n\n_posted %s (%s)_\n_ _",
				e.Article.Subtitle,
				e.Article.URL,
				discordTimestamp(e.Article.Date, "f"),
				discordTimestamp(e.Article.Date, "R")),
		}
		if format == webhooks.FormatChatThread {
			p.ThreadName = e.Article.Title
		}
		return p, nil
	default:
		return discordPayload{}, fmt.Errorf("%w: %s", ErrUnhandledEvent, event.Name())
	}
}

// discordTimestamp returns Discord timestamp markup for date, which Discord
// renders in the reader's locale. Unparseable dates are returned as-is.
func discordTimestamp(date, style string) string {
	t, err := time.Parse(time.RFC3339, date)
	if err != nil {
		return date
	}
	return fmt.Sprintf("<t:%d:%s>", t.Unix(), style)
}
