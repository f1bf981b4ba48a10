package bungie

import (
	"bungie-webhooks/pkg/webhooks"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
)

// ContentStackSettings holds the credentials needed to query the news backend.
type ContentStackSettings struct {
	APIKey        string `json:"apiKey"`
	Environment   string `json:"environment"`
	DeliveryToken string `json:"deliveryToken"`
}

// "{live}{token}"
var envPlusDeliveryTokenPattern = regexp.MustCompile(`^{(.+?)}{(.+?)}$`)

// articleWindow is how far back LatestArticles looks.
const articleWindow = 7 * 24 * time.Hour

// ContentStackSettingsFrom extracts the ContentStack credentials from common settings.
func ContentStackSettingsFrom(settings *CommonSettings) (*ContentStackSettings, error) {
	system, ok := settings.Systems["ContentStack"]
	if !ok || system.Parameters == nil {
		return nil, errors.New("ContentStack params missing")
	}
	apiKey := system.Parameters["ApiKey"]
	envPlusToken := system.Parameters["EnvPlusDeliveryToken"]
	if apiKey == "" || envPlusToken == "" {
		return nil, errors.New("missing ApiKey or EnvPlusDeliveryToken")
	}
	m := envPlusDeliveryTokenPattern.FindStringSubmatch(envPlusToken)
	if m == nil {
		return nil, fmt.Errorf("EnvPlusDeliveryToken format has changed: %q", envPlusToken)
	}
	return &ContentStackSettings{APIKey: apiKey, Environment: m[1], DeliveryToken: m[2]}, nil
}

// ContentStackSettings fetches common settings and extracts the ContentStack credentials.
func (c *Client) ContentStackSettings(ctx context.Context) (*ContentStackSettings, error) {
	settings, err := c.CommonSettings(ctx)
	if err != nil {
		return nil, err
	}
	return ContentStackSettingsFrom(settings)
}

const latestArticlesQuery = `
query ($date: String) {
  articles: all_news_article(where: {date_gt: $date}) {
    items {
      title
      subtitle
      date
      author
      system {
        uid
        publish_details {
          time
        }
      }
      url {
        hosted_url
      }
    }
    total
  }
}`

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type articleItem struct {
	Title    string `json:"title"`
	Subtitle string `json:"subtitle"`
	Date     string `json:"date"`
	Author   string `json:"author"`
	System   struct {
		UID            string `json:"uid"`
		PublishDetails struct {
			Time string `json:"time"`
		} `json:"publish_details"`
	} `json:"system"`
	URL struct {
		HostedURL string `json:"hosted_url"`
	} `json:"url"`
}

type articlesResponse struct {
	Data *struct {
		Articles *struct {
			Items []articleItem `json:"items"`
			Total int           `json:"total"`
		} `json:"articles"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// LatestArticles returns the articles dated within the last week, newest first.
// Returned articles are not classified; Type is left empty.
func (c *Client) LatestArticles(ctx context.Context, settings *ContentStackSettings) ([]webhooks.Article, error) {
	endpoint := fmt.Sprintf("%s/%s?environment=%s",
		c.contentStackURL, url.PathEscape(settings.APIKey), url.QueryEscape(settings.Environment))

	payload, err := json.Marshal(graphQLRequest{
		Query:     latestArticlesQuery,
		Variables: map[string]any{"date": c.now().Add(-articleWindow).UTC().Format("2006-01-02T15:04:05.000Z")},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	var resp articlesResponse
	err = c.do(ctx, "contentstack", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("access_token", settings.DeliveryToken)
		req.Header.Set("Referer", "https://www.contentstack.com/")

		body, status, err := c.send(req)
		if err != nil {
			return err
		}
		if status >= http.StatusInternalServerError {
			return fmt.Errorf("HTTP %d", status)
		}
		if status != http.StatusOK {
			return retry.Unrecoverable(fmt.Errorf("HTTP %d: %s", status, truncate(string(body), 200)))
		}
		resp = articlesResponse{}
		if err := json.Unmarshal(body, &resp); err != nil {
			return retry.Unrecoverable(fmt.Errorf("decode graphql response: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", resp.Errors[0].Message)
	}
	if resp.Data == nil || resp.Data.Articles == nil {
		return nil, errors.New("graphql response missing articles")
	}

	articles := make([]webhooks.Article, 0, len(resp.Data.Articles.Items))
	for _, item := range resp.Data.Articles.Items {
		if item.System.UID == "" {
			c.logger.Warn("Skipping article without uid", "title", item.Title)
			continue
		}
		articles = append(articles, webhooks.Article{
			UID:         item.System.UID,
			Title:       strings.TrimSpace(item.Title),
			Subtitle:    plainText(item.Subtitle),
			Author:      plainText(item.Author),
			Date:        item.Date,
			PublishDate: item.System.PublishDetails.Time,
			URL:         c.articleBaseURL + item.URL.HostedURL,
		})
	}

	// Unparseable dates sort last.
	sort.SliceStable(articles, func(i, j int) bool {
		return articleTime(articles[i]).After(articleTime(articles[j]))
	})

	c.logger.Info("Fetched latest articles", "count", len(articles), "total", resp.Data.Articles.Total)
	return articles, nil
}

func articleTime(a webhooks.Article) time.Time {
	t, err := time.Parse(time.RFC3339, a.Date)
	if err != nil {
		return time.Time{}
	}
	return t
}

// plainText strips any HTML markup ContentStack leaves in rich text fields.
func plainText(s string) string {
	if !strings.ContainsRune(s, '<') {
		return strings.TrimSpace(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
