package poll

import (
	"bungie-webhooks/bungie"
	"bungie-webhooks/pkg/webhooks"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ArticlesInstance names the article poller's state space.
const ArticlesInstance = "articles"

const keyContentStackSettings = "contentStackSettings"

// ArticleSource fetches the latest news articles.
type ArticleSource interface {
	ContentStackSettings(ctx context.Context) (*bungie.ContentStackSettings, error)
	LatestArticles(ctx context.Context, settings *bungie.ContentStackSettings) ([]webhooks.Article, error)
}

// ArticlesResult reports the outcome of one article check.
type ArticlesResult struct {
	FetchedArticleCount int      `json:"fetchedArticleCount"`
	NewArticleCount     int      `json:"newArticleCount"`
	NewArticles         []string `json:"newArticles"`
	BungieErrorCode     int      `json:"bungieErrorCode,omitempty"`
	BungieErrorStatus   string   `json:"bungieErrorStatus,omitempty"`

	articles []webhooks.Article // New articles, newest first
}

// Articles records every article it has seen, keyed by uid.
type Articles struct {
	mu     sync.Mutex
	source ArticleSource
	state  StateStore
	logger *slog.Logger
}

// NewArticles creates an article poller.
func NewArticles(source ArticleSource, state StateStore, logger *slog.Logger) *Articles {
	return &Articles{
		source: source,
		state:  state,
		logger: logger,
	}
}

// Check fetches the latest articles and stores the ones not seen before.
// Each new article is stored on its own so a failure part way through keeps
// the articles already written.
func (p *Articles) Check(ctx context.Context, trigger Trigger) (*ArticlesResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	settings, err := p.contentStackSettings(ctx)
	if err != nil {
		if apiErr, ok := bungie.AsAPIError(err); ok {
			return &ArticlesResult{
				NewArticles:       []string{},
				BungieErrorCode:   apiErr.ErrorCode,
				BungieErrorStatus: apiErr.ErrorStatus,
			}, nil
		}
		return nil, err
	}

	fetched, err := p.source.LatestArticles(ctx, settings)
	if err != nil {
		return nil, fmt.Errorf("fetch latest articles: %w", err)
	}

	uids := make([]string, 0, len(fetched))
	for _, a := range fetched {
		uids = append(uids, a.UID)
	}
	seen, err := p.state.GetMany(ctx, uids)
	if err != nil {
		return nil, fmt.Errorf("load seen articles: %w", err)
	}

	res := &ArticlesResult{FetchedArticleCount: len(fetched), NewArticles: []string{}}
	for _, a := range fetched {
		if _, ok := seen[a.UID]; ok {
			continue
		}
		a = Classify(a)
		if err := p.state.Put(ctx, a.UID, a); err != nil {
			// Not reported as new; the next check retries it.
			p.logger.Error("Failed to save article", "uid", a.UID, "title", a.Title, "error", err)
			continue
		}
		p.logger.Info("New article", "uid", a.UID, "title", a.Title, "type", a.Type, "method", trigger.Method)
		res.articles = append(res.articles, a)
		res.NewArticles = append(res.NewArticles, a.Title)
	}
	res.NewArticleCount = len(res.articles)
	return res, nil
}

// contentStackSettings fetches fresh settings and caches them in state, falling
// back to the cached copy when the fetch fails.
func (p *Articles) contentStackSettings(ctx context.Context) (*bungie.ContentStackSettings, error) {
	var cached bungie.ContentStackSettings
	found, cacheErr := p.state.Get(ctx, keyContentStackSettings, &cached)
	if cacheErr != nil {
		p.logger.Warn("Failed to read cached ContentStack settings", "error", cacheErr)
		found = false
	}

	fresh, err := p.source.ContentStackSettings(ctx)
	if err == nil {
		if !found || cached != *fresh {
			if err := p.state.Put(ctx, keyContentStackSettings, fresh); err != nil {
				p.logger.Warn("Failed to cache ContentStack settings", "error", err)
			}
		}
		return fresh, nil
	}

	p.logger.Error("Could not fetch ContentStack settings", "error", err)
	if !found {
		if bungie.IsAPIError(err) {
			return nil, err
		}
		return nil, errors.Join(errors.New("no cached ContentStack settings"), err)
	}
	p.logger.Info("Using cached ContentStack settings")
	return &cached, nil
}
