// Package poll detects changes in Bungie API status, manifest version and news articles.
package poll

import (
	"bungie-webhooks/metrics"
	"bungie-webhooks/pkg/webhooks"
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Trigger methods.
const (
	MethodFetch     = "fetch"     // Manual check, e.g. from the HTTP surface
	MethodScheduled = "scheduled" // Timer-driven check
)

// Trigger describes what started a check.
type Trigger struct {
	Method        string    `json:"method"`
	Cron          string    `json:"cron,omitempty"`
	ScheduledTime time.Time `json:"scheduledTime,omitzero"`
}

// FetchTrigger returns the trigger for a manual check.
func FetchTrigger() Trigger {
	return Trigger{Method: MethodFetch}
}

// StateStore is the durable key-value space owned by one poller.
type StateStore interface {
	Get(ctx context.Context, key string, v any) (bool, error)
	GetMany(ctx context.Context, keys []string) (map[string]json.RawMessage, error)
	List(ctx context.Context) (map[string]json.RawMessage, error)
	Put(ctx context.Context, key string, v any) error
	PutMany(ctx context.Context, values map[string]any) error
}

// Dispatcher fans an event out to interested webhooks.
type Dispatcher interface {
	Dispatch(ctx context.Context, event webhooks.Event, at time.Time) (int, error)
}

// ErrorResult takes the place of a poller's result when the check failed unexpectedly.
type ErrorResult struct {
	Error string `json:"error"`
}

// Status is the combined result of running every poller once.
type Status struct {
	APIStatus      any `json:"apiStatus"`
	ArticleStatus  any `json:"articleStatus"`
	ManifestStatus any `json:"manifestStatus"`
}

// Monitor runs the pollers and raises events for the changes they report.
type Monitor struct {
	apiStatus  *APIStatus
	manifest   *Manifest
	articles   *Articles
	dispatcher Dispatcher
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a new poll monitor.
func New(apiStatus *APIStatus, manifest *Manifest, articles *Articles, dispatcher Dispatcher, logger *slog.Logger) *Monitor {
	return &Monitor{
		apiStatus:  apiStatus,
		manifest:   manifest,
		articles:   articles,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
	}
}

// CheckAll runs every poller concurrently. A failing poller does not affect the
// others; its slot in the returned status holds an ErrorResult instead.
func (m *Monitor) CheckAll(ctx context.Context, trigger Trigger) *Status {
	status := &Status{}
	var g errgroup.Group

	g.Go(func() error {
		res, err := m.CheckAPIStatus(ctx, trigger)
		status.APIStatus = resultOrError(res, err)
		return nil
	})
	g.Go(func() error {
		res, err := m.CheckArticles(ctx, trigger)
		status.ArticleStatus = resultOrError(res, err)
		return nil
	})
	g.Go(func() error {
		res, err := m.CheckManifest(ctx, trigger)
		status.ManifestStatus = resultOrError(res, err)
		return nil
	})
	_ = g.Wait() // goroutines never return errors

	m.logger.Info("Check completed", "method", trigger.Method)
	return status
}

func resultOrError[T any](res *T, err error) any {
	if err != nil {
		return ErrorResult{Error: err.Error()}
	}
	return res
}

// CheckAPIStatus runs the API status poller and raises an apiStatus event when
// the API's availability changed.
func (m *Monitor) CheckAPIStatus(ctx context.Context, trigger Trigger) (*APIStatusResult, error) {
	start := time.Now()
	res, err := m.apiStatus.Check(ctx, trigger)
	recordPoll(APIStatusInstance, start, err)
	if err != nil {
		m.logger.Error("API status check failed", "error", err)
		return nil, err
	}

	metrics.SetAPIEnabled(res.IsEnabled)
	m.logger.Info("API status checked",
		"is_enabled", res.IsEnabled,
		"status_was_updated", res.StatusWasUpdated,
		"last_error_code", derefOr(res.LastErrorCode, 0),
		"newly_enabled", res.NewlyEnabledSystems,
		"newly_disabled", res.NewlyDisabledSystems)

	if res.availabilityChanged() {
		m.raise(ctx, webhooks.APIStatusEvent{IsEnabled: res.IsEnabled})
	}
	return res, nil
}

// CheckManifest runs the manifest poller and raises a manifestUpdate event when
// the version changed.
func (m *Monitor) CheckManifest(ctx context.Context, trigger Trigger) (*ManifestResult, error) {
	start := time.Now()
	res, err := m.manifest.Check(ctx, trigger)
	recordPoll(ManifestInstance, start, err)
	if err != nil {
		m.logger.Error("Manifest check failed", "error", err)
		return nil, err
	}

	m.logger.Info("Manifest version checked",
		"manifest_version", res.ManifestVersion,
		"version_was_updated", res.VersionWasUpdated)

	if res.VersionWasUpdated {
		m.raise(ctx, webhooks.ManifestUpdateEvent{
			OldVersion: res.PreviousVersion,
			NewVersion: res.ManifestVersion,
		})
	}
	return res, nil
}

// CheckArticles runs the article poller and raises one article event per new article.
func (m *Monitor) CheckArticles(ctx context.Context, trigger Trigger) (*ArticlesResult, error) {
	start := time.Now()
	res, err := m.articles.Check(ctx, trigger)
	recordPoll(ArticlesInstance, start, err)
	if err != nil {
		m.logger.Error("Article check failed", "error", err)
		return nil, err
	}

	m.logger.Info("Articles checked",
		"fetched", res.FetchedArticleCount,
		"new", res.NewArticleCount)

	// Oldest first, so chat channels read chronologically.
	for _, article := range slices.Backward(res.articles) {
		m.raise(ctx, webhooks.ArticleCreateEvent{UID: article.UID, Article: article})
	}
	return res, nil
}

func (m *Monitor) raise(ctx context.Context, event webhooks.Event) {
	metrics.RecordEvent(event.Name())
	n, err := m.dispatcher.Dispatch(ctx, event, m.now())
	if err != nil {
		m.logger.Error("Failed to dispatch event", "event", event.Name(), "error", err)
		return
	}
	m.logger.Info("Event dispatched", "event", event.Name(), "webhooks", n)
}

func recordPoll(poller string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordPoll(poller, status, time.Since(start).Seconds())
}

func derefOr[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}

// Schedule sets how often each poller runs. A zero interval disables that poller.
type Schedule struct {
	APIStatus time.Duration
	Manifest  time.Duration
	Articles  time.Duration
}

// Run checks each poller immediately and then on its interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, s Schedule) {
	var wg sync.WaitGroup
	m.every(ctx, &wg, APIStatusInstance, s.APIStatus, func(ctx context.Context, t Trigger) error {
		_, err := m.CheckAPIStatus(ctx, t)
		return err
	})
	m.every(ctx, &wg, ManifestInstance, s.Manifest, func(ctx context.Context, t Trigger) error {
		_, err := m.CheckManifest(ctx, t)
		return err
	})
	m.every(ctx, &wg, ArticlesInstance, s.Articles, func(ctx context.Context, t Trigger) error {
		_, err := m.CheckArticles(ctx, t)
		return err
	})
	wg.Wait()
	m.logger.Info("Poll scheduler stopped")
}

func (m *Monitor) every(ctx context.Context, wg *sync.WaitGroup, name string, interval time.Duration, check func(context.Context, Trigger) error) {
	if interval <= 0 {
		m.logger.Info("Poller disabled", "poller", name)
		return
	}
	m.logger.Info("Poller scheduled", "poller", name, "interval", interval.String())

	wg.Go(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		run := func(at time.Time) {
			// A run must finish before the next one is due.
			runCtx, cancel := context.WithTimeout(ctx, interval)
			defer cancel()
			trigger := Trigger{Method: MethodScheduled, Cron: "@every " + interval.String(), ScheduledTime: at}
			if err := check(runCtx, trigger); err != nil {
				m.logger.Warn("Scheduled check failed", "poller", name, "error", err)
			}
		}

		run(m.now())
		for {
			select {
			case <-ctx.Done():
				return
			case at := <-ticker.C:
				run(at)
			}
		}
	})
}
