package poll

import (
	"bungie-webhooks/bungie"
	"bungie-webhooks/pkg/webhooks"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memState is an in-memory StateStore that counts write calls.
type memState struct {
	mu      sync.Mutex
	values  map[string]json.RawMessage
	writes  int
	failPut map[string]bool
}

func newMemState() *memState {
	return &memState{values: make(map[string]json.RawMessage), failPut: make(map[string]bool)}
}

func (s *memState) Get(_ context.Context, key string, v any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.values[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

func (s *memState) GetMany(_ context.Context, keys []string) (map[string]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]json.RawMessage)
	for _, k := range keys {
		if raw, ok := s.values[k]; ok {
			out[k] = raw
		}
	}
	return out, nil
}

func (s *memState) List(_ context.Context) (map[string]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]json.RawMessage, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out, nil
}

func (s *memState) Put(_ context.Context, key string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	return s.put(key, v)
}

func (s *memState) PutMany(_ context.Context, values map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	for k, v := range values {
		if err := s.put(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *memState) put(key string, v any) error {
	if s.failPut[key] {
		return errors.New("write failed")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.values[key] = data
	return nil
}

func (s *memState) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *memState) raw(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.values[key])
}

// fakeSource serves canned upstream responses.
type fakeSource struct {
	mu          sync.Mutex
	settings    *bungie.CommonSettings
	settingsErr error
	manifest    *bungie.Manifest
	manifestErr error
	csSettings  *bungie.ContentStackSettings
	csErr       error
	articles    []webhooks.Article
	articlesErr error
}

func (f *fakeSource) CommonSettings(context.Context) (*bungie.CommonSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings, f.settingsErr
}

func (f *fakeSource) DestinyManifest(context.Context) (*bungie.Manifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.manifest, f.manifestErr
}

func (f *fakeSource) ContentStackSettings(context.Context) (*bungie.ContentStackSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.csSettings, f.csErr
}

func (f *fakeSource) LatestArticles(context.Context, *bungie.ContentStackSettings) ([]webhooks.Article, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.articles, f.articlesErr
}

// recordingDispatcher remembers every dispatched event.
type recordingDispatcher struct {
	mu     sync.Mutex
	events []webhooks.Event
}

func (d *recordingDispatcher) Dispatch(_ context.Context, event webhooks.Event, _ time.Time) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return 1, nil
}

func (d *recordingDispatcher) names() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var names []string
	for _, e := range d.events {
		names = append(names, e.Name())
	}
	return names
}

func newTestMonitor(src *fakeSource, d Dispatcher) *Monitor {
	logger := testLogger()
	return New(
		NewAPIStatus(src, newMemState(), DefaultSystemFilter, logger),
		NewManifest(src, newMemState(), logger),
		NewArticles(src, newMemState(), logger),
		d, logger)
}

func TestCheckAllIsolatesFailures(t *testing.T) {
	src := &fakeSource{
		settings:   &bungie.CommonSettings{Systems: map[string]bungie.SystemStatus{"Destiny2": {Enabled: true}}},
		manifest:   &bungie.Manifest{Version: "89.1.0.1"},
		csSettings: &bungie.ContentStackSettings{APIKey: "k", Environment: "live", DeliveryToken: "t"},
		// Not an API error, so the article poller fails outright.
		articlesErr: errors.New("connection reset"),
	}
	m := newTestMonitor(src, &recordingDispatcher{})

	status := m.CheckAll(context.Background(), FetchTrigger())

	if _, ok := status.ArticleStatus.(ErrorResult); !ok {
		t.Errorf("ArticleStatus = %#v, want ErrorResult", status.ArticleStatus)
	}
	api, ok := status.APIStatus.(*APIStatusResult)
	if !ok || !api.IsEnabled {
		t.Errorf("APIStatus = %#v, want enabled result", status.APIStatus)
	}
	manifest, ok := status.ManifestStatus.(*ManifestResult)
	if !ok || manifest.ManifestVersion != "89.1.0.1" {
		t.Errorf("ManifestStatus = %#v", status.ManifestStatus)
	}

	data, err := json.Marshal(status)
	if err != nil {
		t.Fatalf("marshal status: %v", err)
	}
	var decoded map[string]map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if decoded["articleStatus"]["error"] == nil {
		t.Errorf("articleStatus JSON = %v, want error field", decoded["articleStatus"])
	}
}

func TestMonitorRaisesEvents(t *testing.T) {
	src := &fakeSource{
		settings:   &bungie.CommonSettings{Systems: map[string]bungie.SystemStatus{"Destiny2": {Enabled: true}}},
		manifest:   &bungie.Manifest{Version: "89.1.0.1"},
		csSettings: &bungie.ContentStackSettings{APIKey: "k", Environment: "live", DeliveryToken: "t"},
		articles: []webhooks.Article{
			{UID: "blt2", Title: "Destiny 2 Hotfix 7.1.5", Date: "2024-06-12T17:00:00Z"},
			{UID: "blt1", Title: "This Week At Bungie 06/06", Date: "2024-06-06T17:00:00Z"},
		},
	}
	d := &recordingDispatcher{}
	m := newTestMonitor(src, d)
	ctx := context.Background()

	// First pass: API enabled (no transition), manifest baseline, two new articles.
	m.CheckAll(ctx, FetchTrigger())
	got := d.names()
	if len(got) != 2 {
		t.Fatalf("events after first check = %v, want two article events", got)
	}

	// Outage: SystemDisabled raises apiStatus; manifest changes raise manifestUpdate.
	src.mu.Lock()
	src.settingsErr = &bungie.APIError{ErrorCode: bungie.ErrorCodeSystemDisabled, ErrorStatus: "SystemDisabled"}
	src.manifest = &bungie.Manifest{Version: "89.1.0.2"}
	src.mu.Unlock()

	if _, err := m.CheckAPIStatus(ctx, FetchTrigger()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CheckManifest(ctx, FetchTrigger()); err != nil {
		t.Fatal(err)
	}

	d.mu.Lock()
	events := append([]webhooks.Event(nil), d.events...)
	d.mu.Unlock()

	if len(events) != 4 {
		t.Fatalf("events = %v, want 4", d.names())
	}
	// Articles are raised oldest first.
	if e, ok := events[0].(webhooks.ArticleCreateEvent); !ok || e.UID != "blt1" || e.Name() != "twabArticleCreate" {
		t.Errorf("events[0] = %#v, want twab article blt1", events[0])
	}
	if e, ok := events[1].(webhooks.ArticleCreateEvent); !ok || e.Name() != "hotfixArticleCreate" {
		t.Errorf("events[1] = %#v, want hotfix article", events[1])
	}
	if e, ok := events[2].(webhooks.APIStatusEvent); !ok || e.IsEnabled {
		t.Errorf("events[2] = %#v, want apiStatus disabled", events[2])
	}
	if e, ok := events[3].(webhooks.ManifestUpdateEvent); !ok || e.OldVersion != "89.1.0.1" || e.NewVersion != "89.1.0.2" {
		t.Errorf("events[3] = %#v, want manifest update", events[3])
	}
}

func TestRunChecksImmediately(t *testing.T) {
	src := &fakeSource{
		manifest: &bungie.Manifest{Version: "89.1.0.1"},
	}
	state := newMemState()
	logger := testLogger()
	m := New(
		NewAPIStatus(src, newMemState(), DefaultSystemFilter, logger),
		NewManifest(src, state, logger),
		NewArticles(src, newMemState(), logger),
		&recordingDispatcher{}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, Schedule{Manifest: time.Hour})
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for state.raw(keyManifestVersion) == "" {
		select {
		case <-deadline:
			t.Fatal("manifest poller did not run on start")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if got := state.raw(keyManifestVersion); got != `"89.1.0.1"` {
		t.Errorf("manifestVersion = %s", got)
	}
}
