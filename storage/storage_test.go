package storage

import (
	"bungie-webhooks/pkg/webhooks"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// backends returns a fresh store per backend that runs without external services.
func backends(t *testing.T) map[string]*Store {
	t.Helper()
	ctx := context.Background()

	local, err := NewLocal(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}

	sqlite, db, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "state.db"), testLogger())
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return map[string]*Store{"local": local, "sqlite": sqlite}
}

func TestStatePutGet(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := store.State("manifest")

			var version string
			found, err := st.Get(ctx, "manifestVersion", &version)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if found {
				t.Fatal("Get() found a value before any write")
			}

			if err := st.Put(ctx, "manifestVersion", "89.1.0.1"); err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			if err := st.Put(ctx, "manifestVersion", "89.1.0.2"); err != nil {
				t.Fatalf("Put() error = %v", err)
			}

			found, err = st.Get(ctx, "manifestVersion", &version)
			if err != nil || !found {
				t.Fatalf("Get() = %v, %v; want found", found, err)
			}
			if version != "89.1.0.2" {
				t.Errorf("manifestVersion = %q, want 89.1.0.2", version)
			}
		})
	}
}

func TestStateListAndGetMany(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := store.State("apiStatus")
			other := store.State("articles")

			err := st.PutMany(ctx, map[string]any{
				"lastErrorCode":   5,
				"lastErrorStatus": "SystemDisabled",
				"enabledSystems":  []string{"Destiny2"},
			})
			if err != nil {
				t.Fatalf("PutMany() error = %v", err)
			}
			if err := other.Put(ctx, "blt123", map[string]string{"uid": "blt123"}); err != nil {
				t.Fatalf("Put() error = %v", err)
			}

			values, err := st.List(ctx)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(values) != 3 {
				t.Fatalf("List() returned %d keys, want 3: %v", len(values), values)
			}
			var code int
			if err := json.Unmarshal(values["lastErrorCode"], &code); err != nil || code != 5 {
				t.Errorf("lastErrorCode = %d (%v), want 5", code, err)
			}

			got, err := other.GetMany(ctx, []string{"blt123", "blt456"})
			if err != nil {
				t.Fatalf("GetMany() error = %v", err)
			}
			if _, ok := got["blt123"]; !ok {
				t.Error("GetMany() missing existing key blt123")
			}
			if _, ok := got["blt456"]; ok {
				t.Error("GetMany() returned missing key blt456")
			}
		})
	}
}

func TestStateRejectsUnsafeKeys(t *testing.T) {
	store, err := NewLocal(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}
	ctx := context.Background()

	for _, key := range []string{"", "../escape", "a/b", ".hidden", "with space"} {
		if err := store.State("articles").Put(ctx, key, 1); err == nil {
			t.Errorf("Put(%q) succeeded, want error", key)
		}
	}
	if err := store.State("../etc").Put(ctx, "key", 1); err == nil {
		t.Error("Put() with unsafe instance succeeded, want error")
	}
}

func TestWebhookRoundTrip(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			hooks := []*webhooks.Webhook{
				{ID: "manifest-only", URL: "https://example.com/a", Events: []string{"manifestUpdate"}},
				{ID: "discord", URL: "https://discord.com/api/webhooks/1/x", Format: webhooks.FormatChat, Events: []string{"apiStatus", "twabArticleCreate"}},
			}
			for _, w := range hooks {
				if err := store.SaveWebhook(ctx, w); err != nil {
					t.Fatalf("SaveWebhook(%s) error = %v", w.ID, err)
				}
			}

			got, err := store.LoadWebhook(ctx, "discord")
			if err != nil {
				t.Fatalf("LoadWebhook() error = %v", err)
			}
			if got.Format != webhooks.FormatChat || got.URL != hooks[1].URL {
				t.Errorf("LoadWebhook() = %+v", got)
			}

			matches, err := store.MatchingWebhooks(ctx, "apiStatus")
			if err != nil {
				t.Fatalf("MatchingWebhooks() error = %v", err)
			}
			if len(matches) != 1 || matches[0].ID != "discord" {
				t.Errorf("MatchingWebhooks(apiStatus) = %v, want [discord]", ids(matches))
			}

			matches, err = store.MatchingWebhooks(ctx, "manifestUpdate", "twabArticleCreate")
			if err != nil {
				t.Fatalf("MatchingWebhooks() error = %v", err)
			}
			if len(matches) != 2 {
				t.Errorf("MatchingWebhooks(any-of) = %v, want both", ids(matches))
			}

			if _, err := store.LoadWebhook(ctx, "missing"); !IsNotFound(err) {
				t.Errorf("LoadWebhook(missing) error = %v, want not found", err)
			}

			if err := store.DeleteWebhook(ctx, "manifest-only"); err != nil {
				t.Fatalf("DeleteWebhook() error = %v", err)
			}
			all, err := store.ListWebhooks(ctx)
			if err != nil {
				t.Fatalf("ListWebhooks() error = %v", err)
			}
			if len(all) != 1 {
				t.Errorf("ListWebhooks() after delete = %v", ids(all))
			}
		})
	}
}

func ids(ws []*webhooks.Webhook) []string {
	out := make([]string, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.ID)
	}
	return out
}

func TestUpdateWebhookHistoryMerges(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocal(dir, testLogger())
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}
	ctx := context.Background()

	// Written by hand: an unknown field and a malformed history.
	raw := `{"url":"https://example.com/hook","events":["apiStatus"],"owner":"bungie-api-status","history":{"oops":true}}`
	if err := os.MkdirAll(filepath.Join(dir, "webhooks"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "webhooks", "hand.json"), []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	err = store.UpdateWebhookHistory(ctx, "hand", func(history []json.RawMessage) []json.RawMessage {
		if len(history) != 0 {
			t.Errorf("malformed history passed through as %s", history)
		}
		return webhooks.PrependHistory(history, json.RawMessage(`{"eventName":"apiStatus","status":"success"}`))
	})
	if err != nil {
		t.Fatalf("UpdateWebhookHistory() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "webhooks", "hand.json"))
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if string(doc["owner"]) != `"bungie-api-status"` {
		t.Errorf("owner field = %s, want it untouched", doc["owner"])
	}

	w, err := store.LoadWebhook(ctx, "hand")
	if err != nil {
		t.Fatalf("LoadWebhook() error = %v", err)
	}
	if len(w.History) != 1 || w.History[0].EventName != "apiStatus" {
		t.Errorf("history = %+v, want one apiStatus record", w.History)
	}

	err = store.UpdateWebhookHistory(ctx, "missing", func(h []json.RawMessage) []json.RawMessage { return h })
	if !IsNotFound(err) {
		t.Errorf("UpdateWebhookHistory(missing) error = %v, want not found", err)
	}
}

// TestUpdateWebhookHistoryKeepsOddEntries checks that one entry of an older
// shape does not cost the rest of the history.
func TestUpdateWebhookHistoryKeepsOddEntries(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocal(dir, testLogger())
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}
	ctx := context.Background()

	raw := `{"url":"https://example.com/hook","events":["apiStatus"],"history":[
		{"eventName":"apiStatus","status":"success","responseTimestamp":"2024-06-14T18:00:00Z"},
		{"eventName":"manifestUpdate","status":"success","responseTimestamp":{"_seconds":1700000000,"_nanoseconds":0}},
		{"eventName":"newsArticleCreate","status":"error","errorText":"500: Internal Server Error -- "}
	]}`
	if err := os.MkdirAll(filepath.Join(dir, "webhooks"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "webhooks", "legacy.json"), []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	var seen int
	err = store.UpdateWebhookHistory(ctx, "legacy", func(history []json.RawMessage) []json.RawMessage {
		seen = len(history)
		return webhooks.PrependHistory(history, json.RawMessage(`{"eventName":"twabArticleCreate","status":"success"}`))
	})
	if err != nil {
		t.Fatalf("UpdateWebhookHistory() error = %v", err)
	}
	if seen != 3 {
		t.Errorf("updater saw %d existing entries, want 3", seen)
	}

	data, err := os.ReadFile(filepath.Join(dir, "webhooks", "legacy.json"))
	if err != nil {
		t.Fatal(err)
	}
	var doc struct {
		History []map[string]any `json:"history"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, entry := range doc.History {
		names = append(names, fmt.Sprint(entry["eventName"]))
	}
	want := []string{"twabArticleCreate", "apiStatus", "manifestUpdate", "newsArticleCreate"}
	if fmt.Sprint(names) != fmt.Sprint(want) {
		t.Errorf("stored history = %v, want %v", names, want)
	}
	if _, ok := doc.History[2]["responseTimestamp"].(map[string]any); !ok {
		t.Errorf("odd entry rewritten: %v", doc.History[2])
	}

	// Decodable entries still load; the odd one is skipped.
	w, err := store.LoadWebhook(ctx, "legacy")
	if err != nil {
		t.Fatalf("LoadWebhook() error = %v", err)
	}
	if len(w.History) != 3 {
		t.Errorf("loaded history length = %d, want 3", len(w.History))
	}
}

// TestUpdateWebhookHistoryConcurrent checks that concurrent appends on one
// webhook are serialized and none are lost.
func TestUpdateWebhookHistoryConcurrent(t *testing.T) {
	store, err := NewLocal(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}
	ctx := context.Background()
	if err := store.SaveWebhook(ctx, &webhooks.Webhook{ID: "busy", URL: "https://example.com", Events: []string{"apiStatus"}}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := json.Marshal(webhooks.DeliveryRecord{
				EventName:         fmt.Sprintf("event-%d", i),
				ResponseTimestamp: time.Now(),
			})
			if err != nil {
				t.Errorf("marshal record: %v", err)
				return
			}
			err = store.UpdateWebhookHistory(ctx, "busy", func(h []json.RawMessage) []json.RawMessage {
				return webhooks.PrependHistory(h, json.RawMessage(rec))
			})
			if err != nil {
				t.Errorf("UpdateWebhookHistory() error = %v", err)
			}
		}()
	}
	wg.Wait()

	w, err := store.LoadWebhook(ctx, "busy")
	if err != nil {
		t.Fatal(err)
	}
	if len(w.History) != 10 {
		t.Errorf("history length = %d, want 10", len(w.History))
	}
}
