package main

import (
	"log/slog"
	"slices"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("BUNGIE_API_KEY", "key")
	for _, k := range []string{"PORT", "STATUS_INTERVAL", "MANIFEST_INTERVAL", "ARTICLE_INTERVAL", "DELIVERY_STREAM", "REDIS_URL"} {
		t.Setenv(k, "")
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.Schedule.APIStatus != 2*time.Minute || cfg.Schedule.Manifest != 2*time.Minute || cfg.Schedule.Articles != 5*time.Minute {
		t.Errorf("Schedule = %+v", cfg.Schedule)
	}
	if cfg.DeliveryStream != "bungie:webhooks:deliveries" {
		t.Errorf("DeliveryStream = %q", cfg.DeliveryStream)
	}
	if !cfg.SystemFilter.Match("D2Profiles") || cfg.SystemFilter.Match("Forums") {
		t.Errorf("default system filter = %+v", cfg.SystemFilter)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("BUNGIE_API_KEY", "key")
	t.Setenv("STATUS_INTERVAL", "30s")
	t.Setenv("SYSTEM_PREFIXES", " D2 , Fireteam,")
	t.Setenv("SYSTEM_ALLOWLIST", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Schedule.APIStatus != 30*time.Second {
		t.Errorf("APIStatus interval = %v, want 30s", cfg.Schedule.APIStatus)
	}
	if !slices.Equal(cfg.SystemFilter.Prefixes, []string{"D2", "Fireteam"}) {
		t.Errorf("Prefixes = %q", cfg.SystemFilter.Prefixes)
	}
	if len(cfg.SystemFilter.Allow) != 0 {
		t.Errorf("Allow = %q, want empty", cfg.SystemFilter.Allow)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing api key", map[string]string{"BUNGIE_API_KEY": ""}},
		{"bad interval", map[string]string{"BUNGIE_API_KEY": "key", "ARTICLE_INTERVAL": "soon"}},
		{"negative interval", map[string]string{"BUNGIE_API_KEY": "key", "MANIFEST_INTERVAL": "-1m"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := LoadConfig(); err == nil {
				t.Error("LoadConfig succeeded, want error")
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
