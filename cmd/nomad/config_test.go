package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	nomad "github.com/nomad-capture/nomad/sdk/golang"
)

func TestSetConfigValue(t *testing.T) {
	cfg := &Config{}
	ok := map[string]string{
		"backend.base_url":       "http://nomad.local:8000",
		"backend.timeout":        "10s",
		"offline.database":       "/tmp/x.db",
		"offline.probe_interval": "1m",
		"worker.enabled":         "true",
		"worker.origin":          "http://localhost:3000",
		"agent.log_level":        "debug",
		"agent.log_json":         "1",
	}
	for k, v := range ok {
		if err := setConfigValue(cfg, k, v); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}
	if cfg.Backend.BaseURL != "http://nomad.local:8000" || !cfg.Worker.Enabled || !cfg.Agent.LogJSON {
		t.Fatalf("values not applied: %+v", cfg)
	}

	bad := map[string]string{
		"nodot":                  "x",
		"backend.nope":           "x",
		"unknown.field":          "x",
		"backend.timeout":        "soon",
		"worker.enabled":         "maybe",
		"offline.probe_interval": "often",
	}
	for k, v := range bad {
		if err := setConfigValue(cfg, k, v); err == nil {
			t.Errorf("expected error for %s=%s", k, v)
		}
	}
}

func TestConfigRoundTripAndEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("NOMAD_HOME", home)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	cfg.Backend.BaseURL = "http://from-file:8000"
	cfg.Offline.SyncTag = "file-tag"
	if err := saveConfig(cfg); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(home, "config.toml")); err != nil {
		t.Fatalf("config not written: %v", err)
	}

	t.Setenv("NOMAD_BACKEND_URL", "http://from-env:9000")
	eff, err := effectiveConfig()
	if err != nil {
		t.Fatal(err)
	}
	if eff.Backend.BaseURL != "http://from-env:9000" {
		t.Fatalf("env override not applied: %s", eff.Backend.BaseURL)
	}
	if eff.Offline.SyncTag != "file-tag" {
		t.Fatalf("file value lost: %s", eff.Offline.SyncTag)
	}
	if eff.Offline.Database != filepath.Join(home, "offline.db") {
		t.Fatalf("unexpected default database %s", eff.Offline.Database)
	}
	if eff.Agent.LogLevel != "info" || eff.Backend.Timeout != nomad.DefaultTimeout.String() {
		t.Fatalf("defaults not applied: %+v", eff)
	}

	// The file itself keeps only what was saved.
	onDisk, _ := loadConfig()
	if onDisk.Backend.BaseURL != "http://from-file:8000" {
		t.Fatalf("env leaked into file: %s", onDisk.Backend.BaseURL)
	}
}

func TestLoopbackAddr(t *testing.T) {
	for in, want := range map[string]string{
		":8080":          "127.0.0.1:8080",
		"0.0.0.0:8080":   "127.0.0.1:8080",
		"[::]:8080":      "127.0.0.1:8080",
		"127.0.0.1:9000": "127.0.0.1:9000",
		"nomad.lan:80":   "nomad.lan:80",
	} {
		if got := loopbackAddr(in); got != want {
			t.Errorf("loopbackAddr(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestApplyInit(t *testing.T) {
	home := t.TempDir()
	t.Setenv("NOMAD_HOME", home)

	cfg := &Config{}
	cfg.Offline.SyncTag = "kept-tag"
	if err := applyInit(cfg, "https://nomad.example.com", "http://localhost:3000", true); err != nil {
		t.Fatal(err)
	}
	if cfg.Backend.BaseURL != "https://nomad.example.com" || cfg.Backend.Timeout != nomad.DefaultTimeout.String() {
		t.Errorf("backend = %+v", cfg.Backend)
	}
	if cfg.Offline.SyncTag != "kept-tag" || cfg.Offline.Database != filepath.Join(home, "offline.db") || cfg.Offline.ProbeInterval != "15s" {
		t.Errorf("offline = %+v", cfg.Offline)
	}
	if !cfg.Worker.Enabled || cfg.Worker.Origin != "http://localhost:3000" || cfg.Worker.Listen != "127.0.0.1:8080" || cfg.Worker.CacheName != "nomad-v1" {
		t.Errorf("worker = %+v", cfg.Worker)
	}
	if cfg.Agent.LogLevel != "" {
		t.Errorf("agent defaults must stay out of the file: %+v", cfg.Agent)
	}

	for _, bad := range []string{"nomad.example.com", "ftp://nomad.example.com", "http://"} {
		if err := applyInit(&Config{}, bad, "", false); err == nil {
			t.Errorf("expected error for backend %q", bad)
		}
	}
	if err := applyInit(&Config{}, "http://nomad.local", "localhost:3000", false); err == nil {
		t.Error("expected error for origin without scheme")
	}
}

func TestPrepareOfflineDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "offline.db")
	version, err := prepareOfflineDB(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if version != nomad.SchemaVersion {
		t.Errorf("version = %d, want %d", version, nomad.SchemaVersion)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database not created: %v", err)
	}
}
