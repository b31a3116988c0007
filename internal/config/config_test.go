package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Org != "renova" {
		t.Fatalf("Org = %q, want renova", cfg.Org)
	}
	if cfg.Runs.ContextItemsPerKind != 25 {
		t.Fatalf("ContextItemsPerKind = %d, want 25", cfg.Runs.ContextItemsPerKind)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "renova.yaml")
	body := `
org: acme
server:
  port: 9001
llm:
  provider: openai
  model: gpt-4o-mini
  timeout: 90s
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("RENOVA_PORT", "9002")
	t.Setenv("RENOVA_MONGO_URI", "mongodb://localhost:27017")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Org != "acme" {
		t.Fatalf("Org = %q, want acme", cfg.Org)
	}
	// Env wins over file.
	if cfg.Server.Port != 9002 {
		t.Fatalf("Port = %d, want 9002", cfg.Server.Port)
	}
	if cfg.Mongo.URI != "mongodb://localhost:27017" {
		t.Fatalf("Mongo.URI = %q", cfg.Mongo.URI)
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.Timeout != 90*time.Second {
		t.Fatalf("LLM = %+v", cfg.LLM)
	}
	// Untouched fields keep defaults.
	if cfg.Broker.Exchange != "renova.events" {
		t.Fatalf("Exchange = %q", cfg.Broker.Exchange)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
