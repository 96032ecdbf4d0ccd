package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func withConfigFile(t *testing.T, content string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("LOOPDESK_CONFIG", path)
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("LOOPDESK_CONFIG", filepath.Join(t.TempDir(), "missing.json"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue.Strategy != "round_robin" {
		t.Fatalf("strategy = %q, want round_robin", cfg.Queue.Strategy)
	}
	if cfg.Queue.SweepInterval != time.Minute {
		t.Fatalf("sweep interval = %v, want 1m", cfg.Queue.SweepInterval)
	}
	if cfg.Queue.SLA.Critical != 10*time.Minute {
		t.Fatalf("critical SLA = %v, want 10m", cfg.Queue.SLA.Critical)
	}
	if cfg.Governance.MetricsAddr != ":9464" {
		t.Fatalf("metrics addr = %q", cfg.Governance.MetricsAddr)
	}
	if cfg.Paths.DBFile != "loopdesk.db" {
		t.Fatalf("db file = %q", cfg.Paths.DBFile)
	}
	if cfg.Stream.Mode != ModeSQLite || cfg.Graph.Mode != ModeSQLite {
		t.Fatalf("store modes must default to durable: stream=%q graph=%q", cfg.Stream.Mode, cfg.Graph.Mode)
	}
}

func TestStoreModeKnobs(t *testing.T) {
	withConfigFile(t, `{"stream": {"mode": "memory", "ringCapacity": 128}}`)
	t.Setenv("LOOPDESK_GRAPH_MODE", "memory")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Stream.Mode != ModeMemory {
		t.Fatalf("stream mode = %q, want memory", cfg.Stream.Mode)
	}
	if cfg.Stream.RingCapacity != 128 {
		t.Fatalf("ring capacity = %d, want 128", cfg.Stream.RingCapacity)
	}
	if cfg.Graph.Mode != ModeMemory {
		t.Fatalf("graph mode = %q, want memory", cfg.Graph.Mode)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	withConfigFile(t, `{
		"queue": {"strategy": "least_loaded", "sweepInterval": 30000000000},
		"paths": {"dataDir": "/var/lib/loopdesk"},
		"feedback": {"scoreThreshold": 4.5}
	}`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue.Strategy != "least_loaded" {
		t.Fatalf("strategy = %q", cfg.Queue.Strategy)
	}
	if cfg.Queue.SweepInterval != 30*time.Second {
		t.Fatalf("sweep interval = %v", cfg.Queue.SweepInterval)
	}
	if cfg.Feedback.ScoreThreshold != 4.5 {
		t.Fatalf("score threshold = %f", cfg.Feedback.ScoreThreshold)
	}
	// Untouched groups keep their defaults.
	if cfg.Ingest.ConsumerGroup != "loopdesk-ingest" {
		t.Fatalf("consumer group = %q", cfg.Ingest.ConsumerGroup)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	withConfigFile(t, `{"queue": {"strategy": "least_loaded"}}`)
	t.Setenv("LOOPDESK_QUEUE_STRATEGY", "round_robin")
	t.Setenv("LOOPDESK_STREAM_MIRROR_BROKERS", "localhost:9092")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue.Strategy != "round_robin" {
		t.Fatalf("env override lost: %q", cfg.Queue.Strategy)
	}
	if cfg.Stream.MirrorBrokers != "localhost:9092" {
		t.Fatalf("mirror brokers = %q", cfg.Stream.MirrorBrokers)
	}
}

func TestEnvSubstitutionInFile(t *testing.T) {
	t.Setenv("BROKER_HOST", "kafka.internal:9092")
	withConfigFile(t, `{"ingest": {"brokers": "${BROKER_HOST}"}}`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ingest.Brokers != "kafka.internal:9092" {
		t.Fatalf("brokers = %q", cfg.Ingest.Brokers)
	}
}

func TestIncludeMergesBaseFile(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.json")
	if err := os.WriteFile(base, []byte(`{"queue": {"strategy": "least_loaded"}, "governance": {"metricsAddr": ":9999"}}`), 0600); err != nil {
		t.Fatalf("write base: %v", err)
	}
	main := filepath.Join(dir, "config.json")
	if err := os.WriteFile(main, []byte(`{"$include": "base.json", "governance": {"metricsAddr": ":7777"}}`), 0600); err != nil {
		t.Fatalf("write main: %v", err)
	}
	t.Setenv("LOOPDESK_CONFIG", main)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue.Strategy != "least_loaded" {
		t.Fatalf("included value lost: %q", cfg.Queue.Strategy)
	}
	if cfg.Governance.MetricsAddr != ":7777" {
		t.Fatalf("including file must win: %q", cfg.Governance.MetricsAddr)
	}
}

func TestDBPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Paths.DataDir = "/data"
	cfg.Paths.DBFile = "loopdesk.db"
	if got := cfg.DBPath(); got != filepath.Join("/data", "loopdesk.db") {
		t.Fatalf("db path = %q", got)
	}

	cfg.Paths.DBFile = "/elsewhere/loopdesk.db"
	if got := cfg.DBPath(); got != "/elsewhere/loopdesk.db" {
		t.Fatalf("absolute db file must win: %q", got)
	}
}

func TestConfigPathExpandsHome(t *testing.T) {
	t.Setenv("LOOPDESK_CONFIG", "")
	t.Setenv("LOOPDESK_HOME", "/srv/loopdesk")

	path, err := ConfigPath()
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	want := filepath.Join("/srv/loopdesk", ConfigDir, ConfigFile)
	if path != want {
		t.Fatalf("path = %q, want %q", path, want)
	}
}
