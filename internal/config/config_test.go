package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "responder.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Engine.SimilarityThreshold != 0.70 {
		t.Errorf("expected default similarity threshold 0.70, got %v", cfg.Engine.SimilarityThreshold)
	}
	if cfg.Engine.DefaultSeverity != "MEDIUM" || cfg.Engine.RegressionSeverity != "HIGH" {
		t.Errorf("unexpected default severities: %s / %s", cfg.Engine.DefaultSeverity, cfg.Engine.RegressionSeverity)
	}
	if cfg.Engine.TopKDedup != 5 || cfg.Engine.TopKRunbooks != 3 {
		t.Errorf("unexpected default topK values: %d / %d", cfg.Engine.TopKDedup, cfg.Engine.TopKRunbooks)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("expected memory store by default, got %s", cfg.Store.Driver)
	}
	if cfg.Engine.IdempotencyTTL != 24*time.Hour {
		t.Errorf("unexpected idempotency TTL %v", cfg.Engine.IdempotencyTTL)
	}
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
engine:
  similarityThreshold: 0.85
  defaultNamespace: platform
server:
  address: ":9090"
store:
  driver: postgres
  dsn: "postgres://localhost/responder"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Engine.SimilarityThreshold != 0.85 {
		t.Errorf("expected threshold 0.85, got %v", cfg.Engine.SimilarityThreshold)
	}
	if cfg.Engine.DefaultNamespace != "platform" {
		t.Errorf("expected namespace platform, got %s", cfg.Engine.DefaultNamespace)
	}
	if cfg.Server.Address != ":9090" {
		t.Errorf("expected address :9090, got %s", cfg.Server.Address)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("expected postgres driver, got %s", cfg.Store.Driver)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RESPONDER_SIMILARITY_THRESHOLD", "0.9")
	t.Setenv("RESPONDER_STORE_DRIVER", "postgres")
	t.Setenv("RESPONDER_LOG_FORMAT", "json")

	cfg, err := Load(writeConfig(t, "{}"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Engine.SimilarityThreshold != 0.9 {
		t.Errorf("env override ignored, got %v", cfg.Engine.SimilarityThreshold)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("env override ignored, got %s", cfg.Store.Driver)
	}
	if !cfg.Logging.JSON {
		t.Errorf("expected JSON logging from env override")
	}
}

func TestLoadRejectsBadThreshold(t *testing.T) {
	if _, err := Load(writeConfig(t, "engine:\n  similarityThreshold: 1.5\n")); err == nil {
		t.Fatal("expected an error for an out-of-range threshold")
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	if _, err := Load(writeConfig(t, "store:\n  driver: cassandra\n")); err == nil {
		t.Fatal("expected an error for an unknown store driver")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
