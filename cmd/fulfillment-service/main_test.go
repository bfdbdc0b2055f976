package main

import (
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/app"
)

func mapLookup(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := env[key]; ok {
			return v, true
		}
		return os.LookupEnv(key)
	}
}

func TestReadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, warnings, err := readConfig(mapLookup(nil))
	if err != nil {
		t.Fatalf("readConfig: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", warnings)
	}
	if cfg.HTTPAddr != app.DefaultConfig().HTTPAddr {
		t.Fatalf("unexpected http addr: %s", cfg.HTTPAddr)
	}
}

func TestReadConfig_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "service.env")
	if err := os.WriteFile(path, []byte("FULFILLMENT_METRICS_ADDR=127.0.0.1:9999\nFULFILLMENT_LOG_LEVEL=warn\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("FULFILLMENT_METRICS_ADDR", "")
	t.Setenv("FULFILLMENT_LOG_LEVEL", "")
	_ = os.Unsetenv("FULFILLMENT_METRICS_ADDR")
	_ = os.Unsetenv("FULFILLMENT_LOG_LEVEL")

	cfg, warnings, err := readConfig(mapLookup(map[string]string{envFileVar: path}))
	if err != nil {
		t.Fatalf("readConfig: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", warnings)
	}
	if cfg.MetricsAddr != "127.0.0.1:9999" {
		t.Fatalf("env file value not applied: %s", cfg.MetricsAddr)
	}
	if cfg.LogLevel != log.WarnLevel {
		t.Fatalf("unexpected log level: %s", cfg.LogLevel)
	}
}

func TestSetupLogger(t *testing.T) {
	setupLogger(log.DebugLevel)
	if log.GetLevel() != log.DebugLevel {
		t.Fatalf("unexpected level: %s", log.GetLevel())
	}
	setupLogger(log.InfoLevel)
}
