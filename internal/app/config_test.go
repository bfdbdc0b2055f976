package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapLookup(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.HTTPAddr != ":8080" {
		t.Errorf("expected HTTPAddr :8080, got %s", cfg.HTTPAddr)
	}
	if cfg.GRPCAddr != ":50051" {
		t.Errorf("expected GRPCAddr :50051, got %s", cfg.GRPCAddr)
	}
	if cfg.MetricsAddr != ":9090" {
		t.Errorf("expected MetricsAddr :9090, got %s", cfg.MetricsAddr)
	}
	if cfg.StorageDriver != StorageDriverMemory {
		t.Errorf("expected StorageDriver %s, got %s", StorageDriverMemory, cfg.StorageDriver)
	}
	if !cfg.PostgresAutoMigrate {
		t.Error("expected PostgresAutoMigrate to be true")
	}
	if cfg.LockTimeout != 2*time.Second {
		t.Errorf("expected LockTimeout 2s, got %s", cfg.LockTimeout)
	}
	if cfg.RebalanceSchedule != "" || cfg.SweepSchedule != "" {
		t.Error("scheduled jobs must be disabled by default")
	}
	if cfg.OutboxBatchSize <= 0 || cfg.OutboxMaxAttempts <= 0 || cfg.OutboxPollInterval <= 0 {
		t.Error("outbox defaults must be positive")
	}
	if cfg.IdempotencyTTL <= 0 || cfg.IdempotencyCleanupBatchSize <= 0 {
		t.Error("idempotency defaults must be positive")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must be valid: %v", err)
	}
}

func TestReadConfigFromEnv_Overrides(t *testing.T) {
	cfg, warnings := ReadConfigFromEnv(mapLookup(map[string]string{
		"FULFILLMENT_HTTP_ADDR":             "127.0.0.1:8081",
		"FULFILLMENT_STORAGE_DRIVER":        "Postgres",
		"FULFILLMENT_POSTGRES_DSN":          "postgres://f:f@localhost:5432/f?sslmode=disable",
		"FULFILLMENT_POSTGRES_AUTO_MIGRATE": "false",
		"FULFILLMENT_LOCK_TIMEOUT":          "750ms",
		"FULFILLMENT_DELIVERY_FEES":         "MSK=490, SPB=590",
		"FULFILLMENT_DELIVERY_FEE_DEFAULT":  "990",
		"FULFILLMENT_REBALANCE_SCHEDULE":    "@every 5m",
		"FULFILLMENT_REBALANCE_THRESHOLD":   "0.5",
		"FULFILLMENT_SWEEP_SCHEDULE":        "*/10 * * * *",
		"FULFILLMENT_OUTBOX_BATCH_SIZE":     "20",
		"FULFILLMENT_KAFKA_BROKERS":         "k1:9092, k2:9092,",
		"FULFILLMENT_KAFKA_GROUP_ID":        "fulfillment-test",
		"FULFILLMENT_OTEL_ENDPOINT":         "otel:4317",
		"FULFILLMENT_LOG_LEVEL":             "debug",
	}))

	require.Empty(t, warnings)
	assert.Equal(t, "127.0.0.1:8081", cfg.HTTPAddr)
	assert.Equal(t, StorageDriverPostgres, cfg.StorageDriver)
	assert.False(t, cfg.PostgresAutoMigrate)
	assert.Equal(t, 750*time.Millisecond, cfg.LockTimeout)
	assert.Equal(t, map[string]int64{"MSK": 490, "SPB": 590}, cfg.DeliveryFees)
	assert.Equal(t, int64(990), cfg.DeliveryFeeDefault)
	assert.Equal(t, "@every 5m", cfg.RebalanceSchedule)
	assert.InDelta(t, 0.5, cfg.RebalanceThreshold, 1e-9)
	assert.Equal(t, "*/10 * * * *", cfg.SweepSchedule)
	assert.Equal(t, 20, cfg.OutboxBatchSize)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "fulfillment-test", cfg.KafkaGroupID)
	assert.Equal(t, "otel:4317", cfg.OTLPEndpoint)
	assert.Equal(t, log.DebugLevel, cfg.LogLevel)
	require.NoError(t, cfg.Validate())
}

func TestReadConfigFromEnv_InvalidValuesKeepDefaults(t *testing.T) {
	defaults := DefaultConfig()
	cfg, warnings := ReadConfigFromEnv(mapLookup(map[string]string{
		"FULFILLMENT_STORAGE_DRIVER":      "sqlite",
		"FULFILLMENT_LOCK_TIMEOUT":        "soon",
		"FULFILLMENT_OUTBOX_BATCH_SIZE":   "-1",
		"FULFILLMENT_DELIVERY_FEES":       "MSK=cheap",
		"FULFILLMENT_REBALANCE_THRESHOLD": "-0.1",
		"FULFILLMENT_TRACE_SAMPLE_RATE":   "2",
		"FULFILLMENT_LOG_LEVEL":           "loud",
		"FULFILLMENT_HTTP_ADDR":           "   ",
	}))

	assert.Len(t, warnings, 7)
	assert.Equal(t, defaults.StorageDriver, cfg.StorageDriver)
	assert.Equal(t, defaults.LockTimeout, cfg.LockTimeout)
	assert.Equal(t, defaults.OutboxBatchSize, cfg.OutboxBatchSize)
	assert.Empty(t, cfg.DeliveryFees)
	assert.InDelta(t, defaults.RebalanceThreshold, cfg.RebalanceThreshold, 1e-9)
	assert.Equal(t, defaults.LogLevel, cfg.LogLevel)
	assert.Equal(t, defaults.HTTPAddr, cfg.HTTPAddr, "blank values are ignored silently")
}

func TestParseDeliveryFees(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		want    map[string]int64
		wantErr bool
	}{
		{name: "empty", raw: "", want: map[string]int64{}},
		{name: "pairs", raw: "msk=490,spb=0", want: map[string]int64{"msk": 490, "spb": 0}},
		{name: "missing separator", raw: "MSK", wantErr: true},
		{name: "negative", raw: "MSK=-1", wantErr: true},
		{name: "blank destination", raw: "=10", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseDeliveryFees(tc.raw)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestValidate_PostgresRequiresDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageDriver = StorageDriverPostgres
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when postgres driver is selected without DSN")
	}
}

func TestLoadDotEnv(t *testing.T) {
	loaded, err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.False(t, loaded)

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("FULFILLMENT_DOTENV_PROBE=from-file\n"), 0o600))
	t.Setenv("FULFILLMENT_DOTENV_PROBE", "")
	require.NoError(t, os.Unsetenv("FULFILLMENT_DOTENV_PROBE"))

	loaded, err = LoadDotEnv(path)
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, "from-file", os.Getenv("FULFILLMENT_DOTENV_PROBE"))
}
