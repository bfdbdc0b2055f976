package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// StorageDriver выбирает реализацию хранилища.
type StorageDriver string

const (
	StorageDriverMemory   StorageDriver = "memory"
	StorageDriverPostgres StorageDriver = "postgres"
)

// EnvPrefix — общий префикс переменных окружения сервиса.
const EnvPrefix = "FULFILLMENT_"

// Config описывает настройки запуска приложения.
type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string

	StorageDriver       StorageDriver
	PostgresDSN         string
	PostgresAutoMigrate bool
	LockTimeout         time.Duration
	SeedFile            string

	// DeliveryFees — стоимость доставки по направлению в минорных единицах.
	DeliveryFees       map[string]int64
	DeliveryFeeDefault int64

	RebalanceSchedule  string
	RebalanceThreshold float64
	SweepSchedule      string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	// OutboxMaxPendingAge — возраст backlog, после которого health сообщает degraded.
	OutboxMaxPendingAge time.Duration

	IdempotencyTTL              time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	KafkaBrokers       []string
	KafkaEventsTopic   string
	KafkaDeliveryTopic string
	KafkaGroupID       string

	OTLPEndpoint    string
	TraceSampleRate float64

	LogLevel        log.Level
	ShutdownTimeout time.Duration
}

// DefaultConfig возвращает настройки по умолчанию.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:                    ":8080",
		GRPCAddr:                    ":50051",
		MetricsAddr:                 ":9090",
		StorageDriver:               StorageDriverMemory,
		PostgresAutoMigrate:         true,
		LockTimeout:                 2 * time.Second,
		DeliveryFees:                map[string]int64{},
		RebalanceThreshold:          0.3,
		OutboxPollInterval:          time.Second,
		OutboxBatchSize:             100,
		OutboxMaxAttempts:           3,
		OutboxRetryDelay:            50 * time.Millisecond,
		OutboxMaxPendingAge:         5 * time.Minute,
		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,
		KafkaEventsTopic:            "fulfillment.events",
		KafkaDeliveryTopic:          "fulfillment.delivery-reports",
		KafkaGroupID:                "fulfillment-service",
		TraceSampleRate:             1,
		LogLevel:                    log.InfoLevel,
		ShutdownTimeout:             5 * time.Second,
	}
}

// LoadDotEnv подгружает переменные из файла, если он есть.
// Уже заданные переменные окружения не перезаписываются.
func LoadDotEnv(path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := godotenv.Load(path); err != nil {
		return false, fmt.Errorf("load %s: %w", path, err)
	}
	return true, nil
}

// ReadConfigFromEnv собирает конфигурацию из переменных FULFILLMENT_*.
// Некорректные значения не прерывают запуск: остаётся значение по умолчанию,
// а причина попадает в список предупреждений.
func ReadConfigFromEnv(lookup func(string) (string, bool)) (Config, []string) {
	r := envReader{lookup: lookup}
	cfg := DefaultConfig()

	r.str("HTTP_ADDR", &cfg.HTTPAddr)
	r.str("GRPC_ADDR", &cfg.GRPCAddr)
	r.str("METRICS_ADDR", &cfg.MetricsAddr)

	if v, ok := r.get("STORAGE_DRIVER"); ok {
		switch driver := StorageDriver(strings.ToLower(v)); driver {
		case StorageDriverMemory, StorageDriverPostgres:
			cfg.StorageDriver = driver
		default:
			r.warn("STORAGE_DRIVER", v, "expected memory or postgres")
		}
	}
	r.str("POSTGRES_DSN", &cfg.PostgresDSN)
	r.boolean("POSTGRES_AUTO_MIGRATE", &cfg.PostgresAutoMigrate)
	r.duration("LOCK_TIMEOUT", &cfg.LockTimeout)
	r.str("SEED_FILE", &cfg.SeedFile)

	if v, ok := r.get("DELIVERY_FEES"); ok {
		fees, err := ParseDeliveryFees(v)
		if err != nil {
			r.warn("DELIVERY_FEES", v, err.Error())
		} else {
			cfg.DeliveryFees = fees
		}
	}
	r.int64("DELIVERY_FEE_DEFAULT", &cfg.DeliveryFeeDefault)

	r.str("REBALANCE_SCHEDULE", &cfg.RebalanceSchedule)
	if v, ok := r.get("REBALANCE_THRESHOLD"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			r.warn("REBALANCE_THRESHOLD", v, "expected a non-negative number")
		} else {
			cfg.RebalanceThreshold = f
		}
	}
	r.str("SWEEP_SCHEDULE", &cfg.SweepSchedule)

	r.duration("OUTBOX_POLL_INTERVAL", &cfg.OutboxPollInterval)
	r.positiveInt("OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize)
	r.positiveInt("OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts)
	r.duration("OUTBOX_RETRY_DELAY", &cfg.OutboxRetryDelay)
	r.duration("OUTBOX_MAX_PENDING_AGE", &cfg.OutboxMaxPendingAge)

	r.duration("IDEMPOTENCY_TTL", &cfg.IdempotencyTTL)
	r.duration("IDEMPOTENCY_CLEANUP_INTERVAL", &cfg.IdempotencyCleanupInterval)
	r.positiveInt("IDEMPOTENCY_CLEANUP_BATCH_SIZE", &cfg.IdempotencyCleanupBatchSize)

	if v, ok := r.get("KAFKA_BROKERS"); ok {
		cfg.KafkaBrokers = splitList(v)
	}
	r.str("KAFKA_EVENTS_TOPIC", &cfg.KafkaEventsTopic)
	r.str("KAFKA_DELIVERY_TOPIC", &cfg.KafkaDeliveryTopic)
	r.str("KAFKA_GROUP_ID", &cfg.KafkaGroupID)

	r.str("OTEL_ENDPOINT", &cfg.OTLPEndpoint)
	if v, ok := r.get("TRACE_SAMPLE_RATE"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			r.warn("TRACE_SAMPLE_RATE", v, "expected a number in [0,1]")
		} else {
			cfg.TraceSampleRate = f
		}
	}

	if v, ok := r.get("LOG_LEVEL"); ok {
		level, err := log.ParseLevel(v)
		if err != nil {
			r.warn("LOG_LEVEL", v, err.Error())
		} else {
			cfg.LogLevel = level
		}
	}
	r.duration("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)

	return cfg, r.warnings
}

// ParseDeliveryFees разбирает строку вида "MSK=490,SPB=590".
func ParseDeliveryFees(raw string) (map[string]int64, error) {
	fees := make(map[string]int64)
	for _, pair := range splitList(raw) {
		dest, value, ok := strings.Cut(pair, "=")
		dest = strings.TrimSpace(dest)
		if !ok || dest == "" {
			return nil, fmt.Errorf("entry %q: expected destination=fee", pair)
		}
		fee, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || fee < 0 {
			return nil, fmt.Errorf("entry %q: fee must be a non-negative integer", pair)
		}
		fees[dest] = fee
	}
	return fees, nil
}

// Validate проверяет сочетания настроек, которые нельзя исправить значением по умолчанию.
func (c Config) Validate() error {
	if c.StorageDriver == StorageDriverPostgres && strings.TrimSpace(c.PostgresDSN) == "" {
		return fmt.Errorf("%sPOSTGRES_DSN is required for the postgres storage driver", EnvPrefix)
	}
	if c.HTTPAddr == "" || c.GRPCAddr == "" || c.MetricsAddr == "" {
		return fmt.Errorf("listen addresses must not be empty")
	}
	return nil
}

type envReader struct {
	lookup   func(string) (string, bool)
	warnings []string
}

func (r *envReader) get(name string) (string, bool) {
	v, ok := r.lookup(EnvPrefix + name)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *envReader) warn(name, value, reason string) {
	r.warnings = append(r.warnings, fmt.Sprintf("%s%s=%q ignored: %s", EnvPrefix, name, value, reason))
}

func (r *envReader) str(name string, dst *string) {
	if v, ok := r.get(name); ok {
		*dst = v
	}
}

func (r *envReader) boolean(name string, dst *bool) {
	v, ok := r.get(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.warn(name, v, "expected a boolean")
		return
	}
	*dst = b
}

func (r *envReader) duration(name string, dst *time.Duration) {
	v, ok := r.get(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		r.warn(name, v, "expected a positive duration")
		return
	}
	*dst = d
}

func (r *envReader) positiveInt(name string, dst *int) {
	v, ok := r.get(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		r.warn(name, v, "expected a positive integer")
		return
	}
	*dst = n
}

func (r *envReader) int64(name string, dst *int64) {
	v, ok := r.get(name)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		r.warn(name, v, "expected a non-negative integer")
		return
	}
	*dst = n
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
