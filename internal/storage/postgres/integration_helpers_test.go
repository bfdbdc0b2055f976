package postgres

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/testcontainers/testcontainers-go"
	testpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// envTestDSN задаёт внешнюю базу; без неё поднимается контейнер.
const envTestDSN = "FULFILLMENT_POSTGRES_TEST_DSN"

var shared struct {
	once      sync.Once
	dsn       string
	err       error
	container *testpostgres.PostgresContainer
}

func TestMain(m *testing.M) {
	code := m.Run()
	if shared.container != nil {
		if err := testcontainers.TerminateContainer(shared.container); err != nil {
			fmt.Fprintf(os.Stderr, "terminate postgres container: %v\n", err)
		}
	}
	os.Exit(code)
}

func integrationDSN(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration tests are skipped in -short mode")
	}
	if dsn := strings.TrimSpace(os.Getenv(envTestDSN)); dsn != "" {
		return dsn
	}

	shared.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		container, err := testpostgres.Run(ctx,
			"postgres:16-alpine",
			testpostgres.WithDatabase("fulfillment"),
			testpostgres.WithUsername("fulfillment"),
			testpostgres.WithPassword("fulfillment"),
			testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute)),
		)
		if err != nil {
			shared.err = err
			return
		}
		shared.container = container
		shared.dsn, shared.err = container.ConnectionString(ctx, "sslmode=disable")
	})
	if shared.err != nil {
		t.Skipf("postgres is not available for integration tests: %v", shared.err)
	}
	return shared.dsn
}

func quietLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger.WithField("component", "test")
}

func openRawStoreForIntegrationTest(t *testing.T, opts ...Option) *Store {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := Open(ctx, integrationDSN(t), append([]Option{WithLogger(quietLogger())}, opts...)...)
	if err != nil {
		t.Fatalf("open postgres store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func openStoreForIntegrationTest(t *testing.T, opts ...Option) *Store {
	t.Helper()

	store := openRawStoreForIntegrationTest(t, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := store.MigrateUp(ctx, 0); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	truncateAllTablesForIntegrationTest(t, store)
	return store
}

func truncateAllTablesForIntegrationTest(t *testing.T, store *Store) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := store.DB().ExecContext(ctx, `
		TRUNCATE TABLE
			idempotency_keys,
			outbox_messages,
			stock_movements,
			audit_operations,
			order_states,
			order_lines,
			orders,
			articles,
			operators
		RESTART IDENTITY CASCADE
	`)
	if err != nil {
		t.Fatalf("truncate integration tables: %v", err)
	}
}
