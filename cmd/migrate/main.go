package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/storage/postgres"
)

const (
	defaultTimeout = 30 * time.Second
	envPostgresDSN = "FULFILLMENT_POSTGRES_DSN"
)

// migrator — операции схемы, нужные CLI.
type migrator interface {
	MigrateUp(ctx context.Context, steps int) (int, error)
	MigrateDown(ctx context.Context, steps int) (int, error)
	MigrationStatus(ctx context.Context) (postgres.SchemaStatus, error)
	Close() error
}

type openFunc func(ctx context.Context, dsn string) (migrator, error)

func openPostgres(ctx context.Context, dsn string) (migrator, error) {
	return postgres.Open(ctx, dsn)
}

func main() {
	os.Exit(run(os.Args[1:], os.Getenv, openPostgres, os.Stdout, os.Stderr))
}

func run(args []string, getenv func(string) string, open openFunc, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		direction string
		steps     int
		dsn       string
	)
	fs.StringVar(&direction, "direction", "up", "migration direction: up|down|status")
	fs.IntVar(&steps, "steps", 0, "number of migrations to apply/rollback (0=all for up, 1 for down)")
	fs.StringVar(&dsn, "dsn", "", "PostgreSQL DSN (fallback: "+envPostgresDSN+")")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	direction = strings.ToLower(strings.TrimSpace(direction))
	switch direction {
	case "up", "down", "status":
	default:
		return fail(stderr, "unsupported direction: %s (use up|down|status)", direction)
	}

	if strings.TrimSpace(dsn) == "" {
		dsn = strings.TrimSpace(getenv(envPostgresDSN))
	}
	if dsn == "" {
		return fail(stderr, "%s (or -dsn) is required", envPostgresDSN)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	store, err := open(ctx, dsn)
	if err != nil {
		return fail(stderr, "open postgres store: %v", err)
	}
	defer store.Close()

	switch direction {
	case "up":
		applied, err := store.MigrateUp(ctx, steps)
		if err != nil {
			return fail(stderr, "migrate up failed: %v", err)
		}
		fmt.Fprintf(stdout, "migrate up ok: applied=%d\n", applied)
	case "down":
		rolledBack, err := store.MigrateDown(ctx, steps)
		if err != nil {
			return fail(stderr, "migrate down failed: %v", err)
		}
		fmt.Fprintf(stdout, "migrate down ok: rolled_back=%d\n", rolledBack)
	}

	status, err := store.MigrationStatus(ctx)
	if err != nil {
		return fail(stderr, "migration status failed: %v", err)
	}
	fmt.Fprintf(stdout, "migration status: version=%d applied=%d pending=%d\n", status.Version, status.Applied, status.Pending)
	return 0
}

func fail(stderr io.Writer, format string, args ...any) int {
	_, _ = fmt.Fprintf(stderr, format+"\n", args...)
	return 1
}
