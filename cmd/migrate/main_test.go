package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/vladislavdragonenkov/fulfillment/internal/storage/postgres"
)

type fakeMigrator struct {
	version   int
	total     int
	upSteps   []int
	downSteps []int
	upErr     error
	closed    bool
}

func (f *fakeMigrator) MigrateUp(_ context.Context, steps int) (int, error) {
	f.upSteps = append(f.upSteps, steps)
	if f.upErr != nil {
		return 0, f.upErr
	}
	applied := f.total - f.version
	f.version = f.total
	return applied, nil
}

func (f *fakeMigrator) MigrateDown(_ context.Context, steps int) (int, error) {
	f.downSteps = append(f.downSteps, steps)
	if f.version == 0 {
		return 0, nil
	}
	f.version--
	return 1, nil
}

func (f *fakeMigrator) MigrationStatus(context.Context) (postgres.SchemaStatus, error) {
	return postgres.SchemaStatus{Version: int64(f.version), Applied: f.version, Pending: f.total - f.version}, nil
}

func (f *fakeMigrator) Close() error {
	f.closed = true
	return nil
}

func runWith(t *testing.T, m *fakeMigrator, env map[string]string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	open := func(_ context.Context, dsn string) (migrator, error) {
		if dsn == "" {
			t.Fatal("open called without dsn")
		}
		return m, nil
	}
	code := run(args, func(k string) string { return env[k] }, open, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_UpUsesEnvDSN(t *testing.T) {
	m := &fakeMigrator{total: 1}
	code, out, errOut := runWith(t, m, map[string]string{envPostgresDSN: "postgres://x"}, "-direction", "up")

	if code != 0 {
		t.Fatalf("exit code %d, stderr=%s", code, errOut)
	}
	if !strings.Contains(out, "applied=1") || !strings.Contains(out, "version=1") {
		t.Fatalf("unexpected output: %s", out)
	}
	if !m.closed {
		t.Fatal("store must be closed")
	}
}

func TestRun_DownAndStatus(t *testing.T) {
	m := &fakeMigrator{total: 1, version: 1}
	code, out, _ := runWith(t, m, nil, "-dsn", "postgres://x", "-direction", "DOWN")
	if code != 0 || !strings.Contains(out, "rolled_back=1") || !strings.Contains(out, "pending=1") {
		t.Fatalf("unexpected down result: code=%d out=%s", code, out)
	}

	code, out, _ = runWith(t, m, nil, "-dsn", "postgres://x", "-direction", "status")
	if code != 0 || !strings.Contains(out, "version=0") {
		t.Fatalf("unexpected status result: code=%d out=%s", code, out)
	}
	if len(m.upSteps) != 0 {
		t.Fatal("status must not migrate")
	}
}

func TestRun_Failures(t *testing.T) {
	cases := []struct {
		name string
		m    *fakeMigrator
		env  map[string]string
		args []string
		want string
	}{
		{name: "missing dsn", m: &fakeMigrator{}, args: []string{"-direction", "up"}, want: "is required"},
		{name: "bad direction", m: &fakeMigrator{}, args: []string{"-dsn", "x", "-direction", "sideways"}, want: "unsupported direction"},
		{name: "up error", m: &fakeMigrator{upErr: errors.New("boom")}, args: []string{"-dsn", "x"}, want: "migrate up failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, _, errOut := runWith(t, tc.m, tc.env, tc.args...)
			if code != 1 {
				t.Fatalf("expected exit code 1, got %d", code)
			}
			if !strings.Contains(errOut, tc.want) {
				t.Fatalf("stderr %q does not contain %q", errOut, tc.want)
			}
		})
	}
}

func TestRun_OpenError(t *testing.T) {
	var stderr bytes.Buffer
	open := func(context.Context, string) (migrator, error) { return nil, errors.New("refused") }
	code := run([]string{"-dsn", "x"}, func(string) string { return "" }, open, &bytes.Buffer{}, &stderr)
	if code != 1 || !strings.Contains(stderr.String(), "refused") {
		t.Fatalf("unexpected result: code=%d stderr=%s", code, stderr.String())
	}
}
