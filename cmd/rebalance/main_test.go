package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fulfillment/internal/app"
	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/jobs"
)

func noEnv(string) (string, bool) { return "", false }

func TestRun_ListPrintsKnownJobs(t *testing.T) {
	var out bytes.Buffer
	code := run(context.Background(), []string{"-list"}, noEnv, func(context.Context, app.Config, []string) error {
		t.Fatal("jobs must not run with -list")
		return nil
	}, &out, &bytes.Buffer{})

	require.Equal(t, 0, code)
	lines := strings.Fields(out.String())
	assert.Equal(t, jobs.SweepJobName, lines[0])
	assert.Contains(t, lines, jobs.RebalanceJobName(domain.RoleLogistics))
}

func TestRun_PassesSelectionAndThreshold(t *testing.T) {
	var (
		gotNames []string
		gotCfg   app.Config
	)
	runJobs := func(_ context.Context, cfg app.Config, names []string) error {
		gotCfg, gotNames = cfg, names
		return nil
	}
	lookup := func(key string) (string, bool) {
		if key == "FULFILLMENT_DELIVERY_FEE_DEFAULT" {
			return "100", true
		}
		return "", false
	}

	code := run(context.Background(), []string{"-jobs", " rebalance-confirmation, state-sweep ", "-threshold", "0.25"}, lookup, runJobs, &bytes.Buffer{}, &bytes.Buffer{})

	require.Equal(t, 0, code)
	assert.Equal(t, []string{"rebalance-confirmation", "state-sweep"}, gotNames)
	assert.InDelta(t, 0.25, gotCfg.RebalanceThreshold, 1e-9)
	assert.Equal(t, int64(100), gotCfg.DeliveryFeeDefault)
}

func TestRun_Errors(t *testing.T) {
	var stderr bytes.Buffer
	code := run(context.Background(), []string{"-jobs", "vacuum"}, noEnv, func(context.Context, app.Config, []string) error {
		return nil
	}, &bytes.Buffer{}, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "unknown job")

	stderr.Reset()
	code = run(context.Background(), nil, noEnv, func(context.Context, app.Config, []string) error {
		return errors.New("storage down")
	}, &bytes.Buffer{}, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "storage down")
}
