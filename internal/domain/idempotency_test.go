package domain

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestIdempotencyScopeValidate(t *testing.T) {
	tests := []struct {
		name  string
		scope IdempotencyScope
		field string
	}{
		{name: "complete", scope: IdempotencyScope{OperatorID: "conf-1", Route: "POST /api/v1/orders"}},
		{name: "no operator", scope: IdempotencyScope{Route: "POST /api/v1/orders"}, field: "operator_id"},
		{name: "blank route", scope: IdempotencyScope{OperatorID: "conf-1", Route: "  "}, field: "route"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.scope.Validate()
			if tc.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var validation *ValidationError
			if !errors.As(err, &validation) || validation.Field != tc.field {
				t.Fatalf("expected validation error on %q, got %v", tc.field, err)
			}
		})
	}
}

func TestIdempotencyOutcomeSettles(t *testing.T) {
	tests := []struct {
		name    string
		outcome IdempotencyOutcome
		settles bool
		status  IdempotencyStatus
	}{
		{name: "created", outcome: IdempotencyOutcome{HTTPStatus: http.StatusCreated}, settles: true, status: IdempotencyStatusCompleted},
		{name: "validation", outcome: IdempotencyOutcome{HTTPStatus: http.StatusBadRequest, ErrorCode: "validation_error"}, settles: true, status: IdempotencyStatusRejected},
		{name: "insufficient stock", outcome: IdempotencyOutcome{HTTPStatus: http.StatusConflict, ErrorCode: "insufficient_stock"}, settles: true, status: IdempotencyStatusRejected},
		{name: "lock contention", outcome: IdempotencyOutcome{HTTPStatus: http.StatusServiceUnavailable, ErrorCode: "contention", Retryable: true}, settles: false, status: IdempotencyStatusRejected},
		{name: "retryable conflict", outcome: IdempotencyOutcome{HTTPStatus: http.StatusConflict, Retryable: true}, settles: false, status: IdempotencyStatusRejected},
		{name: "internal", outcome: IdempotencyOutcome{HTTPStatus: http.StatusInternalServerError, ErrorCode: "internal_error"}, settles: false, status: IdempotencyStatusRejected},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.outcome.Settles(); got != tc.settles {
				t.Fatalf("settles=%v, want %v", got, tc.settles)
			}
			if got := tc.outcome.Status(); got != tc.status {
				t.Fatalf("status=%q, want %q", got, tc.status)
			}
		})
	}
}

func TestIdempotencyRecordReplayable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := IdempotencyRecord{Status: IdempotencyStatusProcessing, ExpiresAt: now.Add(time.Minute)}
	if rec.Replayable() {
		t.Fatal("processing record must not be replayed")
	}
	if rec.Expired(now) {
		t.Fatal("record expiring in a minute is still live")
	}

	rec.Status = IdempotencyStatusRejected
	if !rec.Replayable() {
		t.Fatal("rejected record must be replayed")
	}
	if !rec.Expired(now.Add(time.Minute)) {
		t.Fatal("record is expired at its deadline")
	}
	if IdempotencyStatus("failed").Valid() {
		t.Fatal("unknown status must be invalid")
	}
}
