package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestIsVersionConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "version conflict error",
			err:  ErrOrderVersionConflict,
			want: true,
		},
		{
			name: "wrapped version conflict error",
			err:  errors.Join(ErrOrderVersionConflict, errors.New("additional context")),
			want: true,
		},
		{
			name: "other error",
			err:  ErrOrderNotFound,
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsVersionConflict(tt.err)
			if got != tt.want {
				t.Errorf("IsVersionConflict() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsIdempotencyConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "idempotency already exists",
			err:  ErrIdempotencyKeyAlreadyExists,
			want: true,
		},
		{
			name: "idempotency hash mismatch",
			err:  ErrIdempotencyHashMismatch,
			want: true,
		},
		{
			name: "wrapped idempotency conflict",
			err:  errors.Join(ErrIdempotencyHashMismatch, errors.New("extra context")),
			want: true,
		},
		{
			name: "non idempotency error",
			err:  ErrOrderVersionConflict,
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsIdempotencyConflict(tt.err)
			if got != tt.want {
				t.Errorf("IsIdempotencyConflict() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	contention := &ContentionError{Resource: "order", Key: "o-1", Wait: time.Second}
	if !IsRetryable(contention) {
		t.Fatalf("contention must be retryable")
	}
	if !IsRetryable(fmt.Errorf("wrapped: %w", contention)) {
		t.Fatalf("wrapped contention must be retryable")
	}
	if IsRetryable(&InvalidTransitionError{OrderID: "o-1", From: StateNew, To: StateDelivered}) {
		t.Fatalf("invalid transition must not be retryable")
	}
	if IsRetryable(nil) {
		t.Fatalf("nil must not be retryable")
	}
}

func TestTypedErrorsUnwrapToSentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		contains string
	}{
		{
			name:     "invariant",
			err:      &InvariantViolationError{OrderID: "o-1", OpenStateIDs: []string{"s1", "s2"}},
			sentinel: ErrInvariantViolation,
			contains: "s1, s2",
		},
		{
			name:     "transition",
			err:      &InvalidTransitionError{OrderID: "o-1", To: StateInPreparation},
			sentinel: ErrInvalidTransition,
			contains: "<none> -> in_preparation",
		},
		{
			name:     "operator",
			err:      &InvalidOperatorError{OperatorID: "op", Role: RoleLogistics, Reason: "inactive"},
			sentinel: ErrInvalidOperator,
			contains: "role logistics",
		},
		{
			name: "stock",
			err: &InsufficientStockError{Shortfalls: []StockShortfall{
				{ArticleID: "a", Requested: 3, Available: 1},
				{ArticleID: "b", Requested: 2, Available: 0},
			}},
			sentinel: ErrInsufficientStock,
			contains: "b: requested 2, available 0",
		},
		{
			name:     "quantity",
			err:      &QuantityError{OrderID: "o-1", LineID: "l-1", Field: "resend", Value: 4, Limit: 2},
			sentinel: ErrQuantityMismatch,
			contains: "line l-1 field resend",
		},
		{
			name:     "consistency",
			err:      &DataConsistencyWarning{OrderID: "o-1", ArticleID: "a", Reason: "article deleted"},
			sentinel: ErrDataConsistency,
			contains: "article a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.sentinel) {
				t.Fatalf("%T does not unwrap to %v", tt.err, tt.sentinel)
			}
			if !strings.Contains(tt.err.Error(), tt.contains) {
				t.Fatalf("message %q does not contain %q", tt.err.Error(), tt.contains)
			}
		})
	}
}
