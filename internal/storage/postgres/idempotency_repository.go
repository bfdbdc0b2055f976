package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const defaultIdempotencyTTL = 24 * time.Hour

type idempotencyRepository struct {
	db querier
}

// NewIdempotencyRepository создаёт PostgreSQL-реализацию IdempotencyRepository.
func NewIdempotencyRepository(store *Store) domain.IdempotencyRepository {
	return &idempotencyRepository{db: store.DB()}
}

func normalizeScope(scope domain.IdempotencyScope, key string) (domain.IdempotencyScope, string, error) {
	if err := scope.Validate(); err != nil {
		return scope, "", err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return scope, "", domain.ErrIdempotencyKeyRequired
	}
	scope.OperatorID = strings.TrimSpace(scope.OperatorID)
	scope.Route = strings.TrimSpace(scope.Route)
	return scope, key, nil
}

// Begin занимает ключ одной вставкой: конфликт перезаписывает только просроченную запись.
func (r *idempotencyRepository) Begin(ctx context.Context, scope domain.IdempotencyScope, key, requestHash string, expiresAt time.Time) (domain.IdempotencyRecord, error) {
	scope, key, err := normalizeScope(scope, key)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	requestHash = strings.TrimSpace(requestHash)
	if requestHash == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}

	now := time.Now().UTC()
	if expiresAt.IsZero() {
		expiresAt = now.Add(defaultIdempotencyTTL)
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (
			operator_id, route, key, request_hash, status, expires_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
		ON CONFLICT (operator_id, route, key) DO UPDATE
		SET request_hash = EXCLUDED.request_hash,
		    status = EXCLUDED.status,
		    http_status = NULL,
		    error_code = NULL,
		    response_body = NULL,
		    expires_at = EXCLUDED.expires_at,
		    created_at = EXCLUDED.created_at,
		    updated_at = EXCLUDED.updated_at
		WHERE idempotency_keys.expires_at <= EXCLUDED.created_at
	`,
		scope.OperatorID,
		scope.Route,
		key,
		requestHash,
		string(domain.IdempotencyStatusProcessing),
		expiresAt,
		now,
	)
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("begin idempotency key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("idempotency rows affected: %w", err)
	}

	if affected == 0 {
		existing, getErr := r.Get(ctx, scope, key)
		if getErr != nil {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyAlreadyExists
		}
		if existing.RequestHash != requestHash {
			return existing, domain.ErrIdempotencyHashMismatch
		}
		return existing, domain.ErrIdempotencyKeyAlreadyExists
	}

	return domain.IdempotencyRecord{
		Scope:       scope,
		Key:         key,
		RequestHash: requestHash,
		Status:      domain.IdempotencyStatusProcessing,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (r *idempotencyRepository) Get(ctx context.Context, scope domain.IdempotencyScope, key string) (domain.IdempotencyRecord, error) {
	scope, key, err := normalizeScope(scope, key)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var (
		record       = domain.IdempotencyRecord{Scope: scope, Key: key}
		statusRaw    string
		httpStatus   sql.NullInt64
		errorCode    sql.NullString
		responseBody []byte
	)

	err = r.db.QueryRowContext(ctx, `
		SELECT request_hash, status, http_status, error_code, response_body, expires_at, created_at, updated_at
		FROM idempotency_keys
		WHERE operator_id = $1 AND route = $2 AND key = $3
	`, scope.OperatorID, scope.Route, key).Scan(
		&record.RequestHash,
		&statusRaw,
		&httpStatus,
		&errorCode,
		&responseBody,
		&record.ExpiresAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
		}
		return domain.IdempotencyRecord{}, fmt.Errorf("get idempotency key: %w", err)
	}

	record.Status = domain.IdempotencyStatus(statusRaw)
	if !record.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("invalid idempotency status %q for key %s", statusRaw, key)
	}
	if httpStatus.Valid {
		record.HTTPStatus = int(httpStatus.Int64)
	}
	record.ErrorCode = errorCode.String
	record.ResponseBody = append([]byte(nil), responseBody...)
	return record, nil
}

func (r *idempotencyRepository) Settle(ctx context.Context, scope domain.IdempotencyScope, key string, outcome domain.IdempotencyOutcome) error {
	scope, key, err := normalizeScope(scope, key)
	if err != nil {
		return err
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = $1,
		    http_status = $2,
		    error_code = NULLIF($3, ''),
		    response_body = $4,
		    updated_at = $5
		WHERE operator_id = $6 AND route = $7 AND key = $8
	`,
		string(outcome.Status()),
		outcome.HTTPStatus,
		outcome.ErrorCode,
		outcome.Body,
		time.Now().UTC(),
		scope.OperatorID,
		scope.Route,
		key,
	)
	if err != nil {
		return fmt.Errorf("settle idempotency key: %w", err)
	}
	return requireAffected(res)
}

// Release удаляет ключ, пока за ним не закреплён ответ.
func (r *idempotencyRepository) Release(ctx context.Context, scope domain.IdempotencyScope, key string) error {
	scope, key, err := normalizeScope(scope, key)
	if err != nil {
		return err
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys
		WHERE operator_id = $1 AND route = $2 AND key = $3 AND status = $4
	`, scope.OperatorID, scope.Route, key, string(domain.IdempotencyStatusProcessing))
	if err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	if err := requireAffected(res); !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
		return err
	}
	// закреплённый ответ не освобождается, но и ошибкой это не считается
	_, err = r.Get(ctx, scope, key)
	return err
}

func (r *idempotencyRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var (
		res sql.Result
		err error
	)
	if limit > 0 {
		res, err = r.db.ExecContext(ctx, `
			DELETE FROM idempotency_keys
			WHERE (operator_id, route, key) IN (
				SELECT operator_id, route, key
				FROM idempotency_keys
				WHERE expires_at <= $1
				ORDER BY expires_at ASC
				LIMIT $2
			)
		`, before, limit)
	} else {
		res, err = r.db.ExecContext(ctx, `
			DELETE FROM idempotency_keys
			WHERE expires_at <= $1
		`, before)
	}
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency keys: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("idempotency rows affected: %w", err)
	}
	return int(affected), nil
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("idempotency rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrIdempotencyKeyNotFound
	}
	return nil
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)
