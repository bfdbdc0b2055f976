package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const defaultIdempotencyTTL = 24 * time.Hour

type idempotencyKey struct {
	operatorID string
	route      string
	key        string
}

type idempotencyRepositoryInMemory struct {
	mu    sync.Mutex
	items map[idempotencyKey]domain.IdempotencyRecord
	now   func() time.Time
}

// NewIdempotencyRepository создаёт in-memory реализацию IdempotencyRepository.
func NewIdempotencyRepository() domain.IdempotencyRepository {
	return &idempotencyRepositoryInMemory{
		items: make(map[idempotencyKey]domain.IdempotencyRecord),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func scopedKey(scope domain.IdempotencyScope, key string) (idempotencyKey, error) {
	if err := scope.Validate(); err != nil {
		return idempotencyKey{}, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return idempotencyKey{}, domain.ErrIdempotencyKeyRequired
	}
	return idempotencyKey{
		operatorID: strings.TrimSpace(scope.OperatorID),
		route:      strings.TrimSpace(scope.Route),
		key:        key,
	}, nil
}

func (r *idempotencyRepositoryInMemory) Begin(_ context.Context, scope domain.IdempotencyScope, key, requestHash string, expiresAt time.Time) (domain.IdempotencyRecord, error) {
	id, err := scopedKey(scope, key)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	requestHash = strings.TrimSpace(requestHash)
	if requestHash == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}

	now := r.now()
	if expiresAt.IsZero() {
		expiresAt = now.Add(defaultIdempotencyTTL)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, found := r.items[id]; found && !existing.Expired(now) {
		if existing.RequestHash != requestHash {
			return cloneIdempotencyRecord(existing), domain.ErrIdempotencyHashMismatch
		}
		return cloneIdempotencyRecord(existing), domain.ErrIdempotencyKeyAlreadyExists
	}

	record := domain.IdempotencyRecord{
		Scope:       domain.IdempotencyScope{OperatorID: id.operatorID, Route: id.route},
		Key:         id.key,
		RequestHash: requestHash,
		Status:      domain.IdempotencyStatusProcessing,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.items[id] = record
	return cloneIdempotencyRecord(record), nil
}

func (r *idempotencyRepositoryInMemory) Get(_ context.Context, scope domain.IdempotencyScope, key string) (domain.IdempotencyRecord, error) {
	id, err := scopedKey(scope, key)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, found := r.items[id]
	if !found {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	return cloneIdempotencyRecord(record), nil
}

func (r *idempotencyRepositoryInMemory) Settle(_ context.Context, scope domain.IdempotencyScope, key string, outcome domain.IdempotencyOutcome) error {
	id, err := scopedKey(scope, key)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, found := r.items[id]
	if !found {
		return domain.ErrIdempotencyKeyNotFound
	}
	record.Status = outcome.Status()
	record.HTTPStatus = outcome.HTTPStatus
	record.ErrorCode = outcome.ErrorCode
	record.ResponseBody = append([]byte(nil), outcome.Body...)
	record.UpdatedAt = r.now()
	r.items[id] = record
	return nil
}

func (r *idempotencyRepositoryInMemory) Release(_ context.Context, scope domain.IdempotencyScope, key string) error {
	id, err := scopedKey(scope, key)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, found := r.items[id]
	if !found {
		return domain.ErrIdempotencyKeyNotFound
	}
	// закреплённый ответ не освобождается
	if record.Replayable() {
		return nil
	}
	delete(r.items, id)
	return nil
}

// DeleteExpired удаляет самые старые просроченные ключи первыми.
func (r *idempotencyRepositoryInMemory) DeleteExpired(_ context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	expired := make([]idempotencyKey, 0)
	for id, record := range r.items {
		if record.Expired(before) {
			expired = append(expired, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return r.items[expired[i]].ExpiresAt.Before(r.items[expired[j]].ExpiresAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, id := range expired {
		delete(r.items, id)
	}
	return len(expired), nil
}

func cloneIdempotencyRecord(src domain.IdempotencyRecord) domain.IdempotencyRecord {
	dst := src
	dst.ResponseBody = append([]byte(nil), src.ResponseBody...)
	return dst
}

var _ domain.IdempotencyRepository = (*idempotencyRepositoryInMemory)(nil)
