package domain

import (
	"context"
	"time"
)

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// IdempotencyRepository хранит состояние изменяющих запросов по Idempotency-Key
// в пределах области оператора и маршрута.
type IdempotencyRepository interface {
	// Begin занимает ключ. Живой ключ с тем же хешем даёт ErrIdempotencyKeyAlreadyExists,
	// с другим хешем ErrIdempotencyHashMismatch; просроченный ключ занимается заново.
	Begin(ctx context.Context, scope IdempotencyScope, key, requestHash string, expiresAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, scope IdempotencyScope, key string) (IdempotencyRecord, error)
	// Settle закрепляет за ключом окончательный ответ.
	Settle(ctx context.Context, scope IdempotencyScope, key string, outcome IdempotencyOutcome) error
	// Release освобождает ключ после повторяемого отказа.
	Release(ctx context.Context, scope IdempotencyScope, key string) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
