package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderAlreadyExists возвращается при повторном создании заказа с тем же ID.
	ErrOrderAlreadyExists = errors.New("order already exists")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrArticleNotFound возвращается, если артикул отсутствует в каталоге.
	ErrArticleNotFound = errors.New("article not found")
	// ErrOperatorNotFound возвращается для неизвестного оператора.
	ErrOperatorNotFound = errors.New("operator not found")
	// ErrAuditNotFound возвращается, если запись аудита не найдена.
	ErrAuditNotFound = errors.New("audit operation not found")
	// ErrLineNotFound возвращается, если позиция корзины не принадлежит заказу.
	ErrLineNotFound = errors.New("basket line not found")
	// ErrStateNotFound возвращается, если состояние заказа не найдено.
	ErrStateNotFound = errors.New("order state not found")

	// ErrInvariantViolation — нарушение целостности данных (например, два открытых состояния).
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrInvalidTransition — переход не разрешён из текущего состояния.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrInvalidOperator — оператор неактивен, не в той роли или не имеет прав.
	ErrInvalidOperator = errors.New("invalid operator")
	// ErrInsufficientStock — движение увело бы остаток ниже нуля.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrContention — не удалось взять блокировку за отведённое время, можно повторить.
	ErrContention = errors.New("contention")
	// ErrDataConsistency — расхождение данных, которое логируется и не прерывает операцию.
	ErrDataConsistency = errors.New("data consistency warning")
	// ErrQuantityMismatch — количества в запросе не сходятся с заказом.
	ErrQuantityMismatch = errors.New("quantity mismatch")
	// ErrAlreadyReconciled — возврат уже обработан.
	ErrAlreadyReconciled = errors.New("order already reconciled")
	// ErrValidation — некорректные входные данные.
	ErrValidation = errors.New("validation failed")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")

	ErrIdempotencyKeyRequired         = errors.New("idempotency key is required")
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	ErrIdempotencyKeyAlreadyExists    = errors.New("idempotency key already exists")
	ErrIdempotencyHashMismatch        = errors.New("idempotency key reused with different request")
	ErrIdempotencyKeyNotFound         = errors.New("idempotency key not found")
)

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// IsIdempotencyConflict сообщает, что ключ уже занят (тем же или другим запросом).
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}

// IsRetryable сообщает, что операцию можно безопасно повторить.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrContention) || errors.Is(err, ErrOrderVersionConflict)
}

// InvariantViolationError описывает обнаруженное нарушение инварианта одного открытого состояния.
type InvariantViolationError struct {
	OrderID      string
	OpenStateIDs []string
	Detail       string
}

func (e *InvariantViolationError) Error() string {
	msg := fmt.Sprintf("order %s: %d open states", e.OrderID, len(e.OpenStateIDs))
	if len(e.OpenStateIDs) > 0 {
		msg += " (" + strings.Join(e.OpenStateIDs, ", ") + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *InvariantViolationError) Unwrap() error { return ErrInvariantViolation }

// InvalidTransitionError описывает запрещённый переход графа состояний.
type InvalidTransitionError struct {
	OrderID string
	From    StateKind
	To      StateKind
	Reason  string
}

func (e *InvalidTransitionError) Error() string {
	from := string(e.From)
	if from == "" {
		from = "<none>"
	}
	msg := fmt.Sprintf("order %s: transition %s -> %s is not allowed", e.OrderID, from, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// InvalidOperatorError описывает оператора, которого нельзя использовать для действия.
type InvalidOperatorError struct {
	OperatorID string
	Role       Role
	Reason     string
}

func (e *InvalidOperatorError) Error() string {
	if e.Role != "" {
		return fmt.Sprintf("operator %s (role %s): %s", e.OperatorID, e.Role, e.Reason)
	}
	return fmt.Sprintf("operator %s: %s", e.OperatorID, e.Reason)
}

func (e *InvalidOperatorError) Unwrap() error { return ErrInvalidOperator }

// StockShortfall — нехватка по одному артикулу.
type StockShortfall struct {
	ArticleID string `json:"article_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// InsufficientStockError перечисляет все нехватки сразу.
type InsufficientStockError struct {
	Shortfalls []StockShortfall
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		parts = append(parts, fmt.Sprintf("%s: requested %d, available %d", s.ArticleID, s.Requested, s.Available))
	}
	return "insufficient stock: " + strings.Join(parts, "; ")
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// ContentionError возвращается, когда блокировка не получена за ограниченное время.
type ContentionError struct {
	Resource string
	Key      string
	Wait     time.Duration
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("%s %s is locked by another operation (waited %s)", e.Resource, e.Key, e.Wait)
}

func (e *ContentionError) Unwrap() error { return ErrContention }

// Retryable всегда true: конкурирующая операция скоро отпустит блокировку.
func (e *ContentionError) Retryable() bool { return true }

// QuantityError указывает на конкретную позицию и поле, не прошедшие проверку.
type QuantityError struct {
	OrderID string
	LineID  string
	Field   string
	Value   int
	Limit   int
	Reason  string
}

func (e *QuantityError) Error() string {
	msg := fmt.Sprintf("order %s", e.OrderID)
	if e.LineID != "" {
		msg += fmt.Sprintf(" line %s", e.LineID)
	}
	if e.Field != "" {
		msg += fmt.Sprintf(" field %s", e.Field)
	}
	msg += fmt.Sprintf(": value %d, expected %d", e.Value, e.Limit)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *QuantityError) Unwrap() error { return ErrQuantityMismatch }

// DataConsistencyWarning не прерывает операцию, а возвращается вызывающему и пишется в лог.
type DataConsistencyWarning struct {
	OrderID   string `json:"order_id"`
	ArticleID string `json:"article_id,omitempty"`
	Reason    string `json:"reason"`
}

func (e *DataConsistencyWarning) Error() string {
	if e.ArticleID != "" {
		return fmt.Sprintf("order %s article %s: %s", e.OrderID, e.ArticleID, e.Reason)
	}
	return fmt.Sprintf("order %s: %s", e.OrderID, e.Reason)
}

func (e *DataConsistencyWarning) Unwrap() error { return ErrDataConsistency }

// ValidationError описывает некорректное поле запроса.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }
