package domain

import (
	"net/http"
	"strings"
	"time"
)

// IdempotencyScope ограничивает Idempotency-Key оператором и маршрутом:
// одинаковые ключи разных операторов или разных операций не пересекаются.
type IdempotencyScope struct {
	OperatorID string
	// Route — метод и шаблон пути, например "POST /api/v1/orders/:id/assign".
	Route string
}

// Validate проверяет, что область ключа заполнена.
func (s IdempotencyScope) Validate() error {
	if strings.TrimSpace(s.OperatorID) == "" {
		return &ValidationError{Field: "operator_id", Reason: "idempotency scope requires an operator"}
	}
	if strings.TrimSpace(s.Route) == "" {
		return &ValidationError{Field: "route", Reason: "idempotency scope requires a route"}
	}
	return nil
}

// IdempotencyStatus описывает жизненный цикл ключа.
type IdempotencyStatus string

const (
	// IdempotencyStatusProcessing: запрос принят, ответ ещё не сохранён.
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusCompleted: операция применена, ответ 2xx сохранён.
	IdempotencyStatusCompleted IdempotencyStatus = "completed"
	// IdempotencyStatusRejected: операция окончательно отклонена (4xx).
	IdempotencyStatusRejected IdempotencyStatus = "rejected"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusCompleted, IdempotencyStatusRejected:
		return true
	default:
		return false
	}
}

// IdempotencyOutcome — результат обработки запроса, который закрепляется за ключом.
type IdempotencyOutcome struct {
	HTTPStatus int
	// ErrorCode — код ошибки из конверта ответа, пустой для успеха.
	ErrorCode string
	// Retryable переносится из конверта: клиент может повторить запрос.
	Retryable bool
	Body      []byte
}

// Settles сообщает, нужно ли закрепить ответ за ключом. Повторяемые отказы
// (конкуренция за блокировку, сбой хранилища) ничего не изменили, и ключ
// освобождается, чтобы повтор с тем же ключом выполнил операцию.
func (o IdempotencyOutcome) Settles() bool {
	return !o.Retryable && o.HTTPStatus < http.StatusInternalServerError
}

// Status возвращает итоговый статус ключа для закрепляемого ответа.
func (o IdempotencyOutcome) Status() IdempotencyStatus {
	if o.HTTPStatus >= http.StatusBadRequest {
		return IdempotencyStatusRejected
	}
	return IdempotencyStatusCompleted
}

// IdempotencyRecord хранит состояние изменяющего запроса оператора.
type IdempotencyRecord struct {
	Scope        IdempotencyScope
	Key          string
	RequestHash  string
	Status       IdempotencyStatus
	HTTPStatus   int
	ErrorCode    string
	ResponseBody []byte
	ExpiresAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Replayable сообщает, что за ключом закреплён ответ, который можно вернуть повторно.
func (r IdempotencyRecord) Replayable() bool {
	return r.Status == IdempotencyStatusCompleted || r.Status == IdempotencyStatusRejected
}

// Expired сообщает, что ключ можно занять заново.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}
