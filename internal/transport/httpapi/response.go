package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// Envelope — единый формат ответа API.
type Envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// ErrorBody описывает отказ и указывает на заказ, позицию или поле, которые его вызвали.
type ErrorBody struct {
	Code       string                  `json:"code"`
	Message    string                  `json:"message"`
	OrderID    string                  `json:"order_id,omitempty"`
	LineID     string                  `json:"line_id,omitempty"`
	Field      string                  `json:"field,omitempty"`
	OperatorID string                  `json:"operator_id,omitempty"`
	Retryable  bool                    `json:"retryable,omitempty"`
	Shortfalls []domain.StockShortfall `json:"shortfalls,omitempty"`
}

// Коды ошибок API.
const (
	CodeValidation        = "validation_error"
	CodeNotFound          = "not_found"
	CodeInvalidTransition = "invalid_transition"
	CodeInvalidOperator   = "invalid_operator"
	CodeInsufficientStock = "insufficient_stock"
	CodeQuantityMismatch  = "quantity_mismatch"
	CodeContention        = "contention"
	CodeInvariant         = "invariant_violation"
	CodeConflict          = "conflict"
	CodeUnauthorized      = "missing_operator"
	CodeInternal          = "internal_error"
)

func ok(c echo.Context, status int, data any) error {
	return c.JSON(status, Envelope{Success: true, Data: data})
}

func fail(c echo.Context, err error) error {
	status, body := errorFromDomain(err)
	return c.JSON(status, Envelope{Success: false, Error: &body})
}

// errorFromDomain переводит доменную ошибку в HTTP-статус и тело.
func errorFromDomain(err error) (int, ErrorBody) {
	body := ErrorBody{Message: err.Error()}

	var (
		validation   *domain.ValidationError
		transition   *domain.InvalidTransitionError
		operator     *domain.InvalidOperatorError
		insufficient *domain.InsufficientStockError
		quantity     *domain.QuantityError
		invariant    *domain.InvariantViolationError
		httpErr      *echo.HTTPError
	)

	switch {
	case errors.As(err, &validation):
		body.Code, body.Field = CodeValidation, validation.Field
		return http.StatusBadRequest, body
	case errors.As(err, &quantity):
		body.Code, body.OrderID, body.LineID, body.Field = CodeQuantityMismatch, quantity.OrderID, quantity.LineID, quantity.Field
		return http.StatusUnprocessableEntity, body
	case errors.As(err, &insufficient):
		body.Code, body.Shortfalls = CodeInsufficientStock, insufficient.Shortfalls
		return http.StatusConflict, body
	case errors.As(err, &transition):
		body.Code, body.OrderID = CodeInvalidTransition, transition.OrderID
		return http.StatusConflict, body
	case errors.As(err, &operator):
		body.Code, body.OperatorID = CodeInvalidOperator, operator.OperatorID
		return http.StatusForbidden, body
	case errors.As(err, &invariant):
		body.Code, body.OrderID = CodeInvariant, invariant.OrderID
		return http.StatusConflict, body
	case domain.IsRetryable(err):
		body.Code, body.Retryable = CodeContention, true
		return http.StatusServiceUnavailable, body
	case errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrArticleNotFound),
		errors.Is(err, domain.ErrOperatorNotFound),
		errors.Is(err, domain.ErrAuditNotFound),
		errors.Is(err, domain.ErrStateNotFound):
		body.Code = CodeNotFound
		return http.StatusNotFound, body
	case errors.Is(err, domain.ErrLineNotFound):
		body.Code = CodeNotFound
		return http.StatusUnprocessableEntity, body
	case errors.Is(err, domain.ErrAlreadyReconciled),
		errors.Is(err, domain.ErrOrderAlreadyExists):
		body.Code = CodeConflict
		return http.StatusConflict, body
	case errors.Is(err, domain.ErrValidation):
		body.Code = CodeValidation
		return http.StatusBadRequest, body
	case errors.As(err, &httpErr):
		body.Code = CodeValidation
		if msg, isString := httpErr.Message.(string); isString {
			body.Message = msg
		}
		if httpErr.Code >= http.StatusInternalServerError {
			body.Code = CodeInternal
		} else if httpErr.Code == http.StatusNotFound || httpErr.Code == http.StatusMethodNotAllowed {
			body.Code = CodeNotFound
		}
		return httpErr.Code, body
	default:
		body.Code, body.Message = CodeInternal, "internal error"
		return http.StatusInternalServerError, body
	}
}

// errorHandler отдаёт ошибки роутера и middleware в том же конверте.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, body := errorFromDomain(err)
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, Envelope{Success: false, Error: &body})
}
