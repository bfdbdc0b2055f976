package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

const (
	// HeaderOperatorID — оператор, от имени которого выполняется изменение.
	HeaderOperatorID = "X-Operator-ID"
	// HeaderIdempotencyKey — ключ идемпотентности изменяющего запроса.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderIdempotentReplay помечает ответ, взятый из кэша идемпотентности.
	HeaderIdempotentReplay = "Idempotent-Replay"

	actorKey             = "actor_id"
	defaultIdempotentTTL = 24 * time.Hour
)

// requireActor требует X-Operator-ID и кладёт его в контекст запроса.
func requireActor(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		actor := strings.TrimSpace(c.Request().Header.Get(HeaderOperatorID))
		if actor == "" {
			return c.JSON(http.StatusUnauthorized, Envelope{Error: &ErrorBody{
				Code:    CodeUnauthorized,
				Message: HeaderOperatorID + " header is required",
			}})
		}
		c.Set(actorKey, actor)
		return next(c)
	}
}

func actorID(c echo.Context) string {
	actor, _ := c.Get(actorKey).(string)
	return actor
}

// requestLogger пишет access-лог запросов через logrus.
func requestLogger(logger *log.Entry) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := logger.WithFields(log.Fields{
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency_ms": v.Latency.Milliseconds(),
				"request_id": v.RequestID,
				"actor_id":   c.Request().Header.Get(HeaderOperatorID),
			})
			switch {
			case v.Error != nil && v.Status >= http.StatusInternalServerError:
				entry.WithError(v.Error).Error("request failed")
			case v.Status >= http.StatusInternalServerError:
				entry.Error("request failed")
			default:
				entry.Debug("request served")
			}
			return nil
		},
	})
}

// idempotency повторяет сохранённый ответ для уже обработанного ключа.
// Ключ действует в пределах оператора и маршрута. Запросы без
// Idempotency-Key проходят без изменений.
type idempotency struct {
	repo   domain.IdempotencyRepository
	ttl    time.Duration
	logger *log.Entry
	now    func() time.Time
}

func newIdempotency(repo domain.IdempotencyRepository, ttl time.Duration, logger *log.Entry) *idempotency {
	if ttl <= 0 {
		ttl = defaultIdempotentTTL
	}
	return &idempotency{repo: repo, ttl: ttl, logger: logger, now: time.Now}
}

func (m *idempotency) middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := strings.TrimSpace(c.Request().Header.Get(HeaderIdempotencyKey))
		if m.repo == nil || key == "" {
			return next(c)
		}

		hash, err := requestHash(c)
		if err != nil {
			return err
		}

		ctx := c.Request().Context()
		scope := domain.IdempotencyScope{OperatorID: actorID(c), Route: c.Request().Method + " " + c.Path()}
		entry := m.logger.WithFields(log.Fields{
			"idempotency_key": key,
			"operator_id":     scope.OperatorID,
			"route":           scope.Route,
		})
		record, err := m.repo.Begin(ctx, scope, key, hash, m.now().UTC().Add(m.ttl))
		if err != nil {
			return m.replay(c, record, err)
		}

		settled := false
		defer func() {
			// паника обработчика не должна оставить ключ занятым до истечения TTL
			if !settled {
				if err := m.repo.Release(context.WithoutCancel(ctx), scope, key); err != nil {
					entry.WithError(err).Warn("failed to release idempotency key")
				}
			}
		}()

		recorder := &responseRecorder{ResponseWriter: c.Response().Writer}
		c.Response().Writer = recorder
		handlerErr := next(c)
		if handlerErr != nil {
			// ошибку нужно отрендерить до записи в кэш
			c.Error(handlerErr)
		}

		outcome := outcomeOf(c.Response().Status, recorder.body.Bytes(), handlerErr)
		settled = true
		if !outcome.Settles() {
			entry.WithField("status", outcome.HTTPStatus).Info("idempotency key released after retryable failure")
			err = m.repo.Release(ctx, scope, key)
		} else {
			err = m.repo.Settle(ctx, scope, key, outcome)
		}
		if err != nil {
			entry.WithError(err).Warn("failed to store idempotent response")
		}
		return nil
	}
}

// outcomeOf собирает результат из записанного ответа. Признак повторяемости
// берётся из конверта ошибки, а для ошибок без конверта из самой ошибки.
func outcomeOf(status int, body []byte, handlerErr error) domain.IdempotencyOutcome {
	outcome := domain.IdempotencyOutcome{
		HTTPStatus: status,
		Body:       append([]byte(nil), body...),
		Retryable:  handlerErr != nil && domain.IsRetryable(handlerErr),
	}
	if status < http.StatusBadRequest {
		return outcome
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil {
		outcome.ErrorCode = env.Error.Code
		outcome.Retryable = outcome.Retryable || env.Error.Retryable
	}
	return outcome
}

func (m *idempotency) replay(c echo.Context, record domain.IdempotencyRecord, beginErr error) error {
	switch {
	case errors.Is(beginErr, domain.ErrIdempotencyHashMismatch):
		return c.JSON(http.StatusUnprocessableEntity, Envelope{Error: &ErrorBody{
			Code:    CodeConflict,
			Message: "idempotency key was used with a different request",
		}})
	case !errors.Is(beginErr, domain.ErrIdempotencyKeyAlreadyExists):
		return beginErr
	}

	if record.Replayable() {
		c.Response().Header().Set(HeaderIdempotentReplay, "true")
		return c.Blob(record.HTTPStatus, echo.MIMEApplicationJSONCharsetUTF8, record.ResponseBody)
	}
	return c.JSON(http.StatusConflict, Envelope{Error: &ErrorBody{
		Code:      CodeConflict,
		Message:   "request with this idempotency key is still processing",
		Retryable: true,
	}})
}

// requestHash связывает ключ с конкретным путём и телом запроса;
// оператор и шаблон маршрута входят в область ключа.
func requestHash(c echo.Context) (string, error) {
	req := c.Request()
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return "", echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	h := sha256.New()
	h.Write([]byte(req.URL.Path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// responseRecorder дублирует тело ответа в буфер.
type responseRecorder struct {
	http.ResponseWriter
	body bytes.Buffer
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *responseRecorder) Flush() {
	if f, isFlusher := r.ResponseWriter.(http.Flusher); isFlusher {
		f.Flush()
	}
}

func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
