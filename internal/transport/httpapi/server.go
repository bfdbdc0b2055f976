// Package httpapi — HTTP API бэк-офиса поверх echo.
package httpapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/assignment"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/audit"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/ledger"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/pricing"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/reconciliation"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/stock"
)

// Services — сервисы, которые обслуживает API.
type Services struct {
	Basket         *pricing.Basket
	States         *ledger.Ledger
	Assignment     *assignment.Engine
	Reconciliation *reconciliation.Engine
	Stock          *stock.Ledger
	Audit          *audit.Log
	// Idempotency может быть nil: тогда Idempotency-Key игнорируется.
	Idempotency domain.IdempotencyRepository
	// Health монтируется на /healthz, если задан.
	Health http.Handler
}

// Options настраивает Server.
type Options struct {
	IdempotencyTTL time.Duration
	BodyLimit      string
}

// Server — HTTP API.
type Server struct {
	svc    Services
	echo   *echo.Echo
	logger *log.Entry
}

// NewServer собирает роутер со всеми маршрутами.
func NewServer(svc Services, logger *log.Entry, opts Options) *Server {
	if logger == nil {
		logger = log.New().WithField("component", "http-api")
	}
	if opts.BodyLimit == "" {
		opts.BodyLimit = "1M"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(logger))
	e.Use(middleware.BodyLimit(opts.BodyLimit))

	s := &Server{svc: svc, echo: e, logger: logger}
	s.routes(newIdempotency(svc.Idempotency, opts.IdempotencyTTL, logger))
	return s
}

// Handler возвращает http.Handler для http.Server.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) routes(idem *idempotency) {
	if s.svc.Health != nil {
		s.echo.GET("/healthz", echo.WrapHandler(s.svc.Health))
	}

	api := s.echo.Group("/api/v1")
	// Изменяющие маршруты требуют оператора и принимают Idempotency-Key.
	// Middleware навешиваются на маршрут, а не на группу: группа с middleware
	// перехватывает и 404 всего префикса.
	w := []echo.MiddlewareFunc{requireActor, idem.middleware}

	api.GET("/orders/:id", s.getOrder)
	api.GET("/orders/:id/states", s.orderHistory)
	api.GET("/orders/:id/state", s.currentState)
	api.GET("/orders/:id/audit", s.orderAudit)
	api.GET("/orders/:id/resends", s.orderResends)
	api.POST("/orders", s.createOrder, w...)
	api.POST("/orders/:id/lines", s.addLine, w...)
	api.PATCH("/orders/:id/lines/:line", s.changeQuantity, w...)
	api.PUT("/orders/:id/lines/:line/article", s.replaceArticle, w...)
	api.DELETE("/orders/:id/lines/:line", s.removeLine, w...)
	api.POST("/orders/:id/transitions", s.transition, w...)

	api.POST("/orders/:id/assign", s.assign, w...)
	api.POST("/orders/:id/reassign", s.reassign, w...)
	api.POST("/assignments/bulk", s.bulkAssign, w...)
	api.GET("/pools/:role/load", s.poolLoad)
	api.POST("/pools/:role/distribute", s.distribute, w...)
	api.POST("/pools/:role/rebalance", s.rebalance, w...)

	api.POST("/orders/:id/partial-delivery", s.partialDelivery, w...)
	api.POST("/orders/:id/return", s.processReturn, w...)
	api.POST("/orders/:id/escalate", s.escalate, w...)

	api.PATCH("/audit/:id/conclusion", s.editConclusion, w...)

	api.GET("/articles/:id/stock", s.articleStock)
	api.POST("/articles/:id/stock/adjustments", s.adjustStock, w...)
}
