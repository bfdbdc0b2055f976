package httpapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/stock"
)

const defaultMovementsLimit = 50

type adjustStockRequest struct {
	Delta   int                 `json:"delta"`
	Kind    domain.MovementKind `json:"kind"`
	OrderID string              `json:"order_id"`
	Comment string              `json:"comment"`
}

type stockResponse struct {
	ArticleID string        `json:"article_id"`
	Quantity  int           `json:"quantity"`
	Movements []MovementDTO `json:"movements"`
}

func (s *Server) articleStock(c echo.Context) error {
	limit := defaultMovementsLimit
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return fail(c, &domain.ValidationError{Field: "limit", Reason: "must be a positive integer"})
		}
		limit = parsed
	}

	ctx := c.Request().Context()
	articleID := c.Param("id")
	qty, err := s.svc.Stock.CurrentQuantity(ctx, articleID)
	if err != nil {
		return fail(c, err)
	}
	movements, err := s.svc.Stock.Movements(ctx, articleID, limit)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, stockResponse{ArticleID: articleID, Quantity: qty, Movements: movementsDTO(movements)})
}

func (s *Server) adjustStock(c echo.Context) error {
	var req adjustStockRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.Kind == "" {
		req.Kind = domain.MovementAdjustment
	}

	movement, err := s.svc.Stock.Adjust(c.Request().Context(), stock.Entry{
		ArticleID:  c.Param("id"),
		Delta:      req.Delta,
		Kind:       req.Kind,
		OrderID:    req.OrderID,
		OperatorID: actorID(c),
		Comment:    req.Comment,
	})
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusCreated, movementDTO(movement))
}
