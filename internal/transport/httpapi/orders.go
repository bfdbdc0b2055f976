package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/ledger"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/pricing"
)

type lineRequest struct {
	ArticleID string `json:"article_id"`
	Quantity  int    `json:"quantity"`
}

type createOrderRequest struct {
	Reference   string        `json:"reference"`
	ClientRef   string        `json:"client_ref"`
	Destination string        `json:"destination"`
	OriginTag   string        `json:"origin_tag"`
	Lines       []lineRequest `json:"lines"`
}

type quantityRequest struct {
	Quantity int `json:"quantity"`
}

type articleRequest struct {
	ArticleID string `json:"article_id"`
}

type transitionRequest struct {
	To         domain.StateKind `json:"to"`
	OperatorID string           `json:"operator_id"`
	Comment    string           `json:"comment"`
}

func (s *Server) createOrder(c echo.Context) error {
	var req createOrderRequest
	if err := c.Bind(&req); err != nil {
		return err
	}

	draft := pricing.OrderDraft{
		Reference:   req.Reference,
		ClientRef:   req.ClientRef,
		Destination: req.Destination,
		OriginTag:   req.OriginTag,
		ActorID:     actorID(c),
		Lines:       make([]pricing.LineDraft, 0, len(req.Lines)),
	}
	for _, l := range req.Lines {
		draft.Lines = append(draft.Lines, pricing.LineDraft{ArticleID: l.ArticleID, Quantity: l.Quantity})
	}

	order, err := s.svc.Basket.CreateOrder(c.Request().Context(), draft)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusCreated, orderDTO(order))
}

func (s *Server) getOrder(c echo.Context) error {
	order, err := s.svc.Basket.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, orderDTO(order))
}

func (s *Server) addLine(c echo.Context) error {
	var req lineRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	order, err := s.svc.Basket.AddLine(c.Request().Context(), c.Param("id"), req.ArticleID, req.Quantity, actorID(c))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, orderDTO(order))
}

func (s *Server) changeQuantity(c echo.Context) error {
	var req quantityRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	order, err := s.svc.Basket.ChangeQuantity(c.Request().Context(), c.Param("id"), c.Param("line"), req.Quantity, actorID(c))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, orderDTO(order))
}

func (s *Server) replaceArticle(c echo.Context) error {
	var req articleRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	order, err := s.svc.Basket.ReplaceArticle(c.Request().Context(), c.Param("id"), c.Param("line"), req.ArticleID, actorID(c))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, orderDTO(order))
}

func (s *Server) removeLine(c echo.Context) error {
	order, err := s.svc.Basket.RemoveLine(c.Request().Context(), c.Param("id"), c.Param("line"), actorID(c))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, orderDTO(order))
}

func (s *Server) orderHistory(c echo.Context) error {
	history, err := s.svc.States.History(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, statesDTO(history))
}

func (s *Server) currentState(c echo.Context) error {
	ctx := c.Request().Context()
	if _, err := s.svc.Basket.Get(ctx, c.Param("id")); err != nil {
		return fail(c, err)
	}
	current, err := s.svc.States.CurrentState(ctx, c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	if current == nil {
		return fail(c, domain.ErrStateNotFound)
	}
	return ok(c, http.StatusOK, stateDTO(*current))
}

func (s *Server) transition(c echo.Context) error {
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if !req.To.Valid() {
		return fail(c, &domain.ValidationError{Field: "to", Reason: "unknown state"})
	}

	change, err := s.svc.States.Transition(c.Request().Context(), ledger.TransitionRequest{
		OrderID:    c.Param("id"),
		To:         req.To,
		OperatorID: req.OperatorID,
		ActorID:    actorID(c),
		Comment:    req.Comment,
	})
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, changeDTO(change))
}

func (s *Server) orderAudit(c echo.Context) error {
	list, err := s.svc.Audit.ForOrder(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, auditsDTO(list))
}

func (s *Server) orderResends(c echo.Context) error {
	list, err := s.svc.Reconciliation.FindResendOrders(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, ordersDTO(list))
}

type conclusionRequest struct {
	Conclusion string `json:"conclusion"`
}

func (s *Server) editConclusion(c echo.Context) error {
	var req conclusionRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	updated, err := s.svc.Audit.EditConclusion(c.Request().Context(), c.Param("id"), actorID(c), req.Conclusion)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, auditDTO(updated))
}
