package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/reconciliation"
)

type lineOutcomeRequest struct {
	LineID    string                 `json:"line_id"`
	Delivered int                    `json:"delivered"`
	Resend    int                    `json:"resend"`
	Condition domain.ReturnCondition `json:"condition"`
}

type partialDeliveryRequest struct {
	Comment string               `json:"comment"`
	Lines   []lineOutcomeRequest `json:"lines"`
}

type partialDeliveryResponse struct {
	OriginID       string                          `json:"origin_id"`
	Derived        OrderDTO                        `json:"derived"`
	DerivedState   StateDTO                        `json:"derived_state"`
	Audit          AuditDTO                        `json:"audit"`
	Movements      []MovementDTO                   `json:"movements"`
	Warnings       []domain.DataConsistencyWarning `json:"warnings,omitempty"`
	PreparerSource string                          `json:"preparer_source"`
}

type returnRequest struct {
	Resend    bool                   `json:"resend"`
	Condition domain.ReturnCondition `json:"condition"`
	Comment   string                 `json:"comment"`
}

type returnResponse struct {
	Order     OrderDTO                        `json:"order"`
	Movements []MovementDTO                   `json:"movements"`
	Warnings  []domain.DataConsistencyWarning `json:"warnings,omitempty"`
}

type escalateRequest struct {
	Comment string `json:"comment"`
}

type escalateResponse struct {
	State       StateDTO `json:"state"`
	Audit       AuditDTO `json:"audit"`
	ConfirmerID string   `json:"confirmer_id,omitempty"`
}

func (s *Server) partialDelivery(c echo.Context) error {
	var req partialDeliveryRequest
	if err := c.Bind(&req); err != nil {
		return err
	}

	lines := make([]reconciliation.LineOutcome, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, reconciliation.LineOutcome{
			LineID:    l.LineID,
			Delivered: l.Delivered,
			Resend:    l.Resend,
			Condition: l.Condition,
		})
	}

	res, err := s.svc.Reconciliation.PartialDelivery(c.Request().Context(), reconciliation.PartialDeliveryRequest{
		OrderID: c.Param("id"),
		ActorID: actorID(c),
		Comment: req.Comment,
		Lines:   lines,
	})
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusCreated, partialDeliveryResponse{
		OriginID:       res.OriginID,
		Derived:        orderDTO(res.Derived),
		DerivedState:   stateDTO(res.DerivedState),
		Audit:          auditDTO(res.Audit),
		Movements:      movementsDTO(res.Movements),
		Warnings:       res.Warnings,
		PreparerSource: res.PreparerSource,
	})
}

func (s *Server) processReturn(c echo.Context) error {
	var req returnRequest
	if err := c.Bind(&req); err != nil {
		return err
	}

	res, err := s.svc.Reconciliation.ProcessReturn(c.Request().Context(), reconciliation.ReturnRequest{
		OrderID:   c.Param("id"),
		ActorID:   actorID(c),
		Resend:    req.Resend,
		Condition: req.Condition,
		Comment:   req.Comment,
	})
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, returnResponse{
		Order:     orderDTO(res.Order),
		Movements: movementsDTO(res.Movements),
		Warnings:  res.Warnings,
	})
}

func (s *Server) escalate(c echo.Context) error {
	var req escalateRequest
	if err := c.Bind(&req); err != nil {
		return err
	}

	res, err := s.svc.Reconciliation.EscalateProblem(c.Request().Context(), reconciliation.EscalationRequest{
		OrderID: c.Param("id"),
		ActorID: actorID(c),
		Comment: req.Comment,
	})
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, escalateResponse{
		State:       stateDTO(res.State),
		Audit:       auditDTO(res.Audit),
		ConfirmerID: res.ConfirmerID,
	})
}
