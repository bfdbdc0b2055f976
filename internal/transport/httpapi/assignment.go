package httpapi

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/assignment"
)

type assignRequest struct {
	OperatorID string      `json:"operator_id"`
	Role       domain.Role `json:"role"`
	Comment    string      `json:"comment"`
}

type bulkAssignRequest struct {
	OrderIDs   []string `json:"order_ids"`
	OperatorID string   `json:"operator_id"`
	Comment    string   `json:"comment"`
}

type rebalanceRequest struct {
	Threshold float64 `json:"threshold"`
}

type assignResponse struct {
	OrderID string    `json:"order_id"`
	State   StateDTO  `json:"state"`
	Audit   *AuditDTO `json:"audit,omitempty"`
	NoOp    bool      `json:"no_op"`
}

func assignResult(res assignment.Result) assignResponse {
	out := assignResponse{OrderID: res.OrderID, State: stateDTO(res.State), NoOp: res.NoOp}
	if res.Audit != nil {
		a := auditDTO(*res.Audit)
		out.Audit = &a
	}
	return out
}

func (s *Server) assign(c echo.Context) error {
	return s.runAssign(c, s.svc.Assignment.Assign)
}

func (s *Server) reassign(c echo.Context) error {
	return s.runAssign(c, s.svc.Assignment.Reassign)
}

func (s *Server) runAssign(c echo.Context, op func(ctx context.Context, req assignment.Request) (assignment.Result, error)) error {
	var req assignRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.Role != "" && !req.Role.Valid() {
		return fail(c, &domain.ValidationError{Field: "role", Reason: "unknown role"})
	}

	res, err := op(c.Request().Context(), assignment.Request{
		OrderID:    c.Param("id"),
		OperatorID: req.OperatorID,
		ActorID:    actorID(c),
		Role:       req.Role,
		Comment:    req.Comment,
	})
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, assignResult(res))
}

func (s *Server) bulkAssign(c echo.Context) error {
	var req bulkAssignRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if len(req.OrderIDs) == 0 {
		return fail(c, &domain.ValidationError{Field: "order_ids", Reason: "must not be empty"})
	}

	res := s.svc.Assignment.BulkAssign(c.Request().Context(), req.OrderIDs, req.OperatorID, actorID(c), req.Comment)
	status := http.StatusOK
	if len(res.Failed) > 0 {
		status = http.StatusMultiStatus
	}
	return ok(c, status, res)
}

func poolRole(c echo.Context) (domain.Role, error) {
	role := domain.Role(c.Param("role"))
	if _, found := domain.RouteFor(role); !found {
		return "", &domain.ValidationError{Field: "role", Reason: "role has no assignment pool"}
	}
	return role, nil
}

func (s *Server) poolLoad(c echo.Context) error {
	role, err := poolRole(c)
	if err != nil {
		return fail(c, err)
	}
	load, err := s.svc.Assignment.Load(c.Request().Context(), role)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, load)
}

func (s *Server) distribute(c echo.Context) error {
	role, err := poolRole(c)
	if err != nil {
		return fail(c, err)
	}
	report, err := s.svc.Assignment.AutoDistribute(c.Request().Context(), role)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, report)
}

func (s *Server) rebalance(c echo.Context) error {
	role, err := poolRole(c)
	if err != nil {
		return fail(c, err)
	}
	var req rebalanceRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.Threshold < 0 {
		return fail(c, &domain.ValidationError{Field: "threshold", Reason: "must be non-negative"})
	}
	report, err := s.svc.Assignment.Rebalance(c.Request().Context(), role, req.Threshold)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, report)
}
