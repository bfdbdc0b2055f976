package httpapi

import (
	"encoding/json"
	"time"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/ledger"
)

// LineDTO — позиция корзины.
type LineDTO struct {
	ID            string `json:"id"`
	ArticleID     string `json:"article_id"`
	Quantity      int    `json:"quantity"`
	SubtotalMinor int64  `json:"subtotal_minor"`
}

// ReturnDTO — решение по возврату.
type ReturnDTO struct {
	Resend      bool      `json:"resend"`
	Condition   string    `json:"condition"`
	Restocked   bool      `json:"restocked"`
	OperatorID  string    `json:"operator_id"`
	Comment     string    `json:"comment,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}

// OrderDTO — заказ в ответах API.
type OrderDTO struct {
	ID               string     `json:"id"`
	Reference        string     `json:"reference"`
	ClientRef        string     `json:"client_ref"`
	Destination      string     `json:"destination"`
	OriginTag        string     `json:"origin_tag,omitempty"`
	OriginRef        string     `json:"origin_ref,omitempty"`
	UpsellCounter    int        `json:"upsell_counter"`
	DeliveryFeeMinor int64      `json:"delivery_fee_minor"`
	TotalMinor       int64      `json:"total_minor"`
	Lines            []LineDTO  `json:"lines"`
	Return           *ReturnDTO `json:"return,omitempty"`
	Version          int64      `json:"version"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// StateDTO — запись истории состояний.
type StateDTO struct {
	ID         string     `json:"id"`
	OrderID    string     `json:"order_id"`
	Kind       string     `json:"kind"`
	OperatorID string     `json:"operator_id,omitempty"`
	ClosedBy   string     `json:"closed_by,omitempty"`
	Comment    string     `json:"comment,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Open       bool       `json:"open"`
}

// AuditDTO — запись аудита.
type AuditDTO struct {
	ID                 string          `json:"id"`
	OrderID            string          `json:"order_id"`
	Kind               string          `json:"kind"`
	OperatorID         string          `json:"operator_id"`
	StateID            string          `json:"state_id,omitempty"`
	Conclusion         string          `json:"conclusion"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	EditedAt           *time.Time      `json:"edited_at,omitempty"`
	EditedBy           string          `json:"edited_by,omitempty"`
	PreviousConclusion string          `json:"previous_conclusion,omitempty"`
}

// MovementDTO — движение остатка.
type MovementDTO struct {
	ID         string    `json:"id"`
	ArticleID  string    `json:"article_id"`
	Delta      int       `json:"delta"`
	Resulting  int       `json:"resulting"`
	Kind       string    `json:"kind"`
	OrderID    string    `json:"order_id,omitempty"`
	OperatorID string    `json:"operator_id"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChangeDTO — закрытое и открытое состояния одного перехода.
type ChangeDTO struct {
	Closed *StateDTO `json:"closed,omitempty"`
	Opened StateDTO  `json:"opened"`
}

func orderDTO(o domain.Order) OrderDTO {
	dto := OrderDTO{
		ID:               o.ID,
		Reference:        o.Reference,
		ClientRef:        o.ClientRef,
		Destination:      o.Destination,
		OriginTag:        o.OriginTag,
		OriginRef:        o.OriginRef,
		UpsellCounter:    o.UpsellCounter,
		DeliveryFeeMinor: o.DeliveryFeeMinor,
		TotalMinor:       o.TotalMinor,
		Lines:            make([]LineDTO, 0, len(o.Lines)),
		Version:          o.Version,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
	}
	for _, l := range o.Lines {
		dto.Lines = append(dto.Lines, LineDTO{ID: l.ID, ArticleID: l.ArticleID, Quantity: l.Quantity, SubtotalMinor: l.SubtotalMinor})
	}
	if r := o.Return; r != nil {
		dto.Return = &ReturnDTO{
			Resend:      r.Resend,
			Condition:   string(r.Condition),
			Restocked:   r.Restocked,
			OperatorID:  r.OperatorID,
			Comment:     r.Comment,
			ProcessedAt: r.ProcessedAt,
		}
	}
	return dto
}

func ordersDTO(list []domain.Order) []OrderDTO {
	out := make([]OrderDTO, 0, len(list))
	for _, o := range list {
		out = append(out, orderDTO(o))
	}
	return out
}

func stateDTO(s domain.OrderState) StateDTO {
	return StateDTO{
		ID:         s.ID,
		OrderID:    s.OrderID,
		Kind:       string(s.Kind),
		OperatorID: s.OperatorID,
		ClosedBy:   s.ClosedBy,
		Comment:    s.Comment,
		StartedAt:  s.StartedAt,
		EndedAt:    s.EndedAt,
		Open:       s.IsOpen(),
	}
}

func statesDTO(list []domain.OrderState) []StateDTO {
	out := make([]StateDTO, 0, len(list))
	for _, s := range list {
		out = append(out, stateDTO(s))
	}
	return out
}

func changeDTO(c ledger.Change) ChangeDTO {
	dto := ChangeDTO{Opened: stateDTO(c.Opened)}
	if c.Closed != nil {
		closed := stateDTO(*c.Closed)
		dto.Closed = &closed
	}
	return dto
}

func auditDTO(a domain.AuditOperation) AuditDTO {
	return AuditDTO{
		ID:                 a.ID,
		OrderID:            a.OrderID,
		Kind:               string(a.Kind),
		OperatorID:         a.OperatorID,
		StateID:            a.StateID,
		Conclusion:         a.Conclusion,
		Payload:            a.Payload,
		CreatedAt:          a.CreatedAt,
		EditedAt:           a.EditedAt,
		EditedBy:           a.EditedBy,
		PreviousConclusion: a.PreviousConclusion,
	}
}

func auditsDTO(list []domain.AuditOperation) []AuditDTO {
	out := make([]AuditDTO, 0, len(list))
	for _, a := range list {
		out = append(out, auditDTO(a))
	}
	return out
}

func movementDTO(m domain.StockMovement) MovementDTO {
	return MovementDTO{
		ID:         m.ID,
		ArticleID:  m.ArticleID,
		Delta:      m.Delta,
		Resulting:  m.Resulting,
		Kind:       string(m.Kind),
		OrderID:    m.OrderID,
		OperatorID: m.OperatorID,
		Comment:    m.Comment,
		CreatedAt:  m.CreatedAt,
	}
}

func movementsDTO(list []domain.StockMovement) []MovementDTO {
	out := make([]MovementDTO, 0, len(list))
	for _, m := range list {
		out = append(out, movementDTO(m))
	}
	return out
}
