package domain

import (
	"strings"
	"time"
)

// ReturnCondition — состояние товара, вернувшегося от курьера.
type ReturnCondition string

const (
	ConditionGood    ReturnCondition = "good"
	ConditionDamaged ReturnCondition = "damaged"
)

// Valid проверяет, что состояние товара известно.
func (c ReturnCondition) Valid() bool {
	return c == ConditionGood || c == ConditionDamaged
}

// BasketLine — позиция корзины заказа.
type BasketLine struct {
	ID        string
	ArticleID string
	Quantity  int
	// SubtotalMinor вычисляется PricingEngine и не задаётся вручную.
	SubtotalMinor int64
	CreatedAt     time.Time
}

// ReturnDisposition фиксирует решение по возврату.
type ReturnDisposition struct {
	Resend      bool
	Condition   ReturnCondition
	Restocked   bool
	OperatorID  string
	Comment     string
	ProcessedAt time.Time
}

// Order агрегирует корзину заказа и его денежные итоги.
type Order struct {
	ID          string
	Reference   string
	ClientRef   string
	Destination string
	// OriginTag — канал, из которого пришёл заказ ("web", "phone", "resend").
	OriginTag string
	// OriginRef заполняется у переотправки: ID исходного заказа.
	OriginRef        string
	UpsellCounter    int
	DeliveryFeeMinor int64
	TotalMinor       int64
	Lines            []BasketLine
	Return           *ReturnDisposition
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// OriginTagResend помечает заказы-переотправки.
const OriginTagResend = "resend"

// ResendSuffix отделяет номер переотправки в референсе: CMD-1042-R1.
const ResendSuffix = "-R"

// IsDerived сообщает, что заказ создан при сверке как переотправка.
func (o Order) IsDerived() bool {
	return o.OriginRef != ""
}

// Line возвращает позицию по ID.
func (o Order) Line(id string) (BasketLine, bool) {
	for _, l := range o.Lines {
		if l.ID == id {
			return l, true
		}
	}
	return BasketLine{}, false
}

// LinesTotal — сумма подытогов позиций.
func (o Order) LinesTotal() int64 {
	var sum int64
	for _, l := range o.Lines {
		sum += l.SubtotalMinor
	}
	return sum
}

// ArticleIDs возвращает уникальные артикулы корзины в порядке появления.
func (o Order) ArticleIDs() []string {
	seen := make(map[string]struct{}, len(o.Lines))
	ids := make([]string, 0, len(o.Lines))
	for _, l := range o.Lines {
		if _, ok := seen[l.ArticleID]; ok {
			continue
		}
		seen[l.ArticleID] = struct{}{}
		ids = append(ids, l.ArticleID)
	}
	return ids
}

// IsResendOf проверяет связь переотправки с исходным заказом по соглашению об именовании.
func (o Order) IsResendOf(origin Order) bool {
	if !strings.HasPrefix(o.Reference, origin.Reference+ResendSuffix) {
		return false
	}
	return o.ClientRef == origin.ClientRef && o.OriginRef == origin.ID
}

// Clone возвращает копию заказа без общих срезов и указателей.
func (o Order) Clone() Order {
	out := o
	if o.Lines != nil {
		out.Lines = make([]BasketLine, len(o.Lines))
		copy(out.Lines, o.Lines)
	}
	if o.Return != nil {
		r := *o.Return
		out.Return = &r
	}
	return out
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if strings.TrimSpace(o.ID) == "" {
		errs = append(errs, &ValidationError{Field: "id", Reason: "is required"})
	}
	if strings.TrimSpace(o.ClientRef) == "" {
		errs = append(errs, &ValidationError{Field: "client_ref", Reason: "is required"})
	}
	if o.UpsellCounter < 0 {
		errs = append(errs, &ValidationError{Field: "upsell_counter", Reason: "must be non-negative"})
	}
	for _, l := range o.Lines {
		if l.Quantity <= 0 {
			errs = append(errs, &QuantityError{OrderID: o.ID, LineID: l.ID, Field: "quantity", Value: l.Quantity, Limit: 1, Reason: "must be greater than zero"})
		}
		if l.SubtotalMinor < 0 {
			errs = append(errs, &ValidationError{Field: "subtotal_minor", Reason: "must be non-negative"})
		}
	}
	if o.TotalMinor != o.LinesTotal()+o.DeliveryFeeMinor {
		errs = append(errs, &ValidationError{Field: "total_minor", Reason: "does not match lines and delivery fee"})
	}

	return errs
}
