package reconciliation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/events"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/stock"
	"github.com/vladislavdragonenkov/fulfillment/internal/telemetry"
)

// LineOutcome — результат доставки одной позиции.
// Позиции, не упомянутые в запросе, считаются доставленными полностью.
type LineOutcome struct {
	LineID    string
	Delivered int
	Resend    int
	Condition domain.ReturnCondition
}

// PartialDeliveryRequest — частичная доставка заказа.
type PartialDeliveryRequest struct {
	OrderID string
	ActorID string
	Comment string
	Lines   []LineOutcome
}

// PartialDeliveryResult — итог частичной доставки.
type PartialDeliveryResult struct {
	OriginID     string
	Derived      domain.Order
	DerivedState domain.OrderState
	Audit        domain.AuditOperation
	Movements    []domain.StockMovement
	Warnings     []domain.DataConsistencyWarning
	// PreparerSource: original, least_loaded или none.
	PreparerSource string
}

type splitLine struct {
	LineID    string                 `json:"line_id"`
	ArticleID string                 `json:"article_id"`
	Ordered   int                    `json:"ordered"`
	Delivered int                    `json:"delivered"`
	Resend    int                    `json:"resend"`
	Condition domain.ReturnCondition `json:"condition,omitempty"`
}

type partialPayload struct {
	Lines            []splitLine                     `json:"lines"`
	DerivedOrderID   string                          `json:"derived_order_id"`
	DerivedReference string                          `json:"derived_reference"`
	Warnings         []domain.DataConsistencyWarning `json:"warnings,omitempty"`
}

type resendPayload struct {
	OriginOrderID   string `json:"origin_order_id"`
	OriginReference string `json:"origin_reference"`
	PreparerID      string `json:"preparer_id,omitempty"`
	PreparerSource  string `json:"preparer_source"`
}

const (
	preparerOriginal    = "original"
	preparerLeastLoaded = "least_loaded"
	preparerNone        = "none"
)

// PartialDelivery фиксирует частичную доставку одной транзакцией:
// закрывает in_delivery, открывает и сразу закрывает partially_delivered,
// возвращает на склад годные позиции переотправки, создаёт заказ-переотправку
// и открывает на нём in_preparation.
func (e *Engine) PartialDelivery(ctx context.Context, req PartialDeliveryRequest) (PartialDeliveryResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "reconciliation.partial_delivery",
		telemetry.OrderID(req.OrderID), telemetry.OperatorID(req.ActorID))
	started := time.Now()

	derivedID := uuid.NewString()
	var res PartialDeliveryResult
	err := e.store.InTx(ctx, domain.LockScope{Orders: []string{req.OrderID, derivedID}}, func(ctx context.Context, tx domain.Tx) error {
		var err error
		res, err = e.partialDeliveryTx(ctx, tx, req, derivedID)
		return err
	})
	telemetry.End(span, err)
	e.metrics.ObserveOperation("partial_delivery", time.Since(started))
	e.metrics.RecordReconciliation("partial_delivery", result(err))
	if err != nil {
		if domain.IsRetryable(err) {
			e.metrics.RecordContention("partial_delivery")
		}
		return PartialDeliveryResult{}, err
	}

	e.logWarnings("partial_delivery", res.Warnings)
	e.logger.WithFields(log.Fields{
		"order_id":         req.OrderID,
		"derived_order_id": res.Derived.ID,
		"reference":        res.Derived.Reference,
		"preparer":         res.DerivedState.OperatorID,
		"preparer_source":  res.PreparerSource,
		"actor_id":         req.ActorID,
	}).Info("partial delivery reconciled")
	return res, nil
}

func (e *Engine) partialDeliveryTx(ctx context.Context, tx domain.Tx, req PartialDeliveryRequest, derivedID string) (PartialDeliveryResult, error) {
	origin, err := tx.Orders().Get(ctx, req.OrderID)
	if err != nil {
		return PartialDeliveryResult{}, err
	}
	split, err := splitLines(origin, req.Lines)
	if err != nil {
		return PartialDeliveryResult{}, err
	}

	current, err := e.ledger.CurrentIn(ctx, tx, origin.ID)
	if err != nil {
		return PartialDeliveryResult{}, err
	}
	if current == nil || current.Kind != domain.StateInDelivery {
		from := domain.StateKind("")
		if current != nil {
			from = current.Kind
		}
		return PartialDeliveryResult{}, &domain.InvalidTransitionError{
			OrderID: origin.ID, From: from, To: domain.StatePartiallyDelivered,
			Reason: "partial delivery requires an order in delivery",
		}
	}

	change, err := e.ledger.Move(ctx, tx, origin, domain.StatePartiallyDelivered, req.ActorID, req.ActorID, req.Comment)
	if err != nil {
		return PartialDeliveryResult{}, err
	}
	if _, err := e.ledger.CloseOpenState(ctx, tx, origin.ID, req.ActorID); err != nil {
		return PartialDeliveryResult{}, err
	}

	// Годные позиции возвращаются на склад; повреждённые списаны.
	var credits []stock.Entry
	for _, sl := range split {
		if sl.Resend > 0 && sl.Condition == domain.ConditionGood {
			credits = append(credits, stock.Entry{
				ArticleID:  sl.ArticleID,
				Delta:      sl.Resend,
				Kind:       domain.MovementRestockPartial,
				OrderID:    origin.ID,
				OperatorID: req.ActorID,
				Comment:    "partial delivery " + origin.Reference,
			})
		}
	}
	credits, warnings, err := e.restockable(ctx, tx, origin.ID, credits)
	if err != nil {
		return PartialDeliveryResult{}, err
	}
	movements, err := e.stock.RecordBatch(ctx, tx, credits)
	if err != nil {
		return PartialDeliveryResult{}, err
	}

	derived, priceWarnings, err := e.buildDerived(ctx, tx, origin, derivedID, split)
	if err != nil {
		return PartialDeliveryResult{}, err
	}
	warnings = append(warnings, priceWarnings...)
	if err := tx.Orders().Create(ctx, derived); err != nil {
		return PartialDeliveryResult{}, fmt.Errorf("create derived order: %w", err)
	}

	preparer, source, err := e.pickPreparer(ctx, tx, origin.ID)
	if err != nil {
		return PartialDeliveryResult{}, err
	}
	if source == preparerNone {
		warnings = append(warnings, domain.DataConsistencyWarning{
			OrderID: derived.ID,
			Reason:  "no active preparer, derived order left unassigned",
		})
	}
	derivedState, err := e.ledger.OpenState(ctx, tx, derived, domain.StateInPreparation, preparer, "resend of "+origin.Reference)
	if err != nil {
		return PartialDeliveryResult{}, err
	}

	audit, err := e.appendAudit(ctx, tx, origin.ID, domain.AuditPartialDelivery, req.ActorID, change.Opened.ID, req.Comment, partialPayload{
		Lines:            split,
		DerivedOrderID:   derived.ID,
		DerivedReference: derived.Reference,
		Warnings:         warnings,
	})
	if err != nil {
		return PartialDeliveryResult{}, err
	}
	if _, err := e.appendAudit(ctx, tx, derived.ID, domain.AuditResendCreated, req.ActorID, derivedState.ID, req.Comment, resendPayload{
		OriginOrderID:   origin.ID,
		OriginReference: origin.Reference,
		PreparerID:      preparer,
		PreparerSource:  source,
	}); err != nil {
		return PartialDeliveryResult{}, err
	}

	if err := events.Order(ctx, tx, origin.ID, events.OrderPartiallyDelivered, partialPayload{
		Lines:            split,
		DerivedOrderID:   derived.ID,
		DerivedReference: derived.Reference,
	}); err != nil {
		return PartialDeliveryResult{}, err
	}
	if err := events.Order(ctx, tx, derived.ID, events.OrderResendCreated, resendPayload{
		OriginOrderID:   origin.ID,
		OriginReference: origin.Reference,
		PreparerID:      preparer,
		PreparerSource:  source,
	}); err != nil {
		return PartialDeliveryResult{}, err
	}

	return PartialDeliveryResult{
		OriginID:       origin.ID,
		Derived:        derived,
		DerivedState:   derivedState,
		Audit:          audit,
		Movements:      movements,
		Warnings:       warnings,
		PreparerSource: source,
	}, nil
}

// splitLines проверяет сохранение количества: delivered + resend == ordered по каждой позиции.
func splitLines(order domain.Order, outcomes []LineOutcome) ([]splitLine, error) {
	byLine := make(map[string]LineOutcome, len(outcomes))
	for i, o := range outcomes {
		if _, dup := byLine[o.LineID]; dup {
			return nil, &domain.ValidationError{Field: fmt.Sprintf("lines[%d].line_id", i), Reason: "line " + o.LineID + " listed twice"}
		}
		if _, ok := order.Line(o.LineID); !ok {
			return nil, fmt.Errorf("order %s line %s: %w", order.ID, o.LineID, domain.ErrLineNotFound)
		}
		byLine[o.LineID] = o
	}

	out := make([]splitLine, 0, len(order.Lines))
	resendTotal := 0
	for _, line := range order.Lines {
		o, ok := byLine[line.ID]
		if !ok {
			o = LineOutcome{LineID: line.ID, Delivered: line.Quantity}
		}
		if o.Delivered < 0 {
			return nil, &domain.QuantityError{OrderID: order.ID, LineID: line.ID, Field: "delivered", Value: o.Delivered, Limit: 0, Reason: "must not be negative"}
		}
		if o.Resend < 0 {
			return nil, &domain.QuantityError{OrderID: order.ID, LineID: line.ID, Field: "resend", Value: o.Resend, Limit: 0, Reason: "must not be negative"}
		}
		if sum := o.Delivered + o.Resend; sum != line.Quantity {
			return nil, &domain.QuantityError{OrderID: order.ID, LineID: line.ID, Field: "delivered+resend", Value: sum, Limit: line.Quantity, Reason: "must equal the ordered quantity"}
		}
		if o.Resend > 0 && !o.Condition.Valid() {
			return nil, &domain.ValidationError{Field: "lines[" + line.ID + "].condition", Reason: "resend line needs condition good or damaged"}
		}
		resendTotal += o.Resend
		out = append(out, splitLine{
			LineID:    line.ID,
			ArticleID: line.ArticleID,
			Ordered:   line.Quantity,
			Delivered: o.Delivered,
			Resend:    o.Resend,
			Condition: o.Condition,
		})
	}
	if resendTotal == 0 {
		return nil, &domain.ValidationError{Field: "lines", Reason: "nothing to resend, mark the order delivered instead"}
	}
	return out, nil
}

// buildDerived собирает заказ-переотправку из позиций с resend > 0 и пересчитывает цены.
func (e *Engine) buildDerived(ctx context.Context, repos domain.Repositories, origin domain.Order, derivedID string, split []splitLine) (domain.Order, []domain.DataConsistencyWarning, error) {
	existing, err := findResends(ctx, repos, origin)
	if err != nil {
		return domain.Order{}, nil, err
	}

	now := e.now()
	derived := domain.Order{
		ID:          derivedID,
		Reference:   fmt.Sprintf("%s%s%d", origin.Reference, domain.ResendSuffix, len(existing)+1),
		ClientRef:   origin.ClientRef,
		Destination: origin.Destination,
		OriginTag:   domain.OriginTagResend,
		OriginRef:   origin.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, sl := range split {
		if sl.Resend == 0 {
			continue
		}
		line, _ := origin.Line(sl.LineID)
		var subtotal int64
		if line.Quantity > 0 {
			subtotal = line.SubtotalMinor / int64(line.Quantity) * int64(sl.Resend)
		}
		derived.Lines = append(derived.Lines, domain.BasketLine{
			ID:            uuid.NewString(),
			ArticleID:     sl.ArticleID,
			Quantity:      sl.Resend,
			SubtotalMinor: subtotal,
			CreatedAt:     now,
		})
	}

	articles, err := repos.Articles().GetMany(ctx, derived.ArticleIDs())
	if err != nil {
		return domain.Order{}, nil, fmt.Errorf("load articles: %w", err)
	}
	var warnings []domain.DataConsistencyWarning
	for _, id := range e.pricing.RecomputeOrder(&derived, articles) {
		warnings = append(warnings, domain.DataConsistencyWarning{
			OrderID:   derived.ID,
			ArticleID: id,
			Reason:    "article missing from catalog, original unit price kept",
		})
	}
	return derived, warnings, nil
}

// pickPreparer выбирает сборщика переотправки: последний сборщик исходного
// заказа, если он всё ещё активен в пуле сборки, иначе наименее загруженного.
// Более ранние сборщики не рассматриваются: заказ у них забрали.
func (e *Engine) pickPreparer(ctx context.Context, tx domain.Tx, originID string) (string, string, error) {
	lookup, err := operatorIndex(ctx, tx)
	if err != nil {
		return "", "", err
	}
	last, found, err := e.ledger.FindLatest(ctx, tx, originID, domain.KindIs(domain.StateInPreparation))
	if err != nil {
		return "", "", fmt.Errorf("scan history: %w", err)
	}
	if found && domain.OperatorInRole(lookup, domain.RolePreparation)(last) {
		return last.OperatorID, preparerOriginal, nil
	}

	pool, err := tx.Operators().ListActiveByRole(ctx, domain.RolePreparation)
	if err != nil {
		return "", "", fmt.Errorf("list preparers: %w", err)
	}
	if len(pool) == 0 {
		return "", preparerNone, nil
	}
	open, err := tx.States().ListOpenByKinds(ctx, domain.StateInPreparation)
	if err != nil {
		return "", "", fmt.Errorf("list preparation load: %w", err)
	}
	load := make(map[string]int, len(pool))
	for _, st := range open {
		load[st.OperatorID]++
	}
	sort.Slice(pool, func(i, j int) bool {
		if load[pool[i].ID] != load[pool[j].ID] {
			return load[pool[i].ID] < load[pool[j].ID]
		}
		return pool[i].ID < pool[j].ID
	})
	return pool[0].ID, preparerLeastLoaded, nil
}
