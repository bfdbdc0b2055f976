// Package audit даёт чтение журнала аудита и единственную допустимую
// правку: замену текста заключения с сохранением прежнего.
package audit

import (
	"context"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/events"
)

// ConclusionEdited — полезная нагрузка события правки заключения.
type ConclusionEdited struct {
	AuditID            string    `json:"audit_id"`
	OrderID            string    `json:"order_id"`
	EditorID           string    `json:"editor_id"`
	PreviousConclusion string    `json:"previous_conclusion"`
	Conclusion         string    `json:"conclusion"`
	At                 time.Time `json:"at"`
}

// Log — журнал аудита заказов.
type Log struct {
	store  domain.Store
	logger *log.Entry
	now    func() time.Time
}

// New создаёт журнал.
func New(store domain.Store, logger *log.Entry) *Log {
	if logger == nil {
		logger = log.New().WithField("component", "audit-log")
	}
	return &Log{store: store, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// ForOrder возвращает записи аудита заказа в порядке создания.
func (l *Log) ForOrder(ctx context.Context, orderID string) ([]domain.AuditOperation, error) {
	if _, err := l.store.Orders().Get(ctx, orderID); err != nil {
		return nil, err
	}
	return l.store.Audit().ListByOrder(ctx, orderID)
}

// EditConclusion заменяет текст заключения. Редактор должен быть активным оператором.
func (l *Log) EditConclusion(ctx context.Context, auditID, editorID, conclusion string) (domain.AuditOperation, error) {
	if strings.TrimSpace(conclusion) == "" {
		return domain.AuditOperation{}, &domain.ValidationError{Field: "conclusion", Reason: "must not be empty"}
	}

	current, err := l.store.Audit().Get(ctx, auditID)
	if err != nil {
		return domain.AuditOperation{}, err
	}

	var updated domain.AuditOperation
	err = l.store.InTx(ctx, domain.LockScope{Orders: []string{current.OrderID}}, func(ctx context.Context, tx domain.Tx) error {
		editor, err := tx.Operators().Get(ctx, editorID)
		if err != nil {
			return &domain.InvalidOperatorError{OperatorID: editorID, Reason: "unknown editor"}
		}
		if !editor.Active {
			return &domain.InvalidOperatorError{OperatorID: editorID, Role: editor.Role, Reason: "operator is inactive"}
		}

		updated, err = tx.Audit().UpdateConclusion(ctx, domain.ConclusionEdit{
			AuditID:    auditID,
			EditorID:   editorID,
			Conclusion: conclusion,
			At:         l.now(),
		})
		if err != nil {
			return err
		}
		return events.Enqueue(ctx, tx.Outbox(), events.AggregateAudit, auditID, events.AuditConclusionEdited, ConclusionEdited{
			AuditID:            auditID,
			OrderID:            updated.OrderID,
			EditorID:           editorID,
			PreviousConclusion: updated.PreviousConclusion,
			Conclusion:         updated.Conclusion,
			At:                 *updated.EditedAt,
		})
	})
	if err != nil {
		return domain.AuditOperation{}, err
	}

	l.logger.WithFields(log.Fields{
		"audit_id":  auditID,
		"order_id":  updated.OrderID,
		"editor_id": editorID,
		"previous":  updated.PreviousConclusion,
	}).Info("audit conclusion edited")
	return updated, nil
}
