package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/ledger"
)

// StateTransitioner — часть ledger, нужная обработчику отчётов доставки.
type StateTransitioner interface {
	CurrentState(ctx context.Context, orderID string) (*domain.OrderState, error)
	Transition(ctx context.Context, req ledger.TransitionRequest) (ledger.Change, error)
}

var _ StateTransitioner = (*ledger.Ledger)(nil)

// NewDeliveryReportHandler переводит заказ в delivered или returned по отчёту
// перевозчика. Повторный отчёт для заказа, уже находящегося в целевом
// состоянии, подтверждается без изменений.
func NewDeliveryReportHandler(states StateTransitioner, logger *log.Entry) MessageHandler {
	if logger == nil {
		logger = log.WithField("component", "delivery-report-handler")
	}
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		report, err := ParseDeliveryReport(message)
		if err != nil {
			return err
		}
		target, _ := report.Outcome.TargetState()

		current, err := states.CurrentState(ctx, report.OrderID)
		if err != nil {
			return fmt.Errorf("order %s: %w", report.OrderID, err)
		}
		if current != nil && current.Kind == target {
			logger.WithFields(log.Fields{
				"order_id": report.OrderID,
				"state":    target,
			}).Debug("duplicate delivery report ignored")
			return nil
		}

		comment := report.Comment
		if comment == "" && report.CarrierRef != "" {
			comment = "carrier " + report.CarrierRef
		}
		_, err = states.Transition(ctx, ledger.TransitionRequest{
			OrderID: report.OrderID,
			To:      target,
			ActorID: domain.SystemOperatorID,
			Comment: comment,
		})
		if err != nil {
			return err
		}

		logger.WithFields(log.Fields{
			"order_id":    report.OrderID,
			"outcome":     report.Outcome,
			"carrier_ref": report.CarrierRef,
		}).Info("delivery report applied")
		return nil
	}
}
