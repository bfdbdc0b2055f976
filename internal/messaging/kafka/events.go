package kafka

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
)

// Topics по умолчанию.
const (
	TopicFulfillmentEvents = "fulfillment.events"
	TopicDeliveryReports   = "fulfillment.delivery-reports"
	TopicDeadLetterQueue   = "fulfillment.dlq"
)

// Kafka headers.
const (
	HeaderEventType     = "x-event-type"
	HeaderAggregateType = "x-aggregate-type"
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// Envelope — формат события outbox в топике.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
	PublishedAt   time.Time       `json:"published_at"`
}

// DeliveryOutcome — итог доставки по отчёту перевозчика.
type DeliveryOutcome string

const (
	OutcomeDelivered DeliveryOutcome = "delivered"
	OutcomeReturned  DeliveryOutcome = "returned"
)

// TargetState возвращает состояние заказа для итога доставки.
func (o DeliveryOutcome) TargetState() (domain.StateKind, bool) {
	switch o {
	case OutcomeDelivered:
		return domain.StateDelivered, true
	case OutcomeReturned:
		return domain.StateReturned, true
	default:
		return "", false
	}
}

// DeliveryReport — сообщение перевозчика о доставке заказа.
type DeliveryReport struct {
	OrderID    string          `json:"order_id"`
	Outcome    DeliveryOutcome `json:"outcome"`
	CarrierRef string          `json:"carrier_ref,omitempty"`
	Comment    string          `json:"comment,omitempty"`
	ReportedAt time.Time       `json:"reported_at"`
}

// ParseDeliveryReport разбирает и проверяет отчёт перевозчика.
func ParseDeliveryReport(message *sarama.ConsumerMessage) (DeliveryReport, error) {
	var report DeliveryReport
	if err := json.Unmarshal(message.Value, &report); err != nil {
		return DeliveryReport{}, &domain.ValidationError{Field: "payload", Reason: fmt.Sprintf("malformed delivery report: %v", err)}
	}
	report.OrderID = strings.TrimSpace(report.OrderID)
	if report.OrderID == "" {
		report.OrderID = strings.TrimSpace(string(message.Key))
	}
	if report.OrderID == "" {
		return DeliveryReport{}, &domain.ValidationError{Field: "order_id", Reason: "is required"}
	}
	if _, ok := report.Outcome.TargetState(); !ok {
		return DeliveryReport{}, &domain.ValidationError{Field: "outcome", Reason: fmt.Sprintf("unknown outcome %q", report.Outcome)}
	}
	return report, nil
}

func headerValue(headers []*sarama.RecordHeader, key string) string {
	for _, h := range headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}
