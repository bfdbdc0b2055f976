package domain

import (
	"encoding/json"
	"time"
)

// AuditKind фиксирует, кто и почему изменил состояние заказа.
type AuditKind string

const (
	AuditAssignedByAdmin        AuditKind = "assigned_by_admin"
	AuditAssignedBySupervisor   AuditKind = "assigned_by_supervisor"
	AuditReassignedByAdmin      AuditKind = "reassigned_by_admin"
	AuditReassignedBySupervisor AuditKind = "reassigned_by_supervisor"
	AuditAutoDistributed        AuditKind = "auto_distributed"
	AuditAutoRebalanced         AuditKind = "auto_rebalanced"
	AuditPartialDelivery        AuditKind = "partial_delivery"
	AuditResendCreated          AuditKind = "resend_created"
	AuditProblemEscalated       AuditKind = "problem_escalated"
	AuditStateRepaired          AuditKind = "state_repaired"
)

// AuditOperation — неизменяемая запись о причине перехода.
// Единственное допустимое изменение: правка текста заключения оператором.
type AuditOperation struct {
	ID         string
	OrderID    string
	Kind       AuditKind
	OperatorID string
	// StateID — состояние, открытое (или закрытое) этим действием.
	StateID    string
	Conclusion string
	Payload    json.RawMessage
	CreatedAt  time.Time

	EditedAt           *time.Time
	EditedBy           string
	PreviousConclusion string
}

// ConclusionEdit описывает правку текста заключения.
type ConclusionEdit struct {
	AuditID    string
	EditorID   string
	Conclusion string
	At         time.Time
}
