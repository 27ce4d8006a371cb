package events

import (
	"time"

	"github.com/spec-kit/ticket-gateway/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventTicketCreated      EventType = "ticket_created"
	EventTicketSubmitted    EventType = "ticket_submitted"
	EventTicketSubmitFailed EventType = "ticket_submit_failed"
	EventAttachmentFailed   EventType = "attachment_failed"
)

// Event represents a workflow event emitted by the ticket service.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Reference string         `json:"reference"`
	Variant   domain.Variant `json:"variant"`
	RequestID string         `json:"request_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   interface{}    `json:"payload,omitempty"`
}

// StepFailedPayload describes a failed workflow step.
type StepFailedPayload struct {
	Step  domain.StepName `json:"step"`
	Error string          `json:"error"`
}

// TicketSubmittedPayload summarises a completed run.
type TicketSubmittedPayload struct {
	Steps []domain.StepName `json:"steps"`
}
