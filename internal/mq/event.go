package mq

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ChinmaiMod/staffinghrms-sub000/internal/model"
)

// Kind is the change-event kind pushed by the backend when a notification
// row is created, updated or deleted.
type Kind string

const (
	KindCreated Kind = "created"
	KindUpdated Kind = "updated"
	KindDeleted Kind = "deleted"
)

// ChangeEvent is the wire envelope for notification change events.
// Record is set for created/updated; ID is set for deleted. EventID is
// assigned by the producer and used only for redelivery deduplication.
type ChangeEvent struct {
	EventID     string              `json:"event_id"`
	Kind        Kind                `json:"kind"`
	RecipientID string              `json:"recipient_id"`
	Record      *model.Notification `json:"record,omitempty"`
	ID          string              `json:"id,omitempty"`
	OccurredAt  time.Time           `json:"occurred_at"`
	TraceID     string              `json:"trace_id,omitempty"`
}

// NewChangeEvent builds an envelope for a created/updated event.
func NewChangeEvent(kind Kind, record *model.Notification) ChangeEvent {
	return ChangeEvent{
		EventID:     uuid.New().String(),
		Kind:        kind,
		RecipientID: record.RecipientID,
		Record:      record,
		OccurredAt:  time.Now().UTC(),
	}
}

// NewDeleteEvent builds an envelope for a deleted event.
func NewDeleteEvent(recipientID, id string) ChangeEvent {
	return ChangeEvent{
		EventID:     uuid.New().String(),
		Kind:        KindDeleted,
		RecipientID: recipientID,
		ID:          id,
		OccurredAt:  time.Now().UTC(),
	}
}

// DeletedID returns the id the event removes, regardless of whether the
// producer filled ID or a full Record.
func (e *ChangeEvent) DeletedID() string {
	if e.ID != "" {
		return e.ID
	}
	if e.Record != nil {
		return e.Record.ID
	}
	return ""
}

// Validate checks the envelope is structurally sound. It does not check the
// recipient scope; that is the subscriber's protocol check.
func (e *ChangeEvent) Validate() error {
	switch e.Kind {
	case KindCreated, KindUpdated:
		if e.Record == nil {
			return fmt.Errorf("%s event without record", e.Kind)
		}
		if e.Record.ID == "" {
			return fmt.Errorf("%s event with empty record id", e.Kind)
		}
	case KindDeleted:
		if e.DeletedID() == "" {
			return fmt.Errorf("deleted event without id")
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.RecipientID == "" {
		return fmt.Errorf("%s event without recipient_id", e.Kind)
	}
	return nil
}

// Decode parses a raw message body into a ChangeEvent.
func Decode(body []byte) (ChangeEvent, error) {
	var e ChangeEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return ChangeEvent{}, fmt.Errorf("failed to decode change event: %w", err)
	}
	return e, nil
}

// RoutingKey returns the per-recipient routing key, e.g.
// "notification.changed.<recipientID>".
func RoutingKey(recipientID string) string {
	return "notification.changed." + recipientID
}

// QueueName returns the per-session queue name for a recipient, e.g.
// "inbox.<recipientID>.q". The queue is declared exclusive and auto-delete,
// so events published while the session is down are dropped by the broker;
// the subscriber's resync-on-reconnect covers that gap.
func QueueName(recipientID string) string {
	return "inbox." + recipientID + ".q"
}
