package model

import "time"

// Type is the notification category. The set is fixed by the backend;
// the engine never interprets it beyond filtering.
type Type string

const (
	TypeDocumentExpiry     Type = "document-expiry"
	TypeApprovalRequired   Type = "approval-required"
	TypeComplianceReminder Type = "compliance-reminder"
	TypeTimesheetDue       Type = "timesheet-due"
	TypeSystemAnnouncement Type = "system-announcement"
)

// Priority is the notification urgency level, ordered low < normal < high < critical.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// priorityRank maps priorities to their ordering. Unknown values rank below low.
var priorityRank = map[Priority]int{
	PriorityLow:      1,
	PriorityNormal:   2,
	PriorityHigh:     3,
	PriorityCritical: 4,
}

// Rank returns the numeric ordering of the priority for comparisons.
func (p Priority) Rank() int {
	return priorityRank[p]
}

// Notification is one row of the notifications table as seen by the engine.
// ID and RecipientID are immutable; Version increases on every server-side
// write and is the only field used to order conflicting updates.
type Notification struct {
	ID          string     `json:"id"`
	RecipientID string     `json:"recipient_id"`
	Type        Type       `json:"type"`
	Priority    Priority   `json:"priority"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	IsRead      bool       `json:"is_read"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	ActionRef   string     `json:"action_ref,omitempty"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Before reports whether n sorts before other in inbox order:
// created_at descending, ties broken by id ascending.
func (n *Notification) Before(other *Notification) bool {
	if !n.CreatedAt.Equal(other.CreatedAt) {
		return n.CreatedAt.After(other.CreatedAt)
	}
	return n.ID < other.ID
}

// Clone returns a deep copy so store snapshots cannot alias internal state.
func (n *Notification) Clone() *Notification {
	c := *n
	if n.ReadAt != nil {
		t := *n.ReadAt
		c.ReadAt = &t
	}
	return &c
}
