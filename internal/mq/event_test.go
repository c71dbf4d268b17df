package mq

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChinmaiMod/staffinghrms-sub000/internal/model"
)

func sampleRecord() *model.Notification {
	return &model.Notification{
		ID:          "n-1",
		RecipientID: "emp-1",
		Type:        model.TypeApprovalRequired,
		Priority:    model.PriorityHigh,
		Title:       "Approval needed",
		Version:     3,
		CreatedAt:   time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestNewChangeEvent(t *testing.T) {
	rec := sampleRecord()
	ev := NewChangeEvent(KindUpdated, rec)

	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, KindUpdated, ev.Kind)
	assert.Equal(t, "emp-1", ev.RecipientID)
	assert.Same(t, rec, ev.Record)
	assert.False(t, ev.OccurredAt.IsZero())
	require.NoError(t, ev.Validate())
}

func TestNewDeleteEvent(t *testing.T) {
	ev := NewDeleteEvent("emp-1", "n-1")

	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, KindDeleted, ev.Kind)
	assert.Equal(t, "emp-1", ev.RecipientID)
	assert.Equal(t, "n-1", ev.ID)
	assert.Nil(t, ev.Record)
	require.NoError(t, ev.Validate())
}

func TestChangeEvent_DeletedID(t *testing.T) {
	ev := ChangeEvent{Kind: KindDeleted, ID: "n-1"}
	assert.Equal(t, "n-1", ev.DeletedID())

	// producers may ship the full record instead of a bare id
	ev = ChangeEvent{Kind: KindDeleted, Record: sampleRecord()}
	assert.Equal(t, "n-1", ev.DeletedID())

	ev = ChangeEvent{Kind: KindDeleted}
	assert.Equal(t, "", ev.DeletedID())
}

func TestChangeEvent_Validate(t *testing.T) {
	tests := []struct {
		name    string
		event   ChangeEvent
		wantErr bool
	}{
		{
			name:    "valid created",
			event:   ChangeEvent{Kind: KindCreated, RecipientID: "emp-1", Record: sampleRecord()},
			wantErr: false,
		},
		{
			name:    "created without record",
			event:   ChangeEvent{Kind: KindCreated, RecipientID: "emp-1"},
			wantErr: true,
		},
		{
			name:    "updated with empty record id",
			event:   ChangeEvent{Kind: KindUpdated, RecipientID: "emp-1", Record: &model.Notification{}},
			wantErr: true,
		},
		{
			name:    "valid deleted",
			event:   ChangeEvent{Kind: KindDeleted, RecipientID: "emp-1", ID: "n-1"},
			wantErr: false,
		},
		{
			name:    "deleted without id",
			event:   ChangeEvent{Kind: KindDeleted, RecipientID: "emp-1"},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			event:   ChangeEvent{Kind: "archived", RecipientID: "emp-1", ID: "n-1"},
			wantErr: true,
		},
		{
			name:    "missing recipient",
			event:   ChangeEvent{Kind: KindDeleted, ID: "n-1"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	src := NewChangeEvent(KindCreated, sampleRecord())
	src.TraceID = "trace-123"
	body, err := json.Marshal(src)
	require.NoError(t, err)

	ev, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, src.EventID, ev.EventID)
	assert.Equal(t, KindCreated, ev.Kind)
	assert.Equal(t, "emp-1", ev.RecipientID)
	assert.Equal(t, "trace-123", ev.TraceID)
	require.NotNil(t, ev.Record)
	assert.Equal(t, "n-1", ev.Record.ID)
	assert.Equal(t, int64(3), ev.Record.Version)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	assert.Error(t, err)
}

func TestRoutingKeyAndQueueName(t *testing.T) {
	assert.Equal(t, "notification.changed.emp-1", RoutingKey("emp-1"))
	assert.Equal(t, "inbox.emp-1.q", QueueName("emp-1"))
}
