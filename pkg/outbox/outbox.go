package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Event 表示一个待发布的变更事件
type Event struct {
	ID             int64
	NotificationID string
	RecipientID    string
	RoutingKey     string
	Payload        json.RawMessage
	Status         string
	RetryCount     int
	NextRetryAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewEvent 构造一条待入队的事件记录
func NewEvent(notificationID, recipientID, routingKey string, payload any) (*Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal outbox payload: %w", err)
	}
	return &Event{
		NotificationID: notificationID,
		RecipientID:    recipientID,
		RoutingKey:     routingKey,
		Payload:        body,
		Status:         "pending",
	}, nil
}

// Repository 提供 Outbox 表的读写
type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// InsertEventInTx 在事务中插入事件
// 必须与业务写入共用同一个事务，保证行变更与事件原子落库
func (r *Repository) InsertEventInTx(ctx context.Context, tx pgx.Tx, event *Event) error {
	query := `
        INSERT INTO outbox_events (notification_id, recipient_id, routing_key, payload, status)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING id, created_at, updated_at
    `
	err := tx.QueryRow(ctx, query,
		event.NotificationID,
		event.RecipientID,
		event.RoutingKey,
		event.Payload,
		event.Status,
	).Scan(&event.ID, &event.CreatedAt, &event.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

// GetPendingEvents 按入库顺序获取待发送的事件
// 入库顺序即提交顺序，保证同一收件人的事件按序投递
func (r *Repository) GetPendingEvents(ctx context.Context, limit int) ([]*Event, error) {
	query := `
        SELECT id, notification_id, recipient_id, routing_key, payload, status,
               retry_count, next_retry_at, created_at, updated_at
        FROM outbox_events
        WHERE status = 'pending'
        AND (next_retry_at IS NULL OR next_retry_at <= NOW())
        ORDER BY id ASC
        LIMIT $1
    `
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// MarkAsSent 标记事件为已发送
func (r *Repository) MarkAsSent(ctx context.Context, eventID int64) error {
	query := `
        UPDATE outbox_events
        SET status = 'sent', updated_at = NOW()
        WHERE id = $1
    `
	_, err := r.db.Exec(ctx, query, eventID)
	if err != nil {
		return fmt.Errorf("failed to mark event as sent: %w", err)
	}
	return nil
}

// MarkAsFailed 增加重试次数并安排下次重试；超过上限后停止重试
func (r *Repository) MarkAsFailed(ctx context.Context, eventID int64, maxRetries int) error {
	var retryCount int
	err := r.db.QueryRow(ctx, `
        SELECT retry_count FROM outbox_events WHERE id = $1
    `, eventID).Scan(&retryCount)
	if err != nil {
		return fmt.Errorf("failed to get retry count: %w", err)
	}

	retryCount++

	var status string
	var nextRetryAt *time.Time
	if retryCount >= maxRetries {
		status = "failed"
		nextRetryAt = nil
	} else {
		status = "pending"
		nextRetry := time.Now().Add(time.Duration(retryCount) * 5 * time.Second)
		nextRetryAt = &nextRetry
	}

	query := `
        UPDATE outbox_events
        SET status = $1, retry_count = $2, next_retry_at = $3, updated_at = NOW()
        WHERE id = $4
    `
	_, err = r.db.Exec(ctx, query, status, retryCount, nextRetryAt, eventID)
	if err != nil {
		return fmt.Errorf("failed to mark event as failed: %w", err)
	}
	return nil
}

// GetEventByID 根据 ID 获取事件
func (r *Repository) GetEventByID(ctx context.Context, eventID int64) (*Event, error) {
	query := `
        SELECT id, notification_id, recipient_id, routing_key, payload, status,
               retry_count, next_retry_at, created_at, updated_at
        FROM outbox_events
        WHERE id = $1
    `
	var e Event
	err := r.db.QueryRow(ctx, query, eventID).Scan(
		&e.ID,
		&e.NotificationID,
		&e.RecipientID,
		&e.RoutingKey,
		&e.Payload,
		&e.Status,
		&e.RetryCount,
		&e.NextRetryAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("event not found: %d", eventID)
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return &e, nil
}

// ReplayEvent 将事件重置为 pending，由 Dispatcher 在下个周期重新投递
func (r *Repository) ReplayEvent(ctx context.Context, eventID int64) error {
	query := `
        UPDATE outbox_events
        SET status = 'pending', retry_count = 0, next_retry_at = NULL, updated_at = NOW()
        WHERE id = $1
    `
	_, err := r.db.Exec(ctx, query, eventID)
	if err != nil {
		return fmt.Errorf("failed to replay event: %w", err)
	}
	return nil
}

// GetFailedEvents 获取投递失败的事件（用于管理接口）
func (r *Repository) GetFailedEvents(ctx context.Context, limit int) ([]*Event, error) {
	query := `
        SELECT id, notification_id, recipient_id, routing_key, payload, status,
               retry_count, next_retry_at, created_at, updated_at
        FROM outbox_events
        WHERE status = 'failed'
        ORDER BY created_at DESC
        LIMIT $1
    `
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		var e Event
		err := rows.Scan(
			&e.ID,
			&e.NotificationID,
			&e.RecipientID,
			&e.RoutingKey,
			&e.Payload,
			&e.Status,
			&e.RetryCount,
			&e.NextRetryAt,
			&e.CreatedAt,
			&e.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
