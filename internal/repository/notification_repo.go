package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ChinmaiMod/staffinghrms-sub000/internal/model"
	"github.com/ChinmaiMod/staffinghrms-sub000/internal/mq"
	"github.com/ChinmaiMod/staffinghrms-sub000/pkg/outbox"
	"github.com/ChinmaiMod/staffinghrms-sub000/pkg/trace"
)

var (
	// ErrNotFound reports that the notification row does not exist for the
	// recipient. A delete against a missing row is treated as success by the
	// caller; a read-state change against a missing row means the record was
	// removed remotely.
	ErrNotFound = errors.New("notification not found")

	// ErrConflict reports that the row's version no longer matches the
	// version the caller last observed. Match with errors.Is.
	ErrConflict = errors.New("notification version conflict")
)

// ConflictError carries the row's current server state alongside ErrConflict
// so the caller can reconcile without another round trip.
type ConflictError struct {
	Current *model.Notification
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("notification version conflict: server at version %d", e.Current.Version)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

const notificationColumns = `id, recipient_id, type, priority, title, body, is_read, read_at, action_ref, version, created_at`

// NotificationRepository is the authoritative notification boundary. Every
// write commits the row change together with an outbox change event in one
// transaction; the dispatcher delivers the event to subscribed sessions
// after commit.
type NotificationRepository struct {
	db     *pgxpool.Pool
	outbox *outbox.Repository
	logger *zap.Logger
}

func NewNotificationRepository(db *pgxpool.Pool, outboxRepo *outbox.Repository, logger *zap.Logger) *NotificationRepository {
	return &NotificationRepository{
		db:     db,
		outbox: outboxRepo,
		logger: logger,
	}
}

// Insert stores a new notification at version 1 and enqueues the created
// event.
func (r *NotificationRepository) Insert(ctx context.Context, n *model.Notification) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
        INSERT INTO notifications (id, recipient_id, type, priority, title, body, is_read, read_at, action_ref, version, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, NOW())
        RETURNING version, created_at
    `
	err = tx.QueryRow(ctx, query,
		n.ID,
		n.RecipientID,
		n.Type,
		n.Priority,
		n.Title,
		n.Body,
		n.IsRead,
		n.ReadAt,
		n.ActionRef,
	).Scan(&n.Version, &n.CreatedAt)
	if err != nil {
		r.logger.Error("Failed to insert notification",
			zap.String("id", n.ID),
			zap.Error(err),
		)
		return err
	}

	if err := r.emitChange(ctx, tx, mq.NewChangeEvent(mq.KindCreated, n)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// List returns one page of the recipient's notifications in inbox order
// (newest first, id as tiebreak) plus the total count of records matching
// the filter. This is the authoritative read used for the initial load and
// every resync; with an empty filter and a page limit it walks the full
// inbox.
func (r *NotificationRepository) List(ctx context.Context, recipientID string, f model.ListFilter, p model.Page) ([]model.Notification, int, error) {
	where, args := buildListFilter(recipientID, f)

	var total int
	countQuery := `SELECT COUNT(*) FROM notifications WHERE ` + where
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE ` + where +
		` ORDER BY created_at DESC, id ASC`
	if p.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, p.Limit)
	}
	if p.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", len(args)+1)
		args = append(args, p.Offset)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	notifications := []model.Notification{}
	for rows.Next() {
		var n model.Notification
		if err := scanNotification(rows, &n); err != nil {
			return nil, 0, err
		}
		notifications = append(notifications, n)
	}

	return notifications, total, rows.Err()
}

// buildListFilter renders the WHERE clause shared by the page and count
// queries.
func buildListFilter(recipientID string, f model.ListFilter) (string, []any) {
	where := "recipient_id = $1"
	args := []any{recipientID}
	if f.Type != "" {
		args = append(args, f.Type)
		where += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if f.IsRead != nil {
		args = append(args, *f.IsRead)
		where += fmt.Sprintf(" AND is_read = $%d", len(args))
	}
	return where, args
}

// CountUnread returns the recipient's authoritative unread count.
func (r *NotificationRepository) CountUnread(ctx context.Context, recipientID string) (int, error) {
	query := `
        SELECT COUNT(*)
        FROM notifications
        WHERE recipient_id = $1 AND is_read = FALSE
    `
	var count int
	err := r.db.QueryRow(ctx, query, recipientID).Scan(&count)
	return count, err
}

// Get returns a single notification scoped to the recipient.
func (r *NotificationRepository) Get(ctx context.Context, recipientID, id string) (*model.Notification, error) {
	query := `
        SELECT ` + notificationColumns + `
        FROM notifications
        WHERE id = $1 AND recipient_id = $2
    `
	var n model.Notification
	err := scanNotification(r.db.QueryRow(ctx, query, id, recipientID), &n)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// UpdateReadState flips a notification's read flag, gated on the version the
// caller last observed. On success the returned record carries the new
// version and the updated event is enqueued. A version mismatch yields a
// ConflictError with the row's current state; a missing row yields
// ErrNotFound.
func (r *NotificationRepository) UpdateReadState(ctx context.Context, recipientID, id string, read bool, expectedVersion int64) (*model.Notification, error) {
	r.logger.Debug("Updating read state",
		zap.String("id", id),
		zap.Bool("read", read),
		zap.Int64("expected_version", expectedVersion),
	)

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query := `
        UPDATE notifications
        SET is_read = $1,
            read_at = CASE WHEN $1 THEN COALESCE(read_at, NOW()) ELSE NULL END,
            version = version + 1
        WHERE id = $2 AND recipient_id = $3 AND version = $4
        RETURNING ` + notificationColumns + `
    `
	var n model.Notification
	err = scanNotification(tx.QueryRow(ctx, query, read, id, recipientID, expectedVersion), &n)
	if err == nil {
		if err := r.emitChange(ctx, tx, mq.NewChangeEvent(mq.KindUpdated, &n)); err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return &n, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		r.logger.Error("Failed to update read state",
			zap.String("id", id),
			zap.Error(err),
		)
		return nil, err
	}

	// 没有命中：要么记录已被删除，要么版本已过期
	return nil, r.conflictFor(ctx, recipientID, id)
}

// BulkMarkAllRead marks every unread notification read and returns the
// updated rows so the caller can adopt the new versions. No version gate:
// the predicate is evaluated server side. One updated event is enqueued per
// affected row.
func (r *NotificationRepository) BulkMarkAllRead(ctx context.Context, recipientID string) ([]model.Notification, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query := `
        UPDATE notifications
        SET is_read = TRUE,
            read_at = COALESCE(read_at, NOW()),
            version = version + 1
        WHERE recipient_id = $1 AND is_read = FALSE
        RETURNING ` + notificationColumns + `
    `
	rows, err := tx.Query(ctx, query, recipientID)
	if err != nil {
		return nil, err
	}

	updated := []model.Notification{}
	for rows.Next() {
		var n model.Notification
		if err := scanNotification(rows, &n); err != nil {
			rows.Close()
			return nil, err
		}
		updated = append(updated, n)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range updated {
		if err := r.emitChange(ctx, tx, mq.NewChangeEvent(mq.KindUpdated, &updated[i])); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	r.logger.Info("Marked all notifications read",
		zap.String("recipient_id", recipientID),
		zap.Int("updated", len(updated)),
	)
	return updated, nil
}

// Delete removes a notification, gated on the version the caller last
// observed, and enqueues the deleted event. A missing row yields
// ErrNotFound; a version mismatch yields a ConflictError with the row's
// current state.
func (r *NotificationRepository) Delete(ctx context.Context, recipientID, id string, expectedVersion int64) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
        DELETE FROM notifications
        WHERE id = $1 AND recipient_id = $2 AND version = $3
    `
	tag, err := tx.Exec(ctx, query, id, recipientID, expectedVersion)
	if err != nil {
		r.logger.Error("Failed to delete notification",
			zap.String("id", id),
			zap.Error(err),
		)
		return err
	}
	if tag.RowsAffected() > 0 {
		if err := r.emitChange(ctx, tx, mq.NewDeleteEvent(recipientID, id)); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	return r.conflictFor(ctx, recipientID, id)
}

// emitChange enqueues a change event in the caller's transaction. The
// enclosing trace id rides along in the payload so consumer logs line up
// with the originating request.
func (r *NotificationRepository) emitChange(ctx context.Context, tx pgx.Tx, ev mq.ChangeEvent) error {
	ev.TraceID = trace.FromContext(ctx)

	notificationID := ev.ID
	if ev.Record != nil {
		notificationID = ev.Record.ID
	}
	event, err := outbox.NewEvent(notificationID, ev.RecipientID, mq.RoutingKey(ev.RecipientID), ev)
	if err != nil {
		return err
	}
	if err := r.outbox.InsertEventInTx(ctx, tx, event); err != nil {
		r.logger.Error("Failed to enqueue change event",
			zap.String("id", notificationID),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// conflictFor distinguishes a stale version from a deleted row after a gated
// write missed.
func (r *NotificationRepository) conflictFor(ctx context.Context, recipientID, id string) error {
	current, err := r.Get(ctx, recipientID, id)
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return &ConflictError{Current: current}
}

func scanNotification(row pgx.Row, n *model.Notification) error {
	return row.Scan(
		&n.ID,
		&n.RecipientID,
		&n.Type,
		&n.Priority,
		&n.Title,
		&n.Body,
		&n.IsRead,
		&n.ReadAt,
		&n.ActionRef,
		&n.Version,
		&n.CreatedAt,
	)
}
