package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChinmaiMod/staffinghrms-sub000/internal/model"
	"github.com/ChinmaiMod/staffinghrms-sub000/internal/repository"
	"github.com/ChinmaiMod/staffinghrms-sub000/pkg/circuitbreaker"
	"github.com/ChinmaiMod/staffinghrms-sub000/pkg/metrics"
	"github.com/ChinmaiMod/staffinghrms-sub000/pkg/util"
)

// MutationBackend is the remote write boundary the coordinator drives.
// Confirmed writes fan out to sibling sessions through the backend's own
// event pipeline, so the coordinator never publishes anything itself.
// *repository.NotificationRepository satisfies it.
type MutationBackend interface {
	UpdateReadState(ctx context.Context, recipientID, id string, read bool, expectedVersion int64) (*model.Notification, error)
	BulkMarkAllRead(ctx context.Context, recipientID string) ([]model.Notification, error)
	Delete(ctx context.Context, recipientID, id string, expectedVersion int64) error
	CountUnread(ctx context.Context, recipientID string) (int, error)
}

// Coordinator applies user mutations optimistically, confirms them against
// the backend and rolls back or reconciles on rejection. Remote writes are
// guarded by a circuit breaker and a per-call timeout.
type Coordinator struct {
	recipientID   string
	store         *Store
	backend       MutationBackend
	breaker       *circuitbreaker.CircuitBreaker
	timeout       time.Duration
	requestResync func()
	logger        *zap.Logger
}

func NewCoordinator(
	recipientID string,
	store *Store,
	backend MutationBackend,
	breaker *circuitbreaker.CircuitBreaker,
	timeout time.Duration,
	requestResync func(),
	logger *zap.Logger,
) *Coordinator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Coordinator{
		recipientID:   recipientID,
		store:         store,
		backend:       backend,
		breaker:       breaker,
		timeout:       timeout,
		requestResync: requestResync,
		logger:        logger,
	}
}

// MarkRead flips one notification to read. The local effect is visible
// immediately; the remote write carries the record's last-known version. On
// rejection the captured fields are restored and, for conflicts, the record
// is reconciled from the server's current state with the unread counter
// re-anchored from the authoritative count.
func (c *Coordinator) MarkRead(ctx context.Context, id string) error {
	m := Mutation{ID: uuid.New().String(), Kind: MutationMarkRead, RecordID: id}
	prior, affected, err := c.store.BeginOptimistic(m)
	if err != nil {
		return err
	}
	if affected == 0 {
		// 已经是已读，无需远程写
		return nil
	}

	var updated *model.Notification
	err = c.remoteCall(ctx, "update_read_state", func(cctx context.Context) error {
		var callErr error
		updated, callErr = c.backend.UpdateReadState(cctx, c.recipientID, id, true, prior.Version)
		return callErr
	})
	if err == nil {
		c.store.CommitOptimistic(m.ID, []model.Notification{*updated})
		metrics.IncrementMutation(MutationMarkRead.String(), "committed")
		return nil
	}

	c.store.RollbackOptimistic(m.ID)
	return c.resolveFailure(ctx, MutationMarkRead, id, err)
}

// MarkAllRead flips every unread notification in one coordinated batch and
// returns the server-side affected count. On failure no per-record rollback
// is attempted: the unread counter is re-anchored from the authoritative
// count and a full resync is scheduled to repair the flipped read states.
func (c *Coordinator) MarkAllRead(ctx context.Context) (int, error) {
	m := Mutation{ID: uuid.New().String(), Kind: MutationMarkAllRead}
	_, flipped, err := c.store.BeginOptimistic(m)
	if err != nil {
		return 0, err
	}

	var updated []model.Notification
	err = c.remoteCall(ctx, "bulk_mark_all_read", func(cctx context.Context) error {
		var callErr error
		updated, callErr = c.backend.BulkMarkAllRead(cctx, c.recipientID)
		return callErr
	})
	if err == nil {
		c.store.CommitOptimistic(m.ID, updated)
		metrics.IncrementMutation(MutationMarkAllRead.String(), "committed")
		return len(updated), nil
	}

	// 批量失败：不逐条回滚，重新锚定计数并安排全量同步
	c.store.ForgetOptimistic(m.ID)
	c.reanchorUnread(ctx)
	if c.requestResync != nil {
		c.requestResync()
	}
	metrics.IncrementMutation(MutationMarkAllRead.String(), "rolled_back")
	c.logger.Error("Mark all read failed",
		zap.Int("flipped", flipped),
		zap.Error(err),
	)
	return 0, fmt.Errorf("mark all read failed: %w", err)
}

// Delete removes one notification. A record already absent locally or
// remotely is treated as deleted: the operation is idempotent.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	m := Mutation{ID: uuid.New().String(), Kind: MutationDelete, RecordID: id}
	prior, affected, err := c.store.BeginOptimistic(m)
	if err != nil {
		return err
	}
	if affected == 0 {
		return nil
	}

	err = c.remoteCall(ctx, "delete", func(cctx context.Context) error {
		return c.backend.Delete(cctx, c.recipientID, id, prior.Version)
	})
	if err == nil {
		c.store.CommitOptimistic(m.ID, nil)
		metrics.IncrementMutation(MutationDelete.String(), "committed")
		return nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		// 服务端行已不存在，同样视为删除成功
		c.store.CommitOptimistic(m.ID, nil)
		metrics.IncrementMutation(MutationDelete.String(), "committed")
		return nil
	}

	c.store.RollbackOptimistic(m.ID)
	return c.resolveFailure(ctx, MutationDelete, id, err)
}

// resolveFailure maps a failed single-record mutation onto the recovery the
// error calls for: conflicts reconcile the record from the server's current
// state, missing rows remove it, and both re-anchor the unread counter.
// Anything else stays rolled back and is reported as-is.
func (c *Coordinator) resolveFailure(ctx context.Context, kind MutationKind, id string, err error) error {
	var conflict *repository.ConflictError
	switch {
	case errors.As(err, &conflict):
		c.store.Reconcile(id, conflict.Current)
		c.reanchorUnread(ctx)
		metrics.IncrementMutation(kind.String(), "conflict")
		c.logger.Warn("Mutation rejected by version conflict",
			zap.String("operation", kind.String()),
			zap.String("id", id),
			zap.Int64("server_version", conflict.Current.Version),
		)
		return fmt.Errorf("%s rejected: %w", kind, err)

	case errors.Is(err, repository.ErrNotFound):
		// 记录已被远端删除
		c.store.Reconcile(id, nil)
		c.reanchorUnread(ctx)
		metrics.IncrementMutation(kind.String(), "conflict")
		c.logger.Warn("Mutation target deleted remotely",
			zap.String("operation", kind.String()),
			zap.String("id", id),
		)
		return fmt.Errorf("%s rejected: %w", kind, err)

	default:
		isRetryable, errType := util.IsRetryableError(err)
		metrics.IncrementMutation(kind.String(), "rolled_back")
		c.logger.Error("Mutation failed, rolled back",
			zap.String("operation", kind.String()),
			zap.String("id", id),
			zap.String("error_type", errType),
			zap.Bool("retryable", isRetryable),
			zap.Error(err),
		)
		return fmt.Errorf("%s failed: %w", kind, err)
	}
}

// reanchorUnread reloads the unread counter from the authoritative count.
// When even that read fails, a full resync is scheduled instead.
func (c *Coordinator) reanchorUnread(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	count, err := c.backend.CountUnread(cctx, c.recipientID)
	if err != nil {
		c.logger.Warn("Unread re-anchor failed, scheduling resync", zap.Error(err))
		if c.requestResync != nil {
			c.requestResync()
		}
		return
	}
	c.store.SetUnread(count)
}

// remoteCall runs one backend write under the circuit breaker with the
// per-call timeout and records its latency.
func (c *Coordinator) remoteCall(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := c.breaker.Execute(func() error {
		cctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return fn(cctx)
	})

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordRemoteCallLatency(operation, status, time.Since(start))
	return err
}
