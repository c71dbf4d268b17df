package inbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ChinmaiMod/staffinghrms-sub000/internal/model"
	"github.com/ChinmaiMod/staffinghrms-sub000/internal/mq"
	"github.com/ChinmaiMod/staffinghrms-sub000/pkg/metrics"
	"github.com/ChinmaiMod/staffinghrms-sub000/pkg/util"
)

// QueryBackend is the authoritative read boundary: the filtered, paginated
// list and the independent unread count. *repository.NotificationRepository
// satisfies it.
type QueryBackend interface {
	List(ctx context.Context, recipientID string, f model.ListFilter, p model.Page) ([]model.Notification, int, error)
	CountUnread(ctx context.Context, recipientID string) (int, error)
}

// Stream is the event source lifecycle the engine owns. Run blocks until
// the context is cancelled or a permanent failure ends the session.
type Stream interface {
	Run(ctx context.Context) error
}

// EngineConfig carries the tunables of the sync loop.
type EngineConfig struct {
	PageSize       int
	QueryTimeout   time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func (c *EngineConfig) withDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = 200
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 10 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
}

// Engine ties one recipient session together: the store, the authoritative
// read path and the resync loop. It implements the subscriber's sink, so
// inbound events and reconnect resyncs flow through it.
type Engine struct {
	recipientID string
	store       *Store
	backend     QueryBackend
	cfg         EngineConfig
	logger      *zap.Logger

	resyncCh chan struct{}
	fatalCh  chan error
}

func NewEngine(recipientID string, store *Store, backend QueryBackend, cfg EngineConfig, logger *zap.Logger) *Engine {
	cfg.withDefaults()
	return &Engine{
		recipientID: recipientID,
		store:       store,
		backend:     backend,
		cfg:         cfg,
		logger:      logger,
		resyncCh:    make(chan struct{}, 1),
		fatalCh:     make(chan error, 1),
	}
}

// Store exposes the local view for the presentation layer.
func (e *Engine) Store() *Store {
	return e.store
}

// RecipientID returns the recipient this session serves.
func (e *Engine) RecipientID() string {
	return e.recipientID
}

// Start performs the initial load, then launches the resync worker and the
// event stream. It does not block; cancelling ctx tears the session down.
// An initial load failure is not fatal: a resync is scheduled and retried
// with backoff until it succeeds.
func (e *Engine) Start(ctx context.Context, stream Stream) {
	if err := e.Resync(ctx); err != nil {
		e.logger.Warn("Initial load failed, scheduling resync", zap.Error(err))
		e.RequestResync()
	}

	go e.resyncWorker(ctx)
	go func() {
		if err := stream.Run(ctx); err != nil && ctx.Err() == nil {
			// 永久性失败：结束会话而不是无限重试
			select {
			case e.fatalCh <- err:
			default:
			}
		}
	}()
}

// Fatal delivers the permanent failure that ended the session, if any.
func (e *Engine) Fatal() <-chan error {
	return e.fatalCh
}

// RequestResync schedules a full resync. Requests collapse: one pending
// resync covers any number of callers.
func (e *Engine) RequestResync() {
	select {
	case e.resyncCh <- struct{}{}:
	default:
	}
}

// ApplyEvent forwards one change event into the store.
func (e *Engine) ApplyEvent(ev mq.ChangeEvent) (bool, string) {
	return e.store.ApplyEvent(ev)
}

// Resync replaces the local view with the authoritative one: the full list,
// paged through the query boundary, plus the independent unread count.
func (e *Engine) Resync(ctx context.Context) error {
	start := time.Now()

	all := []model.Notification{}
	offset := 0
	for {
		records, total, err := e.listPage(ctx, offset)
		if err != nil {
			metrics.IncrementResync("failure")
			return fmt.Errorf("resync list failed: %w", err)
		}
		all = append(all, records...)
		offset += len(records)
		if offset >= total || len(records) == 0 {
			break
		}
	}

	cctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	unread, err := e.backend.CountUnread(cctx, e.recipientID)
	cancel()
	if err != nil {
		metrics.IncrementResync("failure")
		return fmt.Errorf("resync unread count failed: %w", err)
	}

	e.store.ReplaceAll(all, unread)
	metrics.IncrementResync("success")
	e.logger.Info("Inbox resynced",
		zap.Int("records", len(all)),
		zap.Int("unread", unread),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

func (e *Engine) listPage(ctx context.Context, offset int) ([]model.Notification, int, error) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()
	return e.backend.List(cctx, e.recipientID, model.ListFilter{}, model.Page{Offset: offset, Limit: e.cfg.PageSize})
}

// resyncWorker serves resync requests one at a time, retrying a failed
// resync with bounded exponential backoff until it succeeds or the session
// ends.
func (e *Engine) resyncWorker(ctx context.Context) {
	backoff := util.Backoff{Initial: e.cfg.BackoffInitial, Max: e.cfg.BackoffMax}

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.resyncCh:
		}

		backoff.Reset()
		for {
			if err := e.Resync(ctx); err == nil {
				break
			} else if ctx.Err() != nil {
				return
			} else {
				delay := backoff.Next()
				_, errType := util.IsRetryableError(err)
				e.logger.Warn("Resync failed, retrying",
					zap.String("error_type", errType),
					zap.Int("attempt", backoff.Attempts()),
					zap.Duration("retry_in", delay),
					zap.Error(err),
				)
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
			}
		}
	}
}
