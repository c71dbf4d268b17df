package subscriber

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/ChinmaiMod/staffinghrms-sub000/internal/mq"
	"github.com/ChinmaiMod/staffinghrms-sub000/pkg/metrics"
	pkgmq "github.com/ChinmaiMod/staffinghrms-sub000/pkg/mq"
	"github.com/ChinmaiMod/staffinghrms-sub000/pkg/util"
)

// Sink receives the subscriber's output: normalized change events, the
// mandatory resync after every (re)connect, and resync requests for events
// that could not be delivered. The inbox engine implements it.
type Sink interface {
	ApplyEvent(ev mq.ChangeEvent) (bool, string)
	Resync(ctx context.Context) error
	RequestResync()
}

type Config struct {
	URL             string
	RecipientID     string
	MaxRedeliveries int64
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxRedeliveries <= 0 {
		c.MaxRedeliveries = 5
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
}

// Subscriber owns the live event connection for one recipient session:
// Disconnected -> Connecting -> Live, reconnecting with bounded backoff
// after every drop. Each time it goes Live it resyncs through the sink
// before consuming, so events queued during the gap replay on top of a
// fresh snapshot instead of papering over missed ones.
type Subscriber struct {
	cfg          Config
	sink         Sink
	deduper      *util.Deduper
	retryCounter *util.RetryCounter
	logger       *zap.Logger

	queueName  string
	routingKey string
}

func NewSubscriber(cfg Config, sink Sink, deduper *util.Deduper, retryCounter *util.RetryCounter, logger *zap.Logger) *Subscriber {
	cfg.withDefaults()
	return &Subscriber{
		cfg:          cfg,
		sink:         sink,
		deduper:      deduper,
		retryCounter: retryCounter,
		logger:       logger,
		queueName:    mq.QueueName(cfg.RecipientID),
		routingKey:   mq.RoutingKey(cfg.RecipientID),
	}
}

// Run drives the connection loop until ctx is cancelled. It returns nil on
// cancellation and an error only for permanent failures (authorization
// revoked); everything else is retried forever with backoff.
func (s *Subscriber) Run(ctx context.Context) error {
	backoff := util.Backoff{Initial: s.cfg.BackoffInitial, Max: s.cfg.BackoffMax}

	for {
		live, err := s.runSession(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if isPermanentErr(err) {
			s.logger.Error("Event stream ended permanently",
				zap.String("queue", s.queueName),
				zap.Error(err),
			)
			return err
		}
		if live {
			backoff.Reset()
		}

		delay := backoff.Next()
		metrics.IncrementReconnect()
		s.logger.Warn("Event stream disconnected, reconnecting",
			zap.String("queue", s.queueName),
			zap.Int("attempt", backoff.Attempts()),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// runSession performs one Connecting -> Live cycle. The returned bool
// reports whether the session reached Live, which resets the reconnect
// backoff.
func (s *Subscriber) runSession(ctx context.Context) (bool, error) {
	conn, err := pkgmq.NewConnection(s.cfg.URL)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	// 拨号不感知 ctx，连上后立刻检查是否已被取消
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	ch, err := conn.Channel()
	if err != nil {
		return false, fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := pkgmq.DeclareExchange(ch); err != nil {
		return false, err
	}

	// 先声明并绑定队列再做全量同步：同步期间到达的事件在队列里排队，
	// 消费开始后经版本门控重放，不会丢失
	if _, err := pkgmq.DeclareSessionQueue(ch, s.queueName, s.routingKey); err != nil {
		return false, err
	}

	notifyClose := conn.NotifyClose(make(chan *amqp091.Error, 1))

	if err := s.resyncUntilLive(ctx, notifyClose); err != nil {
		return false, err
	}

	deliveries, err := ch.Consume(
		s.queueName,
		"inbox-session",
		false, // 手动ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return false, fmt.Errorf("failed to register consumer: %w", err)
	}

	s.logger.Info("Event stream live",
		zap.String("queue", s.queueName),
		zap.String("routing_key", s.routingKey),
	)

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case amqpErr := <-notifyClose:
			if amqpErr == nil {
				return true, errors.New("connection closed")
			}
			return true, amqpErr
		case msg, ok := <-deliveries:
			if !ok {
				return true, errors.New("delivery channel closed")
			}
			s.handleDelivery(ctx, msg)
		}
	}
}

// resyncUntilLive blocks until the full resync succeeds, retrying with
// backoff. It gives up only when the context ends or the connection drops
// underneath it.
func (s *Subscriber) resyncUntilLive(ctx context.Context, notifyClose <-chan *amqp091.Error) error {
	backoff := util.Backoff{Initial: s.cfg.BackoffInitial, Max: s.cfg.BackoffMax}

	for {
		err := s.sink.Resync(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := backoff.Next()
		s.logger.Warn("Resync after connect failed, retrying",
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-notifyClose:
			if amqpErr == nil {
				return errors.New("connection closed during resync")
			}
			return amqpErr
		case <-time.After(delay):
		}
	}
}

// handleDelivery normalizes and applies a single inbound message. Protocol
// anomalies (malformed payload, wrong recipient) are acked and dropped so
// they can never wedge the queue; only a processing panic leads to a
// requeue, capped by the redelivery counter.
func (s *Subscriber) handleDelivery(ctx context.Context, msg amqp091.Delivery) {
	start := time.Now()
	var ev mq.ChangeEvent
	decoded := false

	// Panic 恢复：确保每条消息都会被 ack 或 nack
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Event handler panic recovered",
				zap.String("queue", s.queueName),
				zap.Any("panic", r),
			)
			if !decoded {
				s.ack(msg)
				return
			}
			s.requeueOrDrop(ctx, ev.EventID, msg)
		}
	}()

	ev, err := mq.Decode(msg.Body)
	if err != nil {
		s.logger.Error("Dropping malformed event payload",
			zap.String("queue", s.queueName),
			zap.Int("message_size", len(msg.Body)),
			zap.Error(err),
		)
		metrics.IncrementEventDropped("malformed")
		s.ack(msg)
		return
	}
	decoded = true

	if err := ev.Validate(); err != nil {
		s.logger.Error("Dropping invalid event",
			zap.String("event_id", ev.EventID),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err),
		)
		metrics.IncrementEventDropped("malformed")
		s.ack(msg)
		return
	}

	// 协议异常：事件不属于本会话的收件人，丢弃并记录
	if ev.RecipientID != s.cfg.RecipientID {
		s.logger.Warn("Dropping event for wrong recipient",
			zap.String("event_id", ev.EventID),
			zap.String("event_recipient", ev.RecipientID),
			zap.String("session_recipient", s.cfg.RecipientID),
		)
		metrics.IncrementEventDropped("wrong_recipient")
		s.ack(msg)
		return
	}

	if s.deduper != nil && !s.deduper.AcquireOnce(ctx, "inbox", ev.EventID) {
		s.logger.Info("Skipped duplicate event",
			zap.String("event_id", ev.EventID),
			zap.String("kind", string(ev.Kind)),
		)
		metrics.IncrementEventDropped("duplicate")
		s.ack(msg)
		return
	}

	applied, reason := s.sink.ApplyEvent(ev)
	if applied {
		metrics.IncrementEventApplied(string(ev.Kind))
	} else {
		s.logger.Debug("Event not applied",
			zap.String("event_id", ev.EventID),
			zap.String("kind", string(ev.Kind)),
			zap.String("reason", reason),
		)
		metrics.IncrementEventDropped(reason)
	}

	s.ack(msg)
	metrics.RecordMQConsumeLatency(s.routingKey, s.queueName, time.Since(start))
}

// requeueOrDrop decides the fate of a message whose processing panicked:
// requeue for another attempt, or after too many redeliveries ack it away
// and ask for a resync so the missed change still lands.
func (s *Subscriber) requeueOrDrop(ctx context.Context, eventID string, msg amqp091.Delivery) {
	if s.retryCounter == nil {
		s.nackRequeue(msg)
		return
	}

	retryKey := util.FormatRetryKey("inbox", eventID)
	count, err := s.retryCounter.IncrementAndGet(ctx, retryKey)
	if err != nil {
		// Redis 错误不影响处理，按首次重试对待
		s.logger.Warn("Failed to get retry count, requeueing anyway",
			zap.String("event_id", eventID),
			zap.Error(err),
		)
		count = 1
	}

	// panic 不携带可分类的错误，一律视为可重试，直到预算用完
	if !util.ShouldRetry(count, s.cfg.MaxRedeliveries, true) {
		s.logger.Warn("Event redelivered too often, dropping and resyncing",
			zap.String("event_id", eventID),
			zap.Int64("retry_count", count),
			zap.Int64("max_redeliveries", s.cfg.MaxRedeliveries),
		)
		metrics.IncrementEventDropped("poison")
		s.ack(msg)
		if err := s.retryCounter.Reset(ctx, retryKey); err != nil {
			s.logger.Warn("Failed to reset retry count",
				zap.String("event_id", eventID),
				zap.Error(err),
			)
		}
		s.sink.RequestResync()
		return
	}

	s.nackRequeue(msg)
}

func (s *Subscriber) ack(msg amqp091.Delivery) {
	if err := msg.Ack(false); err != nil {
		s.logger.Error("Failed to ack message",
			zap.String("queue", s.queueName),
			zap.Error(err),
		)
	}
}

func (s *Subscriber) nackRequeue(msg amqp091.Delivery) {
	if err := msg.Nack(false, true); err != nil {
		s.logger.Error("Failed to nack message",
			zap.String("queue", s.queueName),
			zap.Error(err),
		)
	}
}

// isPermanentErr reports whether the session must end instead of
// reconnecting. Authorization failures are the only such case; every
// transport hiccup is treated as transient.
func isPermanentErr(err error) bool {
	if err == nil {
		return false
	}
	var amqpErr *amqp091.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code == amqp091.AccessRefused || amqpErr.Code == amqp091.NotAllowed
	}
	return false
}
