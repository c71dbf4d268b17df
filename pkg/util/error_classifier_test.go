package util

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestIsRetryableError(t *testing.T) {
	var syntaxErr *json.SyntaxError
	if err := json.Unmarshal([]byte("{bad"), &struct{}{}); err != nil {
		errors.As(err, &syntaxErr)
	}

	tests := []struct {
		name      string
		err       error
		retryable bool
		errType   string
	}{
		{"nil", nil, false, ""},
		{"json syntax", syntaxErr, false, "json_decode_error"},
		{"no rows", pgx.ErrNoRows, false, "not_found"},
		{"wrapped no rows", fmt.Errorf("lookup: %w", pgx.ErrNoRows), false, "not_found"},
		{"duplicate key", errors.New(`duplicate key value violates unique constraint`), false, "duplicate_key"},
		{"db connection", errors.New("dial tcp 127.0.0.1:5432: connection refused"), true, "db_connection_error"},
		{"amqp closed", amqp091.ErrClosed, true, "mq_connection_error"},
		{"amqp recoverable", &amqp091.Error{Code: amqp091.ChannelError, Recover: true}, true, "mq_channel_error"},
		{"amqp fatal", &amqp091.Error{Code: amqp091.AccessRefused, Recover: false}, false, "mq_error"},
		// context.DeadlineExceeded satisfies net.Error, so the net branch wins
		{"deadline", context.DeadlineExceeded, true, "network_timeout"},
		{"canceled", context.Canceled, false, "context_canceled"},
		{"unknown", errors.New("something odd"), false, "unknown_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retryable, errType := IsRetryableError(tt.err)
			assert.Equal(t, tt.retryable, retryable)
			assert.Equal(t, tt.errType, errType)
		})
	}
}

func TestShouldRetry(t *testing.T) {
	assert.False(t, ShouldRetry(1, 5, false), "non-retryable errors never retry")
	assert.True(t, ShouldRetry(1, 5, true))
	assert.True(t, ShouldRetry(5, 5, true))
	assert.False(t, ShouldRetry(6, 5, true), "budget exhausted")
}
