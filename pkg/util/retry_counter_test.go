package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatRetryKey(t *testing.T) {
	assert.Equal(t, "retry:inbox:ev-1", FormatRetryKey("inbox", "ev-1"))
}
