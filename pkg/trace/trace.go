package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
)

const TraceIDKey = "trace_id"

// maxHeaderTraceLen bounds caller-supplied trace IDs; generated IDs are 32
// hex chars, so anything past 64 is garbage or abuse.
const maxHeaderTraceLen = 64

// GenerateTraceID generates a new trace ID.
func GenerateTraceID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// FromContext returns the trace_id carried by the context, if any.
func FromContext(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// WithContext attaches a trace_id to the context.
func WithContext(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// FromHeader extracts a trace_id from an inbound HTTP header value.
// Blank and oversized values are discarded.
func FromHeader(headerValue string) string {
	v := strings.TrimSpace(headerValue)
	if v == "" || len(v) > maxHeaderTraceLen {
		return ""
	}
	return v
}

// HeaderName returns the HTTP header carrying the trace ID.
func HeaderName() string {
	return "X-Trace-ID"
}
