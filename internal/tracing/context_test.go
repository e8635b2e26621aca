package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	assert.NotEmpty(t, id1)
	assert.NotEqual(t, id1, id2)
}

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithTurnID(ctx, "turn-1")
	ctx = WithSessionKey(ctx, "sess-1")

	tc := FromContext(ctx)
	assert.Equal(t, "trace-1", tc.TraceID)
	assert.Equal(t, "turn-1", tc.TurnID)
	assert.Equal(t, "sess-1", tc.SessionKey)
}

func TestEmptyContext(t *testing.T) {
	tc := FromContext(context.Background())
	assert.Empty(t, tc.TraceID)
	assert.Empty(t, tc.TurnID)
	assert.Empty(t, tc.SessionKey)
}

func TestNewRequestContext(t *testing.T) {
	ctx := NewRequestContext(context.Background())
	assert.NotEmpty(t, GetTraceID(ctx))
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithSessionKey(WithTraceID(context.Background(), "trace-xyz"), "sess-abc")
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	assert.Contains(t, out, `"trace_id":"trace-xyz"`)
	assert.Contains(t, out, `"session_key":"sess-abc"`)
	assert.NotContains(t, out, "turn_id")
}
