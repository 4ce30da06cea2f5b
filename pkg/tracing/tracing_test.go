package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "peerlink", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestTraceRelay_RecordsSessionAttribute(t *testing.T) {
	rec := installRecorder(t)

	ctx, span := TraceRelay(context.Background(), "send", "S1", KindKey.String("offer"))
	RecordError(ctx, errors.New("store down"))
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "relay.send", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "S1", attrs["peerlink.session_id"])
	assert.Equal(t, "offer", attrs["peerlink.signal_type"])
}

func TestTraceStoreAndHTTP(t *testing.T) {
	rec := installRecorder(t)

	_, s1 := TraceStore(context.Background(), "redis", "append", "S1")
	s1.End()
	_, s2 := TraceHTTPRequest(context.Background(), "POST", "/api/v1/sessions/:session_id/signals")
	s2.End()

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "store.append", spans[0].Name())
	assert.Equal(t, "http.POST", spans[1].Name())
}
