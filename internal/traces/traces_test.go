package traces

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func TestInit_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpan_Attributes(t *testing.T) {
	rec := recordSpans(t)

	_, span := StartSpan(context.Background(), "escrowchain.lock", ChainKey("sepolia"), ReservationID("r1"))
	Finish(span, nil)

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "escrowchain.lock", ended[0].Name())
	assert.Contains(t, ended[0].Attributes(), attribute.String("escrow.chain_key", "sepolia"))
	assert.Contains(t, ended[0].Attributes(), attribute.String("escrow.reservation_id", "r1"))
	assert.Equal(t, codes.Unset, ended[0].Status().Code)
}

func TestFinish_RecordsError(t *testing.T) {
	rec := recordSpans(t)

	_, span := StartSpan(context.Background(), "escrowchain.read")
	Finish(span, errors.New("rpc unreachable"))

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "rpc unreachable", ended[0].Status().Description)
	require.Len(t, ended[0].Events(), 1)
	assert.Equal(t, "exception", ended[0].Events()[0].Name)
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(0).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "applied", Outcome(true, false).Value.AsString())
	assert.Equal(t, "skipped", Outcome(false, true).Value.AsString())
	assert.Equal(t, "failed", Outcome(false, false).Value.AsString())
}
