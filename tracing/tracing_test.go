package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/codes"
)

// newRecordingProvider wires a Provider over an in-memory span recorder,
// so tests can assert on the attributes and status StartStage/EndStage
// produce without an OTLP collector.
func newRecordingProvider(t *testing.T) (*Provider, *tracetest.SpanRecorder) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return &Provider{tp: tp, tracer: tp.Tracer("test")}, sr
}

func TestStartStageTagsRunAndDocID(t *testing.T) {
	p, sr := newRecordingProvider(t)

	_, span := p.StartStage(context.Background(), "fetch", "run-1", "doc-1")
	span.End()

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "docforge.fetch", spans[0].Name())

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, "run-1", attrs["docforge.run_id"])
	assert.Equal(t, "doc-1", attrs["docforge.doc_id"])
}

func TestEndStageRecordsErrorStatus(t *testing.T) {
	p, sr := newRecordingProvider(t)

	_, span := p.StartStage(context.Background(), "persist", "run-1", "doc-1")
	err := errors.New("boom")
	EndStage(span, &err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestEndStageRecordsOkStatusOnNilError(t *testing.T) {
	p, sr := newRecordingProvider(t)

	_, span := p.StartStage(context.Background(), "persist", "run-1", "doc-1")
	var err error
	EndStage(span, &err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
}

// TestStartStageNilProviderUsesGlobalTracer confirms a nil *Provider (the
// zero value processor.Processor.Tracer is left at when tracing is
// disabled) never panics.
func TestStartStageNilProviderUsesGlobalTracer(t *testing.T) {
	var p *Provider
	assert.NotPanics(t, func() {
		_, span := p.StartStage(context.Background(), "fetch", "run-1", "doc-1")
		span.End()
	})
}

func TestShutdownNilProviderIsNoop(t *testing.T) {
	var p *Provider
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestStripProtocol(t *testing.T) {
	assert.Equal(t, "localhost:4318", stripProtocol("http://localhost:4318"))
	assert.Equal(t, "localhost:4318", stripProtocol("https://localhost:4318"))
	assert.Equal(t, "localhost:4318", stripProtocol("localhost:4318"))
}
