package telemetry

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/danielolaszy/capflow/internal/logging"
)

func TestStartAndEndRecordSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	original := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(original) })

	ctx := logging.WithCorrelationID(context.Background(), "corr-7")
	_, ensure := Start(ctx, "sync", "sync.ensure_branch", attribute.String("capflow.branch", "capflow/p/c"))
	End(ensure, nil)
	_, failing := Start(ctx, "sync", "sync.upsert_file")
	End(failing, errors.New("boom"))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "sync.ensure_branch", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("capflow.correlation_id", "corr-7"))
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "boom", spans[1].Status().Description)
}

func TestInitDisabledAndStdout(t *testing.T) {
	original := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(original) })

	shutdown, err := Init(Options{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	var buf bytes.Buffer
	shutdown, err = Init(Options{Enabled: true, Writer: &buf})
	require.NoError(t, err)
	_, span := Start(context.Background(), "", "pipeline.run")
	End(span, nil)
	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "pipeline.run")
}
