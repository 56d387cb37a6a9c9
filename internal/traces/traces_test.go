package traces

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
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

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{}, slog.Default())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpanAndFail(t *testing.T) {
	rec := recordSpans(t)

	_, span := StartSpan(context.Background(), "settlement.TransferPayout", PayoutID("pay_1"), Amount("12.50"))
	Fail(span, errors.New("gateway unavailable"))
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "settlement.TransferPayout", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Len(t, ended[0].Events(), 1)

	attrs := map[string]string{}
	for _, kv := range ended[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "pay_1", attrs["payout.id"])
	assert.Equal(t, "12.50", attrs["amount"])
}

func TestMiddleware_NamesSpanByRoute(t *testing.T) {
	rec := recordSpans(t)
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(Middleware())
	r.POST("/v1/contracts/:id/complete", func(c *gin.Context) {
		_, child := StartSpan(c.Request.Context(), "settlement.CompleteContract")
		child.End()
		c.Status(http.StatusInternalServerError)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/contracts/ctr_1/complete", nil))

	ended := rec.Ended()
	require.Len(t, ended, 2)
	child, server := ended[0], ended[1]
	assert.Equal(t, "POST /v1/contracts/:id/complete", server.Name())
	assert.Equal(t, codes.Error, server.Status().Code)
	assert.Equal(t, server.SpanContext().TraceID(), child.SpanContext().TraceID())
}
