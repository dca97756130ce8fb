package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewTracerWithoutEndpoint(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "test-service"})
	defer func() { _ = shutdown(context.Background()) }()
	if tracer == nil || tracer.tracer == nil {
		t.Fatal("expected a usable tracer")
	}
	if tracer.provider != nil {
		t.Fatal("expected no SDK provider without an endpoint")
	}
}

func TestTracerRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := NewTracerFromProvider(provider, "test")

	ctx, parent := tracer.Start(context.Background(), "notify.dispatch", attribute.String("notification.type", "welcome"))
	_, child := tracer.Start(ctx, "notify.deliver")
	End(child, errors.New("provider down"))
	End(parent, nil)

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name() != "notify.deliver" || spans[0].Status().Code != codes.Error {
		t.Fatalf("expected failed child span, got %s %v", spans[0].Name(), spans[0].Status())
	}
	if spans[0].Parent().SpanID() != spans[1].SpanContext().SpanID() {
		t.Fatal("expected child to be parented to dispatch span")
	}
}

func TestNilTracer(t *testing.T) {
	var tracer *Tracer
	ctx, span := tracer.Start(context.Background(), "noop")
	if ctx == nil || span == nil {
		t.Fatal("expected usable no-op span")
	}
	End(span, errors.New("ignored"))
}
