package tracing

import (
	"context"
	"testing"
)

func TestInitTracer_NoopWhenUnconfigured(t *testing.T) {
	tp, err := InitTracer(context.Background(), "relay", "")
	if err != nil {
		t.Fatalf("expected no error for unconfigured tracer, got: %v", err)
	}
	if tp != nil {
		t.Fatalf("expected nil tracer provider when collector address is empty")
	}
}
