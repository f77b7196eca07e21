package observability

import (
	"context"
	"testing"
)

// TestTraceContextRoundTrip exercises the Extract/Inject pair the way a
// channel does: extract a TraceContext to attach to an outbound
// InvocationRequest, then rebuild a context from it (the shape a host
// receiving that same TraceContext back would use) and confirm the
// trace and span IDs survive the round trip.
func TestTraceContextRoundTrip(t *testing.T) {
	if err := Init(context.Background(), Config{
		Enabled:     true,
		Exporter:    "stdout",
		ServiceName: "propagation-test",
		SampleRate:  1.0,
	}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer Shutdown(context.Background())

	ctx, span := StartSpan(context.Background(), "test.dispatch")
	defer span.End()

	wantTraceID := GetTraceID(ctx)
	wantSpanID := GetSpanID(ctx)
	if wantTraceID == "" || wantSpanID == "" {
		t.Fatalf("expected non-empty trace/span IDs, got %q/%q", wantTraceID, wantSpanID)
	}

	tc := ExtractTraceContext(ctx)
	if tc.TraceParent == "" {
		t.Fatal("ExtractTraceContext returned an empty traceparent")
	}

	restored := InjectTraceContext(context.Background(), tc)
	if got := GetTraceID(restored); got != wantTraceID {
		t.Fatalf("trace ID after round trip = %s, want %s", got, wantTraceID)
	}
	if got := GetSpanID(restored); got != wantSpanID {
		t.Fatalf("span ID after round trip = %s, want %s", got, wantSpanID)
	}
}

// TestTraceContextDisabled confirms that with telemetry disabled,
// Extract/Get never fabricate IDs and Inject is a no-op on an empty
// TraceContext.
func TestTraceContextDisabled(t *testing.T) {
	if err := Init(context.Background(), Config{Enabled: false}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	ctx := context.Background()
	if tc := ExtractTraceContext(ctx); tc.TraceParent != "" {
		t.Fatalf("expected empty TraceContext when disabled, got %+v", tc)
	}
	if got := InjectTraceContext(ctx, TraceContext{}); got != ctx {
		t.Fatal("InjectTraceContext should return ctx unchanged for an empty TraceContext")
	}
}
