package oteltrace

import (
	"context"
	"errors"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/rocketbitz/cxcore/obs"
)

func TestSpanRecordsEventsAndErrors(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tr := New(provider, "test")

	span := tr.StartSpan("rendezvous_pull", obs.TraceAttribute{Key: "rendezvous_id", Value: 7})
	span.AddEvent("get_issued")
	span.End(nil)

	failed := tr.StartSpan("flow_control_cycle")
	failed.RecordError(errors.New("boom"))
	failed.End(errors.New("boom"))

	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("got %d ended spans, want 2", len(spans))
	}

	var pull, fc sdktrace.ReadOnlySpan
	for _, s := range spans {
		switch s.Name() {
		case "rendezvous_pull":
			pull = s
		case "flow_control_cycle":
			fc = s
		}
	}
	if pull == nil || fc == nil {
		t.Fatal("expected both named spans to have ended")
	}
	if len(pull.Events()) != 1 || pull.Events()[0].Name != "get_issued" {
		t.Fatalf("rendezvous_pull events = %+v, want one get_issued event", pull.Events())
	}
	if len(fc.Events()) == 0 {
		t.Fatal("flow_control_cycle span must record the error event")
	}
	if fc.Status().Code != 2 { // codes.Error
		t.Fatalf("flow_control_cycle status code = %v, want Error", fc.Status().Code)
	}
}

func TestNewDefaultsNameWhenEmpty(t *testing.T) {
	tr := New(nil, "")
	if tr == nil || tr.tracer == nil {
		t.Fatal("New(nil, \"\") must still produce a usable Tracer")
	}
}
