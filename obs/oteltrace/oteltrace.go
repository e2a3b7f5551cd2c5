// Package oteltrace adapts OpenTelemetry tracing to obs.Tracer/obs.Span,
// used to wrap the two multi-event sequences that are genuinely hard to
// follow from logs alone: rendezvous completion and flow-control
// disable/resume cycles.
package oteltrace

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltraceapi "go.opentelemetry.io/otel/trace"

	"github.com/rocketbitz/cxcore/obs"
)

// Tracer adapts an OpenTelemetry trace.Tracer.
type Tracer struct {
	tracer oteltraceapi.Tracer
}

var _ obs.Tracer = (*Tracer)(nil)

// New constructs a Tracer. If provider is nil, the global OTel provider is
// used.
func New(provider oteltraceapi.TracerProvider, name string) *Tracer {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	if name == "" {
		name = "github.com/rocketbitz/cxcore/engine"
	}
	return &Tracer{tracer: provider.Tracer(name)}
}

// StartSpan implements obs.Tracer.
func (t *Tracer) StartSpan(name string, attrs ...obs.TraceAttribute) obs.Span {
	_, span := t.tracer.Start(context.Background(), name, oteltraceapi.WithAttributes(toKV(attrs)...))
	return &Span{span: span}
}

// Span adapts an OpenTelemetry trace.Span.
type Span struct {
	span oteltraceapi.Span
}

var _ obs.Span = (*Span)(nil)

// End implements obs.Span.
func (s *Span) End(err error) {
	if s == nil || s.span == nil {
		return
	}
	if err != nil {
		s.span.SetStatus(codes.Error, err.Error())
		s.span.RecordError(err)
	}
	s.span.End()
}

// AddEvent implements obs.Span.
func (s *Span) AddEvent(name string, attrs ...obs.TraceAttribute) {
	if s == nil || s.span == nil {
		return
	}
	s.span.AddEvent(name, oteltraceapi.WithAttributes(toKV(attrs)...))
}

// RecordError implements obs.Span.
func (s *Span) RecordError(err error) {
	if s == nil || s.span == nil || err == nil {
		return
	}
	s.span.RecordError(err)
}

func toKV(attrs []obs.TraceAttribute) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for _, a := range attrs {
		switch v := a.Value.(type) {
		case string:
			kvs = append(kvs, attribute.String(a.Key, v))
		case int:
			kvs = append(kvs, attribute.Int(a.Key, v))
		case int64:
			kvs = append(kvs, attribute.Int64(a.Key, v))
		case bool:
			kvs = append(kvs, attribute.Bool(a.Key, v))
		default:
			kvs = append(kvs, attribute.String(a.Key, fmt.Sprint(v)))
		}
	}
	return kvs
}
