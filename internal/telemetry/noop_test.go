package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNoopLogger_NeverPanics(t *testing.T) {
	log := NewNoopLogger()
	assert.NotPanics(t, func() {
		log.Debug(context.Background(), "msg", "k", "v")
		log.Info(context.Background(), "msg")
		log.Warn(context.Background(), "msg", "k")
		log.Error(context.Background(), "msg", "k", "v", "k2", "v2")
	})
}

func TestNoopMetrics_NeverPanics(t *testing.T) {
	m := NewNoopMetrics()
	assert.NotPanics(t, func() {
		m.IncCounter("calls", 1, "route", "/chat")
		m.RecordTimer("latency", time.Second)
		m.RecordGauge("queue_depth", 3)
	})
}

func TestNoopTracer_StartReturnsUsableSpan(t *testing.T) {
	tr := NewNoopTracer()
	ctx, span := tr.Start(context.Background(), "op")
	assert.NotNil(t, ctx)
	assert.NotPanics(t, func() {
		span.AddEvent("checkpoint")
		span.RecordError(errors.New("boom"))
		span.End()
	})
}

func TestNoopTracer_SpanNeverNil(t *testing.T) {
	tr := NewNoopTracer()
	assert.NotNil(t, tr.Span(context.Background()))
}
