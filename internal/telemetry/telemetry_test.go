package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)

	sink.RecordStage("recognize", 120*time.Millisecond)
	sink.RecordRun(OutcomeSuccess, time.Second, 3)
	sink.RecordRun(OutcomeSuccess, time.Second, 1)
	sink.RecordError("INVALID_IMAGE")

	if got := testutil.ToFloat64(sink.runsTotal.WithLabelValues(OutcomeSuccess)); got != 2 {
		t.Errorf("runs_total{success} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(sink.errorsTotal.WithLabelValues("INVALID_IMAGE")); got != 1 {
		t.Errorf("errors_total = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(sink.stageDuration); n != 1 {
		t.Errorf("stage series = %d, want 1", n)
	}
}

func TestOrNop(t *testing.T) {
	if _, ok := OrNop(nil).(NopSink); !ok {
		t.Error("nil sink not replaced")
	}
	s := NewPrometheusSink(prometheus.NewRegistry())
	if OrNop(s) != Sink(s) {
		t.Error("non-nil sink replaced")
	}
}
