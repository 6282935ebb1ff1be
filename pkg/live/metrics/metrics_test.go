package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSetState_OneHot(t *testing.T) {
	SetState("connected")
	if got := testutil.ToFloat64(SessionState.WithLabelValues("connected")); got != 1 {
		t.Fatalf("connected=%v, want 1", got)
	}
	SetState("closed")
	if got := testutil.ToFloat64(SessionState.WithLabelValues("connected")); got != 0 {
		t.Fatalf("connected=%v, want 0", got)
	}
	if got := testutil.ToFloat64(SessionState.WithLabelValues("closed")); got != 1 {
		t.Fatalf("closed=%v, want 1", got)
	}
}

func TestRecordHeartbeat(t *testing.T) {
	before := testutil.ToFloat64(HeartbeatsTotal.WithLabelValues("error"))
	RecordHeartbeat(false)
	if got := testutil.ToFloat64(HeartbeatsTotal.WithLabelValues("error")); got != before+1 {
		t.Fatalf("heartbeat errors=%v, want %v", got, before+1)
	}
}

func TestRecordSinkDropped_IgnoresNonPositive(t *testing.T) {
	before := testutil.ToFloat64(SinkDroppedTotal.WithLabelValues("test"))
	RecordSinkDropped("test", 0)
	RecordSinkDropped("test", 3)
	if got := testutil.ToFloat64(SinkDroppedTotal.WithLabelValues("test")); got != before+3 {
		t.Fatalf("dropped=%v, want %v", got, before+3)
	}
}
