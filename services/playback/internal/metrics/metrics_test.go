package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestProgressReportsCounter(t *testing.T) {
	before := testutil.ToFloat64(ProgressReports.WithLabelValues("stale"))
	ProgressReports.WithLabelValues("stale").Inc()
	if got := testutil.ToFloat64(ProgressReports.WithLabelValues("stale")); got != before+1 {
		t.Fatalf("expected %v, got %v", before+1, got)
	}
}

func TestRecordRecommend(t *testing.T) {
	RecordRecommend("similar", time.Now().Add(-50*time.Millisecond))
	if n := testutil.CollectAndCount(RecommendDuration); n == 0 {
		t.Fatalf("expected at least one histogram series")
	}
}
