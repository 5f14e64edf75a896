package syncer

import (
	"github.com/psadtpro/psadt-search/pkg/metrics"
)

var upsertBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

type syncMetrics struct {
	reg *metrics.Registry
}

func newSyncMetrics(reg *metrics.Registry) *syncMetrics {
	if reg == nil {
		reg = metrics.New()
	}
	return &syncMetrics{reg: reg}
}

func (m *syncMetrics) points(collection, outcome string) *metrics.Counter {
	return m.reg.Counter(metrics.WithLabels("psadt_sync_points_total", "collection", collection, "outcome", outcome),
		"Records processed by sync, by outcome.")
}

func (m *syncMetrics) runs(collection string, mode Mode, result string) *metrics.Counter {
	return m.reg.Counter(metrics.WithLabels("psadt_sync_runs_total", "collection", collection, "mode", string(mode), "result", result),
		"Completed sync runs.")
}

func (m *syncMetrics) upsertSeconds(collection string) *metrics.Histogram {
	return m.reg.Histogram(metrics.WithLabels("psadt_sync_upsert_seconds", "collection", collection),
		"Latency of batch upserts.", upsertBuckets)
}

func (m *syncMetrics) running(collection string) *metrics.Gauge {
	return m.reg.Gauge(metrics.WithLabels("psadt_sync_running", "collection", collection),
		"1 while a sync of the collection is in progress.")
}

func (m *syncMetrics) watermark(collection string) *metrics.Gauge {
	return m.reg.Gauge(metrics.WithLabels("psadt_sync_watermark_seconds", "collection", collection),
		"Unix time of the collection's sync watermark.")
}
