package segment

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsRegisterer is the subset of prometheus.Registerer Set needs,
// letting callers pass prometheus.DefaultRegisterer, a scoped registry per
// table, or nil (a no-op registry is substituted).
type metricsRegisterer = prometheus.Registerer

// metrics mirrors dreamsxin-wal's walMetrics (metrics.go): counters for
// append/commit/rotation volume, generalized to one set of metrics per
// LogSegmentSet instance rather than one global WAL.
type metrics struct {
	appends          prometheus.Counter
	bytesWritten     prometheus.Counter
	segmentRotations prometheus.Counter
	collectRewrites  prometheus.Counter
	collectRemovals  prometheus.Counter
}

// newMetrics builds one counter set scoped to a single table. table
// distinguishes this Set's counters from every other Set registered
// against the same shared registerer (e.g. prometheus.DefaultRegisterer
// passed via WithMetricsRegisterer) so opening a second table's segments
// doesn't collide with the first's on registration.
func newMetrics(reg metricsRegisterer, table string) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	reg = prometheus.WrapRegistererWith(prometheus.Labels{"table": table}, reg)
	f := promauto.With(reg)
	return &metrics{
		appends: f.NewCounter(prometheus.CounterOpts{
			Name: "forkdb_segment_entries_appended_total",
			Help: "Number of log records appended across all segment commits.",
		}),
		bytesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "forkdb_segment_bytes_written_total",
			Help: "Bytes written to segment files via Commit.",
		}),
		segmentRotations: f.NewCounter(prometheus.CounterOpts{
			Name: "forkdb_segment_rotations_total",
			Help: "Number of times a table's writable head was split.",
		}),
		collectRewrites: f.NewCounter(prometheus.CounterOpts{
			Name: "forkdb_segment_collect_rewrites_total",
			Help: "Number of segments rewritten by Collect.",
		}),
		collectRemovals: f.NewCounter(prometheus.CounterOpts{
			Name: "forkdb_segment_collect_removals_total",
			Help: "Number of segments deleted by Collect.",
		}),
	}
}
