package common

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	vmetrics "github.com/VictoriaMetrics/metrics"
	gometrics "github.com/rcrowley/go-metrics"
)

// --------------------------------------------------------------------------
// Prometheus metrics (VictoriaMetrics sets)
// --------------------------------------------------------------------------

var (
	metricSetsMu sync.Mutex
	metricSets   = map[*vmetrics.Set]struct{}{}
)

// NewMetricSet creates a metric set that is exposed by WritePrometheus until
// it is released with ReleaseMetricSet.
func NewMetricSet() *vmetrics.Set {
	s := vmetrics.NewSet()
	metricSetsMu.Lock()
	metricSets[s] = struct{}{}
	metricSetsMu.Unlock()
	return s
}

// ReleaseMetricSet removes s from the exposition.
func ReleaseMetricSet(s *vmetrics.Set) {
	metricSetsMu.Lock()
	delete(metricSets, s)
	metricSetsMu.Unlock()
}

// WritePrometheus writes all registered sets and the process metrics to w.
func WritePrometheus(w io.Writer) {
	metricSetsMu.Lock()
	sets := make([]*vmetrics.Set, 0, len(metricSets))
	for s := range metricSets {
		sets = append(sets, s)
	}
	metricSetsMu.Unlock()

	for _, s := range sets {
		s.WritePrometheus(w)
	}
	vmetrics.WritePrometheus(w, true)
}

// MetricName builds a metric name with labels, e.g.
// MetricName("drpc_requests_total", "service", "ost") returns
// drpc_requests_total{service="ost"}.
func MetricName(base string, kv ...string) string {
	if len(kv) < 2 {
		return base
	}
	pairs := make([]string, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		pairs = append(pairs, fmt.Sprintf("%s=%q", kv[i], kv[i+1]))
	}
	return base + "{" + strings.Join(pairs, ",") + "}"
}

// --------------------------------------------------------------------------
// Stats registries (go-metrics)
// --------------------------------------------------------------------------

// StatsRegistry is the root of all per component stats registries.
var StatsRegistry = gometrics.NewRegistry()

// NewStatsRegistry returns a child registry whose metric names carry prefix.
func NewStatsRegistry(prefix string) gometrics.Registry {
	return gometrics.NewPrefixedChildRegistry(StatsRegistry, prefix)
}

// WriteStats writes a one line summary per metric of r, sorted by name.
func WriteStats(w io.Writer, r gometrics.Registry) {
	var lines []string
	r.Each(func(name string, i interface{}) {
		switch m := i.(type) {
		case gometrics.Counter:
			lines = append(lines, fmt.Sprintf("%-24s %d", name, m.Count()))
		case gometrics.Gauge:
			lines = append(lines, fmt.Sprintf("%-24s %d", name, m.Value()))
		case gometrics.Histogram:
			s := m.Snapshot()
			lines = append(lines, fmt.Sprintf("%-24s samples %d min %d mean %.1f p95 %.1f max %d",
				name, s.Count(), s.Min(), s.Mean(), s.Percentile(0.95), s.Max()))
		}
	})
	sort.Strings(lines)
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
}
