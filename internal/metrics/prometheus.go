package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const metricPrefix = "strangercam_matchmaker"

// GaugeFunc reports point-in-time values (e.g. queue length) at scrape time.
type GaugeFunc func() map[string]int64

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// Counters are exported as a single metric with an `event` label; each gauge
// becomes its own metric.
func PrometheusHandler(m *Metrics, gauges GaugeFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		snap := m.Snapshot()
		_, _ = fmt.Fprintf(w, "# HELP %s_events_total Matchmaker event counters.\n", metricPrefix)
		_, _ = fmt.Fprintf(w, "# TYPE %s_events_total counter\n", metricPrefix)
		for _, k := range sortedKeys(snap) {
			_, _ = fmt.Fprintf(w, "%s_events_total{event=\"%s\"} %d\n", metricPrefix, escapeLabel(k), snap[k])
		}

		if gauges == nil {
			return
		}
		values := gauges()
		for _, k := range sortedKeys(values) {
			name := metricPrefix + "_" + k
			_, _ = fmt.Fprintf(w, "# TYPE %s gauge\n", name)
			_, _ = fmt.Fprintf(w, "%s %d\n", name, values[k])
		}
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var labelEscaper = strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

func escapeLabel(s string) string { return labelEscaper.Replace(s) }
