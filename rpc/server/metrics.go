package server

import (
	"fmt"
	"io"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// serverMetrics holds the metrics of one DocServer. Every server owns its set,
// so several servers in one process do not share counters.
type serverMetrics struct {
	set *metrics.Set
}

func newServerMetrics(s *DocServer) *serverMetrics {
	set := metrics.NewSet()
	set.NewGauge("ddoc_connections_active", func() float64 { return float64(s.ConnectionCount()) })
	set.NewGauge("ddoc_connections_held", func() float64 { return float64(s.heldCount()) })
	set.NewGauge("ddoc_cursors_open", func() float64 { return float64(s.cursors.count()) })
	set.NewGauge("ddoc_feed_sequence", func() float64 { return float64(s.feed.LastSequence()) })
	set.NewGauge("ddoc_feed_subscribers", func() float64 { return float64(s.feed.Subscribers()) })
	set.NewGauge("ddoc_is_primary", func() float64 {
		if s.IsPrimary() {
			return 1
		}
		return 0
	})
	return &serverMetrics{set: set}
}

// command records one executed command.
func (m *serverMetrics) command(kind CommandKind, started time.Time, failed bool) {
	m.set.GetOrCreateCounter(fmt.Sprintf(`ddoc_commands_total{command=%q}`, kind)).Inc()
	m.set.GetOrCreateHistogram(fmt.Sprintf(`ddoc_command_duration_seconds{command=%q}`, kind)).UpdateDuration(started)
	if failed {
		m.set.GetOrCreateCounter(fmt.Sprintf(`ddoc_command_errors_total{command=%q}`, kind)).Inc()
	}
}

func (m *serverMetrics) protocolError() {
	m.set.GetOrCreateCounter("ddoc_protocol_errors_total").Inc()
}

func (m *serverMetrics) write(w io.Writer) {
	m.set.WritePrometheus(w)
}
