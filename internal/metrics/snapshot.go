package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Snapshot is a point-in-time copy of the pipeline counters, used by the
// CLI and the scenario harness.
type Snapshot struct {
	EventsProcessed       int64            `json:"events_processed" yaml:"events_processed"`
	EventsFailed          int64            `json:"events_failed" yaml:"events_failed"`
	EventsNoChange        int64            `json:"events_no_change" yaml:"events_no_change"`
	EventsRetried         int64            `json:"events_retried" yaml:"events_retried"`
	EventsDeadLettered    int64            `json:"events_dead_lettered" yaml:"events_dead_lettered"`
	BackpressureEvents    int64            `json:"backpressure_events" yaml:"backpressure_events"`
	ConflictsDetected     int64            `json:"conflicts_detected" yaml:"conflicts_detected"`
	ConflictsResolved     int64            `json:"conflicts_resolved" yaml:"conflicts_resolved"`
	ConsistencyMismatches int64            `json:"consistency_mismatches" yaml:"consistency_mismatches"`
	LateWindowEvents      int64            `json:"late_window_events" yaml:"late_window_events"`
	BufferOccupancy       int64            `json:"buffer_occupancy" yaml:"buffer_occupancy"`
	OpenWindows           int64            `json:"open_windows" yaml:"open_windows"`
	DeadLettersByKind     map[string]int64 `json:"dead_letters_by_kind,omitempty" yaml:"dead_letters_by_kind,omitempty"`
}

// Snapshot reads the current values of every instrument.
func (m *Metrics) Snapshot() Snapshot {
	byKind := labelled(m.EventsDeadLettered, "kind")
	var dead int64
	for _, n := range byKind {
		dead += n
	}
	return Snapshot{
		EventsProcessed:       value(m.EventsProcessed),
		EventsFailed:          value(m.EventsFailed),
		EventsNoChange:        value(m.EventsNoChange),
		EventsRetried:         value(m.EventsRetried),
		EventsDeadLettered:    dead,
		BackpressureEvents:    value(m.BackpressureEvents),
		ConflictsDetected:     sum(labelled(m.ConflictsDetected, "strategy")),
		ConflictsResolved:     sum(labelled(m.ConflictsResolved, "strategy")),
		ConsistencyMismatches: value(m.ConsistencyMismatches),
		LateWindowEvents:      value(m.LateWindowEvents),
		BufferOccupancy:       value(m.BufferOccupancy),
		OpenWindows:           value(m.OpenWindows),
		DeadLettersByKind:     byKind,
	}
}

func value(c prometheus.Metric) int64 {
	var pb dto.Metric
	if err := c.Write(&pb); err != nil {
		return 0
	}
	switch {
	case pb.Counter != nil:
		return int64(pb.Counter.GetValue())
	case pb.Gauge != nil:
		return int64(pb.Gauge.GetValue())
	}
	return 0
}

// labelled collects a counter vector into label value -> count.
func labelled(vec *prometheus.CounterVec, label string) map[string]int64 {
	ch := make(chan prometheus.Metric, 16)
	go func() {
		vec.Collect(ch)
		close(ch)
	}()

	out := make(map[string]int64)
	for metric := range ch {
		var pb dto.Metric
		if err := metric.Write(&pb); err != nil {
			continue
		}
		for _, lp := range pb.GetLabel() {
			if lp.GetName() == label {
				out[lp.GetValue()] += int64(pb.GetCounter().GetValue())
			}
		}
	}
	return out
}

func sum(m map[string]int64) int64 {
	var n int64
	for _, v := range m {
		n += v
	}
	return n
}
