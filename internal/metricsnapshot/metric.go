// Package metricsnapshot maintains the live, in-memory view of decoded CAN
// metrics and the snapshot/copy operations used to hand that view to the
// decoded-log writer and the telemetry encoder.
package metricsnapshot

// Shape tags the three mutually exclusive forms a metric can take. Encoding
// as a tagged variant (instead of the source firmware's name-string sniffing)
// means downstream consumers never need to re-derive a metric's kind from
// its name.
type Shape int

const (
	// ShapePlain is an ordinary scalar metric.
	ShapePlain Shape = iota
	// ShapeListIndex is a metric whose current value names the active
	// member index of some subsystem (battery pack id, motor id, cell id).
	ShapeListIndex
	// ShapeListMember is a metric with one value per list index, keyed by
	// the parent list-index metric's current value at update time.
	ShapeListMember
)

// MetricValue is the current decoded state of one named metric.
//
// Exactly one of the three shapes applies:
//   - ShapePlain:      Value holds the latest reading.
//   - ShapeListIndex:  Value holds the most recently seen index; IndexTable
//     accumulates every index key ever observed.
//   - ShapeListMember: ListTable holds one value per index key, and
//     ListParent names the metric that supplies those keys.
type MetricValue struct {
	Name   string
	Value  int64
	Unit   float64
	Offset int64
	Source byte
	Shape  Shape

	ListParent string

	// IndexTable holds every index key ever seen for a list-index metric.
	// Keys map to struct{} and represent set membership only.
	IndexTable map[string]struct{}

	// ListTable holds one raw value per index key for a list-member metric.
	ListTable map[string]int64
}

// Physical returns the scaled, biased value: raw*unit + offset.
func (m *MetricValue) Physical() float64 {
	return float64(m.Value)*m.Unit + float64(m.Offset)
}

// Clone returns a deep, independent copy of m so that enqueued snapshots are
// decoupled from further mutation of the live value.
func (m *MetricValue) Clone() *MetricValue {
	if m == nil {
		return nil
	}
	out := *m
	out.IndexTable = nil
	out.ListTable = nil
	if m.IndexTable != nil {
		out.IndexTable = make(map[string]struct{}, len(m.IndexTable))
		for k := range m.IndexTable {
			out.IndexTable[k] = struct{}{}
		}
	}
	if m.ListTable != nil {
		out.ListTable = make(map[string]int64, len(m.ListTable))
		for k, v := range m.ListTable {
			out.ListTable[k] = v
		}
	}
	return &out
}
