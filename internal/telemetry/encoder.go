package telemetry

import (
	"time"

	"github.com/tbox/agent/internal/metricsnapshot"
)

// Encoder builds one outer TelemetryFrame payload from a MetricSnapshot
// reading, per §4.5. It holds no mutable state beyond the VIN and the GPS
// collaborator handle.
type Encoder struct {
	VIN string
	GPS GPSProvider
}

// NewEncoder constructs an Encoder for the given vehicle VIN. gps may be
// nil (the position block then encodes as fully unknown).
func NewEncoder(vin string, gps GPSProvider) *Encoder {
	return &Encoder{VIN: vin, GPS: gps}
}

func faultLevel(values map[string]*metricsnapshot.MetricValue) byte {
	return FaultLevel(values)
}

// FaultLevel reads the current fault level out of a snapshot reading, the
// same way Alarm-block encoding does. Exported so the Supervisor can decide
// when to promote backlog history into the uplink priority tree on an
// upward crossing into emergency (fault level ≥ 3), per §4.7.
func FaultLevel(values map[string]*metricsnapshot.MetricValue) byte {
	mv, ok := lookup(values, "FaultLevel")
	if !ok {
		return 0
	}
	if mv.Value < 0 || mv.Value > 0xFD {
		return u8Abnormal
	}
	return byte(mv.Value)
}

// BuildBody assembles TotalData, DriveMotor, VehiclePosition, Extremum,
// Alarm, one-or-more RechargableDeviceVoltage blocks, and one-or-more
// RechargableDeviceTemperature blocks, prefixed with the event timestamp
// header, per §4.5. This is what BacklogStore persists: the outer frame's
// cmd (Realtime vs Repeat) is decided later, at send time, by the uplink
// client.
func (e *Encoder) BuildBody(values map[string]*metricsnapshot.MetricValue, at time.Time) []byte {
	blocks := [][]byte{
		EncodeTotalData(values),
		EncodeDriveMotor(values),
		EncodeVehiclePosition(e.GPS),
		EncodeExtremum(values),
		EncodeAlarm(values, faultLevel(values)),
	}

	idx := 1
	for {
		b, next, more := EncodeRechargableVoltage(values, idx)
		blocks = append(blocks, b)
		if !more {
			break
		}
		idx = next
	}
	idx = 1
	for {
		b, next, more := EncodeRechargableTemperature(values, idx)
		blocks = append(blocks, b)
		if !more {
			break
		}
		idx = next
	}

	return EncodeBody(at, blocks...)
}

// Build assembles the body via BuildBody and wraps it in the outer
// TelemetryFrame for cmd, per §4.5.
func (e *Encoder) Build(values map[string]*metricsnapshot.MetricValue, at time.Time, cmd byte) ([]byte, error) {
	body := e.BuildBody(values, at)
	return EncodeFrame(cmd, AnsOuter, e.VIN, 0x01, body)
}
