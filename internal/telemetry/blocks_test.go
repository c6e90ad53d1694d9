package telemetry

import (
	"testing"

	"github.com/tbox/agent/internal/metricsnapshot"
)

func mv(value int64, unit float64, offset int64) *metricsnapshot.MetricValue {
	if unit == 0 {
		unit = 1
	}
	return &metricsnapshot.MetricValue{Value: value, Unit: unit, Offset: offset, Shape: metricsnapshot.ShapePlain}
}

func TestEncodeTotalData_MissingMetricsEncodeUnknown(t *testing.T) {
	block := EncodeTotalData(map[string]*metricsnapshot.MetricValue{})
	if block[0] != blockTotalData {
		t.Fatalf("block type = %#x, want %#x", block[0], blockTotalData)
	}
	payload := block[3:]
	// vehicle-state, battery-state, running-mode all missing -> 0xFF
	if payload[0] != u8Unknown || payload[1] != u8Unknown || payload[2] != u8Unknown {
		t.Fatalf("expected unknown sentinels, got %v", payload[:3])
	}
}

func TestEncodeTotalData_SpeedScalingAndAbnormal(t *testing.T) {
	values := map[string]*metricsnapshot.MetricValue{
		"VehicleSpeed": mv(120, 1, 0), // phys=120, *10=1200 <= 2200
	}
	block := EncodeTotalData(values)
	payload := block[3:]
	speed := uint16(payload[3])<<8 | uint16(payload[4])
	if speed != 1200 {
		t.Fatalf("speed = %d, want 1200", speed)
	}

	values["VehicleSpeed"] = mv(500, 1, 0) // phys=500, *10=5000 > 2200 -> abnormal
	block = EncodeTotalData(values)
	payload = block[3:]
	speed = uint16(payload[3])<<8 | uint16(payload[4])
	if speed != u16Abnormal {
		t.Fatalf("speed = %#x, want abnormal", speed)
	}
}

func TestEncodeTotalData_VehicleStateMapping(t *testing.T) {
	cases := []struct {
		raw  int64
		want byte
	}{{0, 2}, {1, 1}, {9, u8Abnormal}}
	for _, c := range cases {
		values := map[string]*metricsnapshot.MetricValue{"PTReady": mv(c.raw, 1, 0)}
		block := EncodeTotalData(values)
		if got := block[3]; got != c.want {
			t.Fatalf("PTReady=%d -> %#x, want %#x", c.raw, got, c.want)
		}
	}
}

func TestEncodeDriveMotor_CountAndPerMotorFields(t *testing.T) {
	values := map[string]*metricsnapshot.MetricValue{
		"DriveMotorIndex": {
			Shape:      metricsnapshot.ShapeListIndex,
			IndexTable: map[string]struct{}{"1": {}, "2": {}},
		},
		"DriveMotorState": {
			Shape: metricsnapshot.ShapeListMember, ListParent: "DriveMotorIndex",
			ListTable: map[string]int64{"1": 3, "2": 4},
		},
		"DriveMotorCtrlTemp": {
			Shape: metricsnapshot.ShapeListMember, ListParent: "DriveMotorIndex",
			ListTable: map[string]int64{"1": 20, "2": 25},
		},
	}
	block := EncodeDriveMotor(values)
	if block[0] != blockDriveMotor {
		t.Fatalf("block type = %#x", block[0])
	}
	payload := block[3:]
	if payload[0] != 2 {
		t.Fatalf("count = %d, want 2", payload[0])
	}
	// record 1: index=1, state=3, ctrl-temp biased +40 = 60
	if payload[1] != 1 || payload[2] != 3 || payload[3] != 60 {
		t.Fatalf("unexpected first record: %v", payload[1:13])
	}
}

func TestEncodeExtremum_IDIsOneBased(t *testing.T) {
	values := map[string]*metricsnapshot.MetricValue{
		"ExtremumIndex": mv(4, 1, 0),
	}
	block := EncodeExtremum(values)
	payload := block[3:]
	if payload[0] != 5 {
		t.Fatalf("extremum id = %d, want 5 (raw+1)", payload[0])
	}
}

func TestEncodeExtremum_AbnormalAbove250(t *testing.T) {
	values := map[string]*metricsnapshot.MetricValue{
		"ExtremumIndex": mv(260, 1, 0),
	}
	block := EncodeExtremum(values)
	payload := block[3:]
	if payload[0] != u8Abnormal {
		t.Fatalf("extremum id = %#x, want abnormal", payload[0])
	}
}

func TestEncodeAlarm_PacksBitfield(t *testing.T) {
	values := map[string]*metricsnapshot.MetricValue{
		"AlarmBattOverheat": mv(1, 1, 0), // bit 1
		"AlarmSOCOvercharge": mv(1, 1, 0), // bit 18
	}
	block := EncodeAlarm(values, 2)
	payload := block[3:]
	if payload[0] != 2 {
		t.Fatalf("fault level = %d, want 2", payload[0])
	}
	bits := uint32(payload[1])<<24 | uint32(payload[2])<<16 | uint32(payload[3])<<8 | uint32(payload[4])
	want := uint32(1<<1) | uint32(1<<18)
	if bits != want {
		t.Fatalf("bits = %#x, want %#x", bits, want)
	}
}

func TestEncodeRechargableVoltage_PaginatesAcrossSubsystems(t *testing.T) {
	values := map[string]*metricsnapshot.MetricValue{
		"BattSubsystemIndex": {
			Shape:      metricsnapshot.ShapeListIndex,
			IndexTable: map[string]struct{}{"1": {}, "2": {}},
		},
		"BattSubsystemCellCnt": {
			Shape: metricsnapshot.ShapeListMember, ListParent: "BattSubsystemIndex",
			ListTable: map[string]int64{"1": 2, "2": 1},
		},
		"BattSubsystemVoltage": {
			Shape: metricsnapshot.ShapeListMember, ListParent: "BattSubsystemIndex",
			ListTable: map[string]int64{"1": 3700, "2": 3650},
		},
		"CellVoltage": {
			Shape: metricsnapshot.ShapeListMember, ListParent: "CellVoltageIndex",
			ListTable: map[string]int64{"1": 3701, "2": 3699, "3": 3702},
		},
	}

	block, next, more := EncodeRechargableVoltage(values, 1)
	if block[0] != blockRechargableVoltage {
		t.Fatalf("block type = %#x", block[0])
	}
	if more {
		t.Fatal("expected haveMore=false: only 3 cells total, well under 200 budget")
	}
	if next != 4 {
		t.Fatalf("next = %d, want 4 (past last global index)", next)
	}
}

func TestEncodeRechargableTemperature_BiasedByForty(t *testing.T) {
	values := map[string]*metricsnapshot.MetricValue{
		"BattSubsystemIndex": {
			Shape:      metricsnapshot.ShapeListIndex,
			IndexTable: map[string]struct{}{"1": {}},
		},
		"BattSubsystemCellCnt": {
			Shape: metricsnapshot.ShapeListMember, ListParent: "BattSubsystemIndex",
			ListTable: map[string]int64{"1": 1},
		},
		"CellTemp": {
			Shape: metricsnapshot.ShapeListMember, ListParent: "CellTempIndex",
			ListTable: map[string]int64{"1": 25},
		},
	}
	block, _, _ := EncodeRechargableTemperature(values, 1)
	// header is 9 bytes (id,u16 pv,u16 cur,u8 cnt,u16 start,u8 thisframe), then one u8 temp reading
	payload := block[3:]
	if len(payload) != 10 {
		t.Fatalf("payload length = %d, want 10", len(payload))
	}
	if payload[9] != 65 { // 25 + 40
		t.Fatalf("temp reading = %d, want 65", payload[9])
	}
}
