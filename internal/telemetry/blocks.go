package telemetry

import (
	"encoding/binary"
	"sort"
	"strconv"

	"github.com/tbox/agent/internal/metricsnapshot"
)

// Block type tags, per §4.5.
const (
	blockTotalData          = 0x01
	blockDriveMotor         = 0x02
	blockVehiclePosition    = 0x05
	blockExtremum           = 0x06
	blockAlarm              = 0x07
	blockRechargableVoltage = 0x08
	blockRechargableTemp    = 0x09
)

func wrapBlock(kind byte, payload []byte) []byte {
	out := make([]byte, 0, 3+len(payload))
	out = append(out, kind)
	out = binary.BigEndian.AppendUint16(out, uint16(len(payload)))
	out = append(out, payload...)
	return out
}

var (
	vehicleStateMap = map[int64]byte{0: 2, 1: 1}
	batteryStateMap = map[int64]byte{6: 1, 7: 2, 8: 4, 0xA: u8Abnormal, 0: 3, 1: 3, 2: 3, 3: 3, 4: 3, 5: 3}
	runningModeMap  = map[int64]byte{1: 1, 3: u8Abnormal}
	dcdcMap         = map[int64]byte{1: 1, 0: 2, 2: 2}
	gearMap         = map[int64]byte{0: 0, 1: 0xE, 2: 0xD, 3: 0xF}
)

func codeU8Default(buf []byte, values map[string]*metricsnapshot.MetricValue, name string, mapping map[int64]byte, unlisted byte) []byte {
	mv, ok := lookup(values, name)
	if !ok {
		return appendU8(buf, u8Unknown)
	}
	if v, ok := mapping[mv.Value]; ok {
		return appendU8(buf, v)
	}
	return appendU8(buf, unlisted)
}

// EncodeTotalData builds block 0x01 from the representative field set in
// §4.5's TotalData table.
func EncodeTotalData(values map[string]*metricsnapshot.MetricValue) []byte {
	var b []byte
	b = codeU8Default(b, values, "PTReady", vehicleStateMap, u8Abnormal)
	b = codeU8Default(b, values, "BatState", batteryStateMap, u8Abnormal)
	b = codeU8Default(b, values, "PTMode", runningModeMap, u8Abnormal)
	b = scaledU16(b, values, "VehicleSpeed", 10, 2200)
	b = scaledU32(b, values, "ODO", 10, 9_999_999)
	b = scaledU16(b, values, "actVoltage", 10, 10000)
	b = scaledU16WithBias(b, values, "actCurrent", 10, 1000, 20000)
	b = scaledU8(b, values, "actSOC", 1, 100)
	b = codeU8Default(b, values, "StOpMode", dcdcMap, u8Abnormal)
	b = codeU8Default(b, values, "StGear", gearMap, u8Abnormal)
	b = biasedScaledU16(b, values, "IsoResistance", 10, 0)
	b = scaledU8(b, values, "GasNrm", 1, 100)
	b = scaledU8(b, values, "bBrk", 1, 101)
	return wrapBlock(blockTotalData, b)
}

// scaledU16WithBias encodes scale*(phys+bias), bounded to max, used by
// total-current: 10*(phys+1000), ≤20000 else abnormal.
func scaledU16WithBias(buf []byte, values map[string]*metricsnapshot.MetricValue, name string, scale float64, bias int, max float64) []byte {
	mv, ok := lookup(values, name)
	if !ok {
		return appendU16(buf, u16Unknown)
	}
	v := scale * (mv.Physical() + float64(bias))
	if v > max || v < 0 {
		return appendU16(buf, u16Abnormal)
	}
	return appendU16(buf, uint16(v))
}

func sortedIndexKeys(mv *metricsnapshot.MetricValue) []string {
	if mv == nil {
		return nil
	}
	keys := make([]string, 0, len(mv.IndexTable))
	for k := range mv.IndexTable {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, _ := strconv.ParseInt(keys[i], 10, 64)
		b, _ := strconv.ParseInt(keys[j], 10, 64)
		return a < b
	})
	return keys
}

// EncodeDriveMotor builds block 0x02: a count byte (≤253) followed by one
// record per drive motor index seen in DriveMotorIndex's index table.
func EncodeDriveMotor(values map[string]*metricsnapshot.MetricValue) []byte {
	idx, _ := lookup(values, "DriveMotorIndex")
	keys := sortedIndexKeys(idx)
	if len(keys) > 253 {
		keys = keys[:253]
	}

	b := make([]byte, 0, 1+len(keys)*13)
	b = appendU8(b, byte(len(keys)))
	for _, key := range keys {
		n, _ := strconv.ParseInt(key, 10, 64)
		b = appendU8(b, byte(n))
		b = memberU8(b, values, "DriveMotorState", key)
		b = memberBiasedU8(b, values, "DriveMotorCtrlTemp", key, 40)
		b = memberBiasedU16(b, values, "DriveMotorSpinSpeed", key, 1, 20000)
		b = memberBiasedScaledU16(b, values, "DriveMotorTorque", key, 10, 20000)
		b = memberBiasedU8(b, values, "DriveMotorMotorTemp", key, 40)
		b = memberScaledU16(b, values, "DriveMotorCtrlVolt", key, 10)
		b = memberBiasedScaledU16(b, values, "DriveMotorCtrlCurr", key, 10, 10000)
	}
	return wrapBlock(blockDriveMotor, b)
}

func memberValue(values map[string]*metricsnapshot.MetricValue, name, key string) (int64, bool) {
	mv, ok := lookup(values, name)
	if !ok || mv.ListTable == nil {
		return 0, false
	}
	v, ok := mv.ListTable[key]
	return v, ok
}

func memberU8(buf []byte, values map[string]*metricsnapshot.MetricValue, name, key string) []byte {
	v, ok := memberValue(values, name, key)
	if !ok {
		return appendU8(buf, u8Unknown)
	}
	if v < 0 || v > 0xFD {
		return appendU8(buf, u8Abnormal)
	}
	return appendU8(buf, byte(v))
}

func memberBiasedU8(buf []byte, values map[string]*metricsnapshot.MetricValue, name, key string, bias int) []byte {
	v, ok := memberValue(values, name, key)
	if !ok {
		return appendU8(buf, u8Unknown)
	}
	biased := v + int64(bias)
	if biased < 0 || biased > 0xFD {
		return appendU8(buf, u8Abnormal)
	}
	return appendU8(buf, byte(biased))
}

func memberBiasedU16(buf []byte, values map[string]*metricsnapshot.MetricValue, name, key string, scale float64, bias int) []byte {
	v, ok := memberValue(values, name, key)
	if !ok {
		return appendU16(buf, u16Unknown)
	}
	biased := scale*float64(v) + float64(bias)
	if biased < 0 || biased > 0xFFFD {
		return appendU16(buf, u16Abnormal)
	}
	return appendU16(buf, uint16(biased))
}

func memberBiasedScaledU16(buf []byte, values map[string]*metricsnapshot.MetricValue, name, key string, scale float64, bias int) []byte {
	return memberBiasedU16(buf, values, name, key, scale, bias)
}

func memberScaledU16(buf []byte, values map[string]*metricsnapshot.MetricValue, name, key string, scale float64) []byte {
	v, ok := memberValue(values, name, key)
	if !ok {
		return appendU16(buf, u16Unknown)
	}
	scaled := scale * float64(v)
	if scaled < 0 || scaled > 0xFFFD {
		return appendU16(buf, u16Abnormal)
	}
	return appendU16(buf, uint16(scaled))
}

// GPSProvider is the latest-fix getter exposed by the external GPS
// collaborator (out of scope per §1; the agent only consumes it).
type GPSProvider interface {
	Fix() (state byte, latitude, longitude uint32)
}

// EncodeVehiclePosition builds block 0x05 from the GPS collaborator's
// latest fix.
func EncodeVehiclePosition(gps GPSProvider) []byte {
	if gps == nil {
		b := make([]byte, 0, 9)
		b = appendU8(b, u8Unknown)
		b = appendU32(b, u32Unknown)
		b = appendU32(b, u32Unknown)
		return wrapBlock(blockVehiclePosition, b)
	}
	state, lat, lon := gps.Fix()
	b := make([]byte, 0, 9)
	b = appendU8(b, state)
	b = appendU32(b, lat)
	b = appendU32(b, lon)
	return wrapBlock(blockVehiclePosition, b)
}

func extremumID(mv *metricsnapshot.MetricValue) byte {
	if mv == nil {
		return u8Unknown
	}
	if mv.Value < 0 || mv.Value+1 >= 250 {
		return u8Abnormal
	}
	return byte(mv.Value + 1)
}

// EncodeExtremum builds block 0x06: the id (1-based, 250+ abnormal) plus
// value of each max/min voltage/temperature metric tracked by the
// Extremum* list-index/list-member family.
func EncodeExtremum(values map[string]*metricsnapshot.MetricValue) []byte {
	var b []byte
	idx, _ := lookup(values, "ExtremumIndex")
	b = appendU8(b, extremumID(idx))
	b = scaledU16(b, values, "ExtremumVoltage", 1, 0xFFFD)
	b = biasedU8(b, values, "ExtremumTemp", 40)
	return wrapBlock(blockExtremum, b)
}

// alarmBits is the fixed bit-position registry for the 19 boolean alarm
// metrics packed into block 0x07's u32 bitfield, per §4.5. The original
// firmware's alarm names are not part of the distilled spec; this registry
// is this implementation's choice of metric names for each bit.
var alarmBits = []struct {
	name string
	bit  uint
}{
	{"AlarmTempDiff", 0},
	{"AlarmBattOverheat", 1},
	{"AlarmBattOvervolt", 2},
	{"AlarmBattUndervolt", 3},
	{"AlarmCellOvervolt", 4},
	{"AlarmCellUndervolt", 5},
	{"AlarmSOCHigh", 6},
	{"AlarmSOCLow", 7},
	{"AlarmSOCJump", 8},
	{"AlarmInsulation", 9},
	{"AlarmDCDCTemp", 10},
	{"AlarmBrakeFail", 11},
	{"AlarmDCDCStatus", 12},
	{"AlarmPDU", 13},
	{"AlarmDriveMotorTemp", 14},
	{"AlarmMotorCtrlTemp", 15},
	{"AlarmBMSComm", 16},
	{"AlarmBattOvercharge", 17},
	{"AlarmSOCOvercharge", 18},
}

// EncodeAlarm builds block 0x07: a fault-level byte followed by the 19-bit
// alarm bitfield (u32), bit semantics 0=inactive 1=active, missing=inactive.
func EncodeAlarm(values map[string]*metricsnapshot.MetricValue, faultLevel byte) []byte {
	var bits uint32
	for _, a := range alarmBits {
		mv, ok := lookup(values, a.name)
		if ok && mv.Value != 0 {
			bits |= 1 << a.bit
		}
	}
	b := make([]byte, 0, 5)
	b = appendU8(b, faultLevel)
	b = appendU32(b, bits)
	return wrapBlock(blockAlarm, b)
}
