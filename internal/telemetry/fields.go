package telemetry

import (
	"encoding/binary"

	"github.com/tbox/agent/internal/metricsnapshot"
)

// Per §4.5: a missing metric always encodes as "unknown"; an out-of-range
// value (after any field-specific scaling/bias) always encodes as
// "abnormal". Both sentinels are fixed per wire width.
const (
	u8Unknown  = 0xFF
	u8Abnormal = 0xFE

	u16Unknown  = 0xFFFF
	u16Abnormal = 0xFFFE

	u32Unknown  = 0xFFFFFFFF
	u32Abnormal = 0xFFFFFFFE
)

func lookup(values map[string]*metricsnapshot.MetricValue, name string) (*metricsnapshot.MetricValue, bool) {
	mv, ok := values[name]
	if !ok || mv == nil {
		return nil, false
	}
	return mv, true
}

func appendU8(buf []byte, v byte) []byte { return append(buf, v) }

func appendU16(buf []byte, v uint16) []byte { return binary.BigEndian.AppendUint16(buf, v) }

func appendU32(buf []byte, v uint32) []byte { return binary.BigEndian.AppendUint32(buf, v) }

// codeU8 encodes a raw integer state code through a caller-supplied mapping,
// falling back to abnormal for any raw value the mapping doesn't cover, and
// to unknown if the source metric is absent.
func codeU8(buf []byte, values map[string]*metricsnapshot.MetricValue, name string, mapping map[int64]byte) []byte {
	mv, ok := lookup(values, name)
	if !ok {
		return appendU8(buf, u8Unknown)
	}
	if v, ok := mapping[mv.Value]; ok {
		return appendU8(buf, v)
	}
	return appendU8(buf, u8Abnormal)
}

// scaledU8 encodes phys = raw*unit+offset, then scale*phys, bounded to max
// (inclusive) else abnormal.
func scaledU8(buf []byte, values map[string]*metricsnapshot.MetricValue, name string, scale, max float64) []byte {
	mv, ok := lookup(values, name)
	if !ok {
		return appendU8(buf, u8Unknown)
	}
	v := scale * mv.Physical()
	if v > max || v < 0 {
		return appendU8(buf, u8Abnormal)
	}
	return appendU8(buf, byte(v))
}

func scaledU16(buf []byte, values map[string]*metricsnapshot.MetricValue, name string, scale, max float64) []byte {
	mv, ok := lookup(values, name)
	if !ok {
		return appendU16(buf, u16Unknown)
	}
	v := scale * mv.Physical()
	if v > max || v < 0 {
		return appendU16(buf, u16Abnormal)
	}
	return appendU16(buf, uint16(v))
}

func scaledU32(buf []byte, values map[string]*metricsnapshot.MetricValue, name string, scale, max float64) []byte {
	mv, ok := lookup(values, name)
	if !ok {
		return appendU32(buf, u32Unknown)
	}
	v := scale * mv.Physical()
	if v > max || v < 0 {
		return appendU32(buf, u32Abnormal)
	}
	return appendU32(buf, uint32(v))
}

// biasedScaledU16 encodes scale*phys+bias as u16 with no declared range
// limit in §4.5 (used for insulation resistance): missing still yields
// unknown, but there is no abnormal case; the value is clamped to
// 0..0xFFFD instead.
func biasedScaledU16(buf []byte, values map[string]*metricsnapshot.MetricValue, name string, scale float64, bias int) []byte {
	mv, ok := lookup(values, name)
	if !ok {
		return appendU16(buf, u16Unknown)
	}
	v := scale*mv.Physical() + float64(bias)
	if v < 0 {
		v = 0
	}
	if v > 0xFFFD {
		v = 0xFFFD
	}
	return appendU16(buf, uint16(v))
}

func biasedU8(buf []byte, values map[string]*metricsnapshot.MetricValue, name string, bias int) []byte {
	mv, ok := lookup(values, name)
	if !ok {
		return appendU8(buf, u8Unknown)
	}
	v := mv.Physical() + float64(bias)
	if v < 0 {
		v = 0
	}
	if v > 0xFD {
		v = 0xFD
	}
	return appendU8(buf, byte(v))
}
