package candecoder

import "github.com/tbox/agent/internal/signaltable"

// ExtractBits is the pure bit-extraction function described in spec §4.2,
// isolated from any transport so it can be table-driven tested on its own.
//
// It returns ok=false (and a zero value) when first_bit+bit_length exceeds
// 8*len(data) — the caller must silently skip the descriptor in that case,
// per the decode-time invariant.
func ExtractBits(data []byte, firstBit, bitLength uint, endian signaltable.Endian) (uint64, bool) {
	if bitLength == 0 || bitLength > 64 {
		return 0, false
	}
	if firstBit+bitLength > 8*uint(len(data)) {
		return 0, false
	}

	var value uint64
	switch endian {
	case signaltable.LittleEndian:
		for b := uint(0); b < bitLength; b++ {
			byteIdx := (firstBit + b) / 8
			bitIdx := (firstBit + b) % 8
			bit := (data[byteIdx] >> bitIdx) & 1
			value |= uint64(bit) << b
		}
	case signaltable.BigEndian:
		r := 8 - (firstBit % 8) + (firstBit/8)*8
		n := bitLength
		if r < n {
			n = r
		}
		for b := uint(0); b < n; b++ {
			x := (r - b) / 8
			if x >= uint(len(data)) {
				return 0, false
			}
			y := (firstBit + b) % 8
			bit := (data[x] >> y) & 1
			value = (value << 1) | uint64(bit)
		}
	default:
		return 0, false
	}
	return value, true
}
