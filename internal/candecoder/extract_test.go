package candecoder

import (
	"testing"

	"github.com/tbox/agent/internal/signaltable"
)

func TestExtractBits_LittleEndianSingleByteIsIdentity(t *testing.T) {
	got, ok := ExtractBits([]byte{0xAB}, 0, 8, signaltable.LittleEndian)
	if !ok || got != 0xAB {
		t.Fatalf("got %#x, ok=%v, want 0xAB true", got, ok)
	}
}

func TestExtractBits_LittleEndianTwoByteReconstructsLEInteger(t *testing.T) {
	// Classic little-endian 16-bit integer: low byte first.
	got, ok := ExtractBits([]byte{0x01, 0x02}, 0, 16, signaltable.LittleEndian)
	if !ok || got != 0x0201 {
		t.Fatalf("got %#x, ok=%v, want 0x0201 true", got, ok)
	}
}

func TestExtractBits_LittleEndianMidByteWindow(t *testing.T) {
	// data = 0b1011_0010; bits [2,6) = bits 2,3,4,5 = 0,0,1,1 (LSB-first) -> 0b1100 = 0xC
	got, ok := ExtractBits([]byte{0xB2}, 2, 4, signaltable.LittleEndian)
	if !ok || got != 0xC {
		t.Fatalf("got %#x, ok=%v, want 0xC true", got, ok)
	}
}

func TestExtractBits_BigEndianKnownVector(t *testing.T) {
	got, ok := ExtractBits([]byte{0xFF, 0x12, 0x34}, 8, 16, signaltable.BigEndian)
	if !ok || got != 0x487F {
		t.Fatalf("got %#x, ok=%v, want 0x487F true", got, ok)
	}
}

func TestExtractBits_OutOfRangeIsSkipped(t *testing.T) {
	if _, ok := ExtractBits([]byte{0x01}, 4, 8, signaltable.LittleEndian); ok {
		t.Fatal("expected skip (ok=false) for first_bit+bit_length > 8*len")
	}
	if _, ok := ExtractBits([]byte{0xFF, 0x12, 0x34}, 20, 8, signaltable.BigEndian); ok {
		t.Fatal("expected skip (ok=false) for BE out-of-range window")
	}
}

func TestExtractBits_ZeroBitLengthIsInvalid(t *testing.T) {
	if _, ok := ExtractBits([]byte{0xFF}, 0, 0, signaltable.LittleEndian); ok {
		t.Fatal("expected ok=false for zero bit length")
	}
}
