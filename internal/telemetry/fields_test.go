package telemetry

import (
	"testing"

	"github.com/tbox/agent/internal/metricsnapshot"
)

func TestScaledU8_MissingIsUnknownOutOfRangeIsAbnormal(t *testing.T) {
	values := map[string]*metricsnapshot.MetricValue{}
	got := scaledU8(nil, values, "actSOC", 1, 100)
	if got[0] != u8Unknown {
		t.Fatalf("missing = %#x, want unknown", got[0])
	}

	values["actSOC"] = mv(150, 1, 0)
	got = scaledU8(nil, values, "actSOC", 1, 100)
	if got[0] != u8Abnormal {
		t.Fatalf("over-range = %#x, want abnormal", got[0])
	}

	values["actSOC"] = mv(80, 1, 0)
	got = scaledU8(nil, values, "actSOC", 1, 100)
	if got[0] != 80 {
		t.Fatalf("in-range = %d, want 80", got[0])
	}
}

func TestBiasedU8_ClampsAndBiases(t *testing.T) {
	values := map[string]*metricsnapshot.MetricValue{
		"Temp": mv(-50, 1, 0),
	}
	got := biasedU8(nil, values, "Temp", 40)
	if got[0] != 0 {
		t.Fatalf("clamped-low = %d, want 0", got[0])
	}
}

func TestCodeU8_MappingAndFallback(t *testing.T) {
	mapping := map[int64]byte{1: 0xAA}
	values := map[string]*metricsnapshot.MetricValue{"X": mv(1, 1, 0)}
	got := codeU8(nil, values, "X", mapping)
	if got[0] != 0xAA {
		t.Fatalf("mapped = %#x, want 0xAA", got[0])
	}

	values["X"] = mv(2, 1, 0)
	got = codeU8(nil, values, "X", mapping)
	if got[0] != u8Abnormal {
		t.Fatalf("unmapped = %#x, want abnormal", got[0])
	}
}
