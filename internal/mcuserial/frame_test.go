package mcuserial

import (
	"bytes"
	"testing"
)

func TestEncodeFrame_RoundTripsThroughDecodeStream(t *testing.T) {
	wire := EncodeFrame(CmdHeartbeat, nil, ackFlagUnset)

	var got []Frame
	buf := bytes.NewBuffer(wire)
	DecodeStream(buf, func(fr Frame) { got = append(got, fr) })

	if len(got) != 1 {
		t.Fatalf("got %d frames, want 1", len(got))
	}
	if got[0].Command != CmdHeartbeat || got[0].AckFlag != ackFlagUnset || len(got[0].Payload) != 0 {
		t.Fatalf("unexpected frame: %+v", got[0])
	}
}

func TestEncodeFrame_WithPayloadRoundTrips(t *testing.T) {
	wire := EncodeFrame(CmdSetGravityThreshold, []byte{42}, ackFlagSet)

	var got []Frame
	buf := bytes.NewBuffer(wire)
	DecodeStream(buf, func(fr Frame) { got = append(got, fr) })

	if len(got) != 1 || len(got[0].Payload) != 1 || got[0].Payload[0] != 42 {
		t.Fatalf("unexpected decode: %+v", got)
	}
}

func TestDecodeStream_ResyncsPastGarbagePrefix(t *testing.T) {
	wire := EncodeFrame(CmdHeartbeat, nil, ackFlagUnset)
	noisy := append([]byte{0x00, 0xFF, 0x11}, wire...)

	var got []Frame
	buf := bytes.NewBuffer(noisy)
	DecodeStream(buf, func(fr Frame) { got = append(got, fr) })

	if len(got) != 1 || got[0].Command != CmdHeartbeat {
		t.Fatalf("unexpected decode after garbage prefix: %+v", got)
	}
}

func TestDecodeStream_ResyncsPastBadChecksum(t *testing.T) {
	wire := EncodeFrame(CmdHeartbeat, nil, ackFlagUnset)
	corrupt := make([]byte, len(wire))
	copy(corrupt, wire)
	corrupt[len(corrupt)-2] ^= 0xFF // flip checksum byte

	good := EncodeFrame(CmdRtcSyncAck, nil, ackFlagUnset)

	var got []Frame
	buf := bytes.NewBuffer(append(corrupt, good...))
	DecodeStream(buf, func(fr Frame) { got = append(got, fr) })

	if len(got) != 1 || got[0].Command != CmdRtcSyncAck {
		t.Fatalf("expected resync to recover the following frame, got %+v", got)
	}
}

func TestDecodeStream_WaitsForMoreDataOnPartialFrame(t *testing.T) {
	wire := EncodeFrame(CmdSetGravityThreshold, []byte{9}, ackFlagSet)

	var got []Frame
	buf := bytes.NewBuffer(wire[:len(wire)-2])
	DecodeStream(buf, func(fr Frame) { got = append(got, fr) })
	if len(got) != 0 {
		t.Fatalf("expected no frames from partial buffer, got %d", len(got))
	}

	buf.Write(wire[len(wire)-2:])
	DecodeStream(buf, func(fr Frame) { got = append(got, fr) })
	if len(got) != 1 {
		t.Fatalf("expected 1 frame after completing buffer, got %d", len(got))
	}
}

func TestDecodeAccelEvent_ParsesSignedTriplet(t *testing.T) {
	payload := []byte{0xFF, 0xFE, 0x00, 0x64, 0x01, 0x00} // -2, 100, 256
	x, y, z, ok := decodeAccelEvent(payload)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if x != -2 || y != 100 || z != 256 {
		t.Fatalf("x,y,z = %d,%d,%d", x, y, z)
	}
}

func TestDecodeAccelEvent_TooShortReturnsFalse(t *testing.T) {
	if _, _, _, ok := decodeAccelEvent([]byte{1, 2}); ok {
		t.Fatal("expected ok=false")
	}
}
