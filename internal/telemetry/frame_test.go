package telemetry

import (
	"testing"
	"time"
)

func TestEncodeFrame_ChecksumIsXOROfCmdThroughPayload(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}
	frame, err := EncodeFrame(CmdRealtime, AnsOuter, "VIN1234567890ABCD", 0x01, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var want byte
	for _, b := range frame[2 : len(frame)-1] {
		want ^= b
	}
	if got := frame[len(frame)-1]; got != want {
		t.Fatalf("checksum = %#x, want %#x", got, want)
	}
}

func TestEncodeFrame_VINPaddedToSeventeenBytes(t *testing.T) {
	frame, err := EncodeFrame(CmdRealtime, AnsOuter, "SHORTVIN", 0x01, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	vinField := frame[4:21]
	if len(vinField) != 17 {
		t.Fatalf("vin field length = %d, want 17", len(vinField))
	}
	if string(vinField[:8]) != "SHORTVIN" {
		t.Fatalf("vin prefix = %q", vinField[:8])
	}
	for i := 8; i < 17; i++ {
		if vinField[i] != 0 {
			t.Fatalf("expected NUL padding at byte %d, got %#x", i, vinField[i])
		}
	}
}

func TestEncodeParseFrame_RoundTripsHeaderByteIdentical(t *testing.T) {
	payload := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	frame, err := EncodeFrame(CmdRepeat, AnsOuter, "1M8GDM9A_KP042788", 0x01, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	fr, consumed, ok := ParseFrame(frame)
	if !ok {
		t.Fatal("expected ok=true parsing freshly-encoded frame")
	}
	if consumed != len(frame) {
		t.Fatalf("consumed = %d, want %d", consumed, len(frame))
	}
	if fr.Cmd != CmdRepeat || fr.Ans != AnsOuter || fr.Enc != 0x01 {
		t.Fatalf("unexpected header fields: %+v", fr)
	}
	if fr.VIN != "1M8GDM9A_KP042788" {
		t.Fatalf("vin = %q", fr.VIN)
	}
	if string(fr.Payload) != string(payload) {
		t.Fatalf("payload = %v, want %v", fr.Payload, payload)
	}
}

func TestParseFrame_IncompleteBufferNeedsMoreData(t *testing.T) {
	frame, _ := EncodeFrame(CmdRealtime, AnsOuter, "VIN", 0x01, []byte{1, 2, 3})
	_, consumed, ok := ParseFrame(frame[:len(frame)-2])
	if ok {
		t.Fatal("expected ok=false for truncated frame")
	}
	if consumed != 0 {
		t.Fatalf("consumed = %d, want 0", consumed)
	}
}

func TestParseFrame_BadChecksumResyncsByOneByte(t *testing.T) {
	frame, _ := EncodeFrame(CmdRealtime, AnsOuter, "VIN", 0x01, []byte{1, 2, 3})
	frame[len(frame)-1] ^= 0xFF

	_, consumed, ok := ParseFrame(frame)
	if ok {
		t.Fatal("expected ok=false for bad checksum")
	}
	if consumed != 1 {
		t.Fatalf("consumed = %d, want 1", consumed)
	}
}

func TestParseFrame_BadPreambleResyncsByOneByte(t *testing.T) {
	frame, _ := EncodeFrame(CmdRealtime, AnsOuter, "VIN", 0x01, []byte{1, 2, 3})
	frame[0] = 'X'

	_, consumed, ok := ParseFrame(frame)
	if ok {
		t.Fatal("expected ok=false for bad preamble")
	}
	if consumed != 1 {
		t.Fatalf("consumed = %d, want 1", consumed)
	}
}

func TestEncodeBody_PrependsLocalTimestampHeader(t *testing.T) {
	at := time.Date(2026, time.March, 5, 13, 45, 30, 0, time.Local)
	body := EncodeBody(at, []byte{0xAA})
	if len(body) != 7 {
		t.Fatalf("body length = %d, want 7", len(body))
	}
	if body[0] != 26 || body[1] != 3 || body[2] != 5 || body[3] != 13 || body[4] != 45 || body[5] != 30 {
		t.Fatalf("unexpected timestamp header: %v", body[:6])
	}
	if body[6] != 0xAA {
		t.Fatalf("expected trailing block byte, got %#x", body[6])
	}
}

func TestEncodeFrame_RejectsOversizedPayload(t *testing.T) {
	_, err := EncodeFrame(CmdRealtime, AnsOuter, "VIN", 0x01, make([]byte, 0x10000))
	if err == nil {
		t.Fatal("expected error for oversized payload")
	}
}
