package uplink

import "testing"

func TestBuildQueryResponse_EncodesHostAndVersions(t *testing.T) {
	p := Params{
		LogUpdateMS:       1000,
		ReportNormalS:     30,
		ReportEmergencyMS: 500,
		RemoteHost:        "fleet.example.com",
		RemotePort:        9000,
		HeartbeatS:        10,
		AnswerS:           60,
	}
	resp := buildQueryResponse(p, "1.2.3", "9.8.7")

	hostLen := int(resp[4+2+4])
	if hostLen != len(p.RemoteHost) {
		t.Fatalf("hostLen = %d, want %d", hostLen, len(p.RemoteHost))
	}
	host := string(resp[4+2+4+1 : 4+2+4+1+hostLen])
	if host != p.RemoteHost {
		t.Fatalf("host = %q, want %q", host, p.RemoteHost)
	}
}

func TestParseSetupPayload_ClampsAnswerTimeoutRange(t *testing.T) {
	p := Params{
		LogUpdateMS:       500,
		ReportNormalS:     10,
		ReportEmergencyMS: 200,
		RemoteHost:        "h",
		RemotePort:        1234,
		HeartbeatS:        5,
		AnswerS:           3, // below min
	}
	payload := buildSetupPayloadForTest(p)

	got, ok := parseSetupPayload(payload)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if got.AnswerS != minAnswerS {
		t.Fatalf("AnswerS = %d, want clamped to %d", got.AnswerS, minAnswerS)
	}
	if got.RemoteHost != "h" || got.RemotePort != 1234 {
		t.Fatalf("host/port = %q/%d, want h/1234", got.RemoteHost, got.RemotePort)
	}
}

func TestParseSetupPayload_TooShortReturnsFalse(t *testing.T) {
	if _, ok := parseSetupPayload([]byte{1, 2, 3}); ok {
		t.Fatal("expected ok=false for truncated payload")
	}
}

// buildSetupPayloadForTest mirrors the wire layout parseSetupPayload
// expects, without hw/fw version fields (those are Query-response-only).
func buildSetupPayloadForTest(p Params) []byte {
	buf := make([]byte, 0, 4+2+4+1+len(p.RemoteHost)+2+2+2)
	buf = appendU32(buf, uint32(p.LogUpdateMS))
	buf = appendU16(buf, uint16(p.ReportNormalS))
	buf = appendU32(buf, uint32(p.ReportEmergencyMS))
	buf = append(buf, byte(len(p.RemoteHost)))
	buf = append(buf, p.RemoteHost...)
	buf = appendU16(buf, uint16(p.RemotePort))
	buf = appendU16(buf, uint16(p.HeartbeatS))
	buf = appendU16(buf, uint16(p.AnswerS))
	return buf
}

func appendU32(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func appendU16(buf []byte, v uint16) []byte {
	return append(buf, byte(v>>8), byte(v))
}
