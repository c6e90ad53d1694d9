package uplink

import (
	"encoding/binary"
)

// buildQueryResponse encodes the Query(0x80) response body: log_update_ms,
// report_normal_s, report_emergency_ms, remote_host_len, remote_host,
// remote_port, hw_version[5], fw_version[5], heartbeat_s, answer_s, per
// §4.6.
func buildQueryResponse(p Params, hwVersion, fwVersion string) []byte {
	host := p.RemoteHost
	buf := make([]byte, 0, 4+2+4+1+len(host)+2+5+5+2+2)
	buf = binary.BigEndian.AppendUint32(buf, uint32(p.LogUpdateMS))
	buf = binary.BigEndian.AppendUint16(buf, uint16(p.ReportNormalS))
	buf = binary.BigEndian.AppendUint32(buf, uint32(p.ReportEmergencyMS))
	buf = append(buf, byte(len(host)))
	buf = append(buf, host...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(p.RemotePort))

	var hw, fw [5]byte
	copy(hw[:], hwVersion)
	copy(fw[:], fwVersion)
	buf = append(buf, hw[:]...)
	buf = append(buf, fw[:]...)

	buf = binary.BigEndian.AppendUint16(buf, uint16(p.HeartbeatS))
	buf = binary.BigEndian.AppendUint16(buf, uint16(p.AnswerS))
	return buf
}

// parseSetupPayload decodes a Setup(0x81) request body, which carries the
// same field layout as the Query response minus the version strings
// (read-only), then clamps it to documented ranges.
func parseSetupPayload(payload []byte) (Params, bool) {
	const minLen = 4 + 2 + 4 + 1
	if len(payload) < minLen {
		return Params{}, false
	}
	var p Params
	off := 0
	p.LogUpdateMS = int(binary.BigEndian.Uint32(payload[off : off+4]))
	off += 4
	p.ReportNormalS = int(binary.BigEndian.Uint16(payload[off : off+2]))
	off += 2
	p.ReportEmergencyMS = int(binary.BigEndian.Uint32(payload[off : off+4]))
	off += 4
	hostLen := int(payload[off])
	off++
	if len(payload) < off+hostLen+2+2+2 {
		return Params{}, false
	}
	p.RemoteHost = string(payload[off : off+hostLen])
	off += hostLen
	p.RemotePort = int(binary.BigEndian.Uint16(payload[off : off+2]))
	off += 2
	p.HeartbeatS = int(binary.BigEndian.Uint16(payload[off : off+2]))
	off += 2
	p.AnswerS = int(binary.BigEndian.Uint16(payload[off : off+2]))
	return p.clamped(), true
}
