package uplink

import (
	"encoding/binary"
	"time"
)

const (
	iccidLen        = 20
	batteryCodeWide = 16
)

// encodeVehicleLogin builds the VehicleLogin (cmd=0x01) payload: now
// local y/m/d/h/m/s, session+1, iccid:20, battery_count:u8,
// battery_code_len:u8, battery_codes, per §4.6.
func encodeVehicleLogin(now time.Time, session uint16, iccid string, batteryCodes []string) []byte {
	l := now.Local()
	year := l.Year() - 2000
	if year < 0 {
		year = 0
	}
	if year > 255 {
		year = 255
	}

	buf := make([]byte, 0, 6+2+iccidLen+1+1+len(batteryCodes)*batteryCodeWide)
	buf = append(buf, byte(year), byte(l.Month()), byte(l.Day()), byte(l.Hour()), byte(l.Minute()), byte(l.Second()))
	buf = binary.BigEndian.AppendUint16(buf, session)

	var iccidBuf [iccidLen]byte
	copy(iccidBuf[:], iccid)
	buf = append(buf, iccidBuf[:]...)

	buf = append(buf, byte(len(batteryCodes)), batteryCodeWide)
	for _, code := range batteryCodes {
		var codeBuf [batteryCodeWide]byte
		copy(codeBuf[:], code)
		buf = append(buf, codeBuf[:]...)
	}
	return buf
}

// decodeAckTimestamp decodes the 6-byte local timestamp a server echoes
// back in a ReportData ACK body, converting it to Unix seconds so it can be
// matched against the priority tree key. Returns ok=false if the payload is
// too short.
func decodeAckTimestamp(payload []byte) (int64, bool) {
	if len(payload) < 6 {
		return 0, false
	}
	year := 2000 + int(payload[0])
	month := time.Month(payload[1])
	day := int(payload[2])
	hour := int(payload[3])
	minute := int(payload[4])
	sec := int(payload[5])
	t := time.Date(year, month, day, hour, minute, sec, 0, time.Local)
	return t.Unix(), true
}
