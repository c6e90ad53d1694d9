package mcuserial

import "time"

// Command bytes the agent sends and receives, per §4.8.
const (
	CmdHeartbeat           byte = 0x01
	CmdGracefulShutdown    byte = 0x03
	CmdLowVoltageShutdown  byte = 0x07
	CmdRtcSync             byte = 0x09
	CmdSetWakeTime         byte = 0x0B
	CmdSetGravityThreshold byte = 0x0F

	CmdPowerOffA  byte = 0x04
	CmdPowerOffB  byte = 0x08
	CmdLowVoltage byte = 0x05
	CmdRtcSyncAck byte = 0x0A
	CmdAccelEvent byte = 0x13
)

// ackFlagSet marks a command as requiring acknowledgement. Only
// GracefulShutdown and LowVoltageShutdown go through the client's pending
// slot, which resends up to 3 times at 5-s spacing; the other ack=1 frames
// (RTC sync, wake time, gravity threshold) are sent once, and RTC sync is
// repeated on its own 120-s schedule until the MCU acknowledges it.
const ackFlagSet byte = 1
const ackFlagUnset byte = 0

func encodeTimeLayout(t time.Time) []byte {
	l := t.Local()
	year := l.Year() - 2000
	if year < 0 {
		year = 0
	}
	if year > 255 {
		year = 255
	}
	dow := byte(l.Weekday())
	return []byte{byte(year), byte(l.Month()), byte(l.Day()), dow, byte(l.Hour()), byte(l.Minute()), byte(l.Second())}
}

func heartbeatFrame() []byte {
	return EncodeFrame(CmdHeartbeat, nil, ackFlagUnset)
}

func gracefulShutdownFrame() []byte {
	return EncodeFrame(CmdGracefulShutdown, nil, ackFlagSet)
}

func lowVoltageShutdownFrame() []byte {
	return EncodeFrame(CmdLowVoltageShutdown, nil, ackFlagSet)
}

func rtcSyncFrame(t time.Time) []byte {
	return EncodeFrame(CmdRtcSync, encodeTimeLayout(t), ackFlagSet)
}

func setWakeTimeFrame(t time.Time) []byte {
	return EncodeFrame(CmdSetWakeTime, encodeTimeLayout(t), ackFlagSet)
}

func setGravityThresholdFrame(threshold byte) []byte {
	return EncodeFrame(CmdSetGravityThreshold, []byte{threshold}, ackFlagSet)
}

// decodeAccelEvent parses the s16 BE x3 payload of an AccelEvent(0x13)
// frame, per §4.8.
func decodeAccelEvent(payload []byte) (x, y, z int16, ok bool) {
	if len(payload) < 6 {
		return 0, 0, 0, false
	}
	x = int16(uint16(payload[0])<<8 | uint16(payload[1]))
	y = int16(uint16(payload[2])<<8 | uint16(payload[3]))
	z = int16(uint16(payload[4])<<8 | uint16(payload[5]))
	return x, y, z, true
}
