// Package mcuserial implements the framed serial protocol to the companion
// MCU, per §4.8: heartbeat, RTC sync, shutdown request, wake-timer,
// gravity-threshold, and accel events, reusing the teacher's
// internal/serial resync-and-checksum codec pattern and its
// internal/transport.AsyncTx single-goroutine TX fan-in.
package mcuserial

import "bytes"

const (
	preamble byte = 0xA5
	trailer  byte = 0x5A

	// minFrameLen is preamble+length+command+ack_flag+checksum+trailer
	// with a zero-length payload.
	minFrameLen = 6
	maxPayload  = 250
)

// Frame is one parsed MCU serial frame, per §4.8:
// 0xA5 | length:u8 | command:u8 | payload:(length-2) | ack_flag:u8 | checksum:u8 | 0x5A
type Frame struct {
	Command byte
	Payload []byte
	AckFlag byte
}

// EncodeFrame assembles the wire bytes for one outbound frame. length
// covers {command, payload, ack_flag}; checksum XORs 0xA5 through ack_flag
// inclusive.
func EncodeFrame(command byte, payload []byte, ackFlag byte) []byte {
	length := byte(2 + len(payload))
	out := make([]byte, 0, minFrameLen+len(payload))
	out = append(out, preamble, length, command)
	out = append(out, payload...)
	out = append(out, ackFlag)

	var checksum byte
	for _, b := range out { // preamble through ack_flag, inclusive
		checksum ^= b
	}
	out = append(out, checksum, trailer)
	return out
}

// DecodeStream scans in for complete MCU frames, invoking out for each one
// found, and resyncing (advance one byte, keep scanning) on any length,
// checksum, or trailer mismatch — mirroring the teacher's
// serial.Codec.DecodeStream preamble-scan/resync pattern.
func DecodeStream(in *bytes.Buffer, out func(Frame)) {
	for {
		data := in.Bytes()
		if len(data) < 2 {
			return
		}
		i := bytes.IndexByte(data, preamble)
		if i < 0 {
			in.Next(len(data))
			return
		}
		if i > 0 {
			in.Next(i)
			continue
		}

		length := int(data[1])
		if length < 2 || length > maxPayload+2 {
			in.Next(1)
			continue
		}
		// preamble(1)+len(1)+ (cmd+payload+ack_flag = length bytes) + checksum(1) + trailer(1)
		total := 2 + length + 2
		if len(data) < total {
			return
		}
		if data[total-1] != trailer {
			in.Next(1)
			continue
		}

		var checksum byte
		for _, b := range data[0 : total-2] { // preamble through ack_flag
			checksum ^= b
		}
		if checksum != data[total-2] {
			in.Next(1)
			continue
		}

		cmd := data[2]
		ackFlag := data[total-3]
		payload := make([]byte, length-2)
		copy(payload, data[3:3+length-2])

		out(Frame{Command: cmd, Payload: payload, AckFlag: ackFlag})
		in.Next(total)
	}
}
