// Package backlog implements the uplink priority tree and disk spill store
// described in §4.7: pending realtime frames are held ordered by event
// timestamp, spilled to per-date files once the in-memory tree grows past a
// trigger size, and reloaded when the tree drains empty.
package backlog

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/tbox/agent/internal/crc16"
)

var magic = [4]byte{'T', 'L', 'N', 'P'}

// EncodeRecord wraps one backlog entry in the PersistedTelemetry frame from
// §3: "TLNP" | ts_high:4 BE | ts_low:4 BE | pkt_len:4 BE | crc16:2 BE | pkt.
func EncodeRecord(ts int64, pkt []byte) []byte {
	buf := make([]byte, 0, 4+8+4+2+len(pkt))
	buf = append(buf, magic[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(ts))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(pkt)))
	buf = binary.BigEndian.AppendUint16(buf, crc16.Checksum(pkt))
	buf = append(buf, pkt...)
	return buf
}

// DecodeRecord validates and strips one PersistedTelemetry frame from the
// front of buf. consumed==0 with ok==false means "need more data"; a
// positive consumed with ok==false means a corrupt record was skipped by
// one byte to allow the scan to resync.
func DecodeRecord(buf []byte) (ts int64, pkt []byte, consumed int, ok bool) {
	const headerLen = 4 + 8 + 4 + 2
	if len(buf) < headerLen {
		return 0, nil, 0, false
	}
	if !bytes.Equal(buf[0:4], magic[:]) {
		return 0, nil, 1, false
	}
	rawTS := binary.BigEndian.Uint64(buf[4:12])
	pktLen := binary.BigEndian.Uint32(buf[12:16])
	wantCRC := binary.BigEndian.Uint16(buf[16:18])

	total := headerLen + int(pktLen)
	if total < headerLen || total > len(buf) {
		if len(buf) < total {
			return 0, nil, 0, false
		}
		return 0, nil, 1, false
	}
	pkt = buf[headerLen:total]
	if crc16.Checksum(pkt) != wantCRC {
		return 0, nil, 1, false
	}
	out := make([]byte, len(pkt))
	copy(out, pkt)
	return int64(rawTS), out, total, true
}

func fmtErr(op string, err error) error {
	return fmt.Errorf("backlog: %s: %w", op, err)
}
