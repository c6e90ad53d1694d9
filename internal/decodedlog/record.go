// Package decodedlog persists periodic MetricSnapshot copies to local disk
// as framed, CRC-protected LocalLogItem records, archives closed files with
// zlib, enforces free-space/inode retention, and answers time-range queries
// over the archive.
package decodedlog

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/tbox/agent/internal/crc16"
	"github.com/tbox/agent/internal/metricsnapshot"
)

var (
	magicHead = [4]byte{'T', 'L', 'I', 'H'}
	magicTail = [4]byte{'T', 'L', 'I', 'T'}
)

// jsonEntry is the on-disk shape of one metric within a LocalLogItem payload.
// Fields are tagged omitempty so the wire shape matches the source metric's
// actual shape (plain / list-index / list-member) instead of always emitting
// every field.
type jsonEntry struct {
	Name       string           `json:"name"`
	Value      int64            `json:"value,omitempty"`
	Offset     int64            `json:"offset,omitempty"`
	Unit       float64          `json:"unit,omitempty"`
	Source     byte             `json:"source,omitempty"`
	ListIndex  bool             `json:"listindex,omitempty"`
	Index      []string         `json:"index,omitempty"`
	ListParent string           `json:"listparent,omitempty"`
	ValueTable map[string]int64 `json:"valuetable,omitempty"`
}

// timeEntryName is the synthetic metric name carrying the snapshot's Unix
// timestamp, per the §4.4 enqueue step ("a deep-copy of the current snapshot
// plus a synthetic time entry").
const timeEntryName = "time"

// EncodePayload renders a cloned snapshot (as produced by Snapshot.Clone)
// plus the synthetic "time" entry into the JSON array that forms a
// LocalLogItem's payload.
func EncodePayload(values map[string]*metricsnapshot.MetricValue, at time.Time) ([]byte, error) {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]jsonEntry, 0, len(values)+1)
	for _, name := range names {
		entries = append(entries, toJSONEntry(values[name]))
	}
	entries = append(entries, jsonEntry{Name: timeEntryName, Value: at.Unix(), Unit: 1})

	return json.Marshal(entries)
}

func toJSONEntry(mv *metricsnapshot.MetricValue) jsonEntry {
	e := jsonEntry{
		Name:   mv.Name,
		Offset: mv.Offset,
		Unit:   mv.Unit,
		Source: mv.Source,
	}
	switch mv.Shape {
	case metricsnapshot.ShapeListIndex:
		e.Value = mv.Value
		e.ListIndex = true
		idx := make([]string, 0, len(mv.IndexTable))
		for k := range mv.IndexTable {
			idx = append(idx, k)
		}
		sort.Strings(idx)
		e.Index = idx
	case metricsnapshot.ShapeListMember:
		e.ListParent = mv.ListParent
		e.ValueTable = mv.ListTable
	default:
		e.Value = mv.Value
	}
	return e
}

// DecodePayload parses a LocalLogItem's JSON payload back into a metric
// mapping. Entries missing optional fields decode to the corresponding
// MetricValue zero value, matching the round-trip invariant in §8.
func DecodePayload(payload []byte) (map[string]*metricsnapshot.MetricValue, error) {
	var entries []jsonEntry
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, fmt.Errorf("decodedlog: unmarshal payload: %w", err)
	}
	out := make(map[string]*metricsnapshot.MetricValue, len(entries))
	for _, e := range entries {
		mv := &metricsnapshot.MetricValue{
			Name:   e.Name,
			Value:  e.Value,
			Offset: e.Offset,
			Unit:   e.Unit,
			Source: e.Source,
		}
		switch {
		case e.ListIndex:
			mv.Shape = metricsnapshot.ShapeListIndex
			if len(e.Index) > 0 {
				mv.IndexTable = make(map[string]struct{}, len(e.Index))
				for _, k := range e.Index {
					mv.IndexTable[k] = struct{}{}
				}
			}
		case e.ListParent != "" || e.ValueTable != nil:
			mv.Shape = metricsnapshot.ShapeListMember
			mv.ListParent = e.ListParent
			mv.ListTable = e.ValueTable
		default:
			mv.Shape = metricsnapshot.ShapePlain
		}
		out[e.Name] = mv
	}
	return out, nil
}

// EncodeRecord wraps a payload in the LocalLogItem frame from §3:
// "TLIH" | total_len:4 BE | crc16:2 BE | json_utf8 | "TLIT". total_len
// counts only the head magic, length field, CRC, and JSON body — it does
// not include the trailing "TLIT" magic.
func EncodeRecord(payload []byte) []byte {
	totalLen := uint32(4 + 4 + 2 + len(payload))
	sum := crc16.Checksum(payload)

	buf := make([]byte, 0, totalLen+4)
	buf = append(buf, magicHead[:]...)
	buf = binary.BigEndian.AppendUint32(buf, totalLen)
	buf = binary.BigEndian.AppendUint16(buf, sum)
	buf = append(buf, payload...)
	buf = append(buf, magicTail[:]...)
	return buf
}

// DecodeRecord validates and strips one LocalLogItem frame from the front of
// buf, returning the JSON payload and the number of bytes consumed. It
// reports ok=false when buf does not yet contain a complete, valid frame;
// callers distinguish "need more data" from "corrupt" via consumed==0 vs
// consumed>0 — a corrupt frame advances by one byte so scanning can
// resync.
func DecodeRecord(buf []byte) (payload []byte, consumed int, ok bool) {
	const headerLen = 4 + 4 + 2
	if len(buf) < headerLen {
		return nil, 0, false
	}
	if !bytes.Equal(buf[0:4], magicHead[:]) {
		return nil, 1, false
	}
	totalLen := binary.BigEndian.Uint32(buf[4:8])
	if totalLen < uint32(headerLen) {
		return nil, 1, false
	}
	frameLen := totalLen + 4 // + trailing "TLIT", not counted in total_len
	if uint32(len(buf)) < frameLen {
		return nil, 0, false
	}
	wantCRC := binary.BigEndian.Uint16(buf[8:10])
	jsonLen := int(totalLen) - headerLen
	body := buf[10 : 10+jsonLen]
	if !bytes.Equal(buf[10+jsonLen:frameLen], magicTail[:]) {
		return nil, 1, false
	}
	if crc16.Checksum(body) != wantCRC {
		return nil, 1, false
	}
	return body, int(frameLen), true
}
