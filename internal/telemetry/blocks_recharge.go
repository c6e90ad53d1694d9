package telemetry

import (
	"strconv"

	"github.com/tbox/agent/internal/metricsnapshot"
)

// maxCellsPerFrame bounds how many cell readings RechargableDeviceVoltage /
// RechargableDeviceTemperature emit per call, per §4.5.
const maxCellsPerFrame = 200

type subsystemRange struct {
	key        string
	id         int64
	start, end int64 // inclusive 1-based global cell indices
}

func subsystemRanges(values map[string]*metricsnapshot.MetricValue) []subsystemRange {
	idxMV, ok := lookup(values, "BattSubsystemIndex")
	if !ok {
		return nil
	}
	keys := sortedIndexKeys(idxMV)
	counts, _ := lookup(values, "BattSubsystemCellCnt")

	var ranges []subsystemRange
	cursor := int64(1)
	for _, key := range keys {
		id, _ := strconv.ParseInt(key, 10, 64)
		cnt := int64(0)
		if counts != nil && counts.ListTable != nil {
			cnt = counts.ListTable[key]
		}
		ranges = append(ranges, subsystemRange{key: key, id: id, start: cursor, end: cursor + cnt - 1})
		cursor += cnt
	}
	return ranges
}

func subsystemCurrent(values map[string]*metricsnapshot.MetricValue, subsystemCount int) float64 {
	if subsystemCount == 0 {
		return 0
	}
	mv, ok := lookup(values, "actCurrent")
	if !ok {
		return 0
	}
	return mv.Physical() / float64(subsystemCount)
}

func scaledU16Abnormal(v float64) uint16 {
	if v < 0 || v > 0xFFFD {
		return u16Abnormal
	}
	return uint16(v)
}

func biasedU8Abnormal(v float64, bias int) byte {
	biased := v + float64(bias)
	if biased < 0 || biased > 0xFD {
		return u8Abnormal
	}
	return byte(biased)
}

// EncodeRechargableVoltage builds block 0x08 starting from the 1-based
// global cell index startIndex, emitting at most 200 cell voltages across
// as many subsystem headers as needed. It returns the next unconsumed
// global index and whether more cells remain beyond this call.
func EncodeRechargableVoltage(values map[string]*metricsnapshot.MetricValue, startIndex int) (block []byte, nextIndex int, haveMore bool) {
	ranges := subsystemRanges(values)
	packVoltage, _ := lookup(values, "BattSubsystemVoltage")
	cellVoltage, _ := lookup(values, "CellVoltage")
	current := subsystemCurrent(values, len(ranges))

	cursor := int64(startIndex)
	budget := maxCellsPerFrame
	var body []byte

	for _, r := range ranges {
		if budget <= 0 {
			break
		}
		if cursor > r.end {
			continue
		}
		from := r.start
		if cursor > from {
			from = cursor
		}
		avail := r.end - from + 1
		if avail <= 0 {
			continue
		}
		take := avail
		if take > int64(budget) {
			take = int64(budget)
		}

		body = appendU8(body, byte(r.id))
		pv := float64(0)
		if packVoltage != nil && packVoltage.ListTable != nil {
			pv = float64(packVoltage.ListTable[r.key])
		}
		body = appendU16(body, scaledU16Abnormal(pv))
		body = appendU16(body, scaledU16Abnormal(current))
		body = appendU8(body, byte(r.end-r.start+1))
		body = appendU16(body, uint16(from-r.start+1)) // frame_start_index, 1-based within subsystem
		body = appendU8(body, byte(take))

		for i := from; i < from+take; i++ {
			v := float64(0)
			abnormal := cellVoltage == nil || cellVoltage.ListTable == nil
			if !abnormal {
				raw, ok := cellVoltage.ListTable[strconv.FormatInt(i, 10)]
				if !ok {
					abnormal = true
				} else {
					v = float64(raw)
				}
			}
			if abnormal {
				body = appendU16(body, u16Abnormal)
			} else {
				body = appendU16(body, scaledU16Abnormal(v))
			}
		}

		budget -= int(take)
		cursor = from + take
	}

	totalCells := int64(0)
	if len(ranges) > 0 {
		totalCells = ranges[len(ranges)-1].end
	}
	return wrapBlock(blockRechargableVoltage, body), int(cursor), cursor <= totalCells
}

// EncodeRechargableTemperature is analogous to EncodeRechargableVoltage but
// emits u8 readings biased by +40, per §4.5.
func EncodeRechargableTemperature(values map[string]*metricsnapshot.MetricValue, startIndex int) (block []byte, nextIndex int, haveMore bool) {
	ranges := subsystemRanges(values)
	packVoltage, _ := lookup(values, "BattSubsystemVoltage")
	cellTemp, _ := lookup(values, "CellTemp")
	current := subsystemCurrent(values, len(ranges))

	cursor := int64(startIndex)
	budget := maxCellsPerFrame
	var body []byte

	for _, r := range ranges {
		if budget <= 0 {
			break
		}
		if cursor > r.end {
			continue
		}
		from := r.start
		if cursor > from {
			from = cursor
		}
		avail := r.end - from + 1
		if avail <= 0 {
			continue
		}
		take := avail
		if take > int64(budget) {
			take = int64(budget)
		}

		body = appendU8(body, byte(r.id))
		pv := float64(0)
		if packVoltage != nil && packVoltage.ListTable != nil {
			pv = float64(packVoltage.ListTable[r.key])
		}
		body = appendU16(body, scaledU16Abnormal(pv))
		body = appendU16(body, scaledU16Abnormal(current))
		body = appendU8(body, byte(r.end-r.start+1))
		body = appendU16(body, uint16(from-r.start+1))
		body = appendU8(body, byte(take))

		for i := from; i < from+take; i++ {
			if cellTemp == nil || cellTemp.ListTable == nil {
				body = appendU8(body, u8Unknown)
				continue
			}
			raw, ok := cellTemp.ListTable[strconv.FormatInt(i, 10)]
			if !ok {
				body = appendU8(body, u8Unknown)
				continue
			}
			body = appendU8(body, biasedU8Abnormal(float64(raw), 40))
		}

		budget -= int(take)
		cursor = from + take
	}

	totalCells := int64(0)
	if len(ranges) > 0 {
		totalCells = ranges[len(ranges)-1].end
	}
	return wrapBlock(blockRechargableTemp, body), int(cursor), cursor <= totalCells
}
