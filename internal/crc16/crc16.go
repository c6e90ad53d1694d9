// Package crc16 implements the CRC16 variant used to protect decoded-log
// records and backlog spill records on disk.
package crc16

// Checksum computes the CRC16 of data using the update rule from the T-Box
// on-disk framing: initial value 0xFFFF, one byte at a time.
func Checksum(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, d := range data {
		crc = Update(crc, d)
	}
	return crc
}

// Update folds one byte into an in-progress CRC16 accumulator.
func Update(crc uint16, d byte) uint16 {
	x := (crc >> 8) ^ uint16(d)
	x ^= x >> 4
	crc = (crc << 8) ^ (x << 12) ^ (x << 5) ^ x
	return crc
}
