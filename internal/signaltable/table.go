// Package signaltable loads the declarative XML signal table that drives
// CanDecoder: a CAN frame id maps to an ordered list of bit-field
// descriptors to extract from every frame carrying that id.
package signaltable

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
)

// Endian selects the bit-extraction order for one descriptor.
type Endian int

const (
	LittleEndian Endian = iota
	BigEndian
)

// Descriptor is one <signal> element: a named bit-field extracted from a
// CAN frame's payload.
type Descriptor struct {
	ID        int
	Name      string
	Endian    Endian
	FirstByte uint // parsed for fidelity with the source format; unused by decode
	FirstBit  uint
	BitLength uint
	Unit      float64
	Offset    int64
	Source    byte
}

// Table maps a CAN frame id to its ordered descriptors (document order
// preserved so "first wins" ambiguity, when it matters to a caller, is
// reproducible).
type Table struct {
	byID map[int][]Descriptor
}

// xmlTbox and xmlSignal mirror the on-disk schema for unmarshaling.
type xmlTbox struct {
	XMLName xml.Name    `xml:"tbox"`
	Signals []xmlSignal `xml:"signal"`
}

type xmlSignal struct {
	ID        int      `xml:"id,attr"`
	Name      string   `xml:"name,attr"`
	ByteOrder string   `xml:"byteorder,attr"`
	FirstByte *uint    `xml:"firstbyte,attr"`
	FirstBit  *uint    `xml:"firstbit,attr"`
	BitLength *uint    `xml:"bitlength,attr"`
	Unit      *float64 `xml:"unit,attr"`
	Offset    *int64   `xml:"offset,attr"`
	Source    *byte    `xml:"source,attr"`
}

// Load parses an XML signal table file.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("signaltable: open %s: %w", path, err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses an XML signal table from r.
func Decode(r io.Reader) (*Table, error) {
	var doc xmlTbox
	dec := xml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("signaltable: decode: %w", err)
	}
	t := &Table{byID: make(map[int][]Descriptor)}
	for _, s := range doc.Signals {
		d := Descriptor{
			ID:        s.ID,
			Name:      s.Name,
			Endian:    LittleEndian,
			Unit:      1.0,
			Source:    0,
			BitLength: 0,
		}
		if s.ByteOrder == "BE" || s.ByteOrder == "be" {
			d.Endian = BigEndian
		}
		if s.FirstByte != nil {
			d.FirstByte = *s.FirstByte
		}
		if s.FirstBit != nil {
			d.FirstBit = *s.FirstBit
		}
		if s.BitLength != nil {
			d.BitLength = *s.BitLength
		}
		if s.Unit != nil {
			d.Unit = *s.Unit
		}
		if s.Offset != nil {
			d.Offset = *s.Offset
		}
		if s.Source != nil {
			d.Source = *s.Source
		}
		t.byID[d.ID] = append(t.byID[d.ID], d)
	}
	return t, nil
}

// Lookup returns the descriptors registered for a CAN frame id, in document
// order. The returned slice must not be mutated by the caller.
func (t *Table) Lookup(id int) []Descriptor {
	if t == nil {
		return nil
	}
	return t.byID[id]
}

// Len reports how many distinct frame ids carry at least one descriptor.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.byID)
}
