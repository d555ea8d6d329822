// Package crtest encodes EDOS construction records for tests.
package crtest

import "encoding/binary"

// Encoder appends big-endian fields the way EDOS lays out records.
type Encoder struct{ b []byte }

// Bytes returns the encoded record.
func (e *Encoder) Bytes() []byte { return e.b }

func (e *Encoder) Pad(n int)    { e.b = append(e.b, make([]byte, n)...) }
func (e *Encoder) U8(v uint8)   { e.b = append(e.b, v) }
func (e *Encoder) U16(v uint16) { e.b = binary.BigEndian.AppendUint16(e.b, v) }
func (e *Encoder) U24(v uint32) { e.b = append(e.b, byte(v>>16), byte(v>>8), byte(v)) }
func (e *Encoder) U32(v uint32) { e.b = binary.BigEndian.AppendUint32(e.b, v) }
func (e *Encoder) U64(v uint64) { e.b = binary.BigEndian.AppendUint64(e.b, v) }
func (e *Encoder) Text(s string, n int) {
	field := make([]byte, n)
	copy(field, s)
	e.b = append(e.b, field...)
}

// CDS packs days, ms and us the way EDOS stores spacecraft times.
func CDS(days uint16, ms uint32, us uint16) uint64 {
	return uint64(days)<<48 | uint64(ms)<<16 | uint64(us)
}

// First and Last are the packet times used by SampleRecord.
var (
	First = CDS(24107, 1000, 5)
	Last  = CDS(24107, 86_399_000, 0)
)

// SampleRecord encodes a record with one SCS, one APID (two VCIDs, a gap,
// a fill entry, a length discrepancy) and two PDS files, the second with a
// zero APID count.
func SampleRecord() []byte {
	e := &Encoder{}
	e.U16(0x0a03)
	e.U8(1)
	e.Pad(1)
	e.Text("P1590011AAAAAAAAAAAAAAA", 36)
	e.U8(1)
	e.Pad(9)

	e.U16(1)
	e.U64(First)
	e.U64(Last)

	e.U64(12)
	e.U32(2)
	e.U64(First)
	e.U64(Last)
	e.U64(111)
	e.U64(222)
	e.U32(3)
	e.U32(1000)
	e.U64(96000)
	e.U32(4)
	e.U64(0xdead)
	e.Pad(7)

	e.U8(1)
	e.Pad(1)
	e.U24(157<<16 | 11)
	e.U64(64)
	e.Pad(3)
	e.U8(2)
	e.Pad(2)
	e.U16(1<<14 | 157<<6 | 16)
	e.Pad(2)
	e.U16(157<<6 | 6)
	e.U32(1)
	e.U32(40)
	e.U64(4096)
	e.U32(3)
	e.U64(First)
	e.U64(Last)
	e.U64(7)
	e.U64(8)
	e.U32(1)
	e.U32(41)
	e.U64(512)
	e.U32(9)
	e.U64(88)
	e.U32(1)
	e.U32(42)
	e.U64(First)
	e.U64(Last)
	e.U64(5)
	e.U64(6)
	e.U32(0)
	e.U32(997)
	e.U64(95000)
	e.Pad(8)

	e.Pad(3)
	e.U8(2)
	e.Text("P1590011AAAAAAAAAAAAAAA00.PDS", 40)
	e.Pad(3)
	e.U8(1)
	e.Pad(1)
	e.U24(157<<16 | 11)
	e.U64(First)
	e.U64(Last)
	e.Pad(4)
	e.Text("P1590011AAAAAAAAAAAAAAA01.PDS", 40)
	e.Pad(3)
	e.U8(0)
	e.Pad(1)
	e.U24(0)
	e.U64(0)
	e.U64(0)
	e.Pad(4)
	return e.Bytes()
}
