package constructionrecord

import (
	"encoding/binary"
	"fmt"
)

// decoder reads big-endian fields. The first short read sets err and
// every later read returns zero.
type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return make([]byte, n)
	}
	if d.off+n > len(d.buf) {
		d.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncated, n, d.off, len(d.buf)-d.off)
		return make([]byte, n)
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) skip(n int)     { d.take(n) }
func (d *decoder) u8() uint8      { return d.take(1)[0] }
func (d *decoder) u16() uint16    { return binary.BigEndian.Uint16(d.take(2)) }
func (d *decoder) u32() uint32    { return binary.BigEndian.Uint32(d.take(4)) }
func (d *decoder) u64() uint64    { return binary.BigEndian.Uint64(d.take(8)) }
func (d *decoder) sctime() SCTime { return SCTime(d.u64()) }

func (d *decoder) u24() uint32 {
	b := d.take(3)
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
