package ccsds

import (
	"fmt"
	"io"
)

// bitReader reads big-endian bit fields from a byte slice. pos counts bits
// from the start of data.
type bitReader struct {
	data []byte
	pos  int
}

func (r *bitReader) len() int { return len(r.data) * 8 }

func (r *bitReader) remaining() int { return r.len() - r.pos }

// peek reads n <= 64 bits at pos without moving the cursor.
func (r *bitReader) peek(n int) (uint64, error) {
	if n < 0 || n > 64 {
		return 0, fmt.Errorf("cannot read %d bits into an integer", n)
	}
	if r.pos+n > r.len() {
		return 0, io.ErrUnexpectedEOF
	}
	var v uint64
	pos := r.pos
	for left := n; left > 0; {
		avail := 8 - pos%8
		take := avail
		if left < take {
			take = left
		}
		b := uint64(r.data[pos/8] >> uint(avail-take))
		v = v<<uint(take) | b&(1<<uint(take)-1)
		pos += take
		left -= take
	}
	return v, nil
}

func (r *bitReader) uint(n int) (uint64, error) {
	v, err := r.peek(n)
	if err != nil {
		return 0, err
	}
	r.pos += n
	return v, nil
}

// bytes reads n bits into ceil(n/8) bytes. A partial final byte holds its
// bits in the low end.
func (r *bitReader) bytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative field size %d", n)
	}
	if r.pos+n > r.len() {
		return nil, io.ErrUnexpectedEOF
	}
	if r.pos%8 == 0 && n%8 == 0 {
		out := make([]byte, n/8)
		copy(out, r.data[r.pos/8:])
		r.pos += n
		return out, nil
	}
	out := make([]byte, 0, (n+7)/8)
	for n >= 8 {
		b, _ := r.uint(8)
		out = append(out, byte(b))
		n -= 8
	}
	if n > 0 {
		b, _ := r.uint(n)
		out = append(out, byte(b))
	}
	return out, nil
}
