// Package ccsdstest builds CCSDS packets for tests.
package ccsdstest

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/google/gopacket"

	"github.com/libera-sdc/libera-utils/internal/ccsds"
	"github.com/libera-sdc/libera-utils/internal/timeutil"
)

// GeolocationAPID is the APID of the JPSS geolocation packet.
const GeolocationAPID = 11

// Packet wraps body in a primary header with a secondary header flag set.
func Packet(apid, seq uint16, body []byte) []byte {
	buf := gopacket.NewSerializeBuffer()
	h := &ccsds.PrimaryHeader{SecondaryHeader: true, APID: apid, SequenceFlags: 3, SequenceCount: seq}
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, h, gopacket.Payload(body))
	if err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Geolocation is the content of one JPSS geolocation packet. Ephemeris and
// attitude share the same time tag.
type Geolocation struct {
	Sequence   uint16
	Time       time.Time
	Position   [3]float64
	Velocity   [3]float64
	Quaternion [4]float32
}

// Encode returns the packet bytes.
func (g Geolocation) Encode() []byte {
	cds := timeutil.TimeToCDS(g.Time)
	var body []byte
	putCDS := func() {
		body = binary.BigEndian.AppendUint16(body, cds.Days)
		body = binary.BigEndian.AppendUint32(body, cds.Milliseconds)
		body = binary.BigEndian.AppendUint16(body, cds.Microseconds)
	}
	putCDS()
	putCDS()
	for _, v := range g.Position {
		body = binary.BigEndian.AppendUint64(body, math.Float64bits(v))
	}
	for _, v := range g.Velocity {
		body = binary.BigEndian.AppendUint64(body, math.Float64bits(v))
	}
	putCDS()
	for _, q := range g.Quaternion {
		body = binary.BigEndian.AppendUint32(body, math.Float32bits(q))
	}
	return Packet(GeolocationAPID, g.Sequence, body)
}

// Stream concatenates packets.
func Stream(packets ...[]byte) []byte {
	var out []byte
	for _, p := range packets {
		out = append(out, p...)
	}
	return out
}

// Track returns n geolocation packets one second apart starting at start.
func Track(start time.Time, n int) []Geolocation {
	out := make([]Geolocation, n)
	for i := range out {
		f := float64(i)
		out[i] = Geolocation{
			Sequence:   uint16(i),
			Time:       start.Add(time.Duration(i) * time.Second),
			Position:   [3]float64{7000e3 + f, -1000e3 - f, 500e3 + 2*f},
			Velocity:   [3]float64{-1000 + f, 7000, 10 * f},
			Quaternion: [4]float32{0, 0, 0, 1},
		}
	}
	return out
}

// EncodeTrack encodes every packet of a track into one stream.
func EncodeTrack(track []Geolocation) []byte {
	packets := make([][]byte, len(track))
	for i, g := range track {
		packets[i] = g.Encode()
	}
	return Stream(packets...)
}
