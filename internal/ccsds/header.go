// Package ccsds decodes CCSDS space packets using XTCE packet definitions
// and collects the decoded fields into tables.
package ccsds

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// HeaderBytes is the size of the CCSDS primary header.
const HeaderBytes = 6

// HeaderBits is the size of the CCSDS primary header in bits.
const HeaderBits = HeaderBytes * 8

// Primary header field names, in wire order. XTCE definitions are expected
// to name their first entries this way.
var HeaderFields = []string{
	"VERSION",
	"TYPE",
	"SEC_HDR_FLG",
	"PKT_APID",
	"SEQ_FLGS",
	"SRC_SEQ_CTR",
	"PKT_LEN",
}

// LayerTypeCCSDS identifies a CCSDS space packet primary header.
var LayerTypeCCSDS = gopacket.RegisterLayerType(2000, gopacket.LayerTypeMetadata{
	Name:    "CCSDS",
	Decoder: gopacket.DecodeFunc(decodeCCSDS),
})

var errShortHeader = errors.New("ccsds: fewer than 6 bytes for primary header")

// PrimaryHeader is the 48-bit CCSDS primary header. Its payload is the
// packet data field.
type PrimaryHeader struct {
	layers.BaseLayer

	Version         uint8
	Type            uint8
	SecondaryHeader bool
	APID            uint16
	SequenceFlags   uint8
	SequenceCount   uint16
	// PacketLength is the data field length in bytes minus one.
	PacketLength uint16
}

// LayerType implements gopacket.Layer.
func (h *PrimaryHeader) LayerType() gopacket.LayerType { return LayerTypeCCSDS }

// CanDecode implements gopacket.DecodingLayer.
func (h *PrimaryHeader) CanDecode() gopacket.LayerClass { return LayerTypeCCSDS }

// NextLayerType implements gopacket.DecodingLayer.
func (h *PrimaryHeader) NextLayerType() gopacket.LayerType { return gopacket.LayerTypePayload }

// TotalBytes is the full packet size implied by the header.
func (h *PrimaryHeader) TotalBytes() int { return int(h.PacketLength) + 1 + HeaderBytes }

// Fields returns the header values keyed by HeaderFields name.
func (h *PrimaryHeader) Fields() map[string]int64 {
	sec := int64(0)
	if h.SecondaryHeader {
		sec = 1
	}
	return map[string]int64{
		"VERSION":     int64(h.Version),
		"TYPE":        int64(h.Type),
		"SEC_HDR_FLG": sec,
		"PKT_APID":    int64(h.APID),
		"SEQ_FLGS":    int64(h.SequenceFlags),
		"SRC_SEQ_CTR": int64(h.SequenceCount),
		"PKT_LEN":     int64(h.PacketLength),
	}
}

// DecodeFromBytes implements gopacket.DecodingLayer. A data field shorter
// than PacketLength+1 is kept as is and reported as truncated.
func (h *PrimaryHeader) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < HeaderBytes {
		df.SetTruncated()
		return errShortHeader
	}
	id := binary.BigEndian.Uint16(data[0:2])
	seq := binary.BigEndian.Uint16(data[2:4])
	h.Version = uint8(id >> 13)
	h.Type = uint8(id>>12) & 0x1
	h.SecondaryHeader = id&0x0800 != 0
	h.APID = id & 0x07ff
	h.SequenceFlags = uint8(seq >> 14)
	h.SequenceCount = seq & 0x3fff
	h.PacketLength = binary.BigEndian.Uint16(data[4:6])

	end := h.TotalBytes()
	if end > len(data) {
		df.SetTruncated()
		end = len(data)
	}
	h.Contents = data[:HeaderBytes]
	h.Payload = data[HeaderBytes:end]
	return nil
}

// SerializeTo implements gopacket.SerializableLayer. With FixLengths set,
// PacketLength is taken from the payload already in b.
func (h *PrimaryHeader) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	if opts.FixLengths {
		n := len(b.Bytes())
		if n == 0 || n > 0x10000 {
			return fmt.Errorf("ccsds: data field of %d bytes cannot be encoded", n)
		}
		h.PacketLength = uint16(n - 1)
	}
	if h.APID > 0x07ff {
		return fmt.Errorf("ccsds: APID %d does not fit in 11 bits", h.APID)
	}
	bytes, err := b.PrependBytes(HeaderBytes)
	if err != nil {
		return err
	}
	id := uint16(h.Version&0x7)<<13 | uint16(h.Type&0x1)<<12 | h.APID
	if h.SecondaryHeader {
		id |= 0x0800
	}
	binary.BigEndian.PutUint16(bytes[0:2], id)
	binary.BigEndian.PutUint16(bytes[2:4], uint16(h.SequenceFlags&0x3)<<14|h.SequenceCount&0x3fff)
	binary.BigEndian.PutUint16(bytes[4:6], h.PacketLength)
	return nil
}

func decodeCCSDS(data []byte, p gopacket.PacketBuilder) error {
	h := &PrimaryHeader{}
	if err := h.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(h)
	return p.NextDecoder(gopacket.LayerTypePayload)
}

// readHeader decodes the primary header at the reader position without
// moving it. Unaligned positions are realigned through a copy.
func readHeader(r *bitReader) (*PrimaryHeader, error) {
	if r.remaining() < HeaderBits {
		return nil, errShortHeader
	}
	var raw []byte
	if r.pos%8 == 0 {
		raw = r.data[r.pos/8:]
	} else {
		save := r.pos
		raw, _ = r.bytes(HeaderBits)
		r.pos = save
	}
	h := &PrimaryHeader{}
	if err := h.DecodeFromBytes(raw, gopacket.NilDecodeFeedback); err != nil {
		return nil, err
	}
	return h, nil
}

// Summary counts packets per APID.
type Summary struct {
	Packets   int
	Bytes     int
	APIDs     map[uint16]int
	Truncated bool
}

// Summarize walks a packet stream by primary header alone, without a
// packet definition.
func Summarize(data []byte) Summary {
	s := Summary{APIDs: map[uint16]int{}}
	for len(data) > 0 {
		packet := gopacket.NewPacket(data, LayerTypeCCSDS, gopacket.NoCopy)
		layer := packet.Layer(LayerTypeCCSDS)
		if layer == nil {
			s.Truncated = true
			break
		}
		h := layer.(*PrimaryHeader)
		if packet.Metadata().Truncated {
			s.Truncated = true
		}
		s.Packets++
		s.APIDs[h.APID]++
		n := h.TotalBytes()
		if n > len(data) {
			n = len(data)
		}
		s.Bytes += n
		data = data[n:]
	}
	return s
}
