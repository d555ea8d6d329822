package ccsds

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/libera-sdc/libera-utils/internal/observability"
)

var (
	// ErrUnrecognizedPacket means no concrete container matched a header.
	ErrUnrecognizedPacket = errors.New("unrecognized packet type")
	// ErrAmbiguousPacket means more than one concrete container matched.
	ErrAmbiguousPacket = errors.New("packet matches more than one container")
	// ErrTruncatedPacket means the stream ends inside a packet.
	ErrTruncatedPacket = errors.New("truncated packet")
)

// Packet is one decoded packet. Header holds the primary header fields and
// Data the user data fields, each in definition order.
type Packet struct {
	Container string
	Header    []Item
	Data      []Item
}

// APID returns the PKT_APID header value.
func (p *Packet) APID() int {
	for _, it := range p.Header {
		if it.Name == "PKT_APID" {
			v, _ := it.Raw.(int64)
			return int(v)
		}
	}
	return -1
}

// Get looks up a field in the header or data by name.
func (p *Packet) Get(name string) (Item, bool) {
	for _, it := range p.Header {
		if it.Name == name {
			return it, true
		}
	}
	for _, it := range p.Data {
		if it.Name == name {
			return it, true
		}
	}
	return Item{}, false
}

// Parser decodes packet streams against a Definition.
type Parser struct {
	Definition *Definition

	// SkipHeaderBits is skipped before every packet, for streams that wrap
	// packets in a fixed-size prefix.
	SkipHeaderBits int
	// WordSize pads binary fields out to a multiple of this many bits.
	WordSize int
	// ParseBadPackets emits packets whose decoded length disagrees with
	// PKT_LEN instead of skipping them.
	ParseBadPackets bool

	Metrics *observability.Collector
}

// NewParser returns a parser with default options.
func NewParser(def *Definition) *Parser {
	return &Parser{Definition: def}
}

// Parse decodes every packet in data. Unrecognized packets are skipped by
// their declared length. A truncated final packet is an error.
func (p *Parser) Parse(data []byte) ([]Packet, error) {
	var out []Packet
	err := p.Each(data, func(pkt Packet) error {
		out = append(out, pkt)
		return nil
	})
	return out, err
}

// Each calls fn for each decoded packet in stream order, stopping at the
// first error from fn.
func (p *Parser) Each(data []byte, fn func(Packet) error) error {
	log := zap.S().Named("ccsds")
	r := &bitReader{data: data}
	index := 0
	for {
		r.pos += p.SkipHeaderBits
		if r.remaining() <= 0 {
			return nil
		}
		if r.remaining() < HeaderBits {
			return fmt.Errorf("packet %d: %d trailing bits: %w", index, r.remaining(), ErrTruncatedPacket)
		}
		hdr, err := readHeader(r)
		if err != nil {
			return fmt.Errorf("packet %d: %w", index, err)
		}
		fields := hdr.Fields()
		specified := hdr.TotalBytes() * 8
		start := r.pos
		if specified > r.remaining() {
			return fmt.Errorf("packet %d: header declares %d bits but %d remain: %w", index, specified, r.remaining(), ErrTruncatedPacket)
		}

		container, err := p.Definition.Match(fields)
		if errors.Is(err, ErrUnrecognizedPacket) {
			log.Infof("Unrecognized packet type at bit %d (APID %d). Skipping %d bits.", start, hdr.APID, specified)
			p.Metrics.PacketSkipped("unrecognized")
			r.pos = start + specified
			index++
			continue
		}
		if err != nil {
			return fmt.Errorf("packet %d: %w", index, err)
		}

		pkt, err := p.decode(r, container)
		if err != nil {
			return fmt.Errorf("packet %d (%s): %w", index, container.Name, err)
		}
		if got, ok := pkt.Get("PKT_LEN"); ok && got.Raw != fields["PKT_LEN"] {
			return fmt.Errorf("packet %d (%s): definition decodes PKT_LEN as %v, header says %d", index, container.Name, got.Raw, fields["PKT_LEN"])
		}

		actual := r.pos - start
		index++
		if actual != specified {
			log.Warnf("Parsed packet length %d bits does not match length %d bits specified in the header. Resetting position to the specified length.", actual, specified)
			r.pos = start + specified
			if !p.ParseBadPackets {
				log.Warnf("Skipping bad packet %s (APID %d).", container.Name, hdr.APID)
				p.Metrics.PacketSkipped("bad_length")
				continue
			}
		}
		p.Metrics.PacketParsed(int(hdr.APID))
		if err := fn(pkt); err != nil {
			return err
		}
	}
}

func (p *Parser) decode(r *bitReader, container *FlatContainer) (Packet, error) {
	pkt := Packet{Container: container.Name}
	parsed := make(map[string]Item, len(container.Entries))
	for i, param := range container.Entries {
		raw, derived, err := param.Type.decode(r, parsed)
		if err != nil {
			return Packet{}, fmt.Errorf("field %s: %w", param.Name, err)
		}
		if bt, ok := param.Type.(*BinaryType); ok && p.WordSize > 0 {
			if n, _ := bt.Size.bits(parsed); n%p.WordSize != 0 {
				r.pos += p.WordSize - n%p.WordSize
			}
		}
		item := Item{Name: param.Name, Unit: param.Type.Unit(), Raw: raw, Derived: derived}
		parsed[param.Name] = item
		if i < len(HeaderFields) {
			pkt.Header = append(pkt.Header, item)
		} else {
			pkt.Data = append(pkt.Data, item)
		}
	}
	return pkt, nil
}
