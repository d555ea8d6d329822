// Package constructionrecord decodes EDOS construction records, the binary
// files that describe the contents of a JPSS production data set (PDS).
package constructionrecord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/libera-sdc/libera-utils/internal/smartio"
	"github.com/libera-sdc/libera-utils/internal/timeutil"
)

// ErrTruncated is wrapped when a record ends before all its fields are read.
var ErrTruncated = errors.New("construction record truncated")

// SCTime is an 8-byte CDS spacecraft time code.
type SCTime uint64

// UTC converts the code to a time without applying leap seconds.
func (t SCTime) UTC() time.Time { return timeutil.CDSToTime(uint64(t)) }

// SCIDAPID packs an 8-bit spacecraft ID over an 11-bit APID in 24 bits.
type SCIDAPID uint32

func (s SCIDAPID) SCID() uint8  { return uint8(s >> 16) }
func (s SCIDAPID) APID() uint16 { return uint16(s & 0x7ff) }

// SCIDVCID is a 16-bit VCDU identifier: 2 version bits, 8 SCID bits and a
// 6-bit virtual channel.
type SCIDVCID uint16

func (s SCIDVCID) SCID() uint8 { return uint8(s >> 6) }
func (s SCIDVCID) VCID() uint8 { return uint8(s & 0x3f) }

// SCSStartStop is one spacecraft session.
type SCSStartStop struct {
	Start SCTime
	Stop  SCTime
}

// SSCGap describes missing source sequence counts for an APID.
type SSCGap struct {
	FirstMissingSSC  uint32
	ByteOffset       uint64
	MissingSSCs      uint32
	PrecedingPacket  SCTime
	FollowingPacket  SCTime
	PrecedingESHTime uint64
	FollowingESHTime uint64
}

// FillData locates EDOS generated fill in a packet.
type FillData struct {
	SSC         uint32
	ByteOffset  uint64
	FillOctetIx uint32
}

// APID is the per-APID summary of the PDS.
type APID struct {
	SCIDAPID            SCIDAPID
	ByteOffset          uint64
	VCIDs               []SCIDVCID
	SSCGaps             []SSCGap
	FillData            []FillData
	FillOctets          uint64
	LengthDiscrepancies []uint32
	FirstPacket         SCTime
	LastPacket          SCTime
	FirstPacketESH      uint64
	LastPacketESH       uint64
	VCDUCorrected       uint32
	InDataSet           uint32
	SizeOctets          uint64
}

// FileAPID is the APID range stored in one PDS file.
type FileAPID struct {
	SCIDAPID    SCIDAPID
	FirstPacket SCTime
	LastPacket  SCTime
}

// PDSFile is one file of the data set.
type PDSFile struct {
	Name  string
	APIDs []FileAPID
}

// ConstructionRecord is a decoded construction record.
type ConstructionRecord struct {
	FileName           string
	EDOSVersion        uint16
	Type               uint8
	ID                 string
	TestFlag           bool
	SCSStartStops      []SCSStartStop
	FillBytes          uint64
	LengthMismatches   uint32
	FirstPacket        SCTime
	LastPacket         SCTime
	FirstPacketESH     uint64
	LastPacketESH      uint64
	RSCorrections      uint32
	Packets            uint32
	SizeBytes          uint64
	SSCDiscontinuities uint32
	CompletionTime     uint64
	APIDs              []APID
	PDSFiles           []PDSFile
}

// EDOSVersionMajor is the high byte of the EDOS software version.
func (cr *ConstructionRecord) EDOSVersionMajor() uint8 { return uint8(cr.EDOSVersion >> 8) }

// EDOSVersionRelease is the low byte of the EDOS software version.
func (cr *ConstructionRecord) EDOSVersionRelease() uint8 { return uint8(cr.EDOSVersion) }

// Read decodes the construction record at a local or s3:// path.
func Read(ctx context.Context, fs *smartio.FS, path string) (*ConstructionRecord, error) {
	data, err := fs.ReadFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read construction record: %w", err)
	}
	cr, err := Parse(smartio.Base(path), data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	zap.S().Named("constructionrecord").Debugf("Read construction record %s with %d APIDs and %d PDS files",
		cr.ID, len(cr.APIDs), len(cr.PDSFiles))
	return cr, nil
}

// Parse decodes a construction record. Trailing bytes are ignored.
func Parse(name string, data []byte) (*ConstructionRecord, error) {
	d := &decoder{buf: data}
	cr := &ConstructionRecord{FileName: name}
	cr.EDOSVersion = d.u16()
	cr.Type = d.u8()
	d.skip(1)
	cr.ID = d.text(36)
	cr.TestFlag = d.u8()&1 == 1
	d.skip(9)

	n := int(d.u16())
	for i := 0; i < n && d.err == nil; i++ {
		cr.SCSStartStops = append(cr.SCSStartStops, SCSStartStop{Start: d.sctime(), Stop: d.sctime()})
	}
	cr.FillBytes = d.u64()
	cr.LengthMismatches = d.u32()
	cr.FirstPacket = d.sctime()
	cr.LastPacket = d.sctime()
	cr.FirstPacketESH = d.u64()
	cr.LastPacketESH = d.u64()
	cr.RSCorrections = d.u32()
	cr.Packets = d.u32()
	cr.SizeBytes = d.u64()
	cr.SSCDiscontinuities = d.u32()
	cr.CompletionTime = d.u64()
	d.skip(7)

	n = int(d.u8())
	for i := 0; i < n && d.err == nil; i++ {
		cr.APIDs = append(cr.APIDs, d.apid())
	}
	d.skip(3)
	n = int(d.u8())
	for i := 0; i < n && d.err == nil; i++ {
		cr.PDSFiles = append(cr.PDSFiles, d.pdsFile())
	}
	if d.err != nil {
		return nil, d.err
	}
	return cr, nil
}

func (d *decoder) apid() APID {
	var a APID
	d.skip(1)
	a.SCIDAPID = SCIDAPID(d.u24())
	a.ByteOffset = d.u64()
	d.skip(3)
	n := int(d.u8())
	for i := 0; i < n && d.err == nil; i++ {
		d.skip(2)
		a.VCIDs = append(a.VCIDs, SCIDVCID(d.u16()))
	}
	n = int(d.u32())
	for i := 0; i < n && d.err == nil; i++ {
		a.SSCGaps = append(a.SSCGaps, SSCGap{
			FirstMissingSSC:  d.u32(),
			ByteOffset:       d.u64(),
			MissingSSCs:      d.u32(),
			PrecedingPacket:  d.sctime(),
			FollowingPacket:  d.sctime(),
			PrecedingESHTime: d.u64(),
			FollowingESHTime: d.u64(),
		})
	}
	n = int(d.u32())
	for i := 0; i < n && d.err == nil; i++ {
		a.FillData = append(a.FillData, FillData{SSC: d.u32(), ByteOffset: d.u64(), FillOctetIx: d.u32()})
	}
	a.FillOctets = d.u64()
	n = int(d.u32())
	for i := 0; i < n && d.err == nil; i++ {
		a.LengthDiscrepancies = append(a.LengthDiscrepancies, d.u32())
	}
	a.FirstPacket = d.sctime()
	a.LastPacket = d.sctime()
	a.FirstPacketESH = d.u64()
	a.LastPacketESH = d.u64()
	a.VCDUCorrected = d.u32()
	a.InDataSet = d.u32()
	a.SizeOctets = d.u64()
	d.skip(8)
	return a
}

// pdsFile reads a file entry. A zero APID count still carries one entry of
// zeros, so at least one APID is always read.
func (d *decoder) pdsFile() PDSFile {
	f := PDSFile{Name: d.text(40)}
	d.skip(3)
	n := max(int(d.u8()), 1)
	for i := 0; i < n && d.err == nil; i++ {
		d.skip(1)
		a := FileAPID{SCIDAPID: SCIDAPID(d.u24()), FirstPacket: d.sctime(), LastPacket: d.sctime()}
		d.skip(4)
		f.APIDs = append(f.APIDs, a)
	}
	return f
}

// text reads a fixed-width field, trimming NUL and space padding.
func (d *decoder) text(n int) string {
	return strings.TrimRight(string(d.take(n)), "\x00 ")
}
