package timeutil

import (
	"encoding/binary"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// PrintableFormat is the compact timestamp used in file names, e.g. 20230102t030405.
const PrintableFormat = "20060102t150405"

// PrintableDateFormat is the date-only variant accepted for kernel file names.
const PrintableDateFormat = "20060102"

// ManifestTimeFormat is the layout of manifest start_time and end_time values.
const ManifestTimeFormat = "2006-01-02:15:04:05"

// CDSEpoch is the reference epoch of CCSDS Day Segmented time codes.
var CDSEpoch = time.Date(1958, 1, 1, 0, 0, 0, 0, time.UTC)

var isotRegex = regexp.MustCompile(`^([0-9]{4})-([0-9]{2})-([0-9]{2})[Tt]([0-9]{2}):([0-9]{2}):([0-9]{2})(?:\.([0-9]*))?$`)

// FormatPrintable formats t as a lowercase-t compact timestamp.
func FormatPrintable(t time.Time) string {
	return t.UTC().Format(PrintableFormat)
}

// ParsePrintable parses a compact timestamp. Date-only values are accepted.
func ParsePrintable(s string) (time.Time, error) {
	s = strings.Replace(s, "T", "t", 1)
	layout := PrintableFormat
	if len(s) == len(PrintableDateFormat) {
		layout = PrintableDateFormat
	}
	t, err := time.ParseInLocation(layout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid printable timestamp %q: %w", s, err)
	}
	return t, nil
}

// ParseISOT parses YYYY-MM-DDTHH:MM:SS[.ffffff] as UTC.
func ParseISOT(s string) (time.Time, error) {
	m := isotRegex.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, fmt.Errorf("invalid ISOT timestamp %q", s)
	}
	var parts [6]int
	for i := range parts {
		parts[i], _ = strconv.Atoi(m[i+1])
	}
	nanos := 0
	if frac := m[7]; frac != "" {
		if len(frac) > 9 {
			frac = frac[:9]
		}
		frac += strings.Repeat("0", 9-len(frac))
		nanos, _ = strconv.Atoi(frac)
	}
	t := time.Date(parts[0], time.Month(parts[1]), parts[2], parts[3], parts[4], parts[5], nanos, time.UTC)
	if t.Month() != time.Month(parts[1]) || t.Day() != parts[2] {
		return time.Time{}, fmt.Errorf("invalid calendar date in %q", s)
	}
	return t, nil
}

// CDS is a decoded CCSDS Day Segmented time code.
type CDS struct {
	Days         uint16
	Milliseconds uint32
	Microseconds uint16
}

// SplitCDS splits an 8-byte CDS integer into days, milliseconds of day and
// microseconds of millisecond.
func SplitCDS(v uint64) CDS {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return CDS{
		Days:         binary.BigEndian.Uint16(b[0:2]),
		Milliseconds: binary.BigEndian.Uint32(b[2:6]),
		Microseconds: binary.BigEndian.Uint16(b[6:8]),
	}
}

// Time returns the UTC time of the code. Leap seconds are not applied.
func (c CDS) Time() time.Time {
	return CDSEpoch.
		AddDate(0, 0, int(c.Days)).
		Add(time.Duration(c.Milliseconds) * time.Millisecond).
		Add(time.Duration(c.Microseconds) * time.Microsecond)
}

// SCLKString formats the code as a "day:ms:us" spacecraft clock string.
func (c CDS) SCLKString() string {
	return fmt.Sprintf("%d:%d:%d", c.Days, c.Milliseconds, c.Microseconds)
}

// CDSToTime converts an 8-byte CDS integer to UTC.
func CDSToTime(v uint64) time.Time {
	return SplitCDS(v).Time()
}

// TimeToCDS encodes t as a CDS code, truncating to the microsecond.
func TimeToCDS(t time.Time) CDS {
	d := t.UTC().Sub(CDSEpoch)
	days := d / (24 * time.Hour)
	rem := d - days*24*time.Hour
	return CDS{
		Days:         uint16(days),
		Milliseconds: uint32(rem / time.Millisecond),
		Microseconds: uint16((rem % time.Millisecond) / time.Microsecond),
	}
}
