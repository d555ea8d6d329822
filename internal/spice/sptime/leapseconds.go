// Package sptime converts between UTC, ephemeris time (TDB seconds past
// J2000) and spacecraft clock strings using leapseconds and SCLK kernels
// loaded in a kernel pool.
package sptime

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/libera-sdc/libera-utils/internal/spice/pool"
	"github.com/libera-sdc/libera-utils/internal/timeutil"
)

// J2000 is the UTC calendar label of the J2000 epoch. Calendar labels are
// measured against it on a uniform 86400 s day.
var J2000 = time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC)

const boundaryTolerance = 1e-6

// LeapSeconds holds the DELTET parameters of a leapseconds kernel.
type LeapSeconds struct {
	deltaTA float64
	k       float64
	eb      float64
	m       [2]float64
	// epochs are UTC labels (seconds past J2000) at which deltas[i] starts.
	epochs []float64
	deltas []float64
}

// NewLeapSeconds reads the DELTET variables from p.
func NewLeapSeconds(p *pool.Pool) (*LeapSeconds, error) {
	var ls LeapSeconds
	var err error
	if ls.deltaTA, err = p.Float("DELTET/DELTA_T_A"); err != nil {
		return nil, fmt.Errorf("no leapseconds kernel loaded: %w", err)
	}
	if ls.k, err = p.Float("DELTET/K"); err != nil {
		return nil, err
	}
	if ls.eb, err = p.Float("DELTET/EB"); err != nil {
		return nil, err
	}
	m, err := p.Numbers("DELTET/M")
	if err != nil {
		return nil, err
	}
	if len(m) != 2 {
		return nil, fmt.Errorf("DELTET/M has %d values, want 2", len(m))
	}
	ls.m = [2]float64{m[0], m[1]}

	pairs, err := p.Numbers("DELTET/DELTA_AT")
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 || len(pairs)%2 != 0 {
		return nil, fmt.Errorf("DELTET/DELTA_AT must hold (delta, epoch) pairs, found %d values", len(pairs))
	}
	for i := 0; i < len(pairs); i += 2 {
		if len(ls.epochs) > 0 && pairs[i+1] <= ls.epochs[len(ls.epochs)-1] {
			return nil, fmt.Errorf("DELTET/DELTA_AT epochs are not increasing at entry %d", i/2)
		}
		ls.deltas = append(ls.deltas, pairs[i])
		ls.epochs = append(ls.epochs, pairs[i+1])
	}
	return &ls, nil
}

// Label returns the seconds past J2000 of t's calendar label.
func Label(t time.Time) float64 {
	d := t.UTC().Sub(J2000)
	whole := d.Truncate(time.Second)
	return whole.Seconds() + float64(d-whole)/1e9
}

// FromLabel converts seconds past J2000 on the uniform calendar back to a
// UTC time, rounded to the microsecond.
func FromLabel(sec float64) time.Time {
	whole := math.Floor(sec)
	frac := math.Round((sec-whole)*1e6) * 1e3
	return J2000.Add(time.Duration(whole)*time.Second + time.Duration(frac))
}

// DeltaAT returns TAI-UTC at the UTC label. Labels before the first entry
// use the first offset.
func (l *LeapSeconds) DeltaAT(label float64) float64 {
	i := sort.Search(len(l.epochs), func(i int) bool { return l.epochs[i] > label }) - 1
	if i < 0 {
		i = 0
	}
	return l.deltas[i]
}

// TDT2ET converts terrestrial dynamical time to TDB.
func (l *LeapSeconds) TDT2ET(tdt float64) float64 {
	m := l.m[0] + l.m[1]*tdt
	e := m + l.eb*math.Sin(m)
	return tdt + l.k*math.Sin(e)
}

// ET2TDT converts TDB to terrestrial dynamical time.
func (l *LeapSeconds) ET2TDT(et float64) float64 {
	tdt := et
	for i := 0; i < 4; i++ {
		tdt = et - (l.TDT2ET(tdt) - tdt)
	}
	return tdt
}

// UTC2ET converts a UTC time to ephemeris time.
func (l *LeapSeconds) UTC2ET(t time.Time) float64 {
	label := Label(t)
	tai := label + l.DeltaAT(label)
	return l.TDT2ET(tai + l.deltaTA)
}

// ET2Time converts ephemeris time to a UTC time.
func (l *LeapSeconds) ET2Time(et float64) time.Time {
	tai := l.ET2TDT(et) - l.deltaTA
	// The offset applies once TAI reaches epoch+delta, allowing for
	// rounding in the TDB to TDT inversion.
	i := len(l.epochs) - 1
	for i > 0 && tai < l.epochs[i]+l.deltas[i]-boundaryTolerance {
		i--
	}
	return FromLabel(tai - l.deltas[i])
}

// ParseUTC2ET parses an ISO UTC string (YYYY-MM-DDTHH:MM:SS[.fff],
// YYYY-MM-DD HH:MM:SS or YYYY-MM-DD) and converts it to ephemeris time.
func (l *LeapSeconds) ParseUTC2ET(s string) (float64, error) {
	t, err := parseUTC(s)
	if err != nil {
		return 0, err
	}
	return l.UTC2ET(t), nil
}

func parseUTC(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := timeutil.ParseISOT(strings.Replace(s, " ", "T", 1)); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02", timeutil.ManifestTimeFormat, timeutil.PrintableFormat} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised UTC time string %q", s)
}

// ET2UTC formats ephemeris time as an ISO calendar string
// (YYYY-MM-DDTHH:MM:SS.ffffff) with prec fractional digits.
func (l *LeapSeconds) ET2UTC(et float64, prec int) string {
	return FormatISOC(l.ET2Time(et), prec)
}

// FormatISOC formats t as YYYY-MM-DDTHH:MM:SS with prec (0-9) fractional
// digits.
func FormatISOC(t time.Time, prec int) string {
	if prec <= 0 {
		return t.UTC().Format("2006-01-02T15:04:05")
	}
	if prec > 9 {
		prec = 9
	}
	return t.UTC().Format("2006-01-02T15:04:05." + strings.Repeat("0", prec))
}
