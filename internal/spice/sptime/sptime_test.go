package sptime

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libera-sdc/libera-utils/internal/pkgdata"
	"github.com/libera-sdc/libera-utils/internal/spice/pool"
	"github.com/libera-sdc/libera-utils/internal/timeutil"
)

const jpssID = -143

func loadKernels(t *testing.T, names ...string) *pool.Pool {
	t.Helper()
	p := pool.New()
	for _, name := range names {
		data, err := pkgdata.ReadFile(name)
		require.NoError(t, err)
		require.NoError(t, p.LoadText(bytes.NewReader(data), name))
	}
	return p
}

func newConverter(t *testing.T) *Converter {
	t.Helper()
	c, err := NewConverter(loadKernels(t, pkgdata.LeapSecondsKernel, pkgdata.JPSSClockKernel))
	require.NoError(t, err)
	return c
}

func TestUTC2ETAtJ2000(t *testing.T) {
	c := newConverter(t)
	et := c.UTC2ET(J2000)
	assert.InDelta(t, 64.183927, et, 1e-6)
}

func TestET2UTCAtZero(t *testing.T) {
	c := newConverter(t)
	assert.True(t, strings.HasPrefix(c.ET2UTC(0, 6), "2000-01-01T11:58:55.816"), c.ET2UTC(0, 6))
	assert.Equal(t, "2000-01-01T11:58:55", c.ET2UTC(0, 0))
}

func TestUTCRoundTrip(t *testing.T) {
	c := newConverter(t)
	tests := []string{
		"1985-03-04T05:06:07.000000",
		"2017-01-01T00:00:00.000000",
		"2024-02-29T23:59:59.123456",
		"2030-06-15T12:00:00.500000",
	}
	for _, s := range tests {
		t.Run(s, func(t *testing.T) {
			et, err := c.ParseUTC2ET(s)
			require.NoError(t, err)
			assert.Equal(t, s, c.ET2UTC(et, 6))
		})
	}
}

func TestLeapSecondIsCounted(t *testing.T) {
	c := newConverter(t)
	before := c.UTC2ET(time.Date(2016, 12, 31, 23, 59, 59, 0, time.UTC))
	after := c.UTC2ET(time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.InDelta(t, 2.0, after-before, 1e-6)

	ordinary := c.UTC2ET(time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)) -
		c.UTC2ET(time.Date(2017, 12, 31, 23, 59, 59, 0, time.UTC))
	assert.InDelta(t, 1.0, ordinary, 1e-6)
}

func TestDeltaAT(t *testing.T) {
	c := newConverter(t)
	ls := c.LeapSeconds()
	assert.Equal(t, 10.0, ls.DeltaAT(Label(time.Date(1960, 1, 1, 0, 0, 0, 0, time.UTC))))
	assert.Equal(t, 32.0, ls.DeltaAT(Label(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC))))
	assert.Equal(t, 37.0, ls.DeltaAT(Label(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))))
}

func TestParseUTCFormats(t *testing.T) {
	c := newConverter(t)
	want := c.UTC2ET(time.Date(2024, 3, 1, 4, 5, 6, 0, time.UTC))
	for _, s := range []string{"2024-03-01T04:05:06", "2024-03-01 04:05:06", "2024-03-01:04:05:06", "20240301t040506"} {
		et, err := c.ParseUTC2ET(s)
		require.NoError(t, err, s)
		assert.InDelta(t, want, et, 1e-9, s)
	}
	_, err := c.ParseUTC2ET("yesterday")
	assert.Error(t, err)
}

func cdsDays(t time.Time) int {
	return int(t.Sub(timeutil.CDSEpoch).Hours() / 24)
}

func TestSCS2EMatchesUTC(t *testing.T) {
	c := newConverter(t)
	tests := []time.Time{
		time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		time.Date(2016, 12, 31, 23, 59, 59, 0, time.UTC),
		time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2023, 7, 4, 1, 2, 3, 456789000, time.UTC),
	}
	for _, utc := range tests {
		ms := utc.Hour()*3600000 + utc.Minute()*60000 + utc.Second()*1000 + utc.Nanosecond()/1e6
		us := (utc.Nanosecond() / 1e3) % 1000
		clock := fmt.Sprintf("%d:%d:%d", cdsDays(utc), ms, us)
		t.Run(clock, func(t *testing.T) {
			et, err := c.SCS2E(jpssID, clock)
			require.NoError(t, err)
			assert.InDelta(t, c.UTC2ET(utc), et, 1e-5)
		})
	}
}

func TestSCE2SRoundTrip(t *testing.T) {
	c := newConverter(t)
	utc := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	et := c.UTC2ET(utc)

	s, err := c.SCE2S(jpssID, et)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("1/%d:43200000:000", cdsDays(utc)), s)

	back, err := c.SCS2E(jpssID, s)
	require.NoError(t, err)
	assert.InDelta(t, et, back, 1e-5)
}

func TestSCLKMatchesCDS(t *testing.T) {
	c := newConverter(t)
	cds := timeutil.CDS{Days: 24000, Milliseconds: 3600000, Microseconds: 250}
	et, err := c.SCS2E(jpssID, cds.SCLKString())
	require.NoError(t, err)
	assert.InDelta(t, c.UTC2ET(cds.Time()), et, 1e-5)
}

func TestSCLKEncodeErrors(t *testing.T) {
	c := newConverter(t)
	s, err := c.SCLK(jpssID)
	require.NoError(t, err)

	for _, clock := range []string{"2/1:0:0", "1:2:3:4", "abc:0:0", "x/1:0:0", ""} {
		_, err := s.Encode(clock)
		assert.Error(t, err, clock)
	}

	ticks, err := s.Encode("1/1")
	require.NoError(t, err)
	assert.Equal(t, 8.64e10, ticks)
}

const twoPartitionClock = `KPL/SCLK
\begindata
SCLK_DATA_TYPE_99         = ( 1 )
SCLK01_N_FIELDS_99        = ( 1 )
SCLK01_MODULI_99          = ( 1000000 )
SCLK01_OFFSETS_99         = ( 0 )
SCLK_PARTITION_START_99   = ( 0 1000 )
SCLK_PARTITION_END_99     = ( 1000 5000 )
SCLK01_COEFFICIENTS_99    = ( 0 0 1 )
\begintext
`

func TestSCLKPartitions(t *testing.T) {
	p := pool.New()
	require.NoError(t, p.LoadText(strings.NewReader(twoPartitionClock), "two.tsc"))
	s, err := NewSCLK(p, -99, nil)
	require.NoError(t, err)

	tests := []struct {
		clock string
		want  float64
	}{
		{"1/0", 0},
		{"1/1000", 1000},
		{"2/1000", 1000},
		{"2/1500", 1500},
		{"2/4500", 4500},
		{"2/5000", 5000},
	}
	for _, tt := range tests {
		got, err := s.Encode(tt.clock)
		require.NoError(t, err, tt.clock)
		assert.Equal(t, tt.want, got, tt.clock)
	}

	for _, clock := range []string{"2/500", "2/5001", "1/1001", "3/1"} {
		_, err := s.Encode(clock)
		assert.Error(t, err, clock)
	}

	for encoded, want := range map[float64]string{500: "1/500", 1000: "1/1000", 1500: "2/1500", 4999: "2/4999"} {
		got, err := s.Decode(encoded)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestSCLKMissing(t *testing.T) {
	c := newConverter(t)
	_, err := c.SCS2E(-999, "1:0:0")
	assert.Error(t, err)
	_, err = NewSCLK(pool.New(), 143, nil)
	assert.Error(t, err)
}

func TestNewConverterRequiresLeapSeconds(t *testing.T) {
	_, err := NewConverter(loadKernels(t, pkgdata.JPSSClockKernel))
	assert.Error(t, err)
}

func TestFromLabelRounding(t *testing.T) {
	got := FromLabel(Label(time.Date(2021, 5, 6, 7, 8, 9, 123456000, time.UTC)))
	assert.Equal(t, time.Date(2021, 5, 6, 7, 8, 9, 123456000, time.UTC), got)
	assert.False(t, math.IsNaN(Label(J2000)))
	assert.Equal(t, 0.0, Label(J2000))
}
