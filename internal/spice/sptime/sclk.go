package sptime

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/libera-sdc/libera-utils/internal/spice/pool"
)

const (
	timeSystemTDB = 1
	timeSystemTDT = 2
)

var outputDelimiters = map[int]string{1: ".", 2: ":", 3: "-", 4: ",", 5: " "}

// SCLK is a type 1 spacecraft clock.
type SCLK struct {
	ID         int
	timeSystem int
	moduli     []float64
	offsets    []float64
	delim      string
	partStart  []float64
	partEnd    []float64
	// coefficient records: encoded ticks, parallel time, rate per most
	// significant count.
	ticks    []float64
	parallel []float64
	rates    []float64
	ls       *LeapSeconds
}

// NewSCLK reads the type 1 clock for spacecraft scID (a negative NAIF ID)
// from p. ls is required when the clock's parallel time system is TDT.
func NewSCLK(p *pool.Pool, scID int, ls *LeapSeconds) (*SCLK, error) {
	if scID >= 0 {
		return nil, fmt.Errorf("spacecraft clock ID must be negative, got %d", scID)
	}
	n := -scID
	name := func(prefix string) string { return fmt.Sprintf("%s_%d", prefix, n) }

	dataType, err := p.Int(name("SCLK_DATA_TYPE"))
	if err != nil {
		return nil, fmt.Errorf("no SCLK kernel loaded for %d: %w", scID, err)
	}
	if dataType != 1 {
		return nil, fmt.Errorf("SCLK data type %d for %d is not supported", dataType, scID)
	}

	s := &SCLK{ID: scID, timeSystem: timeSystemTDB, delim: ".", ls: ls}
	if p.Has(name("SCLK01_TIME_SYSTEM")) {
		if s.timeSystem, err = p.Int(name("SCLK01_TIME_SYSTEM")); err != nil {
			return nil, err
		}
	}
	if s.timeSystem != timeSystemTDB && s.timeSystem != timeSystemTDT {
		return nil, fmt.Errorf("SCLK time system %d for %d is not supported", s.timeSystem, scID)
	}
	if s.timeSystem == timeSystemTDT && ls == nil {
		return nil, fmt.Errorf("SCLK %d uses TDT and needs a leapseconds kernel", scID)
	}

	nFields, err := p.Int(name("SCLK01_N_FIELDS"))
	if err != nil {
		return nil, err
	}
	if s.moduli, err = p.Numbers(name("SCLK01_MODULI")); err != nil {
		return nil, err
	}
	if s.offsets, err = p.Numbers(name("SCLK01_OFFSETS")); err != nil {
		return nil, err
	}
	if len(s.moduli) != nFields || len(s.offsets) != nFields {
		return nil, fmt.Errorf("SCLK %d declares %d fields but has %d moduli and %d offsets",
			scID, nFields, len(s.moduli), len(s.offsets))
	}
	if p.Has(name("SCLK01_OUTPUT_DELIM")) {
		code, err := p.Int(name("SCLK01_OUTPUT_DELIM"))
		if err != nil {
			return nil, err
		}
		d, ok := outputDelimiters[code]
		if !ok {
			return nil, fmt.Errorf("SCLK %d has invalid output delimiter code %d", scID, code)
		}
		s.delim = d
	}
	if s.partStart, err = p.Numbers(name("SCLK_PARTITION_START")); err != nil {
		return nil, err
	}
	if s.partEnd, err = p.Numbers(name("SCLK_PARTITION_END")); err != nil {
		return nil, err
	}
	if len(s.partStart) != len(s.partEnd) {
		return nil, fmt.Errorf("SCLK %d partition start/end lengths differ", scID)
	}

	coeffs, err := p.Numbers(name("SCLK01_COEFFICIENTS"))
	if err != nil {
		return nil, err
	}
	if len(coeffs) == 0 || len(coeffs)%3 != 0 {
		return nil, fmt.Errorf("SCLK %d coefficients must be triplets, found %d values", scID, len(coeffs))
	}
	for i := 0; i < len(coeffs); i += 3 {
		s.ticks = append(s.ticks, coeffs[i])
		s.parallel = append(s.parallel, coeffs[i+1])
		s.rates = append(s.rates, coeffs[i+2])
	}
	return s, nil
}

// ticksPerCount is the number of ticks in one most significant count.
func (s *SCLK) ticksPerCount() float64 {
	t := 1.0
	for _, m := range s.moduli[1:] {
		t *= m
	}
	return t
}

// Encode converts a clock string such as "1/23741:43200000:0" to encoded
// ticks. A missing partition prefix means partition 1; missing trailing
// fields are zero.
func (s *SCLK) Encode(clock string) (float64, error) {
	part := 1
	body := strings.TrimSpace(clock)
	if before, after, ok := strings.Cut(body, "/"); ok {
		p, err := strconv.Atoi(strings.TrimSpace(before))
		if err != nil {
			return 0, fmt.Errorf("invalid SCLK partition in %q", clock)
		}
		part = p
		body = after
	}
	if part < 1 || part > len(s.partStart) {
		return 0, fmt.Errorf("SCLK partition %d out of range 1..%d", part, len(s.partStart))
	}
	fields := strings.FieldsFunc(body, func(r rune) bool {
		return strings.ContainsRune(".:-, ", r)
	})
	if len(fields) == 0 || len(fields) > len(s.moduli) {
		return 0, fmt.Errorf("invalid SCLK string %q", clock)
	}
	ticks := 0.0
	for i := range s.moduli {
		v := 0.0
		if i < len(fields) {
			f, err := strconv.ParseFloat(fields[i], 64)
			if err != nil {
				return 0, fmt.Errorf("invalid SCLK field %q in %q", fields[i], clock)
			}
			v = f
		}
		if i > 0 {
			ticks *= s.moduli[i]
		}
		ticks += v - s.offsets[i]
	}
	start, end := s.partStart[part-1], s.partEnd[part-1]
	if ticks < start || ticks > end {
		return 0, fmt.Errorf("SCLK string %q is not in partition %d (%.0f to %.0f ticks)", clock, part, start, end)
	}
	encoded := ticks - start
	for i := 0; i < part-1; i++ {
		encoded += s.partEnd[i] - s.partStart[i]
	}
	return encoded, nil
}

// Decode formats encoded ticks as a clock string "p/f1:f2:...". Encoded
// ticks count from the start of partition 1 across every partition.
func (s *SCLK) Decode(encoded float64) (string, error) {
	if encoded < 0 {
		return "", fmt.Errorf("negative encoded SCLK %v", encoded)
	}
	part := 0
	for part < len(s.partStart) {
		length := s.partEnd[part] - s.partStart[part]
		if encoded <= length || part == len(s.partStart)-1 {
			break
		}
		encoded -= length
		part++
	}
	ticks := math.Round(encoded + s.partStart[part])
	fields := make([]string, len(s.moduli))
	for i := len(s.moduli) - 1; i >= 0; i-- {
		var v float64
		if i == 0 {
			v = ticks
		} else {
			v = math.Mod(ticks, s.moduli[i])
			ticks = math.Floor(ticks / s.moduli[i])
		}
		v += s.offsets[i]
		text := strconv.FormatFloat(v, 'f', 0, 64)
		if i > 0 {
			width := len(strconv.FormatFloat(s.moduli[i]-1+s.offsets[i], 'f', 0, 64))
			text = strings.Repeat("0", max(0, width-len(text))) + text
		}
		fields[i] = text
	}
	return fmt.Sprintf("%d/%s", part+1, strings.Join(fields, s.delim)), nil
}

// record returns the index of the coefficient record governing a value,
// searching keys (ticks or parallel time).
func record(keys []float64, v float64) int {
	i := sort.Search(len(keys), func(i int) bool { return keys[i] > v }) - 1
	if i < 0 {
		i = 0
	}
	return i
}

// Ticks2ET converts encoded ticks to ephemeris time.
func (s *SCLK) Ticks2ET(encoded float64) float64 {
	i := record(s.ticks, encoded)
	par := s.parallel[i] + s.rates[i]*(encoded-s.ticks[i])/s.ticksPerCount()
	if s.timeSystem == timeSystemTDT {
		return s.ls.TDT2ET(par)
	}
	return par
}

// ET2Ticks converts ephemeris time to encoded ticks.
func (s *SCLK) ET2Ticks(et float64) float64 {
	par := et
	if s.timeSystem == timeSystemTDT {
		par = s.ls.ET2TDT(et)
	}
	i := record(s.parallel, par)
	return s.ticks[i] + (par-s.parallel[i])*s.ticksPerCount()/s.rates[i]
}

// SCS2E converts a clock string to ephemeris time.
func (s *SCLK) SCS2E(clock string) (float64, error) {
	ticks, err := s.Encode(clock)
	if err != nil {
		return 0, err
	}
	return s.Ticks2ET(ticks), nil
}

// SCE2S converts ephemeris time to a clock string.
func (s *SCLK) SCE2S(et float64) (string, error) {
	return s.Decode(s.ET2Ticks(et))
}
