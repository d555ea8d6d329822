package sptime

import (
	"sync"
	"time"

	"github.com/libera-sdc/libera-utils/internal/spice/pool"
)

// Converter performs time conversions against the kernels currently in a
// pool. Clock definitions are read on first use and cached.
type Converter struct {
	pool *pool.Pool
	ls   *LeapSeconds

	mu    sync.Mutex
	clock map[int]*SCLK
}

// NewConverter requires a leapseconds kernel in p.
func NewConverter(p *pool.Pool) (*Converter, error) {
	ls, err := NewLeapSeconds(p)
	if err != nil {
		return nil, err
	}
	return &Converter{pool: p, ls: ls, clock: map[int]*SCLK{}}, nil
}

// LeapSeconds returns the loaded leapseconds table.
func (c *Converter) LeapSeconds() *LeapSeconds { return c.ls }

// SCLK returns the clock for spacecraft scID.
func (c *Converter) SCLK(scID int) (*SCLK, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.clock[scID]; ok {
		return s, nil
	}
	s, err := NewSCLK(c.pool, scID, c.ls)
	if err != nil {
		return nil, err
	}
	c.clock[scID] = s
	return s, nil
}

// UTC2ET converts t to ephemeris time.
func (c *Converter) UTC2ET(t time.Time) float64 { return c.ls.UTC2ET(t) }

// ParseUTC2ET parses an ISO UTC string and converts it to ephemeris time.
func (c *Converter) ParseUTC2ET(s string) (float64, error) { return c.ls.ParseUTC2ET(s) }

// ET2UTC formats et as ISO calendar UTC with prec fractional digits.
func (c *Converter) ET2UTC(et float64, prec int) string { return c.ls.ET2UTC(et, prec) }

// ET2Time converts et to a UTC time.
func (c *Converter) ET2Time(et float64) time.Time { return c.ls.ET2Time(et) }

// SCS2E converts a clock string of spacecraft scID to ephemeris time.
func (c *Converter) SCS2E(scID int, clock string) (float64, error) {
	s, err := c.SCLK(scID)
	if err != nil {
		return 0, err
	}
	return s.SCS2E(clock)
}

// SCE2S converts ephemeris time to a clock string of spacecraft scID.
func (c *Converter) SCE2S(scID int, et float64) (string, error) {
	s, err := c.SCLK(scID)
	if err != nil {
		return "", err
	}
	return s.SCE2S(et)
}
