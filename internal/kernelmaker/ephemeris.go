package kernelmaker

import (
	"context"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

// StateVector is one GPS ephemeris sample from a geolocation packet, in
// metres and metres per second in the Earth-fixed frame.
type StateVector struct {
	ET       float64
	Time     time.Time
	Position r3.Vec
	Velocity r3.Vec
}

// Ephemeris reads the GPS state vectors of the geolocation packets in files,
// in packet order, with their ephemeris times.
func (m *Maker) Ephemeris(ctx context.Context, files []string) ([]StateVector, error) {
	table, err := m.ReadGeolocationPackets(ctx, files)
	if err != nil {
		return nil, err
	}
	conv, scID, err := m.converter(ctx)
	if err != nil {
		return nil, err
	}
	clocks, err := clockStrings(table, ephemerisTime)
	if err != nil {
		return nil, err
	}
	ets, err := m.ephemerisTimes(conv, scID, clocks)
	if err != nil {
		return nil, err
	}
	var cols [6][]float64
	for i, name := range SPKFields[1:] {
		if cols[i], err = table.Float64s(name); err != nil {
			return nil, err
		}
	}
	out := make([]StateVector, len(ets))
	for i, et := range ets {
		out[i] = StateVector{
			ET:       et,
			Time:     conv.ET2Time(et),
			Position: r3.Vec{X: cols[0][i], Y: cols[1][i], Z: cols[2][i]},
			Velocity: r3.Vec{X: cols[3][i], Y: cols[4][i], Z: cols[5][i]},
		}
	}
	return out, nil
}
