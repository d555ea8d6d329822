// Package quicklook renders ground tracks of geolocation packets for a quick
// visual check: an interactive HTML page and a static image.
package quicklook

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/libera-sdc/libera-utils/internal/geolocation"
)

// ErrEmptyTrack is returned when there is nothing to draw.
var ErrEmptyTrack = errors.New("track has no points")

// Point is one sample of a ground track.
type Point struct {
	Time time.Time
	geolocation.Planetographic
	// NadirAngle is the angle in degrees between the velocity and the local
	// horizontal plane.
	NadirAngle float64
}

// Track converts Earth-fixed positions and velocities in metres to ground
// track points on the Earth ellipsoid.
func Track(times []time.Time, positions, velocities []r3.Vec) ([]Point, error) {
	if len(times) != len(positions) || len(positions) != len(velocities) {
		return nil, fmt.Errorf("%w: %d times, %d positions, %d velocities",
			geolocation.ErrLengthMismatch, len(times), len(positions), len(velocities))
	}
	re, _, f := geolocation.EarthRadii()
	out := make([]Point, len(times))
	for i := range times {
		km := r3.Scale(1e-3, positions[i])
		angle, err := geolocation.AngleBetween(positions[i], velocities[i], true)
		if err != nil {
			angle = 0
		}
		out[i] = Point{
			Time:           times[i],
			Planetographic: geolocation.CartesianToPlanetographic(km, re, f),
			NadirAngle:     90 - angle,
		}
	}
	return out, nil
}

// WriteHTML renders a page with the ground track and the altitude over time.
func WriteHTML(w io.Writer, title string, track []Point) error {
	if len(track) == 0 {
		return ErrEmptyTrack
	}
	lonlat := make([]opts.ScatterData, len(track))
	alt := make([]opts.LineData, len(track))
	xs := make([]string, len(track))
	for i, p := range track {
		lonlat[i] = opts.ScatterData{Value: []interface{}{p.Lon, p.Lat}}
		alt[i] = opts.LineData{Value: p.Alt}
		xs[i] = p.Time.UTC().Format(time.RFC3339)
	}

	ground := charts.NewScatter()
	ground.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "1000px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{Title: "Ground track", Subtitle: fmt.Sprintf("%s points=%d", title, len(track))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: 0, Max: 360, Name: "Longitude (deg E)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -90, Max: 90, Name: "Latitude (deg)", NameLocation: "middle", NameGap: 30}),
	)
	ground.AddSeries("track", lonlat, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))

	altitude := charts.NewLine()
	altitude.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "1000px", Height: "400px"}),
		charts.WithTitleOpts(opts.Title{Title: "Altitude (km)"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	altitude.SetXAxis(xs).AddSeries("altitude", alt)

	page := components.NewPage()
	page.AddCharts(ground, altitude)
	return page.Render(w)
}

// SavePNG draws the ground track to path. The image format follows the
// file extension.
func SavePNG(path, title string, track []Point) error {
	if len(track) == 0 {
		return ErrEmptyTrack
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Longitude (deg E)"
	p.Y.Label.Text = "Latitude (deg)"
	p.X.Min, p.X.Max = 0, 360
	p.Y.Min, p.Y.Max = -90, 90
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, len(track))
	for i, pt := range track {
		pts[i] = plotter.XY{X: pt.Lon, Y: pt.Lat}
	}
	scatter, err := plotter.NewScatter(pts)
	if err != nil {
		return fmt.Errorf("failed to build track plot: %w", err)
	}
	scatter.GlyphStyle.Radius = vg.Points(1.5)
	p.Add(scatter)
	if err := p.Save(10*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}
