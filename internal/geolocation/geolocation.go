// Package geolocation holds the geometry used to place spacecraft and
// instrument look directions on the Earth: angles between vectors,
// planetographic coordinates and ellipsoid intercepts.
//
// Distances are in whatever unit the caller passes, as long as positions
// and radii agree. Earth radii are in kilometres.
package geolocation

import (
	"errors"
	"fmt"
	"math"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Earth radii from the NAIF planetary constants kernel, in km.
const (
	EarthEquatorialRadius = 6378.1366
	EarthPolarRadius      = 6356.7519
)

// EarthFlattening is (re-rp)/re for the radii above.
const EarthFlattening = (EarthEquatorialRadius - EarthPolarRadius) / EarthEquatorialRadius

var (
	ErrZeroVector      = errors.New("zero length vector")
	ErrLengthMismatch  = errors.New("vector batches differ in length")
	ErrInvalidRotation = errors.New("rotation matrix must be 3x3")
)

// EarthRadii returns the equatorial and polar radii and the flattening.
func EarthRadii() (re, rp, flat float64) {
	return EarthEquatorialRadius, EarthPolarRadius, EarthFlattening
}

// AngleBetween returns the angle between v1 and v2 in radians, or degrees
// when degrees is set. The cosine is clipped to [-1, 1].
func AngleBetween(v1, v2 r3.Vec, degrees bool) (float64, error) {
	n1, n2 := r3.Norm(v1), r3.Norm(v2)
	if n1 == 0 || n2 == 0 {
		return math.NaN(), ErrZeroVector
	}
	cos := r3.Dot(v1, v2) / (n1 * n2)
	theta := math.Acos(math.Max(-1, math.Min(1, cos)))
	if degrees {
		theta *= 180 / math.Pi
	}
	return theta, nil
}

// AnglesBetween is AngleBetween applied pairwise.
func AnglesBetween(v1, v2 []r3.Vec, degrees bool) ([]float64, error) {
	if len(v1) != len(v2) {
		return nil, fmt.Errorf("%w: %d and %d", ErrLengthMismatch, len(v1), len(v2))
	}
	out := make([]float64, len(v1))
	for i := range v1 {
		theta, err := AngleBetween(v1[i], v2[i], degrees)
		if err != nil {
			return nil, fmt.Errorf("pair %d: %w", i, err)
		}
		out[i] = theta
	}
	return out, nil
}

// Planetographic is a position on a reference ellipsoid. Lon is east
// positive in [0, 360) degrees and Lat is measured from the surface normal.
type Planetographic struct {
	Lon float64
	Lat float64
	Alt float64
}

// CartesianToPlanetographic converts Earth body-fixed rectangular
// coordinates to planetographic longitude, latitude (degrees) and altitude
// over an ellipsoid with equatorial radius re and flattening f. Earth
// longitude is east positive. Any NaN component gives an all-NaN result.
func CartesianToPlanetographic(p r3.Vec, re, f float64) Planetographic {
	if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsNaN(p.Z) {
		nan := math.NaN()
		return Planetographic{nan, nan, nan}
	}
	lon, lat, alt := geodetic(p, re, f)
	lon = math.Mod(lon, 2*math.Pi)
	if lon < 0 {
		lon += 2 * math.Pi
	}
	return Planetographic{Lon: lon * 180 / math.Pi, Lat: lat * 180 / math.Pi, Alt: alt}
}

// geodetic returns longitude and geodetic latitude in radians and the
// height above the ellipsoid along the normal.
func geodetic(p r3.Vec, re, f float64) (lon, lat, alt float64) {
	lon = math.Atan2(p.Y, p.X)
	rp := re * (1 - f)
	rho := math.Hypot(p.X, p.Y)
	if rho < 1e-12*re {
		if p.Z >= 0 {
			return lon, math.Pi / 2, p.Z - rp
		}
		return lon, -math.Pi / 2, -p.Z - rp
	}
	e2 := f * (2 - f)
	lat = math.Atan2(p.Z, rho*(1-e2))
	for range 20 {
		sin := math.Sin(lat)
		n := re / math.Sqrt(1-e2*sin*sin)
		alt = rho/math.Cos(lat) - n
		next := math.Atan2(p.Z, rho*(1-e2*n/(n+alt)))
		if math.Abs(next-lat) < 1e-14 {
			lat = next
			break
		}
		lat = next
	}
	sin := math.Sin(lat)
	n := re / math.Sqrt(1-e2*sin*sin)
	// Near the poles cos(lat) is small; measure height along z instead.
	if math.Abs(lat) > math.Pi/4 {
		alt = p.Z/sin - n*(1-e2)
	} else {
		alt = rho/math.Cos(lat) - n
	}
	return lon, lat, alt
}

// Ellipsoid is a triaxial ellipsoid centred on the origin.
type Ellipsoid struct {
	A, B, C float64
}

// Earth returns the Earth reference ellipsoid in km.
func Earth() Ellipsoid {
	return Ellipsoid{EarthEquatorialRadius, EarthEquatorialRadius, EarthPolarRadius}
}

func (e Ellipsoid) scale(v r3.Vec) r3.Vec   { return r3.Vec{X: v.X / e.A, Y: v.Y / e.B, Z: v.Z / e.C} }
func (e Ellipsoid) unscale(v r3.Vec) r3.Vec { return r3.Vec{X: v.X * e.A, Y: v.Y * e.B, Z: v.Z * e.C} }

// SurfaceIntercept finds where the line through position along look meets
// the ellipsoid. When the line hits it returns the first intersection in
// the look direction (or behind the observer if only that side hits) and a
// distance of zero. When it misses, point is the ellipsoid point under the
// line's closest approach and distance is how far the line passes from it.
func (e Ellipsoid) SurfaceIntercept(position, look r3.Vec) (point r3.Vec, distance float64, err error) {
	if r3.Norm(look) == 0 {
		return r3.Vec{}, 0, ErrZeroVector
	}
	p, d := e.scale(position), e.scale(look)
	// |p + t d|^2 = 1 in scaled space.
	a := r3.Dot(d, d)
	b := 2 * r3.Dot(p, d)
	c := r3.Dot(p, p) - 1
	disc := b*b - 4*a*c
	if disc >= 0 {
		sq := math.Sqrt(disc)
		t1, t2 := (-b-sq)/(2*a), (-b+sq)/(2*a)
		// t2 is the exit point ahead, or the nearer point when both are
		// behind the observer.
		t := t1
		if t1 < 0 {
			t = t2
		}
		return e.unscale(r3.Add(p, r3.Scale(t, d))), 0, nil
	}

	t := -r3.Dot(p, d) / a
	closest := r3.Add(p, r3.Scale(t, d))
	surface := e.unscale(r3.Unit(closest))
	lineClosest := e.unscale(closest)
	return surface, r3.Norm(r3.Sub(lineClosest, surface)), nil
}

// SurfaceIntercepts is SurfaceIntercept applied pairwise.
func (e Ellipsoid) SurfaceIntercepts(positions, looks []r3.Vec) ([]r3.Vec, []float64, error) {
	if len(positions) != len(looks) {
		return nil, nil, fmt.Errorf("%w: %d and %d", ErrLengthMismatch, len(positions), len(looks))
	}
	points := make([]r3.Vec, len(positions))
	dists := make([]float64, len(positions))
	for i := range positions {
		var err error
		if points[i], dists[i], err = e.SurfaceIntercept(positions[i], looks[i]); err != nil {
			return nil, nil, fmt.Errorf("pair %d: %w", i, err)
		}
	}
	return points, dists, nil
}

// FrameTransform applies a 3x3 rotation to v, optionally normalizing.
func FrameTransform(rot mat.Matrix, v r3.Vec, normalize bool) (r3.Vec, error) {
	if r, c := rot.Dims(); r != 3 || c != 3 {
		return r3.Vec{}, ErrInvalidRotation
	}
	var out mat.VecDense
	out.MulVec(rot, mat.NewVecDense(3, []float64{v.X, v.Y, v.Z}))
	res := r3.Vec{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}
	if normalize {
		if r3.Norm(res) == 0 {
			return r3.Vec{}, ErrZeroVector
		}
		res = r3.Unit(res)
	}
	return res, nil
}

// gmst returns Greenwich mean sidereal time in radians at t.
func gmst(t time.Time) float64 {
	t = t.UTC()
	year, month, day := t.Date()
	hour, minute, sec := t.Clock()
	jd := satellite.JDay(year, int(month), day, hour, minute, sec)
	jd += float64(t.Nanosecond()) / 1e9 / 86400
	return satellite.ThetaG_JD(jd)
}

// ECEFToECI rotates an Earth-fixed vector into the true-of-date inertial
// frame at t, ignoring polar motion.
func ECEFToECI(v r3.Vec, t time.Time) r3.Vec {
	g := gmst(t)
	c, s := math.Cos(g), math.Sin(g)
	return r3.Vec{X: c*v.X - s*v.Y, Y: s*v.X + c*v.Y, Z: v.Z}
}

// SubSatellitePoint returns the geodetic latitude and longitude (degrees,
// longitude in [-180, 180)) and altitude in km beneath an inertial position
// given in km.
func SubSatellitePoint(eciKm r3.Vec, t time.Time) (lat, lon, altKm float64) {
	alt, _, ll := satellite.ECIToLLA(satellite.Vector3{X: eciKm.X, Y: eciKm.Y, Z: eciKm.Z}, gmst(t))
	lon = math.Mod(ll.Longitude*180/math.Pi+180, 360)
	if lon < 0 {
		lon += 360
	}
	return ll.Latitude * 180 / math.Pi, lon - 180, alt
}
