package ccsds

import (
	"fmt"
	"math"
	"strings"
)

// Item is one decoded field. Raw is the value as encoded; Derived is the
// calibrated or labelled value and is nil when the type defines none.
type Item struct {
	Name    string
	Unit    string
	Raw     any
	Derived any
}

// Value returns Derived when set, else Raw.
func (i Item) Value() any {
	if i.Derived != nil {
		return i.Derived
	}
	return i.Raw
}

// ParameterType decodes a field from the bit stream. parsed holds the
// fields already decoded from the same packet.
type ParameterType interface {
	Name() string
	Unit() string
	decode(r *bitReader, parsed map[string]Item) (raw, derived any, err error)
}

type typeInfo struct {
	name string
	unit string
}

func (t typeInfo) Name() string { return t.name }
func (t typeInfo) Unit() string { return t.unit }

// Signedness of an integer encoding.
type Signedness int

const (
	Unsigned Signedness = iota
	TwosComplement
	SignMagnitude
)

// Polynomial holds calibration coefficients indexed by exponent.
type Polynomial []float64

// Apply evaluates the polynomial at x.
func (p Polynomial) Apply(x float64) float64 {
	var sum float64
	for i := len(p) - 1; i >= 0; i-- {
		sum = sum*x + p[i]
	}
	return sum
}

// IntegerEncoding describes a fixed-width integer on the wire.
type IntegerEncoding struct {
	Bits       int
	Signedness Signedness
	Calibrator Polynomial
}

func (e IntegerEncoding) read(r *bitReader) (int64, error) {
	u, err := r.uint(e.Bits)
	if err != nil {
		return 0, err
	}
	switch e.Signedness {
	case TwosComplement:
		if e.Bits < 64 && u&(1<<uint(e.Bits-1)) != 0 {
			return int64(u) - int64(1)<<uint(e.Bits), nil
		}
		return int64(u), nil
	case SignMagnitude:
		sign := u >> uint(e.Bits-1)
		mag := int64(u & (1<<uint(e.Bits-1) - 1))
		if sign != 0 {
			return -mag, nil
		}
		return mag, nil
	}
	if e.Bits == 64 && u > math.MaxInt64 {
		return 0, fmt.Errorf("unsigned value %d overflows int64", u)
	}
	return int64(u), nil
}

func (e IntegerEncoding) calibrate(v int64) any {
	if e.Calibrator == nil {
		return nil
	}
	return e.Calibrator.Apply(float64(v))
}

// IntegerType is an integer field with optional polynomial calibration.
type IntegerType struct {
	typeInfo
	Encoding IntegerEncoding
}

func (t *IntegerType) decode(r *bitReader, _ map[string]Item) (any, any, error) {
	v, err := t.Encoding.read(r)
	if err != nil {
		return nil, nil, err
	}
	return v, t.Encoding.calibrate(v), nil
}

// FloatType is either an IEEE 754 field of FloatBits or an integer field
// whose derived value is a float.
type FloatType struct {
	typeInfo
	FloatBits  int
	Calibrator Polynomial
	Integer    *IntegerEncoding
}

func (t *FloatType) decode(r *bitReader, _ map[string]Item) (any, any, error) {
	if t.Integer != nil {
		v, err := t.Integer.read(r)
		if err != nil {
			return nil, nil, err
		}
		if t.Integer.Calibrator != nil {
			return v, t.Integer.Calibrator.Apply(float64(v)), nil
		}
		return v, float64(v), nil
	}
	u, err := r.uint(t.FloatBits)
	if err != nil {
		return nil, nil, err
	}
	var f float64
	if t.FloatBits == 32 {
		f = float64(math.Float32frombits(uint32(u)))
	} else {
		f = math.Float64frombits(u)
	}
	if t.Calibrator != nil {
		return f, t.Calibrator.Apply(f), nil
	}
	return f, nil, nil
}

// EnumeratedType is an integer field with labels. Unlabelled values have
// no derived value.
type EnumeratedType struct {
	typeInfo
	Encoding IntegerEncoding
	Labels   map[int64]string
}

func (t *EnumeratedType) decode(r *bitReader, _ map[string]Item) (any, any, error) {
	v, err := t.Encoding.read(r)
	if err != nil {
		return nil, nil, err
	}
	if label, ok := t.Labels[v]; ok {
		return v, label, nil
	}
	return v, nil, nil
}

// BooleanType is an integer field that derives to v != 0.
type BooleanType struct {
	typeInfo
	Encoding IntegerEncoding
}

func (t *BooleanType) decode(r *bitReader, _ map[string]Item) (any, any, error) {
	v, err := t.Encoding.read(r)
	if err != nil {
		return nil, nil, err
	}
	return v, v != 0, nil
}

// Size is a field width in bits, either Fixed or Slope*Ref+Intercept where
// Ref names an earlier field in the packet.
type Size struct {
	Fixed     int
	Ref       string
	Slope     float64
	Intercept float64
}

// BinaryType is an opaque field of Size bits.
type BinaryType struct {
	typeInfo
	Size Size
}

func (t *BinaryType) decode(r *bitReader, parsed map[string]Item) (any, any, error) {
	n, err := t.Size.bits(parsed)
	if err != nil {
		return nil, nil, err
	}
	b, err := r.bytes(n)
	if err != nil {
		return nil, nil, err
	}
	return b, nil, nil
}

// StringType is a fixed or dynamically sized text field. Trailing NUL
// padding is dropped.
type StringType struct {
	typeInfo
	Size Size
}

func (t *StringType) decode(r *bitReader, parsed map[string]Item) (any, any, error) {
	n, err := t.Size.bits(parsed)
	if err != nil {
		return nil, nil, err
	}
	if n%8 != 0 {
		return nil, nil, fmt.Errorf("string size %d is not a whole number of bytes", n)
	}
	b, err := r.bytes(n)
	if err != nil {
		return nil, nil, err
	}
	return strings.TrimRight(string(b), "\x00"), nil, nil
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
