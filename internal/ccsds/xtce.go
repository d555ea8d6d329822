package ccsds

import (
	"context"
	"encoding/xml"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/libera-sdc/libera-utils/internal/smartio"
)

// Parameter is a named field bound to its type.
type Parameter struct {
	Name        string
	Description string
	Type        ParameterType
}

// Comparison is one restriction on a base container.
type Comparison struct {
	Parameter  string
	Value      string
	Operator   string
	Calibrated bool
}

func (c Comparison) String() string {
	return c.Parameter + c.Operator + c.Value
}

// Evaluate tests the comparison against header values.
func (c Comparison) Evaluate(header map[string]int64) (bool, error) {
	got, ok := header[c.Parameter]
	if !ok {
		return false, fmt.Errorf("restriction on %s: only primary header fields can be compared", c.Parameter)
	}
	want, err := strconv.ParseInt(c.Value, 0, 64)
	if err != nil {
		return false, fmt.Errorf("restriction on %s: %w", c.Parameter, err)
	}
	switch c.Operator {
	case "", "==":
		return got == want, nil
	case "!=":
		return got != want, nil
	case "<":
		return got < want, nil
	case "<=":
		return got <= want, nil
	case ">":
		return got > want, nil
	case ">=":
		return got >= want, nil
	}
	return false, fmt.Errorf("restriction on %s: unknown operator %q", c.Parameter, c.Operator)
}

// Container is a sequence container as written in the definition.
type Container struct {
	Name         string
	Abstract     bool
	Base         string
	Restrictions []Comparison
	Entries      []string
}

// FlatContainer is a concrete container with its inheritance chain folded
// in: entries from the root down and every restriction along the way.
type FlatContainer struct {
	Name         string
	Restrictions []Comparison
	Entries      []*Parameter
}

// Matches reports whether every restriction holds for header.
func (f *FlatContainer) Matches(header map[string]int64) (bool, error) {
	for _, c := range f.Restrictions {
		ok, err := c.Evaluate(header)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Definition is a loaded XTCE packet definition.
type Definition struct {
	Name       string
	Types      map[string]ParameterType
	Parameters map[string]*Parameter
	Containers map[string]*Container
	// Flattened holds the non-abstract containers sorted by name.
	Flattened []*FlatContainer
}

// LoadDefinition reads an XTCE document from a local path or s3:// URL.
func LoadDefinition(ctx context.Context, fs *smartio.FS, path string) (*Definition, error) {
	if fs == nil {
		fs = smartio.Default()
	}
	data, err := fs.ReadFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read packet definition: %w", err)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// ParseDefinition builds a Definition from XTCE XML.
func ParseDefinition(data []byte) (*Definition, error) {
	var doc xmlSpaceSystem
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid XTCE document: %w", err)
	}
	def := &Definition{
		Name:       doc.Name,
		Types:      map[string]ParameterType{},
		Parameters: map[string]*Parameter{},
		Containers: map[string]*Container{},
	}
	if err := def.loadTypes(&doc.Telemetry.ParameterTypes); err != nil {
		return nil, err
	}
	for _, p := range doc.Telemetry.Parameters {
		t, ok := def.Types[p.TypeRef]
		if !ok {
			return nil, fmt.Errorf("parameter %s refers to unknown type %s", p.Name, p.TypeRef)
		}
		if _, dup := def.Parameters[p.Name]; dup {
			return nil, fmt.Errorf("parameter %s defined twice", p.Name)
		}
		def.Parameters[p.Name] = &Parameter{Name: p.Name, Description: p.ShortDescription, Type: t}
	}
	for _, c := range doc.Telemetry.Containers {
		if _, dup := def.Containers[c.Name]; dup {
			return nil, fmt.Errorf("container %s defined twice", c.Name)
		}
		container := &Container{Name: c.Name, Abstract: c.Abstract}
		if c.Base != nil {
			container.Base = c.Base.Ref
			for _, xc := range append(c.Base.Comparisons, c.Base.ComparisonList...) {
				container.Restrictions = append(container.Restrictions, Comparison{
					Parameter:  xc.Ref,
					Value:      xc.Value,
					Operator:   xc.Operator,
					Calibrated: xc.UseCalibrated != "false",
				})
			}
		}
		for _, e := range c.Entries {
			if _, ok := def.Parameters[e.Ref]; !ok {
				return nil, fmt.Errorf("container %s refers to unknown parameter %s", c.Name, e.Ref)
			}
			container.Entries = append(container.Entries, e.Ref)
		}
		def.Containers[c.Name] = container
	}
	if err := def.flatten(); err != nil {
		return nil, err
	}
	return def, nil
}

func (d *Definition) flatten() error {
	names := make([]string, 0, len(d.Containers))
	for name := range d.Containers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := d.Containers[name]
		if c.Abstract {
			continue
		}
		var chain []*Container
		seen := map[string]bool{}
		for cur := c; cur != nil; {
			if seen[cur.Name] {
				return fmt.Errorf("container %s inherits from itself", c.Name)
			}
			seen[cur.Name] = true
			chain = append(chain, cur)
			if cur.Base == "" {
				break
			}
			base, ok := d.Containers[cur.Base]
			if !ok {
				return fmt.Errorf("container %s has unknown base %s", cur.Name, cur.Base)
			}
			cur = base
		}
		flat := &FlatContainer{Name: c.Name}
		for i := len(chain) - 1; i >= 0; i-- {
			flat.Restrictions = append(flat.Restrictions, chain[i].Restrictions...)
			for _, e := range chain[i].Entries {
				flat.Entries = append(flat.Entries, d.Parameters[e])
			}
		}
		d.Flattened = append(d.Flattened, flat)
	}
	return nil
}

// Match returns the single concrete container whose restrictions accept
// header. It returns ErrUnrecognizedPacket when none do and
// ErrAmbiguousPacket when more than one does.
func (d *Definition) Match(header map[string]int64) (*FlatContainer, error) {
	var matches []*FlatContainer
	for _, f := range d.Flattened {
		ok, err := f.Matches(header)
		if err != nil {
			return nil, fmt.Errorf("container %s: %w", f.Name, err)
		}
		if ok {
			matches = append(matches, f)
		}
	}
	switch len(matches) {
	case 0:
		return nil, ErrUnrecognizedPacket
	case 1:
		return matches[0], nil
	}
	names := make([]string, len(matches))
	for i, m := range matches {
		names[i] = m.Name
	}
	return nil, fmt.Errorf("%w: header %v matches %s", ErrAmbiguousPacket, header, strings.Join(names, ", "))
}

func (d *Definition) addType(name string, t ParameterType) error {
	if name == "" {
		return fmt.Errorf("parameter type without a name")
	}
	if _, dup := d.Types[name]; dup {
		return fmt.Errorf("parameter type %s defined twice", name)
	}
	d.Types[name] = t
	return nil
}

func (d *Definition) loadTypes(set *xmlParameterTypeSet) error {
	for _, x := range set.Integers {
		enc, err := x.IntegerEncoding.build(x.Name)
		if err != nil {
			return err
		}
		if err := d.addType(x.Name, &IntegerType{typeInfo: x.info(), Encoding: enc}); err != nil {
			return err
		}
	}
	for _, x := range set.Floats {
		t := &FloatType{typeInfo: x.info()}
		switch {
		case x.FloatEncoding != nil:
			size := x.FloatEncoding.SizeInBits
			if size != 32 && size != 64 {
				return fmt.Errorf("type %s: float encoding must be 32 or 64 bits, got %d", x.Name, size)
			}
			t.FloatBits = size
			t.Calibrator = x.FloatEncoding.Calibrator.build()
		case x.IntegerEncoding != nil:
			enc, err := x.IntegerEncoding.build(x.Name)
			if err != nil {
				return err
			}
			t.Integer = &enc
		default:
			return fmt.Errorf("type %s: float type has no data encoding", x.Name)
		}
		if err := d.addType(x.Name, t); err != nil {
			return err
		}
	}
	for _, x := range set.Enums {
		enc, err := x.IntegerEncoding.build(x.Name)
		if err != nil {
			return err
		}
		labels := map[int64]string{}
		for _, e := range x.Enumerations {
			labels[e.Value] = e.Label
		}
		if err := d.addType(x.Name, &EnumeratedType{typeInfo: x.info(), Encoding: enc, Labels: labels}); err != nil {
			return err
		}
	}
	for _, x := range set.Booleans {
		enc, err := x.IntegerEncoding.build(x.Name)
		if err != nil {
			return err
		}
		if err := d.addType(x.Name, &BooleanType{typeInfo: x.info(), Encoding: enc}); err != nil {
			return err
		}
	}
	for _, x := range set.Binaries {
		size, err := x.BinaryEncoding.Size.build(x.Name)
		if err != nil {
			return err
		}
		if err := d.addType(x.Name, &BinaryType{typeInfo: x.info(), Size: size}); err != nil {
			return err
		}
	}
	for _, x := range set.Strings {
		size, err := x.StringEncoding.Size.build(x.Name)
		if err != nil {
			return err
		}
		if err := d.addType(x.Name, &StringType{typeInfo: x.info(), Size: size}); err != nil {
			return err
		}
	}
	return nil
}

// XML document shapes. Element names are matched without namespace so both
// prefixed and default-namespace documents load.

type xmlSpaceSystem struct {
	XMLName   xml.Name     `xml:"SpaceSystem"`
	Name      string       `xml:"name,attr"`
	Telemetry xmlTelemetry `xml:"TelemetryMetaData"`
}

type xmlTelemetry struct {
	ParameterTypes xmlParameterTypeSet `xml:"ParameterTypeSet"`
	Parameters     []xmlParameter      `xml:"ParameterSet>Parameter"`
	Containers     []xmlContainer      `xml:"ContainerSet>SequenceContainer"`
}

type xmlParameterTypeSet struct {
	Integers []xmlType `xml:"IntegerParameterType"`
	Floats   []xmlType `xml:"FloatParameterType"`
	Enums    []xmlType `xml:"EnumeratedParameterType"`
	Booleans []xmlType `xml:"BooleanParameterType"`
	Binaries []xmlType `xml:"BinaryParameterType"`
	Strings  []xmlType `xml:"StringParameterType"`
}

type xmlType struct {
	Name             string              `xml:"name,attr"`
	ShortDescription string              `xml:"shortDescription,attr"`
	Units            []string            `xml:"UnitSet>Unit"`
	IntegerEncoding  *xmlIntegerEncoding `xml:"IntegerDataEncoding"`
	FloatEncoding    *xmlFloatEncoding   `xml:"FloatDataEncoding"`
	BinaryEncoding   xmlBinaryEncoding   `xml:"BinaryDataEncoding"`
	StringEncoding   xmlStringEncoding   `xml:"StringDataEncoding"`
	Enumerations     []xmlEnumeration    `xml:"EnumerationList>Enumeration"`
}

func (x xmlType) info() typeInfo {
	return typeInfo{name: x.Name, unit: strings.Join(x.Units, " ")}
}

type xmlIntegerEncoding struct {
	SizeInBits int            `xml:"sizeInBits,attr"`
	Encoding   string         `xml:"encoding,attr"`
	Calibrator *xmlPolynomial `xml:"DefaultCalibrator>PolynomialCalibrator"`
}

func (x *xmlIntegerEncoding) build(name string) (IntegerEncoding, error) {
	if x == nil {
		return IntegerEncoding{}, fmt.Errorf("type %s has no IntegerDataEncoding", name)
	}
	if x.SizeInBits < 1 || x.SizeInBits > 64 {
		return IntegerEncoding{}, fmt.Errorf("type %s: integer size %d out of range", name, x.SizeInBits)
	}
	enc := IntegerEncoding{Bits: x.SizeInBits, Calibrator: x.Calibrator.build()}
	switch x.Encoding {
	case "", "unsigned":
		enc.Signedness = Unsigned
	case "twosComplement", "signed":
		enc.Signedness = TwosComplement
	case "signMagnitude":
		enc.Signedness = SignMagnitude
	default:
		return IntegerEncoding{}, fmt.Errorf("type %s: unsupported integer encoding %q", name, x.Encoding)
	}
	return enc, nil
}

type xmlFloatEncoding struct {
	SizeInBits int            `xml:"sizeInBits,attr"`
	Encoding   string         `xml:"encoding,attr"`
	Calibrator *xmlPolynomial `xml:"DefaultCalibrator>PolynomialCalibrator"`
}

type xmlPolynomial struct {
	Terms []xmlTerm `xml:"Term"`
}

type xmlTerm struct {
	Coefficient float64 `xml:"coefficient,attr"`
	Exponent    int     `xml:"exponent,attr"`
}

func (x *xmlPolynomial) build() Polynomial {
	if x == nil {
		return nil
	}
	p := Polynomial{}
	for _, t := range x.Terms {
		for len(p) <= t.Exponent {
			p = append(p, 0)
		}
		p[t.Exponent] += t.Coefficient
	}
	return p
}

type xmlEnumeration struct {
	Value int64  `xml:"value,attr"`
	Label string `xml:"label,attr"`
}

type xmlBinaryEncoding struct {
	Size xmlSize `xml:"SizeInBits"`
}

type xmlStringEncoding struct {
	Encoding string  `xml:"encoding,attr"`
	Size     xmlSize `xml:"SizeInBits"`
}

// xmlSize accepts <FixedValue>, <Fixed><FixedValue> and <DynamicValue>.
type xmlSize struct {
	Fixed      *int        `xml:"FixedValue"`
	FixedInner *int        `xml:"Fixed>FixedValue"`
	Dynamic    *xmlDynamic `xml:"DynamicValue"`
}

type xmlDynamic struct {
	Ref    xmlRef     `xml:"ParameterInstanceRef"`
	Adjust *xmlLinear `xml:"LinearAdjustment"`
}

type xmlRef struct {
	Ref string `xml:"parameterRef,attr"`
}

type xmlLinear struct {
	Slope     string `xml:"slope,attr"`
	Intercept string `xml:"intercept,attr"`
}

func (x xmlSize) build(name string) (Size, error) {
	switch {
	case x.Fixed != nil:
		return Size{Fixed: *x.Fixed}, nil
	case x.FixedInner != nil:
		return Size{Fixed: *x.FixedInner}, nil
	case x.Dynamic != nil:
		s := Size{Ref: x.Dynamic.Ref.Ref, Slope: 1}
		if s.Ref == "" {
			return Size{}, fmt.Errorf("type %s: dynamic size without a parameter reference", name)
		}
		if a := x.Dynamic.Adjust; a != nil {
			var err error
			if a.Slope != "" {
				if s.Slope, err = strconv.ParseFloat(a.Slope, 64); err != nil {
					return Size{}, fmt.Errorf("type %s: %w", name, err)
				}
			}
			if a.Intercept != "" {
				if s.Intercept, err = strconv.ParseFloat(a.Intercept, 64); err != nil {
					return Size{}, fmt.Errorf("type %s: %w", name, err)
				}
			}
		}
		return s, nil
	}
	return Size{}, fmt.Errorf("type %s has no size", name)
}

type xmlParameter struct {
	Name             string `xml:"name,attr"`
	TypeRef          string `xml:"parameterTypeRef,attr"`
	ShortDescription string `xml:"shortDescription,attr"`
}

type xmlContainer struct {
	Name     string     `xml:"name,attr"`
	Abstract bool       `xml:"abstract,attr"`
	Base     *xmlBase   `xml:"BaseContainer"`
	Entries  []xmlEntry `xml:"EntryList>ParameterRefEntry"`
}

type xmlBase struct {
	Ref            string          `xml:"containerRef,attr"`
	Comparisons    []xmlComparison `xml:"RestrictionCriteria>Comparison"`
	ComparisonList []xmlComparison `xml:"RestrictionCriteria>ComparisonList>Comparison"`
}

type xmlComparison struct {
	Ref           string `xml:"parameterRef,attr"`
	Value         string `xml:"value,attr"`
	Operator      string `xml:"comparisonOperator,attr"`
	UseCalibrated string `xml:"useCalibratedValue,attr"`
}

type xmlEntry struct {
	Ref string `xml:"parameterRef,attr"`
}

// size in bits of a dynamically sized field
func (s Size) bits(parsed map[string]Item) (int, error) {
	if s.Ref == "" {
		return s.Fixed, nil
	}
	item, ok := parsed[s.Ref]
	if !ok {
		return 0, fmt.Errorf("size reference %s has not been parsed yet", s.Ref)
	}
	v, ok := toFloat(item.Raw)
	if !ok {
		return 0, fmt.Errorf("size reference %s is not numeric", s.Ref)
	}
	n := s.Slope*v + s.Intercept
	if n < 0 || n != math.Trunc(n) {
		return 0, fmt.Errorf("size from %s is %g bits", s.Ref, n)
	}
	return int(n), nil
}
