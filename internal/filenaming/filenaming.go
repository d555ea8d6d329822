// Package filenaming builds, parses and validates the names of Libera
// kernels, data products and manifests.
package filenaming

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/libera-sdc/libera-utils/internal/smartio"
	"github.com/libera-sdc/libera-utils/internal/timeutil"
)

// ErrInvalidFilename is wrapped by every parse failure.
var ErrInvalidFilename = errors.New("invalid filename")

var (
	SPKRegex = regexp.MustCompile(`^libera_(?P<spk_object>jpss)` +
		`_(?P<utc_start>[0-9]{8}(?:t[0-9]{6})?)` +
		`_(?P<utc_end>[0-9]{8}(?:t[0-9]{6})?)` +
		`\.bsp$`)

	CKRegex = regexp.MustCompile(`^libera_(?P<ck_object>jpss|azrot|elscan)` +
		`_(?P<utc_start>[0-9]{8}(?:t[0-9]{6})?)` +
		`_(?P<utc_end>[0-9]{8}(?:t[0-9]{6})?)` +
		`\.bc$`)

	ProductRegex = regexp.MustCompile(`^libera` +
		`_(?P<instrument>cam|rad)` +
		`_(?P<level>l0|l1b|l2)` +
		`_(?P<utc_start>[0-9]{8}t[0-9]{6})` +
		`_(?P<utc_end>[0-9]{8}t[0-9]{6})` +
		`_(?P<version>vM[0-9]*m[0-9]*p[0-9]*)` +
		`_(?P<revision>r[0-9]{11})` +
		`\.(?P<extension>pkts|h5)$`)

	ManifestRegex = regexp.MustCompile(`^libera` +
		`_(?P<manifest_type>input|output)` +
		`_manifest` +
		`_(?P<created_time>[0-9]{8}(?:t[0-9]{6})?)` +
		`\.json`)
)

// DataLevel is a product processing level.
type DataLevel string

const (
	L0  DataLevel = "l0"
	L1B DataLevel = "l1b"
	L2  DataLevel = "l2"
)

// ManifestType distinguishes processing inputs from outputs.
type ManifestType string

const (
	Input  ManifestType = "INPUT"
	Output ManifestType = "OUTPUT"
)

// ParseManifestType accepts either case.
func ParseManifestType(s string) (ManifestType, error) {
	switch t := ManifestType(strings.ToUpper(s)); t {
	case Input, Output:
		return t, nil
	}
	return "", fmt.Errorf("invalid manifest type %q, must be INPUT or OUTPUT", s)
}

func match(re *regexp.Regexp, p string) (map[string]string, error) {
	name := smartio.Base(p)
	m := re.FindStringSubmatch(name)
	if m == nil {
		return nil, fmt.Errorf("%w: proposed path %s failed validation against regex pattern %s", ErrInvalidFilename, p, re)
	}
	parts := make(map[string]string, len(m))
	for i, n := range re.SubexpNames() {
		if n != "" {
			parts[n] = m[i]
		}
	}
	return parts, nil
}

func parseTimes(parts map[string]string) (start, end time.Time, err error) {
	if start, err = timeutil.ParsePrintable(parts["utc_start"]); err != nil {
		return
	}
	end, err = timeutil.ParsePrintable(parts["utc_end"])
	return
}

// EphemerisKernel is the name of an SPK file.
type EphemerisKernel struct {
	Object string
	Start  time.Time
	End    time.Time
}

func (k EphemerisKernel) String() string {
	return fmt.Sprintf("libera_%s_%s_%s.bsp", k.Object, timeutil.FormatPrintable(k.Start), timeutil.FormatPrintable(k.End))
}

// ParseEphemerisKernel validates and splits an SPK path.
func ParseEphemerisKernel(p string) (EphemerisKernel, error) {
	parts, err := match(SPKRegex, p)
	if err != nil {
		return EphemerisKernel{}, err
	}
	k := EphemerisKernel{Object: parts["spk_object"]}
	k.Start, k.End, err = parseTimes(parts)
	return k, err
}

// AttitudeKernel is the name of a CK file.
type AttitudeKernel struct {
	Object string
	Start  time.Time
	End    time.Time
}

func (k AttitudeKernel) String() string {
	return fmt.Sprintf("libera_%s_%s_%s.bc", k.Object, timeutil.FormatPrintable(k.Start), timeutil.FormatPrintable(k.End))
}

// ParseAttitudeKernel validates and splits a CK path.
func ParseAttitudeKernel(p string) (AttitudeKernel, error) {
	parts, err := match(CKRegex, p)
	if err != nil {
		return AttitudeKernel{}, err
	}
	k := AttitudeKernel{Object: parts["ck_object"]}
	k.Start, k.End, err = parseTimes(parts)
	return k, err
}

// Product is the name of a packet or science data product file.
type Product struct {
	Instrument string
	Level      DataLevel
	Start      time.Time
	End        time.Time
	// Version is the vMXmYpZ form; see FormatVersion.
	Version   string
	Revision  string
	Extension string
}

func (p Product) String() string {
	return fmt.Sprintf("libera_%s_%s_%s_%s_%s_%s.%s", p.Instrument, p.Level,
		timeutil.FormatPrintable(p.Start), timeutil.FormatPrintable(p.End), p.Version, p.Revision, p.Extension)
}

// Validate checks that String produces a valid product name.
func (p Product) Validate() error {
	_, err := match(ProductRegex, p.String())
	return err
}

// ParseProduct validates and splits a product path.
func ParseProduct(path string) (Product, error) {
	parts, err := match(ProductRegex, path)
	if err != nil {
		return Product{}, err
	}
	p := Product{
		Instrument: parts["instrument"],
		Level:      DataLevel(parts["level"]),
		Version:    parts["version"],
		Revision:   parts["revision"],
		Extension:  parts["extension"],
	}
	p.Start, p.End, err = parseTimes(parts)
	return p, err
}

// Manifest is the name of a manifest file.
type Manifest struct {
	Type    ManifestType
	Created time.Time
}

func (m Manifest) String() string {
	return fmt.Sprintf("libera_%s_manifest_%s.json", strings.ToLower(string(m.Type)), timeutil.FormatPrintable(m.Created))
}

// ParseManifest validates and splits a manifest path.
func ParseManifest(p string) (Manifest, error) {
	parts, err := match(ManifestRegex, p)
	if err != nil {
		return Manifest{}, err
	}
	m := Manifest{Type: ManifestType(strings.ToUpper(parts["manifest_type"]))}
	m.Created, err = timeutil.ParsePrintable(parts["created_time"])
	return m, err
}

// Revision formats t as r%y%j%H%M%S.
func Revision(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("r%02d%03d%02d%02d%02d", t.Year()%100, t.YearDay(), t.Hour(), t.Minute(), t.Second())
}

// CurrentRevision is the revision string for now.
func CurrentRevision() string { return Revision(time.Now()) }

// FormatVersion turns a semantic version X.Y.Z into vMXmYpZ.
func FormatVersion(semver string) (string, error) {
	parts := strings.Split(semver, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("version %q is not of the form X.Y.Z", semver)
	}
	return fmt.Sprintf("vM%sm%sp%s", parts[0], parts[1], parts[2]), nil
}

// Kind reports which naming convention a path follows: "spk", "ck",
// "product", "manifest" or "" when none.
func Kind(p string) string {
	name := smartio.Base(p)
	switch {
	case SPKRegex.MatchString(name):
		return "spk"
	case CKRegex.MatchString(name):
		return "ck"
	case ProductRegex.MatchString(name):
		return "product"
	case ManifestRegex.MatchString(name):
		return "manifest"
	}
	return ""
}
