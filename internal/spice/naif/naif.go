// Package naif downloads, caches and loads the generic SPICE kernels
// published by NAIF alongside the mission kernels shipped with the package.
package naif

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/libera-sdc/libera-utils/internal/config"
	"github.com/libera-sdc/libera-utils/internal/httputil"
)

// NAIF generic kernel index pages and the file name patterns found on them.
const (
	PCKIndexURL = "https://naif.jpl.nasa.gov/pub/naif/generic_kernels/pck/"
	LSKIndexURL = "https://naif.jpl.nasa.gov/pub/naif/generic_kernels/lsk/"
	DEIndexURL  = "https://naif.jpl.nasa.gov/pub/naif/generic_kernels/spk/planets/"

	HighPrecisionPCKPattern = `earth_[0-9]{6}_[0-9]{6}_[0-9]{6}.bpc`
	LSKPattern              = `naif[0-9]{4}.tls`
	DEPattern               = `de[0-9]{3}.bsp`
)

// ID is a NAIF name and integer code.
type ID struct {
	Name string
	Code int
}

func (id ID) String() string { return fmt.Sprintf("%s (%d)", id.Name, id.Code) }

// Ephemeris bodies.
var (
	SolarSystemBarycenter = ID{"SOLAR_SYSTEM_BARYCENTER", 0}
	Sun                   = ID{"SUN", 10}
	Earth                 = ID{"EARTH", 399}
	EarthMoonBarycenter   = ID{"EARTH-MOON BARYCENTER", 3}
)

// Reference frames.
var (
	J2000  = ID{"J2000", 1}
	ITRF93 = ID{"ITRF93", 3000}
	// EarthFixed is the high precision Earth body-fixed frame.
	EarthFixed = ITRF93
)

// JPSS returns the spacecraft ID configured as JPSS_SC_ID.
func JPSS(cfg *config.Config) (ID, error) {
	code, err := cfg.Int("JPSS_SC_ID")
	if err != nil {
		return ID{}, err
	}
	return ID{"JPSS", int(code)}, nil
}

func anchored(pattern string) *regexp.Regexp {
	re, err := regexp.Compile(`^(?:` + pattern + `)$`)
	if err != nil {
		return regexp.MustCompile(`^$`)
	}
	return re
}

// FindMostRecentKernel scrapes an index page for links whose target matches
// pattern and returns the URL of the last one in sort order. NAIF file names
// sort chronologically.
func FindMostRecentKernel(ctx context.Context, client httputil.HTTPClient, indexURL, pattern string) (string, error) {
	re, err := regexp.Compile(`href="(` + pattern + `)"`)
	if err != nil {
		return "", fmt.Errorf("invalid kernel pattern %q: %w", pattern, err)
	}
	page, err := httputil.GetText(ctx, client, indexURL)
	if err != nil {
		return "", err
	}
	var names []string
	for _, m := range re.FindAllStringSubmatch(page, -1) {
		names = append(names, m[1])
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no files matching %s were found on the NAIF page %s", pattern, indexURL)
	}
	sort.Strings(names)
	zap.S().Named("naif").Debugf("Found files on NAIF page: %v", names)
	return strings.TrimSuffix(indexURL, "/") + "/" + names[len(names)-1], nil
}
