// Package pkgdata embeds the data files shipped with libera-utils (SPICE
// kernels, packet definitions, logging configuration) and installs them on
// disk so that configuration values under {PKG_ROOT} resolve to real paths.
package pkgdata

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

//go:embed data
var files embed.FS

// Well-known files, relative to the package root.
const (
	LeapSecondsKernel = "data/spice/naif0012.tls"
	JPSSClockKernel   = "data/spice/libera_jpss_sclk_v00.tsc"
	FrameKernel       = "data/spice/libera_frames_v00.tf"
	GeolocationXTCE   = "data/packets/jpss_geolocation_xtce_v01.xml"
	LoggingConfig     = "data/logging/static_logging.yml"
)

// FS returns the embedded files rooted at the package root.
func FS() fs.FS { return files }

// ReadFile returns the content of an embedded file.
func ReadFile(name string) ([]byte, error) {
	return files.ReadFile(name)
}

// Install writes the embedded tree under root. Files whose content already
// matches are left alone.
func Install(root string) error {
	return fs.WalkDir(files, "data", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		dst := filepath.Join(root, filepath.FromSlash(p))
		if d.IsDir() {
			return os.MkdirAll(dst, 0o755)
		}
		want, err := files.ReadFile(p)
		if err != nil {
			return err
		}
		if have, err := os.ReadFile(dst); err == nil && bytes.Equal(have, want) {
			return nil
		}
		if err := os.WriteFile(dst, want, 0o644); err != nil {
			return fmt.Errorf("failed to install %s: %w", path.Base(p), err)
		}
		return nil
	})
}

// Path returns the on-disk path of an embedded file under root.
func Path(root, name string) string {
	return filepath.Join(root, filepath.FromSlash(name))
}
