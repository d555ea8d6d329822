package caching

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libera-sdc/libera-utils/internal/version"
)

func TestDirFor(t *testing.T) {
	env := map[string]string{}
	getenv := func(k string) string { return env[k] }

	tests := []struct {
		name string
		goos string
		xdg  string
		want string
	}{
		{"darwin", "darwin", "", filepath.Join("/home/u", "Library", "Caches", version.PackageName, version.Version)},
		{"linux default", "linux", "", filepath.Join("/home/u", ".cache", version.PackageName, version.Version)},
		{"linux xdg", "linux", "/xdg", filepath.Join("/xdg", version.PackageName, version.Version)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env["XDG_CACHE_HOME"] = tt.xdg
			got, err := dirFor(tt.goos, getenv, "/home/u")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := dirFor("windows", getenv, "/home/u")
	assert.Error(t, err)
}

func TestEmptyDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "naif0012.tls"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pkgdata", "spice"), 0o755))

	removed, err := EmptyDir(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "naif0012.tls"), filepath.Join(dir, "pkgdata")}, removed)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	removed, err = EmptyDir(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Nil(t, removed)
}
