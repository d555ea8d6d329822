// Package caching locates the per-version local cache directory used for
// downloaded kernels and extracted package data.
package caching

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/libera-sdc/libera-utils/internal/version"
)

// Dir returns the cache directory for this version of the package:
// ~/Library/Caches/libera_utils/<version> on macOS and
// $XDG_CACHE_HOME (or ~/.cache)/libera_utils/<version> on Linux.
// The directory is not created.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home directory: %w", err)
	}
	return dirFor(runtime.GOOS, os.Getenv, home)
}

func dirFor(goos string, getenv func(string) string, home string) (string, error) {
	var base string
	switch goos {
	case "darwin":
		base = filepath.Join(home, "Library", "Caches")
	case "linux":
		base = getenv("XDG_CACHE_HOME")
		if base == "" {
			base = filepath.Join(home, ".cache")
		}
	default:
		return "", fmt.Errorf("only macOS (darwin) and Linux (linux) are supported, not %s", goos)
	}
	return filepath.Join(base, version.PackageName, version.Version), nil
}

// Empty removes everything in the cache directory and returns the removed
// paths, sorted.
func Empty() ([]string, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	return EmptyDir(dir)
}

// EmptyDir removes every entry of dir. A missing dir is not an error.
func EmptyDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(p); err != nil {
			return removed, fmt.Errorf("failed to remove %s: %w", p, err)
		}
		removed = append(removed, p)
	}
	sort.Strings(removed)
	return removed, nil
}
