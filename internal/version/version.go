package version

import "fmt"

var (
	// Version is the current application version
	Version = "0.9.0"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// PackageName names the cache directory and log namespace.
const PackageName = "libera_utils"

// Banner is printed by the CLI --version flag.
func Banner() string {
	return fmt.Sprintf("Libera SDC utilities CLI\n\tVersion %s\n\tCopyright 2022 University of Colorado\n\tReleased under BSD3 license", Version)
}
