package naif

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/libera-sdc/libera-utils/internal/caching"
	"github.com/libera-sdc/libera-utils/internal/config"
	"github.com/libera-sdc/libera-utils/internal/httputil"
	"github.com/libera-sdc/libera-utils/internal/pkgdata"
	"github.com/libera-sdc/libera-utils/internal/smartio"
	"github.com/libera-sdc/libera-utils/internal/spice/pool"
	"github.com/libera-sdc/libera-utils/internal/timeutil"
)

// MetakernelEnv names a meta-kernel that, when set, replaces the automatic
// kernel selection.
const MetakernelEnv = "SPICE_METAKERNEL"

// Loader furnishes the kernels that processing steps need into a pool.
type Loader struct {
	Config   *config.Config
	Client   httputil.HTTPClient
	FS       *smartio.FS
	Clock    timeutil.Clock
	CacheDir string
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// NewLoader builds a Loader from configuration, caching kernels in the
// per-version cache directory.
func NewLoader(cfg *config.Config) (*Loader, error) {
	dir, err := caching.Dir()
	if err != nil {
		return nil, err
	}
	timeout, err := cfg.Int("KERNEL_DOWNLOAD_TIMEOUT_SECONDS")
	if err != nil {
		return nil, err
	}
	return &Loader{
		Config:   cfg,
		Client:   httputil.NewStandardClient(time.Duration(timeout) * time.Second),
		FS:       smartio.Default(),
		Clock:    timeutil.RealClock{},
		CacheDir: dir,
		Getenv:   os.Getenv,
	}, nil
}

func (l *Loader) getenv(key string) string {
	if l.Getenv == nil {
		return os.Getenv(key)
	}
	return l.Getenv(key)
}

// Cache returns a KernelFileCache for url using the loader's client,
// cache directory and configured max age.
func (l *Loader) Cache(url string) *KernelFileCache {
	maxAge := DefaultMaxAge
	if hours, err := l.Config.Int("KERNEL_CACHE_MAX_AGE_HOURS"); err == nil && hours > 0 {
		maxAge = time.Duration(hours) * time.Hour
	}
	return &KernelFileCache{
		URL:    url,
		Dir:    l.CacheDir,
		MaxAge: maxAge,
		Client: l.Client,
		FS:     l.FS,
		Clock:  l.Clock,
	}
}

// packagedKernel returns the on-disk path of a kernel shipped with the package.
func (l *Loader) packagedKernel(name string) (string, error) {
	root, err := l.Config.String(config.PkgRootKey)
	if err != nil {
		return "", err
	}
	p := pkgdata.Path(root, name)
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("packaged kernel %s is not installed: %w", name, err)
	}
	return p, nil
}

// LeapSecondsKernel returns a local path to the newest NAIF leapseconds
// kernel. The packaged LSK is used when NAIF cannot be reached.
func (l *Loader) LeapSecondsKernel(ctx context.Context) (string, error) {
	log := zap.S().Named("naif")
	fallback, fbErr := l.packagedKernel(pkgdata.LeapSecondsKernel)

	url, err := FindMostRecentKernel(ctx, l.Client, LSKIndexURL, LSKPattern)
	if err != nil {
		// An older download is still better than the packaged copy.
		if cached := l.newestCached(LSKPattern); cached != "" {
			log.Warnf("Could not list NAIF leapseconds kernels (%v). Using cached %s", err, cached)
			return cached, nil
		}
		if fbErr != nil {
			return "", fmt.Errorf("%w (no fallback: %v)", err, fbErr)
		}
		log.Warnf("Could not list NAIF leapseconds kernels (%v). Using packaged %s", err, fallback)
		return fallback, nil
	}
	cache := l.Cache(url)
	if fbErr == nil {
		cache.Fallback = fallback
	}
	return cache.Path(ctx)
}

func (l *Loader) newestCached(pattern string) string {
	matches, err := filepath.Glob(filepath.Join(l.CacheDir, "*"))
	if err != nil {
		return ""
	}
	re := anchored(pattern)
	newest := ""
	for _, m := range matches {
		if re.MatchString(filepath.Base(m)) && filepath.Base(m) > filepath.Base(newest) {
			newest = m
		}
	}
	return newest
}

// EnsureTimeKernels makes UTC, ET and JPSS clock conversions possible in p.
// Nothing is loaded when p already holds leapseconds and JPSS clock data.
// Otherwise the meta-kernel named by SPICE_METAKERNEL is furnished, or, when
// it is unset, the newest leapseconds kernel and the configured JPSS_SCLK.
func (l *Loader) EnsureTimeKernels(ctx context.Context, p *pool.Pool) error {
	log := zap.S().Named("naif")
	sc, err := JPSS(l.Config)
	if err != nil {
		return err
	}
	if p.Has("DELTET/DELTA_AT") && p.Has(fmt.Sprintf("SCLK01_MODULI_%d", -sc.Code)) {
		return nil
	}
	if mk := l.getenv(MetakernelEnv); mk != "" {
		log.Infof("Furnishing metakernel %s", mk)
		return l.furnishAny(ctx, p, mk)
	}

	lsk, err := l.LeapSecondsKernel(ctx)
	if err != nil {
		return err
	}
	if err := p.Furnish(lsk); err != nil {
		return err
	}
	sclk, err := l.Config.String("JPSS_SCLK")
	if err != nil {
		return err
	}
	return l.furnishAny(ctx, p, sclk)
}

// furnishAny furnishes a local or s3:// kernel. S3 kernels are cached first.
func (l *Loader) furnishAny(ctx context.Context, p *pool.Pool, path string) error {
	if !smartio.IsS3(path) {
		return p.Furnish(path)
	}
	return l.Cache(path).Furnish(ctx, p)
}
