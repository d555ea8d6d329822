package naif

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/libera-sdc/libera-utils/internal/httputil"
	"github.com/libera-sdc/libera-utils/internal/smartio"
	"github.com/libera-sdc/libera-utils/internal/spice/pool"
	"github.com/libera-sdc/libera-utils/internal/timeutil"
)

// DefaultMaxAge is how long a cached kernel is used before it is fetched again.
const DefaultMaxAge = 24 * time.Hour

// ErrNotCached is returned by CachedPath when no usable copy exists.
var ErrNotCached = errors.New("kernel is not cached")

// KernelFileCache keeps a local copy of a kernel published at a URL or an
// s3:// location. A stale or missing copy is downloaded on first use; if the
// download fails, Fallback (when set) is used instead.
type KernelFileCache struct {
	URL      string
	Dir      string
	MaxAge   time.Duration
	Fallback string

	Client httputil.HTTPClient
	FS     *smartio.FS
	Clock  timeutil.Clock
}

// NewKernelFileCache returns a cache for url stored in dir, with the default
// max age and a 30 second HTTP timeout.
func NewKernelFileCache(url, dir string) *KernelFileCache {
	return &KernelFileCache{
		URL:    url,
		Dir:    dir,
		MaxAge: DefaultMaxAge,
		Client: httputil.NewStandardClient(30 * time.Second),
		FS:     smartio.Default(),
		Clock:  timeutil.RealClock{},
	}
}

func (c *KernelFileCache) String() string { return c.LocalPath() }

// Basename is the kernel file name.
func (c *KernelFileCache) Basename() string { return smartio.Base(c.URL) }

// LocalPath is where the cached copy lives, whether or not it exists.
func (c *KernelFileCache) LocalPath() string { return filepath.Join(c.Dir, c.Basename()) }

func (c *KernelFileCache) now() time.Time {
	if c.Clock == nil {
		return time.Now()
	}
	return c.Clock.Now()
}

// IsCached reports whether a local copy exists and, unless includeStale is
// set, is younger than MaxAge.
func (c *KernelFileCache) IsCached(includeStale bool) bool {
	info, err := os.Stat(c.LocalPath())
	if err != nil || info.IsDir() {
		return false
	}
	return includeStale || c.now().Sub(info.ModTime()) < c.MaxAge
}

// CachedPath returns the local copy if it is fresh.
func (c *KernelFileCache) CachedPath() (string, error) {
	if !c.IsCached(false) {
		return "", fmt.Errorf("%w: %s", ErrNotCached, c.LocalPath())
	}
	return c.LocalPath(), nil
}

// Path returns a usable local path for the kernel, downloading it when the
// cache has no fresh copy and falling back when the download fails.
func (c *KernelFileCache) Path(ctx context.Context) (string, error) {
	log := zap.S().Named("naif")
	if p, err := c.CachedPath(); err == nil {
		return p, nil
	}
	log.Infof("No valid cached file %s in %s", c.Basename(), c.Dir)
	p, err := c.Download(ctx)
	if err == nil {
		return p, nil
	}
	if c.Fallback == "" {
		return "", err
	}
	log.Errorf("Error finding and downloading %s (%v). Falling back to %s", c.URL, err, c.Fallback)
	return c.Fallback, nil
}

// Download fetches the kernel into the cache directory, replacing any
// existing copy, and returns the local path.
func (c *KernelFileCache) Download(ctx context.Context) (string, error) {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(c.Dir, c.Basename()+".part*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if smartio.IsS3(c.URL) {
		err = c.copyS3(ctx, tmp)
	} else {
		client := c.Client
		if client == nil {
			client = httputil.NewStandardClient(30 * time.Second)
		}
		_, err = httputil.Download(ctx, client, c.URL, tmp)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("failed to download kernel %s: %w", c.URL, err)
	}
	if err := os.Rename(tmp.Name(), c.LocalPath()); err != nil {
		return "", err
	}
	// Freshness is measured from download time, not the source timestamp.
	now := c.now()
	if err := os.Chtimes(c.LocalPath(), now, now); err != nil {
		return "", err
	}
	zap.S().Named("naif").Infof("Cached kernel file to %s", c.LocalPath())
	return c.LocalPath(), nil
}

func (c *KernelFileCache) copyS3(ctx context.Context, w io.Writer) error {
	fs := c.FS
	if fs == nil {
		fs = smartio.Default()
	}
	rc, err := fs.OpenRaw(ctx, c.URL)
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.CopyBuffer(w, rc, make([]byte, httputil.DownloadChunkSize))
	return err
}

// Clear removes the cached copy, if any.
func (c *KernelFileCache) Clear() error {
	zap.S().Named("naif").Infof("Removing cached file (if exists): %s", c.Basename())
	err := os.Remove(c.LocalPath())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Furnish loads the kernel into p, downloading it first if needed.
func (c *KernelFileCache) Furnish(ctx context.Context, p *pool.Pool) error {
	path, err := c.Path(ctx)
	if err != nil {
		return err
	}
	return p.Furnish(path)
}
