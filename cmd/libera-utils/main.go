// Command libera-utils is the Libera SDC utilities CLI: SPICE kernel
// generation, manifests, construction record ingest and database admin.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/libera-sdc/libera-utils/internal/caching"
	"github.com/libera-sdc/libera-utils/internal/config"
	"github.com/libera-sdc/libera-utils/internal/kernelmaker"
	"github.com/libera-sdc/libera-utils/internal/logutil"
	"github.com/libera-sdc/libera-utils/internal/observability"
	"github.com/libera-sdc/libera-utils/internal/pkgdata"
	"github.com/libera-sdc/libera-utils/internal/smartio"
	"github.com/libera-sdc/libera-utils/internal/version"
)

// app carries the state shared by every command. Tests build one with a
// preloaded config and fake tools.
type app struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	cfg     *config.Config
	fs      *smartio.FS
	metrics *observability.Collector
	// newMaker builds kernel makers; tests swap in fake NAIF tools.
	newMaker func(*config.Config) (*kernelmaker.Maker, error)
	// cacheDir overrides the per-version cache directory.
	cacheDir string

	configFile  string
	metricsFile string
	logConfig   string
	verbose     bool
	logging     *logutil.TaskLogging
	static      *zap.Logger
}

func newApp(in io.Reader, out, errOut io.Writer) *app {
	return &app{
		in:       in,
		out:      out,
		errOut:   errOut,
		fs:       smartio.Default(),
		newMaker: kernelmaker.New,
	}
}

// loadConfig installs the package data into the cache and points PKG_ROOT
// at it, so {PKG_ROOT} paths in the defaults resolve on disk.
func loadConfig() (*config.Config, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, err
	}
	dir, err := caching.Dir()
	if err != nil {
		return nil, err
	}
	root := filepath.Join(dir, "pkgdata")
	if err := pkgdata.Install(root); err != nil {
		return nil, fmt.Errorf("failed to install package data: %w", err)
	}
	cfg.SetPackageRoot(root)
	return cfg, nil
}

func (a *app) setup(ctx context.Context) error {
	if a.cfg == nil {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a.cfg = cfg
	}
	if a.configFile != "" {
		if err := a.cfg.LoadFile(a.configFile); err != nil {
			return err
		}
	}

	if a.logConfig != "" {
		return a.setupStatic(ctx)
	}

	level := ""
	if a.verbose {
		level = "DEBUG"
	}
	taskID := "libera-utils-" + uuid.NewString()
	tl, err := logutil.ConfigureTaskLogging(ctx, taskID, logutil.TaskOptions{
		ConsoleLevel: level,
		Console:      a.errOut,
		Config:       a.cfg,
	})
	if err != nil {
		return err
	}
	a.logging = tl
	return a.setupMetrics()
}

// setupStatic configures logging from a zap YAML file instead of the task
// sinks. "default" selects the packaged configuration.
func (a *app) setupStatic(ctx context.Context) error {
	path := a.logConfig
	if path == "default" {
		p, err := a.cfg.String("LIBERA_STATIC_LOGGING_CONFIG")
		if err != nil {
			return err
		}
		path = p
	}
	logger, err := logutil.ConfigureStaticLogging(ctx, path)
	if err != nil {
		return err
	}
	a.static = logger
	return a.setupMetrics()
}

func (a *app) setupMetrics() error {
	if a.metrics != nil {
		return nil
	}
	m, err := observability.NewCollector(prometheus.NewRegistry())
	if err != nil {
		return err
	}
	a.metrics = m
	return nil
}

// finish writes the metrics textfile and releases the log sinks.
func (a *app) finish() error {
	var err error
	if a.metricsFile != "" {
		if werr := a.metrics.WriteTextfile(a.metricsFile); werr != nil {
			err = fmt.Errorf("failed to write metrics: %w", werr)
		}
	}
	if a.logging != nil {
		if cerr := a.logging.Close(); cerr != nil && err == nil {
			err = cerr
		}
		a.logging = nil
	}
	if a.static != nil {
		_ = a.static.Sync()
		a.static = nil
	}
	return err
}

func (a *app) maker() (*kernelmaker.Maker, error) {
	m, err := a.newMaker(a.cfg)
	if err != nil {
		return nil, err
	}
	m.FS = a.fs
	m.Metrics = a.metrics
	if m.Exec != nil {
		m.Exec.Metrics = a.metrics
	}
	return m, nil
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "libera-utils",
		Short:         "Libera SDC utilities CLI",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Context())
		},
	}
	root.SetVersionTemplate(version.Banner() + "\n")
	root.SetIn(a.in)
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	root.PersistentFlags().StringVar(&a.configFile, "config", "", "JSON file overriding configuration defaults")
	root.PersistentFlags().StringVar(&a.metricsFile, "metrics-file", "", "Write Prometheus metrics to this file on exit")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Log at DEBUG level on the console")
	root.PersistentFlags().StringVar(&a.logConfig, "log-config", "", `zap YAML logging configuration replacing task logging ("default" for the packaged one)`)

	root.AddCommand(
		a.makeKernelCmd(),
		a.manifestCmd(),
		a.kernelCmd(),
		a.packetsCmd(),
		a.crCmd(),
		a.dbCmd(),
		a.cacheCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				_, err := fmt.Fprintln(a.out, version.Banner())
				return err
			},
		},
	)
	return root
}

// execute runs the command line and returns the process exit status.
func (a *app) execute(ctx context.Context, args []string) int {
	root := a.rootCmd()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if ferr := a.finish(); err == nil {
		err = ferr
	}
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			zap.S().Named("cli").Debugf("command failed: %+v", err)
		}
		fmt.Fprintf(a.errOut, "Error: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := newApp(os.Stdin, os.Stdout, os.Stderr).execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}
