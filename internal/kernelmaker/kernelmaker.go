// Package kernelmaker builds JPSS SPICE ephemeris (SPK) and attitude (CK)
// kernels from APID 11 geolocation packets by preparing inputs for the NAIF
// mkspk and msopck tools and running them.
package kernelmaker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/libera-sdc/libera-utils/internal/ccsds"
	"github.com/libera-sdc/libera-utils/internal/config"
	"github.com/libera-sdc/libera-utils/internal/filenaming"
	"github.com/libera-sdc/libera-utils/internal/observability"
	"github.com/libera-sdc/libera-utils/internal/smartio"
	"github.com/libera-sdc/libera-utils/internal/spice/naif"
	"github.com/libera-sdc/libera-utils/internal/spice/pool"
	"github.com/libera-sdc/libera-utils/internal/spice/sptime"
	"github.com/libera-sdc/libera-utils/internal/toolexec"
)

// ErrNotImplemented is returned by makers that do not exist yet.
var ErrNotImplemented = errors.New("not implemented")

// Column names in the geolocation packet.
var (
	ephemerisTime = [3]string{"ADAET1DAY", "ADAET1MS", "ADAET1US"}
	attitudeTime  = [3]string{"ADAET2DAY", "ADAET2MS", "ADAET2US"}
)

// SPK and CK input columns. ET and ATTSCLKSTR are computed.
var (
	SPKFields = []string{"ET", "ADGPSPOSX", "ADGPSPOSY", "ADGPSPOSZ", "ADGPSVELX", "ADGPSVELY", "ADGPSVELZ"}
	CKFields  = []string{"ATTSCLKSTR", "ADCFAQ4", "ADCFAQ1", "ADCFAQ2", "ADCFAQ3"}
	CKFormats = []string{"%s", "%.16f", "%.16f", "%.16f", "%.16f"}
)

// DefaultFormat is applied to every input file column without its own.
const DefaultFormat = "%.16f"

// Options select the packets and destination of one kernel run.
type Options struct {
	PacketFiles []string
	// Outdir is a local directory or s3:// prefix.
	Outdir    string
	Overwrite bool
}

// Maker produces kernels. Pool accumulates the time kernels needed to
// convert packet clock values.
type Maker struct {
	Config  *config.Config
	Loader  *naif.Loader
	Pool    *pool.Pool
	FS      *smartio.FS
	Exec    *toolexec.Executor
	Metrics *observability.Collector
	// TempDir is the parent of per-run work directories. Empty means the
	// system default. Keep it short: the NAIF tools truncate long paths.
	TempDir string
}

// New returns a Maker that downloads kernels through a default loader and
// runs real NAIF tools.
func New(cfg *config.Config) (*Maker, error) {
	loader, err := naif.NewLoader(cfg)
	if err != nil {
		return nil, err
	}
	return &Maker{
		Config: cfg,
		Loader: loader,
		Pool:   pool.New(),
		FS:     smartio.Default(),
		Exec:   toolexec.NewExecutor(),
	}, nil
}

func (m *Maker) fs() *smartio.FS {
	if m.FS == nil {
		return smartio.Default()
	}
	return m.FS
}

// ReadGeolocationPackets parses APID 11 packets from files into a table.
func (m *Maker) ReadGeolocationPackets(ctx context.Context, files []string) (*ccsds.Table, error) {
	log := zap.S().Named("kernelmaker")
	defPath, err := m.Config.String("JPSS_GEOLOCATION_PACKET_DEFINITION")
	if err != nil {
		return nil, err
	}
	apid, err := m.Config.Int("JPSS_GEOLOCATION_APID")
	if err != nil {
		return nil, err
	}
	log.Infof("Using packet definition %s", defPath)
	def, err := ccsds.LoadDefinition(ctx, m.fs(), defPath)
	if err != nil {
		return nil, err
	}
	p := ccsds.NewParser(def)
	p.Metrics = m.Metrics
	return p.ParseFiles(ctx, m.fs(), files, int(apid))
}

func (m *Maker) converter(ctx context.Context) (*sptime.Converter, int, error) {
	if m.Pool == nil {
		m.Pool = pool.New()
	}
	if err := m.Loader.EnsureTimeKernels(ctx, m.Pool); err != nil {
		return nil, 0, fmt.Errorf("failed to load time kernels: %w", err)
	}
	conv, err := sptime.NewConverter(m.Pool)
	if err != nil {
		return nil, 0, err
	}
	sc, err := naif.JPSS(m.Config)
	if err != nil {
		return nil, 0, err
	}
	return conv, sc.Code, nil
}

// clockStrings formats day, millisecond and microsecond columns as
// "day:ms:us" spacecraft clock strings.
func clockStrings(t *ccsds.Table, cols [3]string) ([]string, error) {
	var parts [3][]int64
	for i, c := range cols {
		v, err := t.Int64s(c)
		if err != nil {
			return nil, err
		}
		parts[i] = v
	}
	out := make([]string, t.Len())
	for i := range out {
		out[i] = fmt.Sprintf("%d:%d:%d", parts[0][i], parts[1][i], parts[2][i])
	}
	return out, nil
}

func (m *Maker) ephemerisTimes(conv *sptime.Converter, scID int, clocks []string) ([]float64, error) {
	ets := make([]float64, len(clocks))
	for i, c := range clocks {
		et, err := conv.SCS2E(scID, c)
		if err != nil {
			return nil, fmt.Errorf("clock %s: %w", c, err)
		}
		ets[i] = et
	}
	return ets, nil
}

// workDir creates a scratch directory; the returned func removes it.
func (m *Maker) workDir() (string, func(), error) {
	dir, err := os.MkdirTemp(m.TempDir, "libera_kernel_")
	if err != nil {
		return "", nil, err
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}

// MakeJPSSSPK writes a JPSS SPK covering the packets and returns its final
// location.
func (m *Maker) MakeJPSSSPK(ctx context.Context, opts Options) (string, error) {
	log := zap.S().Named("kernelmaker")
	log.Info("Starting SPK maker. This tool creates an SPK from a list of geolocation packet files.")
	log.Infof("Writing resulting SPK to %s", opts.Outdir)

	log.Info("Parsing packets...")
	table, err := m.ReadGeolocationPackets(ctx, opts.PacketFiles)
	if err != nil {
		return "", err
	}
	log.Info("Done.")

	conv, scID, err := m.converter(ctx)
	if err != nil {
		return "", err
	}
	clocks, err := clockStrings(table, ephemerisTime)
	if err != nil {
		return "", err
	}
	ets, err := m.ephemerisTimes(conv, scID, clocks)
	if err != nil {
		return "", err
	}
	etCol := make([]any, len(ets))
	for i, et := range ets {
		etCol[i] = et
	}
	if err := table.AddColumn("ET", etCol); err != nil {
		return "", err
	}

	dir, cleanup, err := m.workDir()
	if err != nil {
		return "", err
	}
	defer cleanup()

	dataPath := filepath.Join(dir, "mkspk_data.txt")
	if err := WriteKernelInputFile(table, dataPath, SPKFields, nil); err != nil {
		return "", err
	}
	log.Infof("MKSPK input data written to %s", dataPath)

	setupPath := filepath.Join(dir, "mkspk_setup.txt")
	if err := m.writeSetupFromConfig(ctx, "MKSPK_SETUPFILE_CONTENTS", setupPath); err != nil {
		return "", err
	}
	log.Infof("MKSPK setup file written to %s", setupPath)

	name := filenaming.EphemerisKernel{
		Object: "jpss",
		Start:  conv.ET2Time(ets[0]),
		End:    conv.ET2Time(ets[len(ets)-1]),
	}.String()
	output := filepath.Join(dir, name)
	if opts.Overwrite {
		if err := os.Remove(output); err != nil && !os.IsNotExist(err) {
			return "", err
		}
	}

	log.Info("Running MKSPK...")
	if _, err := m.Exec.Run(ctx, "mkspk", "-setup", setupPath, "-input", dataPath, "-output", output); err != nil {
		return "", err
	}
	log.Infof("Finished! SPK written to %s", output)
	return m.deliver(ctx, output, opts.Outdir, "spk")
}

// MakeJPSSCK writes a JPSS CK covering the packets and returns its final
// location. Quaternions are written scalar first.
func (m *Maker) MakeJPSSCK(ctx context.Context, opts Options) (string, error) {
	log := zap.S().Named("kernelmaker")
	log.Info("Starting CK maker. This tool creates a CK from a list of geolocation packet files.")
	log.Infof("Writing resulting CK to %s", opts.Outdir)

	log.Info("Parsing packets...")
	table, err := m.ReadGeolocationPackets(ctx, opts.PacketFiles)
	if err != nil {
		return "", err
	}
	log.Info("Done.")

	clocks, err := clockStrings(table, attitudeTime)
	if err != nil {
		return "", err
	}
	clockCol := make([]any, len(clocks))
	for i, c := range clocks {
		clockCol[i] = c
	}
	if err := table.AddColumn("ATTSCLKSTR", clockCol); err != nil {
		return "", err
	}

	dir, cleanup, err := m.workDir()
	if err != nil {
		return "", err
	}
	defer cleanup()

	dataPath := filepath.Join(dir, "msopck_data.txt")
	if err := WriteKernelInputFile(table, dataPath, CKFields, CKFormats); err != nil {
		return "", err
	}
	log.Infof("MSOPCK input data written to %s", dataPath)

	setupPath := filepath.Join(dir, "msopck_setup.txt")
	if err := m.writeSetupFromConfig(ctx, "MSOPCK_SETUPFILE_CONTENTS", setupPath); err != nil {
		return "", err
	}
	log.Infof("MSOPCK setup file written to %s", setupPath)

	conv, scID, err := m.converter(ctx)
	if err != nil {
		return "", err
	}
	bounds, err := m.ephemerisTimes(conv, scID, []string{clocks[0], clocks[len(clocks)-1]})
	if err != nil {
		return "", err
	}
	name := filenaming.AttitudeKernel{
		Object: "jpss",
		Start:  conv.ET2Time(bounds[0]),
		End:    conv.ET2Time(bounds[1]),
	}.String()
	output := filepath.Join(dir, name)
	if opts.Overwrite {
		if err := os.Remove(output); err != nil && !os.IsNotExist(err) {
			return "", err
		}
	}

	log.Info("Running MSOPCK...")
	if _, err := m.Exec.Run(ctx, "msopck", setupPath, dataPath, output); err != nil {
		return "", err
	}
	log.Infof("Finished! CK written to %s", output)
	return m.deliver(ctx, output, opts.Outdir, "ck")
}

// MakeAzElCK would build the Az-El mechanism CK.
func (m *Maker) MakeAzElCK(ctx context.Context, opts Options) (string, error) {
	return "", fmt.Errorf("CK generation for the Az-El mechanism: %w", ErrNotImplemented)
}

// deliver copies a finished kernel into outdir.
func (m *Maker) deliver(ctx context.Context, output, outdir, kind string) (string, error) {
	if !smartio.IsS3(outdir) {
		if err := os.MkdirAll(outdir, 0o755); err != nil {
			return "", err
		}
	}
	dst, err := m.fs().Copy(ctx, output, smartio.Join(outdir, filepath.Base(output)))
	if err != nil {
		return "", fmt.Errorf("failed to copy %s to %s: %w", filepath.Base(output), outdir, err)
	}
	m.Metrics.KernelWritten(kind)
	zap.S().Named("kernelmaker").Infof("%s copied to %s", strings.ToUpper(kind), dst)
	return dst, nil
}

func (m *Maker) writeSetupFromConfig(ctx context.Context, key, path string) error {
	values, err := m.Config.MapValue(key)
	if err != nil {
		return err
	}
	return m.WriteKernelSetupFile(ctx, values, path)
}
