package kernelmaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/libera-sdc/libera-utils/internal/manifest"
)

var (
	// ErrNotMonotonic means a packet file's ephemeris times decrease.
	ErrNotMonotonic = errors.New("packet times are not monotonic")
	// ErrNoFilesInRange means no manifest file overlaps the desired range.
	ErrNoFilesInRange = errors.New("no files contained packets in time range")
)

// Kernels are the outputs of a manifest run.
type Kernels struct {
	SPK string
	CK  string
}

// MakeJPSSKernelsFromManifest builds the SPK and CK for the packet files
// listed in an input manifest. When the manifest configuration carries a
// start_time and end_time only files overlapping that range are used.
func (m *Maker) MakeJPSSKernelsFromManifest(ctx context.Context, manifestPath, outdir string) (Kernels, error) {
	mf, err := manifest.Read(ctx, m.fs(), manifestPath)
	if err != nil {
		return Kernels{}, err
	}
	mf.Metrics = m.Metrics
	if err := mf.ValidateChecksums(ctx); err != nil {
		return Kernels{}, err
	}

	var files []string
	start, end, err := mf.TimeRange()
	switch {
	case errors.Is(err, manifest.ErrNoTimeRange):
		for _, f := range mf.Files {
			files = append(files, f.Filename)
		}
	case err != nil:
		return Kernels{}, err
	default:
		if files, err = m.filesInRange(ctx, mf.Files, start, end); err != nil {
			return Kernels{}, err
		}
	}

	opts := Options{PacketFiles: files, Outdir: outdir}
	spk, err := m.MakeJPSSSPK(ctx, opts)
	if err != nil {
		return Kernels{}, err
	}
	ck, err := m.MakeJPSSCK(ctx, opts)
	if err != nil {
		return Kernels{SPK: spk}, err
	}
	return Kernels{SPK: spk, CK: ck}, nil
}

// filesInRange returns the files whose packet time span overlaps
// (start, end). A file overlaps when it starts before start and ends after
// it, or starts inside the range.
func (m *Maker) filesInRange(ctx context.Context, files []manifest.File, start, end time.Time) ([]string, error) {
	log := zap.S().Named("kernelmaker")
	conv, scID, err := m.converter(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, f := range files {
		table, err := m.ReadGeolocationPackets(ctx, []string{f.Filename})
		if err != nil {
			return nil, err
		}
		clocks, err := clockStrings(table, ephemerisTime)
		if err != nil {
			return nil, err
		}
		ets, err := m.ephemerisTimes(conv, scID, clocks)
		if err != nil {
			return nil, err
		}
		for i := 1; i < len(ets); i++ {
			if ets[i] < ets[i-1] {
				return nil, fmt.Errorf("the data in %s: %w", f.Filename, ErrNotMonotonic)
			}
		}
		first := conv.ET2Time(ets[0])
		last := conv.ET2Time(ets[len(ets)-1])
		if (first.Before(start) && start.Before(last)) || (start.Before(first) && first.Before(end)) {
			out = append(out, f.Filename)
		} else {
			log.Debugf("%s (%s to %s) is outside the desired range", f.Filename, first, last)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w (%s, %s)", ErrNoFilesInRange, start, end)
	}
	return out, nil
}
