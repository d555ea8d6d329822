package kernelmaker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libera-sdc/libera-utils/internal/ccsds/ccsdstest"
	"github.com/libera-sdc/libera-utils/internal/config"
	"github.com/libera-sdc/libera-utils/internal/filenaming"
	"github.com/libera-sdc/libera-utils/internal/httputil"
	"github.com/libera-sdc/libera-utils/internal/manifest"
	"github.com/libera-sdc/libera-utils/internal/pkgdata"
	"github.com/libera-sdc/libera-utils/internal/smartio"
	"github.com/libera-sdc/libera-utils/internal/spice/naif"
	"github.com/libera-sdc/libera-utils/internal/spice/pool"
	"github.com/libera-sdc/libera-utils/internal/timeutil"
	"github.com/libera-sdc/libera-utils/internal/toolexec"
)

// toolCall is one fake NAIF tool invocation with the inputs it was given.
type toolCall struct {
	Tool  string
	Setup string
	Data  string
}

type fakeTools struct {
	mu    sync.Mutex
	calls []toolCall
	fail  error
}

// run mimics mkspk and msopck by reading their inputs and writing the
// output kernel.
func (f *fakeTools) run(_ context.Context, name string, args ...string) (toolexec.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return toolexec.Result{Stderr: "tool failed"}, f.fail
	}
	var setup, data, output string
	switch name {
	case "mkspk":
		for i := 0; i+1 < len(args); i += 2 {
			switch args[i] {
			case "-setup":
				setup = args[i+1]
			case "-input":
				data = args[i+1]
			case "-output":
				output = args[i+1]
			}
		}
	case "msopck":
		setup, data, output = args[0], args[1], args[2]
	}
	s, err := os.ReadFile(setup)
	if err != nil {
		return toolexec.Result{}, err
	}
	d, err := os.ReadFile(data)
	if err != nil {
		return toolexec.Result{}, err
	}
	f.calls = append(f.calls, toolCall{Tool: name, Setup: string(s), Data: string(d)})
	return toolexec.Result{Stdout: "done"}, os.WriteFile(output, []byte(name+" kernel"), 0o644)
}

type fixture struct {
	maker *Maker
	tools *fakeTools
	root  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, pkgdata.Install(root))
	cfg, err := config.New()
	require.NoError(t, err)
	cfg.Getenv = func(string) string { return "" }
	cfg.SetPackageRoot(root)

	client := httputil.NewMockHTTPClient()
	client.DefaultError = errors.New("network is unreachable")
	tools := &fakeTools{}
	return &fixture{
		maker: &Maker{
			Config: cfg,
			Loader: &naif.Loader{
				Config:   cfg,
				Client:   client,
				FS:       smartio.Default(),
				Clock:    timeutil.NewMockClock(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)),
				CacheDir: filepath.Join(t.TempDir(), "cache"),
				Getenv:   func(string) string { return "" },
			},
			Pool:    pool.New(),
			FS:      smartio.Default(),
			Exec:    &toolexec.Executor{Runner: toolexec.RunnerFunc(tools.run)},
			TempDir: t.TempDir(),
		},
		tools: tools,
		root:  root,
	}
}

// Half-second offsets keep kernel names clear of rounding at whole seconds.
var trackStart = time.Date(2024, 1, 2, 0, 0, 0, 500_000_000, time.UTC)

func writeTrack(t *testing.T, dir, name string, start time.Time, n int) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, ccsdstest.EncodeTrack(ccsdstest.Track(start, n)), 0o644))
	return p
}

func TestMakeJPSSSPK(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := t.TempDir()
	files := []string{
		writeTrack(t, in, "a.pkts", trackStart, 5),
		writeTrack(t, in, "b.pkts", trackStart.Add(5*time.Second), 5),
	}
	outdir := filepath.Join(t.TempDir(), "spk")

	out, err := f.maker.MakeJPSSSPK(ctx, Options{PacketFiles: files, Outdir: outdir})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outdir, "libera_jpss_20240102t000000_20240102t000009.bsp"), out)
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "mkspk kernel", string(data))

	require.Len(t, f.tools.calls, 1)
	call := f.tools.calls[0]
	lines := strings.Split(strings.TrimSpace(call.Data), "\n")
	require.Len(t, lines, 10)
	fields := strings.Fields(lines[0])
	require.Len(t, fields, len(SPKFields))
	assert.Equal(t, []string{
		"7000000.0000000000000000", "-1000000.0000000000000000", "500000.0000000000000000",
		"-1000.0000000000000000", "7000.0000000000000000", "0.0000000000000000",
	}, fields[1:])
	// The last row comes from b.pkts, whose positions restart at 7000000.
	last := strings.Fields(lines[9])
	assert.Equal(t, "7000004.0000000000000000", last[1])
	assert.Equal(t, "-1000004.0000000000000000", last[2])

	assert.True(t, strings.HasPrefix(call.Setup, "\\begindata\n"))
	assert.True(t, strings.HasSuffix(call.Setup, "\\begintext\n"))
	assert.Contains(t, call.Setup, "INPUT_DATA_TYPE='STATES'\n")
	assert.Contains(t, call.Setup, "INPUT_DATA_UNITS=(\n\t'ANGLES=DEGREES' \n\t'DISTANCES=m'\n)\n")
	assert.Regexp(t, `LEAPSECONDS_FILE='[^']*naif0012\.tls'`, call.Setup)
}

func TestMakeJPSSCK(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	file := writeTrack(t, t.TempDir(), "a.pkts", trackStart, 3)
	outdir := t.TempDir()

	out, err := f.maker.MakeJPSSCK(ctx, Options{PacketFiles: []string{file}, Outdir: outdir, Overwrite: true})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outdir, "libera_jpss_20240102t000000_20240102t000002.bc"), out)

	require.Len(t, f.tools.calls, 1)
	call := f.tools.calls[0]
	assert.Equal(t, "msopck", call.Tool)
	lines := strings.Split(strings.TrimSpace(call.Data), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "24107:500:0 1.0000000000000000 0.0000000000000000 0.0000000000000000 0.0000000000000000", lines[0])
	assert.True(t, strings.HasPrefix(lines[2], "24107:2500:0 "))
	assert.Regexp(t, `LSK_FILE_NAME='[^']*naif0012\.tls'`, call.Setup)
	assert.Regexp(t, `SCLK_FILE_NAME='[^']*libera_jpss_sclk_v00\.tsc'`, call.Setup)
	assert.Contains(t, call.Setup, "INPUT_TIME_TYPE='SCLK'\n")
}

func TestMakeKernelToS3(t *testing.T) {
	f := newFixture(t)
	mem := smartio.NewMemoryS3()
	f.maker.FS = smartio.New(mem)
	file := writeTrack(t, t.TempDir(), "a.pkts", trackStart, 2)

	out, err := f.maker.MakeJPSSCK(context.Background(), Options{PacketFiles: []string{file}, Outdir: "s3://bucket/kernels"})
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/kernels/libera_jpss_20240102t000000_20240102t000001.bc", out)
	body, ok := mem.Object("bucket", "kernels/libera_jpss_20240102t000000_20240102t000001.bc")
	require.True(t, ok)
	assert.Equal(t, "msopck kernel", string(body))
}

func TestMakeKernelToolFailure(t *testing.T) {
	f := newFixture(t)
	f.tools.fail = errors.New("exit status 1")
	file := writeTrack(t, t.TempDir(), "a.pkts", trackStart, 2)

	_, err := f.maker.MakeJPSSSPK(context.Background(), Options{PacketFiles: []string{file}, Outdir: t.TempDir()})
	var terr *toolexec.ToolError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "mkspk", terr.Tool)
}

func TestMakeAzElCK(t *testing.T) {
	f := newFixture(t)
	_, err := f.maker.MakeAzElCK(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrNotImplemented)
}

func writeManifest(t *testing.T, files []string, start, end time.Time) string {
	t.Helper()
	ctx := context.Background()
	m := manifest.New(filenaming.Input)
	for _, f := range files {
		require.NoError(t, m.AddFile(ctx, f))
	}
	if !start.IsZero() {
		m.AddDesiredTimeRange(start, end)
	}
	p, err := m.Write(ctx, t.TempDir(), "")
	require.NoError(t, err)
	return p
}

func TestMakeJPSSKernelsFromManifest(t *testing.T) {
	f := newFixture(t)
	in := t.TempDir()
	files := []string{
		writeTrack(t, in, "early.pkts", trackStart, 10),
		writeTrack(t, in, "inside.pkts", trackStart.Add(time.Minute), 10),
		writeTrack(t, in, "late.pkts", trackStart.Add(time.Hour), 10),
	}
	mf := writeManifest(t, files, trackStart.Add(30*time.Second), trackStart.Add(30*time.Minute))
	outdir := t.TempDir()

	kernels, err := f.maker.MakeJPSSKernelsFromManifest(context.Background(), mf, outdir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outdir, "libera_jpss_20240102t000100_20240102t000109.bsp"), kernels.SPK)
	assert.Equal(t, filepath.Join(outdir, "libera_jpss_20240102t000100_20240102t000109.bc"), kernels.CK)
	require.Len(t, f.tools.calls, 2)
	assert.Equal(t, "mkspk", f.tools.calls[0].Tool)
	assert.Equal(t, "msopck", f.tools.calls[1].Tool)
}

func TestMakeJPSSKernelsFromManifestStraddlingStart(t *testing.T) {
	f := newFixture(t)
	file := writeTrack(t, t.TempDir(), "a.pkts", trackStart, 10)
	mf := writeManifest(t, []string{file}, trackStart.Add(5*time.Second), trackStart.Add(time.Hour))

	kernels, err := f.maker.MakeJPSSKernelsFromManifest(context.Background(), mf, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "libera_jpss_20240102t000000_20240102t000009.bsp", filepath.Base(kernels.SPK))
}

func TestMakeJPSSKernelsFromManifestWithoutRange(t *testing.T) {
	f := newFixture(t)
	in := t.TempDir()
	files := []string{
		writeTrack(t, in, "a.pkts", trackStart, 3),
		writeTrack(t, in, "b.pkts", trackStart.Add(time.Hour), 3),
	}
	mf := writeManifest(t, files, time.Time{}, time.Time{})

	kernels, err := f.maker.MakeJPSSKernelsFromManifest(context.Background(), mf, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "libera_jpss_20240102t000000_20240102t010002.bsp", filepath.Base(kernels.SPK))
	assert.Equal(t, "libera_jpss_20240102t000000_20240102t010002.bc", filepath.Base(kernels.CK))
}

func TestMakeJPSSKernelsFromManifestErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("no files in range", func(t *testing.T) {
		f := newFixture(t)
		file := writeTrack(t, t.TempDir(), "a.pkts", trackStart, 3)
		mf := writeManifest(t, []string{file}, trackStart.Add(time.Hour), trackStart.Add(2*time.Hour))
		_, err := f.maker.MakeJPSSKernelsFromManifest(ctx, mf, t.TempDir())
		assert.ErrorIs(t, err, ErrNoFilesInRange)
		assert.Empty(t, f.tools.calls)
	})

	t.Run("not monotonic", func(t *testing.T) {
		f := newFixture(t)
		track := ccsdstest.Track(trackStart, 4)
		track[1], track[2] = track[2], track[1]
		file := filepath.Join(t.TempDir(), "shuffled.pkts")
		require.NoError(t, os.WriteFile(file, ccsdstest.EncodeTrack(track), 0o644))
		mf := writeManifest(t, []string{file}, trackStart.Add(-time.Minute), trackStart.Add(time.Hour))
		_, err := f.maker.MakeJPSSKernelsFromManifest(ctx, mf, t.TempDir())
		assert.ErrorIs(t, err, ErrNotMonotonic)
	})

	t.Run("bad checksum", func(t *testing.T) {
		f := newFixture(t)
		file := writeTrack(t, t.TempDir(), "a.pkts", trackStart, 3)
		mf := writeManifest(t, []string{file}, time.Time{}, time.Time{})
		require.NoError(t, os.WriteFile(file, []byte("tampered"), 0o644))
		_, err := f.maker.MakeJPSSKernelsFromManifest(ctx, mf, t.TempDir())
		var cerr *manifest.ChecksumError
		assert.ErrorAs(t, err, &cerr)
	})
}

func TestWriteKernelSetupFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dir := t.TempDir()

	long := filepath.Join(t.TempDir(), strings.Repeat("x", 80), "clock.tsc")
	require.NoError(t, os.MkdirAll(filepath.Dir(long), 0o755))
	require.NoError(t, os.WriteFile(long, []byte("sclk"), 0o644))

	values := config.NewMap()
	values.Set("KERNELS_TO_LOAD", []any{"a.tls", "b.tsc"})
	values.Set("DATA_ORDER", []any{"EPOCH", "X", "Y"})
	values.Set("CK_TYPE", int64(3))
	values.Set("DOWN_SAMPLE_TOLERANCE", 0.001)
	values.Set("SCLK_FILE_NAME", long)

	path := filepath.Join(dir, "setup.txt")
	require.NoError(t, f.maker.WriteKernelSetupFile(ctx, values, path))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	want := "\\begindata\n" +
		"KERNELS_TO_LOAD=(\n\t'a.tls', \n\t'b.tsc'\n)\n" +
		"DATA_ORDER='EPOCH X Y'\n" +
		"CK_TYPE=3\n" +
		"DOWN_SAMPLE_TOLERANCE=0.001\n" +
		"SCLK_FILE_NAME='" + filepath.Join(dir, "clock.tsc") + "'\n" +
		"\\begintext\n"
	assert.Equal(t, want, string(got))

	copied, err := os.ReadFile(filepath.Join(dir, "clock.tsc"))
	require.NoError(t, err)
	assert.Equal(t, "sclk", string(copied))

	err = f.maker.WriteKernelSetupFile(ctx, values, path)
	assert.ErrorIs(t, err, os.ErrExist)
}

func TestWriteKernelSetupFileListType(t *testing.T) {
	f := newFixture(t)
	values := config.NewMap()
	values.Set("PATH_VALUES", "not a list")
	err := f.maker.WriteKernelSetupFile(context.Background(), values, filepath.Join(t.TempDir(), "s.txt"))
	assert.ErrorContains(t, err, "must be a list")
}

func TestWriteKernelInputFileErrors(t *testing.T) {
	f := newFixture(t)
	file := writeTrack(t, t.TempDir(), "a.pkts", trackStart, 2)
	table, err := f.maker.ReadGeolocationPackets(context.Background(), []string{file})
	require.NoError(t, err)
	dir := t.TempDir()

	err = WriteKernelInputFile(table, filepath.Join(dir, "a.txt"), []string{"NOPE"}, nil)
	assert.ErrorContains(t, err, "NOPE is not in the packet data")

	err = WriteKernelInputFile(table, filepath.Join(dir, "b.txt"), []string{"ADGPSPOSX", "ADGPSPOSY"}, []string{"%f"})
	assert.ErrorContains(t, err, "1 formats given for 2 fields")

	p := filepath.Join(dir, "c.txt")
	require.NoError(t, WriteKernelInputFile(table, p, []string{"ADAET1DAY", "ADGPSPOSX"}, []string{"%d", "%.1f"}))
	got, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "24107 7000000.0\n24107 7000001.0\n", string(got))
}

func TestEphemeris(t *testing.T) {
	f := newFixture(t)
	file := writeTrack(t, t.TempDir(), "a.pkts", trackStart, 3)

	states, err := f.maker.Ephemeris(context.Background(), []string{file})
	require.NoError(t, err)
	require.Len(t, states, 3)
	assert.WithinDuration(t, trackStart, states[0].Time, time.Millisecond)
	assert.InDelta(t, 2, states[2].ET-states[0].ET, 1e-6)
	assert.Equal(t, 7000002.0, states[2].Position.X)
	assert.Equal(t, 20.0, states[2].Velocity.Z)
	assert.Empty(t, f.tools.calls)
}

func TestMakeJPSSKernelsFromManifestHalfRange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	file := writeTrack(t, t.TempDir(), "a.pkts", trackStart, 5)
	m := manifest.New(filenaming.Input)
	require.NoError(t, m.AddFile(ctx, file))
	m.AddDesiredTimeRange(trackStart, trackStart.Add(time.Hour))
	delete(m.Configuration, manifest.EndTimeKey)
	mf, err := m.Write(ctx, t.TempDir(), "")
	require.NoError(t, err)

	_, err = f.maker.MakeJPSSKernelsFromManifest(ctx, mf, t.TempDir())
	assert.ErrorIs(t, err, manifest.ErrInvalidTimeRange)
	assert.Empty(t, f.tools.calls)
}
