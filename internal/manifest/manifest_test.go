package manifest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libera-sdc/libera-utils/internal/filenaming"
	"github.com/libera-sdc/libera-utils/internal/observability"
	"github.com/libera-sdc/libera-utils/internal/smartio"
)

// md5 of "hello\n".
const helloMD5 = "b1946ac92492d2347c6235b4d2611184"

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestAddFileAndWrite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	data := writeFile(t, dir, "packets.bin", "hello\n")

	m := New(filenaming.Input)
	require.NoError(t, m.AddFile(ctx, data))
	m.AddDesiredTimeRange(
		time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC))
	require.Equal(t, []File{{Filename: data, Checksum: helloMD5}}, m.Files)

	out := t.TempDir()
	path, err := m.Write(ctx, out, "")
	require.NoError(t, err)
	name, err := filenaming.ParseManifest(path)
	require.NoError(t, err)
	assert.Equal(t, filenaming.Input, name.Type)

	back, err := Read(ctx, nil, path)
	require.NoError(t, err)
	assert.Equal(t, filenaming.Input, back.Type)
	assert.Equal(t, m.Files, back.Files)
	assert.Equal(t, "2024-01-02:03:04:05", back.Configuration[StartTimeKey])
	assert.Equal(t, path, back.Filename)

	start, end, err := back.TimeRange()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), end)
	require.NoError(t, back.ValidateChecksums(ctx))

	// Exclusive create.
	_, err = m.Write(ctx, out, filepath.Base(path))
	assert.Error(t, err)
}

func TestReadMissingElement(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "m.json", `{"manifest_type": "output", "files": []}`)
	_, err := Read(context.Background(), nil, p)
	var merr *Error
	require.True(t, errors.As(err, &merr), "got %v", err)
	assert.Contains(t, merr.Error(), "Missing required element configuration")
}

func TestReadLowercaseType(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "m.json", `{"manifest_type": "output", "files": [], "configuration": {"k": 1}}`)
	m, err := Read(context.Background(), nil, p)
	require.NoError(t, err)
	assert.Equal(t, filenaming.Output, m.Type)
	assert.Equal(t, float64(1), m.Configuration["k"])

	_, _, err = m.TimeRange()
	assert.ErrorIs(t, err, ErrNoTimeRange)
}

func TestTimeRangeValidation(t *testing.T) {
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		config map[string]any
		want   error
	}{
		{"start only", map[string]any{StartTimeKey: "2024-01-02T00:00:00"}, ErrInvalidTimeRange},
		{"end only", map[string]any{EndTimeKey: "2024-01-02T00:00:00"}, ErrInvalidTimeRange},
		{"equal", map[string]any{StartTimeKey: "2024-01-02T00:00:00", EndTimeKey: "2024-01-02T00:00:00"}, ErrInvalidTimeRange},
		{"reversed", map[string]any{StartTimeKey: "2024-01-03T00:00:00", EndTimeKey: "2024-01-02T00:00:00"}, ErrInvalidTimeRange},
		{"neither", map[string]any{"k": 1}, ErrNoTimeRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(filenaming.Input)
			m.Configuration = tt.config
			_, _, err := m.TimeRange()
			assert.ErrorIs(t, err, tt.want)
		})
	}

	m := New(filenaming.Input)
	m.AddDesiredTimeRange(start, start.Add(time.Hour))
	s, e, err := m.TimeRange()
	require.NoError(t, err)
	assert.Equal(t, start, s)
	assert.Equal(t, start.Add(time.Hour), e)
}

func TestReadInvalid(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"bad_json.json": `{"manifest_type":`,
		"bad_type.json": `{"manifest_type": "sideways", "files": [], "configuration": {}}`,
	} {
		_, err := Read(context.Background(), nil, writeFile(t, dir, name, body))
		var merr *Error
		assert.True(t, errors.As(err, &merr), name)
	}
	_, err := Read(context.Background(), nil, filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestValidateChecksumsListsAllFailures(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	good := writeFile(t, dir, "good.bin", "hello\n")
	bad1 := writeFile(t, dir, "bad1.bin", "goodbye\n")
	bad2 := writeFile(t, dir, "bad2.bin", "again\n")

	metrics, err := observability.NewCollector(prometheus.NewRegistry())
	require.NoError(t, err)
	m := New(filenaming.Input)
	m.Metrics = metrics
	m.Files = []File{
		{Filename: good, Checksum: helloMD5},
		{Filename: bad1, Checksum: helloMD5},
		{Filename: bad2, Checksum: helloMD5},
	}
	err = m.ValidateChecksums(ctx)
	var cerr *ChecksumError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, []string{bad1, bad2}, cerr.Files)
	assert.Equal(t, float64(2), promtest.ToFloat64(metrics.ChecksumFailures))
}

func TestManifestOnS3(t *testing.T) {
	ctx := context.Background()
	mem := smartio.NewMemoryS3()
	mem.Put("bucket", "in/data.bin.gz", []byte("hello\n"))
	fs := smartio.New(mem)

	m := New(filenaming.Output)
	m.FS = fs
	// Checksums are over raw bytes, so a .gz name is not decompressed.
	require.NoError(t, m.AddFile(ctx, "s3://bucket/in/data.bin.gz"))
	assert.Equal(t, helloMD5, m.Files[0].Checksum)

	path, err := m.Write(ctx, "s3://bucket/manifests", "libera_output_manifest_20240102t030405.json")
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/manifests/libera_output_manifest_20240102t030405.json", path)

	back, err := Read(ctx, fs, path)
	require.NoError(t, err)
	require.NoError(t, back.ValidateChecksums(ctx))
}
