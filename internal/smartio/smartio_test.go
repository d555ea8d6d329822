package smartio

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseS3(t *testing.T) {
	loc, err := ParseS3("s3://bucket/some/key.bsp")
	require.NoError(t, err)
	assert.Equal(t, "bucket", loc.Bucket)
	assert.Equal(t, "some/key.bsp", loc.Key)
	assert.Equal(t, "key.bsp", loc.Name())
	assert.Equal(t, "s3://bucket/some/key.bsp", loc.String())

	_, err = ParseS3("/local/path")
	assert.Error(t, err)
	_, err = ParseS3("s3:///nobucket")
	assert.Error(t, err)
}

func TestJoinAndBase(t *testing.T) {
	assert.Equal(t, "s3://b/dir/f.bc", Join("s3://b/dir/", "f.bc"))
	assert.Equal(t, filepath.Join("a", "f.bc"), Join("a", "f.bc"))
	assert.Equal(t, "f.bc", Base("s3://b/dir/f.bc"))
}

func TestLocalGzipRoundTrip(t *testing.T) {
	ctx := context.Background()
	fs := New(NewMemoryS3())
	p := filepath.Join(t.TempDir(), "packets.bin.gz")

	w, err := fs.Create(ctx, p, true)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello packets"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.NotEqual(t, "hello packets", string(raw))

	got, err := fs.ReadFile(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "hello packets", string(got))

	_, err = fs.Create(ctx, p, true)
	assert.ErrorIs(t, err, os.ErrExist)
}

func TestS3CreateAndOpen(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryS3()
	fs := New(mem)

	w, err := fs.Create(ctx, "s3://bucket/manifest.json", true)
	require.NoError(t, err)
	_, err = io.WriteString(w, `{"a":1}`)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	body, ok := mem.Object("bucket", "manifest.json")
	require.True(t, ok)
	assert.Equal(t, `{"a":1}`, string(body))

	got, err := fs.ReadFile(ctx, "s3://bucket/manifest.json")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got))

	w, err = fs.Create(ctx, "s3://bucket/manifest.json", true)
	require.NoError(t, err)
	assert.Error(t, w.Close())
}

func TestCopyMatrix(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryS3()
	fs := New(mem)
	dir := t.TempDir()

	src := filepath.Join(dir, "kernel.bsp")
	require.NoError(t, os.WriteFile(src, []byte("spk"), 0o644))

	// local -> local directory
	outDir := filepath.Join(dir, "out")
	require.NoError(t, os.Mkdir(outDir, 0o755))
	dst, err := fs.Copy(ctx, src, outDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outDir, "kernel.bsp"), dst)
	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "spk", string(b))

	// local -> s3
	dst, err = fs.Copy(ctx, src, "s3://bucket/kernels/kernel.bsp")
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/kernels/kernel.bsp", dst)

	// s3 -> s3
	dst, err = fs.Copy(ctx, "s3://bucket/kernels/kernel.bsp", "s3://archive/kernel.bsp")
	require.NoError(t, err)
	assert.Equal(t, "s3://archive/kernel.bsp", dst)
	b, ok := mem.Object("archive", "kernel.bsp")
	require.True(t, ok)
	assert.Equal(t, "spk", string(b))

	// s3 -> local directory gets the object name
	dlDir := filepath.Join(dir, "download")
	require.NoError(t, os.Mkdir(dlDir, 0o755))
	dst, err = fs.Copy(ctx, "s3://archive/kernel.bsp", dlDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dlDir, "kernel.bsp"), dst)
	b, err = os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "spk", string(b))
}

func TestCopyMissingSource(t *testing.T) {
	fs := New(NewMemoryS3())
	_, err := fs.Copy(context.Background(), "s3://bucket/missing.bsp", t.TempDir())
	assert.Error(t, err)
}
