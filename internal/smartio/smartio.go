// Package smartio opens, creates and copies files that may live on local
// disk or in S3 (s3://bucket/key). Paths ending in .gz are transparently
// decompressed on read and compressed on write.
package smartio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// S3API is the subset of the S3 client used here.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
}

// FS resolves paths to local files or S3 objects.
type FS struct {
	mu     sync.Mutex
	client S3API
}

// New returns an FS using client for s3:// paths. A nil client is created
// from the default AWS configuration on first S3 access.
func New(client S3API) *FS {
	return &FS{client: client}
}

var defaultFS = New(nil)

// Default returns the process-wide FS.
func Default() *FS { return defaultFS }

func (f *FS) s3Client(ctx context.Context) (S3API, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client != nil {
		return f.client, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	f.client = s3.NewFromConfig(cfg)
	return f.client, nil
}

// IsS3 reports whether p names an S3 object.
func IsS3(p string) bool {
	return strings.HasPrefix(p, "s3://")
}

// IsGzip reports whether p has a .gz extension.
func IsGzip(p string) bool {
	return strings.HasSuffix(p, ".gz")
}

// S3Location is a parsed s3:// URL.
type S3Location struct {
	Bucket string
	Key    string
}

func (l S3Location) String() string {
	return "s3://" + l.Bucket + "/" + l.Key
}

// Name returns the final path element of the key.
func (l S3Location) Name() string {
	return path.Base(l.Key)
}

// ParseS3 splits an s3:// URL into bucket and key.
func ParseS3(p string) (S3Location, error) {
	if !IsS3(p) {
		return S3Location{}, fmt.Errorf("not an s3 path: %q", p)
	}
	rest := strings.TrimPrefix(p, "s3://")
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return S3Location{}, fmt.Errorf("s3 path %q has no bucket", p)
	}
	return S3Location{Bucket: bucket, Key: key}, nil
}

// Join appends elem to a local directory or an S3 prefix.
func Join(dir, elem string) string {
	if IsS3(dir) {
		return strings.TrimSuffix(dir, "/") + "/" + elem
	}
	return filepath.Join(dir, elem)
}

// Base returns the final element of a local path or S3 key.
func Base(p string) string {
	if IsS3(p) {
		return path.Base(p)
	}
	return filepath.Base(p)
}

// Open opens p for reading, decompressing .gz files.
func (f *FS) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	rc, err := f.OpenRaw(ctx, p)
	if err != nil {
		return nil, err
	}
	if !IsGzip(p) {
		return rc, nil
	}
	zr, err := gzip.NewReader(rc)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("failed to open gzip stream %s: %w", p, err)
	}
	return &gzipReadCloser{Reader: zr, under: rc}, nil
}

// OpenRaw opens p for reading without gzip handling. Checksums are taken
// over the raw bytes.
func (f *FS) OpenRaw(ctx context.Context, p string) (io.ReadCloser, error) {
	if !IsS3(p) {
		fh, err := os.Open(p)
		if err != nil {
			return nil, err
		}
		return fh, nil
	}
	loc, err := ParseS3(p)
	if err != nil {
		return nil, err
	}
	client, err := f.s3Client(ctx)
	if err != nil {
		return nil, err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", loc, err)
	}
	return out.Body, nil
}

// ReadFile reads the whole (decompressed) content of p.
func (f *FS) ReadFile(ctx context.Context, p string) ([]byte, error) {
	rc, err := f.Open(ctx, p)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Create opens p for writing. With exclusive set, an existing file or
// object is an error. S3 objects are uploaded on Close.
func (f *FS) Create(ctx context.Context, p string, exclusive bool) (io.WriteCloser, error) {
	var w io.WriteCloser
	if IsS3(p) {
		loc, err := ParseS3(p)
		if err != nil {
			return nil, err
		}
		client, err := f.s3Client(ctx)
		if err != nil {
			return nil, err
		}
		w = &s3Writer{ctx: ctx, client: client, loc: loc, exclusive: exclusive}
	} else {
		flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		if exclusive {
			flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
		}
		fh, err := os.OpenFile(p, flags, 0o644)
		if err != nil {
			return nil, err
		}
		w = fh
	}
	if IsGzip(p) {
		return &gzipWriteCloser{Writer: gzip.NewWriter(w), under: w}, nil
	}
	return w, nil
}

// Copy copies src to dst across local disk and S3 and returns the final
// destination. A local directory destination receives the source name.
func (f *FS) Copy(ctx context.Context, src, dst string) (string, error) {
	log := zap.S().Named("smartio")

	switch {
	case !IsS3(src) && !IsS3(dst):
		if info, err := os.Stat(dst); err == nil && info.IsDir() {
			dst = filepath.Join(dst, filepath.Base(src))
		}
		if filepath.Ext(dst) == "" {
			log.Warnf("You have copied to a location without a file extension. Source location: %s to destination: %s.", src, dst)
		}
		return dst, copyLocal(src, dst)

	case !IsS3(src) && IsS3(dst):
		loc, err := ParseS3(dst)
		if err != nil {
			return "", err
		}
		if path.Ext(loc.Key) == "" {
			log.Warnf("You have copied a file to S3 without a file extension. Source location: %s to S3 location: %s.", src, dst)
		}
		client, err := f.s3Client(ctx)
		if err != nil {
			return "", err
		}
		body, err := os.ReadFile(src)
		if err != nil {
			return "", err
		}
		if _, err := client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(loc.Bucket),
			Key:    aws.String(loc.Key),
			Body:   bytes.NewReader(body),
		}); err != nil {
			return "", fmt.Errorf("failed to upload %s to %s: %w", src, loc, err)
		}
		return loc.String(), nil

	case IsS3(src) && !IsS3(dst):
		loc, err := ParseS3(src)
		if err != nil {
			return "", err
		}
		if info, err := os.Stat(dst); err == nil && info.IsDir() {
			dst = filepath.Join(dst, loc.Name())
			log.Warnf("A directory was given as the destination for the smart file copy. "+
				"This was modified to include a name as follows. Copy from %s to %s.", src, dst)
		}
		if filepath.Ext(dst) == "" {
			log.Warnf("You have copied a file without a file extension. Source: %s to destination: %s.", src, dst)
		}
		rc, err := f.OpenRaw(ctx, src)
		if err != nil {
			return "", err
		}
		defer rc.Close()
		out, err := os.Create(dst)
		if err != nil {
			return "", err
		}
		if _, err := io.Copy(out, rc); err != nil {
			out.Close()
			return "", fmt.Errorf("failed to download %s: %w", src, err)
		}
		return dst, out.Close()

	default:
		srcLoc, err := ParseS3(src)
		if err != nil {
			return "", err
		}
		dstLoc, err := ParseS3(dst)
		if err != nil {
			return "", err
		}
		if path.Ext(dstLoc.Key) == "" {
			log.Warnf("You have copied a file to S3 without a file extension. Source location: %s to S3 location: %s.", src, dst)
		}
		client, err := f.s3Client(ctx)
		if err != nil {
			return "", err
		}
		if _, err := client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(dstLoc.Bucket),
			Key:        aws.String(dstLoc.Key),
			CopySource: aws.String(srcLoc.Bucket + "/" + srcLoc.Key),
		}); err != nil {
			return "", fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
		}
		return dstLoc.String(), nil
	}
}

func copyLocal(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	return out.Close()
}

type s3Writer struct {
	ctx       context.Context
	client    S3API
	loc       S3Location
	exclusive bool
	buf       bytes.Buffer
	closed    bool
}

func (w *s3Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, os.ErrClosed
	}
	return w.buf.Write(p)
}

func (w *s3Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	in := &s3.PutObjectInput{
		Bucket: aws.String(w.loc.Bucket),
		Key:    aws.String(w.loc.Key),
		Body:   bytes.NewReader(w.buf.Bytes()),
	}
	if w.exclusive {
		in.IfNoneMatch = aws.String("*")
	}
	if _, err := w.client.PutObject(w.ctx, in); err != nil {
		return fmt.Errorf("failed to upload %s: %w", w.loc, err)
	}
	return nil
}

type gzipReadCloser struct {
	*gzip.Reader
	under io.Closer
}

func (g *gzipReadCloser) Close() error {
	err := g.Reader.Close()
	if cerr := g.under.Close(); err == nil {
		err = cerr
	}
	return err
}

type gzipWriteCloser struct {
	*gzip.Writer
	under io.Closer
}

func (g *gzipWriteCloser) Close() error {
	err := g.Writer.Close()
	if cerr := g.under.Close(); err == nil {
		err = cerr
	}
	return err
}
