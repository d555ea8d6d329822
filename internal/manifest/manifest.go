// Package manifest reads and writes the JSON manifests that hand file lists
// and processing configuration between pipeline steps.
package manifest

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/libera-sdc/libera-utils/internal/filenaming"
	"github.com/libera-sdc/libera-utils/internal/observability"
	"github.com/libera-sdc/libera-utils/internal/smartio"
	"github.com/libera-sdc/libera-utils/internal/timeutil"
)

// Configuration keys holding the desired data time range.
const (
	StartTimeKey = "start_time"
	EndTimeKey   = "end_time"
)

var requiredElements = []string{"manifest_type", "files", "configuration"}

// Error reports a file that is not a valid manifest.
type Error struct {
	Path string
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s is not a valid manifest file. %s", e.Path, e.Msg)
}

// ChecksumError lists every file whose checksum did not match.
type ChecksumError struct {
	Files []string
}

func (e *ChecksumError) Error() string {
	return "files failed checksum validation: " + strings.Join(e.Files, ", ")
}

// File is one manifest entry.
type File struct {
	Filename string `json:"filename"`
	Checksum string `json:"checksum"`
}

// Manifest is the in-memory form of a manifest file.
type Manifest struct {
	Type          filenaming.ManifestType
	Files         []File
	Configuration map[string]any
	// Filename is the path the manifest was read from, or the name to
	// write it under. Empty means a name is generated on Write.
	Filename string

	FS      *smartio.FS
	Metrics *observability.Collector
}

// New returns an empty manifest of type t.
func New(t filenaming.ManifestType) *Manifest {
	return &Manifest{Type: t, Files: []File{}, Configuration: map[string]any{}}
}

func (m *Manifest) fs() *smartio.FS {
	if m.FS == nil {
		return smartio.Default()
	}
	return m.FS
}

type document struct {
	ManifestType  string         `json:"manifest_type"`
	Files         []File         `json:"files"`
	Configuration map[string]any `json:"configuration"`
}

// MarshalJSON writes the manifest document.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	files := m.Files
	if files == nil {
		files = []File{}
	}
	conf := m.Configuration
	if conf == nil {
		conf = map[string]any{}
	}
	return json.Marshal(document{ManifestType: string(m.Type), Files: files, Configuration: conf})
}

// Read loads and checks a manifest from a local path or s3:// URL. fs may be
// nil for the default.
func Read(ctx context.Context, fs *smartio.FS, path string) (*Manifest, error) {
	if fs == nil {
		fs = smartio.Default()
	}
	data, err := fs.ReadFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &Error{Path: path, Msg: err.Error()}
	}
	for _, element := range requiredElements {
		if _, ok := raw[element]; !ok {
			return nil, &Error{Path: path, Msg: "Missing required element " + element + "."}
		}
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &Error{Path: path, Msg: err.Error()}
	}
	t, err := filenaming.ParseManifestType(doc.ManifestType)
	if err != nil {
		return nil, &Error{Path: path, Msg: err.Error()}
	}
	if doc.Files == nil {
		doc.Files = []File{}
	}
	if doc.Configuration == nil {
		doc.Configuration = map[string]any{}
	}
	return &Manifest{Type: t, Files: doc.Files, Configuration: doc.Configuration, Filename: path, FS: fs}, nil
}

// GenerateFilename names the manifest for its type and creation time.
func (m *Manifest) GenerateFilename(created time.Time) string {
	return filenaming.Manifest{Type: m.Type, Created: created}.String()
}

// Write stores the manifest as outdir/filename and returns the path. An
// empty filename uses the base of m.Filename or, failing that, a generated
// name. Existing files are never overwritten.
func (m *Manifest) Write(ctx context.Context, outdir, filename string) (string, error) {
	if filename == "" {
		if m.Filename != "" {
			filename = smartio.Base(m.Filename)
		} else {
			filename = m.GenerateFilename(time.Now().UTC())
		}
	}
	path := smartio.Join(outdir, filename)
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	w, err := m.fs().Create(ctx, path, true)
	if err != nil {
		return "", fmt.Errorf("failed to create manifest %s: %w", path, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return path, nil
}

// Checksum returns the hex md5 of the raw (undecompressed) bytes at path.
func Checksum(ctx context.Context, fs *smartio.FS, path string) (string, error) {
	rc, err := fs.OpenRaw(ctx, path)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	h := md5.New()
	if _, err := io.Copy(h, rc); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ValidateChecksums recomputes every listed checksum. All mismatches are
// collected into one *ChecksumError; unreadable files fail immediately.
func (m *Manifest) ValidateChecksums(ctx context.Context) error {
	log := zap.S().Named("manifest")
	var failed []string
	for _, f := range m.Files {
		got, err := Checksum(ctx, m.fs(), f.Filename)
		if err != nil {
			return err
		}
		if got != f.Checksum {
			log.Errorf("Checksum validation for %s failed. Expected %s but got %s.", f.Filename, f.Checksum, got)
			failed = append(failed, f.Filename)
		}
	}
	if len(failed) > 0 {
		m.Metrics.ChecksumFailed(len(failed))
		return &ChecksumError{Files: failed}
	}
	return nil
}

// AddFile appends path with its checksum.
func (m *Manifest) AddFile(ctx context.Context, path string) error {
	sum, err := Checksum(ctx, m.fs(), path)
	if err != nil {
		return err
	}
	m.Files = append(m.Files, File{Filename: path, Checksum: sum})
	return nil
}

// AddDesiredTimeRange records the data time range in the configuration.
func (m *Manifest) AddDesiredTimeRange(start, end time.Time) {
	if m.Configuration == nil {
		m.Configuration = map[string]any{}
	}
	m.Configuration[StartTimeKey] = start.UTC().Format(timeutil.ManifestTimeFormat)
	m.Configuration[EndTimeKey] = end.UTC().Format(timeutil.ManifestTimeFormat)
}

var (
	// ErrNoTimeRange is returned by TimeRange when the configuration has
	// neither start_time nor end_time.
	ErrNoTimeRange = errors.New("manifest configuration has no start_time/end_time")
	// ErrInvalidTimeRange is returned when only one bound is set or the
	// range is empty.
	ErrInvalidTimeRange = errors.New("invalid manifest time range")
)

// TimeRange returns the desired time range from the configuration.
func (m *Manifest) TimeRange() (start, end time.Time, err error) {
	_, hasStart := m.Configuration[StartTimeKey]
	_, hasEnd := m.Configuration[EndTimeKey]
	switch {
	case !hasStart && !hasEnd:
		return time.Time{}, time.Time{}, ErrNoTimeRange
	case !hasStart || !hasEnd:
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %s and %s must be given together", ErrInvalidTimeRange, StartTimeKey, EndTimeKey)
	}
	get := func(key string) (time.Time, error) {
		s, ok := m.Configuration[key].(string)
		if !ok {
			return time.Time{}, fmt.Errorf("manifest %s is %T, not a string", key, m.Configuration[key])
		}
		t, err := time.Parse(timeutil.ManifestTimeFormat, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("manifest %s: %w", key, err)
		}
		return t, nil
	}
	if start, err = get(StartTimeKey); err != nil {
		return
	}
	if end, err = get(EndTimeKey); err != nil {
		return
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %s %s is not before %s %s", ErrInvalidTimeRange,
			StartTimeKey, start.Format(timeutil.ManifestTimeFormat), EndTimeKey, end.Format(timeutil.ManifestTimeFormat))
	}
	return start, end, nil
}
