// Package config resolves configuration values from the environment and the
// embedded config.json defaults.
//
// Environment variables take precedence over the JSON defaults. String values
// may reference other keys with {KEY}; a value that is exactly {KEY} resolves
// to the referenced value with its type intact. Strings that look like numbers
// are returned as int64 (whole values) or float64.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

//go:embed config.json
var defaultJSON []byte

// PkgRootKey is resolved to the installed data directory rather than looked up.
const PkgRootKey = "PKG_ROOT"

// maxFileSize bounds override files loaded with LoadFile.
const maxFileSize = 1 * 1024 * 1024

// maxDepth bounds {KEY} substitution chains.
const maxDepth = 32

// ErrKeyNotFound is returned when a key is in neither the environment nor the defaults.
var ErrKeyNotFound = errors.New("configuration variable not found")

var floatRegexp = regexp.MustCompile(`^[-+]?([0-9]+|[0-9]*\.[0-9]+)([eE][-+]?[0-9]+)?$`)

// Config is a cache of the JSON defaults plus a view of the environment.
type Config struct {
	mu      sync.RWMutex
	values  *Map
	known   map[string]bool
	pkgRoot string
	warned  map[string]bool

	// Getenv reads environment overrides. Defaults to os.Getenv.
	Getenv func(string) string
}

// New builds a Config from the embedded defaults.
func New() (*Config, error) {
	c := &Config{Getenv: os.Getenv}
	if err := c.ForceReload(); err != nil {
		return nil, err
	}
	return c, nil
}

// ForceReload discards any overrides and re-reads the embedded defaults.
func (c *Config) ForceReload() error {
	values, err := decodeDocument(bytes.NewReader(defaultJSON))
	if err != nil {
		return fmt.Errorf("failed to parse embedded config.json: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = values
	c.known = make(map[string]bool, values.Len())
	for _, k := range values.Keys() {
		c.known[k] = true
	}
	c.warned = make(map[string]bool)
	return nil
}

// LoadFile merges a JSON override file into the defaults. The file must have
// a .json extension and be under 1MB.
func (c *Config) LoadFile(path string) error {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return fmt.Errorf("config file must have .json extension, got %q", ext)
	}
	info, err := os.Stat(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	overrides, err := decodeDocument(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to parse config JSON: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range overrides.Keys() {
		v, _ := overrides.Get(k)
		c.values.Set(k, v)
		c.known[k] = true
	}
	return nil
}

// SetPackageRoot sets the directory returned for PKG_ROOT.
func (c *Config) SetPackageRoot(dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pkgRoot = dir
}

// Keys returns all keys known from the JSON defaults, sorted.
func (c *Config) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.known))
	for k := range c.known {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get retrieves a configuration value from the environment or the defaults.
func (c *Config) Get(key string) (any, error) {
	return c.get(key, 0)
}

func (c *Config) get(key string, depth int) (any, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("configuration variable %s: substitution too deep", key)
	}
	if key == PkgRootKey {
		return c.packageRoot(), nil
	}

	c.mu.Lock()
	known := c.known[key]
	if !known && !c.warned[key] {
		c.warned[key] = true
		zap.S().Warnf("Configuration key %s is not known to the config module. "+
			"We will try to find it in the environment anyway but a default should be added to config.json.", key)
	}
	raw, inDefaults := c.values.Get(key)
	getenv := c.Getenv
	c.mu.Unlock()

	if getenv == nil {
		getenv = os.Getenv
	}
	if env := getenv(key); env != "" {
		v, err := c.format(env, depth)
		if err != nil {
			return nil, err
		}
		return parseNumeric(v), nil
	}
	if inDefaults {
		v, err := c.format(raw, depth)
		if err != nil {
			return nil, err
		}
		return parseNumeric(v), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
}

func (c *Config) packageRoot() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.pkgRoot != "" {
		return c.pkgRoot
	}
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// format substitutes {KEY} references recursively through lists and maps.
func (c *Config) format(value any, depth int) (any, error) {
	switch v := value.(type) {
	case string:
		return c.formatString(v, depth)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			f, err := c.format(item, depth)
			if err != nil {
				return nil, err
			}
			out[i] = f
		}
		return out, nil
	case *Map:
		out := NewMap()
		for _, k := range v.Keys() {
			item, _ := v.Get(k)
			f, err := c.format(item, depth)
			if err != nil {
				return nil, err
			}
			out.Set(k, f)
		}
		return out, nil
	case json.Number:
		return numberValue(v), nil
	default:
		return v, nil
	}
}

func (c *Config) formatString(s string, depth int) (any, error) {
	parts, err := parseTemplate(s)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration template %q: %w", s, err)
	}
	if len(parts) == 1 && parts[0].field != "" && parts[0].literal == "" {
		return c.get(parts[0].field, depth+1)
	}
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.literal)
		if p.field == "" {
			continue
		}
		v, err := c.get(p.field, depth+1)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(v))
	}
	return b.String(), nil
}

type templatePart struct {
	literal string
	field   string
}

// parseTemplate splits s into literal text and {field} references.
// Doubled braces escape a literal brace.
func parseTemplate(s string) ([]templatePart, error) {
	var parts []templatePart
	var lit strings.Builder
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '{' && i+1 < len(s) && s[i+1] == '{':
			lit.WriteByte('{')
			i++
		case ch == '}' && i+1 < len(s) && s[i+1] == '}':
			lit.WriteByte('}')
			i++
		case ch == '{':
			end := strings.IndexByte(s[i+1:], '}')
			if end < 0 {
				return nil, errors.New("unmatched '{'")
			}
			field := s[i+1 : i+1+end]
			if field == "" {
				return nil, errors.New("empty field name")
			}
			parts = append(parts, templatePart{literal: lit.String(), field: field})
			lit.Reset()
			i += end + 1
		case ch == '}':
			return nil, errors.New("single '}' encountered")
		default:
			lit.WriteByte(ch)
		}
	}
	if lit.Len() > 0 || len(parts) == 0 {
		parts = append(parts, templatePart{literal: lit.String()})
	}
	return parts, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func numberValue(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// parseNumeric converts numeric-looking strings to int64 or float64.
func parseNumeric(v any) any {
	s, ok := v.(string)
	if !ok || !floatRegexp.MatchString(s) {
		return v
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return v
	}
	if f == math.Trunc(f) && math.Abs(f) < math.MaxInt64 {
		return int64(f)
	}
	return f
}

// String returns the value for key formatted as a string.
func (c *Config) String(key string) (string, error) {
	v, err := c.Get(key)
	if err != nil {
		return "", err
	}
	return stringify(v), nil
}

// Int returns the value for key as an integer.
func (c *Config) Int(key string) (int64, error) {
	v, err := c.Get(key)
	if err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case int64:
		return t, nil
	case float64:
		if t == float64(int64(t)) {
			return int64(t), nil
		}
	}
	return 0, fmt.Errorf("configuration variable %s is %v, not an integer", key, v)
}

// MapValue returns the value for key as an ordered map.
func (c *Config) MapValue(key string) (*Map, error) {
	v, err := c.Get(key)
	if err != nil {
		return nil, err
	}
	m, ok := v.(*Map)
	if !ok {
		return nil, fmt.Errorf("configuration variable %s is %T, not an object", key, v)
	}
	return m, nil
}

var (
	stdOnce sync.Once
	std     *Config
)

// Default returns the process-wide configuration.
func Default() *Config {
	stdOnce.Do(func() {
		c, err := New()
		if err != nil {
			panic(err)
		}
		std = c
	})
	return std
}

// Get reads key from the process-wide configuration.
func Get(key string) (any, error) { return Default().Get(key) }

// String reads key from the process-wide configuration as a string.
func String(key string) (string, error) { return Default().String(key) }

// Int reads key from the process-wide configuration as an integer.
func Int(key string) (int64, error) { return Default().Int(key) }
