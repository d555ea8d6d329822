package kernelmaker

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/libera-sdc/libera-utils/internal/ccsds"
	"github.com/libera-sdc/libera-utils/internal/config"
	"github.com/libera-sdc/libera-utils/internal/smartio"
)

// NAIF setup files cannot hold values longer than this, quotes included.
const (
	maxSetupValue = 80
	maxSetupPath  = maxSetupValue - 2
)

// Setup keys written as parenthesised lists of quoted items.
var listKeys = map[string]bool{"PATH_VALUES": true, "PATH_SYMBOLS": true, "KERNELS_TO_LOAD": true}

// WriteKernelInputFile writes the named table columns as space delimited
// rows. An empty fields list writes every column. formats holds one verb
// per field; nil applies DefaultFormat to all.
func WriteKernelInputFile(t *ccsds.Table, path string, fields, formats []string) error {
	if len(fields) == 0 {
		fields = t.Columns
	}
	if formats == nil {
		formats = make([]string, len(fields))
		for i := range formats {
			formats[i] = DefaultFormat
		}
	}
	if len(formats) != len(fields) {
		return fmt.Errorf("%d formats given for %d fields", len(formats), len(fields))
	}
	idx := make([]int, len(fields))
	for i, f := range fields {
		if idx[i] = t.Index(f); idx[i] < 0 {
			return fmt.Errorf("input file field %s is not in the packet data", f)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, row := range t.Rows {
		for i, col := range idx {
			if i > 0 {
				w.WriteByte(' ')
			}
			v := row[col]
			if n, ok := v.(int64); ok && isFloatVerb(formats[i]) {
				v = float64(n)
			}
			fmt.Fprintf(w, formats[i], v)
		}
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteKernelSetupFile writes an mkspk or msopck setup file from ordered
// key/value pairs. The file must not exist. LSK_FILE_NAME and
// LEAPSECONDS_FILE are replaced by the newest leapseconds kernel; kernel
// paths too long for the tools are copied next to the setup file.
func (m *Maker) WriteKernelSetupFile(ctx context.Context, values *config.Map, path string) error {
	log := zap.S().Named("kernelmaker")
	var b strings.Builder
	b.WriteString("\\begindata\n")
	for _, key := range values.Keys() {
		value, _ := values.Get(key)
		var str string
		switch {
		case listKeys[key]:
			items, ok := value.([]any)
			if !ok {
				return fmt.Errorf("setup value %s must be a list, got %T", key, value)
			}
			quoted := make([]string, len(items))
			for i, item := range items {
				quoted[i] = fmt.Sprintf("\n\t'%v'", item)
			}
			str = "(" + strings.Join(quoted, ", ") + "\n)"
		case key == "LSK_FILE_NAME" || key == "LEAPSECONDS_FILE":
			lsk, err := m.Loader.LeapSecondsKernel(ctx)
			if err != nil {
				return err
			}
			if lsk, err = m.shortPath(ctx, lsk, filepath.Dir(path)); err != nil {
				return err
			}
			str = quote(lsk)
		case key == "SCLK_FILE_NAME":
			sclk, ok := value.(string)
			if !ok {
				return fmt.Errorf("setup value %s must be a string, got %T", key, value)
			}
			sclk, err := m.shortPath(ctx, sclk, filepath.Dir(path))
			if err != nil {
				return err
			}
			str = quote(sclk)
		default:
			str = formatSetupValue(value)
		}
		if len(str) > maxSetupValue {
			log.Warnf("Detected a SPICE setup file value that is over %d characters. This will likely cause an error. %s", maxSetupValue, str)
		}
		fmt.Fprintf(&b, "%s=%s\n", key, str)
	}
	b.WriteString("\\begintext\n")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	log.Infof("Setup file contents:\n%s", b.String())
	return nil
}

// shortPath returns p, or a copy of p in dir when p is remote or too long
// for a setup file.
func (m *Maker) shortPath(ctx context.Context, p, dir string) (string, error) {
	if !smartio.IsS3(p) && len(p) <= maxSetupPath {
		return p, nil
	}
	dst, err := m.fs().Copy(ctx, p, filepath.Join(dir, smartio.Base(p)))
	if err != nil {
		return "", fmt.Errorf("failed to copy kernel %s next to setup file: %w", p, err)
	}
	return dst, nil
}

func isFloatVerb(format string) bool {
	return format != "" && strings.IndexByte("eEfFgG", format[len(format)-1]) >= 0
}

func quote(s string) string { return "'" + s + "'" }

func formatSetupValue(v any) string {
	switch x := v.(type) {
	case string:
		return quote(x)
	case []any:
		parts := make([]string, len(x))
		for i, item := range x {
			parts[i] = fmt.Sprint(item)
		}
		return quote(strings.Join(parts, " "))
	case *config.Map:
		parts := make([]string, 0, x.Len())
		for _, k := range x.Keys() {
			item, _ := x.Get(k)
			parts = append(parts, fmt.Sprintf("\n\t'%s=%v'", k, item))
		}
		return "(" + strings.Join(parts, " ") + "\n)"
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	}
	return fmt.Sprint(v)
}
