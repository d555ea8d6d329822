// Package pool implements a SPICE-style kernel pool: it reads text kernels
// (LSK, SCLK, FK, PCK, meta-kernels) into named variables and keeps a record
// of every kernel furnished, including binary SPK/CK files.
package pool

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
)

// Kernel identifies one furnished kernel file.
type Kernel struct {
	Type string
	File string
	// Source is the meta-kernel that loaded this kernel, if any.
	Source string
}

func (k Kernel) String() string {
	return fmt.Sprintf("%-6s %s", k.Type, k.File)
}

// Variable is a kernel pool variable. A variable holds either strings or
// numbers, never both.
type Variable struct {
	Name    string
	Strings []string
	Numbers []float64
}

// IsString reports whether v holds character data.
func (v *Variable) IsString() bool { return v.Strings != nil }

// Len returns the number of values.
func (v *Variable) Len() int {
	if v.IsString() {
		return len(v.Strings)
	}
	return len(v.Numbers)
}

func (v *Variable) String() string {
	parts := make([]string, 0, v.Len())
	if v.IsString() {
		for _, s := range v.Strings {
			parts = append(parts, "'"+strings.ReplaceAll(s, "'", "''")+"'")
		}
	} else {
		for _, n := range v.Numbers {
			parts = append(parts, formatNumber(n))
		}
	}
	if len(parts) == 1 {
		return v.Name + " = " + parts[0]
	}
	return v.Name + " = ( " + strings.Join(parts, ", ") + " )"
}

// Pool holds kernel variables and the list of loaded kernels. It is safe
// for concurrent use.
type Pool struct {
	mu      sync.RWMutex
	vars    map[string]*Variable
	kernels []Kernel
}

// New returns an empty pool.
func New() *Pool {
	return &Pool{vars: map[string]*Variable{}}
}

// Clear unloads all kernels and variables.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vars = map[string]*Variable{}
	p.kernels = nil
}

// Furnish loads the kernel at path. Text kernels are parsed into the pool;
// a text kernel assigning KERNELS_TO_LOAD is a meta-kernel and the kernels
// it lists are furnished in order. Binary kernels are recorded but not read.
func (p *Pool) Furnish(path string) error {
	return p.furnish(path, "", 0)
}

const maxMetaKernelDepth = 8

func (p *Pool) furnish(path, source string, depth int) error {
	if depth > maxMetaKernelDepth {
		return fmt.Errorf("meta-kernel nesting too deep at %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to furnish kernel: %w", err)
	}
	if kind, ok := binaryKind(data); ok {
		p.record(Kernel{Type: kind, File: path, Source: source})
		return nil
	}

	kind := textKind(data)
	assigns, err := parse(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to parse kernel %s: %w", path, err)
	}
	if err := p.apply(assigns); err != nil {
		return fmt.Errorf("failed to load kernel %s: %w", path, err)
	}

	toLoad, err := metaKernelEntries(assigns)
	if err != nil {
		return fmt.Errorf("meta-kernel %s: %w", path, err)
	}
	if toLoad != nil && kind == "TEXT" {
		kind = "META"
	}
	p.record(Kernel{Type: kind, File: path, Source: source})
	for _, k := range toLoad {
		if err := p.furnish(k, path, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// LoadText parses text kernel content from r into the pool under name.
// Meta-kernel entries are not followed.
func (p *Pool) LoadText(r io.Reader, name string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	assigns, err := parse(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to parse kernel %s: %w", name, err)
	}
	if err := p.apply(assigns); err != nil {
		return fmt.Errorf("failed to load kernel %s: %w", name, err)
	}
	p.record(Kernel{Type: textKind(data), File: name})
	return nil
}

func (p *Pool) record(k Kernel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kernels = append(p.kernels, k)
}

func (p *Pool) apply(assigns []assignment) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range assigns {
		existing, ok := p.vars[a.name]
		if !a.append || !ok {
			v := &Variable{Name: a.name}
			if a.isString {
				v.Strings = append([]string{}, a.strings...)
			} else {
				v.Numbers = append([]float64{}, a.numbers...)
			}
			p.vars[a.name] = v
			continue
		}
		if existing.IsString() != a.isString {
			return fmt.Errorf("line %d: cannot append %s values to %s", a.line, typeName(a.isString), a.name)
		}
		existing.Strings = append(existing.Strings, a.strings...)
		existing.Numbers = append(existing.Numbers, a.numbers...)
	}
	return nil
}

func typeName(isString bool) string {
	if isString {
		return "string"
	}
	return "numeric"
}

// Kernels lists furnished kernels in load order.
func (p *Pool) Kernels() []Kernel {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Kernel(nil), p.kernels...)
}

// KernelsOfType lists furnished kernels of one type (for example "SPK").
func (p *Pool) KernelsOfType(kind string) []Kernel {
	var out []Kernel
	for _, k := range p.Kernels() {
		if k.Type == kind {
			out = append(out, k)
		}
	}
	return out
}

// Names returns all variable names, sorted.
func (p *Pool) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.vars))
	for n := range p.vars {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Variables returns copies of all variables sorted by name.
func (p *Pool) Variables() []Variable {
	names := p.Names()
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Variable, 0, len(names))
	for _, n := range names {
		v := p.vars[n]
		out = append(out, Variable{
			Name:    v.Name,
			Strings: append([]string(nil), v.Strings...),
			Numbers: append([]float64(nil), v.Numbers...),
		})
	}
	return out
}

// Get returns a copy of the named variable.
func (p *Pool) Get(name string) (Variable, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.vars[name]
	if !ok {
		return Variable{}, false
	}
	return Variable{
		Name:    v.Name,
		Strings: append([]string(nil), v.Strings...),
		Numbers: append([]float64(nil), v.Numbers...),
	}, true
}

// Has reports whether name is defined.
func (p *Pool) Has(name string) bool {
	_, ok := p.Get(name)
	return ok
}

// Numbers returns the values of a numeric variable.
func (p *Pool) Numbers(name string) ([]float64, error) {
	v, ok := p.Get(name)
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	if v.IsString() {
		return nil, fmt.Errorf("kernel variable %s is not numeric", name)
	}
	return v.Numbers, nil
}

// Float returns the single value of a numeric variable.
func (p *Pool) Float(name string) (float64, error) {
	nums, err := p.Numbers(name)
	if err != nil {
		return 0, err
	}
	if len(nums) != 1 {
		return 0, fmt.Errorf("kernel variable %s has %d values, want 1", name, len(nums))
	}
	return nums[0], nil
}

// Int returns the single value of a numeric variable as an int.
func (p *Pool) Int(name string) (int, error) {
	f, err := p.Float(name)
	if err != nil {
		return 0, err
	}
	if f != float64(int(f)) {
		return 0, fmt.Errorf("kernel variable %s is not an integer: %v", name, f)
	}
	return int(f), nil
}

// Strings returns the values of a character variable.
func (p *Pool) Strings(name string) ([]string, error) {
	v, ok := p.Get(name)
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	if !v.IsString() {
		return nil, fmt.Errorf("kernel variable %s is not a string", name)
	}
	return v.Strings, nil
}

// String returns the single value of a character variable.
func (p *Pool) String(name string) (string, error) {
	ss, err := p.Strings(name)
	if err != nil {
		return "", err
	}
	if len(ss) != 1 {
		return "", fmt.Errorf("kernel variable %s has %d values, want 1", name, len(ss))
	}
	return ss[0], nil
}

// NotFoundError reports a missing kernel variable.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("kernel variable %s not found in pool", e.Name)
}

func binaryKind(data []byte) (string, bool) {
	if len(data) < 8 {
		return "", false
	}
	idword := string(data[:8])
	switch {
	case strings.HasPrefix(idword, "DAF/SPK"), strings.HasPrefix(idword, "NAIF/DAF"):
		return "SPK", true
	case strings.HasPrefix(idword, "DAF/CK"):
		return "CK", true
	case strings.HasPrefix(idword, "DAF/PCK"):
		return "PCK", true
	case strings.HasPrefix(idword, "DAS/EK"):
		return "EK", true
	case strings.HasPrefix(idword, "DAS/DSK"), strings.HasPrefix(idword, "DAF/DSK"):
		return "DSK", true
	}
	return "", false
}

func textKind(data []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(data))
	if sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if rest, ok := strings.CutPrefix(line, "KPL/"); ok && rest != "" {
			return strings.Fields(rest)[0]
		}
	}
	return "TEXT"
}

func metaKernelEntries(assigns []assignment) ([]string, error) {
	var entries, symbols, values []string
	found := false
	for _, a := range assigns {
		switch a.name {
		case "KERNELS_TO_LOAD":
			found = true
		case "PATH_SYMBOLS", "PATH_VALUES":
		default:
			continue
		}
		if !a.isString {
			return nil, fmt.Errorf("%s must hold strings", a.name)
		}
		var dst *[]string
		switch a.name {
		case "KERNELS_TO_LOAD":
			dst = &entries
		case "PATH_SYMBOLS":
			dst = &symbols
		default:
			dst = &values
		}
		if a.append {
			*dst = append(*dst, a.strings...)
		} else {
			*dst = append([]string{}, a.strings...)
		}
	}
	if !found {
		return nil, nil
	}
	if len(symbols) != len(values) {
		return nil, fmt.Errorf("PATH_SYMBOLS has %d entries but PATH_VALUES has %d", len(symbols), len(values))
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, expandSymbols(e, symbols, values))
	}
	return out, nil
}

// expandSymbols replaces $SYMBOL references, longest symbol first so that
// $KERNELS is not clobbered by $KERNEL.
func expandSymbols(s string, symbols, values []string) string {
	idx := make([]int, len(symbols))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return len(symbols[idx[a]]) > len(symbols[idx[b]]) })
	for _, i := range idx {
		s = strings.ReplaceAll(s, "$"+symbols[i], values[i])
	}
	return s
}
