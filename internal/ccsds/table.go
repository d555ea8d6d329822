package ccsds

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/libera-sdc/libera-utils/internal/smartio"
)

// AnyAPID lets FromPackets accept any single APID.
const AnyAPID = -1

// ErrMultipleAPIDs is returned when packets of several APIDs are tabled
// without choosing one.
var ErrMultipleAPIDs = errors.New("packets contain more than one APID")

// ErrNoPackets is returned when there is nothing to table.
var ErrNoPackets = errors.New("no packets")

// Table is a column-oriented view of packets of one APID. Each row is a
// packet; cells hold the derived value when there is one, else the raw
// value.
type Table struct {
	APID    int
	Columns []string
	Rows    [][]any
}

// FromPackets tables the packets with the given APID. With AnyAPID every
// packet must share one APID.
func FromPackets(packets []Packet, apid int) (*Table, error) {
	if len(packets) == 0 {
		return nil, ErrNoPackets
	}
	present := map[int]bool{}
	for i := range packets {
		present[packets[i].APID()] = true
	}
	if apid == AnyAPID {
		if len(present) > 1 {
			return nil, fmt.Errorf("%w: %v; choose one", ErrMultipleAPIDs, sortedKeys(present))
		}
		for a := range present {
			apid = a
		}
	} else if !present[apid] {
		return nil, fmt.Errorf("APID %d not present in packets (found %v)", apid, sortedKeys(present))
	}

	t := &Table{APID: apid}
	for i := range packets {
		p := &packets[i]
		if p.APID() != apid {
			continue
		}
		if t.Columns == nil {
			for _, it := range p.Header {
				t.Columns = append(t.Columns, it.Name)
			}
			for _, it := range p.Data {
				t.Columns = append(t.Columns, it.Name)
			}
		}
		row := make([]any, 0, len(t.Columns))
		for _, it := range p.Header {
			row = append(row, it.Value())
		}
		for _, it := range p.Data {
			row = append(row, it.Value())
		}
		if len(row) != len(t.Columns) {
			return nil, fmt.Errorf("packet %s has %d fields, expected %d", p.Container, len(row), len(t.Columns))
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

func sortedKeys(m map[int]bool) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.Rows) }

// Index returns the position of column name, or -1.
func (t *Table) Index(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Column returns the cells of one column.
func (t *Table) Column(name string) ([]any, error) {
	i := t.Index(name)
	if i < 0 {
		return nil, fmt.Errorf("no column %s", name)
	}
	out := make([]any, len(t.Rows))
	for r, row := range t.Rows {
		out[r] = row[i]
	}
	return out, nil
}

// Float64s returns a numeric column as float64.
func (t *Table) Float64s(name string) ([]float64, error) {
	col, err := t.Column(name)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(col))
	for i, v := range col {
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("column %s row %d is %T, not numeric", name, i, v)
		}
		out[i] = f
	}
	return out, nil
}

// Int64s returns an integer column.
func (t *Table) Int64s(name string) ([]int64, error) {
	col, err := t.Column(name)
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(col))
	for i, v := range col {
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("column %s row %d is %T, not an integer", name, i, v)
		}
		out[i] = n
	}
	return out, nil
}

// AddColumn appends a column with one value per row.
func (t *Table) AddColumn(name string, values []any) error {
	if len(values) != len(t.Rows) {
		return fmt.Errorf("column %s has %d values for %d rows", name, len(values), len(t.Rows))
	}
	if t.Index(name) >= 0 {
		return fmt.Errorf("column %s already exists", name)
	}
	t.Columns = append(t.Columns, name)
	for i := range t.Rows {
		t.Rows[i] = append(t.Rows[i], values[i])
	}
	return nil
}

// Stack appends the rows of others, which must share t's APID and columns.
func (t *Table) Stack(others ...*Table) error {
	for _, o := range others {
		if o.APID != t.APID {
			return fmt.Errorf("%w: cannot stack APID %d onto %d", ErrMultipleAPIDs, o.APID, t.APID)
		}
		if len(o.Columns) != len(t.Columns) {
			return fmt.Errorf("cannot stack tables with %d and %d columns", len(t.Columns), len(o.Columns))
		}
		for i := range o.Columns {
			if o.Columns[i] != t.Columns[i] {
				return fmt.Errorf("cannot stack tables: column %d is %s and %s", i, t.Columns[i], o.Columns[i])
			}
		}
		t.Rows = append(t.Rows, o.Rows...)
	}
	return nil
}

// Dedupe drops rows identical to an earlier row, keeping order.
func (t *Table) Dedupe() int {
	seen := make(map[string]bool, len(t.Rows))
	kept := t.Rows[:0]
	for _, row := range t.Rows {
		key := fmt.Sprintf("%#v", row)
		if seen[key] {
			continue
		}
		seen[key] = true
		kept = append(kept, row)
	}
	dropped := len(t.Rows) - len(kept)
	t.Rows = kept
	return dropped
}

// ParseFiles parses each file concurrently, tables it by apid, and stacks
// the tables in file order with duplicate rows removed.
func (p *Parser) ParseFiles(ctx context.Context, fs *smartio.FS, paths []string, apid int) (*Table, error) {
	if len(paths) == 0 {
		return nil, ErrNoPackets
	}
	if fs == nil {
		fs = smartio.Default()
	}
	tables := make([]*Table, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, path := range paths {
		g.Go(func() error {
			data, err := fs.ReadFile(gctx, path)
			if err != nil {
				return err
			}
			packets, err := p.Parse(data)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			t, err := FromPackets(packets, apid)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			tables[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := tables[0]
	if err := out.Stack(tables[1:]...); err != nil {
		return nil, err
	}
	out.Dedupe()
	return out, nil
}
