// Package quality defines bit-flag quality indicators for data products.
//
// A Definition names the bits of one flag type and attaches a message to
// each. Flag values are checked against their definition, so a Flag never
// carries bits its definition does not name.
package quality

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"strings"
)

// ErrUncovered is wrapped when a value has bits no member defines.
var ErrUncovered = errors.New("value has bits not defined by any flag member")

// Member is a named flag value with its message.
type Member struct {
	Name    string
	Value   uint64
	Message string
}

func (m Member) String() string { return fmt.Sprintf("%d: %s", m.Value, m.Message) }

// Definition is a frozen set of members. Its NONE pseudo member is zero and
// its ALL pseudo member is the union of every member.
type Definition struct {
	name    string
	members []Member
	all     uint64
}

// NoneMessage is the message of the NONE pseudo member.
const NoneMessage = "No flags set."

// Define builds a definition. Member names and values must be unique and
// values non-zero.
func Define(name string, members ...Member) (*Definition, error) {
	d := &Definition{name: name}
	names := map[string]bool{"NONE": true, "ALL": true}
	values := map[uint64]bool{}
	for _, m := range members {
		if m.Value == 0 {
			return nil, fmt.Errorf("%s.%s: zero value is reserved for NONE", name, m.Name)
		}
		if names[m.Name] {
			return nil, fmt.Errorf("%s: duplicate member name %s", name, m.Name)
		}
		if values[m.Value] {
			return nil, fmt.Errorf("%s.%s: duplicate value %d", name, m.Name, m.Value)
		}
		names[m.Name], values[m.Value] = true, true
		d.members = append(d.members, m)
		d.all |= m.Value
	}
	// Descending by value, the order Decompose reports in.
	sort.Slice(d.members, func(i, j int) bool { return d.members[i].Value > d.members[j].Value })
	return d, nil
}

// MustDefine is Define for package-level definitions.
func MustDefine(name string, members ...Member) *Definition {
	d, err := Define(name, members...)
	if err != nil {
		panic(err)
	}
	return d
}

func (d *Definition) Name() string { return d.name }

// Members returns the members in descending value order.
func (d *Definition) Members() []Member { return append([]Member(nil), d.members...) }

// None returns the empty flag.
func (d *Definition) None() Flag { return Flag{def: d} }

// All returns the union of every member.
func (d *Definition) All() Flag { return Flag{def: d, value: d.all} }

// Flag returns the flag with value v. Bits outside ALL are rejected.
func (d *Definition) Flag(v uint64) (Flag, error) {
	if extra := v &^ d.all; extra != 0 {
		return Flag{}, fmt.Errorf("%d is not a valid %s: %w (0x%x)", v, d.name, ErrUncovered, extra)
	}
	return Flag{def: d, value: v}, nil
}

// Lookup returns a member flag by name, including NONE and ALL.
func (d *Definition) Lookup(name string) (Flag, bool) {
	switch name {
	case "NONE":
		return d.None(), true
	case "ALL":
		return d.All(), true
	}
	for _, m := range d.members {
		if m.Name == name {
			return Flag{def: d, value: m.Value}, true
		}
	}
	return Flag{}, false
}

// Parse reads "A|B" member names or a plain integer.
func (d *Definition) Parse(s string) (Flag, error) {
	var v uint64
	if _, err := fmt.Sscanf(s, "%d", &v); err == nil && fmt.Sprint(v) == s {
		return d.Flag(v)
	}
	f := d.None()
	for _, part := range strings.Split(s, "|") {
		m, ok := d.Lookup(strings.TrimSpace(part))
		if !ok {
			return Flag{}, fmt.Errorf("%s has no member %q", d.name, part)
		}
		f = f.Or(m)
	}
	return f, nil
}

// Flag is a value of a Definition.
type Flag struct {
	def   *Definition
	value uint64
}

func (f Flag) Value() uint64 { return f.value }

// Definition returns the definition the flag belongs to.
func (f Flag) Definition() *Definition { return f.def }

// Has reports whether every bit of other is set in f.
func (f Flag) Has(other Flag) bool { return f.value&other.value == other.value }

func (f Flag) Or(other Flag) Flag  { return Flag{def: f.def, value: f.value | other.value} }
func (f Flag) And(other Flag) Flag { return Flag{def: f.def, value: f.value & other.value} }

// Invert returns the members of ALL that are not set in f.
func (f Flag) Invert() Flag { return Flag{def: f.def, value: f.def.all &^ f.value} }

// Decompose returns every member whose bits are all set in f, in descending
// value order, and the bits of f that no member covers. The result is the
// full set of contained members, not a minimal cover. A zero flag
// decomposes to NONE.
func (f Flag) Decompose() (members []Member, uncovered uint64) {
	uncovered = f.value
	if f.def == nil {
		return nil, uncovered
	}
	for _, m := range f.def.members {
		if f.value&m.Value == m.Value {
			members = append(members, m)
			uncovered &^= m.Value
		}
	}
	if f.value == 0 {
		members = append(members, Member{Name: "NONE", Message: NoneMessage})
	}
	return members, uncovered
}

// Summary returns the value and the messages of every set member.
func (f Flag) Summary() (uint64, []string, error) {
	members, uncovered := f.Decompose()
	if uncovered != 0 {
		name := "<undefined>"
		if f.def != nil {
			name = f.def.name
		}
		return 0, nil, fmt.Errorf("%s has value %d with %d uncovered bits: %w", name, f.value, bits.OnesCount64(uncovered), ErrUncovered)
	}
	msgs := make([]string, len(members))
	for i, m := range members {
		msgs[i] = m.Message
	}
	return f.value, msgs, nil
}

func (f Flag) String() string {
	if f.def == nil {
		return fmt.Sprint(f.value)
	}
	if f.value == f.def.all && f.value != 0 && len(f.def.members) > 1 {
		return f.def.name + ".ALL"
	}
	members, uncovered := f.Decompose()
	names := make([]string, 0, len(members)+1)
	for _, m := range members {
		names = append(names, m.Name)
	}
	if uncovered != 0 {
		names = append(names, fmt.Sprint(uncovered))
	}
	return f.def.name + "." + strings.Join(names, "|")
}
