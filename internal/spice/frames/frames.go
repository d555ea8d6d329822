// Package frames reads reference frame definitions from a frames kernel
// and checks the consistency of the frame tree.
//
// Two frame classes are modelled: class 3 frames whose orientation comes
// from a C-kernel, and class 4 (TK) frames with a fixed offset from their
// RELATIVE frame. The parent of a class 4 frame is TKFRAME_<id>_RELATIVE.
// A class 3 frame may name the base frame of its C-kernel segments with
// CK_<id>_RELATIVE; without it the parent is only known once C-kernels are
// loaded and the frame is treated as a root.
package frames

import (
	"fmt"
	"io"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/libera-sdc/libera-utils/internal/spice/pool"
)

// Frame classes.
const (
	ClassInertial = 1
	ClassPCK      = 2
	ClassCK       = 3
	ClassTK       = 4
	ClassDynamic  = 5
)

// Frame is one frame definition.
type Frame struct {
	Name    string
	ID      int
	Class   int
	ClassID int
	Center  int
	// Parent is the RELATIVE frame for class 4 or the C-kernel base frame
	// for class 3. Empty for a class 3 frame whose base frame comes from its
	// C-kernel segments.
	Parent string
	// Spec is the TK specification: QUATERNION, MATRIX or ANGLES.
	Spec string
	// ToParent rotates vectors expressed in this frame into the parent
	// frame. Set only for class 4 frames.
	ToParent *mat.Dense
	// Quaternion is the TKFRAME_<id>_Q value of a QUATERNION frame.
	Quaternion quat.Number
	// SCLK and SPK are the clock and ephemeris IDs of a class 3 frame.
	SCLK int
	SPK  int
}

// Fixed reports whether the frame has a constant offset from its parent.
func (f Frame) Fixed() bool { return f.Class == ClassTK }

// RuntimeParent reports whether the parent is set by C-kernel segments.
func (f Frame) RuntimeParent() bool { return f.Class == ClassCK && f.Parent == "" }

// builtin lists the toolkit's built-in frames that kernels commonly use as
// a parent. Inertial frames are marked.
var builtin = map[string]struct {
	id       int
	inertial bool
}{
	"J2000":      {1, true},
	"B1950":      {2, true},
	"FK4":        {3, true},
	"GALACTIC":   {13, true},
	"ECLIPJ2000": {17, true},
	"ECLIPB1950": {18, true},
	"IAU_SUN":    {10010, false},
	"IAU_EARTH":  {10013, false},
	"IAU_MOON":   {10020, false},
	"ITRF93":     {13000, false},
}

// IsBuiltin reports whether name is a built-in toolkit frame.
func IsBuiltin(name string) bool {
	_, ok := builtin[name]
	return ok
}

// IsInertial reports whether name is a built-in inertial frame.
func IsInertial(name string) bool {
	b, ok := builtin[name]
	return ok && b.inertial
}

// Body is one NAIF_BODY_NAME / NAIF_BODY_CODE pair.
type Body struct {
	Name string
	Code int
}

// Kernel holds the frames and body names defined by a frames kernel.
type Kernel struct {
	Frames []Frame
	// Bodies lists the name/ID mappings in assignment order.
	Bodies []Body

	byName map[string]int
	issues []string
}

var (
	frameNameRe = regexp.MustCompile(`^FRAME_(-?[0-9]+)_NAME$`)
	frameIDRe   = regexp.MustCompile(`^FRAME_([^-0-9][^ ]*)$`)
)

// Parse reads a frames kernel from r.
func Parse(r io.Reader, name string) (*Kernel, error) {
	p := pool.New()
	if err := p.LoadText(r, name); err != nil {
		return nil, err
	}
	return FromPool(p)
}

// FromPool builds the frame set from kernel pool variables. Structural
// problems that prevent reading a frame are returned as errors; consistency
// problems are reported by Validate.
func FromPool(p *pool.Pool) (*Kernel, error) {
	k := &Kernel{byName: map[string]int{}}

	ids := map[string]int{}
	for _, n := range p.Names() {
		if m := frameIDRe.FindStringSubmatch(n); m != nil {
			// FRAME_<name>_CLASS style keys are keyed by name rather than ID.
			if hasFrameSuffix(m[1]) {
				continue
			}
			id, err := p.Int(n)
			if err != nil {
				return nil, fmt.Errorf("frame assignment %s: %w", n, err)
			}
			ids[m[1]] = id
		}
	}

	var frameIDs []int
	for _, n := range p.Names() {
		if m := frameNameRe.FindStringSubmatch(n); m != nil {
			id, _ := strconv.Atoi(m[1])
			frameIDs = append(frameIDs, id)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(frameIDs)))

	for _, id := range frameIDs {
		f, err := readFrame(p, id)
		if err != nil {
			return nil, err
		}
		if prev, ok := k.byName[f.Name]; ok {
			k.issues = append(k.issues, fmt.Sprintf("frame name %s is used by IDs %d and %d", f.Name, k.Frames[prev].ID, id))
		}
		if assigned, ok := ids[f.Name]; !ok {
			k.issues = append(k.issues, fmt.Sprintf("frame %s has no FRAME_%s assignment", f.Name, f.Name))
		} else if assigned != id {
			k.issues = append(k.issues, fmt.Sprintf("FRAME_%s = %d does not match FRAME_%d_NAME", f.Name, assigned, id))
		}
		k.byName[f.Name] = len(k.Frames)
		k.Frames = append(k.Frames, f)
	}
	owners := map[int][]string{}
	for name, id := range ids {
		owners[id] = append(owners[id], name)
		if _, ok := k.byName[name]; !ok {
			k.issues = append(k.issues, fmt.Sprintf("FRAME_%s = %d has no FRAME_%d_NAME definition", name, id, id))
		}
	}
	for id, names := range owners {
		if len(names) > 1 {
			sort.Strings(names)
			k.issues = append(k.issues, fmt.Sprintf("frame ID %d is assigned to %s", id, strings.Join(names, ", ")))
		}
	}

	if p.Has("NAIF_BODY_NAME") || p.Has("NAIF_BODY_CODE") {
		names, err := p.Strings("NAIF_BODY_NAME")
		if err != nil {
			return nil, err
		}
		codes, err := p.Numbers("NAIF_BODY_CODE")
		if err != nil {
			return nil, err
		}
		if len(names) != len(codes) {
			k.issues = append(k.issues, fmt.Sprintf("NAIF_BODY_NAME has %d entries but NAIF_BODY_CODE has %d", len(names), len(codes)))
		}
		for i := 0; i < len(names) && i < len(codes); i++ {
			k.Bodies = append(k.Bodies, Body{Name: normalizeBody(names[i]), Code: int(codes[i])})
		}
	}
	sort.Strings(k.issues)
	return k, nil
}

func hasFrameSuffix(s string) bool {
	for _, suffix := range []string{"_NAME", "_CLASS", "_CLASS_ID", "_CENTER"} {
		if strings.HasSuffix(s, suffix) {
			return true
		}
	}
	return false
}

// lookup finds a frame variable keyed by ID or, failing that, by name.
func lookup(p *pool.Pool, prefix string, id int, name, suffix string) (pool.Variable, bool) {
	if v, ok := p.Get(fmt.Sprintf("%s_%d_%s", prefix, id, suffix)); ok {
		return v, true
	}
	return p.Get(fmt.Sprintf("%s_%s_%s", prefix, name, suffix))
}

func intVar(v pool.Variable, key string) (int, error) {
	if v.IsString() || len(v.Numbers) != 1 {
		return 0, fmt.Errorf("%s must be a single number", key)
	}
	return int(v.Numbers[0]), nil
}

func readFrame(p *pool.Pool, id int) (Frame, error) {
	f := Frame{ID: id}
	var err error
	if f.Name, err = p.String(fmt.Sprintf("FRAME_%d_NAME", id)); err != nil {
		return f, err
	}
	for _, field := range []struct {
		suffix string
		dst    *int
	}{
		{"CLASS", &f.Class},
		{"CLASS_ID", &f.ClassID},
		{"CENTER", &f.Center},
	} {
		v, ok := lookup(p, "FRAME", id, f.Name, field.suffix)
		if !ok {
			return f, fmt.Errorf("frame %s (%d) has no %s", f.Name, id, field.suffix)
		}
		if *field.dst, err = intVar(v, "FRAME_"+f.Name+"_"+field.suffix); err != nil {
			return f, err
		}
	}

	switch f.Class {
	case ClassCK:
		if v, ok := lookup(p, "CK", f.ClassID, f.Name, "RELATIVE"); ok && v.IsString() && len(v.Strings) == 1 {
			f.Parent = v.Strings[0]
		}
		if v, ok := lookup(p, "CK", f.ClassID, f.Name, "SCLK"); ok {
			f.SCLK, _ = intVar(v, "CK_SCLK")
		}
		if v, ok := lookup(p, "CK", f.ClassID, f.Name, "SPK"); ok {
			f.SPK, _ = intVar(v, "CK_SPK")
		}
	case ClassTK:
		if err := readTK(p, &f); err != nil {
			return f, err
		}
	}
	return f, nil
}

func readTK(p *pool.Pool, f *Frame) error {
	rel, ok := lookup(p, "TKFRAME", f.ClassID, f.Name, "RELATIVE")
	if !ok || !rel.IsString() || len(rel.Strings) != 1 {
		return fmt.Errorf("TK frame %s has no RELATIVE frame", f.Name)
	}
	f.Parent = rel.Strings[0]

	spec, ok := lookup(p, "TKFRAME", f.ClassID, f.Name, "SPEC")
	if !ok || !spec.IsString() || len(spec.Strings) != 1 {
		return fmt.Errorf("TK frame %s has no SPEC", f.Name)
	}
	f.Spec = strings.ToUpper(spec.Strings[0])

	numbers := func(suffix string, want int) ([]float64, error) {
		v, ok := lookup(p, "TKFRAME", f.ClassID, f.Name, suffix)
		if !ok || v.IsString() {
			return nil, fmt.Errorf("TK frame %s has no numeric %s", f.Name, suffix)
		}
		if len(v.Numbers) != want {
			return nil, fmt.Errorf("TK frame %s %s has %d values, want %d", f.Name, suffix, len(v.Numbers), want)
		}
		return v.Numbers, nil
	}

	switch f.Spec {
	case "MATRIX":
		m, err := numbers("MATRIX", 9)
		if err != nil {
			return err
		}
		// Column order.
		f.ToParent = mat.NewDense(3, 3, nil)
		for c := 0; c < 3; c++ {
			for r := 0; r < 3; r++ {
				f.ToParent.Set(r, c, m[3*c+r])
			}
		}
	case "QUATERNION":
		q, err := numbers("Q", 4)
		if err != nil {
			return err
		}
		f.Quaternion = quat.Number{Real: q[0], Imag: q[1], Jmag: q[2], Kmag: q[3]}
		f.ToParent = QuaternionMatrix(f.Quaternion)
	case "ANGLES":
		angles, err := numbers("ANGLES", 3)
		if err != nil {
			return err
		}
		axesF, err := numbers("AXES", 3)
		if err != nil {
			return err
		}
		units := "RADIANS"
		if v, ok := lookup(p, "TKFRAME", f.ClassID, f.Name, "UNITS"); ok && v.IsString() && len(v.Strings) == 1 {
			units = strings.ToUpper(v.Strings[0])
		}
		scale, ok := angleUnits[units]
		if !ok {
			return fmt.Errorf("TK frame %s has unsupported UNITS %s", f.Name, units)
		}
		var axes [3]int
		for i, a := range axesF {
			axes[i] = int(a)
			if axes[i] < 1 || axes[i] > 3 {
				return fmt.Errorf("TK frame %s has invalid axis %v", f.Name, a)
			}
		}
		// The angles define the rotation from the parent to this frame:
		// [a3]axis3 [a2]axis2 [a1]axis1. ToParent is its transpose.
		fromParent := EulerMatrix(
			[3]float64{angles[0] * scale, angles[1] * scale, angles[2] * scale}, axes)
		f.ToParent = mat.DenseCopyOf(fromParent.T())
	default:
		return fmt.Errorf("TK frame %s has unsupported SPEC %s", f.Name, f.Spec)
	}
	return nil
}

var angleUnits = map[string]float64{
	"RADIANS":     1,
	"DEGREES":     math.Pi / 180,
	"ARCMINUTES":  math.Pi / (180 * 60),
	"ARCSECONDS":  math.Pi / (180 * 3600),
	"HOURANGLE":   math.Pi / 12,
	"MINUTEANGLE": math.Pi / (12 * 60),
	"SECONDANGLE": math.Pi / (12 * 3600),
}

// Frame returns the named frame.
func (k *Kernel) Frame(name string) (Frame, bool) {
	i, ok := k.byName[name]
	if !ok {
		return Frame{}, false
	}
	return k.Frames[i], true
}

// FrameByID returns the frame with the given ID.
func (k *Kernel) FrameByID(id int) (Frame, bool) {
	for _, f := range k.Frames {
		if f.ID == id {
			return f, true
		}
	}
	return Frame{}, false
}

func normalizeBody(name string) string {
	return strings.Join(strings.Fields(strings.ToUpper(name)), " ")
}

// BodyID returns the NAIF ID mapped to a body name. Names compare
// case-insensitively with runs of blanks collapsed; the last assignment wins.
func (k *Kernel) BodyID(name string) (int, bool) {
	name = normalizeBody(name)
	for i := len(k.Bodies) - 1; i >= 0; i-- {
		if k.Bodies[i].Name == name {
			return k.Bodies[i].Code, true
		}
	}
	return 0, false
}

// BodyName returns the most recently assigned name for id.
func (k *Kernel) BodyName(id int) (string, bool) {
	for i := len(k.Bodies) - 1; i >= 0; i-- {
		if k.Bodies[i].Code == id {
			return k.Bodies[i].Name, true
		}
	}
	return "", false
}

// Children returns the frames whose parent is name, in kernel order.
func (k *Kernel) Children(name string) []Frame {
	var out []Frame
	for _, f := range k.Frames {
		if f.Parent == name {
			out = append(out, f)
		}
	}
	return out
}
