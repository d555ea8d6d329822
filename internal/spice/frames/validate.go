package frames

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/num/quat"
)

const rotationTolerance = 1e-6

// ValidationError lists every consistency problem found in a frames kernel.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("frames kernel has %d problem(s):\n  %s", len(e.Issues), strings.Join(e.Issues, "\n  "))
}

// Validate checks the frame set:
//   - frame IDs are negative and each ID and name is defined once;
//   - FRAME_<name> assignments agree with FRAME_<id>_NAME;
//   - only class 3 and class 4 frames are defined;
//   - every declared parent is defined in the kernel or is a built-in frame,
//     and following parents never loops;
//   - at most one frame hangs off a built-in frame, it is a C-kernel frame
//     and its parent is inertial;
//   - without such a frame, some C-kernel frame takes its base frame from
//     its C-kernel segments;
//   - fixed offsets are proper rotations and quaternions have unit length;
//   - C-kernel frames name their SCLK and SPK IDs;
//   - spacecraft-defined centers are mapped in NAIF_BODY_NAME/CODE.
//
// It returns nil or a *ValidationError.
func (k *Kernel) Validate() error {
	issues := append([]string(nil), k.issues...)
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	var roots []Frame
	ckRoots := 0
	for _, f := range k.Frames {
		if f.ID >= 0 {
			add("frame %s has non-negative ID %d", f.Name, f.ID)
		}
		if f.Class != ClassCK && f.Class != ClassTK {
			add("frame %s has unsupported class %d", f.Name, f.Class)
		}
		switch {
		case f.RuntimeParent():
			ckRoots++
		case f.Parent == "":
			add("frame %s does not declare a parent frame", f.Name)
		case f.Parent == f.Name:
			add("frame %s is its own parent", f.Name)
		default:
			if _, ok := k.Frame(f.Parent); !ok {
				if IsBuiltin(f.Parent) {
					roots = append(roots, f)
				} else {
					add("frame %s refers to undefined frame %s", f.Name, f.Parent)
				}
			}
		}
		if _, err := k.ancestors(f.Name); err != nil {
			add("frame %s: %v", f.Name, err)
		}

		switch f.Class {
		case ClassTK:
			if f.Spec == "QUATERNION" {
				if n := quat.Abs(f.Quaternion); math.Abs(n-1) > rotationTolerance {
					add("frame %s quaternion has norm %.9f", f.Name, n)
				}
			} else if f.ToParent != nil && !IsRotation(f.ToParent, rotationTolerance) {
				add("frame %s offset is not a proper rotation", f.Name)
			}
		case ClassCK:
			if f.SCLK == 0 {
				add("C-kernel frame %s has no CK_%d_SCLK", f.Name, f.ClassID)
			}
			if f.SPK == 0 {
				add("C-kernel frame %s has no CK_%d_SPK", f.Name, f.ClassID)
			}
		}
		if f.Center < 0 {
			if _, ok := k.BodyName(f.Center); !ok {
				add("frame %s center %d has no NAIF_BODY_NAME mapping", f.Name, f.Center)
			}
		}
	}

	switch len(roots) {
	case 0:
		if len(k.Frames) > 0 && ckRoots == 0 {
			add("no frame is attached to a built-in frame or oriented by a C-kernel")
		}
	case 1:
		root := roots[0]
		if root.Class != ClassCK {
			add("root frame %s should be a C-kernel frame, found class %d", root.Name, root.Class)
		}
		if !IsInertial(root.Parent) {
			add("root frame %s is attached to non-inertial frame %s", root.Name, root.Parent)
		}
	default:
		names := make([]string, len(roots))
		for i, r := range roots {
			names[i] = r.Name
		}
		add("frame tree has %d roots: %s", len(roots), strings.Join(names, ", "))
	}

	if len(issues) == 0 {
		return nil
	}
	sort.Strings(issues)
	return &ValidationError{Issues: issues}
}

// Root returns the frame attached to a built-in frame if there is exactly
// one. Otherwise it returns the C-kernel frame whose base frame comes from
// its segments, again only when there is exactly one.
func (k *Kernel) Root() (Frame, bool) {
	var attached, ckFrames []Frame
	for _, f := range k.Frames {
		if f.RuntimeParent() {
			ckFrames = append(ckFrames, f)
		} else if _, ok := k.Frame(f.Parent); !ok && IsBuiltin(f.Parent) {
			attached = append(attached, f)
		}
	}
	switch {
	case len(attached) == 1:
		return attached[0], true
	case len(attached) == 0 && len(ckFrames) == 1:
		return ckFrames[0], true
	}
	return Frame{}, false
}

// Tree renders the frame hierarchy starting at the built-in frames, one
// frame per line, indented by depth.
func (k *Kernel) Tree() string {
	var b strings.Builder
	var tops []string
	seen := map[string]bool{}
	for _, f := range k.Frames {
		if _, ok := k.Frame(f.Parent); !ok && !seen[f.Parent] {
			seen[f.Parent] = true
			tops = append(tops, f.Parent)
		}
	}
	sort.Strings(tops)

	var walk func(name string, depth int)
	visited := map[string]bool{}
	walk = func(name string, depth int) {
		for _, c := range k.Children(name) {
			if visited[c.Name] {
				continue
			}
			visited[c.Name] = true
			kind := "ck"
			if c.Fixed() {
				kind = "fixed " + strings.ToLower(c.Spec)
			}
			fmt.Fprintf(&b, "%s%s (%d, %s)\n", strings.Repeat("  ", depth), c.Name, c.ID, kind)
			walk(c.Name, depth+1)
		}
	}
	for _, top := range tops {
		label := top
		if top == "" {
			label = "(C-kernel base frame)"
		}
		fmt.Fprintln(&b, label)
		walk(top, 1)
	}
	return b.String()
}
