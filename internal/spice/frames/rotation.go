package frames

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// ErrTimeDependent is returned when a rotation passes through a C-kernel
// frame and so cannot be evaluated from the frames kernel alone.
var ErrTimeDependent = errors.New("rotation depends on C-kernel data")

// QuaternionMatrix returns the rotation matrix of a unit quaternion with the
// scalar part first. The matrix rotates vectors by the quaternion's angle
// about its axis.
func QuaternionMatrix(q quat.Number) *mat.Dense {
	m := mat.NewDense(3, 3, nil)
	basis := []quat.Number{{Imag: 1}, {Jmag: 1}, {Kmag: 1}}
	for c, e := range basis {
		r := quat.Mul(quat.Mul(q, e), quat.Conj(q))
		m.Set(0, c, r.Imag)
		m.Set(1, c, r.Jmag)
		m.Set(2, c, r.Kmag)
	}
	return m
}

// AxisRotation returns the frame rotation matrix [angle]axis, which
// expresses a vector in a frame rotated by angle radians about the given
// coordinate axis (1, 2 or 3).
func AxisRotation(axis int, angle float64) *mat.Dense {
	c, s := math.Cos(angle), math.Sin(angle)
	switch axis {
	case 1:
		return mat.NewDense(3, 3, []float64{
			1, 0, 0,
			0, c, s,
			0, -s, c,
		})
	case 2:
		return mat.NewDense(3, 3, []float64{
			c, 0, -s,
			0, 1, 0,
			s, 0, c,
		})
	default:
		return mat.NewDense(3, 3, []float64{
			c, s, 0,
			-s, c, 0,
			0, 0, 1,
		})
	}
}

// EulerMatrix returns [angles[2]]axes[2] [angles[1]]axes[1] [angles[0]]axes[0].
func EulerMatrix(angles [3]float64, axes [3]int) *mat.Dense {
	var m mat.Dense
	m.Mul(AxisRotation(axes[1], angles[1]), AxisRotation(axes[0], angles[0]))
	var out mat.Dense
	out.Mul(AxisRotation(axes[2], angles[2]), &m)
	return &out
}

// IsRotation reports whether m is orthonormal with determinant +1 to within tol.
func IsRotation(m mat.Matrix, tol float64) bool {
	r, c := m.Dims()
	if r != 3 || c != 3 {
		return false
	}
	var mtm mat.Dense
	mtm.Mul(m.T(), m)
	if !mat.EqualApprox(&mtm, eye(), tol) {
		return false
	}
	return math.Abs(mat.Det(m)-1) <= tol
}

func eye() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

// ancestors returns the chain from name to its root: name, parent, ... The
// last element is a frame with no declared parent or a frame not defined in
// the kernel.
func (k *Kernel) ancestors(name string) ([]string, error) {
	chain := []string{name}
	seen := map[string]bool{name: true}
	for {
		f, ok := k.Frame(chain[len(chain)-1])
		if !ok || f.Parent == "" {
			return chain, nil
		}
		if seen[f.Parent] {
			return nil, fmt.Errorf("frame %s is part of a cycle", f.Parent)
		}
		seen[f.Parent] = true
		chain = append(chain, f.Parent)
	}
}

// Rotation returns the matrix that rotates vectors expressed in frame from
// into frame to. Every frame on the path between them must be a fixed
// offset frame.
func (k *Kernel) Rotation(from, to string) (*mat.Dense, error) {
	for _, name := range []string{from, to} {
		if _, ok := k.Frame(name); !ok && !IsBuiltin(name) {
			return nil, fmt.Errorf("unknown frame %s", name)
		}
	}
	up, err := k.ancestors(from)
	if err != nil {
		return nil, err
	}
	down, err := k.ancestors(to)
	if err != nil {
		return nil, err
	}
	inDown := map[string]int{}
	for i, n := range down {
		inDown[n] = i
	}
	common := -1
	for i, n := range up {
		if _, ok := inDown[n]; ok {
			common = i
			break
		}
	}
	if common < 0 {
		return nil, fmt.Errorf("frames %s and %s are not connected", from, to)
	}

	fromToCommon, err := k.chainMatrix(up[:common])
	if err != nil {
		return nil, err
	}
	toToCommon, err := k.chainMatrix(down[:inDown[up[common]]])
	if err != nil {
		return nil, err
	}
	var out mat.Dense
	out.Mul(toToCommon.T(), fromToCommon)
	return &out, nil
}

// chainMatrix composes ToParent along frames, each the child of the next.
func (k *Kernel) chainMatrix(frames []string) (*mat.Dense, error) {
	m := eye()
	for _, name := range frames {
		f, _ := k.Frame(name)
		if !f.Fixed() {
			return nil, fmt.Errorf("%w: %s is a class %d frame", ErrTimeDependent, name, f.Class)
		}
		var next mat.Dense
		next.Mul(f.ToParent, m)
		m = &next
	}
	return m, nil
}

// Transform rotates v from frame from into frame to.
func (k *Kernel) Transform(from, to string, v [3]float64) ([3]float64, error) {
	m, err := k.Rotation(from, to)
	if err != nil {
		return [3]float64{}, err
	}
	var out mat.VecDense
	out.MulVec(m, mat.NewVecDense(3, v[:]))
	return [3]float64{out.AtVec(0), out.AtVec(1), out.AtVec(2)}, nil
}
