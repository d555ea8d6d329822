package frames

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/libera-sdc/libera-utils/internal/pkgdata"
)

func liberaKernel(t *testing.T) *Kernel {
	t.Helper()
	data, err := pkgdata.ReadFile(pkgdata.FrameKernel)
	require.NoError(t, err)
	k, err := Parse(bytes.NewReader(data), pkgdata.FrameKernel)
	require.NoError(t, err)
	return k
}

func TestLiberaFrameKernelIsValid(t *testing.T) {
	k := liberaKernel(t)
	require.NoError(t, k.Validate())
	assert.Len(t, k.Frames, 6)

	root, ok := k.Root()
	require.True(t, ok)
	assert.Equal(t, "JPSS_SPACECRAFT", root.Name)
	assert.Equal(t, "J2000", root.Parent)
	assert.Equal(t, -143, root.SCLK)
	assert.Equal(t, -143, root.SPK)

	cam, ok := k.Frame("LIBERA_WFOV_CAMERA")
	require.True(t, ok)
	assert.Equal(t, -143400, cam.ID)
	assert.Equal(t, "ANGLES", cam.Spec)
	assert.True(t, cam.Fixed())

	byID, ok := k.FrameByID(-143300)
	require.True(t, ok)
	assert.Equal(t, "LIBERA_ELEVATION_MECHANISM", byID.Name)
	assert.Equal(t, "LIBERA_AZIMUTH_MECHANISM", byID.Parent)
}

func TestBodyNames(t *testing.T) {
	k := liberaKernel(t)
	id, ok := k.BodyID("  libera ")
	require.True(t, ok)
	assert.Equal(t, -143100, id)

	name, ok := k.BodyName(-143)
	require.True(t, ok)
	assert.Equal(t, "JPSS", name)

	_, ok = k.BodyID("TERRA")
	assert.False(t, ok)
}

func TestCameraRotation(t *testing.T) {
	k := liberaKernel(t)
	m, err := k.Rotation("LIBERA_WFOV_CAMERA", "JPSS_SPACECRAFT")
	require.NoError(t, err)
	want := mat.NewDense(3, 3, []float64{1, 0, 0, 0, -1, 0, 0, 0, -1})
	assert.True(t, mat.EqualApprox(m, want, 1e-12), "got\n%v", mat.Formatted(m))

	inverse, err := k.Rotation("JPSS_SPACECRAFT", "LIBERA_WFOV_CAMERA")
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(inverse, want, 1e-12))

	v, err := k.Transform("LIBERA_WFOV_CAMERA", "LIBERA_BASE", [3]float64{0, 0, 1})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 0, -1}, v[:], 1e-12)
}

func TestRotationThroughCKFrame(t *testing.T) {
	k := liberaKernel(t)
	_, err := k.Rotation("LIBERA_SW_RADIOMETER", "LIBERA_BASE")
	assert.ErrorIs(t, err, ErrTimeDependent)

	_, err = k.Rotation("LIBERA_WFOV_CAMERA", "J2000")
	assert.ErrorIs(t, err, ErrTimeDependent)

	_, err = k.Rotation("LIBERA_WFOV_CAMERA", "NOT_A_FRAME")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrTimeDependent))
}

func TestTree(t *testing.T) {
	k := liberaKernel(t)
	want := `J2000
  JPSS_SPACECRAFT (-143000, ck)
    LIBERA_BASE (-143100, fixed quaternion)
      LIBERA_AZIMUTH_MECHANISM (-143200, ck)
        LIBERA_ELEVATION_MECHANISM (-143300, ck)
          LIBERA_SW_RADIOMETER (-143310, fixed matrix)
      LIBERA_WFOV_CAMERA (-143400, fixed angles)
`
	assert.Equal(t, want, k.Tree())
}

func TestQuaternionMatrix(t *testing.T) {
	half := math.Pi / 4
	q := quat.Number{Real: math.Cos(half), Kmag: math.Sin(half)}
	m := QuaternionMatrix(q)
	// 90 degrees about +Z takes +X to +Y.
	assert.InDelta(t, 0, m.At(0, 0), 1e-12)
	assert.InDelta(t, 1, m.At(1, 0), 1e-12)
	assert.True(t, IsRotation(m, 1e-12))
}

func TestAxisRotation(t *testing.T) {
	m := AxisRotation(3, math.Pi/2)
	var v mat.VecDense
	v.MulVec(m, mat.NewVecDense(3, []float64{1, 0, 0}))
	assert.InDeltaSlice(t, []float64{0, -1, 0}, v.RawVector().Data, 1e-12)

	assert.False(t, IsRotation(mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, -1}), 1e-9))
	assert.False(t, IsRotation(mat.NewDense(2, 2, []float64{1, 0, 0, 1}), 1e-9))
}

const minimalFK = `KPL/FK

\begindata
   FRAME_SC                 = -100000
   FRAME_-100000_NAME       = 'SC'
   FRAME_-100000_CLASS      = 3
   FRAME_-100000_CLASS_ID   = -100000
   FRAME_-100000_CENTER     = -100
   CK_-100000_SCLK          = -100
   CK_-100000_SPK           = -100
   CK_-100000_RELATIVE      = 'J2000'

   FRAME_INST               = -100100
   FRAME_-100100_NAME       = 'INST'
   FRAME_-100100_CLASS      = 4
   FRAME_-100100_CLASS_ID   = -100100
   FRAME_-100100_CENTER     = -100
   TKFRAME_-100100_RELATIVE = 'SC'
   TKFRAME_-100100_SPEC     = 'QUATERNION'
   TKFRAME_-100100_Q        = ( 1 0 0 0 )

   NAIF_BODY_NAME          += 'SAT'
   NAIF_BODY_CODE          += -100
\begintext
`

func validationIssues(t *testing.T, text string) []string {
	t.Helper()
	k, err := Parse(strings.NewReader(text), "test.tf")
	require.NoError(t, err)
	err = k.Validate()
	if err == nil {
		return nil
	}
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "unexpected error type %T", err)
	return verr.Issues
}

func TestValidateMinimalKernel(t *testing.T) {
	assert.Empty(t, validationIssues(t, minimalFK))
}

func TestValidateReportsProblems(t *testing.T) {
	tests := []struct {
		name    string
		old     string
		new     string
		wantMsg string
	}{
		{
			name:    "positive id",
			old:     "-100100",
			new:     "100100",
			wantMsg: "frame INST has non-negative ID 100100",
		},
		{
			name:    "unknown relative",
			old:     "TKFRAME_-100100_RELATIVE = 'SC'",
			new:     "TKFRAME_-100100_RELATIVE = 'NOPE'",
			wantMsg: "frame INST refers to undefined frame NOPE",
		},
		{
			name:    "non-unit quaternion",
			old:     "( 1 0 0 0 )",
			new:     "( 2 0 0 0 )",
			wantMsg: "frame INST quaternion has norm 2.000000000",
		},
		{
			name:    "cycle",
			old:     "CK_-100000_RELATIVE      = 'J2000'",
			new:     "CK_-100000_RELATIVE      = 'INST'",
			wantMsg: "part of a cycle",
		},
		{
			name:    "two roots",
			old:     "TKFRAME_-100100_RELATIVE = 'SC'",
			new:     "TKFRAME_-100100_RELATIVE = 'J2000'",
			wantMsg: "frame tree has 2 roots: SC, INST",
		},
		{
			name:    "non-inertial root",
			old:     "CK_-100000_RELATIVE      = 'J2000'",
			new:     "CK_-100000_RELATIVE      = 'ITRF93'",
			wantMsg: "root frame SC is attached to non-inertial frame ITRF93",
		},
		{
			name:    "missing sclk",
			old:     "CK_-100000_SCLK          = -100\n",
			new:     "",
			wantMsg: "C-kernel frame SC has no CK_-100000_SCLK",
		},
		{
			name:    "mismatched assignment",
			old:     "FRAME_INST               = -100100",
			new:     "FRAME_INST               = -100200",
			wantMsg: "FRAME_INST = -100200 does not match FRAME_-100100_NAME",
		},
		{
			name:    "unmapped center",
			old:     "NAIF_BODY_CODE          += -100",
			new:     "NAIF_BODY_CODE          += -101",
			wantMsg: "frame SC center -100 has no NAIF_BODY_NAME mapping",
		},
		{
			name: "reflection matrix",
			old:  "TKFRAME_-100100_SPEC     = 'QUATERNION'",
			new: "TKFRAME_-100100_SPEC     = 'MATRIX'\n" +
				"   TKFRAME_-100100_MATRIX   = ( 1 0 0 0 1 0 0 0 -1 )",
			wantMsg: "frame INST offset is not a proper rotation",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text := strings.ReplaceAll(minimalFK, tt.old, tt.new)
			require.NotEqual(t, minimalFK, text, "replacement did not apply")
			issues := validationIssues(t, text)
			require.NotEmpty(t, issues)
			found := false
			for _, issue := range issues {
				if strings.Contains(issue, tt.wantMsg) {
					found = true
				}
			}
			assert.True(t, found, "no issue containing %q in %q", tt.wantMsg, issues)
		})
	}
}

// Frame kernels usually leave the base frame of a C-kernel frame to the
// C-kernel segments.
const busFK = `KPL/FK
\begindata
   FRAME_SC_BUS             = -200000
   FRAME_-200000_NAME       = 'SC_BUS'
   FRAME_-200000_CLASS      = 3
   FRAME_-200000_CLASS_ID   = -200000
   FRAME_-200000_CENTER     = -200
   CK_-200000_SCLK          = -200
   CK_-200000_SPK           = -200

   FRAME_SC_INST            = -200100
   FRAME_-200100_NAME       = 'SC_INST'
   FRAME_-200100_CLASS      = 4
   FRAME_-200100_CLASS_ID   = -200100
   FRAME_-200100_CENTER     = -200
   TKFRAME_-200100_RELATIVE = 'SC_BUS'
   TKFRAME_-200100_SPEC     = 'ANGLES'
   TKFRAME_-200100_UNITS    = 'DEGREES'
   TKFRAME_-200100_ANGLES   = ( 0 0 90 )
   TKFRAME_-200100_AXES     = ( 1 2 3 )

   NAIF_BODY_NAME          += 'BUS SAT'
   NAIF_BODY_CODE          += -200
\begintext
`

func TestValidateCKFrameWithoutRelative(t *testing.T) {
	assert.Empty(t, validationIssues(t, busFK))

	k, err := Parse(strings.NewReader(busFK), "bus.tf")
	require.NoError(t, err)
	root, ok := k.Root()
	require.True(t, ok)
	assert.Equal(t, "SC_BUS", root.Name)
	assert.True(t, root.RuntimeParent())
	assert.Equal(t, "(C-kernel base frame)\n  SC_BUS (-200000, ck)\n    SC_INST (-200100, fixed angles)\n", k.Tree())

	_, err = k.Rotation("SC_INST", "SC_BUS")
	assert.NoError(t, err)

	// A TK frame tied to the bus and a second frame tied to J2000 still
	// leave one attached root, which must be a C-kernel frame.
	issues := validationIssues(t, strings.ReplaceAll(busFK, "TKFRAME_-200100_RELATIVE = 'SC_BUS'", "TKFRAME_-200100_RELATIVE = 'J2000'"))
	assert.Contains(t, issues, "root frame SC_INST should be a C-kernel frame, found class 4")
}

func TestParseStructuralErrors(t *testing.T) {
	tests := map[string][2]string{
		"unsupported spec": {"'QUATERNION'", "'EULER'"},
		"short quaternion": {"( 1 0 0 0 )", "( 1 0 0 )"},
		"missing class":    {"FRAME_-100100_CLASS      = 4\n", ""},
		"missing relative": {"TKFRAME_-100100_RELATIVE = 'SC'\n", ""},
	}
	for name, r := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(strings.ReplaceAll(minimalFK, r[0], r[1])), "bad.tf")
			assert.Error(t, err)
		})
	}
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Issues: []string{"a", "b"}}
	assert.Equal(t, "frames kernel has 2 problem(s):\n  a\n  b", err.Error())
}
