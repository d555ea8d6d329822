package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConfig(t *testing.T, env map[string]string) *Config {
	t.Helper()
	c, err := New()
	require.NoError(t, err)
	c.Getenv = func(k string) string { return env[k] }
	c.SetPackageRoot("/opt/libera")
	return c
}

func TestGetDefaults(t *testing.T) {
	c := newTestConfig(t, nil)

	v, err := c.Get("JPSS_SC_ID")
	require.NoError(t, err)
	assert.Equal(t, int64(-143), v)

	s, err := c.String("LIBERA_DB_HOST")
	require.NoError(t, err)
	assert.Equal(t, "localhost", s)
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	c := newTestConfig(t, map[string]string{"LIBERA_DB_HOST": "local-db"})

	s, err := c.String("LIBERA_DB_HOST")
	require.NoError(t, err)
	assert.Equal(t, "local-db", s)
}

func TestNumericParsing(t *testing.T) {
	c := newTestConfig(t, map[string]string{
		"A_FLOAT":   "-12.5",
		"A_WHOLE":   "2.0",
		"AN_EXP":    "1e3",
		"NOT_A_NUM": "12abc",
	})

	tests := []struct {
		key  string
		want any
	}{
		{"A_FLOAT", -12.5},
		{"A_WHOLE", int64(2)},
		{"AN_EXP", int64(1000)},
		{"NOT_A_NUM", "12abc"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			v, err := c.Get(tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestSubstitution(t *testing.T) {
	c := newTestConfig(t, map[string]string{
		"SUB_PARTIAL": "sc{JPSS_SC_ID}.txt",
		"SUB_WHOLE":   "{JPSS_SC_ID}",
		"SUB_ESCAPED": "{{literal}}",
	})

	v, err := c.Get("SUB_PARTIAL")
	require.NoError(t, err)
	assert.Equal(t, "sc-143.txt", v)

	v, err = c.Get("SUB_WHOLE")
	require.NoError(t, err)
	assert.Equal(t, int64(-143), v)

	v, err = c.Get("SUB_ESCAPED")
	require.NoError(t, err)
	assert.Equal(t, "{literal}", v)

	s, err := c.String("JPSS_SCLK")
	require.NoError(t, err)
	assert.Equal(t, "/opt/libera/data/spice/libera_jpss_sclk_v00.tsc", s)

	s, err = c.String("LIBERA_DB_PATH")
	require.NoError(t, err)
	assert.Equal(t, "libera.sqlite3", s)
}

func TestSubstitutionInsideMaps(t *testing.T) {
	c := newTestConfig(t, nil)

	m, err := c.MapValue("MKSPK_SETUPFILE_CONTENTS")
	require.NoError(t, err)
	assert.Equal(t, "INPUT_DATA_TYPE", m.Keys()[0])

	obj, ok := m.Get("OBJECT_ID")
	require.True(t, ok)
	assert.Equal(t, int64(-143), obj)

	units, ok := m.Get("INPUT_DATA_UNITS")
	require.True(t, ok)
	assert.Equal(t, []string{"ANGLES", "DISTANCES"}, units.(*Map).Keys())

	ck, err := c.MapValue("MSOPCK_SETUPFILE_CONTENTS")
	require.NoError(t, err)
	sclk, _ := ck.Get("SCLK_FILE_NAME")
	assert.Equal(t, "/opt/libera/data/spice/libera_jpss_sclk_v00.tsc", sclk)
}

func TestMissingKey(t *testing.T) {
	c := newTestConfig(t, nil)
	_, err := c.Get("DEFINITELY_NOT_CONFIGURED")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestBadTemplate(t *testing.T) {
	c := newTestConfig(t, map[string]string{"BROKEN": "abc{def"})
	_, err := c.Get("BROKEN")
	assert.Error(t, err)
}

func TestSubstitutionCycle(t *testing.T) {
	c := newTestConfig(t, map[string]string{"LOOP_A": "{LOOP_B}", "LOOP_B": "{LOOP_A}"})
	_, err := c.Get("LOOP_A")
	assert.Error(t, err)
}

func TestPackageRoot(t *testing.T) {
	c := newTestConfig(t, nil)
	v, err := c.Get(PkgRootKey)
	require.NoError(t, err)
	assert.Equal(t, "/opt/libera", v)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "override.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"LIBERA_DB_NAME": "sdp_test", "NEW_KEY": [1, "{LIBERA_DB_NAME}"]}`), 0o644))

	c := newTestConfig(t, nil)
	require.NoError(t, c.LoadFile(path))

	s, err := c.String("LIBERA_DB_PATH")
	require.NoError(t, err)
	assert.Equal(t, "sdp_test.sqlite3", s)

	v, err := c.Get("NEW_KEY")
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), "sdp_test"}, v)

	require.NoError(t, c.ForceReload())
	s, err = c.String("LIBERA_DB_NAME")
	require.NoError(t, err)
	assert.Equal(t, "libera", s)
}

func TestLoadFileRejectsNonJSON(t *testing.T) {
	c := newTestConfig(t, nil)
	err := c.LoadFile(filepath.Join(t.TempDir(), "config.yaml"))
	assert.ErrorContains(t, err, ".json extension")
}

func TestMapRoundTripKeepsOrder(t *testing.T) {
	var m Map
	require.NoError(t, m.UnmarshalJSON([]byte(`{"z": 1, "a": {"y": true, "b": null}, "m": [1.5, "x"]}`)))
	assert.Equal(t, []string{"z", "a", "m"}, m.Keys())

	out, err := m.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"z": 1, "a": {"y": true, "b": null}, "m": [1.5, "x"]}`, string(out))
	assert.Equal(t, `{"z":1,"a":{"y":true,"b":null},"m":[1.5,"x"]}`, string(out))
}
