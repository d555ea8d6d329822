package ccsds_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libera-sdc/libera-utils/internal/ccsds"
	"github.com/libera-sdc/libera-utils/internal/ccsds/ccsdstest"
	"github.com/libera-sdc/libera-utils/internal/observability"
	"github.com/libera-sdc/libera-utils/internal/pkgdata"
	"github.com/libera-sdc/libera-utils/internal/smartio"
)

var epoch = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func geolocationDefinition(t *testing.T) *ccsds.Definition {
	t.Helper()
	data, err := pkgdata.ReadFile(pkgdata.GeolocationXTCE)
	require.NoError(t, err)
	def, err := ccsds.ParseDefinition(data)
	require.NoError(t, err)
	return def
}

func TestGeolocationDefinition(t *testing.T) {
	def := geolocationDefinition(t)
	assert.Equal(t, "JPSS_GEOLOCATION", def.Name)
	require.Len(t, def.Flattened, 1)
	flat := def.Flattened[0]
	assert.Equal(t, "JPSS_GEOLOCATION", flat.Name)
	assert.Equal(t, []ccsds.Comparison{{Parameter: "PKT_APID", Value: "11", Calibrated: false}}, flat.Restrictions)
	require.Len(t, flat.Entries, 26)
	for i, name := range ccsds.HeaderFields {
		assert.Equal(t, name, flat.Entries[i].Name)
	}
	assert.Equal(t, "ADCFAQ4", flat.Entries[25].Name)
	assert.Equal(t, "m", def.Parameters["ADGPSPOSX"].Type.Unit())
}

func TestParseGeolocationStream(t *testing.T) {
	metrics, err := observability.NewCollector(prometheus.NewRegistry())
	require.NoError(t, err)
	p := ccsds.NewParser(geolocationDefinition(t))
	p.Metrics = metrics

	track := ccsdstest.Track(epoch, 2)
	stream := ccsdstest.Stream(
		track[0].Encode(),
		ccsdstest.Packet(5, 0, []byte{1, 2, 3, 4}),
		track[1].Encode(),
	)
	packets, err := p.Parse(stream)
	require.NoError(t, err)
	require.Len(t, packets, 2)
	assert.Equal(t, float64(2), promtest.ToFloat64(metrics.PacketsParsed.WithLabelValues("11")))
	assert.Equal(t, float64(1), promtest.ToFloat64(metrics.PacketsSkipped.WithLabelValues("unrecognized")))

	pkt := packets[1]
	assert.Equal(t, "JPSS_GEOLOCATION", pkt.Container)
	assert.Equal(t, 11, pkt.APID())
	require.Len(t, pkt.Header, 7)
	require.Len(t, pkt.Data, 19)
	seq, ok := pkt.Get("SRC_SEQ_CTR")
	require.True(t, ok)
	assert.Equal(t, int64(1), seq.Raw)
	x, _ := pkt.Get("ADGPSPOSX")
	assert.Equal(t, 7000e3+1, x.Value())
	assert.Equal(t, "m", x.Unit)
	days, _ := pkt.Get("ADAET1DAY")
	assert.Equal(t, int64(24107), days.Raw)
	q, _ := pkt.Get("ADCFAQ4")
	assert.Equal(t, float64(1), q.Value())
}

func TestTableFromPackets(t *testing.T) {
	p := ccsds.NewParser(geolocationDefinition(t))
	packets, err := p.Parse(ccsdstest.EncodeTrack(ccsdstest.Track(epoch, 3)))
	require.NoError(t, err)

	table, err := ccsds.FromPackets(packets, ccsds.AnyAPID)
	require.NoError(t, err)
	assert.Equal(t, 11, table.APID)
	assert.Equal(t, 3, table.Len())
	assert.Equal(t, "VERSION", table.Columns[0])
	assert.Equal(t, 26, len(table.Columns))

	vz, err := table.Float64s("ADGPSVELZ")
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 10, 20}, vz)

	ms, err := table.Int64s("ADAET2MS")
	require.NoError(t, err)
	assert.Equal(t, []int64{11045000, 11046000, 11047000}, ms)

	_, err = table.Column("NOPE")
	assert.Error(t, err)
	_, err = table.Int64s("ADGPSPOSX")
	assert.Error(t, err)

	_, err = ccsds.FromPackets(packets, 12)
	assert.ErrorContains(t, err, "APID 12 not present")
	_, err = ccsds.FromPackets(nil, ccsds.AnyAPID)
	assert.ErrorIs(t, err, ccsds.ErrNoPackets)
}

// A definition with two concrete packets, exercising every parameter type.
const testDefinition = `<?xml version="1.0" encoding="UTF-8"?>
<SpaceSystem xmlns="http://www.omg.org/space/xtce" name="TEST">
  <TelemetryMetaData>
    <ParameterTypeSet>
      <IntegerParameterType name="U1"><IntegerDataEncoding sizeInBits="1"/></IntegerParameterType>
      <IntegerParameterType name="U2"><IntegerDataEncoding sizeInBits="2"/></IntegerParameterType>
      <IntegerParameterType name="U3"><IntegerDataEncoding sizeInBits="3"/></IntegerParameterType>
      <IntegerParameterType name="U4"><IntegerDataEncoding sizeInBits="4"/></IntegerParameterType>
      <IntegerParameterType name="U8"><IntegerDataEncoding sizeInBits="8"/></IntegerParameterType>
      <IntegerParameterType name="U11"><IntegerDataEncoding sizeInBits="11"/></IntegerParameterType>
      <IntegerParameterType name="U14"><IntegerDataEncoding sizeInBits="14"/></IntegerParameterType>
      <IntegerParameterType name="U16"><IntegerDataEncoding sizeInBits="16"/></IntegerParameterType>
      <IntegerParameterType name="S12"><IntegerDataEncoding sizeInBits="12" encoding="twosComplement"/></IntegerParameterType>
      <IntegerParameterType name="SM8"><IntegerDataEncoding sizeInBits="8" encoding="signMagnitude"/></IntegerParameterType>
      <IntegerParameterType name="CAL">
        <UnitSet><Unit>V</Unit></UnitSet>
        <IntegerDataEncoding sizeInBits="8">
          <DefaultCalibrator>
            <PolynomialCalibrator>
              <Term coefficient="0.5" exponent="0"/>
              <Term coefficient="2" exponent="1"/>
            </PolynomialCalibrator>
          </DefaultCalibrator>
        </IntegerDataEncoding>
      </IntegerParameterType>
      <EnumeratedParameterType name="MODE">
        <IntegerDataEncoding sizeInBits="4"/>
        <EnumerationList>
          <Enumeration value="0" label="SAFE"/>
          <Enumeration value="1" label="SCIENCE"/>
        </EnumerationList>
      </EnumeratedParameterType>
      <BooleanParameterType name="FLAG"><IntegerDataEncoding sizeInBits="4"/></BooleanParameterType>
      <BinaryParameterType name="BLOB">
        <BinaryDataEncoding>
          <SizeInBits>
            <DynamicValue>
              <ParameterInstanceRef parameterRef="BLOB_LEN"/>
              <LinearAdjustment slope="8"/>
            </DynamicValue>
          </SizeInBits>
        </BinaryDataEncoding>
      </BinaryParameterType>
      <StringParameterType name="NAME">
        <StringDataEncoding encoding="UTF-8">
          <SizeInBits><Fixed><FixedValue>32</FixedValue></Fixed></SizeInBits>
        </StringDataEncoding>
      </StringParameterType>
      <FloatParameterType name="TEMP">
        <UnitSet><Unit>degC</Unit></UnitSet>
        <IntegerDataEncoding sizeInBits="16">
          <DefaultCalibrator>
            <PolynomialCalibrator>
              <Term coefficient="-40" exponent="0"/>
              <Term coefficient="0.01" exponent="1"/>
            </PolynomialCalibrator>
          </DefaultCalibrator>
        </IntegerDataEncoding>
      </FloatParameterType>
    </ParameterTypeSet>
    <ParameterSet>
      <Parameter name="VERSION" parameterTypeRef="U3"/>
      <Parameter name="TYPE" parameterTypeRef="U1"/>
      <Parameter name="SEC_HDR_FLG" parameterTypeRef="U1"/>
      <Parameter name="PKT_APID" parameterTypeRef="U11"/>
      <Parameter name="SEQ_FLGS" parameterTypeRef="U2"/>
      <Parameter name="SRC_SEQ_CTR" parameterTypeRef="U14"/>
      <Parameter name="PKT_LEN" parameterTypeRef="U16"/>
      <Parameter name="OFFSET" parameterTypeRef="S12"/>
      <Parameter name="TRIM" parameterTypeRef="SM8"/>
      <Parameter name="VOLTS" parameterTypeRef="CAL"/>
      <Parameter name="STATE" parameterTypeRef="MODE"/>
      <Parameter name="VALID" parameterTypeRef="FLAG"/>
      <Parameter name="BLOB_LEN" parameterTypeRef="U8"/>
      <Parameter name="PAYLOAD" parameterTypeRef="BLOB"/>
      <Parameter name="LABEL" parameterTypeRef="NAME"/>
      <Parameter name="TEMPERATURE" parameterTypeRef="TEMP"/>
      <Parameter name="SPARE" parameterTypeRef="U4"/>
      <Parameter name="COUNT" parameterTypeRef="U16"/>
    </ParameterSet>
    <ContainerSet>
      <SequenceContainer name="Header" abstract="true">
        <EntryList>
          <ParameterRefEntry parameterRef="VERSION"/>
          <ParameterRefEntry parameterRef="TYPE"/>
          <ParameterRefEntry parameterRef="SEC_HDR_FLG"/>
          <ParameterRefEntry parameterRef="PKT_APID"/>
          <ParameterRefEntry parameterRef="SEQ_FLGS"/>
          <ParameterRefEntry parameterRef="SRC_SEQ_CTR"/>
          <ParameterRefEntry parameterRef="PKT_LEN"/>
        </EntryList>
      </SequenceContainer>
      <SequenceContainer name="Mixed">
        <BaseContainer containerRef="Header">
          <RestrictionCriteria>
            <ComparisonList>
              <Comparison parameterRef="PKT_APID" value="20"/>
              <Comparison parameterRef="SEC_HDR_FLG" value="1"/>
            </ComparisonList>
          </RestrictionCriteria>
        </BaseContainer>
        <EntryList>
          <ParameterRefEntry parameterRef="OFFSET"/>
          <ParameterRefEntry parameterRef="TRIM"/>
          <ParameterRefEntry parameterRef="VOLTS"/>
          <ParameterRefEntry parameterRef="STATE"/>
          <ParameterRefEntry parameterRef="VALID"/>
          <ParameterRefEntry parameterRef="BLOB_LEN"/>
          <ParameterRefEntry parameterRef="PAYLOAD"/>
          <ParameterRefEntry parameterRef="LABEL"/>
          <ParameterRefEntry parameterRef="TEMPERATURE"/>
          <ParameterRefEntry parameterRef="SPARE"/>
        </EntryList>
      </SequenceContainer>
      <SequenceContainer name="Counter">
        <BaseContainer containerRef="Header">
          <RestrictionCriteria>
            <Comparison parameterRef="PKT_APID" value="30" comparisonOperator="&gt;="/>
          </RestrictionCriteria>
        </BaseContainer>
        <EntryList>
          <ParameterRefEntry parameterRef="COUNT"/>
        </EntryList>
      </SequenceContainer>
    </ContainerSet>
  </TelemetryMetaData>
</SpaceSystem>`

type bitWriter struct {
	buf []byte
	n   int
}

func (w *bitWriter) put(v uint64, bits int) {
	for i := bits - 1; i >= 0; i-- {
		if w.n%8 == 0 {
			w.buf = append(w.buf, 0)
		}
		if v>>uint(i)&1 == 1 {
			w.buf[len(w.buf)-1] |= 1 << uint(7-w.n%8)
		}
		w.n++
	}
}

func mixedBody() []byte {
	w := &bitWriter{}
	w.put(4091, 12) // -5
	w.put(0x83, 8)  // -3
	w.put(10, 8)
	w.put(1, 4)
	w.put(0, 4)
	w.put(2, 8)
	w.put(0xAB, 8)
	w.put(0xCD, 8)
	w.put(uint64('H')<<24|uint64('I')<<16, 32)
	w.put(6000, 16)
	w.put(0, 4)
	return w.buf
}

func testParser(t *testing.T) *ccsds.Parser {
	t.Helper()
	def, err := ccsds.ParseDefinition([]byte(testDefinition))
	require.NoError(t, err)
	return ccsds.NewParser(def)
}

func TestParseEveryParameterType(t *testing.T) {
	p := testParser(t)
	names := []string{}
	for _, f := range p.Definition.Flattened {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"Counter", "Mixed"}, names)

	packets, err := p.Parse(ccsdstest.Packet(20, 7, mixedBody()))
	require.NoError(t, err)
	require.Len(t, packets, 1)
	pkt := packets[0]
	assert.Equal(t, "Mixed", pkt.Container)

	get := func(name string) ccsds.Item {
		it, ok := pkt.Get(name)
		require.True(t, ok, name)
		return it
	}
	assert.Equal(t, int64(-5), get("OFFSET").Raw)
	assert.Equal(t, int64(-3), get("TRIM").Raw)
	assert.Equal(t, int64(10), get("VOLTS").Raw)
	assert.Equal(t, 20.5, get("VOLTS").Derived)
	assert.Equal(t, "V", get("VOLTS").Unit)
	assert.Equal(t, "SCIENCE", get("STATE").Value())
	assert.Equal(t, false, get("VALID").Value())
	assert.Equal(t, []byte{0xAB, 0xCD}, get("PAYLOAD").Raw)
	assert.Equal(t, "HI", get("LABEL").Raw)
	assert.Equal(t, int64(6000), get("TEMPERATURE").Raw)
	assert.InDelta(t, 20.0, get("TEMPERATURE").Derived, 1e-9)
	assert.Nil(t, get("OFFSET").Derived)
}

func TestParseComparisonOperator(t *testing.T) {
	p := testParser(t)
	packets, err := p.Parse(ccsdstest.Stream(
		ccsdstest.Packet(31, 0, []byte{0, 9}),
		ccsdstest.Packet(29, 0, []byte{0, 9}),
	))
	require.NoError(t, err)
	require.Len(t, packets, 1)
	count, _ := packets[0].Get("COUNT")
	assert.Equal(t, int64(9), count.Raw)
}

func TestParseBadLength(t *testing.T) {
	// Two extra bytes beyond what the definition decodes.
	body := append(mixedBody(), 0xEE, 0xEE)
	good := ccsdstest.Packet(30, 1, []byte{0, 1})
	stream := ccsdstest.Stream(ccsdstest.Packet(20, 0, body), good)

	p := testParser(t)
	packets, err := p.Parse(stream)
	require.NoError(t, err)
	require.Len(t, packets, 1)
	assert.Equal(t, "Counter", packets[0].Container)

	p.ParseBadPackets = true
	packets, err = p.Parse(stream)
	require.NoError(t, err)
	require.Len(t, packets, 2)
	assert.Equal(t, "Mixed", packets[0].Container)
	assert.Equal(t, "Counter", packets[1].Container)
}

func TestParseTruncated(t *testing.T) {
	stream := ccsdstest.Packet(30, 1, []byte{0, 1})
	_, err := testParser(t).Parse(stream[:len(stream)-1])
	assert.ErrorIs(t, err, ccsds.ErrTruncatedPacket)

	_, err = testParser(t).Parse(append(stream, 0x08, 0x0B))
	assert.ErrorIs(t, err, ccsds.ErrTruncatedPacket)
}

func TestParseSkipHeaderBits(t *testing.T) {
	prefix := []byte{0xDE, 0xAD}
	stream := ccsdstest.Stream(prefix, ccsdstest.Packet(30, 1, []byte{0, 4}), prefix, ccsdstest.Packet(30, 2, []byte{0, 5}))
	p := testParser(t)
	p.SkipHeaderBits = 16
	packets, err := p.Parse(stream)
	require.NoError(t, err)
	require.Len(t, packets, 2)
	count, _ := packets[1].Get("COUNT")
	assert.Equal(t, int64(5), count.Raw)
}

func TestParseAmbiguous(t *testing.T) {
	doc := strings.Replace(testDefinition, `value="30" comparisonOperator="&gt;="`, `value="10" comparisonOperator="&gt;="`, 1)
	def, err := ccsds.ParseDefinition([]byte(doc))
	require.NoError(t, err)
	_, err = ccsds.NewParser(def).Parse(ccsdstest.Packet(20, 0, mixedBody()))
	assert.ErrorIs(t, err, ccsds.ErrAmbiguousPacket)
}

func TestParseDefinitionErrors(t *testing.T) {
	tests := []struct{ name, old, new, want string }{
		{"unknown type", `parameterTypeRef="U3"`, `parameterTypeRef="U99"`, "unknown type U99"},
		{"unknown parameter", `<ParameterRefEntry parameterRef="COUNT"/>`, `<ParameterRefEntry parameterRef="NOPE"/>`, "unknown parameter NOPE"},
		{"unknown base", `<BaseContainer containerRef="Header">
          <RestrictionCriteria>
            <Comparison`, `<BaseContainer containerRef="Missing">
          <RestrictionCriteria>
            <Comparison`, "unknown base Missing"},
		{"bad integer size", `name="U16"><IntegerDataEncoding sizeInBits="16"`, `name="U16"><IntegerDataEncoding sizeInBits="65"`, "out of range"},
		{"bad encoding", `encoding="signMagnitude"`, `encoding="onesComplement"`, "unsupported integer encoding"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := strings.Replace(testDefinition, tt.old, tt.new, 1)
			require.NotEqual(t, testDefinition, doc)
			_, err := ccsds.ParseDefinition([]byte(doc))
			assert.ErrorContains(t, err, tt.want)
		})
	}
	_, err := ccsds.ParseDefinition([]byte("<SpaceSystem"))
	assert.Error(t, err)
}

func TestFromPacketsMultipleAPIDs(t *testing.T) {
	p := testParser(t)
	packets, err := p.Parse(ccsdstest.Stream(
		ccsdstest.Packet(30, 0, []byte{0, 1}),
		ccsdstest.Packet(31, 0, []byte{0, 2}),
	))
	require.NoError(t, err)
	_, err = ccsds.FromPackets(packets, ccsds.AnyAPID)
	assert.True(t, errors.Is(err, ccsds.ErrMultipleAPIDs))

	table, err := ccsds.FromPackets(packets, 31)
	require.NoError(t, err)
	counts, err := table.Int64s("COUNT")
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, counts)
}

func TestParseFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	track := ccsdstest.Track(epoch, 4)

	first := filepath.Join(dir, "a.pkts")
	require.NoError(t, os.WriteFile(first, ccsdstest.EncodeTrack(track[:3]), 0o644))

	// The second file overlaps the first by one packet and is compressed.
	second := filepath.Join(dir, "b.pkts.gz")
	w, err := smartio.Default().Create(ctx, second, true)
	require.NoError(t, err)
	_, err = w.Write(ccsdstest.EncodeTrack(track[2:]))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	def, err := ccsds.LoadDefinition(ctx, nil, writeDefinition(t, dir))
	require.NoError(t, err)
	table, err := ccsds.NewParser(def).ParseFiles(ctx, nil, []string{second, first}, ccsdstest.GeolocationAPID)
	require.NoError(t, err)

	seq, err := table.Int64s("SRC_SEQ_CTR")
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3, 0, 1}, seq)

	_, err = ccsds.NewParser(def).ParseFiles(ctx, nil, []string{first, filepath.Join(dir, "missing.pkts")}, ccsdstest.GeolocationAPID)
	assert.Error(t, err)
}

func writeDefinition(t *testing.T, dir string) string {
	t.Helper()
	data, err := pkgdata.ReadFile(pkgdata.GeolocationXTCE)
	require.NoError(t, err)
	p := filepath.Join(dir, "def.xml")
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func TestTableAddColumn(t *testing.T) {
	p := ccsds.NewParser(geolocationDefinition(t))
	packets, err := p.Parse(ccsdstest.EncodeTrack(ccsdstest.Track(epoch, 2)))
	require.NoError(t, err)
	table, err := ccsds.FromPackets(packets, ccsds.AnyAPID)
	require.NoError(t, err)

	require.NoError(t, table.AddColumn("ET", []any{1.5, 2.5}))
	et, err := table.Float64s("ET")
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, 2.5}, et)

	assert.Error(t, table.AddColumn("ET", []any{0.0, 0.0}))
	assert.Error(t, table.AddColumn("SHORT", []any{0.0}))
}
