// Package observability holds the Prometheus metrics recorded by batch
// processing steps. Jobs write them to a node-exporter textfile on exit.
package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the processing metrics. All methods are no-ops on a nil
// *Collector.
type Collector struct {
	gatherer prometheus.Gatherer

	PacketsParsed    *prometheus.CounterVec
	PacketsSkipped   *prometheus.CounterVec
	KernelsWritten   *prometheus.CounterVec
	ToolDuration     *prometheus.HistogramVec
	ChecksumFailures prometheus.Counter
	RecordsIngested  *prometheus.CounterVec
}

// NewCollector registers the metrics against reg, defaulting to the global
// registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	parsed, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "libera_packets_parsed_total",
		Help: "Packets decoded from packet files, labeled by APID.",
	}, []string{"apid"}), "libera_packets_parsed_total")
	if err != nil {
		return nil, err
	}
	skipped, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "libera_packets_skipped_total",
		Help: "Packets skipped during parsing, labeled by reason.",
	}, []string{"reason"}), "libera_packets_skipped_total")
	if err != nil {
		return nil, err
	}
	kernels, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "libera_kernels_written_total",
		Help: "SPICE kernels produced, labeled by kernel type.",
	}, []string{"kind"}), "libera_kernels_written_total")
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "libera_tool_duration_seconds",
		Help:    "Run time of external NAIF tools in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"tool"}), "libera_tool_duration_seconds")
	if err != nil {
		return nil, err
	}
	checksums, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "libera_manifest_checksum_failures_total",
		Help: "Manifest files whose md5 checksum did not match.",
	}), "libera_manifest_checksum_failures_total")
	if err != nil {
		return nil, err
	}
	ingested, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "libera_records_ingested_total",
		Help: "Rows written to the processing database, labeled by table.",
	}, []string{"table"}), "libera_records_ingested_total")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:         gatherer,
		PacketsParsed:    parsed,
		PacketsSkipped:   skipped,
		KernelsWritten:   kernels,
		ToolDuration:     durations,
		ChecksumFailures: checksums,
		RecordsIngested:  ingested,
	}, nil
}

// PacketParsed counts one decoded packet.
func (c *Collector) PacketParsed(apid int) {
	if c == nil {
		return
	}
	c.PacketsParsed.WithLabelValues(fmt.Sprint(apid)).Inc()
}

// PacketSkipped counts one skipped packet.
func (c *Collector) PacketSkipped(reason string) {
	if c == nil {
		return
	}
	c.PacketsSkipped.WithLabelValues(reason).Inc()
}

// KernelWritten counts one produced kernel of kind "spk" or "ck".
func (c *Collector) KernelWritten(kind string) {
	if c == nil {
		return
	}
	c.KernelsWritten.WithLabelValues(kind).Inc()
}

// ObserveTool records how long an external tool ran.
func (c *Collector) ObserveTool(tool string, d time.Duration) {
	if c == nil {
		return
	}
	c.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// ChecksumFailed counts n files that failed checksum validation.
func (c *Collector) ChecksumFailed(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.ChecksumFailures.Add(float64(n))
}

// Ingested counts n rows written to table.
func (c *Collector) Ingested(table string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.RecordsIngested.WithLabelValues(table).Add(float64(n))
}

// WriteTextfile writes every gathered metric to path in the text exposition
// format, replacing the file atomically.
func (c *Collector) WriteTextfile(path string) error {
	if c == nil {
		return nil
	}
	g := c.gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return prometheus.WriteToTextfile(path, g)
}

// Handler exposes the metrics over HTTP.
func (c *Collector) Handler() http.Handler {
	g := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		g = c.gatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
