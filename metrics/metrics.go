package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "execbox"

// Metrics holds the orchestrator collectors
type Metrics struct {
	Registry *prometheus.Registry

	SubmissionsTotal  *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	MemoryUsage       *prometheus.HistogramVec
	ActiveContainers  prometheus.Gauge
	ContainerStartup  prometheus.Histogram
	InfraRetries      *prometheus.CounterVec
	ImageBuilds       *prometheus.CounterVec
}

// New creates the collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		SubmissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "submissions_total",
				Help:      "Total number of submissions by language and outcome",
			},
			[]string{"language", "status"},
		),
		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_ms",
				Help:      "Execution duration in milliseconds",
				Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
			},
			[]string{"language", "phase"}, // phase: "compile", "run", "total"
		),
		MemoryUsage: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "memory_usage_kib",
				Help:      "Peak memory usage per run in KiB",
				Buckets:   []float64{1024, 4096, 16384, 65536, 131072, 262144, 524288},
			},
			[]string{"language"},
		),
		ActiveContainers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_containers",
				Help:      "Number of container instances currently alive",
			},
		),
		ContainerStartup: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "container_startup_ms",
				Help:      "Time to create, populate and start a container",
				Buckets:   []float64{50, 100, 200, 500, 1000, 2000, 5000},
			},
		),
		InfraRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "infrastructure_retries_total",
				Help:      "Submissions re-run on a fresh container after an infrastructure error",
			},
			[]string{"language"},
		),
		ImageBuilds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "image_builds_total",
				Help:      "Sandbox image builds by language and outcome",
			},
			[]string{"language", "result"},
		),
	}
}

// ObserveResult records one finished submission
func (m *Metrics) ObserveResult(language, status string, elapsed time.Duration) {
	m.SubmissionsTotal.WithLabelValues(language, status).Inc()
	m.ExecutionDuration.WithLabelValues(language, "total").Observe(float64(elapsed.Milliseconds()))
}

// ObservePhases records the compile and run durations reported by a script
func (m *Metrics) ObservePhases(language string, compileMs, runMs, memoryKiB int64) {
	if compileMs > 0 {
		m.ExecutionDuration.WithLabelValues(language, "compile").Observe(float64(compileMs))
	}
	if runMs > 0 {
		m.ExecutionDuration.WithLabelValues(language, "run").Observe(float64(runMs))
	}
	if memoryKiB > 0 {
		m.MemoryUsage.WithLabelValues(language).Observe(float64(memoryKiB))
	}
}

// ObserveBuild records one image build
func (m *Metrics) ObserveBuild(language string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.ImageBuilds.WithLabelValues(language, result).Inc()
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
