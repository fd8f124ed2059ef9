// Package metrics counts audit operations. There is no long-running process
// to scrape, so the registry is exported as a node-exporter textfile.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder receives one observation per finished operation.
type Recorder interface {
	ObserveOperation(operation, outcome string, durationSeconds float64)
	IncFailure(operation, code string)
	AddFilesHashed(count int)
	AddArchiveBytes(count int)
}

// Noop implements Recorder without emitting anything.
type Noop struct{}

func (Noop) ObserveOperation(string, string, float64) {}
func (Noop) IncFailure(string, string)                {}
func (Noop) AddFilesHashed(int)                       {}
func (Noop) AddArchiveBytes(int)                      {}

// Prom implements Recorder on a private registry.
type Prom struct {
	registry    *prometheus.Registry
	operations  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	failures    *prometheus.CounterVec
	filesHashed prometheus.Counter
	archiveSize prometheus.Counter
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Operations by name and outcome",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Operation wall time",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"operation"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Failed operations by error code",
		}, []string{"operation", "code"}),
		filesHashed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_hashed_total",
			Help:      "Files hashed into a Merkle tree",
		}),
		archiveSize: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_bytes_total",
			Help:      "Compressed archive bytes produced or verified",
		}),
	}
	p.registry.MustRegister(p.operations, p.duration, p.failures, p.filesHashed, p.archiveSize)
	return p
}

func (p *Prom) Registry() *prometheus.Registry {
	return p.registry
}

func (p *Prom) ObserveOperation(operation, outcome string, durationSeconds float64) {
	p.operations.WithLabelValues(operation, outcome).Inc()
	p.duration.WithLabelValues(operation).Observe(durationSeconds)
}

func (p *Prom) IncFailure(operation, code string) {
	if code == "" {
		code = "unclassified"
	}
	p.failures.WithLabelValues(operation, code).Inc()
}

func (p *Prom) AddFilesHashed(count int) {
	if count > 0 {
		p.filesHashed.Add(float64(count))
	}
}

func (p *Prom) AddArchiveBytes(count int) {
	if count > 0 {
		p.archiveSize.Add(float64(count))
	}
}

// WriteTextfile writes the registry in text exposition format, atomically.
func (p *Prom) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, p.registry)
}
