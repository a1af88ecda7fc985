// Package metrics exposes run counters as Prometheus metrics written to a textfile.
package metrics

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the run metrics on a private registry, so several runs in one process
// never collide on registration.
//
// Metrics:
//   - ralph_tasks_total{status} - tasks reaching a terminal status
//   - ralph_attempts_total{result} - worker attempts by final result
//   - ralph_batches_total{status} - batches by final status
//   - ralph_task_duration_seconds{status} - wall time from start to terminal status
type Recorder struct {
	registry *prometheus.Registry

	TasksTotal    *prometheus.CounterVec
	AttemptsTotal *prometheus.CounterVec
	BatchesTotal  *prometheus.CounterVec
	TaskDuration  *prometheus.HistogramVec
}

// New creates a recorder with its own registry.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Recorder{
		registry: registry,
		TasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ralph_tasks_total",
				Help: "Tasks that reached a terminal status",
			},
			[]string{"status"},
		),
		AttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ralph_attempts_total",
				Help: "Worker attempts by final result",
			},
			[]string{"result"},
		),
		BatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ralph_batches_total",
				Help: "Batches by final status",
			},
			[]string{"status"},
		),
		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ralph_task_duration_seconds",
				Help:    "Task wall time from start to terminal status",
				Buckets: []float64{30, 60, 300, 600, 1800, 3600, 7200},
			},
			[]string{"status"},
		),
	}
}

// TaskFinished counts a terminal task and observes its duration.
func (recorder *Recorder) TaskFinished(status string, duration time.Duration) {
	recorder.TasksTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		recorder.TaskDuration.WithLabelValues(status).Observe(duration.Seconds())
	}
}

// AttemptsRecorded adds count attempts with the given result.
func (recorder *Recorder) AttemptsRecorded(result string, count int) {
	if count <= 0 {
		return
	}
	recorder.AttemptsTotal.WithLabelValues(result).Add(float64(count))
}

// BatchFinished counts a finished batch.
func (recorder *Recorder) BatchFinished(status string) {
	recorder.BatchesTotal.WithLabelValues(status).Inc()
}

// Gatherer exposes the registry.
func (recorder *Recorder) Gatherer() prometheus.Gatherer {
	return recorder.registry
}

// WriteTextfile writes the metrics in the node exporter textfile format. The file is written to a
// temporary name and renamed, so collectors never read a partial file.
func (recorder *Recorder) WriteTextfile(path string) error {
	if path == "" {
		return errors.New("metrics file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, recorder.registry); err != nil {
		return fmt.Errorf("write metrics textfile %s: %w", path, err)
	}
	return nil
}
