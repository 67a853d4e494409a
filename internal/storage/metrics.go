package storage

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the I/O counters of every storage backend.
type Metrics struct {
	BytesRead    *prometheus.CounterVec
	BytesWritten *prometheus.CounterVec
	Requests     *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the provided registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	bytesRead := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ccf_storage_bytes_read_total",
		Help: "Total bytes read from storage",
	}, []string{"backend"})

	bytesWritten := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ccf_storage_bytes_written_total",
		Help: "Total bytes written to storage",
	}, []string{"backend"})

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ccf_storage_requests_total",
		Help: "Total requests issued to storage",
	}, []string{"backend", "operation"})

	if reg != nil {
		reg.MustRegister(bytesRead, bytesWritten, requests)
	}

	return &Metrics{
		BytesRead:    bytesRead,
		BytesWritten: bytesWritten,
		Requests:     requests,
	}
}
