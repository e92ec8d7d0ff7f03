// Package metrics exposes Prometheus instrumentation for the daemon.
// Metrics are opt-in: collectors are only registered after
// InitRegistry has been called, and every recording method is safe to
// call on a nil receiver so call sites never need an enabled check.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	mu       sync.Mutex
	registry *prometheus.Registry
)

// InitRegistry creates the metrics registry with the standard process
// and Go runtime collectors. Calling it again is a no-op.
func InitRegistry() {
	mu.Lock()
	defer mu.Unlock()
	if registry != nil {
		return
	}
	registry = prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// GetRegistry returns the registry, or nil when metrics are disabled.
func GetRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}
