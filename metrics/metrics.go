// Package metrics exports an Engine's block-list stats as Prometheus
// collectors, grounded on the same registration idiom buildbarn's
// block-device-backed block allocator uses: package-level collectors,
// registered exactly once via sync.Once, updated by a thin Collector type
// the caller feeds sampled counts into.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	freeBlocks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flashstore",
		Subsystem: "blocks",
		Name:      "free",
		Help:      "Number of blocks currently on the free list.",
	})
	usedBlocks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flashstore",
		Subsystem: "blocks",
		Name:      "used",
		Help:      "Number of blocks currently allocated to a store's chain.",
	})
	badBlocks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flashstore",
		Subsystem: "blocks",
		Name:      "bad",
		Help:      "Number of blocks quarantined on the bad list.",
	})
	driverErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flashstore",
		Subsystem: "driver",
		Name:      "errors_total",
		Help:      "Total number of driver read/write/erase failures observed; not reset when the engine's error count is reset.",
	})
)

// Collector samples an Engine's counts into the package's Prometheus
// collectors. It is registered with the default registry exactly once,
// regardless of how many Collector values are created.
type Collector struct{}

// NewCollector registers the collectors with the default Prometheus
// registry on first call and returns a Collector ready to be fed samples.
func NewCollector() *Collector {
	registerOnce.Do(func() {
		prometheus.MustRegister(freeBlocks, usedBlocks, badBlocks, driverErrors)
	})
	return &Collector{}
}

// Observe records a stats snapshot: free/used/bad block counts as gauges,
// and the delta in error count as a counter increment. errDelta must be
// the number of new driver errors since the previous Observe call.
func (c *Collector) Observe(free, used, bad, errDelta int) {
	freeBlocks.Set(float64(free))
	usedBlocks.Set(float64(used))
	badBlocks.Set(float64(bad))
	if errDelta > 0 {
		driverErrors.Add(float64(errDelta))
	}
}
