package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegismesh/aegis/pkg/log"
	"github.com/aegismesh/aegis/pkg/registry"
)

const collectTimeout = 5 * time.Second

// Collector periodically samples the service registry into the
// InstancesTotal and ServicesTotal gauges.
type Collector struct {
	registry *registry.Registry
	metrics  *Metrics
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCollector creates a collector over reg. A non-positive interval
// defaults to 15 seconds.
func NewCollector(reg *registry.Registry, m *Metrics, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		registry: reg,
		metrics:  m,
		interval: interval,
		logger:   log.WithComponent("metrics"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting in the background.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	instances, err := c.registry.ListInstances(ctx, "")
	if err != nil {
		c.logger.Debug().Err(err).Msg("Registry sample failed")
		return
	}

	type key struct{ service, status string }
	counts := make(map[key]int)
	services := make(map[string]struct{})
	for _, inst := range instances {
		counts[key{string(inst.ServiceName), string(inst.Status)}]++
		services[string(inst.ServiceName)] = struct{}{}
	}

	// Reset before setting so series for vanished instances drop out
	// instead of going stale.
	c.metrics.InstancesTotal.Reset()
	for k, n := range counts {
		c.metrics.InstancesTotal.WithLabelValues(k.service, k.status).Set(float64(n))
	}
	c.metrics.ServicesTotal.Set(float64(len(services)))
}
