package metrics

import (
	"time"

	"github.com/rs/zerolog"
)

// Stats is a point-in-time summary of repository contents
type Stats struct {
	// NodesByStore maps store ref to status ("live" or "deleted") to count
	NodesByStore  map[string]map[string]int
	ContentURLs   int
	OrphanContent int
	CacheEntries  map[string]int
}

// StatsSource produces repository statistics
type StatsSource interface {
	Stats() (Stats, error)
}

// Collector periodically copies repository statistics into gauges
type Collector struct {
	source   StatsSource
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source StatsSource, interval time.Duration, logger zerolog.Logger) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect samples the source once
func (c *Collector) Collect() {
	stats, err := c.source.Stats()
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to collect repository stats")
		UpdateComponent("repository", false, err.Error())
		return
	}
	UpdateComponent("repository", true, "")

	NodesTotal.Reset()
	for store, statuses := range stats.NodesByStore {
		for status, count := range statuses {
			NodesTotal.WithLabelValues(store, status).Set(float64(count))
		}
	}

	ContentURLsTotal.WithLabelValues("referenced").Set(float64(stats.ContentURLs - stats.OrphanContent))
	ContentURLsTotal.WithLabelValues("orphaned").Set(float64(stats.OrphanContent))

	for name, n := range stats.CacheEntries {
		CacheEntries.WithLabelValues(name).Set(float64(n))
	}
}
