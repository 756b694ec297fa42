package telemetry

import (
	"sync"
	"time"
)

// StreamStats is a point-in-time view of one client stream
type StreamStats struct {
	ClientID      string
	InboundDepth  int
	OutboundDepth int
	// LastSourceTimestamp is the unix second timestamp of the last packet received, 0 if none
	LastSourceTimestamp int64
}

// StatsProvider interface for components that provide stream stats
type StatsProvider interface {
	StreamStats() []StreamStats
	Counts() (streams, sources int)
	InflightPackets() int64
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	provider StatsProvider
	interval time.Duration
	now      func() time.Time
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider StatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	streams, sources := mc.provider.Counts()
	StreamsActive.Set(float64(streams))
	SourcesActive.Set(float64(sources))
	InflightPackets.Set(float64(mc.provider.InflightPackets()))

	now := mc.now().Unix()
	for _, s := range mc.provider.StreamStats() {
		PipelineQueueDepth.With(s.ClientID, "inbound").Set(float64(s.InboundDepth))
		PipelineQueueDepth.With(s.ClientID, "outbound").Set(float64(s.OutboundDepth))
		if s.LastSourceTimestamp > 0 {
			StreamDelaySeconds.With(s.ClientID).Set(float64(now - s.LastSourceTimestamp))
		}
	}
}
