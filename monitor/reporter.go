package monitor

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/cdcrelay/stream"
)

const DefaultInterval = 10 * time.Second

// Source is what the reporter reads from; stream.Registry implements it
type Source interface {
	Snapshot() []stream.Subscription
	Counts() (streams, sources int)
	InflightPackets() int64
	PushRuntimeStatus(ip string, port int)
}

// ReporterConfig configures a Reporter
type ReporterConfig struct {
	ServerID uint64
	IP       string
	Port     int
	Interval time.Duration
	Topic    string
	Compress bool

	// Sink receives encoded reports; nil only pushes runtime status
	Sink Sink
	Now  func() time.Time
}

// Reporter publishes a Report and pushes runtime status every interval. Publishing is
// fire-and-forget: failures are logged and the next tick tries again with fresh data.
type Reporter struct {
	cfg    ReporterConfig
	source Source

	mu    sync.Mutex // guards rates
	rates *rateTracker

	lifecycleMu sync.Mutex
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// NewReporter creates a stopped reporter
func NewReporter(cfg ReporterConfig, source Source) *Reporter {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reporter{cfg: cfg, source: source, rates: newRateTracker()}
}

// Start runs the report loop until ctx is done or Stop is called
func (r *Reporter) Start(ctx context.Context) {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	if r.stopCh != nil {
		return
	}

	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.loop(ctx, r.stopCh, r.doneCh)

	log.Info().
		Dur("interval", r.cfg.Interval).
		Bool("sink", r.cfg.Sink != nil).
		Str("topic", r.cfg.Topic).
		Msg("Monitor reporter started")
}

// Stop ends the loop and closes the sink
func (r *Reporter) Stop() {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	if r.stopCh == nil {
		return
	}
	close(r.stopCh)
	<-r.doneCh
	r.stopCh = nil

	if r.cfg.Sink != nil {
		if err := r.cfg.Sink.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close monitor sink")
		}
	}
}

func (r *Reporter) loop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Tick()
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick pushes runtime status and publishes one report
func (r *Reporter) Tick() {
	r.source.PushRuntimeStatus(r.cfg.IP, r.cfg.Port)

	report := r.Build()
	if r.cfg.Sink == nil {
		return
	}

	b, err := EncodeReport(report, r.cfg.Compress)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to encode monitor report")
		return
	}
	key := strconv.FormatUint(r.cfg.ServerID, 10)
	if err := r.cfg.Sink.Publish(r.cfg.Topic, key, b); err != nil {
		log.Warn().Err(err).Str("topic", r.cfg.Topic).Msg("Failed to publish monitor report")
		return
	}
	log.Debug().Int("streams", len(report.Streams)).Int("bytes", len(b)).Msg("Monitor report published")
}

// Build snapshots the source into a report and advances the rate baseline
func (r *Reporter) Build() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.cfg.Now()
	streams, sources := r.source.Counts()
	return &Report{
		ServerID:    r.cfg.ServerID,
		IP:          r.cfg.IP,
		Port:        r.cfg.Port,
		Timestamp:   now.UnixMilli(),
		StreamCount: streams,
		SourceCount: sources,
		Inflight:    r.source.InflightPackets(),
		Streams:     r.rates.build(r.source.Snapshot(), now),
	}
}
