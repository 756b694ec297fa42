package stream

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/cdcrelay/capture"
	"github.com/maxpert/cdcrelay/protocol"
	"github.com/maxpert/cdcrelay/telemetry"
)

// Teardown reasons reported to metrics and logs
const (
	ReasonSinkClosed    = "sink_closed"
	ReasonSourceClosed  = "source_closed"
	ReasonLeaseExpired  = "lease_expired"
	ReasonInitTimeout   = "init_timeout"
	ReasonPipelineError = "pipeline_error"
	ReasonAdmin         = "admin"
	ReasonShutdown      = "shutdown"
)

// RegistryConfig configures a Registry
type RegistryConfig struct {
	Capture  *capture.Manager
	Pool     *EncodePool
	Pipeline PipelineConfig // ClientID, Version and OnFailure are filled per stream

	DetectInterval time.Duration
	SourceLease    time.Duration
	InitTimeout    time.Duration
	PathRetain     time.Duration

	// ReadOnly routes every source into one discarding pipeline and needs no sinks
	ReadOnly bool
	Now      func() time.Time
}

type boundSink struct {
	meta     *SinkMeta
	pipeline *Pipeline
}

// Registry binds capture agents (sources) to downstream clients (sinks) by ClientID.
// Structural changes are serialized by mu; routing and heartbeats only read the
// concurrent maps.
type Registry struct {
	cfg RegistryConfig

	mu              sync.Mutex
	sources         *xsync.MapOf[string, *SourceMeta]   // by source connection id
	sourcesByClient *xsync.MapOf[ClientID, *SourceMeta] // by ClientID
	sinks           *xsync.MapOf[string, *SinkMeta]     // by sink connection id
	pipelines       *xsync.MapOf[ClientID, *boundSink]  // by ClientID

	readonly *Pipeline

	lifecycleMu sync.Mutex
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// NewRegistry creates a registry; call Start to run periodic detection
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Capture == nil {
		cfg.Capture = capture.NewManager()
	}

	r := &Registry{
		cfg:             cfg,
		sources:         xsync.NewMapOf[string, *SourceMeta](),
		sourcesByClient: xsync.NewMapOf[ClientID, *SourceMeta](),
		sinks:           xsync.NewMapOf[string, *SinkMeta](),
		pipelines:       xsync.NewMapOf[ClientID, *boundSink](),
	}

	if cfg.ReadOnly {
		pc := cfg.Pipeline
		pc.ClientID = "readonly"
		pc.Version = protocol.V0
		r.readonly = NewPipeline(pc, cfg.Pool, NewDiscardSink())
		r.readonly.Start()
	}
	return r
}

// RegisterSink asks the capture invoker to start an agent for meta.ClientID and creates
// its pipeline. Any failure leaves no trace of the subscription and does not close conn.
func (r *Registry) RegisterSink(ctx context.Context, meta *SinkMeta, conn io.WriteCloser) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pipelines.Load(meta.ClientID); ok {
		return fmt.Errorf("register sink %s: %w", meta.ClientID, ErrDuplicateSubscription)
	}
	if _, ok := r.sinks.Load(meta.ConnID); ok {
		return fmt.Errorf("register sink connection %s: %w", meta.ConnID, ErrDuplicateSubscription)
	}

	inv, err := r.cfg.Capture.Get(meta.Kind)
	if err != nil {
		return fmt.Errorf("register sink %s: %w", meta.ClientID, err)
	}

	if meta.RegisterTime.IsZero() {
		meta.RegisterTime = r.cfg.Now()
	}

	// Agents bind under mu, so the pipeline exists before one can register. On failure conn
	// stays open for the caller's rejection.
	if err := inv.Start(ctx, string(meta.ClientID), meta.Configuration); err != nil {
		telemetry.CaptureStartsTotal.With("failed").Inc()
		return fmt.Errorf("start capture for %s: %w", meta.ClientID, err)
	}
	telemetry.CaptureStartsTotal.With("success").Inc()

	connID := meta.ConnID
	pc := r.cfg.Pipeline
	pc.ClientID = meta.ClientID
	pc.Version = meta.Protocol
	pc.OnFailure = func(err error) {
		r.teardownSink(connID, ReasonPipelineError)
	}
	pipeline := NewPipeline(pc, r.cfg.Pool, conn)

	r.sinks.Store(meta.ConnID, meta)
	r.pipelines.Store(meta.ClientID, &boundSink{meta: meta, pipeline: pipeline})
	pipeline.Start()

	log.Info().
		Str("client_id", string(meta.ClientID)).
		Str("conn_id", meta.ConnID).
		Str("client_ip", meta.ClientIP).
		Str("kind", meta.Kind.String()).
		Msg("Sink registered")
	return nil
}

// RegisterSource binds a capture agent connection to its sink
func (r *Registry) RegisterSource(meta *SourceMeta) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.cfg.ReadOnly {
		if _, ok := r.pipelines.Load(meta.ClientID); !ok {
			return fmt.Errorf("register source %s: %w", meta.ClientID, ErrNoSink)
		}
	}
	if _, ok := r.sources.Load(meta.ConnID); ok {
		return fmt.Errorf("register source connection %s: %w", meta.ConnID, ErrSourceBound)
	}
	if _, ok := r.sourcesByClient.Load(meta.ClientID); ok {
		return fmt.Errorf("register source %s: %w", meta.ClientID, ErrSourceBound)
	}

	meta.Touch(r.cfg.Now())
	r.sources.Store(meta.ConnID, meta)
	r.sourcesByClient.Store(meta.ClientID, meta)

	log.Info().
		Str("client_id", string(meta.ClientID)).
		Str("conn_id", meta.ConnID).
		Str("pid", meta.ProcessID).
		Str("agent_version", meta.Version).
		Msg("Source registered")
	return nil
}

// RouteData hands a packet to the pipeline of clientID. On error the caller still owns
// the packet and must release it.
func (r *Registry) RouteData(ctx context.Context, clientID ClientID, pkt *protocol.Packet) error {
	if r.readonly != nil {
		return r.readonly.Enqueue(ctx, pkt)
	}
	bound, ok := r.pipelines.Load(clientID)
	if !ok {
		return ErrNoSink
	}
	return bound.pipeline.Enqueue(ctx, pkt)
}

// Heartbeat renews the lease of a source connection
func (r *Registry) Heartbeat(sourceConnID string) {
	if s, ok := r.sources.Load(sourceConnID); ok {
		s.Touch(r.cfg.Now())
	}
}

// Source returns the source bound on a connection
func (r *Registry) Source(sourceConnID string) (*SourceMeta, bool) {
	return r.sources.Load(sourceConnID)
}

// TeardownBySink removes the subscription owning a sink connection
func (r *Registry) TeardownBySink(connID string) {
	r.teardownSink(connID, ReasonSinkClosed)
}

// TeardownBySource removes the subscription owning a source connection
func (r *Registry) TeardownBySource(connID string) {
	r.teardownSource(connID, ReasonSourceClosed)
}

// Teardown removes every binding of clientID. It reports whether anything was removed.
func (r *Registry) Teardown(clientID ClientID) bool {
	return r.teardownClient(clientID, ReasonAdmin)
}

func (r *Registry) teardownSink(connID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta, ok := r.sinks.Load(connID)
	if !ok {
		return
	}
	if src, ok := r.sourcesByClient.Load(meta.ClientID); ok {
		r.stopSourceLocked(src)
	}
	r.closeSinkLocked(meta)
	r.logTeardown(meta.ClientID, reason)
}

func (r *Registry) teardownSource(connID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	src, ok := r.sources.Load(connID)
	if !ok {
		return
	}
	r.stopSourceLocked(src)
	if r.readonly != nil {
		r.logTeardown(src.ClientID, reason)
		return
	}
	if bound, ok := r.pipelines.Load(src.ClientID); ok {
		r.closeSinkLocked(bound.meta)
	}
	r.logTeardown(src.ClientID, reason)
}

func (r *Registry) teardownClient(clientID ClientID, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := false
	if src, ok := r.sourcesByClient.Load(clientID); ok {
		r.stopSourceLocked(src)
		removed = true
	}
	if bound, ok := r.pipelines.Load(clientID); ok {
		r.closeSinkLocked(bound.meta)
		removed = true
	}
	if removed {
		r.logTeardown(clientID, reason)
	}
	return removed
}

func (r *Registry) logTeardown(clientID ClientID, reason string) {
	telemetry.TeardownsTotal.With(reason).Inc()
	log.Info().Str("client_id", string(clientID)).Str("reason", reason).Msg("Subscription torn down")
}

// stopSourceLocked forgets a source and stops its agent process. Caller holds mu.
func (r *Registry) stopSourceLocked(src *SourceMeta) {
	r.sources.Delete(src.ConnID)
	if cur, ok := r.sourcesByClient.Load(src.ClientID); ok && cur == src {
		r.sourcesByClient.Delete(src.ClientID)
	}

	inv, err := r.cfg.Capture.Get(src.Kind)
	if err != nil {
		log.Warn().Err(err).Str("client_id", string(src.ClientID)).Msg("No invoker to stop capture agent")
		return
	}
	if err := inv.Stop(capture.ProcessInfo{PID: src.ProcessID}); err != nil {
		log.Warn().Err(err).Str("client_id", string(src.ClientID)).Str("pid", src.ProcessID).Msg("Failed to stop capture agent")
	}
}

// closeSinkLocked forgets a sink and stops its pipeline. Caller holds mu.
func (r *Registry) closeSinkLocked(meta *SinkMeta) {
	r.sinks.Delete(meta.ConnID)
	if bound, ok := r.pipelines.Load(meta.ClientID); ok && bound.meta == meta {
		r.pipelines.Delete(meta.ClientID)
		bound.pipeline.Stop()
	}
	telemetry.ForgetStream(string(meta.ClientID))
}

// PushRuntimeStatus sends the relay status to every stream that enabled monitoring
func (r *Registry) PushRuntimeStatus(ip string, port int) {
	streams, sources := r.Counts()
	status := &protocol.RuntimeStatus{
		IP:          ip,
		Port:        int32(port),
		StreamCount: int32(streams),
		WorkerCount: int32(sources),
	}

	r.pipelines.Range(func(id ClientID, bound *boundSink) bool {
		if !bound.meta.MonitorEnabled {
			return true
		}
		if err := bound.pipeline.PushStatus(status); err != nil {
			log.Debug().Err(err).Str("client_id", string(id)).Msg("Status push skipped")
		}
		return true
	})
}

// Counts returns the number of registered sinks and bound sources
func (r *Registry) Counts() (streams, sources int) {
	return r.sinks.Size(), r.sources.Size()
}

// InflightPackets returns the process-wide count of unreleased packets
func (r *Registry) InflightPackets() int64 {
	return protocol.InflightPackets()
}

// Subscription returns a snapshot of one ClientID
func (r *Registry) Subscription(clientID ClientID) (Subscription, bool) {
	sub := Subscription{ClientID: clientID}
	found := false
	if bound, ok := r.pipelines.Load(clientID); ok {
		meta := *bound.meta
		sub.Sink = &meta
		sub.Pipeline = bound.pipeline.Stats()
		found = true
	}
	if src, ok := r.sourcesByClient.Load(clientID); ok {
		sub.Source = src.info()
		found = true
	}
	return sub, found
}

// Snapshot returns every known subscription ordered by ClientID
func (r *Registry) Snapshot() []Subscription {
	ids := make(map[ClientID]struct{})
	r.pipelines.Range(func(id ClientID, _ *boundSink) bool {
		ids[id] = struct{}{}
		return true
	})
	r.sourcesByClient.Range(func(id ClientID, _ *SourceMeta) bool {
		ids[id] = struct{}{}
		return true
	})

	out := make([]Subscription, 0, len(ids))
	for id := range ids {
		if sub, ok := r.Subscription(id); ok {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// StreamStats implements telemetry.StatsProvider
func (r *Registry) StreamStats() []telemetry.StreamStats {
	var out []telemetry.StreamStats
	r.pipelines.Range(func(id ClientID, bound *boundSink) bool {
		st := bound.pipeline.Stats()
		s := telemetry.StreamStats{
			ClientID:      string(id),
			InboundDepth:  st.InboundDepth,
			OutboundDepth: st.OutboundDepth,
		}
		if src, ok := r.sourcesByClient.Load(id); ok {
			s.LastSourceTimestamp = src.lastTimestamp.Load()
		}
		out = append(out, s)
		return true
	})
	return out
}

// Start launches periodic detection until ctx is done or Stop is called
func (r *Registry) Start(ctx context.Context) {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	if r.stopCh != nil {
		return
	}

	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.detectLoop(ctx, r.stopCh, r.doneCh)
}

// Stop ends detection and tears down every subscription
func (r *Registry) Stop() {
	r.lifecycleMu.Lock()
	if r.stopCh != nil {
		close(r.stopCh)
		<-r.doneCh
		r.stopCh = nil
	}
	r.lifecycleMu.Unlock()

	var ids []ClientID
	r.pipelines.Range(func(id ClientID, _ *boundSink) bool {
		ids = append(ids, id)
		return true
	})
	r.sourcesByClient.Range(func(id ClientID, _ *SourceMeta) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		r.teardownClient(id, ReasonShutdown)
	}

	if r.readonly != nil {
		r.readonly.Stop()
	}
}
