package telemetry

// Histogram bucket definitions
var (
	// EncodeBuckets for one encode job (recompress + framing of a batch)
	EncodeBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}

	// BatchSizeBuckets for packets per encode batch
	BatchSizeBuckets = []float64{1, 4, 16, 64, 256, 1024, 4096, 16384, 35000}
)

// Connection Metrics
var (
	// ConnectionsActive tracks open connections by listener (proxy, capture)
	ConnectionsActive GaugeVec = noopGaugeVec{}

	// HandshakesTotal counts handshakes by listener and result (success, no_auth, error)
	HandshakesTotal CounterVec = noopCounterVec{}

	// DecodeErrorsTotal counts protocol decode failures by field
	DecodeErrorsTotal CounterVec = noopCounterVec{}
)

// Subscription Metrics
var (
	// StreamsActive tracks registered sinks
	StreamsActive Gauge = NoopStat{}

	// SourcesActive tracks bound capture agents
	SourcesActive Gauge = NoopStat{}

	// TeardownsTotal counts subscription teardowns by reason
	TeardownsTotal CounterVec = noopCounterVec{}

	// DetectRoundsTotal counts detection rounds executed
	DetectRoundsTotal Counter = NoopStat{}

	// CaptureStartsTotal counts capture agent start requests by result
	CaptureStartsTotal CounterVec = noopCounterVec{}
)

// Pipeline Metrics
var (
	// SourceBytesTotal counts bytes received from capture agents per client
	SourceBytesTotal CounterVec = noopCounterVec{}

	// SourceRecordsTotal counts packets (or records with count_records) received per client
	SourceRecordsTotal CounterVec = noopCounterVec{}

	// SinkBytesTotal counts bytes written to clients per client
	SinkBytesTotal CounterVec = noopCounterVec{}

	// SinkPacketsTotal counts packets written to clients per client
	SinkPacketsTotal CounterVec = noopCounterVec{}

	// StreamDelaySeconds tracks now minus the last source timestamp per client
	StreamDelaySeconds GaugeVec = noopGaugeVec{}

	// PipelineQueueDepth tracks queued items per client and queue (inbound, outbound)
	PipelineQueueDepth GaugeVec = noopGaugeVec{}

	// EncodeDurationSeconds measures encode job latency
	EncodeDurationSeconds Histogram = NoopStat{}

	// EncodeBatchPackets measures packets per encode batch
	EncodeBatchPackets Histogram = NoopStat{}

	// InflightPackets tracks decoded packets not yet released
	InflightPackets Gauge = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after the registry exists.
func InitMetrics() {
	ConnectionsActive = NewGaugeVec(
		"connections_active",
		"Open connections by listener",
		[]string{"listener"},
	)
	HandshakesTotal = NewCounterVec(
		"handshakes_total",
		"Handshakes by listener and result",
		[]string{"listener", "result"},
	)
	DecodeErrorsTotal = NewCounterVec(
		"decode_errors_total",
		"Protocol decode failures by field",
		[]string{"field"},
	)

	StreamsActive = NewGauge(
		"streams_active",
		"Number of registered client streams",
	)
	SourcesActive = NewGauge(
		"sources_active",
		"Number of bound capture agents",
	)
	TeardownsTotal = NewCounterVec(
		"teardowns_total",
		"Subscription teardowns by reason",
		[]string{"reason"},
	)
	DetectRoundsTotal = NewCounter(
		"detect_rounds_total",
		"Total detection rounds executed",
	)
	CaptureStartsTotal = NewCounterVec(
		"capture_starts_total",
		"Capture agent start requests by result",
		[]string{"result"},
	)

	SourceBytesTotal = NewCounterVec(
		"source_bytes_total",
		"Bytes received from capture agents",
		[]string{"client_id"},
	)
	SourceRecordsTotal = NewCounterVec(
		"source_records_total",
		"Packets or records received from capture agents",
		[]string{"client_id"},
	)
	SinkBytesTotal = NewCounterVec(
		"sink_bytes_total",
		"Bytes written to clients",
		[]string{"client_id"},
	)
	SinkPacketsTotal = NewCounterVec(
		"sink_packets_total",
		"Packets written to clients",
		[]string{"client_id"},
	)
	StreamDelaySeconds = NewGaugeVec(
		"stream_delay_seconds",
		"Seconds between now and the last source timestamp",
		[]string{"client_id"},
	)
	PipelineQueueDepth = NewGaugeVec(
		"pipeline_queue_depth",
		"Items queued in a pipeline",
		[]string{"client_id", "queue"},
	)
	EncodeDurationSeconds = NewHistogramWithBuckets(
		"encode_duration_seconds",
		"Encode job duration in seconds",
		EncodeBuckets,
	)
	EncodeBatchPackets = NewHistogramWithBuckets(
		"encode_batch_packets",
		"Packets per encode batch",
		BatchSizeBuckets,
	)
	InflightPackets = NewGauge(
		"inflight_packets",
		"Decoded packets not yet released",
	)
}

// ForgetStream drops per-client series once a stream is gone
func ForgetStream(clientID string) {
	SourceBytesTotal.Delete(clientID)
	SourceRecordsTotal.Delete(clientID)
	SinkBytesTotal.Delete(clientID)
	SinkPacketsTotal.Delete(clientID)
	StreamDelaySeconds.Delete(clientID)
	PipelineQueueDepth.Delete(clientID, "inbound")
	PipelineQueueDepth.Delete(clientID, "outbound")
}
