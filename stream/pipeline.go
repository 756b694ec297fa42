package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/cdcrelay/protocol"
	"github.com/maxpert/cdcrelay/telemetry"
)

const sinkBufferSize = 64 << 10

// PipelineConfig configures one client stream
type PipelineConfig struct {
	ClientID          ClientID
	Version           protocol.Version
	InboundSize       int
	OutboundSize      int
	WaitNum           int
	WaitTime          time.Duration
	CompressThreshold int

	// Encode defaults to EncodeBatch
	Encode BatchEncoder
	// OnFailure runs on its own goroutine after a failed pipeline has stopped
	OnFailure func(err error)
}

// PipelineStats is a point-in-time view of a pipeline
type PipelineStats struct {
	InboundDepth  int   `json:"inbound_depth"`
	OutboundDepth int   `json:"outbound_depth"`
	PacketsIn     int64 `json:"packets_in"`
	PacketsOut    int64 `json:"packets_out"`
	BytesOut      int64 `json:"bytes_out"`
}

// pendingBatch is one outbound slot: the encode result plus the packets it was made from
type pendingBatch struct {
	result  *future.Future[[]byte]
	packets []*protocol.Packet
}

// discard waits for the encode result so its packets are no longer read, then releases them
func (b *pendingBatch) discard() {
	_, _ = b.result.Get()
	releasePackets(b.packets)
}

// Pipeline moves packets of one ClientID from the capture agent to the client.
// The encode loop batches inbound packets and submits them to the shared pool; the send
// loop resolves the resulting futures strictly in submission order and writes them out.
type Pipeline struct {
	cfg  PipelineConfig
	opts EncodeOptions
	pool *EncodePool
	sink io.WriteCloser
	out  *bufio.Writer

	inbound  chan *protocol.Packet
	outbound chan *pendingBatch

	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.RWMutex // guards closed against producers
	closed   bool
	stopCh   chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	failed   atomic.Bool
	wg       sync.WaitGroup

	packetsIn  atomic.Int64
	packetsOut atomic.Int64
	bytesOut   atomic.Int64
}

// NewPipeline creates a stopped pipeline writing to sink
func NewPipeline(cfg PipelineConfig, pool *EncodePool, sink io.WriteCloser) *Pipeline {
	if cfg.InboundSize < 1 {
		cfg.InboundSize = 1
	}
	if cfg.OutboundSize < 1 {
		cfg.OutboundSize = 1
	}
	if cfg.WaitNum < 1 {
		cfg.WaitNum = 1
	}
	if cfg.WaitTime <= 0 {
		cfg.WaitTime = 2 * time.Second
	}
	if cfg.Encode == nil {
		cfg.Encode = EncodeBatch
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		cfg:      cfg,
		opts:     EncodeOptions{Version: cfg.Version, CompressThreshold: cfg.CompressThreshold},
		pool:     pool,
		sink:     sink,
		out:      bufio.NewWriterSize(sink, sinkBufferSize),
		inbound:  make(chan *protocol.Packet, cfg.InboundSize),
		outbound: make(chan *pendingBatch, cfg.OutboundSize),
		ctx:      ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
	}
}

// ClientID returns the stream this pipeline serves
func (p *Pipeline) ClientID() ClientID {
	return p.cfg.ClientID
}

// Start launches the encode and send loops
func (p *Pipeline) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.wg.Add(2)
	go p.encodeLoop()
	go p.sendLoop()
}

// Enqueue hands a packet to the pipeline, blocking while the inbound queue is full.
// On error the packet still belongs to the caller.
func (p *Pipeline) Enqueue(ctx context.Context, pkt *protocol.Packet) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPipelineStopped
	}

	select {
	case p.inbound <- pkt:
		p.packetsIn.Add(1)
		return nil
	case <-p.stopCh:
		return ErrPipelineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PushStatus queues a runtime status frame behind the data already queued. Status frames
// are dropped rather than waited for when the outbound queue is full.
func (p *Pipeline) PushStatus(status *protocol.RuntimeStatus) error {
	if p.cfg.Version != protocol.V1 {
		return fmt.Errorf("status requires protocol V1, client %s speaks V%d", p.cfg.ClientID, p.cfg.Version)
	}
	frame, err := protocol.EncodeRuntimeStatus(status)
	if err != nil {
		return err
	}

	promise := future.NewPromise[[]byte]()
	promise.Set(frame, nil)

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPipelineStopped
	}

	select {
	case p.outbound <- &pendingBatch{result: promise.Future()}:
		return nil
	case <-p.stopCh:
		return ErrPipelineStopped
	default:
		return fmt.Errorf("outbound queue full, status dropped for %s", p.cfg.ClientID)
	}
}

// Stats returns queue depths and counters
func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		InboundDepth:  len(p.inbound),
		OutboundDepth: len(p.outbound),
		PacketsIn:     p.packetsIn.Load(),
		PacketsOut:    p.packetsOut.Load(),
		BytesOut:      p.bytesOut.Load(),
	}
}

// Stopped reports whether Stop has begun
func (p *Pipeline) Stopped() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

// Stop closes the sink, joins both loops, releases every queued packet and resolves every
// pending encode result. It is idempotent and must not be called from the loops themselves.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.cancel()

		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		if err := p.sink.Close(); err != nil {
			log.Debug().Err(err).Str("client_id", string(p.cfg.ClientID)).Msg("Sink close failed")
		}
		p.wg.Wait()
		p.drain()

		log.Debug().Str("client_id", string(p.cfg.ClientID)).Msg("Pipeline stopped")
	})
}

func (p *Pipeline) drain() {
inbound:
	for {
		select {
		case pkt := <-p.inbound:
			pkt.Release()
		default:
			break inbound
		}
	}

	for {
		select {
		case b := <-p.outbound:
			b.discard()
		default:
			return
		}
	}
}

// fail stops the pipeline from a separate goroutine and notifies the owner
func (p *Pipeline) fail(err error) {
	if p.Stopped() || !p.failed.CompareAndSwap(false, true) {
		return
	}

	log.Warn().Err(err).Str("client_id", string(p.cfg.ClientID)).Msg("Pipeline failed, stopping stream")
	go func() {
		p.Stop()
		if p.cfg.OnFailure != nil {
			p.cfg.OnFailure(err)
		}
	}()
}

func (p *Pipeline) encodeLoop() {
	defer p.wg.Done()

	batch := make([]*protocol.Packet, 0, min(p.cfg.WaitNum, 1024))
	for {
		var ok bool
		clear(batch)
		batch, ok = collect(p.stopCh, p.inbound, batch[:0], p.cfg.WaitNum, p.cfg.WaitTime)

		if len(batch) > 0 {
			packets := make([]*protocol.Packet, len(batch))
			copy(packets, batch)
			if !ok {
				releasePackets(packets)
				return
			}

			pending := &pendingBatch{
				result:  p.pool.Submit(p.ctx, p.encodeJob(packets)),
				packets: packets,
			}
			select {
			case p.outbound <- pending:
			case <-p.stopCh:
				pending.discard()
				return
			}
		}

		if !ok {
			return
		}
	}
}

func (p *Pipeline) encodeJob(packets []*protocol.Packet) EncodeJob {
	return func() ([]byte, error) {
		start := time.Now()
		b, err := p.cfg.Encode(packets, p.opts)
		telemetry.EncodeDurationSeconds.Observe(time.Since(start).Seconds())
		telemetry.EncodeBatchPackets.Observe(float64(len(packets)))
		return b, err
	}
}

func (p *Pipeline) sendLoop() {
	defer p.wg.Done()

	batch := make([]*pendingBatch, 0, min(p.cfg.WaitNum, 1024))
	for {
		var ok bool
		clear(batch)
		batch, ok = collect(p.stopCh, p.outbound, batch[:0], p.cfg.WaitNum, p.cfg.WaitTime)

		if err := p.send(batch); err != nil {
			p.fail(err)
			return
		}
		if !ok {
			return
		}
	}
}

// send resolves batch in order and writes each result. Every entry is released even after
// a failure so nothing leaks.
func (p *Pipeline) send(batch []*pendingBatch) error {
	var sendErr error
	var bytes, packets int

	for _, b := range batch {
		data, err := b.result.Get()
		if err != nil && sendErr == nil {
			sendErr = fmt.Errorf("encode batch: %w", err)
		}
		if sendErr == nil && !p.Stopped() {
			if _, err := p.out.Write(data); err != nil {
				sendErr = fmt.Errorf("write to sink: %w", err)
			} else {
				bytes += len(data)
				packets += len(b.packets)
			}
		}
		releasePackets(b.packets)
	}

	if sendErr == nil && len(batch) > 0 && !p.Stopped() {
		if err := p.out.Flush(); err != nil {
			sendErr = fmt.Errorf("flush sink: %w", err)
		}
	}

	if packets > 0 {
		id := string(p.cfg.ClientID)
		p.packetsOut.Add(int64(packets))
		p.bytesOut.Add(int64(bytes))
		telemetry.SinkPacketsTotal.With(id).Add(float64(packets))
		telemetry.SinkBytesTotal.With(id).Add(float64(bytes))
	}

	if sendErr != nil && p.Stopped() {
		return nil
	}
	return sendErr
}

// DiscardSink accepts and counts every write. Read-only relays deliver into it.
type DiscardSink struct {
	bytes  atomic.Int64
	closed atomic.Bool
}

// NewDiscardSink creates an open discard sink
func NewDiscardSink() *DiscardSink {
	return &DiscardSink{}
}

func (d *DiscardSink) Write(b []byte) (int, error) {
	if d.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	d.bytes.Add(int64(len(b)))
	return len(b), nil
}

func (d *DiscardSink) Close() error {
	d.closed.Store(true)
	return nil
}

// Bytes returns the number of bytes discarded so far
func (d *DiscardSink) Bytes() int64 {
	return d.bytes.Load()
}
