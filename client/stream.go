package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/cdcrelay/encoding"
	"github.com/maxpert/cdcrelay/id"
	"github.com/maxpert/cdcrelay/protocol"
)

// State is the connection state of a Stream
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateStreaming
	StateExited
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateStreaming:
		return "streaming"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type reconnectResult int

const (
	reconnectOK reconnectResult = iota
	reconnectRetry
	reconnectExit
	reconnectFatal
)

// item is one decoded unit waiting for delivery
type item struct {
	record *encoding.Record
	status *protocol.RuntimeStatus
}

// Stream is one logical subscription to the relay. It survives any number of
// reconnects and resumes each one from the checkpoint of the last delivered record.
type Stream struct {
	addr     string
	conf     ClientConf
	config   ConnectionConfig
	clientID string
	clientIP string
	extract  CheckpointExtractor

	listenersMu     sync.RWMutex
	listeners       []RecordListener
	statusListeners []StatusListener

	queue chan item
	wake  chan struct{}

	state        atomic.Int32
	started      atomic.Bool
	reconnect    atomic.Bool // a reconnect sequence is requested
	reconnecting atomic.Bool // guards against concurrent requests

	// owned by the run goroutine
	retries   int
	dirty     bool
	lastFlush time.Time

	connMu sync.Mutex
	conn   *connection

	ckptMu     sync.RWMutex
	checkpoint string

	errMu sync.Mutex
	err   error

	lifecycleMu sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	doneCh      chan struct{}
}

// NewStream creates a stream to the relay at addr. Listeners must be added before Start.
func NewStream(addr string, config ConnectionConfig, conf ClientConf) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		addr:     addr,
		conf:     conf,
		config:   config,
		clientID: conf.ClientID,
		clientIP: id.LocalIP(),
		extract:  RecordCheckpoint,
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		doneCh:   make(chan struct{}),
	}
	if s.clientID == "" {
		s.clientID = id.NewClientIDGenerator().NextID()
	}
	s.reconnect.Store(true)
	s.reconnecting.Store(true)
	return s
}

// SetCheckpointExtractor replaces the default RecordCheckpoint extractor
func (s *Stream) SetCheckpointExtractor(fn CheckpointExtractor) {
	s.extract = fn
}

// AddListener registers a record listener
func (s *Stream) AddListener(l RecordListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// AddStatusListener registers a runtime status listener
func (s *Stream) AddStatusListener(l StatusListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.statusListeners = append(s.statusListeners, l)
}

func (s *Stream) snapshotListeners() ([]RecordListener, []StatusListener) {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	return s.listeners, s.statusListeners
}

// ClientID returns the subscription id sent in every handshake
func (s *Stream) ClientID() string {
	return s.clientID
}

// State returns the current connection state
func (s *Stream) State() State {
	return State(s.state.Load())
}

// Checkpoint returns the checkpoint of the last record handed to every listener
func (s *Stream) Checkpoint() string {
	s.ckptMu.RLock()
	defer s.ckptMu.RUnlock()
	return s.checkpoint
}

func (s *Stream) setCheckpoint(ckpt string) {
	s.ckptMu.Lock()
	s.checkpoint = ckpt
	s.ckptMu.Unlock()
}

// Err returns the error that ended the stream, nil while running or after Stop
func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Start validates the configuration, restores a persisted checkpoint and starts streaming
func (s *Stream) Start() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.ctx.Err() != nil {
		return fmt.Errorf("stream already stopped")
	}
	if s.started.Load() {
		return fmt.Errorf("stream already started")
	}
	if err := s.conf.Validate(); err != nil {
		return fmt.Errorf("invalid client conf: %w", err)
	}
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid connection config: %w", err)
	}

	if store := s.conf.CheckpointStore; store != nil {
		ckpt, ok, err := store.Load(s.clientID)
		if err != nil {
			return fmt.Errorf("failed to restore checkpoint: %w", err)
		}
		if ok && ckpt != "" {
			s.setCheckpoint(ckpt)
			s.config.UpdateCheckpoint(ckpt)
			log.Info().Str("client_id", s.clientID).Str("checkpoint", ckpt).Msg("Restored checkpoint")
		}
	}

	s.queue = make(chan item, s.conf.TransferQueueSize)
	s.state.Store(int32(StateDisconnected))
	s.started.Store(true)

	go s.run()

	log.Info().Str("client_id", s.clientID).Str("relay", s.addr).Msg("Stream started")
	return nil
}

// Stop ends the stream and waits for it to exit. It must not be called from a listener.
func (s *Stream) Stop() {
	s.lifecycleMu.Lock()
	started := s.started.Load()
	s.cancel()
	s.lifecycleMu.Unlock()

	if !started {
		s.state.Store(int32(StateExited))
		return
	}
	s.signal()
	<-s.doneCh
}

// Join waits until the stream exits
func (s *Stream) Join() {
	if !s.started.Load() {
		return
	}
	<-s.doneCh
}

// Done is closed when the stream exits
func (s *Stream) Done() <-chan struct{} {
	return s.doneCh
}

func (s *Stream) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// triggerReconnect requests a reconnect sequence; requests made while one is pending are dropped
func (s *Stream) triggerReconnect() {
	if s.reconnecting.CompareAndSwap(false, true) {
		s.reconnect.Store(true)
		s.signal()
	}
}

// terminate records err, stops the stream and notifies listeners asynchronously
func (s *Stream) terminate(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()

	log.Error().Err(err).Str("client_id", s.clientID).Msg("Stream exiting")
	s.cancel()
	s.signal()
	s.triggerException(err)
}

func (s *Stream) triggerException(err error) {
	listeners, _ := s.snapshotListeners()
	go func() {
		for _, l := range listeners {
			l.OnError(err)
		}
	}()
}

func (s *Stream) run() {
	defer close(s.doneCh)
	defer func() {
		s.closeConn()
		s.flushCheckpoint(true)
		s.state.Store(int32(StateExited))
		log.Info().Str("client_id", s.clientID).Str("checkpoint", s.Checkpoint()).Msg("Stream exited")
	}()

	wait := time.NewTimer(s.conf.ReadWaitTime)
	defer wait.Stop()

	for s.ctx.Err() == nil {
		switch s.reconnectIfRequested() {
		case reconnectExit:
			s.terminate(newError(EMaxReconnect, fmt.Sprintf("exceeded %d reconnect attempts", s.conf.MaxReconnectTimes), nil))
			return
		case reconnectFatal:
			return
		case reconnectRetry:
			select {
			case <-time.After(s.conf.RetryInterval):
			case <-s.ctx.Done():
				return
			}
			continue
		}

		if !wait.Stop() {
			select {
			case <-wait.C:
			default:
			}
		}
		wait.Reset(s.conf.ReadWaitTime)

		select {
		case it := <-s.queue:
			if err := s.dispatch(it); err != nil {
				s.terminate(err)
				return
			}
			s.flushCheckpoint(false)
		case <-s.wake:
		case <-wait.C:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Stream) dispatch(it item) error {
	listeners, statusListeners := s.snapshotListeners()

	if it.status != nil {
		for _, l := range statusListeners {
			if err := notifyStatus(l, it.status); err != nil {
				return newError(EUser, "status listener failed", err)
			}
		}
		return nil
	}

	for _, l := range listeners {
		if err := notifyRecord(l, it.record); err != nil {
			return newError(EUser, "record listener failed", err)
		}
	}
	s.setCheckpoint(s.extract(it.record))
	s.dirty = true
	return nil
}

func (s *Stream) flushCheckpoint(force bool) {
	store := s.conf.CheckpointStore
	if store == nil || !s.dirty {
		return
	}
	if !force && time.Since(s.lastFlush) < s.conf.CheckpointFlushInterval {
		return
	}
	if err := store.Save(s.clientID, s.Checkpoint(), force); err != nil {
		log.Warn().Err(err).Str("client_id", s.clientID).Msg("Failed to persist checkpoint")
		return
	}
	s.dirty = false
	s.lastFlush = time.Now()
}

func (s *Stream) reconnectIfRequested() reconnectResult {
	if !s.reconnect.CompareAndSwap(true, false) {
		return reconnectOK
	}
	defer s.reconnecting.Store(false)

	if s.conf.MaxReconnectTimes != -1 && s.retries >= s.conf.MaxReconnectTimes {
		log.Error().Str("client_id", s.clientID).Int("max", s.conf.MaxReconnectTimes).Msg("Exceeded max reconnect attempts")
		s.reconnect.Store(true)
		return reconnectExit
	}

	s.closeConn()
	s.discardQueued()

	if ckpt := s.Checkpoint(); ckpt != "" {
		s.config.UpdateCheckpoint(ckpt)
		s.flushCheckpoint(true)
		log.Debug().Str("client_id", s.clientID).Str("checkpoint", ckpt).Msg("Reconnecting from checkpoint")
	}

	conn, err := s.connect()
	if err != nil {
		if Code(err).NeedStop() {
			s.terminate(err)
			return reconnectFatal
		}
		s.retries++
		s.state.Store(int32(StateDisconnected))
		log.Warn().
			Err(err).
			Str("client_id", s.clientID).
			Int("retry", s.retries).
			Int("max", s.conf.MaxReconnectTimes).
			Dur("retry_in", s.conf.RetryInterval).
			Msg("Failed to connect to relay")
		s.reconnect.Store(true)
		return reconnectRetry
	}

	s.retries = 0
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	s.state.Store(int32(StateStreaming))

	go s.readConn(conn)

	log.Info().
		Str("client_id", s.clientID).
		Str("relay", conn.remoteAddr()).
		Str("relay_version", conn.server.ServerVersion).
		Msg("Connected to relay")
	return reconnectOK
}

func (s *Stream) connect() (*connection, error) {
	configuration, err := s.config.Configuration()
	if err != nil {
		return nil, newError(EParse, "failed to render configuration", err)
	}
	_, statusListeners := s.snapshotListeners()

	s.state.Store(int32(StateConnecting))
	conn, err := dialConn(s.ctx, s.addr, &s.conf)
	if err != nil {
		return nil, err
	}

	s.state.Store(int32(StateHandshaking))
	hs := &protocol.ClientHandshake{
		Version:       s.conf.ProtocolVersion,
		Kind:          s.config.Kind(),
		ClientIP:      s.clientIP,
		ClientID:      s.clientID,
		ClientVersion: s.conf.ClientVersion,
		Configuration: configuration,
		EnableMonitor: len(statusListeners) > 0,
	}
	if err := conn.handshake(hs, s.conf.ConnectTimeout); err != nil {
		conn.close()
		close(conn.done)
		return nil, err
	}
	return conn, nil
}

func (s *Stream) readConn(c *connection) {
	defer close(c.done)

	err := c.readLoop(func(msg protocol.Message) error {
		return s.emit(c, msg)
	})
	if c.isClosing() || errors.Is(err, errConnClosing) {
		return
	}
	if Code(err).NeedStop() {
		s.terminate(err)
		return
	}

	log.Warn().Err(err).Str("client_id", s.clientID).Msg("Relay connection failed, reconnecting")
	s.state.Store(int32(StateDisconnected))
	s.triggerReconnect()
}

func (s *Stream) emit(c *connection, msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.ClientData:
		raws, err := protocol.DecodeRecordBlock(m.Block)
		if err != nil {
			return classifyDecodeError(err)
		}
		for _, raw := range raws {
			rec, err := encoding.UnmarshalRecord(raw)
			if err != nil {
				return newError(EParse, "failed to parse record", err)
			}
			if !rec.Op.Valid() {
				if s.conf.IgnoreUnknownRecordType {
					continue
				}
				return newError(EParse, fmt.Sprintf("unknown record type %s", rec.Op), nil)
			}
			if err := s.push(c, item{record: rec}); err != nil {
				return err
			}
		}
		return nil
	case *protocol.RuntimeStatus:
		return s.push(c, item{status: m})
	case *protocol.ErrorResponse:
		return classifyResponse(m.Code, m.Message)
	default:
		return newError(EHeaderType, fmt.Sprintf("unexpected %s while streaming", msg.MessageType()), nil)
	}
}

// push blocks while the queue is full, which stops reading from the socket
func (s *Stream) push(c *connection, it item) error {
	select {
	case s.queue <- it:
		return nil
	case <-c.closing:
		return errConnClosing
	}
}

// closeConn closes the current connection and waits for its reader to exit
func (s *Stream) closeConn() {
	s.connMu.Lock()
	c := s.conn
	s.conn = nil
	s.connMu.Unlock()

	if c == nil {
		return
	}
	c.close()
	<-c.done
}

// discardQueued drops items of a replaced connection; the next one resumes from the checkpoint
func (s *Stream) discardQueued() {
	dropped := 0
	for {
		select {
		case <-s.queue:
			dropped++
		default:
			if dropped > 0 {
				log.Debug().Str("client_id", s.clientID).Int("dropped", dropped).Msg("Discarded undelivered items")
			}
			return
		}
	}
}
