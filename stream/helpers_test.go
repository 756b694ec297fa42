package stream

import (
	"bytes"
	"errors"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maxpert/cdcrelay/protocol"
)

// memSink collects writes. When gate is set every Write waits for it to be closed
// (or for the sink to be closed).
type memSink struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	closed   bool
	writeErr error
	gate     chan struct{}
	closeCh  chan struct{}
}

func newMemSink() *memSink {
	return &memSink{closeCh: make(chan struct{})}
}

func newGatedSink() *memSink {
	s := newMemSink()
	s.gate = make(chan struct{})
	return s
}

func (s *memSink) Write(b []byte) (int, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-s.closeCh:
			return 0, io.ErrClosedPipe
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	return s.buf.Write(b)
}

func (s *memSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.closeCh)
	}
	return nil
}

func (s *memSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *memSink) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

func (s *memSink) failWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

var errBrokenSink = errors.New("broken sink")

func testPacket(t testing.TB, checkpoint int64) *protocol.Packet {
	t.Helper()
	block, err := protocol.EncodeRecordBlock([][]byte{[]byte(strconv.FormatInt(checkpoint, 10))}, protocol.CompressNone)
	require.NoError(t, err)
	return protocol.NewPacket(1700000000+checkpoint, checkpoint, block)
}

// decodeClientStream parses everything a pipeline wrote, returning record payloads in
// order and any runtime status frames
func decodeClientStream(t testing.TB, data []byte) ([]string, []*protocol.RuntimeStatus) {
	t.Helper()
	d := protocol.NewDecoder(protocol.RoleClient)
	d.Feed(data)

	var records []string
	var statuses []*protocol.RuntimeStatus
	for {
		msg, err := d.Next()
		if errors.Is(err, protocol.ErrNeedMore) {
			break
		}
		require.NoError(t, err)
		switch m := msg.(type) {
		case *protocol.ClientData:
			recs, err := protocol.DecodeRecordBlock(m.Block)
			require.NoError(t, err)
			for _, r := range recs {
				records = append(records, string(r))
			}
		case *protocol.RuntimeStatus:
			statuses = append(statuses, m)
		default:
			t.Fatalf("unexpected message %T", msg)
		}
	}
	require.Zero(t, d.Buffered())
	return records, statuses
}

func testPipelineConfig() PipelineConfig {
	return PipelineConfig{
		ClientID:     "c1",
		Version:      protocol.V0,
		InboundSize:  64,
		OutboundSize: 64,
		WaitNum:      8,
		WaitTime:     10 * time.Millisecond,
	}
}
