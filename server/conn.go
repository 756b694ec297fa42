package server

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/maxpert/cdcrelay/protocol"
)

const (
	listenerProxy   = "proxy"
	listenerCapture = "capture"
)

// errPeerClosed marks a connection that ended without a protocol error
var errPeerClosed = errors.New("peer closed connection")

// conn wraps an accepted socket with its frame decoder
type conn struct {
	id       string
	listener string
	nc       net.Conn
	dec      *protocol.Decoder
	buf      []byte
}

func newConn(id, listener string, nc net.Conn, role protocol.Role, maxPacket, bufSize int) *conn {
	dec := protocol.NewDecoder(role)
	dec.SetMaxPacketBytes(maxPacket)
	return &conn{
		id:       id,
		listener: listener,
		nc:       nc,
		dec:      dec,
		buf:      make([]byte, bufSize),
	}
}

// next blocks until a complete message is decoded. Read failures are returned as
// errPeerClosed or the underlying error; decode failures as *protocol.DecodeError.
func (c *conn) next() (protocol.Message, error) {
	for {
		msg, err := c.dec.Next()
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, protocol.ErrNeedMore) {
			return nil, err
		}

		n, rerr := c.nc.Read(c.buf)
		if n > 0 {
			c.dec.Feed(c.buf[:n])
			continue
		}
		if rerr == nil {
			continue
		}
		if errors.Is(rerr, io.EOF) || errors.Is(rerr, net.ErrClosed) || errors.Is(rerr, io.ErrClosedPipe) {
			return nil, errPeerClosed
		}
		return nil, rerr
	}
}

// deadline bounds the next reads; zero clears it
func (c *conn) deadline(d time.Duration) {
	if d <= 0 {
		_ = c.nc.SetReadDeadline(time.Time{})
		return
	}
	_ = c.nc.SetReadDeadline(time.Now().Add(d))
}

func (c *conn) write(b []byte) error {
	_, err := c.nc.Write(b)
	return err
}

func (c *conn) remoteIP() string {
	host, _, err := net.SplitHostPort(c.nc.RemoteAddr().String())
	if err != nil {
		return c.nc.RemoteAddr().String()
	}
	return host
}

// sinkConn is the pipeline's view of a client socket. Writes wait until the handshake
// response has gone out so pipeline data never precedes it.
type sinkConn struct {
	net.Conn
	ready     chan struct{}
	readyOnce sync.Once
}

func newSinkConn(nc net.Conn) *sinkConn {
	return &sinkConn{Conn: nc, ready: make(chan struct{})}
}

func (s *sinkConn) Write(p []byte) (int, error) {
	<-s.ready
	return s.Conn.Write(p)
}

// open releases writers held back by Write
func (s *sinkConn) open() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *sinkConn) Close() error {
	s.open()
	return s.Conn.Close()
}
