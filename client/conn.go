package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/maxpert/cdcrelay/protocol"
)

var errConnClosing = errors.New("connection closing")

// connection is one TCP session with the relay
type connection struct {
	nc      net.Conn
	dec     *protocol.Decoder
	bufSize int
	idle    time.Duration

	server *protocol.ClientHandshakeResponse

	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func dialConn(ctx context.Context, addr string, conf *ClientConf) (*connection, error) {
	d := net.Dialer{Timeout: conf.ConnectTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, newError(EConnect, "failed to connect to "+addr, err)
	}
	if tcp, ok := nc.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
	}

	dec := protocol.NewDecoder(protocol.RoleClient)
	dec.SetMaxPacketBytes(conf.MaxPacketBytes)

	return &connection{
		nc:      nc,
		dec:     dec,
		bufSize: conf.ReadBufferSize,
		idle:    conf.IdleTimeout,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// handshake sends hs and waits up to timeout for the relay's answer
func (c *connection) handshake(hs *protocol.ClientHandshake, timeout time.Duration) error {
	payload, err := protocol.EncodeClientHandshake(hs)
	if err != nil {
		return newError(EParse, "failed to encode handshake", err)
	}

	_ = c.nc.SetDeadline(time.Now().Add(timeout))
	defer c.nc.SetDeadline(time.Time{})

	if _, err := c.nc.Write(payload); err != nil {
		return newError(EConnect, "failed to send handshake", err)
	}

	buf := make([]byte, 4096)
	for {
		msg, err := c.dec.Next()
		if errors.Is(err, protocol.ErrNeedMore) {
			n, rerr := c.nc.Read(buf)
			if n > 0 {
				c.dec.Feed(buf[:n])
			}
			if rerr != nil && n == 0 {
				return newError(EConnect, "failed to read handshake response", rerr)
			}
			continue
		}
		if err != nil {
			return classifyDecodeError(err)
		}

		switch m := msg.(type) {
		case *protocol.ClientHandshakeResponse:
			if m.Code != protocol.CodeSuccess {
				return classifyResponse(m.Code, "handshake rejected")
			}
			c.server = m
			return nil
		case *protocol.ErrorResponse:
			return classifyResponse(m.Code, m.Message)
		default:
			return newError(EHeaderType, fmt.Sprintf("unexpected %s before handshake response", msg.MessageType()), nil)
		}
	}
}

// readLoop decodes messages until the connection fails. Messages buffered behind the
// handshake response are delivered first.
func (c *connection) readLoop(emit func(protocol.Message) error) error {
	buf := make([]byte, c.bufSize)
	for {
		if err := c.drain(emit); err != nil {
			return err
		}

		_ = c.nc.SetReadDeadline(time.Now().Add(c.idle))
		n, err := c.nc.Read(buf)
		if n > 0 {
			c.dec.Feed(buf[:n])
		}
		if err != nil {
			if derr := c.drain(emit); derr != nil {
				return derr
			}
			if c.isClosing() {
				return errConnClosing
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return newError(EConnect, fmt.Sprintf("no data for %s", c.idle), err)
			}
			return newError(EConnect, "connection lost", err)
		}
	}
}

func (c *connection) drain(emit func(protocol.Message) error) error {
	for {
		msg, err := c.dec.Next()
		if errors.Is(err, protocol.ErrNeedMore) {
			return nil
		}
		if err != nil {
			return classifyDecodeError(err)
		}
		if err := emit(msg); err != nil {
			return err
		}
	}
}

func (c *connection) isClosing() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

// close unblocks readLoop and closes the socket. Safe to call more than once.
func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.closing)
		_ = c.nc.Close()
	})
}

func (c *connection) remoteAddr() string {
	return c.nc.RemoteAddr().String()
}
