// Package server runs the client-facing and capture-facing listeners of the relay.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"github.com/soheilhy/cmux"
	"golang.org/x/sync/errgroup"

	"github.com/maxpert/cdcrelay/auth"
	"github.com/maxpert/cdcrelay/id"
	"github.com/maxpert/cdcrelay/protocol"
	"github.com/maxpert/cdcrelay/stream"
)

// Version is reported to clients and capture agents in handshake responses
const Version = "1.0.0"

// Config holds the listener settings of a Server
type Config struct {
	BindAddress string
	ProxyPort   int // 0 picks a free port
	CapturePort int // 0 picks a free port
	AdvertiseIP string

	MaxPacketBytes   int
	ReadBufferSize   int
	CountRecords     bool
	HandshakeTimeout time.Duration

	// Admin is served on the proxy port for plain HTTP requests; nil disables it
	Admin http.Handler
}

func (c *Config) applyDefaults() {
	if c.MaxPacketBytes <= 0 {
		c.MaxPacketBytes = protocol.DefaultMaxPacketBytes
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 64 << 10
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.AdvertiseIP == "" {
		c.AdvertiseIP = id.LocalIP()
	}
}

// Server accepts downstream clients on the proxy port and capture agents on the capture
// port, and binds both through a stream.Registry.
type Server struct {
	cfg      Config
	registry *stream.Registry
	auth     auth.Authenticator
	ids      id.Generator

	proxyLn   net.Listener
	captureLn net.Listener
	mux       cmux.CMux
	httpSrv   *http.Server

	conns    *xsync.MapOf[string, net.Conn]
	handlers sync.WaitGroup
	closing  atomic.Bool
	stopOnce sync.Once
}

// New creates a server; authn nil allows every client
func New(cfg Config, registry *stream.Registry, authn auth.Authenticator) *Server {
	cfg.applyDefaults()
	if authn == nil {
		authn = auth.AllowAll{}
	}
	return &Server{
		cfg:      cfg,
		registry: registry,
		auth:     authn,
		ids:      id.UUIDGenerator{},
		conns:    xsync.NewMapOf[string, net.Conn](),
	}
}

// Listen binds both ports. Serve calls it when it has not been called yet.
func (s *Server) Listen() error {
	if s.proxyLn != nil {
		return nil
	}

	proxyLn, err := net.Listen("tcp", net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(s.cfg.ProxyPort)))
	if err != nil {
		return fmt.Errorf("listen on proxy port: %w", err)
	}
	captureLn, err := net.Listen("tcp", net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(s.cfg.CapturePort)))
	if err != nil {
		proxyLn.Close()
		return fmt.Errorf("listen on capture port: %w", err)
	}

	s.proxyLn = proxyLn
	s.captureLn = captureLn
	return nil
}

// ProxyAddr returns the bound client-facing address
func (s *Server) ProxyAddr() net.Addr {
	return s.proxyLn.Addr()
}

// CaptureAddr returns the bound capture agent address
func (s *Server) CaptureAddr() net.Addr {
	return s.captureLn.Addr()
}

// AdvertiseIP returns the address reported to clients
func (s *Server) AdvertiseIP() string {
	return s.cfg.AdvertiseIP
}

// Serve accepts connections until ctx is cancelled, then closes every listener and
// connection and waits for the handlers to finish.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mux = cmux.New(s.proxyLn)
	s.mux.SetReadTimeout(s.cfg.HandshakeTimeout)

	var httpLn net.Listener
	if s.cfg.Admin != nil {
		httpLn = s.mux.Match(cmux.HTTP1Fast())
		s.httpSrv = &http.Server{
			Handler:           s.cfg.Admin,
			ReadHeaderTimeout: s.cfg.HandshakeTimeout,
		}
	}
	protoLn := s.mux.Match(cmux.Any())

	log.Info().
		Str("proxy", s.proxyLn.Addr().String()).
		Str("capture", s.captureLn.Addr().String()).
		Bool("admin", s.httpSrv != nil).
		Msg("Relay server started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.acceptLoop(gctx, protoLn, listenerProxy, s.handleClient)
	})
	g.Go(func() error {
		return s.acceptLoop(gctx, s.captureLn, listenerCapture, s.handleSource)
	})
	if httpLn != nil {
		g.Go(func() error {
			if err := s.httpSrv.Serve(httpLn); err != nil && !s.stopping() {
				return fmt.Errorf("admin http: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		if err := s.mux.Serve(); err != nil && !s.stopping() {
			return fmt.Errorf("proxy mux: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.shutdown()
		return nil
	})

	err := g.Wait()
	s.handlers.Wait()
	log.Info().Msg("Relay server stopped")
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, listener string, handle func(context.Context, *conn)) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.stopping() || ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				log.Warn().Err(err).Str("listener", listener).Msg("Accept error")
				continue
			}
			return fmt.Errorf("accept on %s: %w", listener, err)
		}

		if tcp, ok := nc.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
			_ = tcp.SetKeepAlive(true)
		}

		role := protocol.RoleClientFacing
		if listener == listenerCapture {
			role = protocol.RoleSourceFacing
		}
		c := newConn(s.ids.NextID(), listener, nc, role, s.cfg.MaxPacketBytes, s.cfg.ReadBufferSize)
		s.conns.Store(c.id, nc)
		if s.stopping() {
			s.conns.Delete(c.id)
			nc.Close()
			return nil
		}

		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			defer s.conns.Delete(c.id)
			defer nc.Close()
			handle(ctx, c)
		}()
	}
}

// stopping reports whether shutdown has begun; listener errors after that are expected
func (s *Server) stopping() bool {
	return s.closing.Load()
}

func (s *Server) shutdown() {
	s.stopOnce.Do(func() {
		s.closing.Store(true)

		if s.httpSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				log.Debug().Err(err).Msg("Admin http shutdown")
			}
			cancel()
		}
		s.proxyLn.Close()
		s.captureLn.Close()

		s.conns.Range(func(_ string, nc net.Conn) bool {
			nc.Close()
			return true
		})
	})
}
