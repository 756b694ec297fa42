package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/cdcrelay/capture"
	"github.com/maxpert/cdcrelay/protocol"
	"github.com/maxpert/cdcrelay/stream"
	"github.com/maxpert/cdcrelay/telemetry"
)

// handleClient serves one downstream client connection: one handshake, then the
// registry pipeline owns the write side until either end goes away.
func (s *Server) handleClient(ctx context.Context, c *conn) {
	telemetry.ConnectionsActive.With(c.listener).Inc()
	defer telemetry.ConnectionsActive.With(c.listener).Dec()

	c.deadline(s.cfg.HandshakeTimeout)
	msg, err := c.next()
	if err != nil {
		s.rejectUndecodable(c, err)
		return
	}
	c.deadline(0)

	hs, ok := msg.(*protocol.ClientHandshake)
	if !ok {
		s.rejectClient(c, protocol.V0, protocol.CodeErrPacket, fmt.Sprintf("unexpected %s", msg.MessageType()), "error")
		return
	}

	logger := log.With().
		Str("conn_id", c.id).
		Str("client_id", hs.ClientID).
		Str("remote", c.nc.RemoteAddr().String()).
		Logger()

	if strings.TrimSpace(hs.ClientID) == "" {
		s.rejectClient(c, hs.Version, protocol.CodeErrConfig, "client id is required", "error")
		return
	}

	allowed, err := s.auth.Authenticate(ctx, hs.Configuration)
	if err != nil {
		logger.Warn().Err(err).Msg("Authentication failed")
		s.rejectClient(c, hs.Version, protocol.CodeErrInit, "authentication unavailable", "error")
		return
	}
	if !allowed {
		logger.Warn().Msg("Client not authorized")
		s.rejectClient(c, hs.Version, protocol.CodeNoAuth, "not authorized", "no_auth")
		return
	}

	clientIP := hs.ClientIP
	if clientIP == "" {
		clientIP = c.remoteIP()
	}
	meta := &stream.SinkMeta{
		Kind:           hs.Kind,
		ConnID:         c.id,
		ClientIP:       clientIP,
		ClientID:       stream.ClientID(hs.ClientID),
		ClientVersion:  hs.ClientVersion,
		Configuration:  hs.Configuration,
		Protocol:       hs.Version,
		RegisterTime:   time.Now(),
		MonitorEnabled: hs.EnableMonitor,
	}

	sink := newSinkConn(c.nc)
	if err := s.registry.RegisterSink(ctx, meta, sink); err != nil {
		logger.Warn().Err(err).Msg("Failed to register sink")
		code := protocol.CodeErrInit
		if errors.Is(err, capture.ErrNoInvoker) {
			code = protocol.CodeErrConfig
		}
		s.rejectClient(c, hs.Version, code, err.Error(), "error")
		return
	}
	defer s.teardownSink(meta)

	resp, err := protocol.EncodeClientHandshakeResponse(hs.Version, protocol.CodeSuccess, s.cfg.AdvertiseIP, Version)
	if err == nil {
		err = c.write(resp)
	}
	sink.open()
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to send handshake response")
		telemetry.HandshakesTotal.With(c.listener, "error").Inc()
		return
	}
	telemetry.HandshakesTotal.With(c.listener, "success").Inc()
	logger.Info().
		Str("kind", hs.Kind.String()).
		Uint16("protocol", uint16(hs.Version)).
		Bool("monitor", hs.EnableMonitor).
		Msg("Client subscribed")

	// Clients send nothing after the handshake; reading only detects the close.
	msg, err = c.next()
	switch {
	case err == nil:
		logger.Warn().Str("type", msg.MessageType().String()).Msg("Unexpected message after handshake, closing")
	case errors.Is(err, errPeerClosed):
		logger.Debug().Msg("Client disconnected")
	default:
		if de := decodeError(err); de != nil {
			telemetry.DecodeErrorsTotal.With(string(de.Field)).Inc()
		}
		logger.Debug().Err(err).Msg("Client connection ended")
	}
}

// teardownSink removes the subscription of a closed client and drops the socket of its
// capture agent, if one is bound
func (s *Server) teardownSink(meta *stream.SinkMeta) {
	var sourceConn string
	if sub, ok := s.registry.Subscription(meta.ClientID); ok && sub.Sink != nil && sub.Sink.ConnID == meta.ConnID && sub.Source != nil {
		sourceConn = sub.Source.ConnID
	}
	s.registry.TeardownBySink(meta.ConnID)
	if sourceConn == "" {
		return
	}
	if nc, ok := s.conns.Load(sourceConn); ok {
		nc.Close()
	}
}

// rejectUndecodable answers a failed first read. Connections that never sent the magic
// sentinel are not speaking the protocol and are dropped silently.
func (s *Server) rejectUndecodable(c *conn, err error) {
	de := decodeError(err)
	if de == nil {
		log.Debug().Err(err).Str("conn_id", c.id).Str("listener", c.listener).Msg("Connection closed before handshake")
		return
	}
	telemetry.DecodeErrorsTotal.With(string(de.Field)).Inc()
	if !c.dec.MagicSeen() && de.Field == protocol.FieldMagic {
		log.Debug().Str("conn_id", c.id).Str("remote", c.nc.RemoteAddr().String()).Msg("Dropping non-protocol connection")
		return
	}
	log.Warn().Err(err).Str("conn_id", c.id).Str("listener", c.listener).Msg("Handshake decode failed")
	s.rejectClient(c, protocol.V0, protocol.CodeErrPacket, de.Error(), "error")
}

// rejectClient counts a failed handshake and answers it with an error response
func (s *Server) rejectClient(c *conn, v protocol.Version, code protocol.ResponseCode, message, result string) {
	telemetry.HandshakesTotal.With(c.listener, result).Inc()
	s.sendError(c, v, code, message)
}

// sendError writes an error response; closing is left to the accept loop
func (s *Server) sendError(c *conn, v protocol.Version, code protocol.ResponseCode, message string) {
	b, err := protocol.EncodeErrorResponse(v, code, message)
	if err != nil {
		b, _ = protocol.EncodeErrorResponse(protocol.V0, code, message)
	}
	_ = c.nc.SetWriteDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	if err := c.write(b); err != nil {
		log.Debug().Err(err).Str("conn_id", c.id).Msg("Failed to send error response")
	}
}

func decodeError(err error) *protocol.DecodeError {
	var de *protocol.DecodeError
	if errors.As(err, &de) {
		return de
	}
	return nil
}
