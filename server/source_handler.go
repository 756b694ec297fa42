package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/cdcrelay/protocol"
	"github.com/maxpert/cdcrelay/stream"
	"github.com/maxpert/cdcrelay/telemetry"
)

// handleSource serves one capture agent connection: a handshake binding it to a ClientID,
// then data frames routed into that client's pipeline.
func (s *Server) handleSource(ctx context.Context, c *conn) {
	telemetry.ConnectionsActive.With(c.listener).Inc()
	defer telemetry.ConnectionsActive.With(c.listener).Dec()

	c.deadline(s.cfg.HandshakeTimeout)
	msg, err := c.next()
	if err != nil {
		s.rejectUndecodable(c, err)
		return
	}
	c.deadline(0)

	hs, ok := msg.(*protocol.SourceHandshake)
	if !ok {
		if pkt, isPkt := msg.(*protocol.Packet); isPkt {
			pkt.Release()
		}
		s.rejectClient(c, protocol.V0, protocol.CodeErrPacket, fmt.Sprintf("expected handshake, got %s", msg.MessageType()), "error")
		return
	}

	meta := &stream.SourceMeta{
		Kind:      protocol.KindOceanBase,
		ProcessID: hs.ProcessID,
		ClientID:  stream.ClientID(hs.ClientID),
		ConnID:    c.id,
		Version:   hs.AgentVersion,
	}
	if sub, ok := s.registry.Subscription(meta.ClientID); ok && sub.Sink != nil {
		meta.Kind = sub.Sink.Kind
	}

	logger := log.With().
		Str("conn_id", c.id).
		Str("client_id", hs.ClientID).
		Str("pid", hs.ProcessID).
		Logger()

	if err := s.registry.RegisterSource(meta); err != nil {
		logger.Warn().Err(err).Msg("Failed to bind capture agent")
		s.rejectClient(c, protocol.V0, protocol.CodeErrInit, err.Error(), "error")
		return
	}
	defer s.registry.TeardownBySource(c.id)

	if err := c.write(protocol.EncodeSourceHandshakeResponse(protocol.CodeSuccess, Version)); err != nil {
		logger.Warn().Err(err).Msg("Failed to send handshake response")
		telemetry.HandshakesTotal.With(c.listener, "error").Inc()
		return
	}
	telemetry.HandshakesTotal.With(c.listener, "success").Inc()
	logger.Info().Str("agent_version", hs.AgentVersion).Msg("Capture agent bound")

	s.sourceLoop(ctx, c, meta, logger)
}

func (s *Server) sourceLoop(ctx context.Context, c *conn, meta *stream.SourceMeta, logger zerolog.Logger) {
	clientID := string(meta.ClientID)
	bytesIn := telemetry.SourceBytesTotal.With(clientID)
	recordsIn := telemetry.SourceRecordsTotal.With(clientID)

	for {
		msg, err := c.next()
		if err != nil {
			if de := decodeError(err); de != nil {
				telemetry.DecodeErrorsTotal.With(string(de.Field)).Inc()
				logger.Warn().Err(err).Msg("Capture agent sent an invalid frame")
				s.sendError(c, protocol.V0, protocol.CodeErrPacket, de.Error())
				return
			}
			if !errors.Is(err, errPeerClosed) && !s.stopping() {
				logger.Warn().Err(err).Msg("Capture agent connection lost")
				return
			}
			logger.Info().Msg("Capture agent disconnected")
			return
		}

		pkt, ok := msg.(*protocol.Packet)
		if !ok {
			logger.Warn().Str("type", msg.MessageType().String()).Msg("Unexpected message from capture agent")
			s.sendError(c, protocol.V0, protocol.CodeErrPacket, fmt.Sprintf("unexpected %s", msg.MessageType()))
			return
		}

		s.registry.Heartbeat(c.id)

		records := 1
		if s.cfg.CountRecords {
			n, err := protocol.CountRecords(pkt.Block)
			if err != nil {
				pkt.Release()
				telemetry.DecodeErrorsTotal.With(string(protocol.FieldPayload)).Inc()
				logger.Warn().Err(err).Msg("Capture agent sent a corrupt record block")
				s.sendError(c, protocol.V0, protocol.CodeErrPacket, err.Error())
				return
			}
			records = n
		}
		meta.Observe(pkt.Length, records, pkt.Timestamp)
		bytesIn.Add(float64(pkt.Length))
		recordsIn.Add(float64(records))

		if err := s.registry.RouteData(ctx, meta.ClientID, pkt); err != nil {
			pkt.Release()
			if ctx.Err() == nil {
				logger.Info().Err(err).Msg("Subscription gone, closing capture agent")
			}
			return
		}
	}
}
