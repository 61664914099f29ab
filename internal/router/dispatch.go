package router

import (
	"errors"

	"github.com/danmuck/procgraph/internal/forward"
	"github.com/danmuck/procgraph/internal/observability"
	"github.com/danmuck/procgraph/internal/protocol"
	"github.com/danmuck/procgraph/internal/protocol/frame"
)

// handle processes one complete frame. raw is only valid for the duration of
// the call. A returned error closes the connection.
func (c *Conn) handle(raw []byte) error {
	h, err := frame.ParseHeader(raw)
	if err != nil {
		// TryParse already vetted magic and version.
		c.logger.Error().Err(err).Msg("parse vetted header")
		return nil
	}
	observability.RecordFrameReceived(h.Type.String())
	if h.Type.IsReply() {
		c.logger.Warn().Stringer("type", h.Type).Msg("reply frame from node dropped")
		return nil
	}
	switch h.Type.Base() {
	case frame.TypeCommand:
		return c.handleCommand(raw[frame.HeaderLen:])
	case frame.TypeData:
		src, ok := c.Address()
		if !ok {
			observability.RecordDrop(observability.DropBeforeHandshake)
			c.logger.Warn().Stringer("state", c.State()).Msg("data before handshake dropped")
			return nil
		}
		if h.Source != src {
			observability.RecordDrop(observability.DropSourceMismatch)
			c.logger.Warn().
				Stringer("claimed", h.Source).
				Stringer("address", src).
				Msg("data with foreign source dropped")
			return nil
		}
		c.server.Route(src, raw)
		return nil
	default:
		c.logger.Warn().Stringer("type", h.Type).Msg("unknown frame type dropped")
		return nil
	}
}

// Route forwards one DATA frame from source along its forward entry. Routing
// failures are drops with a warning; nothing is reported to the sender.
func (s *Server) Route(source protocol.Address, raw []byte) {
	found, err := s.table.Visit(source, func(v *forward.View) error {
		edges, err := v.Select()
		if err != nil {
			return err
		}
		policy := v.Policy().String()
		for _, edge := range edges {
			s.deliver(source, edge, raw, policy)
		}
		return nil
	})
	switch {
	case !found:
		observability.RecordDrop(observability.DropNoEntry)
		s.logger.Warn().Stringer("source", source).Msg("no forward entry, frame dropped")
	case errors.Is(err, forward.ErrPolicyReserved):
		observability.RecordDrop(observability.DropReservedPolicy)
		s.logger.Warn().Err(err).Stringer("source", source).Msg("policy has no dispatch, frame dropped")
	case err != nil:
		s.logger.Error().Err(err).Stringer("source", source).Msg("dispatch failed")
	}
}

// deliver writes raw to one edge target. The edge caches the target
// connection; a closed or missing cache is re-resolved through the registry.
// Must be called while the owning entry is held.
func (s *Server) deliver(source protocol.Address, edge *forward.Edge, raw []byte, policy string) {
	conn, _ := edge.Context.(*Conn)
	if conn == nil || conn.Closed() {
		edge.Context = nil
		resolved, ok := s.Lookup(edge.Target)
		if !ok || resolved.Closed() {
			observability.RecordDrop(observability.DropUnreachable)
			// A miss was already logged at warn by the registry.
			event := s.logger.Debug()
			if ok {
				event = s.logger.Warn()
			}
			event.
				Stringer("source", source).
				Stringer("target", edge.Target).
				Msg("target unreachable, frame dropped")
			return
		}
		conn = resolved
		edge.Context = resolved
	}
	if err := conn.Write(raw); err != nil {
		observability.RecordDrop(observability.DropWriteFailed)
		s.logger.Warn().
			Err(err).
			Stringer("source", source).
			Stringer("target", edge.Target).
			Msg("forward write failed")
		return
	}
	observability.RecordForward(policy, 1)
}
