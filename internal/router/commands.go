package router

import (
	"github.com/danmuck/procgraph/internal/protocol"
	"github.com/danmuck/procgraph/internal/protocol/command"
	"github.com/danmuck/procgraph/internal/protocol/frame"
)

func (c *Conn) reply(op command.Op, status command.Status, body []byte) error {
	r := command.Reply{Op: op, Status: status, Body: body}
	return c.Write(frame.EncodeReply(byte(op), r.Args()))
}

// handleCommand runs one COMMAND payload. In OPEN only NEW_ADDRESS is
// accepted; everything else is rejected until the handshake completes.
func (c *Conn) handleCommand(payload []byte) error {
	cmd, err := command.Parse(payload)
	if err != nil {
		c.logger.Warn().Err(err).Msg("empty command dropped")
		return nil
	}
	c.logger.Debug().Stringer("op", cmd.Op).Int("args", len(cmd.Args)).Msg("command")

	if cmd.Op == command.OpNewAddress {
		return c.handleNewAddress(cmd)
	}
	if _, ok := c.Address(); !ok {
		c.logger.Warn().Stringer("op", cmd.Op).Msg("command before handshake rejected")
		return c.reply(cmd.Op, command.StatusRejected, nil)
	}

	switch cmd.Op {
	case command.OpStatus:
		addr, ok, err := command.DecodeAddress(cmd.Args)
		if err != nil {
			return c.reply(cmd.Op, command.StatusError, nil)
		}
		if !ok {
			addr, _ = c.Address()
		}
		return c.reply(cmd.Op, command.StatusOK, c.server.Status(addr).Encode())

	case command.OpPolicy:
		change, err := command.DecodePolicy(cmd.Args)
		if err != nil {
			c.logger.Warn().Err(err).Msg("policy command malformed")
			return c.reply(cmd.Op, command.StatusError, nil)
		}
		status := c.server.SetPolicy(change.Source, change.Policy)
		c.logResult(cmd.Op, status, change.Source, protocol.NoAddress)
		return c.reply(cmd.Op, status, nil)

	case command.OpConnect, command.OpDisconnect:
		pair, err := command.DecodePair(cmd.Args)
		if err != nil {
			c.logger.Warn().Err(err).Stringer("op", cmd.Op).Msg("edge command malformed")
			return c.reply(cmd.Op, command.StatusError, nil)
		}
		var status command.Status
		if cmd.Op == command.OpConnect {
			status = c.server.Connect(pair.Source, pair.Target)
		} else {
			status = c.server.Disconnect(pair.Source, pair.Target)
		}
		c.logResult(cmd.Op, status, pair.Source, pair.Target)
		return c.reply(cmd.Op, status, nil)

	default:
		c.logger.Warn().Stringer("op", cmd.Op).Msg("unsupported command")
		return c.reply(cmd.Op, command.StatusUnsupported, nil)
	}
}

func (c *Conn) handleNewAddress(cmd command.Command) error {
	if addr, ok := c.Address(); ok {
		c.logger.Warn().Stringer("address", addr).Msg("repeated new_address rejected")
		return c.reply(cmd.Op, command.StatusRejected, command.EncodeAddress(addr))
	}
	requested, _, err := command.DecodeAddress(cmd.Args)
	if err != nil {
		return c.reply(cmd.Op, command.StatusError, nil)
	}
	addr, err := c.server.Attach(c, requested)
	if err != nil {
		c.logger.Error().Err(err).Msg("address allocation failed")
		return c.reply(cmd.Op, command.StatusError, nil)
	}
	c.addr.Store(uint32(addr))
	c.setState(StateRun)
	c.logger = c.logger.With().Stringer("address", addr).Logger()
	c.logger.Info().Msg("node attached")
	return c.reply(cmd.Op, command.StatusOK, command.EncodeAddress(addr))
}

func (c *Conn) logResult(op command.Op, status command.Status, source, target protocol.Address) {
	event := c.logger.Info()
	if status != command.StatusOK {
		event = c.logger.Warn()
	}
	event = event.Stringer("op", op).Stringer("status", status).Stringer("source", source)
	if target != protocol.NoAddress {
		event = event.Stringer("target", target)
	}
	event.Msg("command handled")
}
