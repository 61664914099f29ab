package router

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/procgraph/internal/observability"
	"github.com/danmuck/procgraph/internal/protocol"
	"github.com/danmuck/procgraph/internal/protocol/frame"
	"github.com/danmuck/procgraph/internal/protocol/session"
	"github.com/danmuck/procgraph/internal/ringbuf"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrConnClosed = errors.New("router: connection closed")

// Conn is the router side of one attached transport. Its read loop runs on
// one goroutine; Write may be called from any connection's dispatch.
type Conn struct {
	id          string
	nc          net.Conn
	server      *Server
	ring        *ringbuf.Ring
	limits      frame.Limits
	timing      session.Config
	readChunk   int
	connectedAt time.Time
	logger      zerolog.Logger

	state atomic.Uint32
	addr  atomic.Uint32

	writeMu sync.Mutex
	closed  atomic.Bool

	hdr    [frame.HeaderLen]byte
	window []byte
}

func newConn(nc net.Conn, server *Server, cfg ServiceConfig) *Conn {
	id := uuid.NewString()
	c := &Conn{
		id:          id,
		nc:          nc,
		server:      server,
		ring:        ringbuf.New(cfg.RingCapacity),
		limits:      cfg.Limits,
		timing:      cfg.Session,
		readChunk:   cfg.ReadChunk,
		connectedAt: time.Now(),
		logger: log.With().
			Str("session", id).
			Str("remote", remoteString(nc)).
			Logger(),
	}
	c.addr.Store(uint32(protocol.NoAddress))
	observability.RecordConnectionState("", StateOpen.String())
	return c
}

func remoteString(nc net.Conn) string {
	if addr := nc.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (c *Conn) ID() string             { return c.id }
func (c *Conn) RemoteAddr() string     { return remoteString(c.nc) }
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }
func (c *Conn) State() State           { return State(c.state.Load()) }

// Address returns the assigned address; ok is false before the handshake.
func (c *Conn) Address() (protocol.Address, bool) {
	addr := protocol.Address(c.addr.Load())
	return addr, c.State() == StateRun && addr != protocol.NoAddress
}

// Closed reports whether the transport is shut or shutting down.
func (c *Conn) Closed() bool {
	return c.closed.Load() || c.State() >= StateClose
}

func (c *Conn) setState(to State) {
	from := State(c.state.Swap(uint32(to)))
	if from == to {
		return
	}
	observability.RecordConnectionState(from.String(), to.String())
	c.logger.Debug().Stringer("from", from).Stringer("to", to).Msg("connection state")
}

// Write sends raw frame bytes. Writes are serialized and bounded by the
// session write timeout. A failed write closes the transport, since a partial
// frame would desynchronize the peer.
func (c *Conn) Write(raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return ErrConnClosed
	}
	_ = c.nc.SetWriteDeadline(time.Now().Add(c.timing.WriteTimeout))
	if _, err := c.nc.Write(raw); err != nil {
		c.closeTransport()
		return err
	}
	return nil
}

// Close shuts the transport; the read loop then runs teardown.
func (c *Conn) Close() error {
	return c.closeTransport()
}

func (c *Conn) closeTransport() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.nc.Close()
}

// run is the connection goroutine body: read, reassemble, handle, then tear
// down once the transport fails.
func (c *Conn) run() {
	defer c.teardown()
	scratch := make([]byte, c.readChunk)
	for {
		if err := c.setReadDeadline(); err != nil {
			c.logger.Warn().Err(err).Msg("set read deadline")
		}
		free := c.ring.Free() - 1
		if free <= 0 {
			observability.RecordBackpressure()
			if !c.drain() {
				c.resync()
			}
			continue
		}
		n, err := c.nc.Read(scratch[:min(len(scratch), free)])
		if n > 0 {
			if c.ring.Write(scratch[:n]) == 0 {
				// Read size is bounded by free space, so this only happens if
				// the ring was destroyed underneath us.
				c.logger.Error().Int("bytes", n).Msg("ring rejected read")
				return
			}
			c.drain()
		}
		if err != nil {
			c.logReadErr(err)
			return
		}
		if c.closed.Load() {
			return
		}
	}
}

func (c *Conn) setReadDeadline() error {
	switch {
	case c.State() == StateOpen:
		return c.nc.SetReadDeadline(time.Now().Add(c.timing.HandshakeTimeout))
	case c.timing.ReadTimeout > 0:
		return c.nc.SetReadDeadline(time.Now().Add(c.timing.ReadTimeout))
	default:
		return c.nc.SetReadDeadline(time.Time{})
	}
}

func (c *Conn) logReadErr(err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), c.closed.Load():
		c.logger.Debug().Err(err).Msg("transport closed")
	default:
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			c.logger.Warn().Stringer("state", c.State()).Msg("transport read timeout")
			return
		}
		c.logger.Warn().Err(err).Msg("transport read failed")
	}
}

// drain handles every complete frame at the front of the ring. It returns
// false when no frame was consumed.
func (c *Conn) drain() bool {
	progressed := false
	for !c.closed.Load() {
		have := c.ring.Len()
		if have == 0 {
			return progressed
		}
		n := c.ring.PeekInto(c.hdr[:], 0)
		result, _ := c.limits.TryParse(c.hdr[:n])
		if result == frame.Desynced {
			c.resync()
			progressed = true
			continue
		}
		if n < frame.HeaderLen {
			return progressed
		}
		need := frame.NeedHeader(c.hdr[:n])
		if have < need {
			return progressed
		}
		if cap(c.window) < need {
			c.window = make([]byte, need)
		}
		window := c.window[:need]
		c.ring.PeekInto(window, 0)
		result, total := c.limits.TryParse(window)
		if result != frame.Ready {
			c.resync()
			progressed = true
			continue
		}
		c.ring.Discard(total)
		progressed = true
		if err := c.handle(window[:total]); err != nil {
			c.logger.Debug().Err(err).Msg("closing connection")
			c.closeTransport()
			return progressed
		}
	}
	return progressed
}

// resync drops the byte at the front of the ring and then every byte up to
// the next magic byte. The loss is logged once per resync.
func (c *Conn) resync() {
	dropped := c.ring.Discard(1)
	for {
		b, ok := c.ring.Peek(0)
		if !ok || b == frame.Magic {
			break
		}
		dropped += c.ring.Discard(1)
	}
	observability.RecordDesync(dropped)
	c.logger.Error().Int("bytes", dropped).Msg("stream desynchronized, bytes discarded")
}

// teardown runs CLOSE -> ZOMBIE. Detach happens before the ring is released
// so no dispatch can still target this connection's address.
func (c *Conn) teardown() {
	c.closeTransport()
	wasRun := c.State() == StateRun
	c.setState(StateClose)
	if wasRun {
		addr := protocol.Address(c.addr.Load())
		c.server.Detach(c, addr)
	}
	c.setState(StateZombie)
	observability.RecordConnectionState(StateZombie.String(), "")
	stats := c.ring.Stats()
	c.ring.Destroy()
	c.logger.Debug().
		Uint64("bytes_in", stats.Written).
		Uint64("bytes_handled", stats.Read).
		Msg("connection finished")
}
