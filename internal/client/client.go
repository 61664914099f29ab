// Package client is the worker side of the router protocol: it attaches,
// sends and receives DATA frames, and issues edge and policy commands.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/procgraph/internal/protocol"
	"github.com/danmuck/procgraph/internal/protocol/command"
	"github.com/danmuck/procgraph/internal/protocol/frame"
	"github.com/danmuck/procgraph/internal/protocol/session"
	"github.com/danmuck/procgraph/internal/transport/wsconn"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed        = errors.New("client: closed")
	ErrReplyMismatch = errors.New("client: reply for a different command")
)

// Config selects the router endpoint and retry behavior.
type Config struct {
	// Network is "tcp", "unix" or "ws". For "ws" Address is a websocket URL.
	Network string
	Address string
	// RequestedAddress asks the router for a specific address; zero lets the
	// router choose.
	RequestedAddress   protocol.Address
	Session            session.Config
	Limits             frame.Limits
	MaxConnectAttempts int
	// Inbox bounds DATA frames waiting for Recv. When it is full the oldest
	// frame is dropped.
	Inbox int
}

func DefaultConfig() Config {
	return Config{
		Network:            "tcp",
		Address:            "127.0.0.1:7400",
		Session:            session.DefaultConfig(),
		Limits:             frame.DefaultLimits(),
		MaxConnectAttempts: 5,
		Inbox:              64,
	}
}

// Client is one attached node. Data frames arrive through Recv; one command
// is outstanding at a time.
type Client struct {
	cfg  Config
	conn net.Conn
	addr protocol.Address

	writeMu sync.Mutex
	cmdMu   sync.Mutex

	replies chan command.Reply
	data    chan frame.Frame

	done      chan struct{}
	readErr   error
	closeOnce sync.Once
}

// Dial connects and performs the NEW_ADDRESS handshake, retrying with
// backoff until MaxConnectAttempts is reached. Zero attempts retries forever.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg = normalize(cfg)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var attempt int
	for {
		attempt++
		c, err := dialOnce(ctx, cfg)
		if err == nil {
			return c, nil
		}
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Str("network", cfg.Network).
			Str("addr", cfg.Address).
			Msg("router dial failed")
		if !shouldRetry(cfg, attempt, err) {
			return nil, err
		}
		if err := sleepBackoff(ctx, cfg.Session.Backoff, attempt, rng); err != nil {
			return nil, err
		}
	}
}

func normalize(cfg Config) Config {
	def := DefaultConfig()
	cfg.Network = strings.ToLower(strings.TrimSpace(cfg.Network))
	if cfg.Network == "" {
		cfg.Network = def.Network
	}
	if strings.TrimSpace(cfg.Address) == "" {
		cfg.Address = def.Address
	}
	if cfg.Limits.MaxPayload == 0 {
		cfg.Limits = def.Limits
	}
	if cfg.Inbox <= 0 {
		cfg.Inbox = def.Inbox
	}
	cfg.Session = cfg.Session.WithDefaults()
	return cfg
}

func shouldRetry(cfg Config, attempt int, err error) bool {
	var se *command.ReplyError
	if errors.As(err, &se) {
		return false
	}
	if cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < cfg.MaxConnectAttempts
}

func sleepBackoff(ctx context.Context, cfg session.BackoffConfig, attempt int, rng *rand.Rand) error {
	delay := cfg.Delay(attempt, rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func dialOnce(ctx context.Context, cfg Config) (*Client, error) {
	conn, err := dialTransport(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:     cfg,
		conn:    conn,
		addr:    protocol.NoAddress,
		replies: make(chan command.Reply, 1),
		data:    make(chan frame.Frame, cfg.Inbox),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	hsCtx, cancel := context.WithTimeout(ctx, cfg.Session.HandshakeTimeout)
	defer cancel()
	var args []byte
	if cfg.RequestedAddress.Assignable() {
		args = command.EncodeAddress(cfg.RequestedAddress)
	}
	reply, err := c.roundTrip(hsCtx, command.OpNewAddress, args)
	if err == nil {
		err = reply.Err()
	}
	if err == nil {
		var ok bool
		c.addr, ok, err = command.DecodeAddress(reply.Body)
		if err == nil && !ok {
			err = fmt.Errorf("%w: new_address reply without address", command.ErrShortArgs)
		}
	}
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func dialTransport(ctx context.Context, cfg Config) (net.Conn, error) {
	switch cfg.Network {
	case "ws", "wss":
		return wsconn.Dial(ctx, cfg.Address, cfg.Session.ConnectTimeout)
	default:
		dialer := net.Dialer{Timeout: cfg.Session.ConnectTimeout}
		return dialer.DialContext(ctx, cfg.Network, cfg.Address)
	}
}

// Address returns the router-assigned address.
func (c *Client) Address() protocol.Address {
	return c.addr
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the read loop, if any.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.readErr
	default:
		return nil
	}
}

func (c *Client) readLoop() {
	var err error
	defer func() {
		c.readErr = err
		close(c.done)
	}()
	for {
		var f frame.Frame
		f, err = frame.ReadFrame(c.conn, c.cfg.Limits)
		if err != nil {
			return
		}
		switch {
		case f.Header.Type.Base() == frame.TypeCommand && f.Header.Type.IsReply():
			reply, perr := command.ParseReply(f.Payload)
			if perr != nil {
				log.Warn().Err(perr).Msg("client: malformed reply dropped")
				continue
			}
			select {
			case c.replies <- reply:
			default:
				log.Warn().Stringer("op", reply.Op).Msg("client: unsolicited reply dropped")
			}
		case f.Header.Type.Base() == frame.TypeData:
			c.enqueue(f)
		default:
			log.Warn().Stringer("type", f.Header.Type).Msg("client: unexpected frame dropped")
		}
	}
}

// enqueue hands f to Recv without blocking. A full inbox loses its oldest
// frame so that replies queued behind data are still read.
func (c *Client) enqueue(f frame.Frame) {
	for {
		select {
		case c.data <- f:
			return
		default:
		}
		select {
		case old := <-c.data:
			log.Warn().
				Stringer("source", old.Header.Source).
				Int("bytes", old.Len()).
				Int("inbox", cap(c.data)).
				Msg("client: inbox full, oldest frame dropped")
		default:
		}
	}
}

func (c *Client) write(ctx context.Context, raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	deadline := time.Now().Add(c.cfg.Session.WriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = c.conn.SetWriteDeadline(deadline)
	_, err := c.conn.Write(raw)
	return err
}

func (c *Client) roundTrip(ctx context.Context, op command.Op, args []byte) (command.Reply, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	// A reply that arrived after an earlier timeout must not answer this command.
	select {
	case <-c.replies:
	default:
	}
	if err := c.write(ctx, frame.EncodeCommandFrom(c.addr, byte(op), args)); err != nil {
		return command.Reply{}, err
	}
	timer := time.NewTimer(c.cfg.Session.ReplyTimeout)
	defer timer.Stop()
	select {
	case reply := <-c.replies:
		if reply.Op != op {
			return command.Reply{}, fmt.Errorf("%w: sent %s, got %s", ErrReplyMismatch, op, reply.Op)
		}
		return reply, nil
	case <-c.done:
		return command.Reply{}, ErrClosed
	case <-timer.C:
		return command.Reply{}, fmt.Errorf("client: %s reply timed out", op)
	case <-ctx.Done():
		return command.Reply{}, ctx.Err()
	}
}

func (c *Client) exec(ctx context.Context, op command.Op, args []byte) error {
	reply, err := c.roundTrip(ctx, op, args)
	if err != nil {
		return err
	}
	return reply.Err()
}

// Send emits payload as a DATA frame from this node.
func (c *Client) Send(ctx context.Context, payload []byte) error {
	return c.write(ctx, frame.EncodeData(c.addr, payload))
}

// Recv returns the next DATA frame routed to this node.
func (c *Client) Recv(ctx context.Context) (frame.Frame, error) {
	select {
	case f := <-c.data:
		return f, nil
	case <-c.done:
		select {
		case f := <-c.data:
			return f, nil
		default:
		}
		return frame.Frame{}, ErrClosed
	case <-ctx.Done():
		return frame.Frame{}, ctx.Err()
	}
}

// Connect asks the router to add the edge source->target.
func (c *Client) Connect(ctx context.Context, source, target protocol.Address) error {
	return c.exec(ctx, command.OpConnect, command.EncodePair(source, target))
}

func (c *Client) Disconnect(ctx context.Context, source, target protocol.Address) error {
	return c.exec(ctx, command.OpDisconnect, command.EncodePair(source, target))
}

func (c *Client) SetPolicy(ctx context.Context, source protocol.Address, p protocol.Policy) error {
	return c.exec(ctx, command.OpPolicy, command.EncodePolicy(source, p))
}

// Status queries addr; pass this node's own address for a self report.
func (c *Client) Status(ctx context.Context, addr protocol.Address) (command.StatusReport, error) {
	reply, err := c.roundTrip(ctx, command.OpStatus, command.EncodeAddress(addr))
	if err != nil {
		return command.StatusReport{}, err
	}
	if err := reply.Err(); err != nil {
		return command.StatusReport{}, err
	}
	return command.DecodeStatus(reply.Body)
}

// Close ends the connection and waits for the read loop to exit.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		<-c.done
	})
	return err
}
