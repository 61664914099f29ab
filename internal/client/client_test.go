package client

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/procgraph/internal/protocol"
	"github.com/danmuck/procgraph/internal/protocol/command"
	"github.com/danmuck/procgraph/internal/protocol/frame"
	"github.com/danmuck/procgraph/internal/router"
	"github.com/danmuck/procgraph/internal/testutil/testlog"
	"github.com/danmuck/procgraph/internal/transport/wsconn"
)

func fastConfig(addr string) Config {
	cfg := DefaultConfig()
	cfg.Address = addr
	cfg.Session.Backoff.InitialDelay = 5 * time.Millisecond
	cfg.Session.Backoff.MaxDelay = 20 * time.Millisecond
	cfg.Session.Backoff.Jitter = false
	cfg.Session.HandshakeTimeout = time.Second
	return cfg
}

// fakeRouter answers each command with reply(op) until the peer goes away.
func fakeRouter(t *testing.T, reply func(source protocol.Address, op command.Op) []byte) (string, *atomic.Int32) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	var accepted atomic.Int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			go func(conn net.Conn) {
				defer conn.Close()
				for {
					f, err := frame.ReadFrame(conn, frame.DefaultLimits())
					if err != nil {
						return
					}
					cmd, err := command.Parse(f.Payload)
					if err != nil {
						return
					}
					if out := reply(f.Header.Source, cmd.Op); out != nil {
						if _, err := conn.Write(out); err != nil {
							return
						}
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String(), &accepted
}

func TestDialGivesUpAfterMaxAttempts(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	cfg := fastConfig(addr)
	cfg.MaxConnectAttempts = 3
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := Dial(ctx, cfg); err == nil {
		t.Fatalf("expected dial failure")
	}
}

func TestDialStopsOnContextCancel(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	cfg := fastConfig(addr)
	cfg.MaxConnectAttempts = 0
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := Dial(ctx, cfg); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRejectedHandshakeIsNotRetried(t *testing.T) {
	testlog.Start(t)
	addr, accepted := fakeRouter(t, func(_ protocol.Address, op command.Op) []byte {
		return frame.EncodeReply(byte(op), command.Reply{Op: op, Status: command.StatusRejected}.Args())
	})
	cfg := fastConfig(addr)
	cfg.MaxConnectAttempts = 5
	_, err := Dial(context.Background(), cfg)
	if !command.IsStatus(err, command.StatusRejected) {
		t.Fatalf("expected rejected status, got %v", err)
	}
	if n := accepted.Load(); n != 1 {
		t.Fatalf("dialed %d times, want 1", n)
	}
}

func TestCommandReplyTimeout(t *testing.T) {
	testlog.Start(t)
	addr, _ := fakeRouter(t, func(_ protocol.Address, op command.Op) []byte {
		if op != command.OpNewAddress {
			return nil
		}
		r := command.Reply{Op: op, Status: command.StatusOK, Body: command.EncodeAddress(33)}
		return frame.EncodeReply(byte(op), r.Args())
	})
	cfg := fastConfig(addr)
	cfg.Session.ReplyTimeout = 100 * time.Millisecond
	c, err := Dial(context.Background(), cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if c.Address() != 33 {
		t.Fatalf("address=%s", c.Address())
	}
	err = c.Connect(context.Background(), 33, 34)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected reply timeout, got %v", err)
	}
}

func TestRecvAfterCloseReportsClosed(t *testing.T) {
	testlog.Start(t)
	addr, _ := fakeRouter(t, func(_ protocol.Address, op command.Op) []byte {
		r := command.Reply{Op: op, Status: command.StatusOK, Body: command.EncodeAddress(7)}
		return frame.EncodeReply(byte(op), r.Args())
	})
	c, err := Dial(context.Background(), fastConfig(addr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = c.Close()
	if _, err := c.Recv(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := c.Send(context.Background(), []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on send, got %v", err)
	}
}

func TestWebsocketNodesExchangeFrames(t *testing.T) {
	testlog.Start(t)
	cfg := router.DefaultServiceConfig()
	cfg.AdminListenAddr = ""
	svc := router.NewServiceWithConfig(cfg)
	wl, err := wsconn.Listen("127.0.0.1:0", "/stream")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Serve(ctx, wl) }()

	url := "ws://" + wl.Addr().String() + "/stream"
	dial := func(requested protocol.Address) *Client {
		ccfg := fastConfig(url)
		ccfg.Network = "ws"
		ccfg.RequestedAddress = requested
		c, err := Dial(context.Background(), ccfg)
		if err != nil {
			t.Fatalf("dial ws: %v", err)
		}
		t.Cleanup(func() { _ = c.Close() })
		return c
	}
	src := dial(100)
	dst := dial(200)

	rctx, rcancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer rcancel()
	if err := src.Connect(rctx, 100, 200); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := src.Send(rctx, []byte("over-ws")); err != nil {
		t.Fatalf("send: %v", err)
	}
	f, err := dst.Recv(rctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if f.Header.Source != 100 || string(f.Payload) != "over-ws" {
		t.Fatalf("unexpected frame %+v", f)
	}
	report, err := dst.Status(rctx, 100)
	if err != nil || len(report.Targets) != 1 || report.Targets[0] != 200 {
		t.Fatalf("status=%+v err=%v", report, err)
	}
}

func TestFullInboxDoesNotBlockReplies(t *testing.T) {
	testlog.Start(t)
	svc := router.NewServiceWithConfig(router.DefaultServiceConfig())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Serve(ctx, ln) }()

	dial := func(requested protocol.Address, inbox int) *Client {
		cfg := fastConfig(ln.Addr().String())
		cfg.RequestedAddress = requested
		cfg.Inbox = inbox
		c, err := Dial(context.Background(), cfg)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		t.Cleanup(func() { _ = c.Close() })
		return c
	}
	src := dial(300, 0)
	dst := dial(301, 1)

	rctx, rcancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer rcancel()
	if err := src.Connect(rctx, 300, 301); err != nil {
		t.Fatalf("connect: %v", err)
	}
	for _, payload := range []string{"m1", "m2", "m3"} {
		if err := src.Send(rctx, []byte(payload)); err != nil {
			t.Fatalf("send %s: %v", payload, err)
		}
	}
	// The router handles src's frames in order, so once this reply is back
	// all three data frames have been written to dst.
	if _, err := src.Status(rctx, 300); err != nil {
		t.Fatalf("sender status: %v", err)
	}

	report, err := dst.Status(rctx, 300)
	if err != nil {
		t.Fatalf("status behind undrained inbox: %v", err)
	}
	if len(report.Targets) != 1 || report.Targets[0] != 301 {
		t.Fatalf("unexpected report %+v", report)
	}
	f, err := dst.Recv(rctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(f.Payload) != "m3" {
		t.Fatalf("inbox kept %q, want newest frame m3", f.Payload)
	}
}

func TestCommandsCarryAssignedAddressAfterHandshake(t *testing.T) {
	testlog.Start(t)
	sources := make(chan protocol.Address, 4)
	addr, _ := fakeRouter(t, func(source protocol.Address, op command.Op) []byte {
		sources <- source
		r := command.Reply{Op: op, Status: command.StatusOK}
		if op == command.OpNewAddress {
			r.Body = command.EncodeAddress(41)
		}
		return frame.EncodeReply(byte(op), r.Args())
	})
	c, err := Dial(context.Background(), fastConfig(addr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if err := c.Connect(context.Background(), 41, 42); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := <-sources; got != protocol.NoAddress {
		t.Fatalf("handshake source=%s want NoAddress", got)
	}
	if got := <-sources; got != 41 {
		t.Fatalf("command source=%s want assigned address", got)
	}
}
