package wsconn

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Listener accepts websocket upgrades on one HTTP path and hands each
// upgraded connection out through Accept.
type Listener struct {
	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader

	conns     chan *Conn
	done      chan struct{}
	closeOnce sync.Once
}

var _ net.Listener = (*Listener)(nil)

// Listen binds addr and serves websocket upgrades at path.
func Listen(addr, path string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return Serve(ln, path), nil
}

// Serve wraps an existing TCP listener.
func Serve(ln net.Listener, path string) *Listener {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "/"
	}
	l := &Listener{
		ln: ln,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(chan *Conn),
		done:  make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.Handle(path, l)
	l.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", ln.Addr().String()).Msg("websocket listener stopped")
		}
	}()
	return l
}

// ServeHTTP upgrades one request and queues the connection for Accept.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	conn := newConn(ws)
	select {
	case l.conns <- conn:
	case <-l.done:
		_ = conn.Close()
	}
}

func (l *Listener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err = l.srv.Shutdown(ctx)
	})
	return err
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}
