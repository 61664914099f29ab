package router

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/procgraph/internal/forward"
	"github.com/danmuck/procgraph/internal/protocol"
	"github.com/danmuck/procgraph/internal/protocol/command"
	"github.com/danmuck/procgraph/internal/registry"
	"github.com/rs/zerolog"
)

var ErrAddressSpaceExhausted = errors.New("router: no assignable address left")

// Server owns the router-wide state shared by every connection goroutine.
type Server struct {
	registry *registry.Registry
	table    *forward.Table
	logger   zerolog.Logger

	attachMu sync.Mutex
	nextAddr protocol.Address

	staticMu       sync.RWMutex
	staticEdges    map[protocol.Address][]protocol.Address
	staticPolicies map[protocol.Address]protocol.Policy

	startedAt time.Time
}

// NodeInfo describes one registered connection.
type NodeInfo struct {
	Address     protocol.Address `json:"address"`
	Session     string           `json:"session"`
	Remote      string           `json:"remote"`
	State       string           `json:"state"`
	ConnectedAt time.Time        `json:"connected_at"`
}

func NewServer(logger zerolog.Logger) *Server {
	return &Server{
		registry:       registry.New(logger),
		table:          forward.New(logger),
		logger:         logger.With().Str("component", "router").Logger(),
		nextAddr:       protocol.RouterAddress,
		staticEdges:    make(map[protocol.Address][]protocol.Address),
		staticPolicies: make(map[protocol.Address]protocol.Policy),
		startedAt:      time.Now(),
	}
}

func (s *Server) Registry() *registry.Registry { return s.registry }
func (s *Server) Table() *forward.Table        { return s.table }
func (s *Server) StartedAt() time.Time         { return s.startedAt }

// InstallStatic records static edges and policies and installs them. A static
// source whose entry is later removed gets it back when it attaches again.
func (s *Server) InstallStatic(edges []StaticEdge, policies []StaticPolicy) {
	s.staticMu.Lock()
	for _, e := range edges {
		s.staticEdges[e.Source] = append(s.staticEdges[e.Source], e.Target)
	}
	for _, p := range policies {
		s.staticPolicies[p.Source] = p.Policy
	}
	sources := make([]protocol.Address, 0, len(s.staticEdges))
	for source := range s.staticEdges {
		sources = append(sources, source)
	}
	s.staticMu.Unlock()

	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })
	for _, source := range sources {
		s.restoreStatic(source)
	}
}

func (s *Server) restoreStatic(source protocol.Address) {
	if _, ok := s.table.Policy(source); ok {
		return
	}
	s.staticMu.RLock()
	targets := append([]protocol.Address(nil), s.staticEdges[source]...)
	policy, hasPolicy := s.staticPolicies[source]
	s.staticMu.RUnlock()
	if len(targets) == 0 {
		return
	}
	for _, target := range targets {
		s.table.AddEdge(source, target)
	}
	if hasPolicy {
		if err := s.table.SetPolicy(source, policy); err != nil {
			s.logger.Warn().Err(err).Stringer("source", source).Msg("static policy not applied")
		}
	}
	s.logger.Info().Stringer("source", source).Int("edges", len(targets)).Msg("static edges installed")
}

// Attach registers c and returns its address. A requested address is honored
// when it is assignable and free; otherwise the next free address is allocated.
func (s *Server) Attach(c *Conn, requested protocol.Address) (protocol.Address, error) {
	s.attachMu.Lock()
	var addr protocol.Address
	if requested.Assignable() && !s.registry.Contains(requested) {
		addr = requested
	} else {
		var err error
		addr, err = s.allocate()
		if err != nil {
			s.attachMu.Unlock()
			return 0, err
		}
		if requested.Assignable() {
			s.logger.Warn().
				Stringer("requested", requested).
				Stringer("assigned", addr).
				Msg("requested address in use")
		}
	}
	s.registry.Register(addr, c)
	s.attachMu.Unlock()

	s.restoreStatic(addr)
	return addr, nil
}

// allocate walks the address space from the last assignment. Must be called
// with attachMu held.
func (s *Server) allocate() (protocol.Address, error) {
	for i := uint64(0); i < 1<<32; i++ {
		s.nextAddr++
		if s.nextAddr.Assignable() && !s.registry.Contains(s.nextAddr) {
			return s.nextAddr, nil
		}
	}
	return 0, ErrAddressSpaceExhausted
}

// Detach removes every outbound edge of addr and unregisters it, provided
// the registry still maps addr to c.
func (s *Server) Detach(c *Conn, addr protocol.Address) {
	removed := s.table.RemoveAll(addr)
	s.attachMu.Lock()
	ctx, ok := s.registry.Lookup(addr)
	if ok && ctx == c {
		s.registry.Unregister(addr)
	}
	s.attachMu.Unlock()
	s.logger.Debug().Stringer("address", addr).Int("edges", removed).Msg("node detached")
}

// Connect adds source->target unless that edge already exists.
func (s *Server) Connect(source, target protocol.Address) command.Status {
	if !source.Assignable() || !target.Assignable() {
		return command.StatusRejected
	}
	if s.table.HasEdge(source, target) {
		return command.StatusExists
	}
	s.table.AddEdge(source, target)
	return command.StatusOK
}

func (s *Server) Disconnect(source, target protocol.Address) command.Status {
	if !s.table.RemoveEdge(source, target) {
		return command.StatusNotFound
	}
	return command.StatusOK
}

// SetPolicy changes a source's policy. Policies without a dispatch algorithm
// are rejected here so they never reach the table from the wire.
func (s *Server) SetPolicy(source protocol.Address, p protocol.Policy) command.Status {
	if !p.Valid() {
		return command.StatusError
	}
	if p.Reserved() {
		return command.StatusRejected
	}
	if err := s.table.SetPolicy(source, p); err != nil {
		if errors.Is(err, forward.ErrNoEntry) {
			return command.StatusNotFound
		}
		s.logger.Warn().Err(err).Stringer("source", source).Msg("set policy failed")
		return command.StatusError
	}
	return command.StatusOK
}

// Status reports registration and forward state for addr.
func (s *Server) Status(addr protocol.Address) command.StatusReport {
	report := command.StatusReport{
		Address:   addr,
		Connected: s.registry.Contains(addr),
		Policy:    protocol.PolicyBroadcast,
	}
	_, _ = s.table.Visit(addr, func(v *forward.View) error {
		report.Policy = v.Policy()
		report.Targets = v.Targets()
		return nil
	})
	return report
}

// Nodes lists registered connections in address order.
func (s *Server) Nodes() []NodeInfo {
	out := make([]NodeInfo, 0, s.registry.Len())
	s.registry.ForEach(func(n registry.Node) bool {
		info := NodeInfo{Address: n.Address}
		if c, ok := n.Context.(*Conn); ok {
			info.Session = c.ID()
			info.Remote = c.RemoteAddr()
			info.State = c.State().String()
			info.ConnectedAt = c.ConnectedAt()
		}
		out = append(out, info)
		return true
	})
	return out
}

func (s *Server) Edges() []forward.EntrySnapshot {
	return s.table.Snapshot()
}

// Lookup resolves a registered address to its connection.
func (s *Server) Lookup(addr protocol.Address) (*Conn, bool) {
	ctx, ok := s.registry.Lookup(addr)
	if !ok {
		return nil, false
	}
	c, ok := ctx.(*Conn)
	return c, ok
}
