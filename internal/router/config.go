package router

import (
	"strings"

	"github.com/danmuck/procgraph/internal/protocol"
	"github.com/danmuck/procgraph/internal/protocol/frame"
	"github.com/danmuck/procgraph/internal/protocol/session"
)

// StaticEdge is an edge installed at startup, before either endpoint attaches.
type StaticEdge struct {
	Source protocol.Address
	Target protocol.Address
}

// StaticPolicy sets the policy of a statically configured source.
type StaticPolicy struct {
	Source protocol.Address
	Policy protocol.Policy
}

// ServiceConfig configures the router listeners and per-connection limits.
type ServiceConfig struct {
	Name string
	// ListenNetwork is "tcp" or "unix".
	ListenNetwork   string
	ListenAddr      string
	WebsocketAddr   string
	WebsocketPath   string
	AdminListenAddr string
	CorsOrigins     []string
	// RingCapacity is the per-connection ring storage size. It is raised when
	// too small to hold the largest frame Limits allows.
	RingCapacity   int
	ReadChunk      int
	Limits         frame.Limits
	Session        session.Config
	StaticEdges    []StaticEdge
	StaticPolicies []StaticPolicy
}

// Router defaults for a single-host deployment.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Name:            "procgraph",
		ListenNetwork:   "tcp",
		ListenAddr:      ":7400",
		WebsocketAddr:   "",
		WebsocketPath:   "/stream",
		AdminListenAddr: "127.0.0.1:7401",
		CorsOrigins:     []string{"http://localhost:3000"},
		RingCapacity:    2 * 1024 * 1024,
		ReadChunk:       64 * 1024,
		Limits:          frame.DefaultLimits(),
		Session:         session.DefaultConfig(),
	}
}

// minRingCapacity is the smallest ring that can hold one maximal frame. The
// ring keeps one slot unused and rejects writes that would fill it exactly.
func minRingCapacity(limits frame.Limits) int {
	return frame.HeaderLen + int(limits.MaxPayload) + 2
}

func (c ServiceConfig) normalized() ServiceConfig {
	def := DefaultServiceConfig()
	if strings.TrimSpace(c.Name) == "" {
		c.Name = def.Name
	}
	c.ListenNetwork = strings.ToLower(strings.TrimSpace(c.ListenNetwork))
	if c.ListenNetwork == "" {
		c.ListenNetwork = def.ListenNetwork
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = def.ListenAddr
	}
	if strings.TrimSpace(c.WebsocketPath) == "" {
		c.WebsocketPath = def.WebsocketPath
	}
	if c.Limits.MaxPayload == 0 {
		c.Limits = def.Limits
	}
	if floor := minRingCapacity(c.Limits); c.RingCapacity < floor {
		c.RingCapacity = floor
	}
	if c.ReadChunk <= 0 {
		c.ReadChunk = def.ReadChunk
	}
	c.Session = c.Session.WithDefaults()
	return c
}
