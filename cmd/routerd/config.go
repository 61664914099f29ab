package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/procgraph/internal/config"
	"github.com/danmuck/procgraph/internal/logging"
	"github.com/danmuck/procgraph/internal/protocol"
	"github.com/danmuck/procgraph/internal/router"
)

// loadServiceConfig overlays the keys present in path onto the router and
// logging defaults. Absent keys keep their defaults.
func loadServiceConfig(path string) (router.ServiceConfig, logging.Config, error) {
	cfg := router.DefaultServiceConfig()
	logCfg := logging.DefaultConfig(logging.ProfileRuntime)

	var raw config.File
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return router.ServiceConfig{}, logging.Config{}, fmt.Errorf("load router config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return router.ServiceConfig{}, logging.Config{}, fmt.Errorf("load router config: unknown key %q", undecoded[0].String())
	}
	if err := config.Validate(raw); err != nil {
		return router.ServiceConfig{}, logging.Config{}, fmt.Errorf("load router config: %w", err)
	}

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Name = name
		}
	}

	if meta.IsDefined("listen", "network") {
		cfg.ListenNetwork = strings.TrimSpace(raw.Listen.Network)
	}
	if meta.IsDefined("listen", "addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.Listen.Addr)
	}
	if meta.IsDefined("listen", "websocket_addr") {
		cfg.WebsocketAddr = strings.TrimSpace(raw.Listen.WebsocketAddr)
	}
	if meta.IsDefined("listen", "websocket_path") {
		cfg.WebsocketPath = strings.TrimSpace(raw.Listen.WebsocketPath)
	}

	if meta.IsDefined("admin", "addr") {
		cfg.AdminListenAddr = strings.TrimSpace(raw.Admin.Addr)
	}
	if meta.IsDefined("admin", "cors_origins") {
		cfg.CorsOrigins = raw.Admin.CorsOrigins
	}

	if meta.IsDefined("stream", "ring_capacity") {
		cfg.RingCapacity = raw.Stream.RingCapacity
	}
	if meta.IsDefined("stream", "read_chunk") {
		cfg.ReadChunk = raw.Stream.ReadChunk
	}
	if meta.IsDefined("stream", "max_payload") {
		cfg.Limits.MaxPayload = raw.Stream.MaxPayload
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.Session.ConnectTimeout, &cfg.Session.ConnectTimeout},
		{"handshake_timeout", raw.Session.HandshakeTimeout, &cfg.Session.HandshakeTimeout},
		{"read_timeout", raw.Session.ReadTimeout, &cfg.Session.ReadTimeout},
		{"write_timeout", raw.Session.WriteTimeout, &cfg.Session.WriteTimeout},
		{"reply_timeout", raw.Session.ReplyTimeout, &cfg.Session.ReplyTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined("session", d.key) {
			continue
		}
		v, err := config.ParseDuration(d.raw)
		if err != nil {
			return router.ServiceConfig{}, logging.Config{}, fmt.Errorf("parse session.%s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("log", "level") {
		if lvl, ok := logging.ParseLevel(raw.Log.Level); ok {
			logCfg.Level = lvl
		}
	}
	if meta.IsDefined("log", "file") {
		logCfg.File = strings.TrimSpace(raw.Log.File)
	}
	if meta.IsDefined("log", "timestamp") {
		logCfg.Timestamp = raw.Log.Timestamp
	}
	if meta.IsDefined("log", "no_color") {
		logCfg.NoColor = raw.Log.NoColor
	}
	if meta.IsDefined("log", "max_size_mb") {
		logCfg.MaxSizeMB = raw.Log.MaxSizeMB
	}
	if meta.IsDefined("log", "max_backups") {
		logCfg.MaxBackups = raw.Log.MaxBackups
	}

	for _, e := range raw.Edges {
		cfg.StaticEdges = append(cfg.StaticEdges, router.StaticEdge{
			Source: protocol.Address(e.Source),
			Target: protocol.Address(e.Target),
		})
	}
	for _, p := range raw.Policy {
		policy, err := protocol.ParsePolicy(p.Policy)
		if err != nil {
			return router.ServiceConfig{}, logging.Config{}, err
		}
		cfg.StaticPolicies = append(cfg.StaticPolicies, router.StaticPolicy{
			Source: protocol.Address(p.Source),
			Policy: policy,
		})
	}

	return cfg, logCfg, nil
}
