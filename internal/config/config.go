// Package config defines the router configuration file, its template, and
// validation. Durations are Go duration strings.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/procgraph/internal/logging"
	"github.com/danmuck/procgraph/internal/protocol"
	"github.com/pelletier/go-toml/v2"
)

type File struct {
	Name    string         `toml:"name"`
	Listen  ListenConfig   `toml:"listen"`
	Admin   AdminConfig    `toml:"admin"`
	Stream  StreamConfig   `toml:"stream"`
	Session SessionConfig  `toml:"session"`
	Log     LogConfig      `toml:"log"`
	Edges   []EdgeConfig   `toml:"edges"`
	Policy  []PolicyConfig `toml:"policies"`
}

type ListenConfig struct {
	Network       string `toml:"network"`
	Addr          string `toml:"addr"`
	WebsocketAddr string `toml:"websocket_addr"`
	WebsocketPath string `toml:"websocket_path"`
}

type AdminConfig struct {
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
}

type StreamConfig struct {
	RingCapacity int    `toml:"ring_capacity"`
	ReadChunk    int    `toml:"read_chunk"`
	MaxPayload   uint32 `toml:"max_payload"`
}

type SessionConfig struct {
	ConnectTimeout   string `toml:"connect_timeout"`
	HandshakeTimeout string `toml:"handshake_timeout"`
	ReadTimeout      string `toml:"read_timeout"`
	WriteTimeout     string `toml:"write_timeout"`
	ReplyTimeout     string `toml:"reply_timeout"`
}

type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	Timestamp  bool   `toml:"timestamp"`
	NoColor    bool   `toml:"no_color"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

type EdgeConfig struct {
	Source uint32 `toml:"source"`
	Target uint32 `toml:"target"`
}

type PolicyConfig struct {
	Source uint32 `toml:"source"`
	Policy string `toml:"policy"`
}

// Load reads and validates a router config file.
func Load(path string) (File, error) {
	var cfg File
	if err := loadToml(path, &cfg); err != nil {
		return File{}, err
	}
	if err := Validate(cfg); err != nil {
		return File{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func Validate(cfg File) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Listen.Network)) {
	case "", "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("listen.network %q unsupported", cfg.Listen.Network)
	}
	if p := strings.TrimSpace(cfg.Listen.WebsocketPath); p != "" && !strings.HasPrefix(p, "/") {
		return fmt.Errorf("listen.websocket_path must start with /")
	}
	if cfg.Stream.RingCapacity < 0 || cfg.Stream.ReadChunk < 0 {
		return fmt.Errorf("stream sizes must not be negative")
	}
	durations := map[string]string{
		"session.connect_timeout":   cfg.Session.ConnectTimeout,
		"session.handshake_timeout": cfg.Session.HandshakeTimeout,
		"session.read_timeout":      cfg.Session.ReadTimeout,
		"session.write_timeout":     cfg.Session.WriteTimeout,
		"session.reply_timeout":     cfg.Session.ReplyTimeout,
	}
	for key, raw := range durations {
		if _, err := ParseDuration(raw); err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
	}
	if raw := strings.TrimSpace(cfg.Log.Level); raw != "" {
		if _, ok := logging.ParseLevel(raw); !ok {
			return fmt.Errorf("log.level %q unknown", raw)
		}
	}
	for i, e := range cfg.Edges {
		if !protocol.Address(e.Source).Assignable() || !protocol.Address(e.Target).Assignable() {
			return fmt.Errorf("edges[%d]: %d -> %d uses a reserved address", i, e.Source, e.Target)
		}
	}
	for i, p := range cfg.Policy {
		policy, err := protocol.ParsePolicy(p.Policy)
		if err != nil {
			return fmt.Errorf("policies[%d]: %w", i, err)
		}
		if policy.Reserved() {
			return fmt.Errorf("policies[%d]: %w: %s", i, protocol.ErrReservedPolicy, policy)
		}
	}
	return nil
}

// ParseDuration parses a duration string; empty means zero.
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", raw)
	}
	return d, nil
}
