package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// DefaultFile is the config the template is rendered from.
func DefaultFile() File {
	return File{
		Name: "procgraph",
		Listen: ListenConfig{
			Network:       "tcp",
			Addr:          ":7400",
			WebsocketAddr: "",
			WebsocketPath: "/stream",
		},
		Admin: AdminConfig{
			Addr:        "127.0.0.1:7401",
			CorsOrigins: []string{"http://localhost:3000"},
		},
		Stream: StreamConfig{
			RingCapacity: 2 * 1024 * 1024,
			ReadChunk:    64 * 1024,
			MaxPayload:   1024 * 1024,
		},
		Session: SessionConfig{
			ConnectTimeout:   "5s",
			HandshakeTimeout: "5s",
			ReadTimeout:      "0s",
			WriteTimeout:     "15s",
			ReplyTimeout:     "10s",
		},
		Log: LogConfig{
			Level:      "info",
			Timestamp:  true,
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
		Edges: []EdgeConfig{
			{Source: 16, Target: 17},
			{Source: 16, Target: 18},
		},
		Policy: []PolicyConfig{
			{Source: 16, Policy: "round_robin"},
		},
	}
}

const templateHeader = `# procgraph router configuration.
# Static edges are installed at startup and wait for nodes that request
# those addresses with NEW_ADDRESS.

`

// Template renders the config template for kind. Only "router" exists.
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "router":
		out, err := toml.Marshal(DefaultFile())
		if err != nil {
			return "", fmt.Errorf("render router template: %w", err)
		}
		return templateHeader + string(out), nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
