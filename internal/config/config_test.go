package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/procgraph/internal/protocol"
	"github.com/danmuck/procgraph/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
)

func TestTemplateRoundTripsThroughLoad(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "router.toml")
	if err := WriteTemplate(path, "router", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(DefaultFile(), got); diff != "" {
		t.Fatalf("template mismatch (-want +got):\n%s", diff)
	}
	if err := WriteTemplate(path, "router", false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	if err := WriteTemplate(path, "router", true); err != nil {
		t.Fatalf("forced overwrite: %v", err)
	}
}

func TestTemplateUnknownKind(t *testing.T) {
	testlog.Start(t)
	if _, err := Template("relay"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	cases := map[string]func(*File){
		"network":  func(f *File) { f.Listen.Network = "udp" },
		"ws path":  func(f *File) { f.Listen.WebsocketPath = "stream" },
		"duration": func(f *File) { f.Session.WriteTimeout = "soon" },
		"negative": func(f *File) { f.Session.ReadTimeout = "-1s" },
		"level":    func(f *File) { f.Log.Level = "loud" },
		"edge":     func(f *File) { f.Edges = append(f.Edges, EdgeConfig{Source: 0, Target: 4}) },
		"policy":   func(f *File) { f.Policy = []PolicyConfig{{Source: 1, Policy: "fastest"}} },
	}
	for name, mutate := range cases {
		cfg := DefaultFile()
		mutate(&cfg)
		if err := Validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}

	cfg := DefaultFile()
	cfg.Policy = []PolicyConfig{{Source: 1, Policy: "merge"}}
	if err := Validate(cfg); !errors.Is(err, protocol.ErrReservedPolicy) {
		t.Fatalf("expected reserved policy error, got %v", err)
	}
}

func TestLoadReportsParseErrors(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("name = [unterminated"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "config parse failed") {
		t.Fatalf("expected parse error, got %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected load error")
	}
}
