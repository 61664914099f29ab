package registry

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/danmuck/procgraph/internal/protocol"
	"github.com/danmuck/procgraph/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

func TestRegisterLookupUnregister(t *testing.T) {
	testlog.Start(t)
	r := New(zerolog.Nop())
	r.Register(5, "conn-5")
	got, ok := r.Lookup(5)
	if !ok || got != "conn-5" {
		t.Fatalf("lookup=%v ok=%v", got, ok)
	}
	prev, ok := r.Unregister(5)
	if !ok || prev != "conn-5" {
		t.Fatalf("unregister=%v ok=%v", prev, ok)
	}
	if _, ok := r.Lookup(5); ok {
		t.Fatalf("lookup after unregister should miss")
	}
	if _, ok := r.Unregister(5); ok {
		t.Fatalf("second unregister should report absent")
	}
}

func TestRegisterDuplicateOverwritesAndWarns(t *testing.T) {
	testlog.Start(t)
	var logBuf bytes.Buffer
	r := New(zerolog.New(&logBuf))
	r.Register(9, "first")
	r.Register(9, "second")
	if r.Len() != 1 {
		t.Fatalf("len=%d want 1", r.Len())
	}
	got, _ := r.Lookup(9)
	if got != "second" {
		t.Fatalf("lookup=%v want second", got)
	}
	if !strings.Contains(logBuf.String(), `"level":"warn"`) {
		t.Fatalf("expected warning log, got %q", logBuf.String())
	}
}

func TestLookupMissWarns(t *testing.T) {
	testlog.Start(t)
	var logBuf bytes.Buffer
	r := New(zerolog.New(&logBuf))
	r.Register(3, "three")
	if _, ok := r.Lookup(3); !ok {
		t.Fatalf("lookup of registered address missed")
	}
	if strings.Contains(logBuf.String(), "lookup of unknown address") {
		t.Fatalf("hit logged as miss: %q", logBuf.String())
	}
	if got, ok := r.Lookup(4); ok || got != nil {
		t.Fatalf("lookup miss=%v ok=%v", got, ok)
	}
	out := logBuf.String()
	if !strings.Contains(out, `"level":"warn"`) || !strings.Contains(out, "lookup of unknown address") {
		t.Fatalf("expected warning for miss, got %q", out)
	}
	logBuf.Reset()
	if r.Contains(4) {
		t.Fatalf("contains reported unknown address")
	}
	if logBuf.Len() != 0 {
		t.Fatalf("contains should not log, got %q", logBuf.String())
	}
}

func TestForEachAscending(t *testing.T) {
	testlog.Start(t)
	r := New(zerolog.Nop())
	for _, addr := range []protocol.Address{40, 3, 17, 1, 99} {
		r.Register(addr, int(addr))
	}
	var seen []protocol.Address
	r.ForEach(func(n Node) bool {
		seen = append(seen, n.Address)
		return true
	})
	want := []protocol.Address{1, 3, 17, 40, 99}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, r.Addresses()); diff != "" {
		t.Fatalf("addresses mismatch (-want +got):\n%s", diff)
	}

	var first []protocol.Address
	r.ForEach(func(n Node) bool {
		first = append(first, n.Address)
		return len(first) < 2
	})
	if len(first) != 2 {
		t.Fatalf("early stop visited %d nodes", len(first))
	}
}

func TestConcurrentRegisterDistinctAddresses(t *testing.T) {
	testlog.Start(t)
	r := New(zerolog.Nop())
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				addr := protocol.Address(base*1000 + i + 1)
				r.Register(addr, addr)
				if _, ok := r.Lookup(addr); !ok {
					t.Errorf("lookup miss for %s", addr)
				}
			}
		}(w)
	}
	wg.Wait()
	if r.Len() != 800 {
		t.Fatalf("len=%d want 800", r.Len())
	}
	if !r.Contains(1) || r.Contains(0) {
		t.Fatalf("contains mismatch")
	}
}
