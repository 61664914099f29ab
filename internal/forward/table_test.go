package forward

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/procgraph/internal/protocol"
	"github.com/danmuck/procgraph/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

func newTable() *Table {
	return New(zerolog.Nop())
}

func TestAddRemoveEdgeLeavesNoEntry(t *testing.T) {
	testlog.Start(t)
	tbl := newTable()
	tbl.AddEdge(1, 2)
	if tbl.Len() != 1 {
		t.Fatalf("len=%d want 1", tbl.Len())
	}
	if !tbl.RemoveEdge(1, 2) {
		t.Fatalf("remove edge reported missing")
	}
	if v, ok := tbl.AcquireView(1); ok {
		v.Release()
		t.Fatalf("expected no entry after removing last edge")
	}
	if tbl.Len() != 0 {
		t.Fatalf("len=%d want 0", tbl.Len())
	}
}

func TestIterationIsMostRecentFirst(t *testing.T) {
	testlog.Start(t)
	tbl := newTable()
	const a, b = protocol.Address(10), protocol.Address(11)
	tbl.AddEdge(1, a)
	tbl.AddEdge(1, b)
	found, err := tbl.Visit(1, func(v *View) error {
		if diff := cmp.Diff([]protocol.Address{b, a}, v.Targets()); diff != "" {
			t.Fatalf("order mismatch (-want +got):\n%s", diff)
		}
		var walked []protocol.Address
		v.Each(func(e *Edge) bool {
			walked = append(walked, e.Target)
			return true
		})
		if diff := cmp.Diff([]protocol.Address{b, a}, walked); diff != "" {
			t.Fatalf("each order mismatch (-want +got):\n%s", diff)
		}
		return nil
	})
	if !found || err != nil {
		t.Fatalf("visit found=%v err=%v", found, err)
	}
}

func TestDefaultPolicyIsBroadcast(t *testing.T) {
	testlog.Start(t)
	tbl := newTable()
	tbl.AddEdge(4, 5)
	p, ok := tbl.Policy(4)
	if !ok || p != protocol.PolicyBroadcast {
		t.Fatalf("policy=%s ok=%v", p, ok)
	}
	if _, ok := tbl.Policy(99); ok {
		t.Fatalf("unknown source should have no policy")
	}
}

func TestRemoveUnknownIsNoop(t *testing.T) {
	testlog.Start(t)
	tbl := newTable()
	if tbl.RemoveEdge(1, 2) {
		t.Fatalf("unknown source removal should report false")
	}
	tbl.AddEdge(1, 2)
	if tbl.RemoveEdge(1, 3) {
		t.Fatalf("unknown target removal should report false")
	}
	if !tbl.HasEdge(1, 2) {
		t.Fatalf("existing edge must survive no-op removal")
	}
}

func TestRemoveAll(t *testing.T) {
	testlog.Start(t)
	tbl := newTable()
	for target := protocol.Address(2); target < 7; target++ {
		tbl.AddEdge(1, target)
	}
	tbl.AddEdge(9, 1)
	if n := tbl.RemoveAll(1); n != 5 {
		t.Fatalf("removed=%d want 5", n)
	}
	if _, ok := tbl.AcquireView(1); ok {
		t.Fatalf("entry should be gone")
	}
	if !tbl.HasEdge(9, 1) {
		t.Fatalf("other sources must be untouched")
	}
	if n := tbl.RemoveAll(1); n != 0 {
		t.Fatalf("second remove all=%d", n)
	}
}

func TestRoundRobinVisitsEveryEdgeOnce(t *testing.T) {
	testlog.Start(t)
	tbl := newTable()
	const n = 5
	for target := protocol.Address(1); target <= n; target++ {
		tbl.AddEdge(100, target)
	}
	if err := tbl.SetPolicy(100, protocol.PolicyRoundRobin); err != nil {
		t.Fatalf("set policy: %v", err)
	}
	pick := func() protocol.Address {
		var got protocol.Address
		if _, err := tbl.Visit(100, func(v *View) error {
			edges, err := v.Select()
			if err != nil {
				return err
			}
			if len(edges) != 1 {
				t.Fatalf("round robin selected %d edges", len(edges))
			}
			got = edges[0].Target
			return nil
		}); err != nil {
			t.Fatalf("visit: %v", err)
		}
		return got
	}

	seen := make(map[protocol.Address]bool)
	var order []protocol.Address
	for i := 0; i < n; i++ {
		target := pick()
		if seen[target] {
			t.Fatalf("target %s repeated before all were visited: %v", target, order)
		}
		seen[target] = true
		order = append(order, target)
	}
	if again := pick(); again != order[0] {
		t.Fatalf("expected wrap to %s, got %s", order[0], again)
	}
}

func TestRoundRobinCursorClearedOnRemoval(t *testing.T) {
	testlog.Start(t)
	tbl := newTable()
	tbl.AddEdge(1, 10)
	tbl.AddEdge(1, 11)
	tbl.AddEdge(1, 12)
	_ = tbl.SetPolicy(1, protocol.PolicyRoundRobin)

	var first protocol.Address
	tbl.Visit(1, func(v *View) error {
		first = v.NextRoundRobin().Target
		return nil
	})
	if first != 12 {
		t.Fatalf("first pick=%s want newest edge", first)
	}
	tbl.RemoveEdge(1, 12)
	tbl.Visit(1, func(v *View) error {
		if got := v.NextRoundRobin().Target; got != 11 {
			t.Fatalf("after removing cursor edge got %s want first remaining", got)
		}
		return nil
	})
}

func TestSelectPolicies(t *testing.T) {
	testlog.Start(t)
	tbl := newTable()
	tbl.AddEdge(1, 2)
	tbl.AddEdge(1, 3)

	tbl.Visit(1, func(v *View) error {
		edges, err := v.Select()
		if err != nil || len(edges) != 2 {
			t.Fatalf("broadcast edges=%d err=%v", len(edges), err)
		}
		return nil
	})

	_ = tbl.SetPolicy(1, protocol.PolicyAnycast)
	tbl.Visit(1, func(v *View) error {
		edges, err := v.Select()
		if err != nil || len(edges) != 1 || edges[0].Target != 3 {
			t.Fatalf("anycast edges=%v err=%v", edges, err)
		}
		return nil
	})

	for _, p := range []protocol.Policy{protocol.PolicyMerge, protocol.PolicyCombine} {
		if err := tbl.SetPolicy(1, p); err != nil {
			t.Fatalf("set %s: %v", p, err)
		}
		_, err := tbl.Visit(1, func(v *View) error {
			edges, err := v.Select()
			if len(edges) != 0 {
				t.Fatalf("%s selected edges", p)
			}
			return err
		})
		if !errors.Is(err, ErrPolicyReserved) || !errors.Is(err, protocol.ErrReservedPolicy) {
			t.Fatalf("%s expected ErrPolicyReserved, got %v", p, err)
		}
	}
}

func TestSetPolicyErrors(t *testing.T) {
	testlog.Start(t)
	tbl := newTable()
	if err := tbl.SetPolicy(1, protocol.PolicyAnycast); !errors.Is(err, ErrNoEntry) {
		t.Fatalf("expected ErrNoEntry, got %v", err)
	}
	tbl.AddEdge(1, 2)
	if err := tbl.SetPolicy(1, protocol.Policy(42)); !errors.Is(err, protocol.ErrUnknownPolicy) {
		t.Fatalf("expected ErrUnknownPolicy, got %v", err)
	}
}

func TestViewBlocksMutationOfSameSourceOnly(t *testing.T) {
	testlog.Start(t)
	tbl := newTable()
	tbl.AddEdge(1, 2)
	tbl.AddEdge(3, 4)

	v, ok := tbl.AcquireView(1)
	if !ok {
		t.Fatalf("acquire view")
	}

	otherDone := make(chan struct{})
	go func() {
		tbl.AddEdge(3, 5)
		close(otherDone)
	}()
	select {
	case <-otherDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("mutation of another source blocked by view")
	}

	sameDone := make(chan struct{})
	go func() {
		tbl.AddEdge(1, 6)
		close(sameDone)
	}()
	select {
	case <-sameDone:
		t.Fatalf("mutation of viewed source should block")
	case <-time.After(50 * time.Millisecond):
	}

	v.Release()
	v.Release()
	select {
	case <-sameDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("mutation still blocked after release")
	}
	if !tbl.HasEdge(1, 6) {
		t.Fatalf("blocked add was lost")
	}
}

func TestVisitReleasesOnPanic(t *testing.T) {
	testlog.Start(t)
	tbl := newTable()
	tbl.AddEdge(1, 2)
	func() {
		defer func() { _ = recover() }()
		tbl.Visit(1, func(v *View) error {
			panic("dispatch failed")
		})
	}()
	done := make(chan struct{})
	go func() {
		tbl.AddEdge(1, 3)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("entry left locked after panic")
	}
}

func TestSnapshotAscending(t *testing.T) {
	testlog.Start(t)
	tbl := newTable()
	tbl.AddEdge(7, 1)
	tbl.AddEdge(2, 8)
	tbl.AddEdge(2, 9)
	_ = tbl.SetPolicy(7, protocol.PolicyAnycast)
	want := []EntrySnapshot{
		{Source: 2, Policy: protocol.PolicyBroadcast, Targets: []protocol.Address{9, 8}},
		{Source: 7, Policy: protocol.PolicyAnycast, Targets: []protocol.Address{1}},
	}
	if diff := cmp.Diff(want, tbl.Snapshot()); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestConcurrentAddRemoveAndDispatch(t *testing.T) {
	testlog.Start(t)
	tbl := newTable()
	const workers = 8
	const rounds = 300

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(target protocol.Address) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				tbl.AddEdge(1, target)
				tbl.Visit(1, func(v *View) error {
					_, err := v.Select()
					return err
				})
				tbl.RemoveEdge(1, target)
			}
		}(protocol.Address(w + 10))
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			tbl.RemoveAll(1)
			_ = tbl.Snapshot()
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("deadlock under concurrent add/remove/dispatch")
	}
	for _, snap := range tbl.Snapshot() {
		if len(snap.Targets) == 0 {
			t.Fatalf("empty entry persisted: %+v", snap)
		}
	}
}
