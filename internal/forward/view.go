package forward

import (
	"fmt"

	"github.com/danmuck/procgraph/internal/protocol"
)

// View holds one entry locked for iteration and dispatch. While a view is
// held, AddEdge and RemoveEdge on that source block; other sources are not
// affected. A View must be released exactly once; prefer Table.Visit, which
// releases on every exit path.
type View struct {
	e *entry
}

// AcquireView locks source's entry and returns a view over it. The caller
// must call Release, typically with defer.
func (t *Table) AcquireView(source protocol.Address) (*View, bool) {
	e := t.lockLive(source)
	if e == nil {
		return nil, false
	}
	if len(e.edges) == 0 {
		e.mu.Unlock()
		return nil, false
	}
	return &View{e: e}, true
}

// Release unlocks the entry. Calling it more than once is harmless.
func (v *View) Release() {
	if v == nil || v.e == nil {
		return
	}
	e := v.e
	v.e = nil
	e.mu.Unlock()
}

// Visit runs fn with a view of source's entry and releases it afterwards,
// including when fn panics. found is false when source has no entry.
func (t *Table) Visit(source protocol.Address, fn func(*View) error) (found bool, err error) {
	v, ok := t.AcquireView(source)
	if !ok {
		return false, nil
	}
	defer v.Release()
	return true, fn(v)
}

func (v *View) Source() protocol.Address {
	if v.e == nil {
		return 0
	}
	return v.e.source
}

func (v *View) Policy() protocol.Policy {
	if v.e == nil {
		return 0
	}
	return v.e.policy
}

func (v *View) Len() int {
	if v.e == nil {
		return 0
	}
	return len(v.e.edges)
}

// Each visits edges most recent first until fn returns false.
func (v *View) Each(fn func(*Edge) bool) {
	if v.e == nil {
		return
	}
	for i := 0; i < len(v.e.edges); i++ {
		if !fn(v.e.edgeAt(i)) {
			return
		}
	}
}

// Targets returns edge targets in iteration order.
func (v *View) Targets() []protocol.Address {
	if v.e == nil {
		return nil
	}
	return targetsOf(v.e)
}

// First returns the most recently added edge.
func (v *View) First() *Edge {
	if v.e == nil || len(v.e.edges) == 0 {
		return nil
	}
	return v.e.edgeAt(0)
}

// NextRoundRobin advances the cursor to the edge after the one chosen last,
// wrapping to the first, and stores it in the entry. A cursor whose edge no
// longer exists restarts at the first edge.
func (v *View) NextRoundRobin() *Edge {
	if v.e == nil || len(v.e.edges) == 0 {
		return nil
	}
	e := v.e
	pos := -1
	if e.cursor != 0 {
		for i := 0; i < len(e.edges); i++ {
			if e.edgeAt(i).ID == e.cursor {
				pos = i
				break
			}
		}
	}
	next := e.edgeAt((pos + 1) % len(e.edges))
	e.cursor = next.ID
	return next
}

// Select applies the entry policy and returns the edges that receive the next
// frame. Reserved policies return ErrPolicyReserved and no edges.
func (v *View) Select() ([]*Edge, error) {
	if v.e == nil {
		return nil, nil
	}
	switch p := v.e.policy; p {
	case protocol.PolicyBroadcast:
		out := make([]*Edge, 0, len(v.e.edges))
		v.Each(func(edge *Edge) bool {
			out = append(out, edge)
			return true
		})
		return out, nil
	case protocol.PolicyAnycast:
		return []*Edge{v.First()}, nil
	case protocol.PolicyRoundRobin:
		return []*Edge{v.NextRoundRobin()}, nil
	case protocol.PolicyMerge, protocol.PolicyCombine:
		return nil, fmt.Errorf("%w: %s", ErrPolicyReserved, p)
	default:
		return nil, fmt.Errorf("%w: %d", protocol.ErrUnknownPolicy, uint8(p))
	}
}
