// Package forward stores, per source address, the outbound edges of the
// routing graph and the policy used to choose among them.
//
// Locking has two levels. The table mutex guards the set of entries and is
// only ever held briefly; it is never held while waiting on an entry mutex.
// Each entry mutex guards that entry's edges, policy and round-robin cursor.
// The only path that takes both is entry removal, which holds the entry mutex
// and then takes the table mutex to unlink it. A removed entry is marked dead
// before it is unlinked, and any path that locks a dead entry treats the
// source as unknown.
package forward

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/danmuck/procgraph/internal/protocol"
	"github.com/google/btree"
	"github.com/rs/zerolog"
)

const treeDegree = 16

var (
	ErrNoEntry        = errors.New("forward: no entry for source")
	ErrPolicyReserved = fmt.Errorf("forward: %w", protocol.ErrReservedPolicy)
)

// Edge is one directed link owned by a single entry. Context is filled in
// lazily by the dispatcher and may only be read or written while the owning
// entry is held through a View.
type Edge struct {
	ID      uint64
	Target  protocol.Address
	Context any
}

type entry struct {
	source protocol.Address

	mu     sync.Mutex
	policy protocol.Policy
	edges  []*Edge // insertion order, iteration walks it backwards
	cursor uint64  // ID of the edge last chosen by round robin, 0 when unset
	dead   bool
}

func lessEntry(a, b *entry) bool {
	return a.source < b.source
}

// edgeAt returns the i-th edge in iteration order (most recent first).
func (e *entry) edgeAt(i int) *Edge {
	return e.edges[len(e.edges)-1-i]
}

// indexOf returns the iteration-order index of the newest edge to target.
func (e *entry) indexOf(target protocol.Address) int {
	for i := 0; i < len(e.edges); i++ {
		if e.edgeAt(i).Target == target {
			return i
		}
	}
	return -1
}

// Table maps source addresses to forward entries.
type Table struct {
	mu      sync.Mutex
	entries *btree.BTreeG[*entry]
	nextID  atomic.Uint64
	logger  zerolog.Logger
}

func New(logger zerolog.Logger) *Table {
	return &Table{
		entries: btree.NewG(treeDegree, lessEntry),
		logger:  logger.With().Str("component", "forward").Logger(),
	}
}

func (t *Table) lookup(source protocol.Address) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries.Get(&entry{source: source})
	if !ok {
		return nil
	}
	return e
}

func (t *Table) getOrCreate(source protocol.Address) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries.Get(&entry{source: source}); ok {
		return e
	}
	e := &entry{source: source, policy: protocol.PolicyBroadcast}
	t.entries.ReplaceOrInsert(e)
	return e
}

// lockLive locks the entry for source and returns it, or nil when the source
// is unknown or its entry was killed concurrently.
func (t *Table) lockLive(source protocol.Address) *entry {
	e := t.lookup(source)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		return nil
	}
	return e
}

// kill marks e dead and unlinks it. Must be called with e.mu held.
func (t *Table) kill(e *entry) {
	e.dead = true
	e.edges = nil
	e.cursor = 0
	t.mu.Lock()
	if cur, ok := t.entries.Get(e); ok && cur == e {
		t.entries.Delete(e)
	}
	t.mu.Unlock()
}

// AddEdge prepends an edge from source to target, creating the entry with the
// broadcast policy if needed. Adding the same pair twice stores two edges.
func (t *Table) AddEdge(source, target protocol.Address) {
	for {
		e := t.getOrCreate(source)
		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue
		}
		e.edges = append(e.edges, &Edge{ID: t.nextID.Add(1), Target: target})
		count := len(e.edges)
		e.mu.Unlock()
		t.logger.Debug().
			Stringer("source", source).
			Stringer("target", target).
			Int("edges", count).
			Msg("edge added")
		return
	}
}

// RemoveEdge removes the most recent edge from source to target. When that
// leaves the entry empty the entry is deleted. Unknown pairs are a logged
// no-op.
func (t *Table) RemoveEdge(source, target protocol.Address) bool {
	e := t.lockLive(source)
	if e == nil {
		t.logger.Warn().Stringer("source", source).Stringer("target", target).Msg("remove edge: unknown source")
		return false
	}
	defer e.mu.Unlock()

	idx := e.indexOf(target)
	if idx < 0 {
		t.logger.Warn().Stringer("source", source).Stringer("target", target).Msg("remove edge: unknown target")
		return false
	}
	pos := len(e.edges) - 1 - idx
	removed := e.edges[pos]
	copy(e.edges[pos:], e.edges[pos+1:])
	e.edges[len(e.edges)-1] = nil
	e.edges = e.edges[:len(e.edges)-1]
	if e.cursor == removed.ID {
		e.cursor = 0
	}
	if len(e.edges) == 0 {
		t.kill(e)
	}
	t.logger.Debug().
		Stringer("source", source).
		Stringer("target", target).
		Int("edges", len(e.edges)).
		Msg("edge removed")
	return true
}

// RemoveAll drops every edge of source and deletes its entry. It returns the
// number of edges removed.
func (t *Table) RemoveAll(source protocol.Address) int {
	e := t.lockLive(source)
	if e == nil {
		t.logger.Debug().Stringer("source", source).Msg("remove all: no entry")
		return 0
	}
	defer e.mu.Unlock()
	n := len(e.edges)
	t.kill(e)
	t.logger.Debug().Stringer("source", source).Int("edges", n).Msg("entry removed")
	return n
}

// HasEdge reports whether at least one edge from source to target exists.
func (t *Table) HasEdge(source, target protocol.Address) bool {
	e := t.lockLive(source)
	if e == nil {
		return false
	}
	defer e.mu.Unlock()
	return e.indexOf(target) >= 0
}

// SetPolicy changes the policy of an existing entry. Reserved policies are
// stored as given; Select reports them when dispatch is attempted.
func (t *Table) SetPolicy(source protocol.Address, p protocol.Policy) error {
	if !p.Valid() {
		return fmt.Errorf("%w: %d", protocol.ErrUnknownPolicy, uint8(p))
	}
	e := t.lockLive(source)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrNoEntry, source)
	}
	defer e.mu.Unlock()
	e.policy = p
	return nil
}

// Policy returns the policy of source's entry.
func (t *Table) Policy(source protocol.Address) (protocol.Policy, bool) {
	e := t.lockLive(source)
	if e == nil {
		return 0, false
	}
	defer e.mu.Unlock()
	return e.policy, true
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries.Len()
}

// EntrySnapshot is a point-in-time copy of one entry.
type EntrySnapshot struct {
	Source  protocol.Address   `json:"source"`
	Policy  protocol.Policy    `json:"policy"`
	Targets []protocol.Address `json:"targets"`
}

// Snapshot copies every live entry in ascending source order.
func (t *Table) Snapshot() []EntrySnapshot {
	t.mu.Lock()
	entries := make([]*entry, 0, t.entries.Len())
	t.entries.Ascend(func(e *entry) bool {
		entries = append(entries, e)
		return true
	})
	t.mu.Unlock()

	out := make([]EntrySnapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.dead && len(e.edges) > 0 {
			out = append(out, EntrySnapshot{
				Source:  e.source,
				Policy:  e.policy,
				Targets: targetsOf(e),
			})
		}
		e.mu.Unlock()
	}
	return out
}

func targetsOf(e *entry) []protocol.Address {
	out := make([]protocol.Address, len(e.edges))
	for i := range out {
		out[i] = e.edgeAt(i).Target
	}
	return out
}
