// Package registry maps router addresses to caller-owned node contexts.
package registry

import (
	"sync"

	"github.com/danmuck/procgraph/internal/protocol"
	"github.com/google/btree"
	"github.com/rs/zerolog"
)

const treeDegree = 16

// Node is one registered address and its opaque context.
type Node struct {
	Address protocol.Address
	Context any
}

func lessNode(a, b Node) bool {
	return a.Address < b.Address
}

// Registry holds at most one live node per address, ordered by address.
// Contexts are owned by the caller; the registry never closes or copies them.
type Registry struct {
	mu     sync.RWMutex
	nodes  *btree.BTreeG[Node]
	logger zerolog.Logger
}

func New(logger zerolog.Logger) *Registry {
	return &Registry{
		nodes:  btree.NewG(treeDegree, lessNode),
		logger: logger.With().Str("component", "registry").Logger(),
	}
}

// Register inserts ctx at addr. An existing node is overwritten with a warning.
func (r *Registry) Register(addr protocol.Address, ctx any) {
	r.mu.Lock()
	_, replaced := r.nodes.ReplaceOrInsert(Node{Address: addr, Context: ctx})
	r.mu.Unlock()
	if replaced {
		r.logger.Warn().Stringer("address", addr).Msg("address already registered, context overwritten")
		return
	}
	r.logger.Debug().Stringer("address", addr).Msg("address registered")
}

// Unregister removes addr and returns its prior context.
func (r *Registry) Unregister(addr protocol.Address) (any, bool) {
	r.mu.Lock()
	old, ok := r.nodes.Delete(Node{Address: addr})
	r.mu.Unlock()
	if !ok {
		r.logger.Warn().Stringer("address", addr).Msg("unregister of unknown address")
		return nil, false
	}
	r.logger.Debug().Stringer("address", addr).Msg("address unregistered")
	return old.Context, true
}

// Lookup returns the context registered at addr. A miss is logged at warn
// level. The returned context may be unregistered by another goroutine right
// after Lookup returns; callers that pair Lookup with use of the context must
// coordinate with Unregister. Use Contains for a silent membership check.
func (r *Registry) Lookup(addr protocol.Address) (any, bool) {
	r.mu.RLock()
	node, ok := r.nodes.Get(Node{Address: addr})
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn().Stringer("address", addr).Msg("lookup of unknown address")
		return nil, false
	}
	return node.Context, true
}

func (r *Registry) Contains(addr protocol.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes.Has(Node{Address: addr})
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes.Len()
}

// ForEach visits nodes in ascending address order until fn returns false.
// fn runs under the registry read lock and must not call Register or
// Unregister.
func (r *Registry) ForEach(fn func(Node) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.nodes.Ascend(func(n Node) bool {
		return fn(n)
	})
}

// Addresses returns every registered address in ascending order.
func (r *Registry) Addresses() []protocol.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.Address, 0, r.nodes.Len())
	r.nodes.Ascend(func(n Node) bool {
		out = append(out, n.Address)
		return true
	})
	return out
}
