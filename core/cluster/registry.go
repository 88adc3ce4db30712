package cluster

import (
	"sync"

	"go.uber.org/zap"
)

// Registry is the local, in-memory membership table. It is fed either by the
// raft topology or directly in tests and static deployments.
type Registry struct {
	log *zap.Logger

	mu        sync.RWMutex
	nodes     map[string]NodeInfo
	lastOrder uint64
	nextSub   uint64
	leftSubs  map[uint64]func(id string)
}

var _ Membership = (*Registry)(nil)

// NewRegistry returns an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		log:      log.Named("membership"),
		nodes:    make(map[string]NodeInfo),
		leftSubs: make(map[uint64]func(string)),
	}
}

// Join adds n, assigning the next order when n.Order is zero. Re-joining a
// live id replaces the previous incarnation, which is reported as left.
func (r *Registry) Join(n NodeInfo) NodeInfo {
	r.mu.Lock()
	prev, replaced := r.nodes[n.ID]
	if n.Order == 0 {
		r.lastOrder++
		n.Order = r.lastOrder
	} else if n.Order > r.lastOrder {
		r.lastOrder = n.Order
	}
	r.nodes[n.ID] = n
	var subs []func(string)
	if replaced && prev.Order != n.Order {
		subs = r.subscribersLocked()
	}
	r.mu.Unlock()

	r.log.Info("Node joined", zap.String("node", n.ID), zap.String("addr", n.Addr), zap.Uint64("order", n.Order))
	for _, fn := range subs {
		fn(n.ID)
	}
	return n
}

// Leave removes id and notifies the node-left subscribers. It reports whether
// the node was present.
func (r *Registry) Leave(id string) bool {
	r.mu.Lock()
	_, ok := r.nodes[id]
	delete(r.nodes, id)
	var subs []func(string)
	if ok {
		subs = r.subscribersLocked()
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.log.Info("Node left", zap.String("node", id))
	for _, fn := range subs {
		fn(id)
	}
	return true
}

func (r *Registry) subscribersLocked() []func(string) {
	subs := make([]func(string), 0, len(r.leftSubs))
	for _, fn := range r.leftSubs {
		subs = append(subs, fn)
	}
	return subs
}

// Node returns the info of a live node.
func (r *Registry) Node(id string) (NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	return n, ok
}

// Nodes returns every live node sorted by id.
func (r *Registry) Nodes() []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NodeInfo, 0, len(r.nodes))
	for _, id := range sortedKeys(r.nodes) {
		out = append(out, r.nodes[id])
	}
	return out
}

// NodeAlive implements Membership.
func (r *Registry) NodeAlive(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[id]
	return ok
}

// NodeOrder implements Membership.
func (r *Registry) NodeOrder(id string) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	return n.Order, ok
}

// Address implements Membership.
func (r *Registry) Address(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	return n.Addr, ok
}

// LiveNodes implements Membership.
func (r *Registry) LiveNodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.nodes)
}

// OnNodeLeft implements Membership. Callbacks run synchronously on the
// goroutine reporting the departure and must not block.
func (r *Registry) OnNodeLeft(fn func(id string)) func() {
	r.mu.Lock()
	r.nextSub++
	id := r.nextSub
	r.leftSubs[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.leftSubs, id)
		r.mu.Unlock()
	}
}
