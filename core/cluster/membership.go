// Package cluster holds the view of the cluster the rest of the node
// consumes: which nodes are alive, in which incarnation, where to reach them
// and which nodes own a key. Membership changes are replicated through raft
// and surfaced as node-left callbacks.
package cluster

import "sort"

// NodeInfo describes one cluster member.
type NodeInfo struct {
	ID string `json:"id"`
	// Addr is the messaging address.
	Addr       string `json:"addr"`
	RaftAddr   string `json:"raft_addr,omitempty"`
	HealthAddr string `json:"health_addr,omitempty"`
	// Order distinguishes incarnations of the same id: a node that left and
	// joined again gets a higher order.
	Order uint64 `json:"order"`
}

// Membership answers liveness questions and publishes departures.
type Membership interface {
	NodeAlive(id string) bool
	NodeOrder(id string) (uint64, bool)
	Address(id string) (string, bool)
	LiveNodes() []string
	// OnNodeLeft registers fn for departures and returns its unsubscribe
	// function.
	OnNodeLeft(fn func(id string)) func()
}

// Affinity maps keys to their owners.
type Affinity interface {
	// Owners returns the primary and the backups of key.
	Owners(key string) (primary string, backups []string, ok bool)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
