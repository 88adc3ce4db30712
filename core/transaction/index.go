package transaction

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

func versionHash(v Version) uint64 {
	return xxhash.Sum64String(v.key())
}

type txShard struct {
	mu  sync.RWMutex
	txs map[Version]*participant
}

// txIndex is the sharded index of participant transactions by version.
type txIndex struct {
	shards []*txShard
}

func newTxIndex(n int) *txIndex {
	idx := &txIndex{shards: make([]*txShard, n)}
	for i := range idx.shards {
		idx.shards[i] = &txShard{txs: make(map[Version]*participant)}
	}
	return idx
}

func (idx *txIndex) shard(v Version) *txShard {
	return idx.shards[versionHash(v)%uint64(len(idx.shards))]
}

func (idx *txIndex) get(v Version) (*participant, bool) {
	sh := idx.shard(v)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	p, ok := sh.txs[v]
	return p, ok
}

// getOrCreate returns the participant for v, creating it with fn when absent.
func (idx *txIndex) getOrCreate(v Version, fn func() *participant) (*participant, bool) {
	sh := idx.shard(v)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if p, ok := sh.txs[v]; ok {
		return p, false
	}
	p := fn()
	sh.txs[v] = p
	return p, true
}

func (idx *txIndex) remove(v Version) bool {
	sh := idx.shard(v)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.txs[v]
	delete(sh.txs, v)
	return ok
}

func (idx *txIndex) all() []*participant {
	var out []*participant
	for _, sh := range idx.shards {
		sh.mu.RLock()
		for _, p := range sh.txs {
			out = append(out, p)
		}
		sh.mu.RUnlock()
	}
	return out
}

type nodeShard struct {
	mu    sync.Mutex
	nodes map[string]map[Version]struct{}
}

// nodeIndex maps every node to the versions of the local participant
// transactions it takes part in, as origin, primary or backup.
type nodeIndex struct {
	shards []*nodeShard
}

func newNodeIndex(n int) *nodeIndex {
	idx := &nodeIndex{shards: make([]*nodeShard, n)}
	for i := range idx.shards {
		idx.shards[i] = &nodeShard{nodes: make(map[string]map[Version]struct{})}
	}
	return idx
}

func (idx *nodeIndex) shard(node string) *nodeShard {
	return idx.shards[xxhash.Sum64String(node)%uint64(len(idx.shards))]
}

func (idx *nodeIndex) add(p *participant) {
	for _, node := range p.involved() {
		sh := idx.shard(node)
		sh.mu.Lock()
		set, ok := sh.nodes[node]
		if !ok {
			set = make(map[Version]struct{})
			sh.nodes[node] = set
		}
		set[p.version] = struct{}{}
		sh.mu.Unlock()
	}
}

func (idx *nodeIndex) remove(p *participant) {
	for _, node := range p.involved() {
		sh := idx.shard(node)
		sh.mu.Lock()
		if set, ok := sh.nodes[node]; ok {
			delete(set, p.version)
			if len(set) == 0 {
				delete(sh.nodes, node)
			}
		}
		sh.mu.Unlock()
	}
}

func (idx *nodeIndex) versions(node string) []Version {
	sh := idx.shard(node)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	out := make([]Version, 0, len(sh.nodes[node]))
	for v := range sh.nodes[node] {
		out = append(out, v)
	}
	return out
}

// terminalRecord is the cached outcome of a finished participant.
type terminalRecord struct {
	State State
	// Roles is the role count the participant prepared with, zero when it
	// applied writes without a prepare.
	Roles  int
	Origin string
}
