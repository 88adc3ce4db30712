package transaction

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// CommitKey identifies a committed transaction by its origin.
type CommitKey struct {
	Version  Version
	NodeID   string
	ThreadID uint64
}

// CommittedTxInfo is what a node remembers about a transaction it committed
// on behalf of another node.
type CommittedTxInfo struct {
	Version        Version
	NodeID         string
	ThreadID       uint64
	RecoveryWrites []WriteEntry
}

// CommitBuffer is the bounded log of transactions committed here for other
// originating nodes. It answers "did I already commit this for node X"
// after X crashed. Entries of a departed node are kept for a grace period so
// the recovery that the departure triggers can still find them.
type CommitBuffer struct {
	entries *shardedFIFO[CommitKey, CommittedTxInfo]
	// byVersion maps a committed version to its originating node.
	byVersion *shardedFIFO[Version, string]
	grace     time.Duration

	mu   sync.Mutex
	left map[string]time.Time
}

// NewCommitBuffer returns a buffer holding about capacity entries.
func NewCommitBuffer(capacity int, grace time.Duration) *CommitBuffer {
	if capacity <= 0 {
		capacity = 16384
	}
	return &CommitBuffer{
		entries: newShardedFIFO[CommitKey, CommittedTxInfo](16, capacity, func(k CommitKey) uint64 {
			return xxhash.Sum64String(k.Version.key()) ^ k.ThreadID
		}),
		byVersion: newShardedFIFO[Version, string](16, capacity, versionHash),
		grace:     grace,
		left:      make(map[string]time.Time),
	}
}

// AddCommittedTx records info and returns how many old entries were evicted.
func (b *CommitBuffer) AddCommittedTx(info CommittedTxInfo) int {
	now := time.Now()
	k := CommitKey{Version: info.Version, NodeID: info.NodeID, ThreadID: info.ThreadID}
	b.byVersion.Put(info.Version, info.NodeID, now)
	return b.entries.Put(k, info, now)
}

// CommittedTx looks up a committed transaction.
func (b *CommitBuffer) CommittedTx(v Version, nodeID string, threadID uint64) (CommittedTxInfo, bool) {
	return b.entries.Get(CommitKey{Version: v, NodeID: nodeID, ThreadID: threadID})
}

// CommittedVersion reports whether any thread of v's originating node has an
// entry for v.
func (b *CommitBuffer) CommittedVersion(v Version) bool {
	_, ok := b.byVersion.Get(v)
	return ok
}

// OnNodeLeft schedules the entries originated by nodeID for removal once the
// grace period passed.
func (b *CommitBuffer) OnNodeLeft(nodeID string) {
	b.mu.Lock()
	if _, ok := b.left[nodeID]; !ok {
		b.left[nodeID] = time.Now()
	}
	b.mu.Unlock()
	if b.grace <= 0 {
		b.Prune(time.Now())
	}
}

// Prune drops entries of nodes that left more than the grace period before
// now.
func (b *CommitBuffer) Prune(now time.Time) int {
	b.mu.Lock()
	expired := make(map[string]struct{})
	for id, at := range b.left {
		if now.Sub(at) >= b.grace {
			expired[id] = struct{}{}
			delete(b.left, id)
		}
	}
	b.mu.Unlock()
	if len(expired) == 0 {
		return 0
	}
	b.byVersion.RemoveIf(func(_ Version, origin string, _ time.Time) bool {
		_, gone := expired[origin]
		return gone
	})
	return b.entries.RemoveIf(func(k CommitKey, _ CommittedTxInfo, _ time.Time) bool {
		_, gone := expired[k.NodeID]
		return gone
	})
}

// Len returns the number of buffered entries.
func (b *CommitBuffer) Len() int {
	return b.entries.Len()
}
