package transaction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func intHash(k int) uint64 { return uint64(k) }

func TestShardedFIFO_EvictsOldestFirst(t *testing.T) {
	f := newShardedFIFO[int, string](1, 3, intHash)
	now := time.Now()
	require.Zero(t, f.Put(1, "a", now))
	require.Zero(t, f.Put(2, "b", now))
	require.Zero(t, f.Put(3, "c", now))

	// Replacing keeps the position.
	require.Zero(t, f.Put(1, "a2", now))
	require.Equal(t, 1, f.Put(4, "d", now))

	_, ok := f.Get(1)
	require.False(t, ok)
	v, ok := f.Get(2)
	require.True(t, ok)
	require.Equal(t, "b", v)

	// A deleted key frees its slot without confusing later evictions.
	f.Delete(2)
	require.Zero(t, f.Put(2, "b2", now))
	require.Equal(t, 1, f.Put(5, "e", now))
	_, ok = f.Get(3)
	require.False(t, ok)
	require.Equal(t, 3, f.Len())

	n := f.RemoveIf(func(k int, _ string, _ time.Time) bool { return k%2 == 0 })
	require.Equal(t, 2, n)
	require.Equal(t, 1, f.Len())
}

func TestShardedFIFO_CompactsOrderUnderChurn(t *testing.T) {
	f := newShardedFIFO[int, int](1, 4, intHash)
	now := time.Now()
	for i := 0; i < 1000; i++ {
		f.Put(i, i, now)
		f.Delete(i)
	}
	sh := f.shards[0]
	require.LessOrEqual(t, len(sh.order), 2*len(sh.items)+16)
	require.Zero(t, f.Len())
}

func TestCommitBuffer_LookupAndPrune(t *testing.T) {
	b := NewCommitBuffer(0, time.Minute)
	v1 := Version{Counter: 1, NodeID: "a"}
	v2 := Version{Counter: 2, NodeID: "b"}
	b.AddCommittedTx(CommittedTxInfo{Version: v1, NodeID: "a", ThreadID: 7, RecoveryWrites: []WriteEntry{{Key: "k"}}})
	b.AddCommittedTx(CommittedTxInfo{Version: v2, NodeID: "b", ThreadID: 1})

	info, ok := b.CommittedTx(v1, "a", 7)
	require.True(t, ok)
	require.Equal(t, "k", info.RecoveryWrites[0].Key)
	_, ok = b.CommittedTx(v1, "a", 8)
	require.False(t, ok)
	require.True(t, b.CommittedVersion(v2))
	require.False(t, b.CommittedVersion(Version{Counter: 9}))

	b.OnNodeLeft("a")
	// Inside the grace period recovery can still find the entry.
	require.Zero(t, b.Prune(time.Now()))
	_, ok = b.CommittedTx(v1, "a", 7)
	require.True(t, ok)

	require.Equal(t, 1, b.Prune(time.Now().Add(2*time.Minute)))
	_, ok = b.CommittedTx(v1, "a", 7)
	require.False(t, ok)
	require.Equal(t, 1, b.Len())
	// Prune is one-shot per departure.
	require.Zero(t, b.Prune(time.Now().Add(time.Hour)))
}

func TestCommitBuffer_CommittedVersionIndex(t *testing.T) {
	b := NewCommitBuffer(0, time.Minute)
	v := Version{Counter: 5, NodeID: "a", Order: 1}
	other := Version{Counter: 5, NodeID: "b", Order: 2}
	b.AddCommittedTx(CommittedTxInfo{Version: v, NodeID: "a", ThreadID: 1})
	b.AddCommittedTx(CommittedTxInfo{Version: v, NodeID: "a", ThreadID: 2})
	b.AddCommittedTx(CommittedTxInfo{Version: other, NodeID: "b", ThreadID: 1})

	// Any thread of the origin counts, and lookups leave the buffer as is.
	for i := 0; i < 3; i++ {
		require.True(t, b.CommittedVersion(v))
	}
	require.Equal(t, 3, b.Len())
	require.False(t, b.CommittedVersion(Version{Counter: 5, NodeID: "a", Order: 2}))

	b.OnNodeLeft("a")
	b.Prune(time.Now().Add(2 * time.Minute))
	require.False(t, b.CommittedVersion(v))
	require.True(t, b.CommittedVersion(other))
	require.Equal(t, 1, b.Len())
}

func TestCommitBuffer_ZeroGracePrunesAtOnce(t *testing.T) {
	b := NewCommitBuffer(16, 0)
	v := Version{Counter: 1, NodeID: "a"}
	b.AddCommittedTx(CommittedTxInfo{Version: v, NodeID: "a"})
	b.OnNodeLeft("a")
	require.Zero(t, b.Len())
}

func TestCommitBuffer_Bounded(t *testing.T) {
	b := NewCommitBuffer(32, time.Minute)
	evicted := 0
	for i := 1; i <= 500; i++ {
		evicted += b.AddCommittedTx(CommittedTxInfo{Version: Version{Counter: uint64(i), NodeID: "a"}, NodeID: "a"})
	}
	require.Equal(t, 500, b.Len()+evicted)
	require.LessOrEqual(t, b.Len(), 32)
	// The newest entry survives.
	require.True(t, b.CommittedVersion(Version{Counter: 500, NodeID: "a"}))
}
