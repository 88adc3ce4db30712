package transaction

import (
	"sort"

	"github.com/sushant-115/gojogrid/core/storage"
)

// WriteEntry is one write of a transaction. Entries are kept and replayed
// in insertion order.
type WriteEntry struct {
	Op    storage.Op
	Key   string
	Value []byte
	// ReadVersion is the store version the transaction observed for Key
	// when Validate is set. Prepare fails with a conflict if the key moved
	// since.
	ReadVersion uint64
	Validate    bool
}

func (e WriteEntry) clone() WriteEntry {
	if e.Value != nil {
		e.Value = append([]byte(nil), e.Value...)
	}
	return e
}

func storageWrites(entries []WriteEntry) []storage.Write {
	out := make([]storage.Write, len(entries))
	for i, e := range entries {
		out[i] = storage.Write{Op: e.Op, Key: e.Key, Value: e.Value}
	}
	return out
}

func entryKeys(entries []WriteEntry) []string {
	seen := make(map[string]struct{}, len(entries))
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.Key]; ok {
			continue
		}
		seen[e.Key] = struct{}{}
		keys = append(keys, e.Key)
	}
	return keys
}

// TxNodes maps each primary touched by a transaction to the backups of the
// keys it owns.
type TxNodes map[string][]string

// add records that primary owns a key replicated to backups.
func (n TxNodes) add(primary string, backups []string) {
	cur := n[primary]
	for _, b := range backups {
		if b == primary || contains(cur, b) {
			continue
		}
		cur = append(cur, b)
	}
	if cur == nil {
		cur = []string{}
	}
	n[primary] = cur
}

// Nodes returns every participant sorted by id.
func (n TxNodes) Nodes() []string {
	set := make(map[string]struct{})
	for p, bs := range n {
		set[p] = struct{}{}
		for _, b := range bs {
			set[b] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Primaries returns the primaries sorted by id.
func (n TxNodes) Primaries() []string {
	out := make([]string, 0, len(n))
	for p := range n {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// IsPrimary reports whether id is a primary of the transaction.
func (n TxNodes) IsPrimary(id string) bool {
	_, ok := n[id]
	return ok
}

// Roles counts how many times id appears in the map, as primary or as the
// backup of some primary. Both sides of a recovery check compute it from the
// same map, so a mismatch means the participant saw a different topology.
func (n TxNodes) Roles(id string) int {
	roles := 0
	for p, bs := range n {
		if p == id {
			roles++
		}
		if contains(bs, id) {
			roles++
		}
	}
	return roles
}

func (n TxNodes) clone() TxNodes {
	out := make(TxNodes, len(n))
	for p, bs := range n {
		out[p] = append([]string{}, bs...)
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
