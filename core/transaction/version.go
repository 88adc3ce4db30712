package transaction

import (
	"fmt"
	"strconv"
	"sync/atomic"
)

// Version identifies a transaction cluster-wide and orders conflicting
// transactions: the smaller version has priority.
type Version struct {
	Counter uint64
	NodeID  string
	Order   uint64
}

// IsZero reports whether v is unset.
func (v Version) IsZero() bool {
	return v.Counter == 0 && v.NodeID == "" && v.Order == 0
}

// Compare orders versions by counter, then originating node id, then node
// order.
func (v Version) Compare(o Version) int {
	switch {
	case v.Counter < o.Counter:
		return -1
	case v.Counter > o.Counter:
		return 1
	case v.NodeID < o.NodeID:
		return -1
	case v.NodeID > o.NodeID:
		return 1
	case v.Order < o.Order:
		return -1
	case v.Order > o.Order:
		return 1
	}
	return 0
}

// Less reports whether v has priority over o.
func (v Version) Less(o Version) bool {
	return v.Compare(o) < 0
}

func (v Version) String() string {
	return fmt.Sprintf("%d@%s/%d", v.Counter, v.NodeID, v.Order)
}

// key is the compact map/shard key of v.
func (v Version) key() string {
	return strconv.FormatUint(v.Counter, 36) + "@" + v.NodeID + "/" + strconv.FormatUint(v.Order, 36)
}

// Clock issues versions for one node. Observe keeps it ahead of every version
// seen from peers, so later transactions never get priority over earlier ones
// they have heard about.
type Clock struct {
	nodeID  string
	order   uint64
	counter atomic.Uint64
}

// NewClock returns a clock for the given node incarnation.
func NewClock(nodeID string, order uint64) *Clock {
	return &Clock{nodeID: nodeID, order: order}
}

// Next returns a fresh version.
func (c *Clock) Next() Version {
	return Version{Counter: c.counter.Add(1), NodeID: c.nodeID, Order: c.order}
}

// Observe advances the clock past v.
func (c *Clock) Observe(v Version) {
	for {
		cur := c.counter.Load()
		if v.Counter <= cur || c.counter.CompareAndSwap(cur, v.Counter) {
			return
		}
	}
}
