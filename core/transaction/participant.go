package transaction

import (
	"sync"
	"time"

	"github.com/sushant-115/gojogrid/pkg/future"
)

// participant is the local side of a transaction driven by some coordinator,
// possibly this node itself. It stages the writes this node owns.
type participant struct {
	version      Version
	origin       string
	threadID     uint64
	nodes        TxNodes
	roles        int
	writes       []WriteEntry
	groupLockKey string
	timeout      time.Duration

	// prepared settles once the prepare outcome is known.
	prepared *future.Future[struct{}]

	mu         sync.Mutex
	sm         stateMachine
	recovering bool
}

func newParticipant(local string, req *PrepareRequest, timeout time.Duration) *participant {
	writes := make([]WriteEntry, len(req.Writes))
	for i, e := range req.Writes {
		writes[i] = e.clone()
	}
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	return &participant{
		version:      req.Version,
		origin:       req.Version.NodeID,
		threadID:     req.ThreadID,
		nodes:        req.Nodes.clone(),
		roles:        req.Nodes.Roles(local),
		writes:       writes,
		groupLockKey: req.GroupLockKey,
		timeout:      timeout,
		prepared:     future.New[struct{}](),
		sm:           stateMachine{state: StatePreparing},
	}
}

func (p *participant) state() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sm.state
}

// lockKeys returns the keys prepare locks: the group key when set, else
// every written key.
func (p *participant) lockKeys() []string {
	if p.groupLockKey != "" {
		return []string{p.groupLockKey}
	}
	return entryKeys(p.writes)
}

// involved lists the origin and every participant node.
func (p *participant) involved() []string {
	nodes := p.nodes.Nodes()
	if !contains(nodes, p.origin) {
		nodes = append(nodes, p.origin)
	}
	return nodes
}
