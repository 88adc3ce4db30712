package transaction

import "fmt"

// State is the lifecycle state of a transaction.
type State uint8

const (
	StateActive State = iota
	StatePreparing
	StatePrepared
	StateCommitting
	StateCommitted
	StateRollingBack
	StateRolledBack
)

var stateNames = [...]string{
	StateActive:      "ACTIVE",
	StatePreparing:   "PREPARING",
	StatePrepared:    "PREPARED",
	StateCommitting:  "COMMITTING",
	StateCommitted:   "COMMITTED",
	StateRollingBack: "ROLLING_BACK",
	StateRolledBack:  "ROLLED_BACK",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", s)
}

// Terminal reports whether s is COMMITTED or ROLLED_BACK.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRolledBack
}

// transitions lists the allowed successors of every state.
var transitions = map[State][]State{
	StateActive:      {StatePreparing, StateRollingBack},
	StatePreparing:   {StatePrepared, StateRollingBack},
	StatePrepared:    {StateCommitting, StateRollingBack},
	StateCommitting:  {StateCommitted},
	StateRollingBack: {StateRolledBack},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// stateMachine guards one transaction's state. The caller holds the owning
// lock.
type stateMachine struct {
	state State
}

func (m *stateMachine) transition(to State) error {
	if m.state.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrTxTerminal, m.state, to)
	}
	if !canTransition(m.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, to)
	}
	m.state = to
	return nil
}

// Concurrency selects when locks are taken.
type Concurrency uint8

const (
	// Optimistic acquires locks at prepare.
	Optimistic Concurrency = iota
	// Pessimistic acquires the lock of a locally owned key when it is
	// written.
	Pessimistic
)

func (c Concurrency) String() string {
	if c == Pessimistic {
		return "PESSIMISTIC"
	}
	return "OPTIMISTIC"
}

// Isolation is the isolation level requested for a transaction.
type Isolation uint8

const (
	ReadCommitted Isolation = iota
	RepeatableRead
	Serializable
)

func (i Isolation) String() string {
	switch i {
	case RepeatableRead:
		return "REPEATABLE_READ"
	case Serializable:
		return "SERIALIZABLE"
	default:
		return "READ_COMMITTED"
	}
}

// SyncMode decides which participants must acknowledge the finish step.
type SyncMode uint8

const (
	// FullSync waits for every participant.
	FullSync SyncMode = iota
	// PrimarySync waits for primaries only.
	PrimarySync
	// FullAsync waits for nobody.
	FullAsync
)

func (m SyncMode) String() string {
	switch m {
	case PrimarySync:
		return "PRIMARY_SYNC"
	case FullAsync:
		return "FULL_ASYNC"
	default:
		return "FULL_SYNC"
	}
}

// ParseSyncMode parses the configuration spelling of a sync mode.
func ParseSyncMode(s string) (SyncMode, error) {
	switch s {
	case "", "FULL_SYNC", "full_sync":
		return FullSync, nil
	case "PRIMARY_SYNC", "primary_sync":
		return PrimarySync, nil
	case "FULL_ASYNC", "full_async":
		return FullAsync, nil
	}
	return FullSync, fmt.Errorf("unknown write sync mode %q", s)
}

// replyRequired reports whether a participant must acknowledge finish under
// mode. primary is true when the node is primary for any key of the
// transaction.
func (m SyncMode) replyRequired(primary bool) bool {
	switch m {
	case FullSync:
		return true
	case PrimarySync:
		return primary
	default:
		return false
	}
}
