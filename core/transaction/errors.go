package transaction

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict is returned when a transaction lost a lock or validation
	// race against a transaction with priority. The caller may retry.
	ErrConflict = errors.New("transaction conflict")
	// ErrTopology is returned when a participant required for the commit is
	// unreachable or left and no backup can stand in for it.
	ErrTopology = errors.New("transaction topology changed")
	// ErrTimeout is returned when a transaction did not finish in time.
	ErrTimeout = errors.New("transaction timed out")
	// ErrRolledBack is returned for operations on a rolled back transaction.
	ErrRolledBack = errors.New("transaction rolled back")
	// ErrTxTerminal is returned when a finished transaction is mutated.
	ErrTxTerminal = errors.New("transaction already finished")
	// ErrInvalidTransition is returned for a state change the state machine
	// does not allow.
	ErrInvalidTransition = errors.New("invalid transaction state transition")
	// ErrProtocol is returned when a peer answered with a malformed or
	// unexpected message.
	ErrProtocol = errors.New("transaction protocol error")
	// ErrStopped is returned once the manager is stopped.
	ErrStopped = errors.New("transaction manager stopped")
)

// RollbackError reports that a transaction was rolled back and why.
type RollbackError struct {
	Version Version
	Reason  string
	Err     error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("transaction %s rolled back (%s): %v", e.Version, e.Reason, e.Err)
}

func (e *RollbackError) Unwrap() []error {
	return []error{ErrRolledBack, e.Err}
}

// IsRetryable reports whether err is a conflict the caller can resolve by
// running the transaction again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// rollbackReason names the class of err for logs and metrics.
func rollbackReason(err error) string {
	switch {
	case err == nil:
		return "user"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrTopology):
		return "topology"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	default:
		return "error"
	}
}

// Error kinds carried in responses.
const (
	errKindNone uint64 = iota
	errKindConflict
	errKindTopology
	errKindTimeout
	errKindRolledBack
	errKindOther
)

func errKind(err error) uint64 {
	switch {
	case err == nil:
		return errKindNone
	case errors.Is(err, ErrConflict):
		return errKindConflict
	case errors.Is(err, ErrTopology):
		return errKindTopology
	case errors.Is(err, ErrTimeout):
		return errKindTimeout
	case errors.Is(err, ErrRolledBack):
		return errKindRolledBack
	default:
		return errKindOther
	}
}

func kindError(kind uint64, msg string) error {
	var base error
	switch kind {
	case errKindNone:
		return nil
	case errKindConflict:
		base = ErrConflict
	case errKindTopology:
		base = ErrTopology
	case errKindTimeout:
		base = ErrTimeout
	case errKindRolledBack:
		base = ErrRolledBack
	default:
		base = ErrProtocol
	}
	if msg == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, msg)
}
