package recovery

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when the shutdown sequence is entered
// from a state that does not allow it.
var ErrInvalidTransition = errors.New("recovery: invalid state transition")

// State is a step of the shutdown sequence.
type State int32

const (
	StateRunning State = iota
	StateDraining
	StateSnapshotWritten
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateSnapshotWritten:
		return "snapshot_written"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// canTransition lists the legal moves. Stopped is reachable from Draining
// directly when the deadline fires or the snapshot cannot be written.
func canTransition(from, to State) bool {
	switch from {
	case StateRunning:
		return to == StateDraining
	case StateDraining:
		return to == StateSnapshotWritten || to == StateStopped
	case StateSnapshotWritten:
		return to == StateStopped
	default:
		return false
	}
}
