package router

import "fmt"

// State is a connection lifecycle state.
type State uint32

const (
	// StateOpen accepts only NEW_ADDRESS.
	StateOpen State = iota
	// StateRun is registered and routing.
	StateRun
	// StateClose is tearing down registry and forward state.
	StateClose
	// StateZombie is fully detached; the goroutine is exiting.
	StateZombie
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateRun:
		return "run"
	case StateClose:
		return "close"
	case StateZombie:
		return "zombie"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}
