package status

import "fmt"

// State is the single current activity of a worker. States are mutually
// exclusive per source; the UI keeps one slot per source and renders the
// most interesting one.
type State int

const (
	StateOffline State = iota
	StateConnecting
	StateConnected
	StateChecking
	StateFetching
	StatePrefetching
	StateMoving
	StateDeleting
	StateUpdatingFlags
	StateSaving
	StateSending
	StateIdle
	StateIndexing
	StateExiting
)

// Update is delivered to the UI status sink. Progress is a 0-100
// percentage, or -1 when the state carries no progress.
type Update struct {
	State    State
	Progress int
}

// Handler receives status updates. It may be invoked from any worker
// goroutine; implementations must be safe for concurrent use.
type Handler func(Update)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateChecking:
		return "checking"
	case StateFetching:
		return "fetching"
	case StatePrefetching:
		return "prefetching"
	case StateMoving:
		return "moving"
	case StateDeleting:
		return "deleting"
	case StateUpdatingFlags:
		return "updating flags"
	case StateSaving:
		return "saving"
	case StateSending:
		return "sending"
	case StateIdle:
		return "idle"
	case StateIndexing:
		return "indexing"
	case StateExiting:
		return "exiting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (u Update) String() string {
	if u.Progress >= 0 {
		return fmt.Sprintf("%s %d%%", u.State, u.Progress)
	}
	return u.State.String()
}
