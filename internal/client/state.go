package client

// State is the client chunk scheduler's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateHashing
	StateInit
	StateUploading
	StatePaused
	StateMerging
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHashing:
		return "hashing"
	case StateInit:
		return "init"
	case StateUploading:
		return "uploading"
	case StatePaused:
		return "paused"
	case StateMerging:
		return "merging"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
