package diffuse

// RunState tracks where a run is in its lifecycle. Transitions are
// INITIALIZING -> STEPPING, STEPPING <-> CHECKPOINTING, STEPPING ->
// STEPPING on a correction restart, and any state -> DONE or ABORTED.
type RunState int

const (
	StateInitializing RunState = iota
	StateStepping
	StateCheckpointing
	StateDone
	StateAborted
)

func (s RunState) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateStepping:
		return "STEPPING"
	case StateCheckpointing:
		return "CHECKPOINTING"
	case StateDone:
		return "DONE"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}
