package execute

// State is the lifecycle phase of one triangle execution.
type State int

const (
	StateIdle State = iota
	StateSubmitting
	StateAwaitingFill
	StateReconciling
	StateCompleted
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubmitting:
		return "submitting"
	case StateAwaitingFill:
		return "awaiting_fill"
	case StateReconciling:
		return "reconciling"
	case StateCompleted:
		return "completed"
	case StateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends the attempt.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAbandoned
}
