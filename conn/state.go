package conn

// State is the connection's state, spec.md §3. Connecting, FindingRoute,
// Connected, ClosedByPeer, and ProblemDetectedLocally are API-visible;
// None, Linger, FinWait, and Dead are internal only.
type State int

const (
	StateNone State = iota
	StateConnecting
	StateFindingRoute
	StateConnected
	StateLinger
	StateFinWait
	StateDead
	StateClosedByPeer
	StateProblemDetectedLocally
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "None"
	case StateConnecting:
		return "Connecting"
	case StateFindingRoute:
		return "FindingRoute"
	case StateConnected:
		return "Connected"
	case StateLinger:
		return "Linger"
	case StateFinWait:
		return "FinWait"
	case StateDead:
		return "Dead"
	case StateClosedByPeer:
		return "ClosedByPeer"
	case StateProblemDetectedLocally:
		return "ProblemDetectedLocally"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether the application must explicitly close the
// handle to release it from this state (spec.md §3).
func (s State) IsTerminal() bool {
	return s == StateProblemDetectedLocally || s == StateClosedByPeer || s == StateFinWait
}

// apiVisible is the subset of states spec.md §3 and §7 say fire a
// status-changed callback.
func (s State) apiVisible() bool {
	switch s {
	case StateConnecting, StateFindingRoute, StateConnected, StateClosedByPeer, StateProblemDetectedLocally:
		return true
	default:
		return false
	}
}
