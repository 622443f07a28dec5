package pgtest

// State is the lifecycle state of a suite
type State int

const (
	StateInit State = iota
	StateProvisioning
	StateSeeding
	StateReady
	StateTestRunning
	StateTeardown
	StateClosed
)

// StateIdle is the between-tests state; it is reported as Ready
const StateIdle = StateReady

var stateNames = map[State]string{
	StateInit:         "init",
	StateProvisioning: "provisioning",
	StateSeeding:      "seeding",
	StateReady:        "ready",
	StateTestRunning:  "test running",
	StateTeardown:     "teardown",
	StateClosed:       "closed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// transitions lists the legal successors of every state.
// Fatal provisioning and seeding errors go straight to Closed.
var transitions = map[State][]State{
	StateInit:         {StateProvisioning, StateClosed},
	StateProvisioning: {StateSeeding, StateClosed},
	StateSeeding:      {StateReady, StateClosed},
	StateReady:        {StateTestRunning, StateTeardown},
	StateTestRunning:  {StateReady, StateTeardown},
	StateTeardown:     {StateClosed},
}

// CanTransition reports whether a suite in s may move to next
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AcceptsQueries reports whether clients may issue statements in s
func (s State) AcceptsQueries() bool {
	return s == StateReady || s == StateTestRunning
}
