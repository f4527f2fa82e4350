package appstate

// edges lists the allowed state changes. Self-transitions and moves into or
// out of Error (a failed live inspection) are always allowed.
var edges = map[State][]State{
	NeedsInit:    {Initializing},
	Initializing: {Ready, InitFailed, Stopped, Starting, Running},
	InitFailed:   {Initializing},
	Stopped:      {Starting},
	Starting:     {Running, Failed, Stopped},
	Running:      {Failed, Stopped},
	Failed:       {Starting, Stopped},
}

// CanTransition reports whether the app window may move from one state to
// another.
func CanTransition(from, to State) bool {
	if from == to || from == Error || to == Error {
		return true
	}
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}
