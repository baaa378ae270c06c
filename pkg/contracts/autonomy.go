package contracts

// LaneMode is the operating mode of an autonomy lane. The lane state
// machine itself lives outside this module; these types describe the
// admission surface it shares with us.
type LaneMode string

const (
	LaneGuided     LaneMode = "guided"
	LaneAutonomous LaneMode = "autonomous"
	LanePaused     LaneMode = "paused"
)

// FlushScope selects which lane jobs a flush removes.
type FlushScope string

const (
	FlushAll      FlushScope = "all"
	FlushQueued   FlushScope = "queued"
	FlushInFlight FlushScope = "in_flight"
)

// ActionStates returns the kernel action states a flush scope maps to.
// The bool is false for an unrecognized scope.
func (s FlushScope) ActionStates() ([]ActionState, bool) {
	switch s {
	case FlushAll:
		return []ActionState{ActionQueued, ActionRunning}, true
	case FlushQueued:
		return []ActionState{ActionQueued}, true
	case FlushInFlight:
		return []ActionState{ActionRunning}, true
	}
	return nil, false
}

// ActionState is the durable lifecycle state of an admitted action in the
// kernel store.
type ActionState string

const (
	ActionQueued  ActionState = "queued"
	ActionRunning ActionState = "running"
	ActionDone    ActionState = "done"
	ActionDenied  ActionState = "denied"
)
