package store

// Stage is the lead's position in the sales funnel. Transitions are
// monotonic along the funnel order, except that NotInterested is a terminal
// override reachable from any stage.
type Stage string

const (
	StageNew           Stage = "new"
	StageQualifying    Stage = "qualifying"
	StageQualified     Stage = "qualified"
	StageScheduled     Stage = "scheduled"
	StageNotInterested Stage = "not_interested"
)

var stageRank = map[Stage]int{
	StageNew:        0,
	StageQualifying: 1,
	StageQualified:  2,
	StageScheduled:  3,
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	if s == StageNotInterested {
		return true
	}
	_, ok := stageRank[s]
	return ok
}

// Terminal reports whether the stage ends the lifecycle.
func (s Stage) Terminal() bool {
	return s == StageNotInterested
}

// CanTransition reports whether a lead may move from one stage to another.
// Staying put is always allowed so that callers can apply idempotently.
func CanTransition(from, to Stage) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	if to == StageNotInterested {
		return true
	}
	return stageRank[to] > stageRank[from]
}

// Advance moves the lead to the target stage when the lattice allows it and
// reports whether the stage actually changed.
func (l *Lead) Advance(to Stage) bool {
	if l.Stage == to || !CanTransition(l.Stage, to) {
		return false
	}
	l.Stage = to
	return true
}
