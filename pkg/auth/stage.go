package auth

import "slices"

// Stage is the position of one authorization check in the decision
// pipeline. Stages form a finite state machine validated by
// [ValidTransition]; a check records each stage it enters on its trace
// span and in the deny log when it stops early.
//
// The zero value ("") is not a valid stage; every check begins at
// [StageReceived].
type Stage string

const (
	// StageReceived is the initial stage of a check before the bearer
	// token has been inspected.
	StageReceived Stage = "received"

	// StageVerifying covers structure, signature, issuer, audience and
	// expiry checks. Key resolution, and therefore the only network call a
	// check can make, happens here.
	StageVerifying Stage = "verifying"

	// StageClassifying assigns the verified token to a realm from claim
	// shape and compares it with the target realm.
	StageClassifying Stage = "classifying"

	// StageProjecting builds the typed identity and its permission set
	// from the policy tables.
	StageProjecting Stage = "projecting"

	// StageCheckingFreshness bounds the session age of staff tokens.
	// Customer checks skip it.
	StageCheckingFreshness Stage = "checking_freshness"

	// StageAllowed is terminal. The check produced an allow decision.
	StageAllowed Stage = "allowed"

	// StageDenied is terminal. The check produced a deny decision.
	StageDenied Stage = "denied"
)

// String returns the string representation of the stage.
func (s Stage) String() string {
	return string(s)
}

// Valid reports whether the stage is one of the recognized stages.
func (s Stage) Valid() bool {
	switch s {
	case StageReceived, StageVerifying, StageClassifying, StageProjecting,
		StageCheckingFreshness, StageAllowed, StageDenied:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the stage ends the check.
func (s Stage) IsTerminal() bool {
	return s == StageAllowed || s == StageDenied
}

// validTransitions defines the allowed stage transitions.
//
// Transition matrix:
//
//	Received          → Verifying, Denied
//	Verifying         → Classifying, Denied
//	Classifying       → Projecting, Denied
//	Projecting        → CheckingFreshness, Allowed
//	CheckingFreshness → Allowed, Denied
//	Allowed, Denied   → (none)
//
// Projecting cannot deny: the tables always yield an identity. Only
// Projecting and CheckingFreshness lead to Allowed, so no allow decision
// exists without an identity.
var validTransitions = map[Stage][]Stage{
	StageReceived:          {StageVerifying, StageDenied},
	StageVerifying:         {StageClassifying, StageDenied},
	StageClassifying:       {StageProjecting, StageDenied},
	StageProjecting:        {StageCheckingFreshness, StageAllowed},
	StageCheckingFreshness: {StageAllowed, StageDenied},
}

// ValidTransition reports whether a check may move from one stage to
// another. Same-stage transitions are rejected.
func ValidTransition(from, to Stage) bool {
	if from == to {
		return false
	}
	return slices.Contains(validTransitions[from], to)
}
