package logic

import "math"

// Epsilon is the absolute difference below which two current limits are
// treated as equal.
const Epsilon = 0.01

// epsilonSlack absorbs float representation error so that a change of
// exactly Epsilon (e.g. 20.00 -> 20.01) is never seen as a change.
const epsilonSlack = 1e-9

// Changed reports whether a and b differ by more than Epsilon.
func Changed(a, b float64) bool {
	return math.Abs(a-b) > Epsilon+epsilonSlack
}

// changedFrom is Changed against an optional previous value; a missing
// previous value always counts as a change.
func changedFrom(v float64, prev *float64) bool {
	return prev == nil || Changed(v, *prev)
}

// Rule identifies which synchronization rule produced a write.
type Rule string

const (
	RuleDerating      Rule = "derating"
	RuleGeneratorToAC Rule = "generator_to_ac"
	RuleACToGenerator Rule = "ac_to_generator"
)

// Write is a single current-limit write requested by LimitSync.
type Write struct {
	Rule  Rule
	Value float64
}

// ToSetting reports whether the write goes to the generator current-limit
// setting rather than the AC active input current limit.
func (w Write) ToSetting() bool {
	return w.Rule != RuleGeneratorToAC
}

// SyncInput is the snapshot LimitSync reconciles against. It is read once at
// the start of a tick. Nil pointers are unavailable readings.
type SyncInput struct {
	OnGenerator  bool
	Mode         AutoCurrentMode
	StoredLimit  *float64 // generator current-limit setting
	ACLimit      *float64 // AC active input current limit
	DeratedLimit *float64 // derating engine output, if computed
}

// SyncSkip explains why a reconciliation produced nothing.
type SyncSkip string

const (
	SkipNone          SyncSkip = ""
	SkipNoStoredLimit SyncSkip = "generator current limit setting unavailable"
)

// LimitSync holds the last-synced values for each direction.
// Not safe for concurrent use.
type LimitSync struct {
	PrevAC         *float64
	PrevGenerator  *float64
	InitialWritten bool
}

// Plan returns the writes the snapshot calls for, in execution order. At
// most one write targets the generator setting, and the derating and
// AC-to-generator rules are never both evaluated: the mode picks one.
// Plan does not mutate state. Execute the writes in order, call Commit after
// each one that succeeds and stop at the first failure: later writes may
// depend on earlier ones (the derated value feeds the AC sync).
func (s *LimitSync) Plan(in SyncInput) ([]Write, SyncSkip) {
	if in.StoredLimit == nil {
		return nil, SkipNoStoredLimit
	}
	stored := *in.StoredLimit

	var writes []Write

	if in.Mode == AutoEnabled && in.DeratedLimit != nil {
		derated := *in.DeratedLimit
		if !s.InitialWritten || Changed(derated, stored) {
			writes = append(writes, Write{Rule: RuleDerating, Value: derated})
			stored = derated
		}
	}

	if !in.OnGenerator {
		return writes, SkipNone
	}

	if changedFrom(stored, s.PrevGenerator) {
		return append(writes, Write{Rule: RuleGeneratorToAC, Value: stored}), SkipNone
	}

	if in.Mode != AutoEnabled && in.ACLimit != nil {
		ac := *in.ACLimit
		if changedFrom(ac, s.PrevAC) && Changed(ac, stored) {
			writes = append(writes, Write{Rule: RuleACToGenerator, Value: ac})
		}
	}

	return writes, SkipNone
}

// Commit records a write that succeeded.
func (s *LimitSync) Commit(w Write) {
	v := w.Value
	switch w.Rule {
	case RuleDerating:
		s.InitialWritten = true
	case RuleGeneratorToAC, RuleACToGenerator:
		s.PrevGenerator = &v
		ac := v
		s.PrevAC = &ac
	}
}
