package escalation

// State is the enforcement lifecycle position of a dispute.
type State string

const (
	Detected               State = "DETECTED"
	Disputed               State = "DISPUTED"
	Responded              State = "RESPONDED"
	Evaluated              State = "EVALUATED"
	NonCompliant           State = "NON_COMPLIANT"
	ProceduralEnforcement  State = "PROCEDURAL_ENFORCEMENT"
	SubstantiveEnforcement State = "SUBSTANTIVE_ENFORCEMENT"
	RegulatoryEscalation   State = "REGULATORY_ESCALATION"
	LitigationReady        State = "LITIGATION_READY"
	ResolvedDeleted        State = "RESOLVED_DELETED"
	ResolvedCured          State = "RESOLVED_CURED"
	CuredAtTier2           State = "CURED_AT_TIER_2"
)

const (
	TierBaseline   = 0
	TierRedispute  = 1
	TierSupervisor = 2
	TierLocked     = 3
)

var progression = map[State]int{
	Detected:               0,
	Disputed:               1,
	Responded:              2,
	Evaluated:              3,
	NonCompliant:           4,
	ProceduralEnforcement:  5,
	SubstantiveEnforcement: 6,
	RegulatoryEscalation:   7,
	LitigationReady:        8,
}

// Rank is the position of a non-terminal state in the forward ordering, or
// -1 for terminal and unknown states.
func (s State) Rank() int {
	if r, ok := progression[s]; ok {
		return r
	}
	return -1
}

// Terminal reports whether s closes the dispute.
func (s State) Terminal() bool {
	return s == ResolvedDeleted || s == ResolvedCured || s == CuredAtTier2
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return s.Terminal() || s.Rank() >= 0
}

// Enforcement reports whether s is one of the enforcement states a
// supervisory notice or a regulatory escalation may start from.
func (s State) Enforcement() bool {
	return s == NonCompliant || s == ProceduralEnforcement || s == SubstantiveEnforcement
}

// Forward reports whether moving from -> to respects the forward-only order.
// Reinsertion reopening a deleted dispute is the one exit from a terminal.
func Forward(from, to State) bool {
	if from == to || to.Terminal() {
		return true
	}
	if from.Terminal() {
		return from == ResolvedDeleted && to == NonCompliant
	}
	return to.Rank() > from.Rank()
}

func ParseState(s string) (State, bool) {
	st := State(s)
	return st, st.Valid()
}

func maxState(a, b State) State {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}
