// Package escalation owns the per-dispute enforcement state and tier. The
// transition function is pure: it validates an event against a snapshot,
// computes the next position and returns the single ledger entry recording
// the decision. Persisting that entry before the new position becomes
// visible is the caller's job.
package escalation

import (
	"time"

	"disputeflow/examiner"
	"disputeflow/fault"
	"disputeflow/ledger"
)

// Kind enumerates the events the machine accepts.
type Kind string

const (
	MailingConfirmed    Kind = "MAILING_CONFIRMED"
	ResponseLogged      Kind = "RESPONSE_LOGGED"
	DeadlinePassed      Kind = "DEADLINE_PASSED_WITH_NO_RESPONSE"
	ExaminerResult      Kind = "EXAMINER_RESULT"
	Tier2NoticeSent     Kind = "TIER2_NOTICE_SENT"
	Tier2Adjudicated    Kind = "TIER2_ADJUDICATED"
	EscalationRequested Kind = "ESCALATION_REQUESTED"
	ReinsertionDetected Kind = "REINSERTION_DETECTED"
	Withdrawn           Kind = "WITHDRAWN"
)

var eventTypes = map[Kind]ledger.EventType{
	MailingConfirmed:    ledger.EventMailingConfirmed,
	ResponseLogged:      ledger.EventResponseLogged,
	DeadlinePassed:      ledger.EventDeadlinePassed,
	ExaminerResult:      ledger.EventExaminerResult,
	Tier2NoticeSent:     ledger.EventTier2NoticeSent,
	Tier2Adjudicated:    ledger.EventTier2Adjudicated,
	EscalationRequested: ledger.EventEscalationRequested,
	ReinsertionDetected: ledger.EventReinsertionDetected,
	Withdrawn:           ledger.EventDisputeWithdrawn,
}

// Snapshot is the position of one dispute.
type Snapshot struct {
	DisputeID string
	State     State
	Tier      int
	Locked    bool
	Withdrawn bool

	// Prior is the last non-terminal state held before entering a terminal.
	Prior State
}

// Coverage summarises the data-layer violations of a dispute after the
// event's facts are applied.
type Coverage struct {
	Total    int
	Answered int
	Deleted  int
	Updated  int
}

func (c Coverage) allDeleted() bool {
	return c.Total > 0 && c.Deleted == c.Total
}

func (c Coverage) allResolved() bool {
	return c.Total > 0 && c.Deleted+c.Updated == c.Total
}

func (c Coverage) allAnswered() bool {
	return c.Total > 0 && c.Answered >= c.Total
}

// Event is one input to Transition.
type Event struct {
	Kind     Kind
	Actor    ledger.Actor
	At       time.Time
	Verdicts []examiner.Code
	Coverage Coverage

	// Target is the requested state of an EscalationRequested event.
	Target State

	// Cured is the Tier-2 final outcome of a Tier2Adjudicated event.
	Cured bool

	Description  string
	EvidenceHash string
	Metadata     map[string]any
	EntryID      string
}

// Outcome is an accepted transition.
type Outcome struct {
	From  Snapshot
	To    Snapshot
	Path  []State
	Worst examiner.Code

	// ImmediateDeletion is set when a systemic or misleading failure upgrades
	// the letter posture.
	ImmediateDeletion bool
	Entries           []ledger.Entry
}

// Changed reports whether the state, tier or lock moved.
func (o Outcome) Changed() bool {
	return o.From.State != o.To.State || o.From.Tier != o.To.Tier || o.From.Locked != o.To.Locked || o.From.Withdrawn != o.To.Withdrawn
}

// Transition applies ev to s. Rejected events leave nothing to persist.
func Transition(s Snapshot, ev Event) (Outcome, error) {
	if s.Locked {
		return Outcome{}, fault.New(fault.DisputeLocked, "dispute %s is locked at tier %d", s.DisputeID, s.Tier)
	}
	if s.Withdrawn {
		return Outcome{}, fault.New(fault.IllegalTransition, "dispute %s was withdrawn", s.DisputeID)
	}
	if _, ok := eventTypes[ev.Kind]; !ok {
		return Outcome{}, fault.New(fault.InvalidInput, "unknown event %q", ev.Kind)
	}
	if s.State.Terminal() && ev.Kind != ReinsertionDetected {
		return Outcome{}, illegal(s, ev)
	}

	next := s
	path := []State{s.State}
	move := func(to State) {
		if to == next.State {
			return
		}
		if to.Terminal() {
			next.Prior = next.State
		}
		next.State = to
		path = append(path, to)
	}
	worst := examiner.Worst(ev.Verdicts...)
	immediate := false

	switch ev.Kind {
	case MailingConfirmed:
		if s.State != Detected {
			return Outcome{}, illegal(s, ev)
		}
		move(Disputed)

	case ResponseLogged, DeadlinePassed:
		if ev.Kind == DeadlinePassed && s.State != Disputed && s.State != Responded {
			return Outcome{}, illegal(s, ev)
		}
		if s.State.Rank() < Disputed.Rank() {
			return Outcome{}, illegal(s, ev)
		}
		if s.State == Disputed {
			move(Responded)
		}
		immediate = applyVerdict(&next, move, worst, ev.Coverage)

	case ExaminerResult:
		if s.State.Rank() < Responded.Rank() {
			return Outcome{}, illegal(s, ev)
		}
		immediate = applyVerdict(&next, move, worst, ev.Coverage)

	case Tier2NoticeSent:
		if next.Tier >= TierSupervisor {
			return Outcome{}, fault.New(fault.AlreadySent, "supervisory notice already sent for dispute %s", s.DisputeID)
		}
		if !s.State.Enforcement() || s.Tier < TierRedispute {
			return Outcome{}, illegal(s, ev)
		}
		next.Tier = TierSupervisor
		if s.State == NonCompliant {
			move(ProceduralEnforcement)
		}

	case Tier2Adjudicated:
		if s.Tier < TierSupervisor {
			return Outcome{}, fault.New(fault.NoticeNotSent, "supervisory notice not sent for dispute %s", s.DisputeID)
		}
		if ev.Cured {
			move(CuredAtTier2)
		} else {
			next.Tier = TierLocked
			next.Locked = true
		}

	case EscalationRequested:
		switch ev.Target {
		case RegulatoryEscalation:
			if !s.State.Enforcement() || s.Tier < TierSupervisor {
				return Outcome{}, illegal(s, ev)
			}
		case LitigationReady:
			if s.State != RegulatoryEscalation || s.Tier < TierSupervisor {
				return Outcome{}, illegal(s, ev)
			}
		default:
			return Outcome{}, fault.New(fault.InvalidInput, "escalation target must be %s or %s", RegulatoryEscalation, LitigationReady)
		}
		move(ev.Target)

	case ReinsertionDetected:
		if s.State != ResolvedDeleted {
			return Outcome{}, illegal(s, ev)
		}
		reopen := maxState(NonCompliant, s.Prior)
		next.State = reopen
		next.Prior = ""
		path = append(path, reopen)
		if next.Tier < TierRedispute {
			next.Tier = TierRedispute
		}

	case Withdrawn:
		next.Withdrawn = true
	}

	entry := ledger.Entry{
		ID:           ev.EntryID,
		DisputeID:    s.DisputeID,
		Timestamp:    ev.At,
		Actor:        ev.Actor,
		Type:         eventTypes[ev.Kind],
		Description:  ev.Description,
		EvidenceHash: ev.EvidenceHash,
		Metadata:     positionMetadata(s, next, path, ev),
	}
	if len(ev.Verdicts) > 0 {
		entry.Metadata["worst_verdict"] = string(worst)
	}
	if immediate {
		entry.Metadata["posture_upgrade"] = "IMMEDIATE_DELETION"
	}
	if entry.Description == "" {
		entry.Description = describe(s, next, ev)
	}

	return Outcome{
		From:              s,
		To:                next,
		Path:              path,
		Worst:             worst,
		ImmediateDeletion: immediate,
		Entries:           []ledger.Entry{entry},
	}, nil
}

func applyVerdict(next *Snapshot, move func(State), worst examiner.Code, cov Coverage) bool {
	raiseTier := func() {
		if next.Tier < TierRedispute {
			next.Tier = TierRedispute
		}
	}
	switch worst {
	case examiner.FailSystemic, examiner.FailMisleading:
		if next.State.Rank() < NonCompliant.Rank() {
			move(NonCompliant)
			raiseTier()
		}
		if next.State.Rank() < SubstantiveEnforcement.Rank() {
			move(SubstantiveEnforcement)
		}
		return true
	case examiner.FailPerfunctory, examiner.FailNoResults:
		if next.State.Rank() < NonCompliant.Rank() {
			move(NonCompliant)
			raiseTier()
		} else if next.State == NonCompliant {
			move(ProceduralEnforcement)
		}
	default:
		switch {
		case cov.allDeleted():
			move(ResolvedDeleted)
		case cov.allResolved():
			move(ResolvedCured)
		case next.State == Responded && cov.allAnswered():
			move(Evaluated)
		}
	}
	return false
}

func positionMetadata(from, to Snapshot, path []State, ev Event) map[string]any {
	meta := make(map[string]any, len(ev.Metadata)+8)
	for k, v := range ev.Metadata {
		meta[k] = v
	}
	steps := make([]string, len(path))
	for i, st := range path {
		steps[i] = string(st)
	}
	meta["event"] = string(ev.Kind)
	meta["from_state"] = string(from.State)
	meta["to_state"] = string(to.State)
	meta["path"] = steps
	meta["tier_from"] = from.Tier
	meta["tier_to"] = to.Tier
	meta["locked"] = to.Locked
	meta["withdrawn"] = to.Withdrawn
	if to.Prior != "" {
		meta["prior_state"] = string(to.Prior)
	}
	return meta
}

func describe(from, to Snapshot, ev Event) string {
	switch {
	case ev.Kind == Withdrawn:
		return "dispute withdrawn"
	case from.State != to.State:
		return string(ev.Kind) + ": " + string(from.State) + " -> " + string(to.State)
	case from.Locked != to.Locked:
		return string(ev.Kind) + ": tier 3 reached, dispute locked"
	default:
		return string(ev.Kind) + ": state unchanged at " + string(to.State)
	}
}

func illegal(s Snapshot, ev Event) error {
	return fault.New(fault.IllegalTransition, "%s not allowed from %s at tier %d", ev.Kind, s.State, s.Tier)
}
