package escalation

import (
	"fmt"
	"math"
	"time"

	"disputeflow/ledger"
)

// Open builds the creation entry of a new dispute. It is not a transition
// but it carries the same position metadata so Replay can start from it.
func Open(disputeID, entryID string, actor ledger.Actor, at time.Time, meta map[string]any) ledger.Entry {
	s := Snapshot{DisputeID: disputeID, State: Detected}
	m := positionMetadata(s, s, []State{Detected}, Event{Kind: "DISPUTE_CREATED", Metadata: meta})
	return ledger.Entry{
		ID:          entryID,
		DisputeID:   disputeID,
		Timestamp:   at,
		Actor:       actor,
		Type:        ledger.EventDisputeCreated,
		Description: "dispute created",
		Metadata:    m,
	}
}

// NextStates lists the states a single accepted event could move s to.
func NextStates(s Snapshot) []State {
	if s.Locked || s.Withdrawn {
		return nil
	}
	if s.State.Terminal() {
		if s.State == ResolvedDeleted {
			return []State{maxState(NonCompliant, s.Prior)}
		}
		return nil
	}

	var out []State
	add := func(states ...State) { out = append(out, states...) }
	resolved := []State{ResolvedDeleted, ResolvedCured}

	switch s.State {
	case Detected:
		add(Disputed)
	case Disputed:
		add(Responded, Evaluated, NonCompliant, SubstantiveEnforcement)
		add(resolved...)
	case Responded:
		add(Evaluated, NonCompliant, SubstantiveEnforcement)
		add(resolved...)
	case Evaluated:
		add(NonCompliant, SubstantiveEnforcement)
		add(resolved...)
	case NonCompliant, ProceduralEnforcement:
		add(ProceduralEnforcement, SubstantiveEnforcement)
		if s.Tier >= TierSupervisor {
			add(RegulatoryEscalation)
		}
		add(resolved...)
	case SubstantiveEnforcement:
		if s.Tier >= TierSupervisor {
			add(RegulatoryEscalation)
		}
		add(resolved...)
	case RegulatoryEscalation:
		if s.Tier >= TierSupervisor {
			add(LitigationReady)
		}
		add(resolved...)
	case LitigationReady:
		add(resolved...)
	}
	if s.Tier == TierSupervisor {
		add(CuredAtTier2)
	}
	return dedupe(s.State, out)
}

func dedupe(current State, states []State) []State {
	seen := make(map[State]bool, len(states))
	out := make([]State, 0, len(states))
	for _, st := range states {
		if st == current || seen[st] {
			continue
		}
		seen[st] = true
		out = append(out, st)
	}
	return out
}

// Replay folds the position metadata of a ledger into a snapshot. Entries
// without position metadata, such as evaluation errors, are skipped.
func Replay(entries []ledger.Entry) (Snapshot, error) {
	var s Snapshot
	for _, e := range entries {
		if s.DisputeID == "" {
			s.DisputeID = e.DisputeID
		}
		raw, ok := e.Metadata["to_state"]
		if !ok {
			continue
		}
		name, _ := raw.(string)
		st, valid := ParseState(name)
		if !valid {
			return Snapshot{}, fmt.Errorf("escalation: replay: entry %d has unknown state %v", e.Seq, raw)
		}
		tier, err := intValue(e.Metadata["tier_to"])
		if err != nil {
			return Snapshot{}, fmt.Errorf("escalation: replay: entry %d: %w", e.Seq, err)
		}
		s.State = st
		s.Tier = tier
		s.Locked, _ = e.Metadata["locked"].(bool)
		s.Withdrawn, _ = e.Metadata["withdrawn"].(bool)
		prior, _ := e.Metadata["prior_state"].(string)
		s.Prior = State(prior)
	}
	return s, nil
}

func intValue(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("tier %v is not an integer", n)
		}
		return int(n), nil
	case nil:
		return 0, fmt.Errorf("tier missing")
	default:
		return 0, fmt.Errorf("tier has type %T", v)
	}
}
