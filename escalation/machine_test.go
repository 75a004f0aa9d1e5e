package escalation

import (
	"errors"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"disputeflow/examiner"
	"disputeflow/fault"
	"disputeflow/ledger"
)

var at = time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

func snap(state State, tier int) Snapshot {
	return Snapshot{DisputeID: "disp-1", State: state, Tier: tier}
}

func mustTransition(t *testing.T, s Snapshot, ev Event) Outcome {
	t.Helper()
	if ev.At.IsZero() {
		ev.At = at
	}
	out, err := Transition(s, ev)
	if err != nil {
		t.Fatalf("transition %s from %s: %v", ev.Kind, s.State, err)
	}
	if len(out.Entries) != 1 {
		t.Fatalf("expected exactly one ledger entry, got %d", len(out.Entries))
	}
	return out
}

func TestMailingConfirmed(t *testing.T) {
	out := mustTransition(t, snap(Detected, 0), Event{Kind: MailingConfirmed, Actor: ledger.ActorUser})
	if out.To.State != Disputed {
		t.Fatalf("expected DISPUTED, got %s", out.To.State)
	}
	if out.Entries[0].Type != ledger.EventMailingConfirmed || out.Entries[0].Actor != ledger.ActorUser {
		t.Fatalf("unexpected entry %+v", out.Entries[0])
	}
	if _, err := Transition(snap(Disputed, 0), Event{Kind: MailingConfirmed}); !errors.Is(err, fault.ErrIllegalTransition) {
		t.Fatalf("expected illegal transition for second mailing, got %v", err)
	}
}

func TestDeadlinePassedNoResults(t *testing.T) {
	out := mustTransition(t, snap(Disputed, 0), Event{
		Kind:     DeadlinePassed,
		Actor:    ledger.ActorSystem,
		Verdicts: []examiner.Code{examiner.FailNoResults},
		Coverage: Coverage{Total: 1, Answered: 1},
	})
	if out.To.State != NonCompliant || out.To.Tier != 1 {
		t.Fatalf("expected NON_COMPLIANT tier 1, got %s tier %d", out.To.State, out.To.Tier)
	}
	wantPath := []State{Disputed, Responded, NonCompliant}
	if !reflect.DeepEqual(out.Path, wantPath) {
		t.Fatalf("expected path %v, got %v", wantPath, out.Path)
	}
	entry := out.Entries[0]
	if entry.Actor != ledger.ActorSystem || entry.Type != ledger.EventDeadlinePassed {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if entry.Metadata["to_state"] != string(NonCompliant) || entry.Metadata["worst_verdict"] != string(examiner.FailNoResults) {
		t.Fatalf("unexpected metadata %v", entry.Metadata)
	}
}

func TestDeadlinePassedOnlyBeforeEvaluation(t *testing.T) {
	for _, st := range []State{Detected, Evaluated, NonCompliant} {
		_, err := Transition(snap(st, 1), Event{Kind: DeadlinePassed, Verdicts: []examiner.Code{examiner.FailNoResults}})
		if !errors.Is(err, fault.ErrIllegalTransition) {
			t.Fatalf("%s: expected illegal transition, got %v", st, err)
		}
	}
}

func TestResponseOutcomes(t *testing.T) {
	cases := []struct {
		name     string
		from     Snapshot
		verdicts []examiner.Code
		cov      Coverage
		want     State
		tier     int
		upgrade  bool
	}{
		{"deleted", snap(Responded, 0), []examiner.Code{examiner.Pass}, Coverage{Total: 1, Answered: 1, Deleted: 1}, ResolvedDeleted, 0, false},
		{"cured", snap(Disputed, 0), []examiner.Code{examiner.Pass}, Coverage{Total: 2, Answered: 2, Deleted: 1, Updated: 1}, ResolvedCured, 0, false},
		{"pass all answered", snap(Responded, 0), []examiner.Code{examiner.Pass}, Coverage{Total: 2, Answered: 2}, Evaluated, 0, false},
		{"pass partially answered", snap(Disputed, 0), []examiner.Code{examiner.Pass}, Coverage{Total: 2, Answered: 1}, Responded, 0, false},
		{"perfunctory", snap(Responded, 0), []examiner.Code{examiner.FailPerfunctory}, Coverage{Total: 1, Answered: 1}, NonCompliant, 1, false},
		{"perfunctory at non compliant", snap(NonCompliant, 1), []examiner.Code{examiner.FailPerfunctory}, Coverage{Total: 2, Answered: 2}, ProceduralEnforcement, 1, false},
		{"systemic from responded", snap(Responded, 0), []examiner.Code{examiner.FailSystemic}, Coverage{Total: 1, Answered: 1}, SubstantiveEnforcement, 1, true},
		{"misleading at non compliant", snap(NonCompliant, 1), []examiner.Code{examiner.FailMisleading}, Coverage{Total: 1, Answered: 1}, SubstantiveEnforcement, 1, true},
		{"no results above non compliant", snap(SubstantiveEnforcement, 1), []examiner.Code{examiner.FailNoResults}, Coverage{Total: 2, Answered: 2}, SubstantiveEnforcement, 1, false},
		{"worst verdict wins", snap(Responded, 0), []examiner.Code{examiner.Pass, examiner.FailPerfunctory}, Coverage{Total: 2, Answered: 2, Deleted: 1}, NonCompliant, 1, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := mustTransition(t, tc.from, Event{Kind: ResponseLogged, Actor: ledger.ActorUser, Verdicts: tc.verdicts, Coverage: tc.cov})
			if out.To.State != tc.want || out.To.Tier != tc.tier {
				t.Fatalf("expected %s tier %d, got %s tier %d", tc.want, tc.tier, out.To.State, out.To.Tier)
			}
			if out.ImmediateDeletion != tc.upgrade {
				t.Fatalf("expected immediate deletion %v, got %v", tc.upgrade, out.ImmediateDeletion)
			}
		})
	}
}

func TestExaminerResultNeedsResponse(t *testing.T) {
	_, err := Transition(snap(Disputed, 0), Event{Kind: ExaminerResult, Verdicts: []examiner.Code{examiner.FailPerfunctory}})
	if !errors.Is(err, fault.ErrIllegalTransition) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
	out := mustTransition(t, snap(Evaluated, 0), Event{Kind: ExaminerResult, Verdicts: []examiner.Code{examiner.FailPerfunctory}})
	if out.To.State != NonCompliant || out.To.Tier != 1 {
		t.Fatalf("expected NON_COMPLIANT tier 1, got %s tier %d", out.To.State, out.To.Tier)
	}
}

func TestTier2Flow(t *testing.T) {
	if _, err := Transition(snap(Responded, 0), Event{Kind: Tier2NoticeSent}); !errors.Is(err, fault.ErrIllegalTransition) {
		t.Fatalf("expected illegal transition before enforcement, got %v", err)
	}
	if _, err := Transition(snap(NonCompliant, 1), Event{Kind: Tier2Adjudicated}); !errors.Is(err, fault.ErrNoticeNotSent) {
		t.Fatalf("expected notice not sent, got %v", err)
	}

	sent := mustTransition(t, snap(NonCompliant, 1), Event{Kind: Tier2NoticeSent, Actor: ledger.ActorUser})
	if sent.To.Tier != 2 || sent.To.State != ProceduralEnforcement {
		t.Fatalf("expected PROCEDURAL_ENFORCEMENT tier 2, got %s tier %d", sent.To.State, sent.To.Tier)
	}
	if _, err := Transition(sent.To, Event{Kind: Tier2NoticeSent}); !errors.Is(err, fault.ErrAlreadySent) {
		t.Fatalf("expected already sent, got %v", err)
	}

	cured := mustTransition(t, sent.To, Event{Kind: Tier2Adjudicated, Cured: true})
	if cured.To.State != CuredAtTier2 || cured.To.Locked {
		t.Fatalf("expected CURED_AT_TIER_2 unlocked, got %+v", cured.To)
	}

	failed := mustTransition(t, sent.To, Event{Kind: Tier2Adjudicated})
	if failed.To.Tier != 3 || !failed.To.Locked || failed.To.State != ProceduralEnforcement {
		t.Fatalf("expected locked tier 3 at same state, got %+v", failed.To)
	}
	_, err := Transition(failed.To, Event{Kind: ResponseLogged, Verdicts: []examiner.Code{examiner.Pass}})
	if !errors.Is(err, fault.ErrDisputeLocked) {
		t.Fatalf("expected dispute locked, got %v", err)
	}
}

func TestEscalationRequested(t *testing.T) {
	if _, err := Transition(snap(SubstantiveEnforcement, 1), Event{Kind: EscalationRequested, Target: RegulatoryEscalation}); !errors.Is(err, fault.ErrIllegalTransition) {
		t.Fatalf("expected lower tiers to gate regulatory escalation, got %v", err)
	}
	reg := mustTransition(t, snap(SubstantiveEnforcement, 2), Event{Kind: EscalationRequested, Target: RegulatoryEscalation})
	if reg.To.State != RegulatoryEscalation {
		t.Fatalf("expected REGULATORY_ESCALATION, got %s", reg.To.State)
	}
	lit := mustTransition(t, reg.To, Event{Kind: EscalationRequested, Target: LitigationReady})
	if lit.To.State != LitigationReady {
		t.Fatalf("expected LITIGATION_READY, got %s", lit.To.State)
	}
	if _, err := Transition(snap(NonCompliant, 2), Event{Kind: EscalationRequested, Target: LitigationReady}); !errors.Is(err, fault.ErrIllegalTransition) {
		t.Fatalf("expected litigation to require regulatory escalation first, got %v", err)
	}
	if _, err := Transition(snap(NonCompliant, 2), Event{Kind: EscalationRequested, Target: Disputed}); !errors.Is(err, fault.ErrInvalidInput) {
		t.Fatalf("expected invalid target, got %v", err)
	}
}

func TestTerminalStatesRejectEvents(t *testing.T) {
	for _, st := range []State{ResolvedDeleted, ResolvedCured, CuredAtTier2} {
		_, err := Transition(snap(st, 0), Event{Kind: ResponseLogged, Verdicts: []examiner.Code{examiner.FailPerfunctory}})
		if !errors.Is(err, fault.ErrIllegalTransition) {
			t.Fatalf("%s: expected illegal transition, got %v", st, err)
		}
	}
}

func TestReinsertionReopensDeletedDispute(t *testing.T) {
	deleted := mustTransition(t, snap(SubstantiveEnforcement, 1), Event{
		Kind:     ResponseLogged,
		Verdicts: []examiner.Code{examiner.Pass},
		Coverage: Coverage{Total: 1, Answered: 1, Deleted: 1},
	})
	if deleted.To.State != ResolvedDeleted || deleted.To.Prior != SubstantiveEnforcement {
		t.Fatalf("unexpected snapshot %+v", deleted.To)
	}
	reopened := mustTransition(t, deleted.To, Event{Kind: ReinsertionDetected, Actor: ledger.ActorSystem})
	if reopened.To.State != SubstantiveEnforcement || reopened.To.Tier != 1 {
		t.Fatalf("expected reopening at the highest state reached, got %+v", reopened.To)
	}

	early := mustTransition(t, snap(ResolvedDeleted, 0), Event{Kind: ReinsertionDetected})
	if early.To.State != NonCompliant || early.To.Tier != 1 {
		t.Fatalf("expected NON_COMPLIANT tier 1, got %+v", early.To)
	}
	if _, err := Transition(snap(ResolvedCured, 0), Event{Kind: ReinsertionDetected}); !errors.Is(err, fault.ErrIllegalTransition) {
		t.Fatalf("expected reinsertion to reopen only deleted disputes, got %v", err)
	}
}

func TestWithdrawn(t *testing.T) {
	out := mustTransition(t, snap(Disputed, 0), Event{Kind: Withdrawn, Actor: ledger.ActorUser})
	if !out.To.Withdrawn || out.To.State != Disputed {
		t.Fatalf("unexpected snapshot %+v", out.To)
	}
	if _, err := Transition(out.To, Event{Kind: ResponseLogged}); !errors.Is(err, fault.ErrIllegalTransition) {
		t.Fatalf("expected withdrawn dispute to reject events, got %v", err)
	}
}

func TestLockCheckedFirst(t *testing.T) {
	s := Snapshot{DisputeID: "d", State: CuredAtTier2, Tier: 3, Locked: true, Withdrawn: true}
	if _, err := Transition(s, Event{Kind: Withdrawn}); !errors.Is(err, fault.ErrDisputeLocked) {
		t.Fatalf("expected dispute locked, got %v", err)
	}
}

// TestRandomWalksAreForwardOnly drives the machine with random events and
// checks that no walk revisits an earlier non-terminal state, tiers never
// decrease and a lock never lifts.
func TestRandomWalksAreForwardOnly(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	kinds := []Kind{MailingConfirmed, ResponseLogged, DeadlinePassed, ExaminerResult, Tier2NoticeSent, Tier2Adjudicated, EscalationRequested, ReinsertionDetected}
	codes := []examiner.Code{examiner.Pass, examiner.FailPerfunctory, examiner.FailNoResults, examiner.FailSystemic, examiner.FailMisleading}
	targets := []State{RegulatoryEscalation, LitigationReady}

	for walk := 0; walk < 500; walk++ {
		s := Snapshot{DisputeID: "walk", State: Detected}
		highWater := s.State.Rank()
		for step := 0; step < 40; step++ {
			total := 1 + rng.Intn(3)
			answered := rng.Intn(total + 1)
			deleted := rng.Intn(answered + 1)
			ev := Event{
				Kind:     kinds[rng.Intn(len(kinds))],
				At:       at,
				Verdicts: []examiner.Code{codes[rng.Intn(len(codes))]},
				Coverage: Coverage{Total: total, Answered: answered, Deleted: deleted, Updated: rng.Intn(answered - deleted + 1)},
				Target:   targets[rng.Intn(len(targets))],
				Cured:    rng.Intn(3) == 0,
			}
			out, err := Transition(s, ev)
			if err != nil {
				if fault.CodeOf(err) == "" {
					t.Fatalf("walk %d: untyped error %v", walk, err)
				}
				continue
			}
			next := out.To
			if !Forward(s.State, next.State) {
				t.Fatalf("walk %d: %s -> %s is not a forward move", walk, s.State, next.State)
			}
			if next.Tier < s.Tier {
				t.Fatalf("walk %d: tier decreased %d -> %d", walk, s.Tier, next.Tier)
			}
			if s.Locked && !next.Locked {
				t.Fatalf("walk %d: lock lifted", walk)
			}
			if next.Tier == TierLocked && !next.Locked {
				t.Fatalf("walk %d: tier 3 without lock", walk)
			}
			if !next.State.Terminal() {
				if next.State.Rank() < highWater {
					t.Fatalf("walk %d: %s revisits a state below %d", walk, next.State, highWater)
				}
				highWater = next.State.Rank()
			}
			s = next
		}
	}
}

func TestForward(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{Disputed, Responded, true},
		{NonCompliant, NonCompliant, true},
		{Evaluated, ResolvedCured, true},
		{ProceduralEnforcement, NonCompliant, false},
		{ResolvedDeleted, NonCompliant, true},
		{ResolvedCured, NonCompliant, false},
		{CuredAtTier2, Disputed, false},
	}
	for _, tc := range cases {
		if got := Forward(tc.from, tc.to); got != tc.want {
			t.Fatalf("Forward(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestReplayMatchesTransitions(t *testing.T) {
	s := snap(Detected, 0)
	entries := []ledger.Entry{Open("disp-1", "e0", ledger.ActorUser, at, nil)}
	events := []Event{
		{Kind: MailingConfirmed},
		{Kind: ResponseLogged, Verdicts: []examiner.Code{examiner.FailPerfunctory}, Coverage: Coverage{Total: 1, Answered: 1}},
		{Kind: Tier2NoticeSent},
		{Kind: Tier2Adjudicated},
	}
	for _, ev := range events {
		out := mustTransition(t, s, ev)
		entries = append(entries, out.Entries...)
		s = out.To
	}
	got, err := Replay(entries)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if got != s {
		t.Fatalf("expected replayed snapshot %+v, got %+v", s, got)
	}
}

func TestNextStates(t *testing.T) {
	if got := NextStates(snap(Detected, 0)); !reflect.DeepEqual(got, []State{Disputed}) {
		t.Fatalf("unexpected next states %v", got)
	}
	got := NextStates(snap(SubstantiveEnforcement, 2))
	want := map[State]bool{RegulatoryEscalation: true, ResolvedDeleted: true, ResolvedCured: true, CuredAtTier2: true}
	if len(got) != len(want) {
		t.Fatalf("unexpected next states %v", got)
	}
	for _, st := range got {
		if !want[st] {
			t.Fatalf("unexpected next state %s", st)
		}
	}
	if got := NextStates(Snapshot{State: ProceduralEnforcement, Tier: 3, Locked: true}); got != nil {
		t.Fatalf("locked dispute must have no next states, got %v", got)
	}
	if got := NextStates(snap(CuredAtTier2, 2)); got != nil {
		t.Fatalf("closed dispute must have no next states, got %v", got)
	}
}
