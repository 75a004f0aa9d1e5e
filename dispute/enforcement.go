package dispute

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"disputeflow/escalation"
	"disputeflow/fault"
	"disputeflow/ledger"
	"disputeflow/tier2"
)

// MarkTier2NoticeSent records the supervisory notice and anchors the cure
// window on the current time.
func (s *Service) MarkTier2NoticeSent(ctx context.Context, disputeID string) (time.Time, error) {
	var (
		out  escalation.Outcome
		sent time.Time
	)
	agg, _, err := s.store.Mutate(ctx, disputeID, func(agg *Aggregate) ([]ledger.Entry, error) {
		if err := checkMutable(agg); err != nil {
			return nil, err
		}
		now := s.now().UTC()
		rec, err := tier2.MarkSent(agg.Tier2, now, s.calc)
		if err != nil {
			return nil, err
		}
		out, err = s.transition(agg, escalation.Event{
			Kind:  escalation.Tier2NoticeSent,
			Actor: ledger.ActorUser,
			At:    now,
			Metadata: map[string]any{
				"notice_sent_at": rec.NoticeSentAt.Format(time.RFC3339),
				"cure_deadline":  rec.CureDeadline.Format(time.DateOnly),
				"cure_days":      s.calc.Tier2CureDays,
			},
		})
		if err != nil {
			return nil, err
		}
		agg.Tier2 = rec
		sent = *rec.NoticeSentAt
		return out.Entries, nil
	})
	if err != nil {
		return time.Time{}, err
	}
	s.logTransition(out, logrus.Fields{"cure_deadline": agg.Tier2.CureDeadline.Format(time.DateOnly)})
	return sent, nil
}

// Tier2Result is the outcome of the single final response.
type Tier2Result struct {
	Status         tier2.Status         `json:"status"`
	Classification tier2.Classification `json:"classification,omitempty"`
	TierReached    int                  `json:"tier_reached"`
	State          escalation.State     `json:"state"`
	Entry          *ledger.Entry        `json:"ledger_entry,omitempty"`
}

// LogTier2Response adjudicates the supervisory notice. It succeeds at most
// once per dispute; a second call fails with ALREADY_ADJUDICATED whatever
// the first outcome was.
func (s *Service) LogTier2Response(ctx context.Context, disputeID string, final tier2.FinalResponse, responseDate time.Time) (Tier2Result, error) {
	if _, ok := tier2.ParseFinalResponse(string(final)); !ok {
		return Tier2Result{}, fault.New(fault.InvalidInput, "unknown final response %q", final)
	}
	return s.adjudicate(ctx, disputeID, final, responseDate, ledger.ActorUser)
}

func (s *Service) adjudicate(ctx context.Context, disputeID string, final tier2.FinalResponse, responseDate time.Time, actor ledger.Actor) (Tier2Result, error) {
	var (
		out     escalation.Outcome
		outcome tier2.Outcome
	)
	_, entries, err := s.store.Mutate(ctx, disputeID, func(agg *Aggregate) ([]ledger.Entry, error) {
		// A finished adjudication locks the dispute; report the single-shot
		// violation rather than the lock.
		if err := tier2.CheckAdjudicable(agg.Tier2); fault.CodeOf(err) == fault.AlreadyAdjudicated {
			return nil, err
		}
		if err := checkMutable(agg); err != nil {
			return nil, err
		}
		now := s.now().UTC()
		rec, oc, err := tier2.Adjudicate(agg.Tier2, final, responseDate, now, tier2.History{
			Responses: agg.ResponseHistory(),
			Verdicts:  agg.VerdictHistory(),
		})
		if err != nil {
			return nil, err
		}
		out, err = s.transition(agg, escalation.Event{
			Kind:     escalation.Tier2Adjudicated,
			Actor:    actor,
			At:       now,
			Cured:    oc.Cured(),
			Metadata: oc.Payload,
		})
		if err != nil {
			return nil, err
		}
		agg.Tier2 = rec
		outcome = oc
		return out.Entries, nil
	})
	if err != nil {
		return Tier2Result{}, err
	}

	res := Tier2Result{
		Status:         outcome.Status,
		Classification: outcome.Classification,
		TierReached:    out.To.Tier,
		State:          out.To.State,
	}
	if len(entries) > 0 {
		e := entries[len(entries)-1]
		res.Entry = &e
	}
	s.logTransition(out, logrus.Fields{
		"status":         outcome.Status,
		"classification": outcome.Classification,
		"actor":          actor,
	})
	return res, nil
}

// RequestEscalation moves an enforcement dispute to REGULATORY_ESCALATION or
// LITIGATION_READY. Escalation is never automatic.
func (s *Service) RequestEscalation(ctx context.Context, disputeID string, target escalation.State, reason string) (Dispute, error) {
	var out escalation.Outcome
	agg, _, err := s.store.Mutate(ctx, disputeID, func(agg *Aggregate) ([]ledger.Entry, error) {
		if err := checkMutable(agg); err != nil {
			return nil, err
		}
		var err error
		out, err = s.transition(agg, escalation.Event{
			Kind:        escalation.EscalationRequested,
			Actor:       ledger.ActorUser,
			Target:      target,
			Description: strings.TrimSpace(reason),
			Metadata:    map[string]any{"target": string(target)},
		})
		if err != nil {
			return nil, err
		}
		return out.Entries, nil
	})
	if err != nil {
		return Dispute{}, err
	}
	s.logTransition(out, nil)
	return agg.Dispute, nil
}

// Withdraw soft-deletes a dispute. History is kept; later mutations fail.
func (s *Service) Withdraw(ctx context.Context, disputeID, reason string) (Dispute, error) {
	var out escalation.Outcome
	agg, _, err := s.store.Mutate(ctx, disputeID, func(agg *Aggregate) ([]ledger.Entry, error) {
		if err := checkMutable(agg); err != nil {
			return nil, err
		}
		var err error
		out, err = s.transition(agg, escalation.Event{
			Kind:        escalation.Withdrawn,
			Actor:       ledger.ActorUser,
			Description: strings.TrimSpace(reason),
		})
		if err != nil {
			return nil, err
		}
		return out.Entries, nil
	})
	if err != nil {
		return Dispute{}, err
	}
	s.logTransition(out, logrus.Fields{"reason": reason})
	return agg.Dispute, nil
}
