package dispute

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"disputeflow/deadline"
	"disputeflow/escalation"
	"disputeflow/examiner"
	"disputeflow/fault"
	"disputeflow/ledger"
	"disputeflow/tier2"
	"disputeflow/violation"
)

// DueDisputes lists the disputes the sweep should look at. The list is a
// hint; ProcessDue re-checks each dispute under its lock.
func (s *Service) DueDisputes(ctx context.Context, now time.Time) ([]string, error) {
	return s.store.ListDue(ctx, now)
}

// ProcessDue fires the time-triggered transition of one dispute. It returns
// false without error when nothing is due any more, which is how a race lost
// to a user action ends.
func (s *Service) ProcessDue(ctx context.Context, disputeID string, now time.Time) (bool, error) {
	agg, err := s.store.Load(ctx, disputeID)
	if err != nil {
		return false, err
	}
	if dueReason(&agg, now) == dueCureWindow {
		_, err := s.adjudicate(ctx, disputeID, tier2.NoResponse, deadline.Day(now), ledger.ActorSystem)
		if err == nil {
			return true, nil
		}
		switch fault.CodeOf(err) {
		case fault.AlreadyAdjudicated, fault.DisputeLocked, fault.IllegalTransition:
			return false, nil
		}
		return false, err
	}
	return s.deadlinePassed(ctx, disputeID, now)
}

// deadlinePassed synthesises SYSTEM NO_RESPONSE events for every unanswered
// violation and applies them as one transition.
func (s *Service) deadlinePassed(ctx context.Context, disputeID string, now time.Time) (bool, error) {
	var (
		out      escalation.Outcome
		verdicts []examiner.Code
	)
	_, entries, err := s.store.Mutate(ctx, disputeID, func(agg *Aggregate) ([]ledger.Entry, error) {
		if dueReason(agg, now) != dueResponseDeadline {
			return nil, nil
		}
		at := s.now().UTC()
		day := deadline.Day(now)

		var pending []string
		for _, v := range agg.Unanswered() {
			pending = append(pending, v.ID)
		}
		var responseIDs, synthesized []string
		codes := make([]string, 0, len(pending))
		for _, vid := range pending {
			v, _ := agg.Violation(vid)
			ev := violation.ResponseEvent{
				ID:           s.idGenerator(),
				DisputeID:    agg.Dispute.ID,
				ViolationID:  vid,
				Type:         violation.ResponseNoResponse,
				ReportedDate: day,
				ReportedBy:   violation.ReporterSystem,
				CreatedAt:    at,
			}
			rt := violation.ResponseNoResponse
			v.Response = &rt
			v.ResponseDate = &day
			agg.Responses = append(agg.Responses, ev)

			xctx, err := s.examinerContext(ctx, agg, v, day)
			if err != nil {
				return nil, err
			}
			res := recordVerdict(agg, examiner.Evaluate(ev, *v, xctx))
			verdicts = append(verdicts, res.Code)
			codes = append(codes, string(res.Code))
			responseIDs = append(responseIDs, ev.ID)
			if res.Synthesized != nil {
				synthesized = append(synthesized, res.Synthesized.ID)
			}
		}

		meta := map[string]any{
			"deadline_date":  agg.Dispute.DeadlineDate.Format(time.DateOnly),
			"violation_ids":  pending,
			"response_ids":   responseIDs,
			"examiner_codes": codes,
		}
		if len(synthesized) > 0 {
			meta["synthesized_violation_ids"] = synthesized
		}
		var err error
		out, err = s.transition(agg, escalation.Event{
			Kind:     escalation.DeadlinePassed,
			Actor:    ledger.ActorSystem,
			At:       at,
			Verdicts: verdicts,
			Coverage: agg.Coverage(),
			Metadata: meta,
		})
		if err != nil {
			return nil, err
		}
		return out.Entries, nil
	})
	if err != nil {
		return false, err
	}
	if len(entries) == 0 {
		s.logger.WithField("dispute_id", disputeID).Debug("deadline no longer due")
		return false, nil
	}
	s.logTransition(out, logrus.Fields{"verdict": out.Worst})
	return true, nil
}

// RecordEvaluationError appends an EVALUATION_ERROR entry for a failed sweep
// step. It changes nothing but the ledger.
func (s *Service) RecordEvaluationError(ctx context.Context, disputeID string, cause error) error {
	_, _, err := s.store.Mutate(ctx, disputeID, func(agg *Aggregate) ([]ledger.Entry, error) {
		meta := map[string]any{"error": cause.Error()}
		if code := fault.CodeOf(cause); code != "" {
			meta["code"] = string(code)
		}
		return []ledger.Entry{{
			ID:          s.idGenerator(),
			DisputeID:   agg.Dispute.ID,
			Timestamp:   s.now().UTC(),
			Actor:       ledger.ActorSystem,
			Type:        ledger.EventEvaluationError,
			Description: "deadline sweep failed: " + cause.Error(),
			Metadata:    meta,
		}}, nil
	})
	if err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{"dispute_id": disputeID, "err": cause}).Error("evaluation error recorded")
	return nil
}
