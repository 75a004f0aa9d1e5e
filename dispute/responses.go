package dispute

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"disputeflow/deadline"
	"disputeflow/entity"
	"disputeflow/escalation"
	"disputeflow/examiner"
	"disputeflow/fault"
	"disputeflow/ledger"
	"disputeflow/reinsertion"
	"disputeflow/violation"
)

// LogResponseParams is one user-classified entity response.
type LogResponseParams struct {
	DisputeID    string
	ViolationID  string
	Response     violation.ResponseType
	ResponseDate time.Time
	Findings     *violation.Findings
	EvidenceHash string

	// Supersede replaces an earlier response with a new fact instead of
	// failing with DUPLICATE_RESPONSE.
	Supersede bool
}

// LogResponse records the response, runs the examiner checks and applies
// the resulting transition as one committed step.
func (s *Service) LogResponse(ctx context.Context, params LogResponseParams) (violation.Record, error) {
	if _, ok := violation.ParseResponseType(string(params.Response)); !ok {
		return violation.Record{}, fault.New(fault.InvalidInput, "unknown response type %q", params.Response)
	}
	if params.ResponseDate.IsZero() {
		return violation.Record{}, fault.New(fault.InvalidInput, "response date is required")
	}

	var (
		out    escalation.Outcome
		result examiner.Result
		record violation.Record
	)
	agg, _, err := s.store.Mutate(ctx, params.DisputeID, func(agg *Aggregate) ([]ledger.Entry, error) {
		if err := checkMutable(agg); err != nil {
			return nil, err
		}
		v, err := dataViolation(agg, params.ViolationID)
		if err != nil {
			return nil, err
		}
		prev, answered := agg.LatestResponse(v.ID)
		switch {
		case v.Answered() && !params.Supersede:
			return nil, fault.New(fault.DuplicateResponse, "violation %s already has response %s", v.ID, *v.Response)
		case params.Supersede && !answered:
			return nil, fault.New(fault.InvalidInput, "violation %s has no response to supersede", v.ID)
		}
		if params.Findings != nil {
			v.Findings = *params.Findings
		}

		now := s.now().UTC()
		day := deadline.Day(params.ResponseDate)
		ev := violation.ResponseEvent{
			ID:           s.idGenerator(),
			DisputeID:    agg.Dispute.ID,
			ViolationID:  v.ID,
			Type:         params.Response,
			ReportedDate: day,
			ReportedBy:   violation.ReporterUser,
			CreatedAt:    now,
		}
		if params.Supersede {
			ev.Supersedes = prev.ID
		}
		rt := params.Response
		v.Response = &rt
		v.ResponseDate = &day
		agg.Responses = append(agg.Responses, ev)

		xctx, err := s.examinerContext(ctx, agg, v, day)
		if err != nil {
			return nil, err
		}
		result = recordVerdict(agg, examiner.Evaluate(ev, *v, xctx))

		if params.Response == violation.ResponseRejected {
			cure, err := s.calc.Compute(day, deadline.FrivolousCure)
			if err != nil {
				return nil, err
			}
			agg.Dispute.FrivolousCureDeadline = &cure
		}

		out, err = s.transition(agg, escalation.Event{
			Kind:         escalation.ResponseLogged,
			Actor:        ledger.ActorUser,
			At:           now,
			Verdicts:     []examiner.Code{result.Code},
			Coverage:     agg.Coverage(),
			EvidenceHash: params.EvidenceHash,
			Metadata:     responseMetadata(ev, result),
		})
		if err != nil {
			return nil, err
		}
		if params.Supersede {
			out.Entries[0].Type = ledger.EventResponseSuperseded
		}
		if err := s.openWatch(ctx, agg, out); err != nil {
			return nil, err
		}
		record = *v
		return out.Entries, nil
	})
	if err != nil {
		return violation.Record{}, err
	}

	s.logTransition(out, logrus.Fields{
		"violation_id": params.ViolationID,
		"response":     params.Response,
		"verdict":      result.Code,
	})
	s.afterResponse(ctx, agg, record)
	return record, nil
}

// SubmitFindings replaces a violation's findings and re-evaluates its
// latest response, firing an examiner-result transition.
func (s *Service) SubmitFindings(ctx context.Context, disputeID, violationID string, findings violation.Findings) (examiner.Result, error) {
	var (
		out    escalation.Outcome
		result examiner.Result
		record violation.Record
	)
	agg, _, err := s.store.Mutate(ctx, disputeID, func(agg *Aggregate) ([]ledger.Entry, error) {
		if err := checkMutable(agg); err != nil {
			return nil, err
		}
		v, err := dataViolation(agg, violationID)
		if err != nil {
			return nil, err
		}
		ev, ok := agg.LatestResponse(v.ID)
		if !ok {
			return nil, fault.New(fault.InvalidInput, "violation %s has no logged response to examine", v.ID)
		}
		v.Findings = findings

		xctx, err := s.examinerContext(ctx, agg, v, ev.ReportedDate)
		if err != nil {
			return nil, err
		}
		result = recordVerdict(agg, examiner.Evaluate(ev, *v, xctx))

		out, err = s.transition(agg, escalation.Event{
			Kind:     escalation.ExaminerResult,
			Actor:    ledger.ActorUser,
			Verdicts: []examiner.Code{result.Code},
			Coverage: agg.Coverage(),
			Metadata: responseMetadata(ev, result),
		})
		if err != nil {
			return nil, err
		}
		if err := s.openWatch(ctx, agg, out); err != nil {
			return nil, err
		}
		record = *v
		return out.Entries, nil
	})
	if err != nil {
		return examiner.Result{}, err
	}
	s.logTransition(out, logrus.Fields{"violation_id": violationID, "verdict": result.Code})
	s.afterResponse(ctx, agg, record)
	return result, nil
}

func dataViolation(agg *Aggregate, id string) (*violation.Record, error) {
	v, ok := agg.Violation(id)
	if !ok {
		return nil, fault.New(fault.UnknownViolation, "violation %s is not part of dispute %s", id, agg.Dispute.ID)
	}
	if v.Layer != violation.LayerData {
		return nil, fault.New(fault.InvalidInput, "violation %s was synthesised from a response and takes no responses", id)
	}
	return v, nil
}

// examinerContext derives the check inputs for a response dated day.
func (s *Service) examinerContext(ctx context.Context, agg *Aggregate, v *violation.Record, day time.Time) (examiner.Context, error) {
	c := examiner.Context{
		PreviouslyDetected:  v.Findings.PreviouslyDetected,
		StillPresent:        v.Findings.StillPresent,
		EvidenceSent:        v.Findings.EvidenceSent,
		LogicallyImpossible: v.Findings.LogicallyImpossible,
		Severity:            v.Severity,
	}
	if due := agg.Dispute.DeadlineDate; due != nil {
		c.DeadlinePassed = deadline.Late(*due, day)
	}
	if v.Findings.Contradiction != "" {
		// The pending response counts as an observer without being stored;
		// the index is only written once the response commits.
		check := s.monitor.CrossBureau
		if v.Response != nil && !v.Response.Resolves() {
			check = s.monitor.CrossBureauWith
		}
		cross, err := check(ctx, observation(agg, v))
		if err != nil {
			return examiner.Context{}, err
		}
		c.CrossBureau = cross
	}
	return c, nil
}

// recordVerdict appends an examiner result and its synthesised violation. A
// violation synthesised earlier for the same source and code is kept once.
func recordVerdict(agg *Aggregate, res examiner.Result) examiner.Result {
	agg.Verdicts = append(agg.Verdicts, res)
	if res.Synthesized == nil {
		return res
	}
	if _, exists := agg.Violation(res.Synthesized.ID); !exists {
		agg.Violations = append(agg.Violations, *res.Synthesized)
	}
	return res
}

func responseMetadata(ev violation.ResponseEvent, res examiner.Result) map[string]any {
	meta := map[string]any{
		"violation_id":  ev.ViolationID,
		"response_id":   ev.ID,
		"response_type": string(ev.Type),
		"response_date": ev.ReportedDate.Format(time.DateOnly),
		"reported_by":   string(ev.ReportedBy),
		"examiner_code": string(res.Code),
		"reason":        res.Reason,
	}
	if ev.Supersedes != "" {
		meta["supersedes"] = ev.Supersedes
	}
	if res.Synthesized != nil {
		meta["synthesized_violation_id"] = res.Synthesized.ID
	}
	return meta
}

func observation(agg *Aggregate, v *violation.Record) reinsertion.Observation {
	return reinsertion.Observation{
		CycleID:       agg.Dispute.CycleID,
		Tradeline:     v.Tradeline(),
		Contradiction: v.Findings.Contradiction,
		EntityName:    agg.Dispute.EntityName,
		EntityType:    entity.Type(agg.Dispute.EntityType),
	}
}

// openWatch starts the reinsertion watch when out deletes the dispute. It
// runs inside the mutation so a watch that cannot be stored rolls the
// deletion back, and the watch window is ledgered with the transition.
func (s *Service) openWatch(ctx context.Context, agg *Aggregate, out escalation.Outcome) error {
	if out.To.State != escalation.ResolvedDeleted || out.From.State == escalation.ResolvedDeleted {
		return nil
	}
	at := s.now()
	if err := s.monitor.Open(ctx, agg.Dispute.ID, agg.Dispute.EntityName, agg.Tradelines(), at); err != nil {
		return err
	}
	out.Entries[0].Metadata["reinsertion_watch_until"] = deadline.Day(at).Add(s.monitor.Window()).Format(time.DateOnly)
	return nil
}

// afterResponse keeps the cross-entity index in line with a committed
// response. Failures are logged; the transition itself is already durable.
func (s *Service) afterResponse(ctx context.Context, agg Aggregate, v violation.Record) {
	if v.Response == nil || v.Findings.Contradiction == "" {
		return
	}
	log := s.logger.WithField("dispute_id", agg.Dispute.ID)
	o := observation(&agg, &v)
	if v.Response.Resolves() {
		if err := s.monitor.Retract(ctx, o); err != nil {
			log.WithError(err).Error("retract contradiction observation")
		}
		return
	}
	if err := s.monitor.Observe(ctx, o); err != nil {
		log.WithError(err).Error("record contradiction observation")
	}
}
