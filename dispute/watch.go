package dispute

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"disputeflow/deadline"
	"disputeflow/escalation"
	"disputeflow/fault"
	"disputeflow/ledger"
	"disputeflow/reinsertion"
	"disputeflow/violation"
)

// RecordContradiction adds an entity's contradiction report to the
// cross-entity index. The entity type is resolved through the directory.
func (s *Service) RecordContradiction(ctx context.Context, o reinsertion.Observation) error {
	if strings.TrimSpace(o.CycleID) == "" || strings.TrimSpace(o.Contradiction) == "" || o.Tradeline.IsZero() {
		return fault.New(fault.InvalidInput, "cycle, contradiction and tradeline are required")
	}
	profile, err := s.entities.Resolve(ctx, o.EntityName, string(o.EntityType))
	if err != nil {
		return err
	}
	o.EntityName = profile.Name
	o.EntityType = profile.Type
	if err := s.monitor.Observe(ctx, o); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"cycle_id": o.CycleID,
		"entity":   o.EntityName,
	}).Debug("contradiction recorded")
	return nil
}

// ReportTradelineFact checks a later tradeline observation against open
// reinsertion watches and reopens every dispute it affects. It returns the
// ids of the disputes reopened by this call.
func (s *Service) ReportTradelineFact(ctx context.Context, f reinsertion.Fact) ([]string, error) {
	findings, err := s.monitor.Check(ctx, f)
	if err != nil {
		if errors.Is(err, reinsertion.ErrInvalidFact) {
			return nil, fault.New(fault.InvalidInput, "tradeline and observation date are required")
		}
		return nil, err
	}

	var reopened []string
	for _, fd := range findings {
		fired, err := s.reopen(ctx, fd)
		if err != nil {
			return reopened, err
		}
		if _, err := s.monitor.Acknowledge(ctx, fd); err != nil {
			return reopened, err
		}
		if fired {
			reopened = append(reopened, fd.Watch.DisputeID)
		}
	}
	return reopened, nil
}

// reopen applies one reinsertion finding. A dispute that already carries the
// finding's violation, or has left RESOLVED_DELETED, is left alone.
func (s *Service) reopen(ctx context.Context, fd reinsertion.Finding) (bool, error) {
	vid := fd.ViolationID()
	var out escalation.Outcome
	_, entries, err := s.store.Mutate(ctx, fd.Watch.DisputeID, func(agg *Aggregate) ([]ledger.Entry, error) {
		if _, dup := agg.Violation(vid); dup {
			return nil, nil
		}
		if agg.Dispute.State != escalation.ResolvedDeleted || agg.Dispute.Locked {
			return nil, nil
		}

		now := s.now().UTC()
		rec := violation.Record{
			ID:                  vid,
			DisputeID:           agg.Dispute.ID,
			Type:                violation.TypeReinsertionWithoutNotice,
			Severity:            violation.SeverityHigh,
			Layer:               violation.LayerData,
			CreditorName:        fd.Fact.Tradeline.Creditor,
			AccountNumberMasked: fd.Fact.Tradeline.Account,
			CreatedAt:           now,
		}
		for _, v := range agg.Violations {
			if v.Layer == violation.LayerData && v.Tradeline().Key() == fd.Watch.Tradeline {
				rec.DerivedFrom = v.ID
				break
			}
		}
		agg.Violations = append(agg.Violations, rec)

		var err error
		out, err = s.transition(agg, escalation.Event{
			Kind:  escalation.ReinsertionDetected,
			Actor: ledger.ActorSystem,
			At:    now,
			Metadata: map[string]any{
				"violation_id":  vid,
				"tradeline":     fd.Watch.Tradeline,
				"watched_at":    fd.Watch.EntityName,
				"reported_by":   fd.Fact.EntityName,
				"observed_at":   deadline.Day(fd.Fact.ObservedAt).Format(time.DateOnly),
				"dedupe_key":    fd.DedupeKey,
				"watch_expires": fd.Watch.ExpiresAt.Format(time.DateOnly),
			},
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
		return false, nil
	}
	s.logTransition(out, logrus.Fields{"violation_id": vid})
	return true, nil
}
