package dispute

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"disputeflow/artifact"
	"disputeflow/deadline"
	"disputeflow/entity"
	"disputeflow/escalation"
	"disputeflow/fault"
	"disputeflow/ledger"
	"disputeflow/posture"
	"disputeflow/reinsertion"
	"disputeflow/violation"
)

// Service implements the dispute operations on top of a Store. Every
// mutation runs inside Store.Mutate, so all writers of one dispute are
// serialised and a rejected operation leaves nothing behind.
type Service struct {
	store       Store
	calc        deadline.Calculator
	monitor     *reinsertion.Monitor
	entities    *entity.Service
	renderer    artifact.Renderer
	logger      logrus.FieldLogger
	idGenerator func() string
	now         func() time.Time
}

func NewService(store Store) *Service {
	if store == nil {
		store = NewMemoryStore()
	}
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	return &Service{
		store:       store,
		calc:        deadline.NewCalculator(deadline.DefaultTier2CureDays),
		monitor:     reinsertion.NewMonitor(nil),
		entities:    entity.NewService(entity.NewDirectory()),
		logger:      discard,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithLogger(l logrus.FieldLogger) *Service {
	if l != nil {
		s.logger = l.WithField("module", "dispute")
	}
	return s
}

func (s *Service) WithCalculator(c deadline.Calculator) *Service {
	s.calc = c
	return s
}

func (s *Service) WithMonitor(m *reinsertion.Monitor) *Service {
	if m != nil {
		s.monitor = m
	}
	return s
}

func (s *Service) WithEntities(e *entity.Service) *Service {
	if e != nil {
		s.entities = e
	}
	return s
}

func (s *Service) WithRenderer(r artifact.Renderer) *Service {
	s.renderer = r
	return s
}

// CreateParams is the input of CreateDispute. Violations is the shape handed
// over by the violation-detection collaborator.
type CreateParams struct {
	OwnerID    string
	EntityType string
	EntityName string
	Source     string
	CycleID    string
	Violations []violation.Detected
}

func (s *Service) CreateDispute(ctx context.Context, params CreateParams) (Aggregate, error) {
	source, ok := ParseSource(params.Source)
	if !ok {
		return Aggregate{}, fault.New(fault.InvalidInput, "unknown source %q", params.Source)
	}
	profile, err := s.entities.Resolve(ctx, params.EntityName, params.EntityType)
	if err != nil {
		return Aggregate{}, err
	}
	if len(params.Violations) == 0 {
		return Aggregate{}, fault.New(fault.InvalidInput, "at least one violation is required")
	}

	now := s.now().UTC()
	id := s.idGenerator()
	cycle := strings.TrimSpace(params.CycleID)
	if cycle == "" {
		cycle = s.idGenerator()
	}

	agg := Aggregate{
		Dispute: Dispute{
			ID:         id,
			OwnerID:    params.OwnerID,
			EntityType: string(profile.Type),
			EntityName: profile.Name,
			Source:     source,
			CycleID:    cycle,
			State:      escalation.Detected,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
	}

	seen := make(map[string]bool, len(params.Violations))
	ids := make([]string, 0, len(params.Violations))
	for _, d := range params.Violations {
		vid := strings.TrimSpace(d.ViolationID)
		if vid == "" {
			return Aggregate{}, fault.New(fault.InvalidInput, "violation id is required")
		}
		if seen[vid] {
			return Aggregate{}, fault.New(fault.InvalidInput, "violation %s listed twice", vid)
		}
		seen[vid] = true
		sev, ok := violation.ParseSeverity(string(d.Severity))
		if !ok {
			return Aggregate{}, fault.New(fault.InvalidInput, "violation %s has unknown severity %q", vid, d.Severity)
		}
		if strings.TrimSpace(d.ViolationType) == "" {
			return Aggregate{}, fault.New(fault.InvalidInput, "violation %s has no type", vid)
		}
		agg.Violations = append(agg.Violations, violation.Record{
			ID:                  vid,
			DisputeID:           id,
			Type:                d.ViolationType,
			Severity:            sev,
			Layer:               violation.LayerData,
			CreditorName:        d.CreditorName,
			AccountNumberMasked: d.AccountNumberMasked,
			CreatedAt:           now,
		})
		ids = append(ids, vid)
	}

	entry := escalation.Open(id, s.idGenerator(), ledger.ActorUser, now, map[string]any{
		"entity_type":   string(profile.Type),
		"entity_name":   profile.Name,
		"source":        string(source),
		"cycle_id":      cycle,
		"violation_ids": ids,
	})
	if _, err := s.store.Create(ctx, agg, []ledger.Entry{entry}); err != nil {
		return Aggregate{}, err
	}

	s.logger.WithFields(logrus.Fields{
		"dispute_id": id,
		"entity":     profile.Name,
		"violations": len(ids),
	}).Info("dispute created")
	return agg, nil
}

// StartTracking records the mailing date and computes the response deadline.
func (s *Service) StartTracking(ctx context.Context, disputeID string, mailedDate time.Time, trackingRef string) (Dispute, error) {
	agg, _, err := s.store.Mutate(ctx, disputeID, func(agg *Aggregate) ([]ledger.Entry, error) {
		if err := checkMutable(agg); err != nil {
			return nil, err
		}
		due, err := s.calc.Compute(mailedDate, agg.Dispute.Source.DeadlineKind())
		if err != nil {
			return nil, err
		}
		mailed := deadline.Day(mailedDate)
		out, err := s.transition(agg, escalation.Event{
			Kind:  escalation.MailingConfirmed,
			Actor: ledger.ActorUser,
			Metadata: map[string]any{
				"mailed_date":   mailed.Format(time.DateOnly),
				"deadline_date": due.Format(time.DateOnly),
				"tracking_ref":  trackingRef,
				"source":        string(agg.Dispute.Source),
			},
		})
		if err != nil {
			return nil, err
		}
		agg.Dispute.MailedDate = &mailed
		agg.Dispute.DeadlineDate = &due
		agg.Dispute.TrackingRef = trackingRef
		return out.Entries, nil
	})
	if err != nil {
		return Dispute{}, err
	}
	s.logger.WithFields(logrus.Fields{
		"dispute_id": disputeID,
		"deadline":   agg.Dispute.DeadlineDate.Format(time.DateOnly),
	}).Info("tracking started")
	return agg.Dispute, nil
}

func (s *Service) Get(ctx context.Context, disputeID string) (Aggregate, error) {
	return s.store.Load(ctx, disputeID)
}

// StateView is the read model returned by GetState.
type StateView struct {
	DisputeID           string                 `json:"dispute_id"`
	State               escalation.State       `json:"current_state"`
	Tier                int                    `json:"tier"`
	Locked              bool                   `json:"locked"`
	Withdrawn           bool                   `json:"withdrawn"`
	DeadlineDate        *time.Time             `json:"deadline_date,omitempty"`
	DaysToDeadline      *int                   `json:"days_to_deadline,omitempty"`
	CureDeadline        *time.Time             `json:"tier2_cure_deadline,omitempty"`
	IsTerminal          bool                   `json:"is_terminal"`
	AvailableNextStates []escalation.State     `json:"available_next_states"`
	AvailableOutputs    []artifact.Type        `json:"available_outputs"`
	Posture             posture.Recommendation `json:"posture"`
}

func (s *Service) GetState(ctx context.Context, disputeID string) (StateView, error) {
	agg, err := s.store.Load(ctx, disputeID)
	if err != nil {
		return StateView{}, err
	}
	snap := agg.Dispute.Snapshot()
	view := StateView{
		DisputeID:           agg.Dispute.ID,
		State:               snap.State,
		Tier:                snap.Tier,
		Locked:              snap.Locked,
		Withdrawn:           snap.Withdrawn,
		DeadlineDate:        cloneTime(agg.Dispute.DeadlineDate),
		CureDeadline:        cloneTime(agg.Tier2.CureDeadline),
		IsTerminal:          snap.State.Terminal() || snap.Locked,
		AvailableNextStates: escalation.NextStates(snap),
		AvailableOutputs:    artifact.Available(snap),
		Posture:             posture.Recommend(snap, agg.LatestVerdict()),
	}
	if view.DeadlineDate != nil {
		days := deadline.DaysUntil(*view.DeadlineDate, s.now())
		view.DaysToDeadline = &days
	}
	return view, nil
}

// GetTimeline returns the dispute's ledger. The timeline is a read-only
// copy; nothing a caller does to it reaches the stored history.
func (s *Service) GetTimeline(ctx context.Context, disputeID string) (ledger.Timeline, error) {
	return s.store.Timeline(ctx, disputeID)
}

// RequestArtifact renders a document from the current position and ledger.
func (s *Service) RequestArtifact(ctx context.Context, disputeID string, t artifact.Type) (artifact.Document, error) {
	agg, err := s.store.Load(ctx, disputeID)
	if err != nil {
		return artifact.Document{}, err
	}
	snap := agg.Dispute.Snapshot()
	if err := artifact.CheckAvailable(snap, t); err != nil {
		return artifact.Document{}, err
	}
	tl, err := s.store.Timeline(ctx, disputeID)
	if err != nil {
		return artifact.Document{}, err
	}

	rc := artifact.Context{
		DisputeID:    agg.Dispute.ID,
		EntityName:   agg.Dispute.EntityName,
		EntityType:   agg.Dispute.EntityType,
		State:        snap.State,
		Tier:         snap.Tier,
		Locked:       snap.Locked,
		DeadlineDate: cloneTime(agg.Dispute.DeadlineDate),
		Posture:      posture.Recommend(snap, agg.LatestVerdict()),
		Timeline:     tl.Entries(),
	}
	for _, v := range agg.Violations {
		rc.Violations = append(rc.Violations, artifact.Violation{
			ID:                  v.ID,
			Type:                v.Type,
			Severity:            v.Severity,
			Layer:               v.Layer,
			CreditorName:        v.CreditorName,
			AccountNumberMasked: v.AccountNumberMasked,
			Response:            v.Response,
		})
	}

	renderer := s.renderer
	if renderer == nil {
		renderer = artifact.JSONRenderer{Now: s.now}
	}
	doc, err := renderer.Render(ctx, t, rc)
	if err != nil {
		return artifact.Document{}, fmt.Errorf("dispute: render %s: %w", t, err)
	}
	return doc, nil
}

// AuditReport compares the stored position with the one the ledger implies.
type AuditReport struct {
	DisputeID  string              `json:"dispute_id"`
	Entries    int                 `json:"entries"`
	ChainValid bool                `json:"chain_valid"`
	ChainError string              `json:"chain_error,omitempty"`
	Stored     escalation.Snapshot `json:"stored"`
	Replayed   escalation.Snapshot `json:"replayed"`
	Consistent bool                `json:"consistent"`
}

func (s *Service) Audit(ctx context.Context, disputeID string) (AuditReport, error) {
	agg, err := s.store.Load(ctx, disputeID)
	if err != nil {
		return AuditReport{}, err
	}
	tl, err := s.store.Timeline(ctx, disputeID)
	if err != nil {
		return AuditReport{}, err
	}
	report := AuditReport{
		DisputeID:  disputeID,
		Entries:    tl.Len(),
		ChainValid: true,
		Stored:     agg.Dispute.Snapshot(),
	}
	if err := tl.Verify(); err != nil {
		report.ChainValid = false
		report.ChainError = err.Error()
	}
	replayed, err := escalation.Replay(tl.Entries())
	if err != nil {
		return AuditReport{}, fmt.Errorf("dispute: audit: %w", err)
	}
	report.Replayed = replayed
	report.Consistent = report.ChainValid &&
		replayed.State == report.Stored.State &&
		replayed.Tier == report.Stored.Tier &&
		replayed.Locked == report.Stored.Locked &&
		replayed.Withdrawn == report.Stored.Withdrawn
	if !report.Consistent {
		s.logger.WithFields(logrus.Fields{
			"dispute_id": disputeID,
			"stored":     report.Stored.State,
			"replayed":   replayed.State,
			"chain":      report.ChainError,
		}).Warn("audit mismatch")
	}
	return report, nil
}

// checkMutable is the guard every mutating operation runs first.
func checkMutable(agg *Aggregate) error {
	d := agg.Dispute
	if d.Locked {
		return fault.New(fault.DisputeLocked, "dispute %s is locked at tier %d", d.ID, d.Tier)
	}
	if d.Withdrawn() {
		return fault.New(fault.IllegalTransition, "dispute %s was withdrawn", d.ID)
	}
	return nil
}

// transition runs the state machine and applies the accepted position to agg.
func (s *Service) transition(agg *Aggregate, ev escalation.Event) (escalation.Outcome, error) {
	if ev.EntryID == "" {
		ev.EntryID = s.idGenerator()
	}
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	out, err := escalation.Transition(agg.Dispute.Snapshot(), ev)
	if err != nil {
		return escalation.Outcome{}, err
	}
	agg.Dispute.apply(out.To, ev.At)
	return out, nil
}

func (s *Service) logTransition(out escalation.Outcome, fields logrus.Fields) {
	entry := s.logger.WithFields(logrus.Fields{
		"dispute_id": out.To.DisputeID,
		"state":      out.To.State,
		"tier":       out.To.Tier,
	})
	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}
	if out.Changed() {
		entry.WithField("from", out.From.State).Info("dispute transitioned")
		return
	}
	entry.Debug("dispute event recorded")
}
