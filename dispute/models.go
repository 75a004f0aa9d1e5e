package dispute

import (
	"strings"
	"time"

	"disputeflow/deadline"
	"disputeflow/escalation"
	"disputeflow/examiner"
	"disputeflow/tier2"
	"disputeflow/violation"
)

// Source is the channel the dispute was filed through.
type Source string

const (
	SourceDirect       Source = "DIRECT"
	SourceAnnualReport Source = "ANNUAL_REPORT"
)

func ParseSource(s string) (Source, bool) {
	switch src := Source(strings.ToUpper(strings.TrimSpace(s))); src {
	case "":
		return SourceDirect, true
	case SourceDirect, SourceAnnualReport:
		return src, true
	default:
		return "", false
	}
}

// DeadlineKind maps the channel to its statutory offset.
func (s Source) DeadlineKind() deadline.SourceKind {
	if s == SourceAnnualReport {
		return deadline.AnnualReport
	}
	return deadline.Direct
}

// Dispute mirrors the disputes table.
type Dispute struct {
	ID                    string
	OwnerID               string
	EntityType            string
	EntityName            string
	Source                Source
	CycleID               string
	State                 escalation.State
	PriorState            escalation.State
	Tier                  int
	Locked                bool
	MailedDate            *time.Time
	TrackingRef           string
	DeadlineDate          *time.Time
	FrivolousCureDeadline *time.Time
	WithdrawnAt           *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// TrackingStarted reports whether mailing was confirmed.
func (d Dispute) TrackingStarted() bool {
	return d.MailedDate != nil
}

func (d Dispute) Withdrawn() bool {
	return d.WithdrawnAt != nil
}

// Snapshot is the state machine's view of the dispute.
func (d Dispute) Snapshot() escalation.Snapshot {
	return escalation.Snapshot{
		DisputeID: d.ID,
		State:     d.State,
		Tier:      d.Tier,
		Locked:    d.Locked,
		Withdrawn: d.Withdrawn(),
		Prior:     d.PriorState,
	}
}

func (d *Dispute) apply(s escalation.Snapshot, at time.Time) {
	d.State = s.State
	d.PriorState = s.Prior
	d.Tier = s.Tier
	d.Locked = s.Locked
	if s.Withdrawn && d.WithdrawnAt == nil {
		w := at.UTC()
		d.WithdrawnAt = &w
	}
	d.UpdatedAt = at.UTC()
}

// Aggregate is everything a transition may read or change for one dispute.
// It is only ever modified by a single writer holding the dispute's lock.
type Aggregate struct {
	Dispute    Dispute
	Violations []violation.Record
	Responses  []violation.ResponseEvent
	Verdicts   []examiner.Result
	Tier2      tier2.Record
}

// Violation returns a pointer into the aggregate's violation list.
func (a *Aggregate) Violation(id string) (*violation.Record, bool) {
	for i := range a.Violations {
		if a.Violations[i].ID == id {
			return &a.Violations[i], true
		}
	}
	return nil, false
}

// Coverage counts the data-layer violations by response.
func (a *Aggregate) Coverage() escalation.Coverage {
	var c escalation.Coverage
	for _, v := range a.Violations {
		if v.Layer != violation.LayerData {
			continue
		}
		c.Total++
		if v.Response == nil {
			continue
		}
		c.Answered++
		switch *v.Response {
		case violation.ResponseDeleted:
			c.Deleted++
		case violation.ResponseUpdated:
			c.Updated++
		}
	}
	return c
}

// Unanswered lists the data-layer violations still waiting for a response.
func (a *Aggregate) Unanswered() []*violation.Record {
	var out []*violation.Record
	for i := range a.Violations {
		v := &a.Violations[i]
		if v.Layer == violation.LayerData && !v.Answered() {
			out = append(out, v)
		}
	}
	return out
}

// LatestResponse returns the newest response event for a violation.
func (a *Aggregate) LatestResponse(violationID string) (violation.ResponseEvent, bool) {
	for i := len(a.Responses) - 1; i >= 0; i-- {
		if a.Responses[i].ViolationID == violationID {
			return a.Responses[i], true
		}
	}
	return violation.ResponseEvent{}, false
}

// LatestVerdict is the most recent examiner code, Pass when none ran.
func (a *Aggregate) LatestVerdict() examiner.Code {
	if len(a.Verdicts) == 0 {
		return examiner.Pass
	}
	return a.Verdicts[len(a.Verdicts)-1].Code
}

// ResponseHistory lists every response type logged so far.
func (a *Aggregate) ResponseHistory() []violation.ResponseType {
	out := make([]violation.ResponseType, 0, len(a.Responses))
	for _, r := range a.Responses {
		out = append(out, r.Type)
	}
	return out
}

// VerdictHistory lists every examiner code produced so far.
func (a *Aggregate) VerdictHistory() []examiner.Code {
	out := make([]examiner.Code, 0, len(a.Verdicts))
	for _, v := range a.Verdicts {
		out = append(out, v.Code)
	}
	return out
}

// Tradelines returns the distinct data-layer tradelines.
func (a *Aggregate) Tradelines() []violation.Tradeline {
	seen := make(map[string]bool)
	var out []violation.Tradeline
	for _, v := range a.Violations {
		tl := v.Tradeline()
		if v.Layer != violation.LayerData || tl.IsZero() || seen[tl.Key()] {
			continue
		}
		seen[tl.Key()] = true
		out = append(out, tl)
	}
	return out
}

func (a Aggregate) clone() Aggregate {
	out := a
	out.Dispute = cloneDispute(a.Dispute)
	out.Violations = make([]violation.Record, len(a.Violations))
	for i, v := range a.Violations {
		if v.Response != nil {
			rt := *v.Response
			v.Response = &rt
		}
		v.ResponseDate = cloneTime(v.ResponseDate)
		out.Violations[i] = v
	}
	out.Responses = append([]violation.ResponseEvent(nil), a.Responses...)
	out.Verdicts = make([]examiner.Result, len(a.Verdicts))
	for i, r := range a.Verdicts {
		if r.Synthesized != nil {
			s := *r.Synthesized
			r.Synthesized = &s
		}
		out.Verdicts[i] = r
	}
	out.Tier2 = tier2.Record{
		NoticeSentAt:   cloneTime(a.Tier2.NoticeSentAt),
		CureDeadline:   cloneTime(a.Tier2.CureDeadline),
		Adjudicated:    a.Tier2.Adjudicated,
		FinalResponse:  a.Tier2.FinalResponse,
		ResponseDate:   cloneTime(a.Tier2.ResponseDate),
		Classification: a.Tier2.Classification,
		AdjudicatedAt:  cloneTime(a.Tier2.AdjudicatedAt),
	}
	return out
}

func cloneDispute(d Dispute) Dispute {
	d.MailedDate = cloneTime(d.MailedDate)
	d.DeadlineDate = cloneTime(d.DeadlineDate)
	d.FrivolousCureDeadline = cloneTime(d.FrivolousCureDeadline)
	d.WithdrawnAt = cloneTime(d.WithdrawnAt)
	return d
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
