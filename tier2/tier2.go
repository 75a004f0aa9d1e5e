// Package tier2 implements the supervisory-notice cure window: a one-shot
// protocol with exactly two steps, marking the notice sent and adjudicating
// the entity's final response.
package tier2

import (
	"strings"
	"time"

	"disputeflow/deadline"
	"disputeflow/examiner"
	"disputeflow/fault"
	"disputeflow/violation"
)

// FinalResponse is the entity's answer within the cure window.
type FinalResponse string

const (
	Cured         FinalResponse = "CURED"
	Verified      FinalResponse = "VERIFIED"
	Rejected      FinalResponse = "REJECTED"
	NoResponse    FinalResponse = "NO_RESPONSE"
	Investigating FinalResponse = "INVESTIGATING"
	Updated       FinalResponse = "UPDATED"
)

func ParseFinalResponse(s string) (FinalResponse, bool) {
	switch r := FinalResponse(strings.ToUpper(strings.TrimSpace(s))); r {
	case Cured, Verified, Rejected, NoResponse, Investigating, Updated:
		return r, true
	default:
		return "", false
	}
}

// Classification explains why a dispute locked at tier 3.
type Classification string

const (
	RepeatedVerificationFailure Classification = "REPEATED_VERIFICATION_FAILURE"
	FrivolousDeflection         Classification = "FRIVOLOUS_DEFLECTION"
	CureWindowExpired           Classification = "CURE_WINDOW_EXPIRED"
)

// Status is the externally reported adjudication result.
type Status string

const (
	StatusCured  Status = "CURED"
	StatusLocked Status = "LOCKED"
)

// Record is the Tier-2 sub-state carried on a dispute.
type Record struct {
	NoticeSentAt   *time.Time
	CureDeadline   *time.Time
	Adjudicated    bool
	FinalResponse  FinalResponse
	ResponseDate   *time.Time
	Classification Classification
	AdjudicatedAt  *time.Time
}

// Sent reports whether the supervisory notice was marked sent.
func (r Record) Sent() bool {
	return r.NoticeSentAt != nil
}

// Pending reports whether the notice was sent and not yet adjudicated.
func (r Record) Pending() bool {
	return r.Sent() && !r.Adjudicated
}

// Expired reports whether the cure window elapsed without adjudication.
func (r Record) Expired(now time.Time) bool {
	return r.Pending() && r.CureDeadline != nil && deadline.Passed(*r.CureDeadline, now)
}

// MarkSent anchors the cure window on sentAt.
func MarkSent(r Record, sentAt time.Time, calc deadline.Calculator) (Record, error) {
	if r.Sent() {
		return Record{}, fault.New(fault.AlreadySent, "supervisory notice was already sent on %s", r.NoticeSentAt.Format(time.DateOnly))
	}
	due, err := calc.Compute(sentAt, deadline.Tier2Cure)
	if err != nil {
		return Record{}, err
	}
	sent := sentAt.UTC()
	r.NoticeSentAt = &sent
	r.CureDeadline = &due
	return r, nil
}

// CheckAdjudicable reports whether a final response may be logged.
func CheckAdjudicable(r Record) error {
	if !r.Sent() {
		return fault.New(fault.NoticeNotSent, "supervisory notice has not been sent")
	}
	if r.Adjudicated {
		return fault.New(fault.AlreadyAdjudicated, "final response %s was already logged", r.FinalResponse)
	}
	return nil
}

// History is what the adjudicator knows about earlier rounds.
type History struct {
	Responses []violation.ResponseType
	Verdicts  []examiner.Code
}

// Classify chooses the lock classification for a non-cured final response.
// The first matching rule wins: the cure-window deadline, a rejection now or
// earlier, a fresh verification, then the latest failing examiner verdict.
func Classify(final FinalResponse, responseDate, cureDeadline time.Time, h History) Classification {
	if final == NoResponse || deadline.Late(cureDeadline, responseDate) {
		return CureWindowExpired
	}
	if final == Rejected {
		return FrivolousDeflection
	}
	for _, rt := range h.Responses {
		if rt == violation.ResponseRejected {
			return FrivolousDeflection
		}
	}
	if final == Verified {
		return RepeatedVerificationFailure
	}
	for i := len(h.Verdicts) - 1; i >= 0; i-- {
		if c, ok := verdictClassification[h.Verdicts[i]]; ok {
			return c
		}
	}
	return RepeatedVerificationFailure
}

// verdictClassification maps the examiner trigger that fired in an earlier
// round to the lock it explains.
var verdictClassification = map[examiner.Code]Classification{
	examiner.FailPerfunctory: RepeatedVerificationFailure,
	examiner.FailMisleading:  RepeatedVerificationFailure,
	examiner.FailSystemic:    RepeatedVerificationFailure,
	examiner.FailNoResults:   CureWindowExpired,
}

// Outcome is the result of a successful adjudication.
type Outcome struct {
	Status         Status
	Classification Classification
	Payload        map[string]any
}

// Cured reports whether the entity cured within the window.
func (o Outcome) Cured() bool {
	return o.Status == StatusCured
}

// Adjudicate logs the single final response.
func Adjudicate(r Record, final FinalResponse, responseDate, at time.Time, h History) (Record, Outcome, error) {
	if err := CheckAdjudicable(r); err != nil {
		return Record{}, Outcome{}, err
	}
	if responseDate.IsZero() {
		return Record{}, Outcome{}, fault.New(fault.InvalidInput, "response date is required")
	}
	respDay := deadline.Day(responseDate)
	now := at.UTC()
	r.Adjudicated = true
	r.FinalResponse = final
	r.ResponseDate = &respDay
	r.AdjudicatedAt = &now

	codes := make([]string, 0, len(h.Verdicts))
	for _, c := range h.Verdicts {
		if c.Failed() {
			codes = append(codes, string(c))
		}
	}
	payload := map[string]any{
		"final_response":   string(final),
		"response_date":    respDay.Format(time.DateOnly),
		"notice_sent_at":   r.NoticeSentAt.Format(time.DateOnly),
		"cure_deadline":    r.CureDeadline.Format(time.DateOnly),
		"examiner_history": codes,
	}

	if deadline.Late(*r.CureDeadline, respDay) {
		payload["after_cure_deadline"] = true
	}

	// A cure is honoured whenever it arrives; lateness is only recorded.
	out := Outcome{Status: StatusCured, Payload: payload}
	if final != Cured {
		out.Status = StatusLocked
		out.Classification = Classify(final, respDay, *r.CureDeadline, h)
		r.Classification = out.Classification
		payload["classification"] = string(out.Classification)
	}
	payload["status"] = string(out.Status)
	return r, out, nil
}
