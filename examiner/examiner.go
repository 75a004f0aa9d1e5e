// Package examiner evaluates entity responses against the four regulatory
// investigation checks. Evaluation is pure: identical inputs always produce
// identical results, including the identifiers of synthesised violations.
package examiner

import (
	"time"

	"github.com/google/uuid"

	"disputeflow/violation"
)

// Code is the verdict of a single check run.
type Code string

const (
	Pass            Code = "PASS"
	FailPerfunctory Code = "FAIL_PERFUNCTORY"
	FailNoResults   Code = "FAIL_NO_RESULTS"
	FailSystemic    Code = "FAIL_SYSTEMIC"
	FailMisleading  Code = "FAIL_MISLEADING"
)

// Failed reports whether the code is any FAIL_* verdict.
func (c Code) Failed() bool {
	return c != Pass && c != ""
}

// Rank orders verdicts by severity; higher is worse.
func (c Code) Rank() int {
	switch c {
	case FailSystemic, FailMisleading:
		return 3
	case FailPerfunctory:
		return 2
	case FailNoResults:
		return 1
	default:
		return 0
	}
}

// Worst returns the most severe verdict in codes, Pass when empty.
func Worst(codes ...Code) Code {
	worst := Pass
	for _, c := range codes {
		if c.Rank() > worst.Rank() {
			worst = c
		}
	}
	return worst
}

// Context is the evidence a response is evaluated against.
type Context struct {
	PreviouslyDetected  bool
	StillPresent        bool
	EvidenceSent        bool
	DeadlinePassed      bool
	CrossBureau         bool
	Severity            violation.Severity
	LogicallyImpossible bool
}

// Result is an immutable examiner check outcome.
type Result struct {
	ResponseID  string
	ViolationID string
	Code        Code
	Reason      string
	Synthesized *violation.Record
	EvaluatedAt time.Time
}

// Passed reports whether no check failed.
func (r Result) Passed() bool {
	return !r.Code.Failed()
}

type check struct {
	code     Code
	vtype    string
	severity violation.Severity
	reason   string
	holds    func(violation.ResponseType, Context) bool
}

// Checks run in this order and stop at the first failure, which keeps
// SYSTEMIC/MISLEADING ahead of PERFUNCTORY ahead of NO_RESULTS.
var checks = []check{
	{
		code:     FailSystemic,
		vtype:    "SYSTEMIC_ACCURACY_FAILURE",
		severity: violation.SeverityCritical,
		reason:   "same contradiction reported on the same tradeline by two or more bureaus in one dispute cycle",
		holds: func(rt violation.ResponseType, c Context) bool {
			return c.CrossBureau && !rt.Resolves()
		},
	},
	{
		code:     FailMisleading,
		vtype:    "MISLEADING_VERIFICATION",
		severity: violation.SeverityCritical,
		reason:   "entity verified a critical, logically impossible item despite supplied evidence",
		holds: func(rt violation.ResponseType, c Context) bool {
			return rt == violation.ResponseVerified &&
				c.Severity == violation.SeverityCritical &&
				c.LogicallyImpossible &&
				c.EvidenceSent
		},
	},
	{
		code:     FailPerfunctory,
		vtype:    "PERFUNCTORY_INVESTIGATION",
		severity: violation.SeverityHigh,
		reason:   "entity verified a previously detected contradiction that is still present after evidence was sent",
		holds: func(rt violation.ResponseType, c Context) bool {
			return rt == violation.ResponseVerified &&
				c.PreviouslyDetected &&
				c.StillPresent &&
				c.EvidenceSent
		},
	},
	{
		code:     FailNoResults,
		vtype:    "NOTICE_OF_RESULTS_FAILURE",
		severity: violation.SeverityHigh,
		reason:   "no results were provided before the statutory deadline",
		holds: func(rt violation.ResponseType, c Context) bool {
			return rt == violation.ResponseNoResponse && c.DeadlinePassed
		},
	},
}

// synthNamespace scopes the name-based UUIDs of synthesised violations.
var synthNamespace = uuid.MustParse("6f1c2f1e-5b0a-4c57-9a43-2d1f0f6c8e11")

// SynthesizedID derives the identifier of the response-layer violation a
// failed check produces for the given source violation.
func SynthesizedID(sourceViolationID string, code Code) string {
	return uuid.NewSHA1(synthNamespace, []byte(sourceViolationID+"|"+string(code))).String()
}

// Evaluate runs the checks for one response event. subject is the violation
// the event answers; it is only read to populate the synthesised record.
func Evaluate(ev violation.ResponseEvent, subject violation.Record, c Context) Result {
	res := Result{
		ResponseID:  ev.ID,
		ViolationID: ev.ViolationID,
		Code:        Pass,
		Reason:      "response meets investigation standards",
		EvaluatedAt: ev.ReportedDate,
	}
	for _, chk := range checks {
		if !chk.holds(ev.Type, c) {
			continue
		}
		res.Code = chk.code
		res.Reason = chk.reason
		res.Synthesized = &violation.Record{
			ID:                  SynthesizedID(ev.ViolationID, chk.code),
			DisputeID:           ev.DisputeID,
			Type:                chk.vtype,
			Severity:            chk.severity,
			Layer:               violation.LayerResponse,
			DerivedFrom:         ev.ViolationID,
			CreditorName:        subject.CreditorName,
			AccountNumberMasked: subject.AccountNumberMasked,
			CreatedAt:           ev.ReportedDate,
		}
		break
	}
	return res
}
