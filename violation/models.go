package violation

import (
	"strings"
	"time"
)

// Severity grades a detected violation.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Layer distinguishes violations found in the reported data from violations
// synthesised out of an entity's handling of the dispute.
type Layer string

const (
	LayerData     Layer = "DATA"
	LayerResponse Layer = "RESPONSE"
)

// ResponseType is the fixed enumeration a user classifies entity responses into.
type ResponseType string

const (
	ResponseDeleted       ResponseType = "DELETED"
	ResponseVerified      ResponseType = "VERIFIED"
	ResponseUpdated       ResponseType = "UPDATED"
	ResponseInvestigating ResponseType = "INVESTIGATING"
	ResponseNoResponse    ResponseType = "NO_RESPONSE"
	ResponseRejected      ResponseType = "REJECTED"
	ResponseReinsertion   ResponseType = "REINSERTION"
)

// Reporter records who reported a response fact.
type Reporter string

const (
	ReporterUser   Reporter = "USER"
	ReporterSystem Reporter = "SYSTEM"
)

// Synthesised violation types.
const (
	TypeReinsertionWithoutNotice = "REINSERTION_WITHOUT_NOTICE"
)

// Detected is the shape consumed from the violation-detection collaborator
// when a dispute is created.
type Detected struct {
	ViolationID         string
	ViolationType       string
	Severity            Severity
	CreditorName        string
	AccountNumberMasked string
}

// Findings are the caller-reported facts the examiner evaluates against. They
// are stored with the violation and replaced whenever new findings arrive.
type Findings struct {
	PreviouslyDetected  bool   `json:"previously_detected"`
	StillPresent        bool   `json:"still_present"`
	EvidenceSent        bool   `json:"evidence_sent"`
	LogicallyImpossible bool   `json:"logically_impossible"`
	Contradiction       string `json:"contradiction,omitempty"`
}

// Record is one violation tracked inside a dispute.
type Record struct {
	ID                  string
	DisputeID           string
	Type                string
	Severity            Severity
	Layer               Layer
	DerivedFrom         string
	CreditorName        string
	AccountNumberMasked string
	Response            *ResponseType
	ResponseDate        *time.Time
	Findings            Findings
	CreatedAt           time.Time
}

// Answered reports whether a response has been logged for the violation.
func (r Record) Answered() bool {
	return r.Response != nil
}

// Tradeline identifies the account line the violation was reported on.
func (r Record) Tradeline() Tradeline {
	return Tradeline{Creditor: r.CreditorName, Account: r.AccountNumberMasked}
}

// ResponseEvent is an immutable response fact.
type ResponseEvent struct {
	ID           string
	DisputeID    string
	ViolationID  string
	Type         ResponseType
	ReportedDate time.Time
	ReportedBy   Reporter
	Supersedes   string
	CreatedAt    time.Time
}

// Tradeline is the identity of a reported account across entities.
type Tradeline struct {
	Creditor string
	Account  string
}

// Key normalises the tradeline into a comparable string.
func (t Tradeline) Key() string {
	return strings.ToUpper(strings.TrimSpace(t.Creditor)) + "|" + strings.ToUpper(strings.TrimSpace(t.Account))
}

// IsZero reports whether the tradeline carries no identity.
func (t Tradeline) IsZero() bool {
	return strings.TrimSpace(t.Creditor) == "" && strings.TrimSpace(t.Account) == ""
}

func ParseSeverity(s string) (Severity, bool) {
	switch sev := Severity(strings.ToUpper(strings.TrimSpace(s))); sev {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return sev, true
	default:
		return "", false
	}
}

func ParseResponseType(s string) (ResponseType, bool) {
	switch rt := ResponseType(strings.ToUpper(strings.TrimSpace(s))); rt {
	case ResponseDeleted, ResponseVerified, ResponseUpdated, ResponseInvestigating,
		ResponseNoResponse, ResponseRejected, ResponseReinsertion:
		return rt, true
	default:
		return "", false
	}
}

// Resolves reports whether the response removes or corrects the item.
func (rt ResponseType) Resolves() bool {
	return rt == ResponseDeleted || rt == ResponseUpdated
}
