package main

import (
	"time"

	"disputeflow/auth"
	"disputeflow/dispute"
	"disputeflow/escalation"
	"disputeflow/examiner"
	"disputeflow/violation"
)

type errorResponse struct {
	Code   string            `json:"code"`
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"full_name"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

func newUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Role:      string(u.Role),
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
	}
}

type loginResponse struct {
	Token     string       `json:"token"`
	ExpiresAt string       `json:"expires_at"`
	User      userResponse `json:"user"`
}

type violationInput struct {
	ViolationID         string `json:"violation_id" validate:"required"`
	ViolationType       string `json:"violation_type" validate:"required"`
	Severity            string `json:"severity" validate:"required"`
	CreditorName        string `json:"creditor_name"`
	AccountNumberMasked string `json:"account_number_masked"`
}

type createDisputeRequest struct {
	EntityType string           `json:"entity_type"`
	EntityName string           `json:"entity_name" validate:"required"`
	Source     string           `json:"source"`
	CycleID    string           `json:"cycle_id"`
	Violations []violationInput `json:"violations" validate:"required,min=1,dive"`
}

type trackingRequest struct {
	MailedDate  string `json:"mailed_date" validate:"required"`
	TrackingRef string `json:"tracking_ref"`
}

type responseRequest struct {
	ViolationID  string              `json:"violation_id" validate:"required"`
	Response     string              `json:"response" validate:"required"`
	ResponseDate string              `json:"response_date" validate:"required"`
	Findings     *violation.Findings `json:"findings"`
	EvidenceHash string              `json:"evidence_hash"`
	Supersede    bool                `json:"supersede"`
}

type findingsRequest struct {
	ViolationID string             `json:"violation_id" validate:"required"`
	Findings    violation.Findings `json:"findings"`
}

type tier2ResponseRequest struct {
	Response     string `json:"response" validate:"required"`
	ResponseDate string `json:"response_date" validate:"required"`
}

type escalationRequest struct {
	Target string `json:"target" validate:"required"`
	Reason string `json:"reason"`
}

type contradictionRequest struct {
	CycleID             string `json:"cycle_id" validate:"required"`
	CreditorName        string `json:"creditor_name" validate:"required"`
	AccountNumberMasked string `json:"account_number_masked"`
	Contradiction       string `json:"contradiction" validate:"required"`
	EntityName          string `json:"entity_name" validate:"required"`
	EntityType          string `json:"entity_type"`
}

type tradelineFactRequest struct {
	CreditorName        string `json:"creditor_name" validate:"required"`
	AccountNumberMasked string `json:"account_number_masked"`
	EntityName          string `json:"entity_name" validate:"required"`
	ObservedAt          string `json:"observed_at"`
	Certified           bool   `json:"certified"`
}

type disputeResponse struct {
	ID                    string           `json:"id"`
	EntityType            string           `json:"entity_type"`
	EntityName            string           `json:"entity_name"`
	Source                string           `json:"source"`
	CycleID               string           `json:"cycle_id"`
	State                 escalation.State `json:"state"`
	Tier                  int              `json:"tier"`
	Locked                bool             `json:"locked"`
	MailedDate            string           `json:"mailed_date,omitempty"`
	TrackingRef           string           `json:"tracking_ref,omitempty"`
	DeadlineDate          string           `json:"deadline_date,omitempty"`
	FrivolousCureDeadline string           `json:"frivolous_cure_deadline,omitempty"`
	WithdrawnAt           string           `json:"withdrawn_at,omitempty"`
	CreatedAt             string           `json:"created_at"`
	UpdatedAt             string           `json:"updated_at"`
}

func newDisputeResponse(d dispute.Dispute) disputeResponse {
	return disputeResponse{
		ID:                    d.ID,
		EntityType:            d.EntityType,
		EntityName:            d.EntityName,
		Source:                string(d.Source),
		CycleID:               d.CycleID,
		State:                 d.State,
		Tier:                  d.Tier,
		Locked:                d.Locked,
		MailedDate:            formatDate(d.MailedDate),
		TrackingRef:           d.TrackingRef,
		DeadlineDate:          formatDate(d.DeadlineDate),
		FrivolousCureDeadline: formatDate(d.FrivolousCureDeadline),
		WithdrawnAt:           formatTimestamp(d.WithdrawnAt),
		CreatedAt:             d.CreatedAt.Format(time.RFC3339),
		UpdatedAt:             d.UpdatedAt.Format(time.RFC3339),
	}
}

type violationResponse struct {
	ID                  string             `json:"id"`
	Type                string             `json:"type"`
	Severity            string             `json:"severity"`
	Layer               string             `json:"layer"`
	DerivedFrom         string             `json:"derived_from,omitempty"`
	CreditorName        string             `json:"creditor_name,omitempty"`
	AccountNumberMasked string             `json:"account_number_masked,omitempty"`
	Response            string             `json:"response,omitempty"`
	ResponseDate        string             `json:"response_date,omitempty"`
	Findings            violation.Findings `json:"findings"`
}

func newViolationResponse(v violation.Record) violationResponse {
	out := violationResponse{
		ID:                  v.ID,
		Type:                v.Type,
		Severity:            string(v.Severity),
		Layer:               string(v.Layer),
		DerivedFrom:         v.DerivedFrom,
		CreditorName:        v.CreditorName,
		AccountNumberMasked: v.AccountNumberMasked,
		ResponseDate:        formatDate(v.ResponseDate),
		Findings:            v.Findings,
	}
	if v.Response != nil {
		out.Response = string(*v.Response)
	}
	return out
}

type aggregateResponse struct {
	Dispute    disputeResponse     `json:"dispute"`
	Violations []violationResponse `json:"violations"`
}

func newAggregateResponse(agg dispute.Aggregate) aggregateResponse {
	out := aggregateResponse{
		Dispute:    newDisputeResponse(agg.Dispute),
		Violations: make([]violationResponse, 0, len(agg.Violations)),
	}
	for _, v := range agg.Violations {
		out.Violations = append(out.Violations, newViolationResponse(v))
	}
	return out
}

type examinerResponse struct {
	ViolationID            string `json:"violation_id"`
	Code                   string `json:"examiner_code"`
	Reason                 string `json:"reason,omitempty"`
	Passed                 bool   `json:"passed"`
	SynthesizedViolationID string `json:"synthesized_violation_id,omitempty"`
}

func newExaminerResponse(r examiner.Result) examinerResponse {
	out := examinerResponse{
		ViolationID: r.ViolationID,
		Code:        string(r.Code),
		Reason:      r.Reason,
		Passed:      r.Passed(),
	}
	if r.Synthesized != nil {
		out.SynthesizedViolationID = r.Synthesized.ID
	}
	return out
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.DateOnly)
}

func formatTimestamp(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
