// Package artifact hands the current dispute position and its ledger to a
// document renderer. The renderer only ever sees copies.
package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"disputeflow/escalation"
	"disputeflow/fault"
	"disputeflow/ledger"
	"disputeflow/posture"
	"disputeflow/violation"
)

// Type is a downstream document kind.
type Type string

const (
	DisputeLetter  Type = "DISPUTE_LETTER"
	TimelineExport Type = "TIMELINE_EXPORT"
	CFPBComplaint  Type = "CFPB_COMPLAINT"
	AttorneyPacket Type = "ATTORNEY_PACKET"
)

func ParseType(s string) (Type, bool) {
	switch t := Type(strings.ToUpper(strings.TrimSpace(s))); t {
	case DisputeLetter, TimelineExport, CFPBComplaint, AttorneyPacket:
		return t, true
	default:
		return "", false
	}
}

// Available lists the artifacts that may be requested for a position.
func Available(s escalation.Snapshot) []Type {
	var out []Type
	if !s.State.Terminal() && !s.Withdrawn {
		out = append(out, DisputeLetter)
	}
	out = append(out, TimelineExport)
	if s.Tier >= escalation.TierSupervisor || s.State.Rank() >= escalation.RegulatoryEscalation.Rank() {
		out = append(out, CFPBComplaint)
	}
	if s.Tier >= escalation.TierLocked || s.State == escalation.LitigationReady {
		out = append(out, AttorneyPacket)
	}
	return out
}

// CheckAvailable fails with ARTIFACT_UNAVAILABLE when t is not offered for s.
func CheckAvailable(s escalation.Snapshot, t Type) error {
	for _, a := range Available(s) {
		if a == t {
			return nil
		}
	}
	return fault.New(fault.ArtifactUnavailable, "%s is not available at %s tier %d", t, s.State, s.Tier)
}

// Violation is the renderer's view of one violation.
type Violation struct {
	ID                  string                  `json:"id"`
	Type                string                  `json:"type"`
	Severity            violation.Severity      `json:"severity"`
	Layer               violation.Layer         `json:"layer"`
	CreditorName        string                  `json:"creditor_name"`
	AccountNumberMasked string                  `json:"account_number_masked"`
	Response            *violation.ResponseType `json:"response,omitempty"`
}

// Context is the read-only input of a render.
type Context struct {
	DisputeID    string                 `json:"dispute_id"`
	EntityName   string                 `json:"entity_name"`
	EntityType   string                 `json:"entity_type"`
	State        escalation.State       `json:"state"`
	Tier         int                    `json:"tier"`
	Locked       bool                   `json:"locked"`
	DeadlineDate *time.Time             `json:"deadline_date,omitempty"`
	Posture      posture.Recommendation `json:"posture"`
	Violations   []Violation            `json:"violations"`
	Timeline     []ledger.Entry         `json:"timeline"`
}

// Document is a rendered artifact.
type Document struct {
	Type        Type      `json:"type"`
	DisputeID   string    `json:"dispute_id"`
	ContentType string    `json:"content_type"`
	Body        []byte    `json:"body"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Renderer produces a document from a render context.
type Renderer interface {
	Render(ctx context.Context, t Type, rc Context) (Document, error)
}

// JSONRenderer emits the render context itself as the document body. It is
// the hand-off format for external letter and complaint formatters.
type JSONRenderer struct {
	Now func() time.Time
}

func (r JSONRenderer) Render(_ context.Context, t Type, rc Context) (Document, error) {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	body, err := json.MarshalIndent(struct {
		Artifact Type `json:"artifact"`
		Context
	}{Artifact: t, Context: rc}, "", "  ")
	if err != nil {
		return Document{}, fmt.Errorf("artifact: encode %s: %w", t, err)
	}
	return Document{
		Type:        t,
		DisputeID:   rc.DisputeID,
		ContentType: "application/json",
		Body:        body,
		GeneratedAt: now().UTC(),
	}, nil
}
