// Package posture maps the current enforcement position to the document and
// tone the letter renderer should produce next. It only reads current state.
package posture

import (
	"disputeflow/escalation"
	"disputeflow/examiner"
)

// Tone is the register of the next document, ordered from mild to severe.
type Tone string

const (
	Informational Tone = "INFORMATIONAL"
	Assertive     Tone = "ASSERTIVE"
	Enforcement   Tone = "ENFORCEMENT"
	Regulatory    Tone = "REGULATORY"
	Litigation    Tone = "LITIGATION"
)

var toneRank = map[Tone]int{
	Informational: 0,
	Assertive:     1,
	Enforcement:   2,
	Regulatory:    3,
	Litigation:    4,
}

func (t Tone) Rank() int {
	return toneRank[t]
}

// Document is the primary remedy document type.
type Document string

const (
	InitialDispute              Document = "INITIAL_DISPUTE"
	StatusInquiry               Document = "STATUS_INQUIRY"
	CorrectionWithDocumentation Document = "CORRECTION_WITH_DOCUMENTATION"
	SupervisoryNotice           Document = "SUPERVISORY_NOTICE"
	ImmediateDeletion           Document = "IMMEDIATE_DELETION"
	RegulatoryComplaint         Document = "REGULATORY_COMPLAINT"
	AttorneyPacket              Document = "ATTORNEY_PACKET"
	None                        Document = "NONE"
)

// Recommendation is the mapper's output.
type Recommendation struct {
	Document Document `json:"document"`
	Tone     Tone     `json:"tone"`
}

var byState = map[escalation.State]Recommendation{
	escalation.Detected:               {InitialDispute, Informational},
	escalation.Disputed:               {StatusInquiry, Informational},
	escalation.Responded:              {StatusInquiry, Informational},
	escalation.Evaluated:              {StatusInquiry, Informational},
	escalation.NonCompliant:           {CorrectionWithDocumentation, Assertive},
	escalation.ProceduralEnforcement:  {SupervisoryNotice, Enforcement},
	escalation.SubstantiveEnforcement: {ImmediateDeletion, Enforcement},
	escalation.RegulatoryEscalation:   {RegulatoryComplaint, Regulatory},
	escalation.LitigationReady:        {AttorneyPacket, Litigation},
}

// ForState maps a position alone.
func ForState(s escalation.Snapshot) Recommendation {
	if s.State.Terminal() {
		return Recommendation{Document: None, Tone: Informational}
	}
	rec, ok := byState[s.State]
	if !ok {
		return Recommendation{Document: None, Tone: Informational}
	}
	if s.Locked && rec.Tone.Rank() < Regulatory.Rank() {
		rec = Recommendation{Document: RegulatoryComplaint, Tone: Regulatory}
	}
	return rec
}

// ForVerdict maps an examiner verdict alone.
func ForVerdict(code examiner.Code) (Recommendation, bool) {
	switch code {
	case examiner.FailSystemic, examiner.FailMisleading:
		return Recommendation{Document: ImmediateDeletion, Tone: Enforcement}, true
	case examiner.FailPerfunctory, examiner.FailNoResults:
		return Recommendation{Document: CorrectionWithDocumentation, Tone: Assertive}, true
	default:
		return Recommendation{}, false
	}
}

// Recommend combines the state and the latest verdict, keeping whichever is
// more severe. Ties keep the state's document.
func Recommend(s escalation.Snapshot, latest examiner.Code) Recommendation {
	rec := ForState(s)
	if s.State.Terminal() {
		return rec
	}
	if v, ok := ForVerdict(latest); ok && v.Tone.Rank() > rec.Tone.Rank() {
		return v
	}
	return rec
}
