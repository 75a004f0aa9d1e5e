package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"disputeflow/escalation"
	"disputeflow/fault"
	"disputeflow/ledger"
)

func TestAvailable(t *testing.T) {
	cases := []struct {
		name string
		snap escalation.Snapshot
		want []Type
	}{
		{"disputed", escalation.Snapshot{State: escalation.Disputed}, []Type{DisputeLetter, TimelineExport}},
		{"supervisory", escalation.Snapshot{State: escalation.ProceduralEnforcement, Tier: 2}, []Type{DisputeLetter, TimelineExport, CFPBComplaint}},
		{"locked", escalation.Snapshot{State: escalation.ProceduralEnforcement, Tier: 3, Locked: true}, []Type{DisputeLetter, TimelineExport, CFPBComplaint, AttorneyPacket}},
		{"litigation", escalation.Snapshot{State: escalation.LitigationReady, Tier: 2}, []Type{DisputeLetter, TimelineExport, CFPBComplaint, AttorneyPacket}},
		{"closed", escalation.Snapshot{State: escalation.ResolvedDeleted}, []Type{TimelineExport}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Available(tc.snap); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
	err := CheckAvailable(escalation.Snapshot{State: escalation.NonCompliant, Tier: 1}, CFPBComplaint)
	if !errors.Is(err, fault.ErrArtifactUnavailable) {
		t.Fatalf("expected artifact unavailable, got %v", err)
	}
}

func TestJSONRenderer(t *testing.T) {
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r := JSONRenderer{Now: func() time.Time { return fixed }}
	rc := Context{
		DisputeID: "disp-1",
		State:     escalation.NonCompliant,
		Tier:      1,
		Timeline:  []ledger.Entry{{ID: "e1", DisputeID: "disp-1", Seq: 1, Type: ledger.EventDisputeCreated}},
	}
	doc, err := r.Render(context.Background(), TimelineExport, rc)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if doc.ContentType != "application/json" || !doc.GeneratedAt.Equal(fixed) {
		t.Fatalf("unexpected document %+v", doc)
	}
	var decoded map[string]any
	if err := json.Unmarshal(doc.Body, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded["artifact"] != string(TimelineExport) || decoded["state"] != string(escalation.NonCompliant) {
		t.Fatalf("unexpected body %s", doc.Body)
	}
	if tl, _ := decoded["timeline"].([]any); len(tl) != 1 {
		t.Fatalf("expected timeline in body, got %v", decoded["timeline"])
	}
}
