package reinsertion

import (
	"context"
	"errors"
	"testing"
	"time"

	"disputeflow/entity"
	"disputeflow/violation"
)

var (
	deletedOn = time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC)
	tradeline = violation.Tradeline{Creditor: "Capital Bank", Account: "****1234"}
)

func newMonitor(t *testing.T) (*Monitor, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	store.now = func() time.Time { return deletedOn.Add(24 * time.Hour) }
	m := NewMonitor(store)
	if err := m.Open(context.Background(), "disp-1", "Experian", []violation.Tradeline{tradeline}, deletedOn); err != nil {
		t.Fatalf("open: %v", err)
	}
	return m, store
}

func TestCheckWithinWindow(t *testing.T) {
	m, _ := newMonitor(t)
	ctx := context.Background()

	fact := Fact{
		Tradeline:  violation.Tradeline{Creditor: " capital bank", Account: "****1234 "},
		EntityName: "Equifax",
		ObservedAt: deletedOn.AddDate(0, 0, 30),
	}
	findings, err := m.Check(ctx, fact)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(findings) != 1 || findings[0].Watch.DisputeID != "disp-1" {
		t.Fatalf("expected one finding for disp-1, got %+v", findings)
	}

	late := fact
	late.ObservedAt = deletedOn.AddDate(0, 0, 91)
	if findings, _ := m.Check(ctx, late); len(findings) != 0 {
		t.Fatalf("expected no findings after the window, got %+v", findings)
	}

	certified := fact
	certified.Certified = true
	if findings, _ := m.Check(ctx, certified); len(findings) != 0 {
		t.Fatalf("expected certification to suppress findings, got %+v", findings)
	}

	if _, err := m.Check(ctx, Fact{EntityName: "Equifax"}); !errors.Is(err, ErrInvalidFact) {
		t.Fatalf("expected ErrInvalidFact, got %v", err)
	}
}

func TestAcknowledgeDeduplicates(t *testing.T) {
	m, _ := newMonitor(t)
	ctx := context.Background()
	fact := Fact{Tradeline: tradeline, EntityName: "Experian", ObservedAt: deletedOn.AddDate(0, 0, 5)}

	findings, _ := m.Check(ctx, fact)
	if len(findings) != 1 {
		t.Fatalf("expected one finding, got %d", len(findings))
	}
	first, err := m.Acknowledge(ctx, findings[0])
	if err != nil || !first {
		t.Fatalf("expected first acknowledgement to win, got %v %v", first, err)
	}
	second, _ := m.Acknowledge(ctx, findings[0])
	if second {
		t.Fatalf("expected second acknowledgement to lose")
	}

	fact.ObservedAt = deletedOn.AddDate(0, 0, 40)
	fact.EntityName = "TransUnion"
	if findings, _ := m.Check(ctx, fact); len(findings) != 0 {
		t.Fatalf("late facts about the same reinsertion must not produce findings, got %+v", findings)
	}
}

func TestCrossBureau(t *testing.T) {
	m := NewMonitor(NewMemoryStore())
	ctx := context.Background()
	obs := Observation{CycleID: "cycle-1", Tradeline: tradeline, Contradiction: "balance_after_payoff", EntityName: "Experian", EntityType: entity.TypeBureau}

	if err := m.Observe(ctx, obs); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if hit, _ := m.CrossBureau(ctx, obs); hit {
		t.Fatalf("one bureau must not be systemic")
	}

	furnisher := obs
	furnisher.EntityName = "Capital Bank"
	furnisher.EntityType = entity.TypeFurnisher
	_ = m.Observe(ctx, furnisher)
	if hit, _ := m.CrossBureau(ctx, obs); hit {
		t.Fatalf("furnisher observations must not count")
	}

	second := obs
	second.EntityName = "equifax"
	_ = m.Observe(ctx, second)
	if hit, _ := m.CrossBureau(ctx, obs); !hit {
		t.Fatalf("expected two bureaus to be systemic")
	}

	otherCycle := obs
	otherCycle.CycleID = "cycle-2"
	if hit, _ := m.CrossBureau(ctx, otherCycle); hit {
		t.Fatalf("observations from another cycle must not count")
	}

	if err := m.Retract(ctx, second); err != nil {
		t.Fatalf("retract: %v", err)
	}
	if hit, _ := m.CrossBureau(ctx, obs); hit {
		t.Fatalf("expected retraction to drop the second bureau")
	}
}

func TestCrossBureauWithDoesNotWrite(t *testing.T) {
	m := NewMonitor(NewMemoryStore())
	ctx := context.Background()
	stored := Observation{CycleID: "cycle-1", Tradeline: tradeline, Contradiction: "balance_after_payoff", EntityName: "Equifax", EntityType: entity.TypeBureau}
	if err := m.Observe(ctx, stored); err != nil {
		t.Fatalf("observe: %v", err)
	}

	same := stored
	same.EntityName = " EQUIFAX "
	if hit, _ := m.CrossBureauWith(ctx, same); hit {
		t.Fatalf("the stored bureau alone must not be systemic")
	}

	pending := stored
	pending.EntityName = "Experian"
	hit, err := m.CrossBureauWith(ctx, pending)
	if err != nil {
		t.Fatalf("cross bureau with: %v", err)
	}
	if !hit {
		t.Fatalf("expected the pending bureau to count as a second observer")
	}
	if hit, _ := m.CrossBureau(ctx, stored); hit {
		t.Fatalf("pending observation must not be stored")
	}

	furnisher := pending
	furnisher.EntityType = entity.TypeFurnisher
	if hit, _ := m.CrossBureauWith(ctx, furnisher); hit {
		t.Fatalf("a pending furnisher must not count")
	}
}
