package tenant_test

import (
	"testing"
	"time"

	"github.com/angelitosystems/tenancy/internal/domain/tenant"
)

func TestActive(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name string
		tn   *tenant.Tenant
		want bool
	}{
		{"nil tenant", nil, false},
		{"active no expiry", &tenant.Tenant{IsActive: true}, true},
		{"inactive flag", &tenant.Tenant{IsActive: false}, false},
		{"active future expiry", &tenant.Tenant{IsActive: true, ExpiresAt: &future}, true},
		{"active past expiry", &tenant.Tenant{IsActive: true, ExpiresAt: &past}, false},
		{"expiry exactly now", &tenant.Tenant{IsActive: true, ExpiresAt: &now}, false},
		{"soft deleted", &tenant.Tenant{IsActive: true, DeletedAt: &past}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.tn.Active(now); got != tt.want {
				t.Fatalf("Active = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCurrentPlanPrecedence(t *testing.T) {
	tn := &tenant.Tenant{PlanID: "plan-pro", LegacyPlan: "gold"}
	p := tn.CurrentPlan()
	if p.Kind != tenant.PlanStructured || p.ID != "plan-pro" {
		t.Fatalf("structured reference must win, got %+v", p)
	}

	tn = &tenant.Tenant{LegacyPlan: "gold"}
	p = tn.CurrentPlan()
	if p.Kind != tenant.PlanLegacy || p.Label != "gold" {
		t.Fatalf("expected legacy plan, got %+v", p)
	}

	tn = &tenant.Tenant{}
	if p = tn.CurrentPlan(); p.Kind != tenant.PlanNone {
		t.Fatalf("expected no plan, got %+v", p)
	}
}

func TestDataPathAccess(t *testing.T) {
	tn := &tenant.Tenant{}

	tn.SetData("billing.address.city", "Madrid")
	tn.SetData("billing.vat", "ES123")

	if got := tn.GetData("billing.address.city"); got != "Madrid" {
		t.Fatalf("expected Madrid, got %v", got)
	}
	if !tn.HasData("billing.vat") {
		t.Fatal("expected billing.vat to exist")
	}
	if tn.HasData("billing.address.zip") {
		t.Fatal("did not expect billing.address.zip")
	}
	if got := tn.GetData("missing.path"); got != nil {
		t.Fatalf("expected nil for missing path, got %v", got)
	}

	tn.RemoveData("billing.address.city")
	if tn.HasData("billing.address.city") {
		t.Fatal("expected billing.address.city removed")
	}
	if !tn.HasData("billing.vat") {
		t.Fatal("sibling key must survive removal")
	}

	// Overwriting a scalar with a nested path replaces it.
	tn.SetData("billing.vat.country", "ES")
	if got := tn.GetData("billing.vat.country"); got != "ES" {
		t.Fatalf("expected ES, got %v", got)
	}

	// Removal through a scalar segment is a no-op.
	tn.SetData("flag", true)
	tn.RemoveData("flag.inner")
	if got := tn.GetData("flag"); got != true {
		t.Fatalf("expected flag untouched, got %v", got)
	}
}
