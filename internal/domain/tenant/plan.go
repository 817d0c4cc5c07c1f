package tenant

// PlanKind discriminates the plan union.
type PlanKind int

const (
	// PlanNone means the tenant has no plan of either representation.
	PlanNone PlanKind = iota
	// PlanStructured means the tenant references a plan record by ID.
	PlanStructured
	// PlanLegacy means only the historical free-text label is present.
	PlanLegacy
)

// Plan is the resolved plan reference for a tenant. Exactly one of ID or
// Label is meaningful, selected by Kind.
type Plan struct {
	Kind  PlanKind
	ID    string
	Label string
}

// CurrentPlan resolves the tenant's plan. A structured reference wins over
// the legacy label; both absent yields PlanNone.
func (t *Tenant) CurrentPlan() Plan {
	switch {
	case t.PlanID != "":
		return Plan{Kind: PlanStructured, ID: t.PlanID}
	case t.LegacyPlan != "":
		return Plan{Kind: PlanLegacy, Label: t.LegacyPlan}
	default:
		return Plan{Kind: PlanNone}
	}
}
