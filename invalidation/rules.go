package invalidation

// Rule describes how changes to one entity domain map onto cache keys.
type Rule struct {
	// ForeignKeys maps record fields to the key scope they address, e.g.
	// projectId -> byProject produces ["report","byProject",<projectId>].
	ForeignKeys map[string]string

	// Cascades are cross-entity invalidations: a change to this entity also
	// invalidates [Entity, Scope, <value of From field>] for related
	// domains rendered as a function of this entity's state.
	Cascades []Cascade
}

// Cascade names one cross-entity invalidation edge.
type Cascade struct {
	Entity string
	Scope  string
	// From is the record field supplying the id; "id" means the changed
	// record's own id.
	From string
}

// RuleSet is the static per-domain rule table.
type RuleSet map[string]Rule

// DefaultRules covers the construction-site domains: projects, daily
// reports, work orders and assets.
func DefaultRules() RuleSet {
	return RuleSet{
		"project": {
			// Report and work-order lists are rendered per project, so a
			// project change must reach them.
			Cascades: []Cascade{
				{Entity: "report", Scope: "byProject", From: "id"},
				{Entity: "workorder", Scope: "byProject", From: "id"},
				{Entity: "asset", Scope: "byProject", From: "id"},
			},
		},
		"report": {
			ForeignKeys: map[string]string{
				"projectId": "byOwner",
			},
			// Project detail views roll up report counts.
			Cascades: []Cascade{
				{Entity: "project", Scope: "detail", From: "projectId"},
			},
		},
		"workorder": {
			ForeignKeys: map[string]string{
				"projectId":  "byProject",
				"assigneeId": "byAssignee",
			},
		},
		"asset": {
			ForeignKeys: map[string]string{
				"projectId": "byProject",
			},
		},
	}
}

// Entities returns the entity domains the rule set covers.
func (r RuleSet) Entities() []string {
	out := make([]string, 0, len(r))
	for entity := range r {
		out = append(out, entity)
	}
	return out
}
