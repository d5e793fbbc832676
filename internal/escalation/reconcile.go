package escalation

import "github.com/d9705996/escalator/internal/model"

// Plan is the outcome of comparing a policy's stored rules with the desired
// set.
type Plan struct {
	Keep   []model.EscalationRule
	Delete []model.EscalationRule
	Create []RuleParams
}

// Changed reports whether applying the plan writes anything.
func (p Plan) Changed() bool {
	return len(p.Delete) > 0 || len(p.Create) > 0
}

// Reconcile matches existing and desired rules on (schedule, elapsed time,
// status). Matches are kept with their IDs, unmatched existing rules are
// deleted and unmatched desired rules are created.
func Reconcile(existing []model.EscalationRule, desired []RuleParams) Plan {
	wanted := make(map[model.RuleKey]RuleParams, len(desired))
	for _, d := range desired {
		wanted[d.key()] = d
	}

	var plan Plan
	have := make(map[model.RuleKey]bool, len(existing))
	for _, r := range existing {
		k := r.Key()
		if _, ok := wanted[k]; ok && !have[k] {
			plan.Keep = append(plan.Keep, r)
		} else {
			plan.Delete = append(plan.Delete, r)
		}
		have[k] = true
	}
	added := make(map[model.RuleKey]bool, len(desired))
	for _, d := range desired {
		k := d.key()
		if have[k] || added[k] {
			continue
		}
		added[k] = true
		plan.Create = append(plan.Create, d)
	}
	return plan
}
