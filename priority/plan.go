// Package priority maps tenant plans to rate multipliers and decides which
// plans are shed under each protection mode.
package priority

import "strings"

// Plan is a tenant's subscription tier.
type Plan int

const (
	PlanFree Plan = iota
	PlanStandard
	PlanPremium
)

// ParsePlan parses a plan header value case-insensitively. Empty or unknown
// values fall back to FREE.
func ParsePlan(s string) Plan {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "STANDARD":
		return PlanStandard
	case "PREMIUM":
		return PlanPremium
	default:
		return PlanFree
	}
}

// String returns the canonical upper-case name of the plan.
func (p Plan) String() string {
	switch p {
	case PlanStandard:
		return "STANDARD"
	case PlanPremium:
		return "PREMIUM"
	default:
		return "FREE"
	}
}

// Multiplier scales the distributed rate limit for the plan.
func (p Plan) Multiplier() int {
	switch p {
	case PlanStandard:
		return 2
	case PlanPremium:
		return 3
	default:
		return 1
	}
}
