// Package policy maps (customer tier, complexity score) to an ordered list of
// acceptable backend classes. The mapping is a lookup table so that pricing
// changes are config edits, not control-flow edits.
package policy

import (
	"fmt"

	"github.com/zerocost-ai/model-router/internal/types"
)

// TierPolicy is the routing rule set for a single tier.
type TierPolicy struct {
	Tier types.Tier `yaml:"tier"`

	// ComplexityThreshold splits "simple" from "demanding" requests for
	// this tier.
	ComplexityThreshold float64 `yaml:"complexity_threshold"`

	// BelowThreshold and AboveThreshold are the ordered class preference
	// lists used on each side of the threshold.
	BelowThreshold []types.BackendClass `yaml:"below_threshold"`
	AboveThreshold []types.BackendClass `yaml:"above_threshold"`
}

// Resolver answers preference-list lookups. It is immutable after
// construction and safe for concurrent use.
type Resolver struct {
	policies map[types.Tier]TierPolicy
}

// ErrUnknownTier is returned for tiers with no configured policy. Callers
// must surface it, never substitute a default tier.
type ErrUnknownTier struct {
	Tier types.Tier
}

func (e *ErrUnknownTier) Error() string {
	return fmt.Sprintf("no routing policy for tier %q", e.Tier)
}

// NewResolver builds a resolver from per-tier policies. Every policy must
// offer at least one backend class on each side of its threshold.
func NewResolver(policies []TierPolicy) (*Resolver, error) {
	if len(policies) == 0 {
		return nil, fmt.Errorf("at least one tier policy is required")
	}

	byTier := make(map[types.Tier]TierPolicy, len(policies))
	for _, p := range policies {
		if _, err := types.ParseTier(string(p.Tier)); err != nil {
			return nil, fmt.Errorf("invalid tier policy: %w", err)
		}
		if len(p.BelowThreshold) == 0 || len(p.AboveThreshold) == 0 {
			return nil, fmt.Errorf("tier %s: preference lists must not be empty", p.Tier)
		}
		if p.ComplexityThreshold < 0 || p.ComplexityThreshold > 1 {
			return nil, fmt.Errorf("tier %s: threshold %f outside [0,1]", p.Tier, p.ComplexityThreshold)
		}
		if _, dup := byTier[p.Tier]; dup {
			return nil, fmt.Errorf("duplicate policy for tier %s", p.Tier)
		}
		byTier[p.Tier] = p
	}

	return &Resolver{policies: byTier}, nil
}

// DefaultPolicies returns the documented default policy table:
//   - basic: lightweight only while simple, lightweight-first escalation when
//     demanding (preserves margin).
//   - premium: quality-first above the threshold, cost-first below it.
//   - enterprise: heavyweight is always the first attempt regardless of score.
func DefaultPolicies() []TierPolicy {
	return []TierPolicy{
		{
			Tier:                types.TierBasic,
			ComplexityThreshold: 0.5,
			BelowThreshold:      []types.BackendClass{types.ClassLightweight},
			AboveThreshold:      []types.BackendClass{types.ClassLightweight, types.ClassHeavyweight},
		},
		{
			Tier:                types.TierPremium,
			ComplexityThreshold: 0.35,
			BelowThreshold:      []types.BackendClass{types.ClassLightweight, types.ClassHeavyweight},
			AboveThreshold:      []types.BackendClass{types.ClassHeavyweight, types.ClassLightweight},
		},
		{
			Tier:                types.TierEnterprise,
			ComplexityThreshold: 0,
			BelowThreshold:      []types.BackendClass{types.ClassHeavyweight, types.ClassLightweight},
			AboveThreshold:      []types.BackendClass{types.ClassHeavyweight, types.ClassLightweight},
		},
	}
}

// Resolve returns the ordered backend-class preference list for the tier and
// score. A copy is returned; callers may mutate it freely.
func (r *Resolver) Resolve(tier types.Tier, score types.ComplexityScore) ([]types.BackendClass, error) {
	p, ok := r.policies[tier]
	if !ok {
		return nil, &ErrUnknownTier{Tier: tier}
	}

	src := p.BelowThreshold
	if score.Value >= p.ComplexityThreshold {
		src = p.AboveThreshold
	}

	out := make([]types.BackendClass, len(src))
	copy(out, src)
	return out, nil
}

// Threshold exposes the configured threshold for a tier, mainly for
// diagnostics endpoints.
func (r *Resolver) Threshold(tier types.Tier) (float64, bool) {
	p, ok := r.policies[tier]
	return p.ComplexityThreshold, ok
}
