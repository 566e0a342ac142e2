/*
Package factory converts JSON refund-policy documents into refund.Policy.

PURPOSE:
  Administrators author refund policies as JSON (admin dashboard, seed files,
  the policies table). The factory parses, validates and normalizes them so
  the rest of the system only ever sees well-formed policies.

JSON SCHEMA:
  {
    "id": "economy-flex",
    "name": "Economy Flex",
    "rules": [
      {"hours_before_departure": 24, "penalty_percentage": "100"},
      {"hours_before_departure": 12, "penalty_percentage": 50},
      {"hours_before_departure": 2,  "penalty_percentage": 10}
    ]
  }

  penalty_percentage accepts a JSON number or a decimal string.

VALIDATION:
  - id required
  - hours_before_departure >= 0
  - 0 <= penalty_percentage <= 100
  - thresholds unique within a policy (tier selection would be ambiguous)

  Rule order in the document is irrelevant; refund.ComputePenalty sorts.

USAGE:
  f := factory.NewPolicyFactory()
  policy, err := f.ParsePolicy(jsonString)

SEE ALSO:
  - refund/policy.go: tier selection
  - api/handlers.go: POST /refund-policies
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/ledger"
	"github.com/warp/settlement-engine/refund"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PolicyJSON is the JSON representation of a refund policy.
type PolicyJSON struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Rules []RuleJSON `json:"rules"`
}

// RuleJSON is one tier.
type RuleJSON struct {
	HoursBeforeDeparture int             `json:"hours_before_departure"`
	PenaltyPercentage    decimal.Decimal `json:"penalty_percentage"`
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

type PolicyFactory struct{}

func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{}
}

// ParsePolicy parses and validates a JSON policy document.
func (f *PolicyFactory) ParsePolicy(jsonStr string) (refund.Policy, error) {
	var pj PolicyJSON
	dec := json.NewDecoder(strings.NewReader(jsonStr))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&pj); err != nil {
		return refund.Policy{}, fmt.Errorf("%w: failed to parse policy JSON: %v", ledger.ErrValidation, err)
	}
	return f.FromJSON(pj)
}

// FromJSON validates a decoded document and builds the policy.
func (f *PolicyFactory) FromJSON(pj PolicyJSON) (refund.Policy, error) {
	id := strings.TrimSpace(pj.ID)
	if id == "" {
		return refund.Policy{}, fmt.Errorf("%w: policy id is required", ledger.ErrValidation)
	}

	name := strings.TrimSpace(pj.Name)
	if name == "" {
		name = id
	}

	seen := make(map[int]bool, len(pj.Rules))
	rules := make([]refund.Rule, 0, len(pj.Rules))
	for i, rj := range pj.Rules {
		if rj.HoursBeforeDeparture < 0 {
			return refund.Policy{}, fmt.Errorf("%w: rule %d: hours_before_departure must be >= 0",
				ledger.ErrValidation, i)
		}
		if rj.PenaltyPercentage.IsNegative() || rj.PenaltyPercentage.GreaterThan(decimal.NewFromInt(100)) {
			return refund.Policy{}, fmt.Errorf("%w: rule %d: penalty_percentage must be within [0, 100], got %s",
				ledger.ErrValidation, i, rj.PenaltyPercentage)
		}
		if seen[rj.HoursBeforeDeparture] {
			return refund.Policy{}, fmt.Errorf("%w: rule %d: duplicate threshold %dh",
				ledger.ErrValidation, i, rj.HoursBeforeDeparture)
		}
		seen[rj.HoursBeforeDeparture] = true

		rules = append(rules, refund.Rule{
			HoursBeforeDeparture: rj.HoursBeforeDeparture,
			PenaltyPercentage:    rj.PenaltyPercentage,
		})
	}

	return refund.Policy{ID: id, Name: name, Rules: rules}, nil
}

// ToJSON renders a policy back to its document form, tiers sorted.
func ToJSON(p refund.Policy) PolicyJSON {
	pj := PolicyJSON{ID: p.ID, Name: p.Name, Rules: make([]RuleJSON, 0, len(p.Rules))}
	for _, r := range p.SortedRules() {
		pj.Rules = append(pj.Rules, RuleJSON{
			HoursBeforeDeparture: r.HoursBeforeDeparture,
			PenaltyPercentage:    r.PenaltyPercentage,
		})
	}
	return pj
}

// =============================================================================
// PRESETS
// =============================================================================

// TieredPolicyJSON builds the document for a three-tier policy. Used by the
// demo scenario and tests.
func TieredPolicyJSON(id, name string) string {
	return fmt.Sprintf(`{
	"id": %q,
	"name": %q,
	"rules": [
		{"hours_before_departure": 24, "penalty_percentage": 100},
		{"hours_before_departure": 12, "penalty_percentage": 50},
		{"hours_before_departure": 2, "penalty_percentage": 10}
	]
}`, id, name)
}
