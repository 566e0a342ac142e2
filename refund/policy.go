/*
Package refund computes cancellation penalties from tiered refund policies.

PURPOSE:
  A refund policy is an unordered set of tiers, each saying "cancelling
  within H hours of departure forfeits P percent". This package turns a
  policy, a departure time and the current time into a penalty percentage,
  and a price plus a percentage into exact penalty and refund amounts.

  Everything here is a pure function: no clock, no storage, no logging.

TIER SELECTION:
  hoursRemaining = departure - now (clamped at 0 once departure has passed)
  Sort tiers ascending by HoursBeforeDeparture and pick the FIRST tier whose
  threshold is >= hoursRemaining. The comparison is inclusive. When no tier
  matches (hoursRemaining beyond every threshold) the penalty is 100%.

  Example, tiers [{24,100},{12,50},{2,10}]:
    15h before departure -> {24,100} -> 100% penalty
     1h before departure -> {2,10}   ->  10% penalty, 90% refunded
    30h before departure -> no tier  -> 100% penalty

  The last case forfeits everything for a very early cancellation unless a
  tier with a large enough threshold is configured. Existing policies were
  authored against this rule, so it is kept as is.

ROUNDING:
  penalty = round_half_up(total * percent / 100) at the currency minor unit
  refund  = total - penalty
*/
package refund

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/ledger"
)

var hundred = decimal.NewFromInt(100)

// Rule is one tier of a policy.
type Rule struct {
	HoursBeforeDeparture int
	PenaltyPercentage    decimal.Decimal
}

// Policy is read-only reference data managed by administrators.
type Policy struct {
	ID        string
	Name      string
	Rules     []Rule
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Penalty is the outcome of tier selection.
type Penalty struct {
	Percent        decimal.Decimal
	AppliedRule    *Rule // nil when no tier matched
	HoursRemaining decimal.Decimal
}

// Refund splits a price into what is kept and what is returned.
type Refund struct {
	PenaltyPercent decimal.Decimal
	PenaltyAmount  decimal.Decimal
	RefundAmount   decimal.Decimal
}

// SortedRules returns the tiers ordered by threshold, smallest first.
// The policy itself is not modified.
func (p Policy) SortedRules() []Rule {
	rules := make([]Rule, len(p.Rules))
	copy(rules, p.Rules)
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].HoursBeforeDeparture < rules[j].HoursBeforeDeparture
	})
	return rules
}

// ComputePenalty selects the applicable tier for a cancellation at now.
func ComputePenalty(policy Policy, departure, now time.Time) Penalty {
	remaining := departure.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	hours := decimal.NewFromInt(int64(remaining)).Div(decimal.NewFromInt(int64(time.Hour)))

	for _, rule := range policy.SortedRules() {
		if covers(rule, remaining) {
			applied := rule
			return Penalty{Percent: rule.PenaltyPercentage, AppliedRule: &applied, HoursRemaining: hours}
		}
	}
	return Penalty{Percent: hundred, HoursRemaining: hours}
}

// covers reports whether a cancellation with remaining time left falls within
// the rule's threshold. Thresholds too large for a time.Duration cover
// everything.
func covers(rule Rule, remaining time.Duration) bool {
	if int64(rule.HoursBeforeDeparture) > int64(math.MaxInt64/time.Hour) {
		return true
	}
	return time.Duration(rule.HoursBeforeDeparture)*time.Hour >= remaining
}

// ComputeRefund applies a penalty percentage to a total price.
func ComputeRefund(total decimal.Decimal, currency ledger.Currency, penaltyPercent decimal.Decimal) Refund {
	penalty := currency.Round(total.Mul(penaltyPercent).Div(hundred))
	return Refund{
		PenaltyPercent: penaltyPercent,
		PenaltyAmount:  penalty,
		RefundAmount:   total.Sub(penalty),
	}
}
