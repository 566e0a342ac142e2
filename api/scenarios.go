/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with wallets,
	balances and refund policies so the booking flow can be exercised from
	the admin dashboard without manual setup.

AVAILABLE SCENARIOS:

	demo:    user "demo-user" with 1,000,000 IRR and the three-tier policy
	         "tiered-demo" ({24h,100%}, {12h,50%}, {2h,10%})
	agency:  agency "demo-agency" with 5,000,000 IRR and 2,000 USD, plus an
	         unfunded traveller "demo-traveller" booking on its behalf

HOW SCENARIOS WORK:
 1. Save the scenario's refund policies via the factory
 2. Open the owners' wallets (existing wallets are reused)
 3. Top each balance up to its target with a DEPOSIT

	The ledger is append-only, so scenarios never reset anything. Loading a
	scenario twice tops balances up to the same targets and writes no new
	rows the second time.

USAGE VIA API:

	POST /scenarios/load
	{"scenario_id": "demo"}

SEE ALSO:
  - handlers.go: Handler
  - factory/policy.go: TieredPolicyJSON
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/settlement-engine/factory"
	"github.com/warp/settlement-engine/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

const (
	ScenarioDemo   = "demo"
	ScenarioAgency = "agency"

	DemoPolicyID = "tiered-demo"
)

var scenarios = []ScenarioDTO{
	{
		ID:          ScenarioDemo,
		Name:        "Demo Traveller",
		Description: "User wallet with 1,000,000 IRR and a three-tier refund policy",
	},
	{
		ID:          ScenarioAgency,
		Name:        "Agency Account",
		Description: "Agency wallet funded in IRR and USD paying for a traveller's bookings",
	},
}

type funding struct {
	kind     ledger.OwnerKind
	owner    ledger.OwnerID
	currency ledger.Currency
	target   decimal.Decimal
}

var scenarioFunding = map[string][]funding{
	ScenarioDemo: {
		{ledger.OwnerUser, "demo-user", "IRR", decimal.NewFromInt(1_000_000)},
	},
	ScenarioAgency: {
		{ledger.OwnerAgency, "demo-agency", "IRR", decimal.NewFromInt(5_000_000)},
		{ledger.OwnerAgency, "demo-agency", "USD", decimal.NewFromInt(2_000)},
		{ledger.OwnerUser, "demo-traveller", "", decimal.Zero},
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, "Invalid request body", err)
		return
	}

	if err := h.SeedScenario(r.Context(), req.ScenarioID); err != nil {
		h.writeError(w, r, "Failed to load scenario", err)
		return
	}

	for _, s := range scenarios {
		if s.ID == req.ScenarioID {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
}

// SeedScenario applies a scenario. It is safe to call repeatedly.
func (h *Handler) SeedScenario(ctx context.Context, id string) error {
	plan, ok := scenarioFunding[id]
	if !ok {
		return ledger.NotFound("scenario", id)
	}

	if err := h.createPolicyFromJSON(ctx, factory.TieredPolicyJSON(DemoPolicyID, "Tiered (demo)")); err != nil {
		return err
	}

	for _, f := range plan {
		w, err := h.Ledger.OpenWallet(ctx, f.kind, f.owner)
		if err != nil {
			return fmt.Errorf("open wallet for %s %s: %w", f.kind, f.owner, err)
		}
		if f.currency == "" {
			continue
		}
		if err := h.topUp(ctx, w.ID, f.currency, f.target); err != nil {
			return err
		}
		h.invalidate(ctx, w.ID)
	}

	h.logger.Info("scenario loaded", zap.String("scenario_id", id))
	return nil
}

// topUp deposits whatever brings the settled balance up to target.
func (h *Handler) topUp(ctx context.Context, walletID ledger.WalletID, currency ledger.Currency, target decimal.Decimal) error {
	bal, err := h.Ledger.Balance(ctx, walletID, currency)
	if err != nil {
		return err
	}
	missing := target.Sub(bal.Settled)
	if !missing.IsPositive() {
		return nil
	}
	if _, err := h.Ledger.Deposit(ctx, walletID, currency, missing, "demo top-up"); err != nil {
		return fmt.Errorf("top up %s %s: %w", walletID, currency, err)
	}
	return nil
}

func (h *Handler) createPolicyFromJSON(ctx context.Context, jsonStr string) error {
	policy, err := h.PolicyFactory.ParsePolicy(jsonStr)
	if err != nil {
		return err
	}
	now := h.now()
	policy.CreatedAt, policy.UpdatedAt = now, now
	return h.Policies.SavePolicy(ctx, policy)
}
