/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for demos. Every scenario is built through engine operations, so
	the resulting state is exactly what real traffic would produce.

AVAILABLE SCENARIOS:

	summer-weeks:    Four camp weeks, one nearly full, one family enrolled
	coupon-demo:     Single-use and multi-use coupons plus a claimed memo
	paired-payment:  Zelle deposit and a related cash receipt awaiting review

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create sessions and coupons as admin
 3. Add ledger items, reserve, submit receipts as parents
 4. Optionally verify receipts as admin

USAGE VIA API:

	POST /api/dev/scenarios/load
	{"scenario_id": "coupon-demo"}

NOTE:

	Scenarios reset the database. Only mounted in dev mode.

SEE ALSO:
  - handlers.go: Engine-backed handlers the scenarios mirror
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/enrollment-engine/enrollment"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "summer-weeks",
		Name:        "Summer Weeks",
		Description: "Four camp weeks; week 1 has one seat left; the Rivera family is verified for weeks 1-3",
	},
	{
		ID:          "coupon-demo",
		Name:        "Coupon Demo",
		Description: "SUMMER50 (single use) and FAMILY10 (10%, five uses); the Chen family holds a SUMMER50 claim",
	},
	{
		ID:          "paired-payment",
		Name:        "Paired Payment",
		Description: "Zelle deposit plus a related cash receipt pending review for the Okafor family",
	},
}

var scenarioAdmin = enrollment.Actor{UserID: "admin", Role: enrollment.RoleAdmin}

func parentActor(id enrollment.UserID) enrollment.Actor {
	return enrollment.Actor{UserID: id, Role: enrollment.RoleParent}
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns all available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.loadScenario(r.Context(), req.ScenarioID); err != nil {
		writeError(w, http.StatusBadRequest, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario_id": req.ScenarioID})
}

func (h *Handler) loadScenario(ctx context.Context, id string) error {
	var load func(context.Context) error
	switch id {
	case "summer-weeks":
		load = h.loadSummerWeeksScenario
	case "coupon-demo":
		load = h.loadCouponDemoScenario
	case "paired-payment":
		load = h.loadPairedPaymentScenario
	default:
		return fmt.Errorf("unknown scenario: %s", id)
	}

	if h.Resetter == nil {
		return fmt.Errorf("store does not support reset")
	}
	if err := h.Resetter.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset database: %w", err)
	}
	if err := load(ctx); err != nil {
		return err
	}
	h.currentScenario = id
	return nil
}

// =============================================================================
// LOADERS
// =============================================================================

// seedWeeks creates n consecutive Monday-start weeks beginning next month.
func (h *Handler) seedWeeks(ctx context.Context, n int, price decimal.Decimal, capacity func(week int) int) ([]enrollment.SessionID, error) {
	now := h.Engine.Now()
	first := time.Date(now.Year(), now.Month()+1, 1, 9, 0, 0, 0, time.UTC)
	for first.Weekday() != time.Monday {
		first = first.AddDate(0, 0, 1)
	}
	earlyBird := now.AddDate(0, 0, 14)

	ids := make([]enrollment.SessionID, 0, n)
	for i := 1; i <= n; i++ {
		s, err := h.Engine.CreateSession(ctx, scenarioAdmin, enrollment.Session{
			ID:                enrollment.SessionID(fmt.Sprintf("week-%d", i)),
			Name:              fmt.Sprintf("Week %d", i),
			Price:             price,
			Capacity:          capacity(i),
			Active:            true,
			StartsAt:          first.AddDate(0, 0, 7*(i-1)),
			EarlyBirdDeadline: &earlyBird,
		})
		if err != nil {
			return nil, fmt.Errorf("create week %d: %w", i, err)
		}
		ids = append(ids, s.ID)
	}
	return ids, nil
}

// enrollAndPay adds one draft per session for child and submits a receipt
// covering all of them.
func (h *Handler) enrollAndPay(ctx context.Context, user enrollment.UserID, child enrollment.ChildID, sessions []enrollment.SessionID, method enrollment.PaymentMethod, amount decimal.Decimal) (enrollment.Receipt, error) {
	actor := parentActor(user)
	var ids []enrollment.ItemID
	for _, sid := range sessions {
		it, err := h.Engine.AddToLedger(ctx, actor, user, sid, child)
		if err != nil {
			return enrollment.Receipt{}, fmt.Errorf("add %s: %w", sid, err)
		}
		ids = append(ids, it.ID)
	}
	return h.Engine.SubmitReceipt(ctx, actor, enrollment.SubmitReceiptInput{
		UserID:  user,
		ItemIDs: ids,
		Amount:  amount,
		Method:  method,
	})
}

func (h *Handler) loadSummerWeeksScenario(ctx context.Context) error {
	weeks, err := h.seedWeeks(ctx, 4, decimal.NewFromInt(350), func(week int) int {
		if week == 1 {
			return 3
		}
		return 12
	})
	if err != nil {
		return err
	}

	if err := h.Engine.SetProfile(ctx, scenarioAdmin, enrollment.Profile{UserID: "rivera", Returning: true}); err != nil {
		return err
	}
	rec, err := h.enrollAndPay(ctx, "rivera", "mateo", weeks[:3], enrollment.PaymentZelle, decimal.NewFromInt(945))
	if err != nil {
		return err
	}
	if _, err := h.Engine.VerifyReceipt(ctx, scenarioAdmin, rec.ID); err != nil {
		return fmt.Errorf("verify rivera: %w", err)
	}

	// A second family takes another week-1 seat with a reservation only.
	patel := enrollment.UserID("patel")
	it, err := h.Engine.AddToLedger(ctx, parentActor(patel), patel, weeks[0], "anika")
	if err != nil {
		return err
	}
	if _, err := h.Engine.ReserveItems(ctx, parentActor(patel), patel, []enrollment.ItemID{it.ID}, enrollment.PaymentZelle); err != nil {
		return err
	}
	return nil
}

func (h *Handler) loadCouponDemoScenario(ctx context.Context) error {
	weeks, err := h.seedWeeks(ctx, 2, decimal.NewFromInt(300), func(int) int { return 10 })
	if err != nil {
		return err
	}

	one, five := 1, 5
	if _, err := h.Engine.CreateCoupon(ctx, scenarioAdmin, enrollment.Coupon{
		Code: "SUMMER50", DiscountValue: decimal.NewFromInt(50), DiscountType: enrollment.DiscountFixed, MaxUses: &one,
	}); err != nil {
		return err
	}
	if _, err := h.Engine.CreateCoupon(ctx, scenarioAdmin, enrollment.Coupon{
		Code: "FAMILY10", DiscountValue: decimal.NewFromInt(10), DiscountType: enrollment.DiscountPercentage, MaxUses: &five,
	}); err != nil {
		return err
	}

	chen := enrollment.UserID("chen")
	for _, sid := range weeks {
		if _, err := h.Engine.AddToLedger(ctx, parentActor(chen), chen, sid, "lily"); err != nil {
			return err
		}
	}
	if _, _, err := h.Engine.ClaimCoupon(ctx, parentActor(chen), chen, "SUMMER50"); err != nil {
		return fmt.Errorf("claim SUMMER50: %w", err)
	}
	return nil
}

func (h *Handler) loadPairedPaymentScenario(ctx context.Context) error {
	weeks, err := h.seedWeeks(ctx, 2, decimal.NewFromInt(400), func(int) int { return 8 })
	if err != nil {
		return err
	}

	okafor := enrollment.UserID("okafor")
	deposit, err := h.enrollAndPay(ctx, okafor, "ada", weeks, enrollment.PaymentZelle, decimal.NewFromInt(200))
	if err != nil {
		return err
	}
	_, err = h.Engine.SubmitReceipt(ctx, parentActor(okafor), enrollment.SubmitReceiptInput{
		UserID:           okafor,
		ItemIDs:          deposit.LinkedItems,
		Amount:           decimal.NewFromInt(600),
		Method:           enrollment.PaymentCash,
		RelatedReceiptID: deposit.ID,
	})
	return err
}
