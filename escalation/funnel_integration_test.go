package escalation_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"lexbridge/auction"
	"lexbridge/config"
	"lexbridge/escalation"
	"lexbridge/legalcase"
	"lexbridge/outbox"
	"lexbridge/partner"
	"lexbridge/priority"
	"lexbridge/timeline"
)

func TestEscalationFunnelEndToEnd(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	requiredTables := []string{
		"partner_firms",
		"legal_cases",
		"international_cases",
		"panel_responses",
		"bids",
		"timeline_events",
		"outbox",
	}
	for _, tbl := range requiredTables {
		if !tableExists(ctx, pool, tbl) {
			t.Skipf("table %s does not exist; ensure migrations are applied", tbl)
		}
	}

	// A per-run jurisdiction isolates this test's firms from any other data.
	jurisdiction := fmt.Sprintf("ZZ-%d", time.Now().UnixNano()%1_000_000)

	mustInsert := func(query string, args ...any) string {
		var id string
		if err := pool.QueryRow(ctx, query, args...).Scan(&id); err != nil {
			t.Fatalf("seed statement failed: %v", err)
		}
		return id
	}

	preferredFirm := mustInsert(`
		INSERT INTO partner_firms (name, jurisdictions, success_rate, preferred)
		VALUES ($1, ARRAY[$2], 0.95, true) RETURNING id
	`, fmt.Sprintf("Preferred LLP %d", time.Now().UnixNano()), jurisdiction)
	panelFirmA := mustInsert(`
		INSERT INTO partner_firms (name, jurisdictions, success_rate, preferred)
		VALUES ($1, ARRAY[$2], 0.80, false) RETURNING id
	`, fmt.Sprintf("Panel A %d", time.Now().UnixNano()), jurisdiction)
	panelFirmB := mustInsert(`
		INSERT INTO partner_firms (name, jurisdictions, success_rate, preferred)
		VALUES ($1, ARRAY[$2], 0.70, false) RETURNING id
	`, fmt.Sprintf("Panel B %d", time.Now().UnixNano()), jurisdiction)

	firmIDs := []string{preferredFirm, panelFirmA, panelFirmB}
	caseIDs := []string{}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel2()
		for _, caseID := range caseIDs {
			pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'case_id' = $1`, caseID)
			pool.Exec(ctx2, `DELETE FROM timeline_events WHERE case_id = $1`, caseID)
			pool.Exec(ctx2, `DELETE FROM bids WHERE case_id = $1`, caseID)
			pool.Exec(ctx2, `DELETE FROM panel_responses WHERE case_id = $1`, caseID)
			pool.Exec(ctx2, `DELETE FROM international_cases WHERE case_id = $1`, caseID)
			pool.Exec(ctx2, `DELETE FROM legal_cases WHERE id = $1`, caseID)
		}
		for _, firmID := range firmIDs {
			pool.Exec(ctx2, `DELETE FROM partner_firms WHERE id = $1`, firmID)
		}
	})

	cfg := config.Default()
	cfg.PanelSize = 2

	events := timeline.NewWriter()
	queue := outbox.NewQueue()
	caseRepo := legalcase.NewRepository(pool)
	partnerRepo := partner.NewRepository(pool)

	caseService := legalcase.NewService(pool, caseRepo, cfg, events, queue)
	funnel := escalation.NewService(pool, escalation.NewRepository(pool), caseRepo, partnerRepo, cfg, events, queue)
	bidding := auction.NewService(pool, auction.NewRepository(pool), caseRepo, events, queue)

	newCase := func() string {
		c, err := caseService.Create(ctx, legalcase.CreateParams{
			Complexity:      priority.ComplexityHigh,
			EstimatedBudget: 250_000,
		})
		if err != nil {
			t.Fatalf("create case: %v", err)
		}
		caseIDs = append(caseIDs, c.ID)
		return c.ID
	}

	t.Run("partner registry lookup", func(t *testing.T) {
		firm, err := partnerRepo.GetByID(ctx, preferredFirm)
		if err != nil {
			t.Fatalf("get firm: %v", err)
		}
		if firm.ID != preferredFirm || !firm.Preferred {
			t.Fatalf("expected preferred firm %s, got %+v", preferredFirm, firm)
		}
		found := false
		for _, j := range firm.Jurisdictions {
			if j == jurisdiction {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected jurisdiction %s in %v", jurisdiction, firm.Jurisdictions)
		}

		if _, err := partnerRepo.GetByID(ctx, uuid.NewString()); !errors.Is(err, partner.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for unknown firm, got %v", err)
		}
	})

	t.Run("exclusivity window only moves forward", func(t *testing.T) {
		caseID := newCase()

		c, err := caseService.Get(ctx, caseID)
		if err != nil {
			t.Fatalf("get case: %v", err)
		}
		if c.ExclusiveUntil == nil {
			t.Fatalf("expected a stamped window on a high-complexity case")
		}

		extended := c.ExclusiveUntil.Add(48 * time.Hour)
		c, err = caseService.StampExclusivity(ctx, caseID, extended)
		if err != nil {
			t.Fatalf("extend window: %v", err)
		}
		if c.ExclusiveUntil == nil || !c.ExclusiveUntil.Equal(extended) {
			t.Fatalf("expected window at %v, got %v", extended, c.ExclusiveUntil)
		}

		if _, err := caseService.StampExclusivity(ctx, caseID, extended.Add(-time.Hour)); !errors.Is(err, legalcase.ErrExclusivityRollback) {
			t.Fatalf("expected ErrExclusivityRollback on backdated stamp, got %v", err)
		}

		c, err = caseService.Get(ctx, caseID)
		if err != nil {
			t.Fatalf("reload case: %v", err)
		}
		if c.ExclusiveUntil == nil || !c.ExclusiveUntil.Equal(extended) {
			t.Fatalf("expected window unchanged at %v, got %v", extended, c.ExclusiveUntil)
		}
	})

	t.Run("promotion funding floor is strict", func(t *testing.T) {
		caseID := newCase()

		for _, funding := range []int64{cfg.MinCrossBorderFunding - 1, cfg.MinCrossBorderFunding} {
			_, err := funnel.Promote(ctx, escalation.PromoteParams{
				CaseID:        caseID,
				FundingAmount: funding,
				Jurisdictions: []string{jurisdiction},
			})
			if !errors.Is(err, escalation.ErrFundingBelowMinimum) {
				t.Fatalf("funding %d: expected ErrFundingBelowMinimum, got %v", funding, err)
			}
		}

		rec, err := funnel.Promote(ctx, escalation.PromoteParams{
			CaseID:        caseID,
			FundingAmount: cfg.MinCrossBorderFunding + 1,
			Jurisdictions: []string{jurisdiction},
		})
		if err != nil {
			t.Fatalf("promote: %v", err)
		}
		if rec.EscalationState != escalation.StateInFunnel {
			t.Fatalf("expected in_funnel, got %s", rec.EscalationState)
		}

		if _, err := funnel.Promote(ctx, escalation.PromoteParams{
			CaseID:        caseID,
			FundingAmount: cfg.MinCrossBorderFunding + 1,
			Jurisdictions: []string{jurisdiction},
		}); !errors.Is(err, escalation.ErrAlreadyPromoted) {
			t.Fatalf("expected ErrAlreadyPromoted on repeat, got %v", err)
		}
	})

	t.Run("preferred decline opens panel and acceptance assigns", func(t *testing.T) {
		caseID := newCase()

		if _, err := funnel.Promote(ctx, escalation.PromoteParams{
			CaseID:        caseID,
			FundingAmount: 75_000,
			Jurisdictions: []string{jurisdiction},
		}); err != nil {
			t.Fatalf("promote: %v", err)
		}

		rec, err := funnel.OfferToPreferredPartner(ctx, caseID)
		if err != nil {
			t.Fatalf("offer preferred: %v", err)
		}
		if rec.PreferredPartnerID == nil || *rec.PreferredPartnerID != preferredFirm {
			t.Fatalf("expected preferred firm %s, got %v", preferredFirm, rec.PreferredPartnerID)
		}

		if _, err := funnel.RecordPreferredResponse(ctx, caseID, escalation.ResponseDeclined); err != nil {
			t.Fatalf("decline preferred: %v", err)
		}

		responses, err := funnel.PanelResponses(ctx, caseID)
		if err != nil {
			t.Fatalf("panel responses: %v", err)
		}
		if len(responses) != 2 {
			t.Fatalf("expected 2 panel offers, got %d", len(responses))
		}
		for _, pr := range responses {
			if pr.PartnerID == preferredFirm {
				t.Fatalf("preferred firm must not sit on the panel")
			}
		}

		if _, err := funnel.RecordPanelResponse(ctx, caseID, panelFirmB, escalation.ResponseDeclined); err != nil {
			t.Fatalf("panel decline: %v", err)
		}
		rec, err = funnel.RecordPanelResponse(ctx, caseID, panelFirmA, escalation.ResponseAccepted)
		if err != nil {
			t.Fatalf("panel accept: %v", err)
		}
		if rec.EscalationState != escalation.StateAssignedPanel {
			t.Fatalf("expected assigned_panel, got %s", rec.EscalationState)
		}

		var assignedTo *string
		var status string
		if err := pool.QueryRow(ctx, `SELECT assigned_partner_id, status FROM legal_cases WHERE id = $1`, caseID).Scan(&assignedTo, &status); err != nil {
			t.Fatalf("inspect case: %v", err)
		}
		if assignedTo == nil || *assignedTo != panelFirmA {
			t.Fatalf("expected case assigned to %s, got %v", panelFirmA, assignedTo)
		}
		if status != "assigned" {
			t.Fatalf("expected case status assigned, got %s", status)
		}

		history, err := timeline.ListForCase(ctx, pool, caseID)
		if err != nil {
			t.Fatalf("list timeline: %v", err)
		}
		assigned := 0
		for _, e := range history {
			if e.Type == "PANEL_ASSIGNED" {
				assigned++
			}
		}
		if assigned != 1 {
			t.Fatalf("expected one PANEL_ASSIGNED event, got %d", assigned)
		}
	})

	t.Run("exhausted panel auctions and winner selection is exclusive", func(t *testing.T) {
		caseID := newCase()

		if _, err := funnel.Promote(ctx, escalation.PromoteParams{
			CaseID:        caseID,
			FundingAmount: 90_000,
			Jurisdictions: []string{jurisdiction},
		}); err != nil {
			t.Fatalf("promote: %v", err)
		}
		if _, err := funnel.OfferToPanel(ctx, caseID); err != nil {
			t.Fatalf("offer panel: %v", err)
		}
		if _, err := funnel.RecordPanelResponse(ctx, caseID, panelFirmA, escalation.ResponseDeclined); err != nil {
			t.Fatalf("panel decline A: %v", err)
		}
		rec, err := funnel.RecordPanelResponse(ctx, caseID, panelFirmB, escalation.ResponseDeclined)
		if err != nil {
			t.Fatalf("panel decline B: %v", err)
		}
		if rec.EscalationState != escalation.StateInAuction {
			t.Fatalf("expected in_auction after full decline, got %s", rec.EscalationState)
		}

		bidA, err := bidding.SubmitBid(ctx, auction.SubmitBidParams{
			CaseID:                caseID,
			PartnerID:             panelFirmA,
			Amount:                20_000,
			FeePercent:            12,
			EstimatedDurationDays: 60,
		})
		if err != nil {
			t.Fatalf("bid A: %v", err)
		}
		bidB, err := bidding.SubmitBid(ctx, auction.SubmitBidParams{
			CaseID:                caseID,
			PartnerID:             panelFirmB,
			Amount:                18_000,
			FeePercent:            10,
			EstimatedDurationDays: 45,
		})
		if err != nil {
			t.Fatalf("bid B: %v", err)
		}

		result, err := bidding.SelectWinner(ctx, caseID, bidB.ID)
		if err != nil {
			t.Fatalf("select winner: %v", err)
		}
		if result.Case.EscalationState != escalation.StateAssignedAuction {
			t.Fatalf("expected assigned_auction, got %s", result.Case.EscalationState)
		}

		var statusA, statusB string
		if err := pool.QueryRow(ctx, `SELECT status FROM bids WHERE id = $1`, bidA.ID).Scan(&statusA); err != nil {
			t.Fatalf("inspect bid A: %v", err)
		}
		if err := pool.QueryRow(ctx, `SELECT status FROM bids WHERE id = $1`, bidB.ID).Scan(&statusB); err != nil {
			t.Fatalf("inspect bid B: %v", err)
		}
		if statusA != "rejected" || statusB != "accepted" {
			t.Fatalf("expected rejected/accepted, got %s/%s", statusA, statusB)
		}

		if _, err := bidding.SelectWinner(ctx, caseID, bidA.ID); !errors.Is(err, auction.ErrAuctionAlreadyResolved) {
			t.Fatalf("expected ErrAuctionAlreadyResolved, got %v", err)
		}

		if _, err := bidding.SubmitBid(ctx, auction.SubmitBidParams{
			CaseID:                caseID,
			PartnerID:             panelFirmA,
			Amount:                15_000,
			FeePercent:            8,
			EstimatedDurationDays: 30,
		}); !errors.Is(err, auction.ErrCaseNotInAuction) {
			t.Fatalf("expected ErrCaseNotInAuction after resolution, got %v", err)
		}

		pending, err := outbox.Pending(ctx, pool, 100)
		if err != nil {
			t.Fatalf("list outbox: %v", err)
		}
		resolved := 0
		for _, m := range pending {
			if m.Topic == "auction.resolved" && strings.Contains(string(m.Payload), caseID) {
				resolved++
			}
		}
		if resolved != 1 {
			t.Fatalf("expected one pending auction.resolved message, got %d", resolved)
		}
	})
}

func tableExists(ctx context.Context, pool *pgxpool.Pool, name string) bool {
	var exists bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists); err != nil {
		return false
	}
	return exists
}
