package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"lexbridge/auction"
	"lexbridge/escalation"
	"lexbridge/legalcase"
	"lexbridge/priority"
)

// tolerable reports whether an actor error is an expected outcome under
// contention rather than a harness failure.
func tolerable(err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, escalation.ErrConcurrencyConflict),
		errors.Is(err, escalation.ErrInvalidTransition),
		errors.Is(err, escalation.ErrAlreadyPromoted),
		errors.Is(err, escalation.ErrPanelResponseNotFound),
		errors.Is(err, escalation.ErrPanelAlreadyOffered),
		errors.Is(err, escalation.ErrNoPreferredOffer),
		errors.Is(err, escalation.ErrPreferredAlreadyOffered),
		errors.Is(err, escalation.ErrCaseNotFound),
		errors.Is(err, auction.ErrCaseNotInAuction),
		errors.Is(err, auction.ErrBiddingClosed),
		errors.Is(err, auction.ErrAuctionAlreadyResolved),
		errors.Is(err, auction.ErrBidNotFound),
		errors.Is(err, auction.ErrDuplicateSubmission):
		return true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return true
	}
	// Connections dropped by the chaos actor surface as admin shutdowns or
	// retryable transport failures.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "57P01" || pgErr.Code == "08006") {
		return true
	}
	return pgconn.SafeToRetry(err)
}

// Promoter churns new legal cases through creation and promotion so the
// funnel always has fresh rows under contention.
func Promoter(ctx context.Context, cases *legalcase.Service, funnel *escalation.Service, jurisdiction string, stop <-chan struct{}) error {
	complexities := []priority.Complexity{priority.ComplexityLow, priority.ComplexityMedium, priority.ComplexityHigh}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		c, err := cases.Create(ctx, legalcase.CreateParams{
			Complexity:      complexities[rand.Intn(len(complexities))],
			EstimatedBudget: int64(10_000 + rand.Intn(200_000)),
		})
		if err != nil {
			if tolerable(err) {
				continue
			}
			return fmt.Errorf("promoter create: %w", err)
		}

		if _, err := funnel.Promote(ctx, escalation.PromoteParams{
			CaseID:        c.ID,
			FundingAmount: int64(50_001 + rand.Intn(100_000)),
			Jurisdictions: []string{jurisdiction},
		}); !tolerable(err) {
			return fmt.Errorf("promoter promote: %w", err)
		}

		time.Sleep(time.Duration(20+rand.Intn(60)) * time.Millisecond)
	}
}

// PanelResponder hammers one case's panel with accept and decline answers.
// Repeats and post-resolution answers must come back as typed errors, never
// as corrupted state.
func PanelResponder(ctx context.Context, funnel *escalation.Service, caseID, partnerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		response := escalation.ResponseDeclined
		if rand.Intn(2) == 0 {
			response = escalation.ResponseAccepted
		}
		if _, err := funnel.RecordPanelResponse(ctx, caseID, partnerID, response); !tolerable(err) {
			return fmt.Errorf("panel responder: %w", err)
		}

		time.Sleep(time.Duration(15+rand.Intn(40)) * time.Millisecond)
	}
}

// Bidder submits bids against one auctioned case, occasionally replaying an
// idempotency key to exercise duplicate handling.
func Bidder(ctx context.Context, bidding *auction.Service, caseID, partnerID string, stop <-chan struct{}) error {
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		params := auction.SubmitBidParams{
			CaseID:                caseID,
			PartnerID:             partnerID,
			Amount:                int64(1_000 + rand.Intn(50_000)),
			FeePercent:            float64(rand.Intn(40)),
			EstimatedDurationDays: 10 + rand.Intn(90),
		}
		if i%5 == 0 {
			params.IdempotencyKey = fmt.Sprintf("stress-%s-%s-replay", caseID, partnerID)
		}
		if _, err := bidding.SubmitBid(ctx, params); !tolerable(err) {
			return fmt.Errorf("bidder: %w", err)
		}

		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// WinnerSelector races to resolve the auction on a random pending bid. At
// most one attempt across all selectors may ever succeed.
func WinnerSelector(ctx context.Context, pool *pgxpool.Pool, bidding *auction.Service, caseID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var bidID string
		err := pool.QueryRow(ctx, `SELECT id FROM bids WHERE case_id = $1 AND status = 'pending' ORDER BY random() LIMIT 1`, caseID).Scan(&bidID)
		if err == nil {
			if _, err := bidding.SelectWinner(ctx, caseID, bidID); !tolerable(err) {
				return fmt.Errorf("winner selector: %w", err)
			}
		}

		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED, marking
// them processed or bumping attempts on simulated failures.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			if tolerable(err) {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', last_attempt=NOW() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

// Lister reads the tier-gated case list concurrently with the writers.
func Lister(ctx context.Context, cases *legalcase.Service, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if _, err := cases.List(ctx, legalcase.Filters{PageSize: 20}); !tolerable(err) {
			return fmt.Errorf("lister: %w", err)
		}

		time.Sleep(time.Duration(30+rand.Intn(70)) * time.Millisecond)
	}
}
