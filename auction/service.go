package auction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"lexbridge/escalation"
	"lexbridge/legalcase"
)

var (
	// ErrCaseNotInAuction signals the case has no active bidding stage.
	ErrCaseNotInAuction = errors.New("auction: case not in auction")
	// ErrBiddingClosed signals the bid arrived after the window lapsed. The
	// funnel state is untouched by a rejected bid.
	ErrBiddingClosed = errors.New("auction: bidding window closed")
	// ErrAuctionAlreadyResolved signals a second winner selection attempt.
	ErrAuctionAlreadyResolved = errors.New("auction: already resolved")
	// ErrInvalidBidAmount signals a non-positive bid amount.
	ErrInvalidBidAmount = errors.New("auction: invalid bid amount")
	// ErrInvalidFeePercent signals a fee outside [0, 100].
	ErrInvalidFeePercent = errors.New("auction: invalid fee percent")
	// ErrInvalidDuration signals a non-positive estimated duration.
	ErrInvalidDuration = errors.New("auction: invalid estimated duration")
)

// CaseWriter is the slice of the case repository winner selection mutates.
type CaseWriter interface {
	Assign(ctx context.Context, tx pgx.Tx, id, partnerID string) (legalcase.Case, error)
}

type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, caseID string, eventType string, payload map[string]any) error
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service manages the time-boxed bidding stage: intake, validation, expiry
// and winner selection. All mutations hold the case row lock.
type Service struct {
	pool        TxBeginner
	repo        Repository
	cases       CaseWriter
	timeline    TimelineWriter
	outbox      OutboxWriter
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool TxBeginner, repo Repository, cases CaseWriter, timeline TimelineWriter, outbox OutboxWriter) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
		cases:       cases,
		timeline:    timeline,
		outbox:      outbox,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type SubmitBidParams struct {
	CaseID                string
	PartnerID             string
	Amount                int64
	FeePercent            float64
	EstimatedDurationDays int
	// IdempotencyKey makes retried submissions return the original bid
	// instead of appending a duplicate. Optional.
	IdempotencyKey string
}

// SubmitBid appends an immutable pending bid to an active auction. Late or
// malformed bids are rejected with typed errors and leave no trace.
func (s *Service) SubmitBid(ctx context.Context, params SubmitBidParams) (Bid, error) {
	if params.CaseID == "" {
		return Bid{}, fmt.Errorf("auction: submit missing case id")
	}
	if params.PartnerID == "" {
		return Bid{}, fmt.Errorf("auction: submit missing partner id")
	}
	if params.Amount <= 0 {
		return Bid{}, ErrInvalidBidAmount
	}
	if params.FeePercent < 0 || params.FeePercent > 100 {
		return Bid{}, ErrInvalidFeePercent
	}
	if params.EstimatedDurationDays <= 0 {
		return Bid{}, ErrInvalidDuration
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Bid{}, fmt.Errorf("auction: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.CaseForUpdate(ctx, tx, params.CaseID)
	if err != nil {
		return Bid{}, err
	}
	if rec.EscalationState != escalation.StateInAuction {
		return Bid{}, fmt.Errorf("%w: state %s", ErrCaseNotInAuction, rec.EscalationState)
	}

	now := s.now()
	if rec.AuctionEndsAt == nil || !now.Before(*rec.AuctionEndsAt) {
		return Bid{}, ErrBiddingClosed
	}

	bid := Bid{
		ID:                    s.idGenerator(),
		CaseID:                params.CaseID,
		PartnerID:             params.PartnerID,
		Amount:                params.Amount,
		FeePercent:            params.FeePercent,
		EstimatedDurationDays: params.EstimatedDurationDays,
		SubmittedAt:           now,
	}
	if params.IdempotencyKey != "" {
		bid.IdempotencyKey = &params.IdempotencyKey
	}

	created, err := s.repo.InsertBid(ctx, tx, bid)
	if err != nil {
		if errors.Is(err, ErrDuplicateSubmission) && params.IdempotencyKey != "" {
			// Retry replay: hand back the original bid without re-appending.
			existing, lookupErr := s.repo.BidByIdempotencyKey(ctx, tx, params.IdempotencyKey)
			if lookupErr != nil {
				return Bid{}, lookupErr
			}
			return existing, nil
		}
		return Bid{}, err
	}

	if s.timeline != nil {
		payload := map[string]any{
			"case_id":    created.CaseID,
			"bid_id":     created.ID,
			"partner_id": created.PartnerID,
			"amount":     created.Amount,
		}
		if err := s.timeline.Append(ctx, tx, created.CaseID, "BID_SUBMITTED", payload); err != nil {
			return Bid{}, fmt.Errorf("auction: append timeline: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Bid{}, fmt.Errorf("auction: commit bid: %w", err)
	}
	return created, nil
}

// SelectResult bundles the winning bid and the resolved case record.
type SelectResult struct {
	WinningBid Bid
	Case       escalation.InternationalCase
}

// SelectWinner resolves the auction: the chosen bid becomes accepted, every
// sibling rejected, the funnel terminates in assigned_auction and the case is
// assigned to the winning partner, all in one atomic step. Calling it again
// on a resolved auction fails rather than silently re-assigning.
func (s *Service) SelectWinner(ctx context.Context, caseID, bidID string) (SelectResult, error) {
	if caseID == "" || bidID == "" {
		return SelectResult{}, fmt.Errorf("auction: select winner missing ids")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return SelectResult{}, fmt.Errorf("auction: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.CaseForUpdate(ctx, tx, caseID)
	if err != nil {
		return SelectResult{}, err
	}
	switch rec.EscalationState {
	case escalation.StateInAuction:
		// proceed
	case escalation.StateAssignedAuction:
		return SelectResult{}, ErrAuctionAlreadyResolved
	default:
		return SelectResult{}, fmt.Errorf("%w: state %s", ErrCaseNotInAuction, rec.EscalationState)
	}

	bid, err := s.repo.BidForCase(ctx, tx, caseID, bidID)
	if err != nil {
		return SelectResult{}, err
	}

	now := s.now()
	if err := s.repo.ResolveBids(ctx, tx, caseID, bid.ID, now); err != nil {
		return SelectResult{}, err
	}

	if _, err := s.cases.Assign(ctx, tx, caseID, bid.PartnerID); err != nil {
		return SelectResult{}, err
	}

	payload := map[string]any{
		"case_id":    caseID,
		"bid_id":     bid.ID,
		"partner_id": bid.PartnerID,
		"amount":     bid.Amount,
	}
	if s.timeline != nil {
		if err := s.timeline.Append(ctx, tx, caseID, "AUCTION_RESOLVED", payload); err != nil {
			return SelectResult{}, fmt.Errorf("auction: append timeline: %w", err)
		}
	}
	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, "auction.resolved", payload); err != nil {
			return SelectResult{}, fmt.Errorf("auction: enqueue outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return SelectResult{}, fmt.Errorf("auction: commit winner selection: %w", err)
	}

	bid.Status = BidStatusAccepted
	rec.EscalationState = escalation.StateAssignedAuction
	rec.WinningBidID = &bid.ID
	return SelectResult{WinningBid: bid, Case: rec}, nil
}

// ListBids returns a case's bids in submission order.
func (s *Service) ListBids(ctx context.Context, caseID string) ([]Bid, error) {
	return s.repo.ListBids(ctx, caseID)
}
