package auction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"lexbridge/escalation"
)

var (
	// ErrBidNotFound signals the bid id does not belong to the case.
	ErrBidNotFound = errors.New("auction: bid not found")
	// ErrDuplicateSubmission signals the idempotency key was already used;
	// callers fetch and return the original bid.
	ErrDuplicateSubmission = errors.New("auction: duplicate bid submission")
	// ErrWinnerAlreadyMarked signals a second accepted bid was attempted for
	// the same case. Guarded by a partial unique index as well as the state
	// machine.
	ErrWinnerAlreadyMarked = errors.New("auction: winner already marked")
)

type Repository interface {
	CaseForUpdate(ctx context.Context, tx pgx.Tx, caseID string) (escalation.InternationalCase, error)
	InsertBid(ctx context.Context, tx pgx.Tx, bid Bid) (Bid, error)
	BidByIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) (Bid, error)
	BidForCase(ctx context.Context, tx pgx.Tx, caseID, bidID string) (Bid, error)
	ListBids(ctx context.Context, caseID string) ([]Bid, error)
	ResolveBids(ctx context.Context, tx pgx.Tx, caseID, winningBidID string, resolvedAt time.Time) error
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const bidColumns = `id, case_id, partner_id, amount, fee_percent, estimated_duration_days, status::text, idempotency_key, submitted_at`

// CaseForUpdate locks the international case row, serializing bid intake and
// winner selection against the funnel's own transitions.
func (r *PGRepository) CaseForUpdate(ctx context.Context, tx pgx.Tx, caseID string) (escalation.InternationalCase, error) {
	const query = `
		SELECT case_id, funding_amount, minimum_amount, jurisdictions, escalation_state::text,
		       preferred_partner_id, preferred_response::text, preferred_responded_at,
		       auction_started_at, auction_ends_at, winning_bid_id, created_at, updated_at
		FROM international_cases
		WHERE case_id = $1
		FOR UPDATE
	`

	var rec escalation.InternationalCase
	err := tx.QueryRow(ctx, query, caseID).Scan(
		&rec.CaseID,
		&rec.FundingAmount,
		&rec.MinimumAmount,
		&rec.Jurisdictions,
		&rec.EscalationState,
		&rec.PreferredPartnerID,
		&rec.PreferredResponse,
		&rec.PreferredRespondedAt,
		&rec.AuctionStartedAt,
		&rec.AuctionEndsAt,
		&rec.WinningBidID,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return escalation.InternationalCase{}, escalation.ErrCaseNotFound
		}
		return escalation.InternationalCase{}, wrapPG("lock case", err)
	}
	return rec, nil
}

func (r *PGRepository) InsertBid(ctx context.Context, tx pgx.Tx, bid Bid) (Bid, error) {
	query := fmt.Sprintf(`
		INSERT INTO bids (id, case_id, partner_id, amount, fee_percent, estimated_duration_days, status, idempotency_key, submitted_at)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, 'pending', $7, $8)
		RETURNING %s
	`, bidColumns)

	created, err := scanBid(tx.QueryRow(ctx, query,
		bid.ID,
		bid.CaseID,
		bid.PartnerID,
		bid.Amount,
		bid.FeePercent,
		bid.EstimatedDurationDays,
		bid.IdempotencyKey,
		bid.SubmittedAt,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Bid{}, ErrDuplicateSubmission
		}
		return Bid{}, wrapPG("insert bid", err)
	}
	return created, nil
}

func (r *PGRepository) BidByIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) (Bid, error) {
	query := fmt.Sprintf(`SELECT %s FROM bids WHERE idempotency_key = $1`, bidColumns)

	bid, err := scanBid(tx.QueryRow(ctx, query, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bid{}, ErrBidNotFound
		}
		return Bid{}, wrapPG("get bid by key", err)
	}
	return bid, nil
}

func (r *PGRepository) BidForCase(ctx context.Context, tx pgx.Tx, caseID, bidID string) (Bid, error) {
	query := fmt.Sprintf(`SELECT %s FROM bids WHERE case_id = $1 AND id = $2`, bidColumns)

	bid, err := scanBid(tx.QueryRow(ctx, query, caseID, bidID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bid{}, ErrBidNotFound
		}
		return Bid{}, wrapPG("get bid", err)
	}
	return bid, nil
}

func (r *PGRepository) ListBids(ctx context.Context, caseID string) ([]Bid, error) {
	query := fmt.Sprintf(`SELECT %s FROM bids WHERE case_id = $1 ORDER BY submitted_at ASC, id ASC`, bidColumns)

	rows, err := r.pool.Query(ctx, query, caseID)
	if err != nil {
		return nil, wrapPG("list bids", err)
	}
	defer rows.Close()

	bids := make([]Bid, 0, 8)
	for rows.Next() {
		bid, err := scanBid(rows)
		if err != nil {
			return nil, wrapPG("scan bid", err)
		}
		bids = append(bids, bid)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPG("iterate bids", err)
	}
	return bids, nil
}

// ResolveBids marks the winner accepted and every sibling rejected in one
// statement pair inside the caller's transaction.
func (r *PGRepository) ResolveBids(ctx context.Context, tx pgx.Tx, caseID, winningBidID string, resolvedAt time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE bids SET status = 'accepted'
		WHERE case_id = $1 AND id = $2 AND status = 'pending'
	`, caseID, winningBidID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrWinnerAlreadyMarked
		}
		return wrapPG("accept winning bid", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBidNotFound
	}

	if _, err := tx.Exec(ctx, `
		UPDATE bids SET status = 'rejected'
		WHERE case_id = $1 AND id <> $2 AND status = 'pending'
	`, caseID, winningBidID); err != nil {
		return wrapPG("reject sibling bids", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE international_cases
		SET escalation_state = 'assigned_auction',
		    winning_bid_id = $2,
		    updated_at = $3
		WHERE case_id = $1
	`, caseID, winningBidID, resolvedAt); err != nil {
		return wrapPG("mark auction resolved", err)
	}

	return nil
}

func scanBid(row pgx.Row) (Bid, error) {
	var b Bid
	return b, row.Scan(
		&b.ID,
		&b.CaseID,
		&b.PartnerID,
		&b.Amount,
		&b.FeePercent,
		&b.EstimatedDurationDays,
		&b.Status,
		&b.IdempotencyKey,
		&b.SubmittedAt,
	)
}

func wrapPG(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("auction: %s: %w", op, escalation.ErrConcurrencyConflict)
		}
	}
	return fmt.Errorf("auction: %s: %w", op, err)
}
