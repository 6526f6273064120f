package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrCaseNotFound signals the case id has no international case record.
	ErrCaseNotFound = errors.New("escalation: international case not found")
	// ErrAlreadyPromoted signals a second promotion attempt for the same case.
	ErrAlreadyPromoted = errors.New("escalation: case already promoted")
	// ErrPanelResponseNotFound signals no pending panel offer exists for the
	// partner on this case.
	ErrPanelResponseNotFound = errors.New("escalation: no pending panel offer for partner")
	// ErrConcurrencyConflict signals transient lock or serialization
	// contention; callers retry with backoff.
	ErrConcurrencyConflict = errors.New("escalation: concurrency conflict")
)

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, rec InternationalCase) (InternationalCase, error)
	Get(ctx context.Context, caseID string) (InternationalCase, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, caseID string) (InternationalCase, error)
	UpdateState(ctx context.Context, tx pgx.Tx, caseID string, state State) (InternationalCase, error)
	SetPreferredOffer(ctx context.Context, tx pgx.Tx, caseID, partnerID string) (InternationalCase, error)
	SetPreferredResponse(ctx context.Context, tx pgx.Tx, caseID string, response Response, at time.Time) (InternationalCase, error)
	CreatePanelOffers(ctx context.Context, tx pgx.Tx, caseID string, partnerIDs []string) error
	RecordPanelResponse(ctx context.Context, tx pgx.Tx, caseID, partnerID string, response Response, at time.Time) (PanelResponse, error)
	ListPanelResponses(ctx context.Context, tx pgx.Tx, caseID string) ([]PanelResponse, error)
	PanelResponses(ctx context.Context, caseID string) ([]PanelResponse, error)
	OpenAuction(ctx context.Context, tx pgx.Tx, caseID string, startedAt, endsAt time.Time) (InternationalCase, error)
	ListExpiredAuctions(ctx context.Context, now time.Time, limit int) ([]InternationalCase, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const intlColumns = `case_id, funding_amount, minimum_amount, jurisdictions, escalation_state::text,
	preferred_partner_id, preferred_response::text, preferred_responded_at,
	auction_started_at, auction_ends_at, winning_bid_id, created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, rec InternationalCase) (InternationalCase, error) {
	query := fmt.Sprintf(`
		INSERT INTO international_cases (case_id, funding_amount, minimum_amount, jurisdictions, escalation_state)
		VALUES ($1, $2, $3, $4, $5::escalation_state)
		RETURNING %s
	`, intlColumns)

	created, err := scanIntl(tx.QueryRow(ctx, query,
		rec.CaseID,
		rec.FundingAmount,
		rec.MinimumAmount,
		rec.Jurisdictions,
		rec.EscalationState,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return InternationalCase{}, ErrAlreadyPromoted
		}
		return InternationalCase{}, wrapPG("create", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, caseID string) (InternationalCase, error) {
	query := fmt.Sprintf(`SELECT %s FROM international_cases WHERE case_id = $1`, intlColumns)

	rec, err := scanIntl(r.pool.QueryRow(ctx, query, caseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return InternationalCase{}, ErrCaseNotFound
		}
		return InternationalCase{}, wrapPG("get", err)
	}
	return rec, nil
}

// GetForUpdate locks the international case row for the duration of the
// transaction. Every mutating operation funnels through this lock, which is
// what serializes concurrent responses and bids on the same case.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, caseID string) (InternationalCase, error) {
	query := fmt.Sprintf(`SELECT %s FROM international_cases WHERE case_id = $1 FOR UPDATE`, intlColumns)

	rec, err := scanIntl(tx.QueryRow(ctx, query, caseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return InternationalCase{}, ErrCaseNotFound
		}
		return InternationalCase{}, wrapPG("get for update", err)
	}
	return rec, nil
}

func (r *PGRepository) UpdateState(ctx context.Context, tx pgx.Tx, caseID string, state State) (InternationalCase, error) {
	query := fmt.Sprintf(`
		UPDATE international_cases
		SET escalation_state = $2::escalation_state,
		    updated_at = get_tx_timestamp()
		WHERE case_id = $1
		RETURNING %s
	`, intlColumns)

	rec, err := scanIntl(tx.QueryRow(ctx, query, caseID, state))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return InternationalCase{}, ErrCaseNotFound
		}
		return InternationalCase{}, wrapPG("update state", err)
	}
	return rec, nil
}

func (r *PGRepository) SetPreferredOffer(ctx context.Context, tx pgx.Tx, caseID, partnerID string) (InternationalCase, error) {
	query := fmt.Sprintf(`
		UPDATE international_cases
		SET preferred_partner_id = $2,
		    preferred_response = 'pending',
		    preferred_responded_at = NULL,
		    updated_at = get_tx_timestamp()
		WHERE case_id = $1
		RETURNING %s
	`, intlColumns)

	rec, err := scanIntl(tx.QueryRow(ctx, query, caseID, partnerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return InternationalCase{}, ErrCaseNotFound
		}
		return InternationalCase{}, wrapPG("set preferred offer", err)
	}
	return rec, nil
}

func (r *PGRepository) SetPreferredResponse(ctx context.Context, tx pgx.Tx, caseID string, response Response, at time.Time) (InternationalCase, error) {
	query := fmt.Sprintf(`
		UPDATE international_cases
		SET preferred_response = $2::partner_response,
		    preferred_responded_at = $3,
		    updated_at = get_tx_timestamp()
		WHERE case_id = $1
		RETURNING %s
	`, intlColumns)

	rec, err := scanIntl(tx.QueryRow(ctx, query, caseID, response, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return InternationalCase{}, ErrCaseNotFound
		}
		return InternationalCase{}, wrapPG("set preferred response", err)
	}
	return rec, nil
}

func (r *PGRepository) CreatePanelOffers(ctx context.Context, tx pgx.Tx, caseID string, partnerIDs []string) error {
	for _, partnerID := range partnerIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO panel_responses (case_id, partner_id)
			VALUES ($1, $2)
		`, caseID, partnerID); err != nil {
			return wrapPG("create panel offer", err)
		}
	}
	return nil
}

// RecordPanelResponse resolves one member's pending offer. The WHERE clause
// only matches pending rows, so a repeated or unsolicited response never
// overwrites an earlier answer.
func (r *PGRepository) RecordPanelResponse(ctx context.Context, tx pgx.Tx, caseID, partnerID string, response Response, at time.Time) (PanelResponse, error) {
	const query = `
		UPDATE panel_responses
		SET response = $3::partner_response,
		    responded_at = $4
		WHERE case_id = $1 AND partner_id = $2 AND response = 'pending'
		RETURNING id, case_id, partner_id, response::text, responded_at, created_at
	`

	var pr PanelResponse
	err := tx.QueryRow(ctx, query, caseID, partnerID, response, at).Scan(
		&pr.ID, &pr.CaseID, &pr.PartnerID, &pr.Response, &pr.RespondedAt, &pr.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PanelResponse{}, ErrPanelResponseNotFound
		}
		return PanelResponse{}, wrapPG("record panel response", err)
	}
	return pr, nil
}

func (r *PGRepository) ListPanelResponses(ctx context.Context, tx pgx.Tx, caseID string) ([]PanelResponse, error) {
	rows, err := tx.Query(ctx, panelListSQL, caseID)
	if err != nil {
		return nil, wrapPG("list panel responses", err)
	}
	return collectPanel(rows)
}

func (r *PGRepository) PanelResponses(ctx context.Context, caseID string) ([]PanelResponse, error) {
	rows, err := r.pool.Query(ctx, panelListSQL, caseID)
	if err != nil {
		return nil, wrapPG("list panel responses", err)
	}
	return collectPanel(rows)
}

const panelListSQL = `
	SELECT id, case_id, partner_id, response::text, responded_at, created_at
	FROM panel_responses
	WHERE case_id = $1
	ORDER BY created_at ASC, id ASC
`

func collectPanel(rows pgx.Rows) ([]PanelResponse, error) {
	defer rows.Close()

	out := make([]PanelResponse, 0, 8)
	for rows.Next() {
		var pr PanelResponse
		if err := rows.Scan(&pr.ID, &pr.CaseID, &pr.PartnerID, &pr.Response, &pr.RespondedAt, &pr.CreatedAt); err != nil {
			return nil, wrapPG("scan panel response", err)
		}
		out = append(out, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPG("iterate panel responses", err)
	}
	return out, nil
}

func (r *PGRepository) OpenAuction(ctx context.Context, tx pgx.Tx, caseID string, startedAt, endsAt time.Time) (InternationalCase, error) {
	query := fmt.Sprintf(`
		UPDATE international_cases
		SET escalation_state = 'in_auction',
		    auction_started_at = $2,
		    auction_ends_at = $3,
		    updated_at = get_tx_timestamp()
		WHERE case_id = $1
		RETURNING %s
	`, intlColumns)

	rec, err := scanIntl(tx.QueryRow(ctx, query, caseID, startedAt, endsAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return InternationalCase{}, ErrCaseNotFound
		}
		return InternationalCase{}, wrapPG("open auction", err)
	}
	return rec, nil
}

// ListExpiredAuctions surfaces in-auction cases whose window has lapsed
// without a winner. Liveness aid for an operator queue; transitions themselves
// are evaluated lazily at operation time.
func (r *PGRepository) ListExpiredAuctions(ctx context.Context, now time.Time, limit int) ([]InternationalCase, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM international_cases
		WHERE escalation_state = 'in_auction' AND auction_ends_at < $1
		ORDER BY auction_ends_at ASC
		LIMIT $2
	`, intlColumns)

	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, wrapPG("list expired auctions", err)
	}
	defer rows.Close()

	out := make([]InternationalCase, 0, limit)
	for rows.Next() {
		rec, err := scanIntl(rows)
		if err != nil {
			return nil, wrapPG("scan expired auction", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPG("iterate expired auctions", err)
	}
	return out, nil
}

func scanIntl(row pgx.Row) (InternationalCase, error) {
	var rec InternationalCase
	return rec, row.Scan(
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
}

// wrapPG wraps repository errors, surfacing lock and serialization failures
// as the retryable conflict sentinel.
func wrapPG(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("escalation: %s: %w", op, ErrConcurrencyConflict)
		}
	}
	return fmt.Errorf("escalation: %s: %w", op, err)
}
