package partner

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested partner firm does not exist.
var ErrNotFound = errors.New("partner: not found")

// Repository provides read access to partner firms.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const firmColumns = `id, name, jurisdictions, specialties, success_rate, cases_handled, preferred, created_at`

// GetByID fetches a partner firm by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Firm, error) {
	query := fmt.Sprintf(`SELECT %s FROM partner_firms WHERE id = $1`, firmColumns)

	firm, err := scanFirm(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Firm{}, ErrNotFound
		}
		return Firm{}, fmt.Errorf("partner: query by id: %w", err)
	}
	return firm, nil
}

// PreferredFor returns the preferred partner serving at least one of the
// given jurisdictions, best track record first.
func (r *Repository) PreferredFor(ctx context.Context, jurisdictions []string) (Firm, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM partner_firms
		WHERE preferred AND jurisdictions && $1
		ORDER BY success_rate DESC, cases_handled DESC
		LIMIT 1
	`, firmColumns)

	firm, err := scanFirm(r.pool.QueryRow(ctx, query, jurisdictions))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Firm{}, ErrNotFound
		}
		return Firm{}, fmt.Errorf("partner: query preferred: %w", err)
	}
	return firm, nil
}

// PanelFor returns up to size firms serving the given jurisdictions, ranked by
// track record. excludeID removes the preferred partner that already declined.
func (r *Repository) PanelFor(ctx context.Context, jurisdictions []string, excludeID string, size int) ([]Firm, error) {
	if size <= 0 {
		return nil, fmt.Errorf("partner: invalid panel size %d", size)
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM partner_firms
		WHERE jurisdictions && $1
		  AND (NULLIF($2, '') IS NULL OR id <> NULLIF($2, '')::uuid)
		ORDER BY success_rate DESC, cases_handled DESC
		LIMIT $3
	`, firmColumns)

	rows, err := r.pool.Query(ctx, query, jurisdictions, excludeID, size)
	if err != nil {
		return nil, fmt.Errorf("partner: query panel: %w", err)
	}
	defer rows.Close()

	firms := make([]Firm, 0, size)
	for rows.Next() {
		firm, err := scanFirm(rows)
		if err != nil {
			return nil, fmt.Errorf("partner: scan firm: %w", err)
		}
		firms = append(firms, firm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("partner: iterate firms: %w", err)
	}
	return firms, nil
}

func scanFirm(row pgx.Row) (Firm, error) {
	var f Firm
	return f, row.Scan(
		&f.ID,
		&f.Name,
		&f.Jurisdictions,
		&f.Specialties,
		&f.SuccessRate,
		&f.CasesHandled,
		&f.Preferred,
		&f.CreatedAt,
	)
}
