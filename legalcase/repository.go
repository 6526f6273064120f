package legalcase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"lexbridge/access"
)

var (
	ErrNotFound = errors.New("legalcase: not found")
	// ErrExclusivityRollback signals an attempt to move an exclusivity window
	// backward; windows only ever extend.
	ErrExclusivityRollback = errors.New("legalcase: exclusivity window cannot move backward")
)

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, c Case) (Case, error)
	Get(ctx context.Context, id string) (Case, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Case, error)
	List(ctx context.Context, filters Filters, now time.Time) ([]Case, int, error)
	StampExclusivity(ctx context.Context, tx pgx.Tx, id string, until time.Time) (Case, error)
	Assign(ctx context.Context, tx pgx.Tx, id, partnerID string) (Case, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const caseColumns = `id, created_by_user_id, complexity::text, estimated_budget, status::text, assigned_partner_id, exclusive_until, created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, c Case) (Case, error) {
	query := fmt.Sprintf(`
        INSERT INTO legal_cases (id, created_by_user_id, complexity, estimated_budget, status, exclusive_until)
        VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6)
        RETURNING %s
    `, caseColumns)

	row := tx.QueryRow(ctx, query,
		c.ID,
		c.CreatedByUserID,
		c.Complexity,
		c.EstimatedBudget,
		c.Status,
		c.ExclusiveUntil,
	)
	created, err := scanCase(row)
	if err != nil {
		return Case{}, fmt.Errorf("legalcase: create: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Case, error) {
	query := fmt.Sprintf(`SELECT %s FROM legal_cases WHERE id = $1`, caseColumns)

	c, err := scanCase(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrNotFound
		}
		return Case{}, fmt.Errorf("legalcase: get: %w", err)
	}
	return c, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Case, error) {
	query := fmt.Sprintf(`SELECT %s FROM legal_cases WHERE id = $1 FOR UPDATE`, caseColumns)

	c, err := scanCase(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrNotFound
		}
		return Case{}, fmt.Errorf("legalcase: get for update: %w", err)
	}
	return c, nil
}

// List applies the access-tier gate as a pure read-time predicate: non-top
// tiers only see cases whose window is absent or already lapsed.
func (r *PGRepository) List(ctx context.Context, filters Filters, now time.Time) ([]Case, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	base := fmt.Sprintf(`SELECT %s FROM legal_cases`, caseColumns)
	where := []string{"1=1"}
	args := []any{}

	if filters.RequesterTier != access.TopTier {
		where = append(where, fmt.Sprintf("(exclusive_until IS NULL OR exclusive_until <= $%d)", len(args)+1))
		args = append(args, now)
	}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status=$%d", len(args)+1))
		args = append(args, filters.Status)
	}
	if filters.Complexity != "" {
		where = append(where, fmt.Sprintf("complexity=$%d", len(args)+1))
		args = append(args, filters.Complexity)
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")

	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize

	query := fmt.Sprintf(`%s%s ORDER BY created_at DESC LIMIT %d OFFSET %d`, base, whereClause, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("legalcase: query list: %w", err)
	}
	defer rows.Close()

	list := []Case{}
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("legalcase: scan case: %w", err)
		}
		list = append(list, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("legalcase: iterate cases: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM legal_cases%s", whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("legalcase: count list: %w", err)
	}

	return list, total, nil
}

// StampExclusivity sets the exclusivity window. Windows are monotone: a stamp
// earlier than the stored value is rejected rather than applied.
func (r *PGRepository) StampExclusivity(ctx context.Context, tx pgx.Tx, id string, until time.Time) (Case, error) {
	query := fmt.Sprintf(`
		UPDATE legal_cases
		SET exclusive_until = $2,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		  AND (exclusive_until IS NULL OR exclusive_until <= $2)
		RETURNING %s
	`, caseColumns)

	c, err := scanCase(tx.QueryRow(ctx, query, id, until))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Either the case is unknown or the stamp would roll the window back.
			if _, getErr := r.GetForUpdate(ctx, tx, id); getErr != nil {
				return Case{}, getErr
			}
			return Case{}, ErrExclusivityRollback
		}
		return Case{}, fmt.Errorf("legalcase: stamp exclusivity: %w", err)
	}
	return c, nil
}

func (r *PGRepository) Assign(ctx context.Context, tx pgx.Tx, id, partnerID string) (Case, error) {
	query := fmt.Sprintf(`
		UPDATE legal_cases
		SET status = 'assigned',
		    assigned_partner_id = $2,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING %s
	`, caseColumns)

	c, err := scanCase(tx.QueryRow(ctx, query, id, partnerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrNotFound
		}
		return Case{}, fmt.Errorf("legalcase: assign: %w", err)
	}
	return c, nil
}

func scanCase(row pgx.Row) (Case, error) {
	var c Case
	return c, row.Scan(
		&c.ID,
		&c.CreatedByUserID,
		&c.Complexity,
		&c.EstimatedBudget,
		&c.Status,
		&c.AssignedPartnerID,
		&c.ExclusiveUntil,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
}
