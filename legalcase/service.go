package legalcase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"lexbridge/config"
	"lexbridge/priority"
)

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

type Service struct {
	pool        TxBeginner
	repo        Repository
	cfg         config.Config
	timeline    TimelineWriter
	outbox      OutboxWriter
	idGenerator func() string
	now         func() time.Time
}

type CreateParams struct {
	CreatedByUserID string
	Complexity      priority.Complexity
	EstimatedBudget int64
}

type ListResult struct {
	Items []Case
	Total int
}

func NewService(pool TxBeginner, repo Repository, cfg config.Config, timeline TimelineWriter, outbox OutboxWriter) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
		cfg:         cfg,
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

// Create inserts a case and runs the priority classifier over it, stamping an
// exclusivity window when the case qualifies. One transaction end to end.
func (s *Service) Create(ctx context.Context, params CreateParams) (Case, error) {
	if !params.Complexity.Valid() {
		return Case{}, fmt.Errorf("legalcase: invalid complexity %q", params.Complexity)
	}
	if params.EstimatedBudget <= 0 {
		return Case{}, fmt.Errorf("legalcase: invalid estimated budget")
	}

	now := s.now()
	exclusiveUntil := priority.Classify(params.Complexity, params.EstimatedBudget, now, s.cfg)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Case{}, fmt.Errorf("legalcase: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c := Case{
		ID:              s.idGenerator(),
		Complexity:      params.Complexity,
		EstimatedBudget: params.EstimatedBudget,
		Status:          StatusOpen,
		ExclusiveUntil:  exclusiveUntil,
	}
	if params.CreatedByUserID != "" {
		c.CreatedByUserID = &params.CreatedByUserID
	}

	created, err := s.repo.Create(ctx, tx, c)
	if err != nil {
		return Case{}, err
	}

	if s.timeline != nil {
		payload := map[string]any{
			"case_id":    created.ID,
			"complexity": created.Complexity,
			"budget":     created.EstimatedBudget,
		}
		if created.ExclusiveUntil != nil {
			payload["exclusive_until"] = created.ExclusiveUntil.UTC()
		}
		if err := s.timeline.Append(ctx, tx, created.ID, "CASE_CREATED", payload); err != nil {
			return Case{}, fmt.Errorf("legalcase: append timeline: %w", err)
		}
	}
	if s.outbox != nil {
		payload := map[string]any{
			"case_id": created.ID,
			"status":  created.Status,
		}
		if err := s.outbox.Enqueue(ctx, tx, "case.created", payload); err != nil {
			return Case{}, fmt.Errorf("legalcase: enqueue outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Case{}, fmt.Errorf("legalcase: commit tx: %w", err)
	}

	return created, nil
}

// StampExclusivity moves a case's exclusivity window to until, for operators
// extending a reservation after a re-estimate. Windows are monotone: a stamp
// that would shorten the stored window fails with ErrExclusivityRollback.
func (s *Service) StampExclusivity(ctx context.Context, id string, until time.Time) (Case, error) {
	if id == "" {
		return Case{}, fmt.Errorf("legalcase: stamp missing case id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Case{}, fmt.Errorf("legalcase: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.repo.StampExclusivity(ctx, tx, id, until)
	if err != nil {
		return Case{}, err
	}

	if s.timeline != nil {
		payload := map[string]any{
			"case_id":         c.ID,
			"exclusive_until": until.UTC(),
		}
		if err := s.timeline.Append(ctx, tx, c.ID, "EXCLUSIVITY_EXTENDED", payload); err != nil {
			return Case{}, fmt.Errorf("legalcase: append timeline: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Case{}, fmt.Errorf("legalcase: commit tx: %w", err)
	}
	return c, nil
}

func (s *Service) Get(ctx context.Context, id string) (Case, error) {
	return s.repo.Get(ctx, id)
}

// List returns the cases visible to the requester's tier at this moment.
func (s *Service) List(ctx context.Context, filters Filters) (ListResult, error) {
	items, total, err := s.repo.List(ctx, filters, s.now())
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}
