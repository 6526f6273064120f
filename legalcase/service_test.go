package legalcase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"lexbridge/config"
	"lexbridge/priority"
)

func newCaseService(repo *fakeRepo) (*Service, *fakePool, *historyRecorder) {
	pool := &fakePool{}
	history := &historyRecorder{}
	cfg := config.Config{
		HighValueThreshold: 100_000,
		ExclusivityWindow:  config.Duration(24 * time.Hour),
	}
	svc := NewService(pool, repo, cfg, history, history)
	return svc, pool, history
}

func TestCreate_InvalidComplexity(t *testing.T) {
	svc, pool, _ := newCaseService(&fakeRepo{})

	_, err := svc.Create(context.Background(), CreateParams{
		Complexity:      "extreme",
		EstimatedBudget: 1000,
	})
	if err == nil {
		t.Fatalf("expected error for unknown complexity")
	}
	if pool.tx != nil {
		t.Errorf("expected no transaction for invalid input")
	}
}

func TestCreate_InvalidBudget(t *testing.T) {
	svc, _, _ := newCaseService(&fakeRepo{})

	_, err := svc.Create(context.Background(), CreateParams{
		Complexity:      priority.ComplexityLow,
		EstimatedBudget: 0,
	})
	if err == nil {
		t.Fatalf("expected error for non-positive budget")
	}
}

func TestCreate_OrdinaryCaseHasNoWindow(t *testing.T) {
	repo := &fakeRepo{}
	svc, pool, history := newCaseService(repo)

	c, err := svc.Create(context.Background(), CreateParams{
		CreatedByUserID: "user-1",
		Complexity:      priority.ComplexityLow,
		EstimatedBudget: 5_000,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if c.ExclusiveUntil != nil {
		t.Errorf("expected no exclusivity window, got %v", c.ExclusiveUntil)
	}
	if c.Status != StatusOpen {
		t.Errorf("expected open status, got %s", c.Status)
	}
	if !pool.tx.committed {
		t.Errorf("expected commit")
	}
	if !history.hasEvent("CASE_CREATED") {
		t.Errorf("expected CASE_CREATED event, got %v", history.events)
	}
	if !history.hasTopic("case.created") {
		t.Errorf("expected case.created outbox message, got %v", history.topics)
	}
}

func TestCreate_HighComplexityEarnsWindow(t *testing.T) {
	repo := &fakeRepo{}
	svc, _, _ := newCaseService(repo)
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return now })

	c, err := svc.Create(context.Background(), CreateParams{
		Complexity:      priority.ComplexityHigh,
		EstimatedBudget: 5_000,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	want := now.Add(24 * time.Hour)
	if c.ExclusiveUntil == nil || !c.ExclusiveUntil.Equal(want) {
		t.Errorf("expected window until %v, got %v", want, c.ExclusiveUntil)
	}
}

func TestCreate_BudgetBoundary(t *testing.T) {
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		budget     int64
		wantWindow bool
	}{
		{name: "at threshold stays ordinary", budget: 100_000, wantWindow: false},
		{name: "above threshold qualifies", budget: 100_001, wantWindow: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _ := newCaseService(&fakeRepo{})
			svc.WithClock(func() time.Time { return now })

			c, err := svc.Create(context.Background(), CreateParams{
				Complexity:      priority.ComplexityMedium,
				EstimatedBudget: tt.budget,
			})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if got := c.ExclusiveUntil != nil; got != tt.wantWindow {
				t.Errorf("window stamped = %t, want %t", got, tt.wantWindow)
			}
		})
	}
}

func TestStampExclusivity_ExtensionSucceeds(t *testing.T) {
	existing := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)
	repo := &fakeRepo{created: &Case{ID: "case-1", ExclusiveUntil: &existing}}
	svc, pool, history := newCaseService(repo)

	until := existing.Add(48 * time.Hour)
	c, err := svc.StampExclusivity(context.Background(), "case-1", until)
	if err != nil {
		t.Fatalf("stamp: %v", err)
	}
	if c.ExclusiveUntil == nil || !c.ExclusiveUntil.Equal(until) {
		t.Errorf("expected window until %v, got %v", until, c.ExclusiveUntil)
	}
	if !pool.tx.committed {
		t.Errorf("expected commit")
	}
	if !history.hasEvent("EXCLUSIVITY_EXTENDED") {
		t.Errorf("expected EXCLUSIVITY_EXTENDED event, got %v", history.events)
	}
}

func TestStampExclusivity_BackdatedStampRejected(t *testing.T) {
	existing := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)
	repo := &fakeRepo{created: &Case{ID: "case-1", ExclusiveUntil: &existing}}
	svc, pool, history := newCaseService(repo)

	_, err := svc.StampExclusivity(context.Background(), "case-1", existing.Add(-time.Hour))
	if !errors.Is(err, ErrExclusivityRollback) {
		t.Fatalf("expected ErrExclusivityRollback, got %v", err)
	}
	if repo.created.ExclusiveUntil == nil || !repo.created.ExclusiveUntil.Equal(existing) {
		t.Errorf("expected window unchanged at %v, got %v", existing, repo.created.ExclusiveUntil)
	}
	if pool.tx.committed {
		t.Errorf("expected no commit on rejected stamp")
	}
	if !pool.tx.rolled {
		t.Errorf("expected rollback on rejected stamp")
	}
	if len(history.events) != 0 {
		t.Errorf("expected no timeline events, got %v", history.events)
	}
}

func TestStampExclusivity_UnknownCase(t *testing.T) {
	svc, _, _ := newCaseService(&fakeRepo{})

	_, err := svc.StampExclusivity(context.Background(), "missing", time.Now().Add(time.Hour))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestList_PassesClockToRepository(t *testing.T) {
	repo := &fakeRepo{}
	svc, _, _ := newCaseService(repo)
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	svc.WithClock(func() time.Time { return now })

	if _, err := svc.List(context.Background(), Filters{}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !repo.listedAt.Equal(now) {
		t.Errorf("expected visibility evaluated at %v, got %v", now, repo.listedAt)
	}
}

type fakeRepo struct {
	created  *Case
	listedAt time.Time
}

func (f *fakeRepo) Create(ctx context.Context, tx pgx.Tx, c Case) (Case, error) {
	f.created = &c
	return c, nil
}

func (f *fakeRepo) Get(ctx context.Context, id string) (Case, error) {
	if f.created == nil || f.created.ID != id {
		return Case{}, ErrNotFound
	}
	return *f.created, nil
}

func (f *fakeRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Case, error) {
	return f.Get(ctx, id)
}

func (f *fakeRepo) List(ctx context.Context, filters Filters, now time.Time) ([]Case, int, error) {
	f.listedAt = now
	return nil, 0, nil
}

func (f *fakeRepo) StampExclusivity(ctx context.Context, tx pgx.Tx, id string, until time.Time) (Case, error) {
	if f.created == nil || f.created.ID != id {
		return Case{}, ErrNotFound
	}
	if f.created.ExclusiveUntil != nil && f.created.ExclusiveUntil.After(until) {
		return Case{}, ErrExclusivityRollback
	}
	f.created.ExclusiveUntil = &until
	return *f.created, nil
}

func (f *fakeRepo) Assign(ctx context.Context, tx pgx.Tx, id, partnerID string) (Case, error) {
	if f.created == nil {
		return Case{}, ErrNotFound
	}
	f.created.Status = StatusAssigned
	f.created.AssignedPartnerID = &partnerID
	return *f.created, nil
}

type historyRecorder struct {
	events []string
	topics []string
}

func (h *historyRecorder) Append(ctx context.Context, tx pgx.Tx, caseID string, eventType string, payload map[string]any) error {
	h.events = append(h.events, eventType)
	return nil
}

func (h *historyRecorder) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	h.topics = append(h.topics, topic)
	return nil
}

func (h *historyRecorder) hasEvent(eventType string) bool {
	for _, e := range h.events {
		if e == eventType {
			return true
		}
	}
	return false
}

func (h *historyRecorder) hasTopic(topic string) bool {
	for _, t := range h.topics {
		if t == topic {
			return true
		}
	}
	return false
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
