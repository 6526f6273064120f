package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Event captures an immutable business event for a case.
type Event struct {
	ID        int64
	CaseID    string
	Type      string
	Payload   []byte
	ActorID   *string
	CreatedAt time.Time
}

// Writer appends events inside the caller's transaction so history and state
// commit or roll back together.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

// Append inserts a timeline event. The payload is marshalled to JSONB.
func (w *Writer) Append(ctx context.Context, tx pgx.Tx, caseID, eventType string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("timeline: marshal payload: %w", err)
	}

	const q = `INSERT INTO timeline_events (case_id, type, payload) VALUES ($1, $2, $3::jsonb)`
	if _, err := tx.Exec(ctx, q, caseID, eventType, body); err != nil {
		return fmt.Errorf("timeline: insert event: %w", err)
	}
	return nil
}

// ListForCase returns a case's events oldest first.
func ListForCase(ctx context.Context, pool *pgxpool.Pool, caseID string) ([]Event, error) {
	const q = `
		SELECT id, case_id, type, payload, actor_id, created_at
		FROM timeline_events
		WHERE case_id = $1
		ORDER BY id ASC
	`
	rows, err := pool.Query(ctx, q, caseID)
	if err != nil {
		return nil, fmt.Errorf("timeline: list events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, 8)
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.CaseID, &e.Type, &e.Payload, &e.ActorID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("timeline: scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("timeline: iterate events: %w", err)
	}
	return events, nil
}
