package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"bastion.dev/internal/history"
)

// Sink is the primary destination of audit events.
type Sink interface {
	Write(ctx context.Context, ev Event) error
}

// SQLSink appends events to the audit_events table. The table rejects
// updates and deletes at the database level.
type SQLSink struct {
	db     *sql.DB
	insert string
}

func NewSQLSink(db *sql.DB, dialect history.Dialect) *SQLSink {
	return &SQLSink{
		db: db,
		insert: dialect.Rebind(`insert into audit_events(id, occurred_at, tenant_id, tenant_key, actor, event_type,
			resource_type, resource_id, outcome, request_id, detail) values (?,?,?,?,?,?,?,?,?,?,?)`),
	}
}

func (s *SQLSink) Write(ctx context.Context, ev Event) error {
	detail := []byte("{}")
	if len(ev.Detail) > 0 {
		var err error
		if detail, err = json.Marshal(ev.Detail); err != nil {
			return fmt.Errorf("encode audit detail: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, s.insert,
		ev.ID, ev.OccurredAt.UTC(), ev.TenantID, string(ev.TenantKey), ev.Actor, ev.Type,
		ev.ResourceType, ev.ResourceID, string(ev.Outcome), ev.RequestID, string(detail))
	return err
}

// MemorySink keeps events in process. Err, when set, is returned by every
// Write instead of storing the event.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Write(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, ev)
	return nil
}

// FailWith makes subsequent writes fail with err (nil restores normal operation).
func (m *MemorySink) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Events returns a copy of the stored events in append order.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// OfType returns the stored events with the given type.
func (m *MemorySink) OfType(eventType string) []Event {
	var out []Event
	for _, ev := range m.Events() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
