// Package auditstore records fault detections and recovery actions for
// postmortem queries. It is a strictly additive observability extension:
// no core kernel operation depends on it being durable, or even present.
package auditstore

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Record is one fault-detection-and-recovery audit entry.
type Record struct {
	TaskID        int
	FaultType     string
	RecoveryCount int
	At            time.Time
}

// Store is the append/query surface both backends implement.
type Store interface {
	RecordFault(taskID int, faultType string, recoveryCount int, at time.Time)
	Recent(limit int) []Record
	Close()
}

// MemoryStore is a bounded ring buffer of recent audit records, used when
// no Postgres DSN is configured.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
	cap     int
	next    int
	full    bool
}

// NewMemoryStore returns a ring buffer holding up to capacity records.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryStore{records: make([]Record, capacity), cap: capacity}
}

func (m *MemoryStore) RecordFault(taskID int, faultType string, recoveryCount int, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[m.next] = Record{TaskID: taskID, FaultType: faultType, RecoveryCount: recoveryCount, At: at}
	m.next = (m.next + 1) % m.cap
	if m.next == 0 {
		m.full = true
	}
}

func (m *MemoryStore) Recent(limit int) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.next
	if m.full {
		n = m.cap
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]Record, 0, limit)
	start := m.next - 1
	if start < 0 {
		start = m.cap - 1
	}
	for i := 0; i < limit; i++ {
		idx := start - i
		if idx < 0 {
			idx += m.cap
		}
		out = append(out, m.records[idx])
	}
	return out
}

func (m *MemoryStore) Close() {}

// PostgresStore persists audit records to a fault_recovery_log table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn with a bounded pool (at most 10
// connections, at least 1, one-hour connection lifetime) and verifies the
// connection with Ping.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) RecordFault(taskID int, faultType string, recoveryCount int, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fault_recovery_log (task_id, fault_type, recovery_count, detected_at)
		VALUES ($1, $2, $3, $4)
	`, taskID, faultType, recoveryCount, at)
	if err != nil {
		// Best-effort: the audit trail is not on the hot path and must
		// never take the fault monitor down with it.
		_ = err
	}
}

func (s *PostgresStore) Recent(limit int) []Record {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT task_id, fault_type, recovery_count, detected_at
		FROM fault_recovery_log ORDER BY detected_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.TaskID, &r.FaultType, &r.RecoveryCount, &r.At); err != nil {
			return out
		}
		out = append(out, r)
	}
	return out
}

func (s *PostgresStore) Close() { s.pool.Close() }
