package notify

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// MemorySink keeps intents in process memory.
type MemorySink struct {
	mu      sync.RWMutex
	intents []Intent
	byID    map[string]int
}

func NewMemorySink() *MemorySink {
	return &MemorySink{byID: make(map[string]int)}
}

func (m *MemorySink) Deliver(_ context.Context, in Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[in.ID]; ok {
		return nil
	}
	m.byID[in.ID] = len(m.intents)
	m.intents = append(m.intents, in)
	return nil
}

// List returns the recipient's intents, newest first. limit <= 0 means all.
func (m *MemorySink) List(_ context.Context, recipient string, limit int) ([]Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Intent
	for i := len(m.intents) - 1; i >= 0; i-- {
		if strings.EqualFold(m.intents[i].Recipient, recipient) {
			out = append(out, m.intents[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemorySink) MarkRead(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.byID[id]
	if !ok {
		return false, nil
	}
	m.intents[idx].Read = true
	return true, nil
}

// MultiSink delivers to every sink and joins their errors.
type MultiSink []Sink

func (ms MultiSink) Deliver(ctx context.Context, in Intent) error {
	var errs []error
	for _, s := range ms {
		if s == nil {
			continue
		}
		if err := s.Deliver(ctx, in); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes each intent to a logger.
type LogSink struct {
	Log logrus.FieldLogger
}

func (l LogSink) Deliver(_ context.Context, in Intent) error {
	l.Log.WithFields(logrus.Fields{
		"id":        in.ID,
		"escrow_id": in.EscrowID,
		"kind":      in.Kind,
		"recipient": in.Recipient,
		"severity":  in.Severity,
	}).Info(in.Message)
	return nil
}

// PostgresSink persists intents in a PostgreSQL table.
type PostgresSink struct {
	pool *pgxpool.Pool
}

const createNotificationsSQL = `
CREATE TABLE IF NOT EXISTS notification_intents (
    id UUID PRIMARY KEY,
    escrow_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    recipient TEXT NOT NULL,
    sender TEXT NOT NULL DEFAULT '',
    message TEXT NOT NULL,
    severity TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    read BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS notification_intents_recipient_idx
    ON notification_intents (lower(recipient), created_at DESC);
`

// NewPostgresSink connects using dsn and ensures the table exists.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	sink, err := NewPostgresSinkFromPool(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return sink, nil
}

// NewPostgresSinkFromPool reuses an existing pool.
func NewPostgresSinkFromPool(ctx context.Context, pool *pgxpool.Pool) (*PostgresSink, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, createNotificationsSQL); err != nil {
		return nil, err
	}
	return &PostgresSink{pool: pool}, nil
}

func (p *PostgresSink) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *PostgresSink) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresSink) Deliver(ctx context.Context, in Intent) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO notification_intents (id, escrow_id, kind, recipient, sender, message, severity, created_at, read)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO NOTHING
`, in.ID, in.EscrowID, string(in.Kind), in.Recipient, in.Sender, in.Message, string(in.Severity), in.CreatedAt, in.Read)
	return err
}

func (p *PostgresSink) List(ctx context.Context, recipient string, limit int) ([]Intent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
SELECT id::text, escrow_id, kind, recipient, sender, message, severity, created_at, read
FROM notification_intents
WHERE lower(recipient) = lower($1)
ORDER BY created_at DESC
LIMIT $2
`, recipient, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Intent
	for rows.Next() {
		var in Intent
		var kind, severity string
		if err := rows.Scan(&in.ID, &in.EscrowID, &kind, &in.Recipient, &in.Sender, &in.Message, &severity, &in.CreatedAt, &in.Read); err != nil {
			return nil, err
		}
		in.Kind, in.Severity = Kind(kind), Severity(severity)
		out = append(out, in)
	}
	return out, rows.Err()
}

func (p *PostgresSink) MarkRead(ctx context.Context, id string) (bool, error) {
	tag, err := p.pool.Exec(ctx, `UPDATE notification_intents SET read = TRUE WHERE id::text = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
