// Package historymirror implements the optional secondary PostgreSQL
// mirror: a batched-insert-with-background-flush history of cook outcomes,
// so an external dashboard can query cross-host cook history without the
// core depending on the dashboard. Uses the same mutex-guarded in-memory
// batch, background ticker flush, and pgx.Batch/"ON CONFLICT DO NOTHING"
// idempotent-replay insert shape as any batched event-sink writer.
package historymirror

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of history rows held in memory
	// before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending rows even when the batch has not reached DefaultBatchSize.
	DefaultFlushInterval = 500 * time.Millisecond
)

// Record is one completed cook attempt, mirrored for cross-host querying.
type Record struct {
	RepoName    string
	RuleName    string
	TriggerPath string
	ExecState   string
	ExitCode    int
	StderrTail  string
	CookedAt    time.Time
}

// Mirror batches Records and flushes them to PostgreSQL in the background.
type Mirror struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []Record
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, applies the
// schema, and starts the background flush goroutine.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Mirror, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("historymirror: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("historymirror: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("historymirror: apply schema: %w", err)
	}

	m := &Mirror{
		pool:          pool,
		batch:         make([]Record, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go m.flushLoop()
	return m, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS cook_history (
    id           BIGSERIAL PRIMARY KEY,
    repo_name    TEXT NOT NULL,
    rule_name    TEXT NOT NULL,
    trigger_path TEXT NOT NULL,
    exec_state   TEXT NOT NULL,
    exit_code    INTEGER NOT NULL,
    stderr_tail  TEXT NOT NULL DEFAULT '',
    cooked_at    TIMESTAMPTZ NOT NULL,
    UNIQUE (repo_name, rule_name, trigger_path, cooked_at)
);
`

// Close stops the background flush goroutine, flushes any remaining
// buffered records, and closes the connection pool. Safe to call more than
// once.
func (m *Mirror) Close(ctx context.Context) {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
		<-m.doneCh
		_ = m.Flush(ctx)
	}
	m.pool.Close()
}

func (m *Mirror) flushLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			_ = m.Flush(context.Background())
		}
	}
}

// Record enqueues rec for deferred batch insertion, flushing synchronously
// if the buffer is full.
func (m *Mirror) Record(ctx context.Context, rec Record) error {
	m.mu.Lock()
	m.batch = append(m.batch, rec)
	full := len(m.batch) >= m.batchSize
	m.mu.Unlock()

	if full {
		return m.Flush(ctx)
	}
	return nil
}

// Flush drains the current buffer and sends all rows to PostgreSQL in a
// single pgx.Batch round-trip. Conflicting rows (a duplicate cook of the
// same rule+trigger at the same instant) are silently ignored.
func (m *Mirror) Flush(ctx context.Context) error {
	m.mu.Lock()
	if len(m.batch) == 0 {
		m.mu.Unlock()
		return nil
	}
	toInsert := m.batch
	m.batch = make([]Record, 0, m.batchSize)
	m.mu.Unlock()

	const query = `
		INSERT INTO cook_history
			(repo_name, rule_name, trigger_path, exec_state, exit_code, stderr_tail, cooked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		r := &toInsert[i]
		b.Queue(query, r.RepoName, r.RuleName, r.TriggerPath, r.ExecState, r.ExitCode, r.StderrTail, r.CookedAt)
	}

	br := m.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("historymirror: batch exec: %w", err)
		}
	}
	return nil
}

// Query returns mirrored cook-history rows for repoName within
// [from, to), newest first.
func (m *Mirror) Query(ctx context.Context, repoName string, from, to time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := m.pool.Query(ctx, `
		SELECT repo_name, rule_name, trigger_path, exec_state, exit_code, stderr_tail, cooked_at
		FROM   cook_history
		WHERE  repo_name = $1 AND cooked_at >= $2 AND cooked_at < $3
		ORDER  BY cooked_at DESC
		LIMIT  $4`, repoName, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("historymirror: query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.RepoName, &r.RuleName, &r.TriggerPath, &r.ExecState, &r.ExitCode, &r.StderrTail, &r.CookedAt); err != nil {
			return nil, fmt.Errorf("historymirror: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
