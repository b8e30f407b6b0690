package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"relayq/internal/domain"
)

var (
	ErrEmpty            = errors.New("no tasks ready")
	ErrCapacityExceeded = errors.New("queue capacity exceeded")
)

// EnsureSchema creates tables if they don't exist. Timestamps are
// stored as unix milliseconds so ordering comparisons stay exact.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  partition_key TEXT NOT NULL,
  payload BLOB NOT NULL,
  priority INTEGER NOT NULL DEFAULT 2,
  status TEXT NOT NULL CHECK(status IN ('pending','processing','completed','failed')) DEFAULT 'pending',
  retry_count INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 3,
  owner_id TEXT NOT NULL DEFAULT '',
  error_message TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  started_at INTEGER,
  processed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, priority, created_at, id);
CREATE TABLE IF NOT EXISTS task_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id INTEGER NOT NULL,
  occurred_at INTEGER NOT NULL,
  success INTEGER NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  FOREIGN KEY(task_id) REFERENCES tasks(id)
);
CREATE INDEX IF NOT EXISTS idx_task_events_at ON task_events(occurred_at);
CREATE TABLE IF NOT EXISTS locks (
  resource TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  locked_at INTEGER NOT NULL,
  expires_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS metrics_snapshots (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  taken_at INTEGER NOT NULL,
  queue_depth INTEGER NOT NULL,
  active_workers INTEGER NOT NULL,
  processed INTEGER NOT NULL,
  avg_processing_ms REAL NOT NULL,
  errors INTEGER NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

type Config struct {
	Capacity      int           // pending-task ceiling enforced at enqueue
	ClaimRetries  int           // re-selections after a lost claim race
	MaxRetries    int           // default per-task retry budget
	StoreRetries  uint64        // transient store-error retries
	StoreInterval time.Duration // initial backoff interval for store retries
}

func DefaultConfig() Config {
	return Config{
		Capacity:      1000,
		ClaimRetries:  3,
		MaxRetries:    3,
		StoreRetries:  3,
		StoreInterval: 50 * time.Millisecond,
	}
}

// Queue is a durable, priority-ordered, at-least-once work queue over
// SQLite. Cross-worker coordination is expressed as conditional writes
// against the store, never as in-process locks.
type Queue struct {
	db  *sql.DB
	cfg Config
}

func New(db *sql.DB, cfg Config) *Queue {
	if cfg.Capacity == 0 {
		cfg.Capacity = 1000
	}
	if cfg.ClaimRetries == 0 {
		cfg.ClaimRetries = 3
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.StoreRetries == 0 {
		cfg.StoreRetries = 3
	}
	if cfg.StoreInterval == 0 {
		cfg.StoreInterval = 50 * time.Millisecond
	}
	return &Queue{db: db, cfg: cfg}
}

// withRetry wraps a store operation in bounded exponential backoff.
// Sentinel results must be marked backoff.Permanent by the operation.
func (q *Queue) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = q.cfg.StoreInterval
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, q.cfg.StoreRetries), ctx))
}

func (q *Queue) Enqueue(ctx context.Context, partitionKey string, payload []string, priority domain.Priority) (int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	var id int64
	err = q.withRetry(ctx, func() error {
		var pending int
		if err := q.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM tasks WHERE status='pending'`).Scan(&pending); err != nil {
			return err
		}
		if pending >= q.cfg.Capacity {
			return backoff.Permanent(ErrCapacityExceeded)
		}
		res, err := q.db.ExecContext(ctx, `
INSERT INTO tasks (partition_key, payload, priority, status, max_retries, created_at)
VALUES (?, ?, ?, 'pending', ?, ?)`,
			partitionKey, raw, int(priority), q.cfg.MaxRetries, time.Now().UnixMilli())
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// Dequeue claims the single pending task with the lowest priority value,
// oldest first. The claim is a conditional update that only succeeds if
// the row is still pending; a lost race triggers a bounded re-selection.
func (q *Queue) Dequeue(ctx context.Context, workerID string, now time.Time) (domain.Task, error) {
	for attempt := 0; attempt <= q.cfg.ClaimRetries; attempt++ {
		var t domain.Task
		err := q.withRetry(ctx, func() error {
			row := q.db.QueryRowContext(ctx, `
SELECT id, partition_key, payload, priority, status, retry_count, max_retries, owner_id, error_message, created_at
FROM tasks
WHERE status='pending'
ORDER BY priority ASC, created_at ASC, id ASC
LIMIT 1`)
			var raw []byte
			var prio int
			var createdMs int64
			if err := row.Scan(&t.ID, &t.PartitionKey, &raw, &prio, &t.Status,
				&t.RetryCount, &t.MaxRetries, &t.OwnerID, &t.ErrorMessage, &createdMs); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return backoff.Permanent(ErrEmpty)
				}
				return err
			}
			t.Priority = domain.Priority(prio)
			t.CreatedAt = time.UnixMilli(createdMs)
			return json.Unmarshal(raw, &t.Payload)
		})
		if err != nil {
			return domain.Task{}, err
		}

		var claimed bool
		err = q.withRetry(ctx, func() error {
			res, err := q.db.ExecContext(ctx, `
UPDATE tasks SET status='processing', owner_id=?, started_at=?
WHERE id=? AND status='pending'`, workerID, now.UnixMilli(), t.ID)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			claimed = n == 1
			return err
		})
		if err != nil {
			return domain.Task{}, err
		}
		if claimed {
			t.Status = domain.StatusProcessing
			t.OwnerID = workerID
			started := now
			t.StartedAt = &started
			return t, nil
		}
		// another caller won the race; select again
	}
	return domain.Task{}, ErrEmpty
}

// MarkCompleted is idempotent and never regresses a terminal row.
func (q *Queue) MarkCompleted(ctx context.Context, id int64, now time.Time) error {
	return q.withRetry(ctx, func() error {
		res, err := q.db.ExecContext(ctx, `
UPDATE tasks SET status='completed', owner_id='', processed_at=?
WHERE id=? AND status='processing'`, now.UnixMilli(), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			_, err = q.db.ExecContext(ctx,
				`INSERT INTO task_events(task_id, occurred_at, success) VALUES (?,?,1)`,
				id, now.UnixMilli())
		}
		return err
	})
}

// MarkFailed routes an execution failure. Under the retry budget the
// task re-enters the pending set immediately; inter-task backoff is the
// controller's job, not the queue's. Returns whether the task was retried.
func (q *Queue) MarkFailed(ctx context.Context, id int64, reason string, now time.Time) (bool, error) {
	var retried bool
	err := q.withRetry(ctx, func() error {
		res, err := q.db.ExecContext(ctx, `
UPDATE tasks SET status='pending', owner_id='', retry_count=retry_count+1, error_message=?
WHERE id=? AND status='processing' AND retry_count < max_retries`, reason, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			retried = true
		} else {
			res, err = q.db.ExecContext(ctx, `
UPDATE tasks SET status='failed', owner_id='', error_message=?, processed_at=?
WHERE id=? AND status='processing'`, reason, now.UnixMilli(), id)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return nil // not processing; nothing to record
			}
		}
		_, err = q.db.ExecContext(ctx,
			`INSERT INTO task_events(task_id, occurred_at, success, error) VALUES (?,?,0,?)`,
			id, now.UnixMilli(), reason)
		return err
	})
	return retried, err
}

// Requeue restores a claimed task to pending without touching its retry
// count. Used when the failure was a rate limit, which must not burn
// the task's retry budget.
func (q *Queue) Requeue(ctx context.Context, id int64) error {
	return q.withRetry(ctx, func() error {
		_, err := q.db.ExecContext(ctx, `
UPDATE tasks SET status='pending', owner_id='', started_at=NULL
WHERE id=? AND status='processing'`, id)
		return err
	})
}

func (q *Queue) Get(ctx context.Context, id int64) (domain.Task, error) {
	var t domain.Task
	err := q.withRetry(ctx, func() error {
		row := q.db.QueryRowContext(ctx, `
SELECT id, partition_key, payload, priority, status, retry_count, max_retries, owner_id, error_message, created_at, started_at, processed_at
FROM tasks WHERE id=?`, id)
		var raw []byte
		var prio int
		var createdMs int64
		var startedMs, processedMs sql.NullInt64
		if err := row.Scan(&t.ID, &t.PartitionKey, &raw, &prio, &t.Status,
			&t.RetryCount, &t.MaxRetries, &t.OwnerID, &t.ErrorMessage,
			&createdMs, &startedMs, &processedMs); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return backoff.Permanent(err)
			}
			return err
		}
		t.Priority = domain.Priority(prio)
		t.CreatedAt = time.UnixMilli(createdMs)
		if startedMs.Valid {
			ts := time.UnixMilli(startedMs.Int64)
			t.StartedAt = &ts
		}
		if processedMs.Valid {
			ts := time.UnixMilli(processedMs.Int64)
			t.ProcessedAt = &ts
		}
		return json.Unmarshal(raw, &t.Payload)
	})
	return t, err
}

func (q *Queue) Stats(ctx context.Context, now time.Time) (domain.QueueStats, error) {
	s := domain.QueueStats{PendingByPriority: map[domain.Priority]int{}}
	dayAgo := now.Add(-24 * time.Hour).UnixMilli()
	err := q.withRetry(ctx, func() error {
		if err := q.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM tasks WHERE status='pending'`).Scan(&s.QueueDepth); err != nil {
			return err
		}
		if err := q.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM tasks WHERE status='processing'`).Scan(&s.ActiveWorkers); err != nil {
			return err
		}
		if err := q.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(AVG(processed_at - started_at), 0)
FROM tasks WHERE status='completed' AND processed_at >= ?`, dayAgo).
			Scan(&s.ProcessedLast24h, &s.AvgProcessingTimeMs); err != nil {
			return err
		}
		if err := q.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM task_events WHERE success=0 AND occurred_at >= ?`, dayAgo).
			Scan(&s.ErrorCountLast24h); err != nil {
			return err
		}
		rows, err := q.db.QueryContext(ctx,
			`SELECT priority, COUNT(*) FROM tasks WHERE status='pending' GROUP BY priority`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var prio, n int
			if err := rows.Scan(&prio, &n); err != nil {
				return err
			}
			s.PendingByPriority[domain.Priority(prio)] = n
		}
		return rows.Err()
	})
	return s, err
}

// RestoreStuck resets tasks left processing past the timeout (crashed
// worker) back to pending, clearing their owner. Runs at startup and on
// a maintenance schedule.
func (q *Queue) RestoreStuck(ctx context.Context, olderThan time.Duration, now time.Time) (int, error) {
	var n int64
	err := q.withRetry(ctx, func() error {
		res, err := q.db.ExecContext(ctx, `
UPDATE tasks SET status='pending', owner_id='', started_at=NULL
WHERE status='processing' AND started_at < ?`, now.Add(-olderThan).UnixMilli())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

// Cleanup deletes terminal tasks past the retention window and prunes
// event rows older than the 24h stats horizon.
func (q *Queue) Cleanup(ctx context.Context, retention time.Duration, now time.Time) (int, error) {
	var n int64
	err := q.withRetry(ctx, func() error {
		res, err := q.db.ExecContext(ctx, `
DELETE FROM tasks WHERE status IN ('completed','failed') AND processed_at < ?`,
			now.Add(-retention).UnixMilli())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		if err != nil {
			return err
		}
		_, err = q.db.ExecContext(ctx,
			`DELETE FROM task_events WHERE occurred_at < ?`, now.Add(-25*time.Hour).UnixMilli())
		return err
	})
	return int(n), err
}

// SnapshotMetrics writes one observability row; written on a fixed
// interval, independent of live control decisions.
func (q *Queue) SnapshotMetrics(ctx context.Context, s domain.QueueStats, now time.Time) error {
	return q.withRetry(ctx, func() error {
		_, err := q.db.ExecContext(ctx, `
INSERT INTO metrics_snapshots(taken_at, queue_depth, active_workers, processed, avg_processing_ms, errors)
VALUES (?,?,?,?,?,?)`,
			now.UnixMilli(), s.QueueDepth, s.ActiveWorkers, s.ProcessedLast24h, s.AvgProcessingTimeMs, s.ErrorCountLast24h)
		return err
	})
}
