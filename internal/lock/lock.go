package lock

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"relayq/internal/domain"
)

// ErrTimeout is returned by WaitForLock when ownership never arrived.
var ErrTimeout = errors.New("timed out waiting for lock")

const (
	DefaultTTL          = 5 * time.Minute
	DefaultPollInterval = 5 * time.Second
)

// Lock is a TTL-based distributed mutex over the shared store. At most
// one process instance holds a given resource at a time; a holder that
// stops renewing lapses and can be taken over.
type Lock struct {
	db       *sql.DB
	resource string
	ownerID  string
	ttl      time.Duration

	mu        sync.Mutex
	held      bool
	stopRenew chan struct{}
}

func New(db *sql.DB, resource string, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Lock{
		db:       db,
		resource: resource,
		ownerID:  "own_" + uuid.NewString(),
		ttl:      ttl,
	}
}

func (l *Lock) OwnerID() string { return l.ownerID }

// Acquire attempts to take the lock. Succeeds when no row exists, when
// this process already owns it (idempotent re-acquire, lease renewed),
// or when the current holder's lease has expired (takeover). A takeover
// is logged distinctly: it means the previous holder crashed.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	now := time.Now()
	expires := now.Add(l.ttl)

	row := l.db.QueryRowContext(ctx,
		`SELECT owner_id, expires_at FROM locks WHERE resource=?`, l.resource)
	var holder string
	var expiresMs int64
	err := row.Scan(&holder, &expiresMs)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = l.db.ExecContext(ctx, `
INSERT INTO locks(resource, owner_id, locked_at, expires_at) VALUES (?,?,?,?)
ON CONFLICT(resource) DO NOTHING`,
			l.resource, l.ownerID, now.UnixMilli(), expires.UnixMilli())
		if err != nil {
			return false, err
		}
		// the insert may have lost to a concurrent acquirer
		won, err := l.ownsRow(ctx)
		if err != nil || !won {
			return false, err
		}
		l.markHeld()
		log.Info().Str("resource", l.resource).Str("owner", l.ownerID).Msg("lock acquired")
		return true, nil

	case err != nil:
		return false, err

	case holder == l.ownerID:
		_, err = l.db.ExecContext(ctx,
			`UPDATE locks SET expires_at=? WHERE resource=? AND owner_id=?`,
			expires.UnixMilli(), l.resource, l.ownerID)
		if err != nil {
			return false, err
		}
		l.markHeld()
		return true, nil

	case time.UnixMilli(expiresMs).Before(now):
		// lease expired: conditional takeover, guarded against races by
		// matching the stale holder and expiry in the WHERE clause
		res, err := l.db.ExecContext(ctx, `
UPDATE locks SET owner_id=?, locked_at=?, expires_at=?
WHERE resource=? AND owner_id=? AND expires_at=?`,
			l.ownerID, now.UnixMilli(), expires.UnixMilli(),
			l.resource, holder, expiresMs)
		if err != nil {
			return false, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}
		l.markHeld()
		log.Warn().Str("resource", l.resource).Str("owner", l.ownerID).
			Str("previous_owner", holder).Msg("lock taken over from expired holder")
		return true, nil

	default:
		return false, nil
	}
}

func (l *Lock) ownsRow(ctx context.Context) (bool, error) {
	var holder string
	err := l.db.QueryRowContext(ctx,
		`SELECT owner_id FROM locks WHERE resource=?`, l.resource).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return holder == l.ownerID, nil
}

// markHeld starts the renewal heartbeat on first acquire. Renewal runs
// every TTL/2.5 so a live holder never lapses under normal operation.
func (l *Lock) markHeld() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return
	}
	l.held = true
	l.stopRenew = make(chan struct{})
	go l.renewLoop(l.stopRenew)
}

func (l *Lock) renewLoop(stop chan struct{}) {
	interval := time.Duration(float64(l.ttl) / 2.5)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			res, err := l.db.ExecContext(ctx,
				`UPDATE locks SET expires_at=? WHERE resource=? AND owner_id=?`,
				now.Add(l.ttl).UnixMilli(), l.resource, l.ownerID)
			cancel()
			if err != nil {
				log.Error().Err(err).Str("resource", l.resource).Msg("lock renewal failed")
				continue
			}
			if n, _ := res.RowsAffected(); n == 0 {
				// someone took the lock over; stop pretending we hold it
				log.Warn().Str("resource", l.resource).Msg("lock lost, stopping renewal")
				l.mu.Lock()
				l.held = false
				l.mu.Unlock()
				return
			}
		}
	}
}

// Release deletes the row only while still owner, so a lock already
// taken over by another process is left alone.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.held {
		close(l.stopRenew)
		l.held = false
	}
	l.mu.Unlock()
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM locks WHERE resource=? AND owner_id=?`, l.resource, l.ownerID)
	if err == nil {
		log.Info().Str("resource", l.resource).Msg("lock released")
	}
	return err
}

// WaitForLock polls Acquire until success or timeout, for callers that
// must block until ownership is available.
func (l *Lock) WaitForLock(ctx context.Context, timeout time.Duration) error {
	return l.waitForLock(ctx, timeout, DefaultPollInterval)
}

func (l *Lock) waitForLock(ctx context.Context, timeout time.Duration, poll time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := l.Acquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		t := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Current returns the live lock row for diagnostics, or nil when the
// resource is unlocked.
func (l *Lock) Current(ctx context.Context) (*domain.LockRow, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT resource, owner_id, locked_at, expires_at FROM locks WHERE resource=?`, l.resource)
	var r domain.LockRow
	var lockedMs, expiresMs int64
	if err := row.Scan(&r.Resource, &r.OwnerID, &lockedMs, &expiresMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	r.LockedAt = time.UnixMilli(lockedMs)
	r.ExpiresAt = time.UnixMilli(expiresMs)
	return &r, nil
}
