package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrPoolExhausted means every credential is cooling down. Callers must
// treat this as a distinct signal: re-queue the in-flight task untouched
// and wait, never count it against the task's retry budget.
var ErrPoolExhausted = errors.New("credential pool exhausted")

// RateLimitedError is the distinguished upstream error carrying the
// retry-after hint. Handlers return it so the worker can branch with
// errors.As instead of treating it as an ordinary failure.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

const DefaultCooldown = 60 * time.Second

// Slot holds one credential. Slots mutate in place; the pool never adds
// or removes them at runtime.
type Slot struct {
	Value         string
	IsRateLimited bool
	CoolDownUntil time.Time
	UsageCount    int
}

// Pool round-robins a fixed set of credentials, quarantining ones that
// are rate-limited until their cooldown elapses.
type Pool struct {
	mu     sync.Mutex
	slots  []*Slot
	cursor int
	now    func() time.Time
}

func NewPool(values []string) *Pool {
	p := &Pool{now: time.Now}
	for _, v := range values {
		p.slots = append(p.slots, &Slot{Value: v})
	}
	return p
}

// GetNext returns the next usable credential, starting from a rotating
// cursor. A slot whose cooldown has elapsed is reactivated in place.
func (p *Pool) GetNext() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for i := 0; i < len(p.slots); i++ {
		slot := p.slots[(p.cursor+i)%len(p.slots)]
		if slot.IsRateLimited {
			if now.Before(slot.CoolDownUntil) {
				continue
			}
			slot.IsRateLimited = false
			log.Info().Str("credential", redact(slot.Value)).Msg("credential reactivated after cooldown")
		}
		p.cursor = (p.cursor + i + 1) % len(p.slots)
		slot.UsageCount++
		return slot.Value, nil
	}
	return "", ErrPoolExhausted
}

// MarkRateLimited quarantines the slot for the given duration, parsed
// from the upstream retry hint when present.
func (p *Pool) MarkRateLimited(value string, d time.Duration) {
	if d <= 0 {
		d = DefaultCooldown
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, slot := range p.slots {
		if slot.Value == value {
			slot.IsRateLimited = true
			slot.CoolDownUntil = p.now().Add(d)
			log.Warn().Str("credential", redact(value)).Dur("cooldown", d).Msg("credential rate limited")
			return
		}
	}
}

func (p *Pool) AvailableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	n := 0
	for _, slot := range p.slots {
		if !slot.IsRateLimited || !now.Before(slot.CoolDownUntil) {
			n++
		}
	}
	return n
}

func (p *Pool) IsExhausted() bool { return p.AvailableCount() == 0 }

func (p *Pool) Size() int { return len(p.slots) }

func redact(v string) string {
	if len(v) <= 6 {
		return "******"
	}
	return v[:3] + "..." + v[len(v)-3:]
}

// Gate serializes all rate-limitable calls process-wide, enforcing a
// minimum spacing between consecutive calls. Upstream free-tier quotas
// are per-minute request counts, so deterministic spacing avoids bursts
// that would cook the whole pool within seconds. It also carries the
// process-wide cooldown flag set on exhaustion.
type Gate struct {
	mu        sync.Mutex
	spacing   time.Duration
	lastCall  time.Time
	coolUntil time.Time
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error
}

const DefaultSpacing = 3 * time.Second

func NewGate(spacing time.Duration) *Gate {
	if spacing <= 0 {
		spacing = DefaultSpacing
	}
	return &Gate{spacing: spacing, now: time.Now, sleep: sleepCtx}
}

// Wait blocks until the minimum spacing since the previous call has
// elapsed, then records this call. Holding the mutex across the sleep is
// what serializes callers into a single logical queue.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if wait := g.spacing - g.now().Sub(g.lastCall); wait > 0 {
		if err := g.sleep(ctx, wait); err != nil {
			return err
		}
	}
	g.lastCall = g.now()
	return nil
}

// SetCooldown flags the whole process as rate-limited so would-be
// callers short-circuit to "enqueue and wait" instead of failing one by
// one.
func (g *Gate) SetCooldown(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	until := g.now().Add(d)
	if until.After(g.coolUntil) {
		g.coolUntil = until
	}
}

func (g *Gate) Cooling() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.now().Before(g.coolUntil)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
