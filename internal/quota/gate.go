// Package quota tracks per-principal resource consumption and admits or
// rejects requests before expensive work begins.
//
// Each principal owns one account with its own lock, so admission for one
// principal never contends with another. Admission check and reservation
// are atomic under the account lock: two concurrent requests can never
// both be admitted when only one fits the remaining budget.
package quota

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	cleanupInterval = 5 * time.Minute
	staleThreshold  = 1 * time.Hour
)

// ErrDenied indicates admission was refused. Denials are terminal for the
// request; the gate never retries them. Check with errors.Is and surface
// the wrapped reason to the caller.
var ErrDenied = errors.New("quota denied")

// Config defines per-principal limits for one period window.
type Config struct {
	LimitTokens   int64         // token budget per period
	LimitRequests int64         // request budget per period
	Period        time.Duration // window length; consumption resets at the boundary
	RatePerSecond float64       // short-term request smoothing (token bucket refill)
	Burst         int           // token bucket burst size
}

// Usage is a point-in-time snapshot of one principal's account.
type Usage struct {
	ConsumedTokens   int64
	ReservedTokens   int64
	ConsumedRequests int64
	WindowStart      time.Time
}

// account holds one principal's consumption. All fields are guarded by mu;
// the gate map lock is never held while an account is mutated.
type account struct {
	mu               sync.Mutex
	consumedTokens   int64
	reservedTokens   int64
	consumedRequests int64
	windowStart      time.Time
	limiter          *rate.Limiter
	lastSeen         time.Time
}

// Reservation is a provisional charge against a principal's budget made
// before actual cost is known. It settles exactly once, through Commit or
// Release; later settlement calls are no-ops.
type Reservation struct {
	principalID string
	tokens      int64
	settled     atomic.Bool
}

// Tokens returns the reserved token amount.
func (r *Reservation) Tokens() int64 { return r.tokens }

// Gate is the quota admission point. Safe for concurrent use.
type Gate struct {
	cfg    Config
	logger *slog.Logger
	clock  func() time.Time

	mu          sync.Mutex // guards accounts map membership only
	accounts    map[string]*account
	lastCleanup time.Time
}

// New creates a Gate.
func New(cfg Config, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		cfg:         cfg,
		logger:      logger,
		clock:       time.Now,
		accounts:    make(map[string]*account),
		lastCleanup: time.Now(),
	}
}

// account returns (creating if needed) the principal's account. Inline
// cleanup drops accounts idle past staleThreshold; a dropped account is
// equivalent to one whose window rolled over.
func (g *Gate) account(principalID string) *account {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	if now.Sub(g.lastCleanup) > cleanupInterval {
		for id, acc := range g.accounts {
			acc.mu.Lock()
			stale := now.Sub(acc.lastSeen) > staleThreshold && acc.reservedTokens == 0
			acc.mu.Unlock()
			if stale {
				delete(g.accounts, id)
			}
		}
		g.lastCleanup = now
	}

	acc, exists := g.accounts[principalID]
	if !exists {
		// RatePerSecond <= 0 disables smoothing; the period budgets still
		// apply.
		limit := rate.Inf
		if g.cfg.RatePerSecond > 0 {
			limit = rate.Limit(g.cfg.RatePerSecond)
		}
		acc = &account{
			windowStart: now,
			limiter:     rate.NewLimiter(limit, g.cfg.Burst),
			lastSeen:    now,
		}
		g.accounts[principalID] = acc
	}
	return acc
}

// rollover resets consumption at the period boundary. Reserved tokens from
// in-flight requests carry into the new window so they still settle.
// Caller must hold acc.mu.
func (g *Gate) rollover(acc *account, now time.Time) {
	if now.Sub(acc.windowStart) >= g.cfg.Period {
		acc.consumedTokens = 0
		acc.consumedRequests = 0
		acc.windowStart = now
	}
}

// Admit checks the principal's remaining budget and atomically reserves
// estimatedTokens. On refusal it returns an error wrapping ErrDenied with
// the reason; denials are never retried by the gate.
func (g *Gate) Admit(principalID string, estimatedTokens int64) (*Reservation, error) {
	if estimatedTokens < 0 {
		return nil, fmt.Errorf("negative estimated cost %d", estimatedTokens)
	}

	acc := g.account(principalID)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	now := g.clock()
	acc.lastSeen = now
	g.rollover(acc, now)

	if !acc.limiter.AllowN(now, 1) {
		return nil, fmt.Errorf("%w: request rate exceeded for principal %q", ErrDenied, principalID)
	}
	if acc.consumedRequests+1 > g.cfg.LimitRequests {
		return nil, fmt.Errorf("%w: request budget exhausted for principal %q (%d/%d)",
			ErrDenied, principalID, acc.consumedRequests, g.cfg.LimitRequests)
	}
	if acc.consumedTokens+acc.reservedTokens+estimatedTokens > g.cfg.LimitTokens {
		return nil, fmt.Errorf("%w: token budget exhausted for principal %q (consumed %d, reserved %d, requested %d, limit %d)",
			ErrDenied, principalID, acc.consumedTokens, acc.reservedTokens, estimatedTokens, g.cfg.LimitTokens)
	}

	acc.consumedRequests++
	acc.reservedTokens += estimatedTokens

	return &Reservation{principalID: principalID, tokens: estimatedTokens}, nil
}

// Commit reconciles a reservation with the actual post-hoc cost reported
// after completion. Idempotent per reservation.
func (g *Gate) Commit(res *Reservation, actualTokens int64) {
	if res == nil || !res.settled.CompareAndSwap(false, true) {
		return
	}
	if actualTokens < 0 {
		actualTokens = 0
	}

	acc := g.account(res.principalID)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	acc.reservedTokens -= res.tokens
	acc.consumedTokens += actualTokens
	acc.lastSeen = g.clock()
}

// Release undoes an unused reservation on a failure path. Idempotent per
// reservation; consumption returns to its pre-reservation value.
func (g *Gate) Release(res *Reservation) {
	if res == nil || !res.settled.CompareAndSwap(false, true) {
		return
	}

	acc := g.account(res.principalID)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	acc.reservedTokens -= res.tokens
	acc.lastSeen = g.clock()
}

// Usage returns a snapshot of the principal's account.
func (g *Gate) Usage(principalID string) Usage {
	acc := g.account(principalID)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	g.rollover(acc, g.clock())
	return Usage{
		ConsumedTokens:   acc.consumedTokens,
		ReservedTokens:   acc.reservedTokens,
		ConsumedRequests: acc.consumedRequests,
		WindowStart:      acc.windowStart,
	}
}
