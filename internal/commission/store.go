// Package commission holds the platform commission rate. The current policy
// is an immutable, version-stamped value swapped atomically; every change
// appends an audit entry. Readers never block writers.
package commission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/ride-settlement/internal/observability"
)

var (
	ErrOutOfRange   = errors.New("commission rate out of range")
	ErrInvalidActor = errors.New("actor required")
	ErrInvalidRange = errors.New("invalid commission range")
)

type Policy struct {
	Rate      decimal.Decimal `json:"rate"`
	MinRate   decimal.Decimal `json:"min_rate"`
	MaxRate   decimal.Decimal `json:"max_rate"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	UpdatedBy string          `json:"updated_by"`
}

type AuditEntry struct {
	Version   int64           `json:"version"`
	OldRate   decimal.Decimal `json:"old_rate"`
	NewRate   decimal.Decimal `json:"new_rate"`
	Actor     string          `json:"actor"`
	Timestamp time.Time       `json:"timestamp"`
}

// AuditSink persists an audit entry before the new policy becomes visible.
type AuditSink interface {
	AppendCommissionAudit(ctx context.Context, entry AuditEntry, policy Policy) error
}

type nopSink struct{}

func (nopSink) AppendCommissionAudit(context.Context, AuditEntry, Policy) error { return nil }

type Store struct {
	current atomic.Pointer[Policy]

	mu    sync.Mutex // serializes writers and guards audit
	audit []AuditEntry

	sink AuditSink
	now  func() time.Time
}

type Options struct {
	Sink AuditSink
	Now  func() time.Time
}

func NewStore(minRate, maxRate, initial decimal.Decimal, opts Options) (*Store, error) {
	if minRate.IsNegative() || maxRate.GreaterThan(decimal.NewFromInt(1)) || minRate.GreaterThan(maxRate) {
		return nil, fmt.Errorf("%w: [%s, %s]", ErrInvalidRange, minRate, maxRate)
	}
	if initial.LessThan(minRate) || initial.GreaterThan(maxRate) {
		return nil, fmt.Errorf("%w: initial %s not in [%s, %s]", ErrOutOfRange, initial, minRate, maxRate)
	}
	if opts.Sink == nil {
		opts.Sink = nopSink{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{sink: opts.Sink, now: opts.Now}
	s.current.Store(&Policy{Rate: initial, MinRate: minRate, MaxRate: maxRate, Version: 1, UpdatedAt: opts.Now(), UpdatedBy: "system"})
	observability.CommissionRate.Set(initial.InexactFloat64())
	return s, nil
}

// Current returns the policy in effect now.
func (s *Store) Current() Policy { return *s.current.Load() }

// Rate returns the rate in effect now.
func (s *Store) Rate() decimal.Decimal { return s.current.Load().Rate }

// UpdateRate replaces the current rate. It never revisits settled rides; a
// ride in flight settles at whatever rate is current when it completes.
func (s *Store) UpdateRate(ctx context.Context, newRate decimal.Decimal, actor string) (Policy, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return Policy{}, ErrInvalidActor
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.current.Load()
	if newRate.LessThan(old.MinRate) || newRate.GreaterThan(old.MaxRate) {
		return Policy{}, fmt.Errorf("%w: %s not in [%s, %s]", ErrOutOfRange, newRate, old.MinRate, old.MaxRate)
	}
	now := s.now()
	next := &Policy{Rate: newRate, MinRate: old.MinRate, MaxRate: old.MaxRate, Version: old.Version + 1, UpdatedAt: now, UpdatedBy: actor}
	entry := AuditEntry{Version: next.Version, OldRate: old.Rate, NewRate: newRate, Actor: actor, Timestamp: now}
	if err := s.sink.AppendCommissionAudit(ctx, entry, *next); err != nil {
		return Policy{}, fmt.Errorf("persist commission audit: %w", err)
	}
	s.audit = append(s.audit, entry)
	s.current.Store(next)
	observability.CommissionRate.Set(newRate.InexactFloat64())
	return *next, nil
}

// AuditLog returns every change in the order applied.
func (s *Store) AuditLog() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEntry(nil), s.audit...)
}

// Restore installs a previously persisted policy and audit trail, e.g. at
// startup. The stored range wins over the configured one.
func (s *Store) Restore(p Policy, audit []AuditEntry) error {
	if p.Rate.LessThan(p.MinRate) || p.Rate.GreaterThan(p.MaxRate) {
		return fmt.Errorf("%w: stored %s not in [%s, %s]", ErrOutOfRange, p.Rate, p.MinRate, p.MaxRate)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append([]AuditEntry(nil), audit...)
	s.current.Store(&p)
	observability.CommissionRate.Set(p.Rate.InexactFloat64())
	return nil
}
