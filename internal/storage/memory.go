package storage

import (
	"context"
	"sync"

	"github.com/example/ride-settlement/internal/commission"
	"github.com/example/ride-settlement/internal/ledger"
	"github.com/example/ride-settlement/internal/ride"
)

// MemoryStore keeps every write in process. It satisfies the same ports as
// PostgresStore and is used when no PG_DSN is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	rides   map[string]ride.Ride
	wallets map[ledger.WalletID]ledger.Wallet
	txs     []ledger.Transaction
	policy  *commission.Policy
	audit   []commission.AuditEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:   make(map[string]ride.Ride),
		wallets: make(map[ledger.WalletID]ledger.Wallet),
	}
}

func (m *MemoryStore) SaveRide(_ context.Context, r ride.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = r
	return nil
}

func (m *MemoryStore) Ride(id string) (ride.Ride, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	return r, ok
}

// Append stores a ledger batch.
func (m *MemoryStore) Append(_ context.Context, txs []ledger.Transaction, wallets []ledger.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs = append(m.txs, txs...)
	for _, w := range wallets {
		m.wallets[w.ID] = w
	}
	return nil
}

func (m *MemoryStore) Wallet(id ledger.WalletID) (ledger.Wallet, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[id]
	return w, ok
}

// Transactions returns the stored log for a wallet in append order.
func (m *MemoryStore) Transactions(id ledger.WalletID) []ledger.Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Transaction
	for _, tx := range m.txs {
		if tx.WalletID == id {
			out = append(out, tx)
		}
	}
	return out
}

func (m *MemoryStore) AppendCommissionAudit(_ context.Context, e commission.AuditEntry, p commission.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	m.policy = &p
	return nil
}

// LoadCommission returns the last stored policy, or nil if none was written.
func (m *MemoryStore) LoadCommission(context.Context) (*commission.Policy, []commission.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.policy == nil {
		return nil, nil, nil
	}
	p := *m.policy
	return &p, append([]commission.AuditEntry(nil), m.audit...), nil
}

func (m *MemoryStore) Close() error { return nil }
