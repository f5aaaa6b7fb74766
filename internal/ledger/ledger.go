// Package ledger owns every wallet balance mutation. Each operation is atomic
// with respect to the wallets it touches: multi-wallet operations take the
// wallet locks in WalletID order, check every precondition before writing,
// hand the full batch to the Journal, and only then apply it in memory.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/ride-settlement/internal/money"
	"github.com/example/ride-settlement/internal/observability"
)

// Journal persists a batch of transactions together with the resulting
// wallet states. A batch is all-or-nothing; if Append fails nothing is
// applied in memory.
type Journal interface {
	Append(ctx context.Context, txs []Transaction, wallets []Wallet) error
}

type nopJournal struct{}

func (nopJournal) Append(context.Context, []Transaction, []Wallet) error { return nil }

type Options struct {
	Journal     Journal
	Logger      *slog.Logger
	LockTimeout time.Duration
	Now         func() time.Time
}

type Ledger struct {
	mu       sync.RWMutex
	accounts map[WalletID]*account

	idxMu  sync.RWMutex
	byRide map[string][]Transaction

	journal     Journal
	logger      *slog.Logger
	lockTimeout time.Duration
	now         func() time.Time
}

type account struct {
	sem   chan struct{}
	w     Wallet
	txs   []Transaction
	holds map[string]int64
}

func New(opts Options) *Ledger {
	if opts.Journal == nil {
		opts.Journal = nopJournal{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	l := &Ledger{
		accounts:    make(map[WalletID]*account),
		byRide:      make(map[string][]Transaction),
		journal:     opts.Journal,
		logger:      opts.Logger,
		lockTimeout: opts.LockTimeout,
		now:         opts.Now,
	}
	return l
}

// Open returns the wallet for (kind, owner), creating an empty one if needed.
// Only the platform wallet may go negative.
func (l *Ledger) Open(kind OwnerKind, ownerID, currency string) Wallet {
	id := WalletIDFor(kind, ownerID)
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.accounts[id]; ok {
		return a.w
	}
	now := l.now()
	a := &account{
		sem: make(chan struct{}, 1),
		w: Wallet{
			ID:            id,
			OwnerID:       ownerID,
			OwnerKind:     kind,
			Currency:      currency,
			AllowNegative: kind == OwnerPlatform,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		holds: make(map[string]int64),
	}
	l.accounts[id] = a
	return a.w
}

// Platform opens the platform wallet for currency.
func (l *Ledger) Platform(currency string) Wallet {
	c := strings.ToUpper(currency)
	return l.Open(OwnerPlatform, c, c)
}

func (l *Ledger) lookup(ids ...WalletID) ([]*account, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*account, 0, len(ids))
	for _, id := range ids {
		a, ok := l.accounts[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrWalletNotFound, id)
		}
		out = append(out, a)
	}
	return out, nil
}

// lock acquires the given wallets in WalletID order, bounded by lockTimeout.
// The returned func releases them.
func (l *Ledger) lock(ctx context.Context, ids ...WalletID) (map[WalletID]*account, func(), error) {
	sorted := append([]WalletID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	uniq := make([]WalletID, 0, len(sorted))
	for _, id := range sorted {
		if len(uniq) == 0 || uniq[len(uniq)-1] != id {
			uniq = append(uniq, id)
		}
	}
	accts, err := l.lookup(uniq...)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, l.lockTimeout)
	defer cancel()
	held := make([]*account, 0, len(accts))
	unlock := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i].sem
		}
	}
	for _, a := range accts {
		select {
		case a.sem <- struct{}{}:
			held = append(held, a)
		case <-ctx.Done():
			unlock()
			return nil, nil, fmt.Errorf("%w: %s", ErrLockTimeout, a.w.ID)
		}
	}
	m := make(map[WalletID]*account, len(accts))
	for _, a := range accts {
		m[a.w.ID] = a
	}
	return m, unlock, nil
}

// stage accumulates pending writes against one account.
type stage struct {
	a     *account
	w     Wallet
	txs   []Transaction
	holds map[string]int64
}

func newStage(a *account) *stage {
	holds := make(map[string]int64, len(a.holds))
	for k, v := range a.holds {
		holds[k] = v
	}
	return &stage{a: a, w: a.w, holds: holds}
}

func (s *stage) add(now time.Time, kind Kind, amount, heldDelta int64, rideID, note string) Transaction {
	tx := Transaction{
		ID:        uuid.NewString(),
		Seq:       int64(len(s.a.txs) + len(s.txs) + 1),
		WalletID:  s.w.ID,
		Kind:      kind,
		Amount:    amount,
		HeldDelta: heldDelta,
		RideID:    rideID,
		Note:      note,
		CreatedAt: now,
	}
	s.w.Balance += amount
	s.w.Held += heldDelta
	s.w.TxCount++
	s.w.UpdatedAt = now
	if heldDelta != 0 && rideID != "" {
		s.holds[rideID] += heldDelta
		if s.holds[rideID] == 0 {
			delete(s.holds, rideID)
		}
	}
	s.txs = append(s.txs, tx)
	return tx
}

// commit journals every staged write and then applies it. Callers hold the
// locks of every staged account.
func (l *Ledger) commit(ctx context.Context, stages ...*stage) ([]Transaction, error) {
	var txs []Transaction
	wallets := make([]Wallet, 0, len(stages))
	for _, s := range stages {
		txs = append(txs, s.txs...)
		wallets = append(wallets, s.w)
	}
	if err := l.journal.Append(ctx, txs, wallets); err != nil {
		return nil, fmt.Errorf("journal append: %w", err)
	}
	for _, s := range stages {
		s.a.w = s.w
		s.a.txs = append(s.a.txs, s.txs...)
		s.a.holds = s.holds
	}
	l.idxMu.Lock()
	for _, tx := range txs {
		if tx.RideID != "" {
			l.byRide[tx.RideID] = append(l.byRide[tx.RideID], tx)
		}
	}
	l.idxMu.Unlock()
	return txs, nil
}

func checkWritable(ws ...Wallet) error {
	for _, w := range ws {
		if w.Frozen {
			return fmt.Errorf("%w: %s", ErrWalletFrozen, w.ID)
		}
	}
	return nil
}

// pinCurrency gives currency-less wallets the operation's currency and
// rejects wallets already denominated in another one.
func pinCurrency(currency string, stages ...*stage) error {
	if currency == "" {
		return fmt.Errorf("%w: currency required", ErrCurrencyMismatch)
	}
	for _, s := range stages {
		switch s.w.Currency {
		case currency:
		case "":
			s.w.Currency = currency
		default:
			return fmt.Errorf("%w: %s is %s, operation is %s", ErrCurrencyMismatch, s.w.ID, s.w.Currency, currency)
		}
	}
	return nil
}

func (l *Ledger) single(ctx context.Context, id WalletID, fn func(s *stage) error) (Transaction, error) {
	accts, unlock, err := l.lock(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	defer unlock()
	a := accts[id]
	if err := checkWritable(a.w); err != nil {
		return Transaction{}, err
	}
	s := newStage(a)
	if err := fn(s); err != nil {
		return Transaction{}, err
	}
	txs, err := l.commit(ctx, s)
	if err != nil {
		return Transaction{}, err
	}
	return txs[0], nil
}

// Credit adds amount to the wallet.
func (l *Ledger) Credit(ctx context.Context, id WalletID, amount int64, kind Kind, rideID string) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	if credit, _ := kind.direction(); !credit {
		return Transaction{}, fmt.Errorf("%w: credit %s", ErrInvalidKind, kind)
	}
	return l.single(ctx, id, func(s *stage) error {
		s.add(l.now(), kind, amount, 0, rideID, "")
		return nil
	})
}

// Debit removes amount from the wallet's spendable balance.
func (l *Ledger) Debit(ctx context.Context, id WalletID, amount int64, kind Kind, rideID string) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	if _, debit := kind.direction(); !debit {
		return Transaction{}, fmt.Errorf("%w: debit %s", ErrInvalidKind, kind)
	}
	return l.single(ctx, id, func(s *stage) error {
		if !s.w.AllowNegative && s.w.Spendable() < amount {
			return fmt.Errorf("%w: %s spendable %d < %d", ErrInsufficientFunds, s.w.ID, s.w.Spendable(), amount)
		}
		s.add(l.now(), kind, -amount, 0, rideID, "")
		return nil
	})
}

// Hold moves amount from spendable to held, keyed by rideID. The wallet must
// be denominated in currency or not yet denominated.
func (l *Ledger) Hold(ctx context.Context, id WalletID, amount int64, currency, rideID string) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	if rideID == "" {
		return Transaction{}, fmt.Errorf("%w: hold requires a reference", ErrInvalidAmount)
	}
	return l.single(ctx, id, func(s *stage) error {
		if err := pinCurrency(currency, s); err != nil {
			return err
		}
		if _, ok := s.holds[rideID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateHold, rideID)
		}
		if s.w.Spendable() < amount {
			return fmt.Errorf("%w: %s spendable %d < %d", ErrInsufficientFunds, s.w.ID, s.w.Spendable(), amount)
		}
		s.add(l.now(), KindHold, 0, amount, rideID, "")
		return nil
	})
}

// Release moves amount of the hold for rideID back to spendable. No funds
// leave the wallet.
func (l *Ledger) Release(ctx context.Context, id WalletID, amount int64, rideID string) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	return l.single(ctx, id, func(s *stage) error {
		held, ok := s.holds[rideID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrHoldNotFound, rideID)
		}
		if amount > held {
			return fmt.Errorf("%w: release %d exceeds hold %d", ErrInvalidAmount, amount, held)
		}
		s.add(l.now(), KindRelease, 0, -amount, rideID, "")
		return nil
	})
}

// ReleaseHold releases whatever is held for rideID.
func (l *Ledger) ReleaseHold(ctx context.Context, id WalletID, rideID string) (Transaction, error) {
	return l.single(ctx, id, func(s *stage) error {
		held, ok := s.holds[rideID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrHoldNotFound, rideID)
		}
		s.add(l.now(), KindRelease, 0, -held, rideID, "")
		return nil
	})
}

// HeldFor returns the amount currently held on wallet id for rideID.
func (l *Ledger) HeldFor(ctx context.Context, id WalletID, rideID string) (int64, error) {
	accts, unlock, err := l.lock(ctx, id)
	if err != nil {
		return 0, err
	}
	defer unlock()
	return accts[id].holds[rideID], nil
}

// SettleRequest describes one ride settlement.
type SettleRequest struct {
	RideID   string
	Rider    WalletID
	Driver   WalletID
	Platform WalletID
	Currency string
	Fare     int64
	Rate     decimal.Decimal
}

// Settle releases the rider's hold for the ride, debits the rider by the
// fare, credits the driver fare*(1-rate) and the platform fare*rate. The
// commission is rounded half-up and the driver gets the remainder, so the
// three amounts always conserve the fare. Either all four transactions are
// written or none.
func (l *Ledger) Settle(ctx context.Context, req SettleRequest) (Settlement, error) {
	if req.Fare < 0 {
		return Settlement{}, ErrInvalidAmount
	}
	if req.Rider == req.Driver || req.Rider == req.Platform || req.Driver == req.Platform {
		return Settlement{}, fmt.Errorf("%w: settlement wallets must be distinct", ErrInvalidOwner)
	}
	accts, unlock, err := l.lock(ctx, req.Rider, req.Driver, req.Platform)
	if err != nil {
		return Settlement{}, err
	}
	defer unlock()
	rider, driver, platform := newStage(accts[req.Rider]), newStage(accts[req.Driver]), newStage(accts[req.Platform])
	if err := checkWritable(rider.w, driver.w, platform.w); err != nil {
		return Settlement{}, err
	}
	if err := pinCurrency(req.Currency, rider, driver, platform); err != nil {
		return Settlement{}, err
	}

	held, ok := rider.holds[req.RideID]
	if !ok {
		return Settlement{}, fmt.Errorf("%w: %s", ErrHoldNotFound, req.RideID)
	}
	if rider.w.Spendable()+held < req.Fare {
		return Settlement{}, fmt.Errorf("%w: %s cannot cover fare %d", ErrInsufficientFunds, rider.w.ID, req.Fare)
	}
	commission := money.ScaleHalfUp(req.Fare, req.Rate)
	driverShare := req.Fare - commission

	now := l.now()
	rider.add(now, KindRelease, 0, -held, req.RideID, "settlement")
	rider.add(now, KindDebit, -req.Fare, 0, req.RideID, "fare")
	driver.add(now, KindCredit, driverShare, 0, req.RideID, "fare share")
	platform.add(now, KindCommission, commission, 0, req.RideID, "commission "+req.Rate.String())

	txs, err := l.commit(ctx, rider, driver, platform)
	if err != nil {
		return Settlement{}, err
	}
	return Settlement{
		RideID:       req.RideID,
		Fare:         req.Fare,
		DriverShare:  driverShare,
		Commission:   commission,
		Rate:         req.Rate.String(),
		Transactions: txs,
	}, nil
}

// SettleExternal records a ride paid outside the wallet (card): the driver
// is credited their share and the platform its commission.
func (l *Ledger) SettleExternal(ctx context.Context, rideID string, driverID, platformID WalletID, currency string, fareAmount int64, rate decimal.Decimal) (Settlement, error) {
	if fareAmount < 0 {
		return Settlement{}, ErrInvalidAmount
	}
	accts, unlock, err := l.lock(ctx, driverID, platformID)
	if err != nil {
		return Settlement{}, err
	}
	defer unlock()
	driver, platform := newStage(accts[driverID]), newStage(accts[platformID])
	if err := checkWritable(driver.w, platform.w); err != nil {
		return Settlement{}, err
	}
	if err := pinCurrency(currency, driver, platform); err != nil {
		return Settlement{}, err
	}
	commission := money.ScaleHalfUp(fareAmount, rate)
	now := l.now()
	driver.add(now, KindCredit, fareAmount-commission, 0, rideID, "card fare share")
	platform.add(now, KindCommission, commission, 0, rideID, "commission "+rate.String())
	txs, err := l.commit(ctx, driver, platform)
	if err != nil {
		return Settlement{}, err
	}
	return Settlement{RideID: rideID, Fare: fareAmount, DriverShare: fareAmount - commission, Commission: commission, Rate: rate.String(), Transactions: txs}, nil
}

// Tip moves amount from rider to driver in full, recorded as TIP on both sides.
func (l *Ledger) Tip(ctx context.Context, rideID string, riderID, driverID WalletID, amount int64) ([]Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	accts, unlock, err := l.lock(ctx, riderID, driverID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	rider, driver := newStage(accts[riderID]), newStage(accts[driverID])
	if err := checkWritable(rider.w, driver.w); err != nil {
		return nil, err
	}
	if err := pinCurrency(rider.w.Currency, rider, driver); err != nil {
		return nil, err
	}
	if rider.w.Spendable() < amount {
		return nil, fmt.Errorf("%w: %s spendable %d < %d", ErrInsufficientFunds, rider.w.ID, rider.w.Spendable(), amount)
	}
	now := l.now()
	rider.add(now, KindTip, -amount, 0, rideID, "tip")
	driver.add(now, KindTip, amount, 0, rideID, "tip")
	return l.commit(ctx, rider, driver)
}

// Payout debits a driver wallet for transfer to an external rail.
func (l *Ledger) Payout(ctx context.Context, id WalletID, amount int64) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	return l.single(ctx, id, func(s *stage) error {
		if s.w.OwnerKind != OwnerDriver {
			return fmt.Errorf("%w: payout from %s wallet", ErrInvalidOwner, s.w.OwnerKind)
		}
		if s.w.Spendable() < amount {
			return fmt.Errorf("%w: %s spendable %d < %d", ErrInsufficientFunds, s.w.ID, s.w.Spendable(), amount)
		}
		s.add(l.now(), KindPayout, -amount, 0, "", "payout")
		return nil
	})
}

// Adjust applies a signed operator correction. Wallets without
// AllowNegative cannot be adjusted below their held amount.
func (l *Ledger) Adjust(ctx context.Context, id WalletID, amount int64, actor, note string) (Transaction, error) {
	if amount == 0 {
		return Transaction{}, ErrInvalidAmount
	}
	return l.single(ctx, id, func(s *stage) error {
		if amount < 0 && !s.w.AllowNegative && s.w.Spendable() < -amount {
			return fmt.Errorf("%w: %s spendable %d < %d", ErrInsufficientFunds, s.w.ID, s.w.Spendable(), -amount)
		}
		s.add(l.now(), KindAdminAdjustment, amount, 0, "", fmt.Sprintf("%s: %s", actor, note))
		return nil
	})
}

// Wallet returns a snapshot of the wallet.
func (l *Ledger) Wallet(ctx context.Context, id WalletID) (Wallet, error) {
	accts, unlock, err := l.lock(ctx, id)
	if err != nil {
		return Wallet{}, err
	}
	defer unlock()
	return accts[id].w, nil
}

// Transactions returns the wallet's log in append order.
func (l *Ledger) Transactions(ctx context.Context, id WalletID) ([]Transaction, error) {
	accts, unlock, err := l.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return append([]Transaction(nil), accts[id].txs...), nil
}

// RideTransactions returns every transaction referencing rideID.
func (l *Ledger) RideTransactions(rideID string) []Transaction {
	l.idxMu.RLock()
	defer l.idxMu.RUnlock()
	return append([]Transaction(nil), l.byRide[rideID]...)
}

// Reconcile recomputes balance and held from the log. A mismatch freezes the
// wallet and is reported as ErrReconciliationMismatch; the cached values are
// never corrected automatically.
func (l *Ledger) Reconcile(ctx context.Context, id WalletID) (Reconciliation, error) {
	accts, unlock, err := l.lock(ctx, id)
	if err != nil {
		return Reconciliation{}, err
	}
	defer unlock()
	a := accts[id]
	r := Reconciliation{WalletID: id, CachedBalance: a.w.Balance, CachedHeld: a.w.Held, Transactions: len(a.txs)}
	for _, tx := range a.txs {
		r.LedgerBalance += tx.Amount
		r.LedgerHeld += tx.HeldDelta
	}
	r.OK = r.LedgerBalance == r.CachedBalance && r.LedgerHeld == r.CachedHeld
	if !r.OK {
		a.w.Frozen = true
		observability.LedgerReconcileFailures.Inc()
		l.logger.Error("ledger reconciliation mismatch",
			"wallet_id", id,
			"cached_balance", r.CachedBalance,
			"ledger_balance", r.LedgerBalance,
			"cached_held", r.CachedHeld,
			"ledger_held", r.LedgerHeld,
		)
		if err := l.journal.Append(ctx, nil, []Wallet{a.w}); err != nil {
			l.logger.Error("persisting wallet freeze failed", "wallet_id", id, "err", err)
		}
		return r, fmt.Errorf("%w: %s", ErrReconciliationMismatch, id)
	}
	return r, nil
}

// Unfreeze returns a frozen wallet to service. The transaction log is the
// source of truth, so the cached balance, held amount and open holds are
// rebuilt from it before the freeze is lifted. No transaction is written.
func (l *Ledger) Unfreeze(ctx context.Context, id WalletID, actor string) (Wallet, error) {
	accts, unlock, err := l.lock(ctx, id)
	if err != nil {
		return Wallet{}, err
	}
	defer unlock()
	a := accts[id]
	if !a.w.Frozen {
		return a.w, nil
	}
	w := a.w
	w.Balance, w.Held = 0, 0
	holds := make(map[string]int64)
	for _, tx := range a.txs {
		w.Balance += tx.Amount
		w.Held += tx.HeldDelta
		if tx.HeldDelta != 0 && tx.RideID != "" {
			holds[tx.RideID] += tx.HeldDelta
			if holds[tx.RideID] == 0 {
				delete(holds, tx.RideID)
			}
		}
	}
	w.TxCount = int64(len(a.txs))
	w.Frozen = false
	w.UpdatedAt = l.now()
	if err := l.journal.Append(ctx, nil, []Wallet{w}); err != nil {
		return Wallet{}, fmt.Errorf("journal append: %w", err)
	}
	l.logger.Warn("wallet unfrozen",
		"wallet_id", id,
		"actor", actor,
		"cached_balance", a.w.Balance,
		"ledger_balance", w.Balance,
		"cached_held", a.w.Held,
		"ledger_held", w.Held,
	)
	a.w = w
	a.holds = holds
	return w, nil
}

// ReconcileAll reconciles every wallet and returns all reports; the error
// is non-nil if any wallet mismatched.
func (l *Ledger) ReconcileAll(ctx context.Context) ([]Reconciliation, error) {
	l.mu.RLock()
	ids := make([]WalletID, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	l.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Reconciliation, 0, len(ids))
	var firstErr error
	for _, id := range ids {
		r, err := l.Reconcile(ctx, id)
		out = append(out, r)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return out, firstErr
}
