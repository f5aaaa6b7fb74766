package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrWalletNotFound         = errors.New("wallet not found")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrInvalidKind            = errors.New("transaction kind not allowed for this operation")
	ErrHoldNotFound           = errors.New("no hold for reference")
	ErrDuplicateHold          = errors.New("hold already exists for reference")
	ErrWalletFrozen           = errors.New("wallet frozen pending reconciliation")
	ErrReconciliationMismatch = errors.New("ledger reconciliation mismatch")
	ErrLockTimeout            = errors.New("timed out waiting for wallet lock")
	ErrInvalidOwner           = errors.New("invalid wallet owner")
	ErrCurrencyMismatch       = errors.New("currency mismatch")
)

// OwnerKind identifies what kind of party a wallet belongs to.
type OwnerKind string

const (
	OwnerRider    OwnerKind = "RIDER"
	OwnerDriver   OwnerKind = "DRIVER"
	OwnerPlatform OwnerKind = "PLATFORM"
)

// ParseOwnerKind accepts any casing.
func ParseOwnerKind(s string) (OwnerKind, error) {
	switch k := OwnerKind(strings.ToUpper(strings.TrimSpace(s))); k {
	case OwnerRider, OwnerDriver, OwnerPlatform:
		return k, nil
	}
	return "", fmt.Errorf("%w: kind %q", ErrInvalidOwner, s)
}

// WalletID is derived from (owner kind, owner id); lock ordering sorts on it.
type WalletID string

func WalletIDFor(kind OwnerKind, ownerID string) WalletID {
	return WalletID(string(kind) + ":" + ownerID)
}

// PlatformWalletFor is the commission-receiving wallet for currency. The
// platform keeps one wallet per currency and its owner id is the code.
func PlatformWalletFor(currency string) WalletID {
	return WalletIDFor(OwnerPlatform, strings.ToUpper(currency))
}

// Kind tags a transaction. The set is closed; see the switch in effects.
type Kind uint8

const (
	KindCredit Kind = iota + 1
	KindDebit
	KindHold
	KindRelease
	KindCommission
	KindPayout
	KindTip
	KindAdminAdjustment
)

var kindNames = map[Kind]string{
	KindCredit:          "CREDIT",
	KindDebit:           "DEBIT",
	KindHold:            "HOLD",
	KindRelease:         "RELEASE",
	KindCommission:      "COMMISSION",
	KindPayout:          "PAYOUT",
	KindTip:             "TIP",
	KindAdminAdjustment: "ADMIN_ADJUSTMENT",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, fmt.Errorf("unknown transaction kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	p, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = p
	return nil
}

func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(name, s) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown transaction kind %q", s)
}

// direction reports how a kind may move the balance when used through the
// generic Credit/Debit entry points. Hold and release only move the held
// amount and go through their own operations.
func (k Kind) direction() (credit, debit bool) {
	switch k {
	case KindCredit, KindCommission:
		return true, false
	case KindDebit, KindPayout:
		return false, true
	case KindTip, KindAdminAdjustment:
		return true, true
	case KindHold, KindRelease:
		return false, false
	}
	return false, false
}

// Wallet is a read projection of an account. Balance includes held funds;
// Spendable excludes them.
type Wallet struct {
	ID            WalletID  `json:"id"`
	OwnerID       string    `json:"owner_id"`
	OwnerKind     OwnerKind `json:"owner_kind"`
	Currency      string    `json:"currency,omitempty"`
	Balance       int64     `json:"balance"`
	Held          int64     `json:"held"`
	AllowNegative bool      `json:"allow_negative"`
	Frozen        bool      `json:"frozen"`
	TxCount       int64     `json:"tx_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (w Wallet) Spendable() int64 { return w.Balance - w.Held }

// Transaction is an append-only ledger record. Amount is the signed effect on
// Balance and HeldDelta the signed effect on Held, so both the balance and
// the held amount are recomputable from the log.
type Transaction struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	WalletID  WalletID  `json:"wallet_id"`
	Kind      Kind      `json:"kind"`
	Amount    int64     `json:"amount"`
	HeldDelta int64     `json:"held_delta"`
	RideID    string    `json:"ride_id,omitempty"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Settlement is the result of settling a completed ride.
type Settlement struct {
	RideID       string        `json:"ride_id"`
	Fare         int64         `json:"fare"`
	DriverShare  int64         `json:"driver_share"`
	Commission   int64         `json:"commission"`
	Rate         string        `json:"rate"`
	Transactions []Transaction `json:"transactions"`
}

// Reconciliation compares cached values with the sums of the log.
type Reconciliation struct {
	WalletID      WalletID `json:"wallet_id"`
	CachedBalance int64    `json:"cached_balance"`
	LedgerBalance int64    `json:"ledger_balance"`
	CachedHeld    int64    `json:"cached_held"`
	LedgerHeld    int64    `json:"ledger_held"`
	Transactions  int      `json:"transactions"`
	OK            bool     `json:"ok"`
}
