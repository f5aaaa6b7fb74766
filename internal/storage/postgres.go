package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/example/ride-settlement/internal/commission"
	"github.com/example/ride-settlement/internal/ledger"
	"github.com/example/ride-settlement/internal/ride"
)

//go:embed migrations/001_init.sql
var initSQL string

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate creates the schema if it does not exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, initSQL)
	return err
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// SaveRide upserts the ride. A stale version never overwrites a newer one.
func (p *PostgresStore) SaveRide(ctx context.Context, r ride.Ride) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	var driver sql.NullString
	if r.DriverID != nil {
		driver = sql.NullString{String: *r.DriverID, Valid: true}
	}
	var final sql.NullInt64
	if r.FinalFare != nil {
		final = sql.NullInt64{Int64: *r.FinalFare, Valid: true}
	}
	_, err = p.db.ExecContext(ctx, `
INSERT INTO rides(id, rider_id, driver_id, status, mode, estimate, final_fare, currency, version, document, created_at, updated_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (id) DO UPDATE SET
    driver_id=EXCLUDED.driver_id, status=EXCLUDED.status, final_fare=EXCLUDED.final_fare,
    version=EXCLUDED.version, document=EXCLUDED.document, updated_at=EXCLUDED.updated_at
WHERE rides.version < EXCLUDED.version`,
		r.ID, r.RiderID, driver, string(r.Status), string(r.Mode), r.Estimate.Total, final, r.Currency(), r.Version, doc, r.RequestedAt, time.Now())
	return err
}

// Ride loads a ride document by id.
func (p *PostgresStore) Ride(ctx context.Context, id string) (ride.Ride, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx, `SELECT document FROM rides WHERE id=$1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return ride.Ride{}, fmt.Errorf("%w: %s", ride.ErrRideNotFound, id)
	}
	if err != nil {
		return ride.Ride{}, err
	}
	var r ride.Ride
	return r, json.Unmarshal(doc, &r)
}

// Append writes a ledger batch and the resulting wallet rows in one
// database transaction.
func (p *PostgresStore) Append(ctx context.Context, txs []ledger.Transaction, wallets []ledger.Wallet) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, w := range wallets {
		if _, err = tx.ExecContext(ctx, `
INSERT INTO wallets(owner_id, owner_kind, id, currency, balance, held, allow_negative, frozen, tx_count, created_at, updated_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (owner_id, owner_kind) DO UPDATE SET
    currency=EXCLUDED.currency, balance=EXCLUDED.balance, held=EXCLUDED.held,
    frozen=EXCLUDED.frozen, tx_count=EXCLUDED.tx_count, updated_at=EXCLUDED.updated_at`,
			w.OwnerID, string(w.OwnerKind), string(w.ID), w.Currency, w.Balance, w.Held, w.AllowNegative, w.Frozen, w.TxCount, w.CreatedAt, w.UpdatedAt); err != nil {
			return fmt.Errorf("upsert wallet %s: %w", w.ID, err)
		}
	}
	for _, t := range txs {
		var rideID sql.NullString
		if t.RideID != "" {
			rideID = sql.NullString{String: t.RideID, Valid: true}
		}
		if _, err = tx.ExecContext(ctx, `
INSERT INTO transactions(id, seq, wallet_id, kind, amount, held_delta, ride_id, note, created_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			t.ID, t.Seq, string(t.WalletID), t.Kind.String(), t.Amount, t.HeldDelta, rideID, t.Note, t.CreatedAt); err != nil {
			return fmt.Errorf("insert transaction %s: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

// Transactions returns the stored log for a wallet ordered by sequence.
func (p *PostgresStore) Transactions(ctx context.Context, id ledger.WalletID) ([]ledger.Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
SELECT id, seq, wallet_id, kind, amount, held_delta, COALESCE(ride_id, ''), note, created_at
FROM transactions WHERE wallet_id=$1 ORDER BY seq`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.Transaction
	for rows.Next() {
		var (
			t        ledger.Transaction
			walletID string
			kind     string
		)
		if err := rows.Scan(&t.ID, &t.Seq, &walletID, &kind, &t.Amount, &t.HeldDelta, &t.RideID, &t.Note, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.WalletID = ledger.WalletID(walletID)
		if t.Kind, err = ledger.ParseKind(kind); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AppendCommissionAudit records the audit entry and the new singleton
// policy row atomically.
func (p *PostgresStore) AppendCommissionAudit(ctx context.Context, e commission.AuditEntry, pol commission.Policy) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `INSERT INTO commission_audit(version, old_rate, new_rate, actor, created_at) VALUES($1,$2,$3,$4,$5)`,
		e.Version, e.OldRate.String(), e.NewRate.String(), e.Actor, e.Timestamp); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `
INSERT INTO commission_policy(singleton, rate, min_rate, max_rate, version, updated_at, updated_by)
VALUES(TRUE,$1,$2,$3,$4,$5,$6)
ON CONFLICT (singleton) DO UPDATE SET
    rate=EXCLUDED.rate, min_rate=EXCLUDED.min_rate, max_rate=EXCLUDED.max_rate,
    version=EXCLUDED.version, updated_at=EXCLUDED.updated_at, updated_by=EXCLUDED.updated_by`,
		pol.Rate.String(), pol.MinRate.String(), pol.MaxRate.String(), pol.Version, pol.UpdatedAt, pol.UpdatedBy); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadCommission returns the stored policy and audit trail, or a nil policy
// if none was ever written.
func (p *PostgresStore) LoadCommission(ctx context.Context) (*commission.Policy, []commission.AuditEntry, error) {
	var (
		pol                    commission.Policy
		rate, minRate, maxRate string
	)
	err := p.db.QueryRowContext(ctx, `SELECT rate, min_rate, max_rate, version, updated_at, updated_by FROM commission_policy WHERE singleton`).
		Scan(&rate, &minRate, &maxRate, &pol.Version, &pol.UpdatedAt, &pol.UpdatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if pol.Rate, err = decimal.NewFromString(rate); err != nil {
		return nil, nil, err
	}
	if pol.MinRate, err = decimal.NewFromString(minRate); err != nil {
		return nil, nil, err
	}
	if pol.MaxRate, err = decimal.NewFromString(maxRate); err != nil {
		return nil, nil, err
	}

	rows, err := p.db.QueryContext(ctx, `SELECT version, old_rate, new_rate, actor, created_at FROM commission_audit ORDER BY version`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var audit []commission.AuditEntry
	for rows.Next() {
		var (
			e       commission.AuditEntry
			old, nw string
		)
		if err := rows.Scan(&e.Version, &old, &nw, &e.Actor, &e.Timestamp); err != nil {
			return nil, nil, err
		}
		e.OldRate, _ = decimal.NewFromString(old)
		e.NewRate, _ = decimal.NewFromString(nw)
		audit = append(audit, e)
	}
	return &pol, audit, rows.Err()
}
