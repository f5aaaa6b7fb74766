package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/example/ride-settlement/internal/ledger"
	"github.com/example/ride-settlement/internal/models"
)

type topUpBody struct {
	Amount   int64  `json:"amount" validate:"gt=0"`
	Currency string `json:"currency" validate:"omitempty,len=3"`
}

type adjustBody struct {
	Amount int64  `json:"amount" validate:"ne=0"`
	Note   string `json:"note" validate:"required,max=256"`
}

// walletID resolves the {kind}/{owner} path. Riders and drivers may only
// address their own wallet; operators may address any.
func walletID(r *http.Request) (ledger.OwnerKind, string, error) {
	vars := mux.Vars(r)
	kind, err := ledger.ParseOwnerKind(vars["kind"])
	if err != nil {
		return "", "", err
	}
	owner := strings.TrimSpace(vars["owner"])
	if owner == "" {
		return "", "", fmt.Errorf("%w: owner required", ledger.ErrInvalidOwner)
	}
	a := actorFromContext(r.Context())
	switch a.Role {
	case models.RoleAdmin, models.RoleSystem:
		return kind, owner, nil
	case models.RoleRider:
		if kind == ledger.OwnerRider && owner == a.ID {
			return kind, owner, nil
		}
	case models.RoleDriver:
		if kind == ledger.OwnerDriver && owner == a.ID {
			return kind, owner, nil
		}
	}
	return "", "", errForbidden
}

func requireOperator(r *http.Request) error {
	switch actorFromContext(r.Context()).Role {
	case models.RoleAdmin, models.RoleSystem:
		return nil
	}
	return fmt.Errorf("%w: operator role required", errForbidden)
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	kind, owner, err := walletID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	wl, err := s.ledger.Wallet(r.Context(), ledger.WalletIDFor(kind, owner))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, wl)
}

func (s *Server) handleWalletTransactions(w http.ResponseWriter, r *http.Request) {
	kind, owner, err := walletID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	txs, err := s.ledger.Transactions(r.Context(), ledger.WalletIDFor(kind, owner))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, txs)
}

// handleTopUp credits funds collected by an external rail, opening the
// wallet on first use. Only the payments side may call it.
func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request) {
	if err := requireOperator(r); err != nil {
		s.fail(w, r, err)
		return
	}
	kind, owner, err := walletID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if kind == ledger.OwnerPlatform {
		s.fail(w, r, fmt.Errorf("%w: platform wallet cannot be topped up", ledger.ErrInvalidOwner))
		return
	}
	var body topUpBody
	if err := s.decode(r, &body, false); err != nil {
		s.fail(w, r, err)
		return
	}
	currency := strings.ToUpper(body.Currency)
	wl := s.ledger.Open(kind, owner, currency)
	if currency != "" && wl.Currency != "" && wl.Currency != currency {
		s.fail(w, r, fmt.Errorf("%w: wallet is %s", ledger.ErrCurrencyMismatch, wl.Currency))
		return
	}
	tx, err := s.ledger.Credit(r.Context(), wl.ID, body.Amount, ledger.KindCredit, "")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, tx)
}

func (s *Server) handlePayout(w http.ResponseWriter, r *http.Request) {
	kind, owner, err := walletID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var body amountBody
	if err := s.decode(r, &body, false); err != nil {
		s.fail(w, r, err)
		return
	}
	tx, err := s.ledger.Payout(r.Context(), ledger.WalletIDFor(kind, owner), body.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, tx)
}

func (s *Server) handleAdjust(w http.ResponseWriter, r *http.Request) {
	if err := requireOperator(r); err != nil {
		s.fail(w, r, err)
		return
	}
	kind, owner, err := walletID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var body adjustBody
	if err := s.decode(r, &body, false); err != nil {
		s.fail(w, r, err)
		return
	}
	actor := actorFromContext(r.Context())
	tx, err := s.ledger.Adjust(r.Context(), ledger.WalletIDFor(kind, owner), body.Amount, actor.ID, body.Note)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("wallet adjusted", "wallet_id", tx.WalletID, "amount", body.Amount, "actor", actor.ID)
	respondWithJSON(w, http.StatusCreated, tx)
}

// handleReconcile reports the wallet's reconciliation. A mismatch has already
// frozen the wallet and is reported with 409 and the full report.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if err := requireOperator(r); err != nil {
		s.fail(w, r, err)
		return
	}
	kind, owner, err := walletID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.ledger.Reconcile(r.Context(), ledger.WalletIDFor(kind, owner))
	if errors.Is(err, ledger.ErrReconciliationMismatch) {
		respondWithJSON(w, http.StatusConflict, rec)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rec)
}

// handleUnfreeze lifts a reconciliation freeze once an operator has looked
// at the mismatch. Cached totals are rebuilt from the transaction log.
func (s *Server) handleUnfreeze(w http.ResponseWriter, r *http.Request) {
	if err := requireOperator(r); err != nil {
		s.fail(w, r, err)
		return
	}
	kind, owner, err := walletID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	actor := actorFromContext(r.Context())
	wl, err := s.ledger.Unfreeze(r.Context(), ledger.WalletIDFor(kind, owner), actor.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, wl)
}

func (s *Server) handleReconcileAll(w http.ResponseWriter, r *http.Request) {
	if err := requireOperator(r); err != nil {
		s.fail(w, r, err)
		return
	}
	recs, err := s.ledger.ReconcileAll(r.Context())
	if err != nil && !errors.Is(err, ledger.ErrReconciliationMismatch) {
		s.fail(w, r, err)
		return
	}
	code := http.StatusOK
	if err != nil {
		code = http.StatusConflict
	}
	respondWithJSON(w, code, recs)
}
