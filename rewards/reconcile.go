/*
reconcile.go - Balance reconciliation against the ledger

PURPOSE:
  The ledger is the source of truth for balances. A balance that no longer
  equals the sum of the user's ledger deltas (manual edit, a store without
  real transactions, a crash between writes) is detected here and, when
  asked, corrected by applying the difference to the account.

  Repair never writes ledger entries and never touches the completion set.

SEE ALSO:
  - api/scheduler.go: Periodic reconciliation runs
*/
package rewards

import (
	"context"
	"fmt"
	"log/slog"
)

// ReconcileStore is what the reconciler needs from storage.
type ReconcileStore interface {
	TxStore
	AccountLister
}

// Drift compares a stored balance with its ledger.
type Drift struct {
	UserID    UserID
	Balance   int64 // stored balance before any repair
	LedgerSum int64
	Repaired  bool
}

// Delta is the correction that brings Balance to LedgerSum.
func (d Drift) Delta() int64 { return d.LedgerSum - d.Balance }

func (d Drift) InSync() bool { return d.Balance == d.LedgerSum }

type Reconciler struct {
	Store  ReconcileStore
	Logger *slog.Logger
}

func NewReconciler(store ReconcileStore, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{Store: store, Logger: logger}
}

// Check reports the drift for one user without changing anything.
func (r *Reconciler) Check(ctx context.Context, userID UserID) (Drift, error) {
	return measure(ctx, r.Store, userID)
}

// Repair corrects the balance of one user if it drifted.
func (r *Reconciler) Repair(ctx context.Context, userID UserID) (Drift, error) {
	var drift Drift
	err := r.Store.WithTx(ctx, func(s Store) error {
		d, err := measure(ctx, s, userID)
		if err != nil {
			return err
		}
		drift = d
		if d.InSync() {
			return nil
		}
		if _, err := s.ApplyDelta(ctx, userID, d.Delta()); err != nil {
			return fmt.Errorf("apply correction: %w", err)
		}
		drift.Repaired = true
		return nil
	})
	if err != nil {
		return Drift{}, err
	}
	if drift.Repaired {
		r.Logger.Warn("balance repaired from ledger",
			"user_id", userID,
			"balance", drift.Balance,
			"ledger_sum", drift.LedgerSum,
			"delta", drift.Delta(),
		)
	}
	return drift, nil
}

// RunAll checks every account and repairs the ones that drifted when
// repair is true. Only drifted accounts are returned.
func (r *Reconciler) RunAll(ctx context.Context, repair bool) ([]Drift, error) {
	accounts, err := r.Store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	var drifted []Drift
	for _, a := range accounts {
		if err := ctx.Err(); err != nil {
			return drifted, err
		}
		var d Drift
		if repair {
			d, err = r.Repair(ctx, a.ID)
		} else {
			d, err = r.Check(ctx, a.ID)
		}
		if err != nil {
			return drifted, fmt.Errorf("reconcile %s: %w", a.ID, err)
		}
		if !d.InSync() {
			drifted = append(drifted, d)
		}
	}
	return drifted, nil
}

func measure(ctx context.Context, s Store, userID UserID) (Drift, error) {
	account, err := s.GetAccount(ctx, userID)
	if err != nil {
		return Drift{}, fmt.Errorf("load account: %w", err)
	}
	if account == nil {
		return Drift{}, fmt.Errorf("%s: %w", userID, ErrAccountNotFound)
	}
	entries, err := s.ListByUser(ctx, userID)
	if err != nil {
		return Drift{}, fmt.Errorf("list ledger entries: %w", err)
	}
	return Drift{UserID: userID, Balance: account.Balance, LedgerSum: SumDeltas(entries)}, nil
}

// SumDeltas totals the deltas of entries.
func SumDeltas(entries []LedgerEntry) int64 {
	var sum int64
	for _, e := range entries {
		sum += e.Delta
	}
	return sum
}
