/*
engine.go - Completion Engine

PURPOSE:
  Answers "grant or reject?" for a (caller, user, task) request and, on
  grant, performs the state transition as one atomic unit.

CONTROL FLOW:
  1. Validate input, caller must be the target user
  2. Idempotency pre-check (read only, no side effects)
  3. Load account, load task, reject disabled or malformed tasks
  4. Resolve the period (sentinel or today's date)
  5. WithTx:
       claim idempotency key (if supplied)
       claim (user, task, period)       <- sole race arbiter
       append ledger entry
       increment balance, re-read it
  6. Lost claim: roll back, re-read the balance, reject with it

CONSISTENCY STRATEGY:
  Every write of a grant happens inside a single store transaction, so a
  failure at any step leaves neither a claim nor a credit behind. The
  idempotency key is claimed in the same transaction, which means a failed
  grant releases its key and the client may retry with it.

STATE MACHINE (per user, task, period):
  Unclaimed -> Claimed. One-way, triggered only by a successful claim.
*/
package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// errClaimLost marks a rolled-back transaction whose completion claim was
// already taken.
var errClaimLost = errors.New("completion already claimed")

// Engine orchestrates the catalog, account store, completion set, ledger
// and idempotency guard. It is safe for concurrent use; it keeps no state
// between calls.
type Engine struct {
	Store   TxStore
	Periods *PeriodResolver
	Logger  *slog.Logger

	// NewRequestKey synthesizes a key when the caller supplies none.
	NewRequestKey func() string
}

// NewEngine creates an engine over store. A nil resolver means the system
// clock in UTC.
func NewEngine(store TxStore, periods *PeriodResolver, logger *slog.Logger) *Engine {
	if periods == nil {
		periods = &PeriodResolver{Clock: SystemClock()}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Store:         store,
		Periods:       periods,
		Logger:        logger,
		NewRequestKey: uuid.NewString,
	}
}

// Complete grants task to the user exactly once per period.
// On failure the error is always a *Rejection.
func (e *Engine) Complete(ctx context.Context, in CompleteInput) (*GrantResult, error) {
	in.CallerID = UserID(strings.TrimSpace(string(in.CallerID)))
	in.UserID = UserID(strings.TrimSpace(string(in.UserID)))
	in.TaskID = TaskID(strings.TrimSpace(string(in.TaskID)))
	key := strings.TrimSpace(in.IdempotencyKey)

	if in.UserID == "" || in.TaskID == "" {
		return nil, reject(CodeValidation, "userId and taskId are required")
	}
	if in.CallerID != in.UserID {
		return nil, reject(CodeUnauthorized, "You can only complete tasks for yourself")
	}

	if key != "" {
		seen, err := e.Store.KeyExists(ctx, key)
		if err != nil {
			return nil, e.internal(in, "check idempotency key", err)
		}
		if seen {
			return nil, reject(CodeIdempotencyReplay, "Request already processed")
		}
	}

	account, err := e.Store.GetAccount(ctx, in.UserID)
	if err != nil {
		return nil, e.internal(in, "load account", err)
	}
	if account == nil {
		return nil, reject(CodeNotFound, "User not found")
	}

	task, err := e.Store.GetTask(ctx, in.TaskID)
	if err != nil {
		return nil, e.internal(in, "load task", err)
	}
	if task == nil {
		return nil, reject(CodeNotFound, "Task not found")
	}
	if !task.Enabled {
		return nil, reject(CodeTaskDisabled, "This task is currently disabled")
	}
	// A malformed catalog row is a server fault, not a user error.
	if err := task.Validate(); err != nil {
		return nil, e.internal(in, "check task", err)
	}

	period := e.Periods.Resolve(task.Type)
	now := e.Periods.Now().UTC()

	requestKey := key
	if requestKey == "" {
		requestKey = e.newRequestKey()
	}

	var result *GrantResult
	err = e.Store.WithTx(ctx, func(s Store) error {
		if key != "" {
			claimed, err := s.ClaimKey(ctx, key)
			if err != nil {
				return fmt.Errorf("claim idempotency key: %w", err)
			}
			if !claimed {
				return reject(CodeIdempotencyReplay, "Request already processed")
			}
		}

		claimed, err := s.ClaimIfAbsent(ctx, Completion{
			UserID:    in.UserID,
			TaskID:    in.TaskID,
			Period:    period,
			CreatedAt: now,
		})
		if err != nil {
			return fmt.Errorf("claim completion: %w", err)
		}
		if !claimed {
			return errClaimLost
		}

		entry, err := s.Append(ctx, LedgerEntry{
			UserID:     in.UserID,
			TaskID:     in.TaskID,
			TaskTitle:  task.Title,
			Delta:      task.Reward,
			CreatedAt:  now,
			Note:       DefaultNote,
			RequestKey: requestKey,
		})
		if err != nil {
			return fmt.Errorf("append ledger entry: %w", err)
		}

		if _, err := s.ApplyDelta(ctx, in.UserID, task.Reward); err != nil {
			return fmt.Errorf("apply delta: %w", err)
		}

		// Re-read rather than trusting the increment's return value.
		current, err := s.GetAccount(ctx, in.UserID)
		if err != nil {
			return fmt.Errorf("reload account: %w", err)
		}
		if current == nil {
			return fmt.Errorf("reload account: %w", ErrAccountNotFound)
		}

		result = &GrantResult{Account: current.View(), Entry: entry, Period: period}
		return nil
	})

	if err != nil {
		var rej *Rejection
		if errors.As(err, &rej) {
			return nil, rej
		}
		if errors.Is(err, errClaimLost) {
			return nil, alreadyDone(period, e.currentView(ctx, *account))
		}
		return nil, e.internal(in, "grant", err)
	}

	e.Logger.Info("task completion granted",
		"user_id", in.UserID,
		"task_id", in.TaskID,
		"period", string(period),
		"delta", task.Reward,
		"balance", result.Account.Balance,
		"entry_id", result.Entry.ID,
	)
	return result, nil
}

// History is a user's account with its ledger entries (newest first) and
// completion claims.
type History struct {
	Account     Account
	Entries     []LedgerEntry
	Completions []Completion
}

// History loads the audit view for userID.
func (e *Engine) History(ctx context.Context, userID UserID) (*History, error) {
	account, err := e.Store.GetAccount(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if account == nil {
		return nil, reject(CodeNotFound, "User not found")
	}
	entries, err := e.Store.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	completions, err := e.Store.ListCompletions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list completions: %w", err)
	}
	return &History{Account: *account, Entries: entries, Completions: completions}, nil
}

// currentView re-reads the balance after a lost race. The balance captured
// before the race may be stale, so it is only used if the re-read fails.
func (e *Engine) currentView(ctx context.Context, before Account) *AccountView {
	current, err := e.Store.GetAccount(ctx, before.ID)
	if err != nil || current == nil {
		e.Logger.Warn("reload account after lost claim", "user_id", before.ID, "error", err)
		v := before.View()
		return &v
	}
	v := current.View()
	return &v
}

func (e *Engine) newRequestKey() string {
	if e.NewRequestKey != nil {
		return e.NewRequestKey()
	}
	return uuid.NewString()
}

// internal logs the storage detail and returns an UNKNOWN_ERROR rejection
// that carries none of it.
func (e *Engine) internal(in CompleteInput, op string, err error) *Rejection {
	e.Logger.Error("task completion failed",
		"op", op,
		"user_id", in.UserID,
		"task_id", in.TaskID,
		"error", err,
	)
	return reject(CodeUnknown, "Failed to complete task")
}
