/*
store.go - Persistence contracts for the completion ledger

PURPOSE:
  Defines the interface between the completion engine and the database.
  All exclusivity lives here: the engine holds no locks of its own, so every
  check-and-set must be a single indivisible storage operation (unique
  constraint, ON CONFLICT DO NOTHING, or equivalent).

KEY INTERFACES:
  TaskCatalog:      Read-only task lookup
  AccountStore:     Balance read and atomic increment
  CompletionSet:    Insert-if-absent on (user, task, period)
  PointLedger:      Append-only entry log
  IdempotencyGuard: Insert-if-absent on request keys
  TxStore:          All of the above inside one all-or-nothing unit

APPEND-ONLY CONTRACT:
  Neither CompletionSet nor PointLedger exposes Update or Delete.

IMPLEMENTATIONS:
  - rewards/store/memory.go: In-memory for tests and dev
  - store/sqlite/sqlite.go:  SQLite
  - store/postgres:          PostgreSQL via pgx
*/
package rewards

import "context"

// TaskCatalog returns nil, nil for an unknown task.
type TaskCatalog interface {
	GetTask(ctx context.Context, id TaskID) (*Task, error)
	ListTasks(ctx context.Context) ([]Task, error)
}

// AccountStore returns nil, nil for an unknown account.
type AccountStore interface {
	GetAccount(ctx context.Context, id UserID) (*Account, error)

	// ApplyDelta atomically adds delta to the balance and returns the new
	// balance. Returns ErrAccountNotFound if the account does not exist.
	ApplyDelta(ctx context.Context, id UserID, delta int64) (int64, error)
}

// AccountLister enumerates accounts (reconciliation).
type AccountLister interface {
	ListAccounts(ctx context.Context) ([]Account, error)
}

// CompletionSet holds the uniqueness invariant: at most one Completion per
// (UserID, TaskID, Period) ever exists.
type CompletionSet interface {
	// ClaimIfAbsent inserts c unless the triple already exists.
	// Exactly one of N concurrent callers on the same triple sees true.
	ClaimIfAbsent(ctx context.Context, c Completion) (bool, error)

	ListCompletions(ctx context.Context, userID UserID) ([]Completion, error)
}

// PointLedger is the append-only audit trail.
type PointLedger interface {
	// Append stores e, assigning ID and CreatedAt when they are empty.
	Append(ctx context.Context, e LedgerEntry) (LedgerEntry, error)

	// ListByUser returns the user's entries, newest first.
	ListByUser(ctx context.Context, userID UserID) ([]LedgerEntry, error)
}

// IdempotencyGuard claims request keys at most once.
type IdempotencyGuard interface {
	ClaimKey(ctx context.Context, key string) (bool, error)
	KeyExists(ctx context.Context, key string) (bool, error)
}

// Store is everything the engine reads and writes.
type Store interface {
	TaskCatalog
	AccountStore
	CompletionSet
	PointLedger
	IdempotencyGuard
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the Store passed to fn
	// is rolled back. If fn returns nil, they are committed together.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Seeder is the external initialization path. Accounts always start at 0.
type Seeder interface {
	SaveAccount(ctx context.Context, a Account) error
	SaveTask(ctx context.Context, t Task) error
}
