/*
Package rewards provides the task-completion ledger for the points tracker.

PURPOSE:
  Administrators define tasks (one-time or daily) with a point reward, users
  complete them to earn points. This package decides whether a completion
  attempt is allowed, records it exactly once, and credits the user's balance
  in the same atomic unit.

KEY CONCEPTS IN THIS FILE (types.go):
  - Task: A catalog entry with a type, a reward and an enabled flag
  - Account: Per-user point balance
  - Completion: The (user, task, period) claim that gates eligibility
  - LedgerEntry: An immutable record of one granted delta
  - Period: The eligibility window key (sentinel for one-time, day for daily)

DESIGN PRINCIPLES:
  1. The Completion triple is the only concurrency arbiter
  2. Ledger entries are never modified; balance is always derivable from them
  3. Storage does the locking, the engine keeps no cross-request state

SEE ALSO:
  - engine.go: Completion Engine
  - store.go: Persistence contracts
  - period.go: Period resolution and the injectable clock
*/
package rewards

import (
	"fmt"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type TaskID string
type EntryID string

// =============================================================================
// TASK
// =============================================================================

type TaskType string

const (
	TaskOneTime TaskType = "ONE_TIME"
	TaskDaily   TaskType = "DAILY"
)

func (t TaskType) IsValid() bool {
	switch t {
	case TaskOneTime, TaskDaily:
		return true
	default:
		return false
	}
}

// Task is owned by the catalog. The engine only reads it.
type Task struct {
	ID      TaskID
	Title   string
	Type    TaskType
	Reward  int64
	Enabled bool
}

// Validate checks the same constraints the SQL schemas enforce.
func (t Task) Validate() error {
	if !t.Type.IsValid() {
		return fmt.Errorf("task %s: unknown type %q: %w", t.ID, t.Type, ErrInvalidTask)
	}
	if t.Reward <= 0 {
		return fmt.Errorf("task %s: reward %d must be positive: %w", t.ID, t.Reward, ErrInvalidTask)
	}
	return nil
}

// =============================================================================
// ACCOUNT
// =============================================================================

// Account holds a user's running balance.
// INVARIANT: Balance == sum(Delta) over the user's ledger entries.
type Account struct {
	ID      UserID
	Name    string
	Balance int64
}

// View projects the account into the shape returned to callers.
func (a Account) View() AccountView {
	return AccountView{ID: a.ID, Name: a.Name, Balance: a.Balance}
}

type AccountView struct {
	ID      UserID
	Name    string
	Balance int64
}

// =============================================================================
// COMPLETION - (user, task, period) claim
// =============================================================================

// Period is the eligibility window key. OneTimePeriod for one-time tasks,
// a YYYY-MM-DD date for daily tasks.
type Period string

const OneTimePeriod Period = ""

func (p Period) IsOneTime() bool { return p == OneTimePeriod }

// Completion is created once, on grant, and never updated or deleted.
type Completion struct {
	UserID    UserID
	TaskID    TaskID
	Period    Period
	CreatedAt time.Time
}

// =============================================================================
// LEDGER ENTRY - Immutable record of a granted delta
// =============================================================================

// DefaultNote is stamped on entries created by the completion path.
const DefaultNote = "Task Completed"

type LedgerEntry struct {
	ID        EntryID
	UserID    UserID
	TaskID    TaskID
	TaskTitle string // frozen at grant time
	Delta     int64
	CreatedAt time.Time
	Note      string

	// RequestKey is the caller's idempotency key or, when none was
	// supplied, a key synthesized for this request.
	RequestKey string
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

type IdempotencyRecord struct {
	Key       string
	CreatedAt time.Time
}

// =============================================================================
// ENGINE INPUT / OUTPUT
// =============================================================================

type CompleteInput struct {
	CallerID       UserID
	UserID         UserID
	TaskID         TaskID
	IdempotencyKey string // optional
}

// GrantResult is returned for a successful completion.
type GrantResult struct {
	Account AccountView
	Entry   LedgerEntry
	Period  Period
}
