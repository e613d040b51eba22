/*
Package sqlite provides a SQLite-backed implementation of the rewards
storage contracts.

INTERFACES IMPLEMENTED:
  rewards.TxStore:       Catalog, accounts, completions, ledger, idempotency
  rewards.AccountLister: Account enumeration for reconciliation
  rewards.Seeder:        External initialization path

KEY TABLES:
  accounts:         One row per user, running balance
  tasks:            Task catalog
  completions:      PRIMARY KEY (user_id, task_id, period) - the race arbiter
  ledger_entries:   Append-only point deltas
  idempotency_keys: PRIMARY KEY (key)

CLAIMS:
  Both claims are a single INSERT ... ON CONFLICT DO NOTHING. The row count
  tells the caller whether it won. There is no read-then-write anywhere on
  the grant path.

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE statements exist for completions or ledger_entries.

CONCURRENCY:
  Writers are serialized with sync.RWMutex and a single connection, the
  same discipline SQLite applies to its own write lock.

USAGE:
  store, err := sqlite.New("./data/rewards.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := rewards.NewEngine(store, periods, logger)
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/reward-ledger/rewards"
)

// Store implements the rewards storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_busy_timeout=5000"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: keeps ":memory:" a single database and matches
	// SQLite's single-writer model.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		type TEXT NOT NULL CHECK (type IN ('ONE_TIME', 'DAILY')),
		reward INTEGER NOT NULL CHECK (reward > 0),
		enabled INTEGER NOT NULL DEFAULT 1
	);

	-- CRITICAL: at most one completion per (user, task, period), ever.
	-- period is '' for one-time tasks and YYYY-MM-DD for daily tasks.
	CREATE TABLE IF NOT EXISTS completions (
		user_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		period TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (user_id, task_id, period)
	);

	-- Ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		task_title TEXT NOT NULL,
		delta INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		note TEXT,
		request_key TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_user_created
		ON ledger_entries(user_id, created_at DESC);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_entries_request_key
		ON ledger_entries(request_key) WHERE request_key IS NOT NULL;

	CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		created_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// SEEDING (rewards.Seeder)
// =============================================================================

// SaveAccount creates an account at balance 0, or renames an existing one.
// The balance column is never written here.
func (s *Store) SaveAccount(ctx context.Context, a rewards.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, name, balance, created_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, a.ID, a.Name, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// SaveTask creates or replaces a task definition.
func (s *Store) SaveTask(ctx context.Context, t rewards.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, type, reward, enabled)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			type = excluded.type,
			reward = excluded.reward,
			enabled = excluded.enabled
	`, t.ID, t.Title, t.Type, t.Reward, t.Enabled)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// =============================================================================
// STORE (rewards.Store on the shared connection)
// =============================================================================

func (s *Store) GetTask(ctx context.Context, id rewards.TaskID) (*rewards.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTask(ctx, s.db, id)
}

func (s *Store) ListTasks(ctx context.Context) ([]rewards.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listTasks(ctx, s.db)
}

func (s *Store) GetAccount(ctx context.Context, id rewards.UserID) (*rewards.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAccount(ctx, s.db, id)
}

func (s *Store) ListAccounts(ctx context.Context) ([]rewards.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id, name, balance FROM accounts ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []rewards.Account
	for rows.Next() {
		var a rewards.Account
		if err := rows.Scan(&a.ID, &a.Name, &a.Balance); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *Store) ApplyDelta(ctx context.Context, id rewards.UserID, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return applyDelta(ctx, s.db, id, delta)
}

func (s *Store) ClaimIfAbsent(ctx context.Context, c rewards.Completion) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return claimCompletion(ctx, s.db, c)
}

func (s *Store) ListCompletions(ctx context.Context, userID rewards.UserID) ([]rewards.Completion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listCompletions(ctx, s.db, userID)
}

func (s *Store) Append(ctx context.Context, e rewards.LedgerEntry) (rewards.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendEntry(ctx, s.db, e)
}

func (s *Store) ListByUser(ctx context.Context, userID rewards.UserID) ([]rewards.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listEntries(ctx, s.db, userID)
}

func (s *Store) ClaimKey(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return claimKey(ctx, s.db, key)
}

func (s *Store) KeyExists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return keyExists(ctx, s.db, key)
}

// =============================================================================
// TRANSACTIONAL STORE (rewards.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(rewards.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// txStore routes every call through the open transaction. It takes no
// locks: WithTx already holds the write lock.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetTask(ctx context.Context, id rewards.TaskID) (*rewards.Task, error) {
	return getTask(ctx, ts.tx, id)
}

func (ts *txStore) ListTasks(ctx context.Context) ([]rewards.Task, error) {
	return listTasks(ctx, ts.tx)
}

func (ts *txStore) GetAccount(ctx context.Context, id rewards.UserID) (*rewards.Account, error) {
	return getAccount(ctx, ts.tx, id)
}

func (ts *txStore) ApplyDelta(ctx context.Context, id rewards.UserID, delta int64) (int64, error) {
	return applyDelta(ctx, ts.tx, id, delta)
}

func (ts *txStore) ClaimIfAbsent(ctx context.Context, c rewards.Completion) (bool, error) {
	return claimCompletion(ctx, ts.tx, c)
}

func (ts *txStore) ListCompletions(ctx context.Context, userID rewards.UserID) ([]rewards.Completion, error) {
	return listCompletions(ctx, ts.tx, userID)
}

func (ts *txStore) Append(ctx context.Context, e rewards.LedgerEntry) (rewards.LedgerEntry, error) {
	return appendEntry(ctx, ts.tx, e)
}

func (ts *txStore) ListByUser(ctx context.Context, userID rewards.UserID) ([]rewards.LedgerEntry, error) {
	return listEntries(ctx, ts.tx, userID)
}

func (ts *txStore) ClaimKey(ctx context.Context, key string) (bool, error) {
	return claimKey(ctx, ts.tx, key)
}

func (ts *txStore) KeyExists(ctx context.Context, key string) (bool, error) {
	return keyExists(ctx, ts.tx, key)
}

// =============================================================================
// QUERIES
// =============================================================================

func getTask(ctx context.Context, q querier, id rewards.TaskID) (*rewards.Task, error) {
	var t rewards.Task
	err := q.QueryRowContext(ctx,
		"SELECT id, title, type, reward, enabled FROM tasks WHERE id = ?", id,
	).Scan(&t.ID, &t.Title, &t.Type, &t.Reward, &t.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &t, nil
}

func listTasks(ctx context.Context, q querier) ([]rewards.Task, error) {
	rows, err := q.QueryContext(ctx, "SELECT id, title, type, reward, enabled FROM tasks ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []rewards.Task
	for rows.Next() {
		var t rewards.Task
		if err := rows.Scan(&t.ID, &t.Title, &t.Type, &t.Reward, &t.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func getAccount(ctx context.Context, q querier, id rewards.UserID) (*rewards.Account, error) {
	var a rewards.Account
	err := q.QueryRowContext(ctx,
		"SELECT id, name, balance FROM accounts WHERE id = ?", id,
	).Scan(&a.ID, &a.Name, &a.Balance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &a, nil
}

// applyDelta is a true in-place increment, never a read-modify-write.
func applyDelta(ctx context.Context, q querier, id rewards.UserID, delta int64) (int64, error) {
	var balance int64
	err := q.QueryRowContext(ctx,
		"UPDATE accounts SET balance = balance + ? WHERE id = ? RETURNING balance", delta, id,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, rewards.ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to apply delta: %w", err)
	}
	return balance, nil
}

func claimCompletion(ctx context.Context, q querier, c rewards.Completion) (bool, error) {
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO completions (user_id, task_id, period, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, task_id, period) DO NOTHING
	`, c.UserID, c.TaskID, string(c.Period), formatTime(createdAt))
	if err != nil {
		return false, fmt.Errorf("failed to claim completion: %w", err)
	}
	return claimed(res)
}

func listCompletions(ctx context.Context, q querier, userID rewards.UserID) ([]rewards.Completion, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT user_id, task_id, period, created_at
		FROM completions
		WHERE user_id = ?
		ORDER BY task_id, period
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query completions: %w", err)
	}
	defer rows.Close()

	var completions []rewards.Completion
	for rows.Next() {
		var (
			c         rewards.Completion
			period    string
			createdAt string
		)
		if err := rows.Scan(&c.UserID, &c.TaskID, &period, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan completion: %w", err)
		}
		c.Period = rewards.Period(period)
		c.CreatedAt = parseTime(createdAt)
		completions = append(completions, c)
	}
	return completions, rows.Err()
}

func appendEntry(ctx context.Context, q querier, e rewards.LedgerEntry) (rewards.LedgerEntry, error) {
	if e.ID == "" {
		e.ID = rewards.EntryID(uuid.NewString())
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, user_id, task_id, task_title, delta, created_at, note, request_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.UserID, e.TaskID, e.TaskTitle, e.Delta,
		formatTime(e.CreatedAt), nullString(e.Note), nullString(e.RequestKey),
	)
	if err != nil {
		return rewards.LedgerEntry{}, fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return e, nil
}

func listEntries(ctx context.Context, q querier, userID rewards.UserID) ([]rewards.LedgerEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, user_id, task_id, task_title, delta, created_at, note, request_key
		FROM ledger_entries
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []rewards.LedgerEntry
	for rows.Next() {
		var (
			e          rewards.LedgerEntry
			createdAt  string
			note       sql.NullString
			requestKey sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.TaskID, &e.TaskTitle, &e.Delta,
			&createdAt, &note, &requestKey); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.CreatedAt = parseTime(createdAt)
		e.Note = note.String
		e.RequestKey = requestKey.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func claimKey(ctx context.Context, q querier, key string) (bool, error) {
	res, err := q.ExecContext(ctx,
		"INSERT INTO idempotency_keys (key, created_at) VALUES (?, ?) ON CONFLICT(key) DO NOTHING",
		key, formatTime(time.Now()),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	return claimed(res)
}

func keyExists(ctx context.Context, q querier, key string) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM idempotency_keys WHERE key = ?", key,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return count > 0, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

func claimed(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// Timestamps are stored as fixed-width UTC strings so that lexical order
// is chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	}
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
