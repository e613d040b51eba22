// Package postgres implements the rewards storage contracts on PostgreSQL
// through a pgx connection pool. Schema changes are versioned migrations
// embedded in the binary and applied with golang-migrate.
//
// Claims are INSERT ... ON CONFLICT DO NOTHING inside the caller's
// transaction. A concurrent transaction inserting the same key blocks on
// the primary key until the first one commits or aborts, then reports zero
// rows, so exactly one of N racing grants wins.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/reward-ledger/rewards"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements rewards.TxStore, rewards.AccountLister and rewards.Seeder.
type Store struct {
	pool *pgxpool.Pool
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPool opens and pings a connection pool.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// RunMigrations applies every pending embedded migration.
func RunMigrations(databaseURL string) error {
	d, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, databaseURL)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	slog.Info("migrations applied", "version", version, "dirty", dirty)
	return nil
}

// Open migrates the database and returns a store over a new pool.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	if err := RunMigrations(databaseURL); err != nil {
		return nil, err
	}
	pool, err := NewPool(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	return New(pool), nil
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// =============================================================================
// SEEDING
// =============================================================================

// SaveAccount creates an account at balance 0, or renames an existing one.
func (s *Store) SaveAccount(ctx context.Context, a rewards.Account) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (id, name, balance)
		VALUES ($1, $2, 0)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
	`, string(a.ID), a.Name)
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

func (s *Store) SaveTask(ctx context.Context, t rewards.Task) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, title, type, reward, enabled)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			type = EXCLUDED.type,
			reward = EXCLUDED.reward,
			enabled = EXCLUDED.enabled
	`, string(t.ID), t.Title, string(t.Type), t.Reward, t.Enabled)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// =============================================================================
// STORE
// =============================================================================

func (s *Store) GetTask(ctx context.Context, id rewards.TaskID) (*rewards.Task, error) {
	return getTask(ctx, s.pool, id)
}

func (s *Store) ListTasks(ctx context.Context) ([]rewards.Task, error) {
	return listTasks(ctx, s.pool)
}

func (s *Store) GetAccount(ctx context.Context, id rewards.UserID) (*rewards.Account, error) {
	return getAccount(ctx, s.pool, id)
}

func (s *Store) ListAccounts(ctx context.Context) ([]rewards.Account, error) {
	rows, err := s.pool.Query(ctx, "SELECT id, name, balance FROM accounts ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []rewards.Account
	for rows.Next() {
		var id, name string
		var balance int64
		if err := rows.Scan(&id, &name, &balance); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, rewards.Account{ID: rewards.UserID(id), Name: name, Balance: balance})
	}
	return accounts, rows.Err()
}

func (s *Store) ApplyDelta(ctx context.Context, id rewards.UserID, delta int64) (int64, error) {
	return applyDelta(ctx, s.pool, id, delta)
}

func (s *Store) ClaimIfAbsent(ctx context.Context, c rewards.Completion) (bool, error) {
	return claimCompletion(ctx, s.pool, c)
}

func (s *Store) ListCompletions(ctx context.Context, userID rewards.UserID) ([]rewards.Completion, error) {
	return listCompletions(ctx, s.pool, userID)
}

func (s *Store) Append(ctx context.Context, e rewards.LedgerEntry) (rewards.LedgerEntry, error) {
	return appendEntry(ctx, s.pool, e)
}

func (s *Store) ListByUser(ctx context.Context, userID rewards.UserID) ([]rewards.LedgerEntry, error) {
	return listEntries(ctx, s.pool, userID)
}

func (s *Store) ClaimKey(ctx context.Context, key string) (bool, error) {
	return claimKey(ctx, s.pool, key)
}

func (s *Store) KeyExists(ctx context.Context, key string) (bool, error) {
	return keyExists(ctx, s.pool, key)
}

// WithTx runs fn inside one database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(rewards.Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type txStore struct {
	tx pgx.Tx
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
	var (
		taskID, title, taskType string
		reward                  int64
		enabled                 bool
	)
	err := q.QueryRow(ctx,
		"SELECT id, title, type, reward, enabled FROM tasks WHERE id = $1", string(id),
	).Scan(&taskID, &title, &taskType, &reward, &enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &rewards.Task{
		ID:      rewards.TaskID(taskID),
		Title:   title,
		Type:    rewards.TaskType(taskType),
		Reward:  reward,
		Enabled: enabled,
	}, nil
}

func listTasks(ctx context.Context, q querier) ([]rewards.Task, error) {
	rows, err := q.Query(ctx, "SELECT id, title, type, reward, enabled FROM tasks ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []rewards.Task
	for rows.Next() {
		var (
			taskID, title, taskType string
			reward                  int64
			enabled                 bool
		)
		if err := rows.Scan(&taskID, &title, &taskType, &reward, &enabled); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, rewards.Task{
			ID:      rewards.TaskID(taskID),
			Title:   title,
			Type:    rewards.TaskType(taskType),
			Reward:  reward,
			Enabled: enabled,
		})
	}
	return tasks, rows.Err()
}

func getAccount(ctx context.Context, q querier, id rewards.UserID) (*rewards.Account, error) {
	var (
		name    string
		balance int64
	)
	err := q.QueryRow(ctx,
		"SELECT name, balance FROM accounts WHERE id = $1", string(id),
	).Scan(&name, &balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &rewards.Account{ID: id, Name: name, Balance: balance}, nil
}

func applyDelta(ctx context.Context, q querier, id rewards.UserID, delta int64) (int64, error) {
	var balance int64
	err := q.QueryRow(ctx,
		"UPDATE accounts SET balance = balance + $1 WHERE id = $2 RETURNING balance", delta, string(id),
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, rewards.ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("apply delta: %w", err)
	}
	return balance, nil
}

func claimCompletion(ctx context.Context, q querier, c rewards.Completion) (bool, error) {
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	tag, err := q.Exec(ctx, `
		INSERT INTO completions (user_id, task_id, period, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, task_id, period) DO NOTHING
	`, string(c.UserID), string(c.TaskID), string(c.Period), createdAt)
	if err != nil {
		return false, fmt.Errorf("claim completion: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func listCompletions(ctx context.Context, q querier, userID rewards.UserID) ([]rewards.Completion, error) {
	rows, err := q.Query(ctx, `
		SELECT task_id, period, created_at
		FROM completions
		WHERE user_id = $1
		ORDER BY task_id, period
	`, string(userID))
	if err != nil {
		return nil, fmt.Errorf("query completions: %w", err)
	}
	defer rows.Close()

	var completions []rewards.Completion
	for rows.Next() {
		var (
			taskID, period string
			createdAt      time.Time
		)
		if err := rows.Scan(&taskID, &period, &createdAt); err != nil {
			return nil, fmt.Errorf("scan completion: %w", err)
		}
		completions = append(completions, rewards.Completion{
			UserID:    userID,
			TaskID:    rewards.TaskID(taskID),
			Period:    rewards.Period(period),
			CreatedAt: createdAt.UTC(),
		})
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

	_, err := q.Exec(ctx, `
		INSERT INTO ledger_entries (id, user_id, task_id, task_title, delta, created_at, note, request_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		string(e.ID), string(e.UserID), string(e.TaskID), e.TaskTitle, e.Delta,
		e.CreatedAt, nullable(e.Note), nullable(e.RequestKey),
	)
	if err != nil {
		return rewards.LedgerEntry{}, fmt.Errorf("append ledger entry: %w", err)
	}
	return e, nil
}

func listEntries(ctx context.Context, q querier, userID rewards.UserID) ([]rewards.LedgerEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT id, task_id, task_title, delta, created_at, note, request_key
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC, seq DESC
	`, string(userID))
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []rewards.LedgerEntry
	for rows.Next() {
		var (
			id, taskID, title string
			delta             int64
			createdAt         time.Time
			note, requestKey  *string
		)
		if err := rows.Scan(&id, &taskID, &title, &delta, &createdAt, &note, &requestKey); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, rewards.LedgerEntry{
			ID:         rewards.EntryID(id),
			UserID:     userID,
			TaskID:     rewards.TaskID(taskID),
			TaskTitle:  title,
			Delta:      delta,
			CreatedAt:  createdAt.UTC(),
			Note:       deref(note),
			RequestKey: deref(requestKey),
		})
	}
	return entries, rows.Err()
}

func claimKey(ctx context.Context, q querier, key string) (bool, error) {
	tag, err := q.Exec(ctx,
		"INSERT INTO idempotency_keys (key) VALUES ($1) ON CONFLICT (key) DO NOTHING", key,
	)
	if err != nil {
		return false, fmt.Errorf("claim idempotency key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func keyExists(ctx context.Context, q querier, key string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM idempotency_keys WHERE key = $1)", key,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check idempotency key: %w", err)
	}
	return exists, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
