// Package store provides an in-memory rewards.TxStore.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/reward-ledger/rewards"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements rewards.TxStore, rewards.AccountLister and
// rewards.Seeder. A single mutex makes every claim indivisible; WithTx
// holds it for the whole unit and restores a snapshot on error.
type Memory struct {
	mu          sync.RWMutex
	tasks       map[rewards.TaskID]rewards.Task
	accounts    map[rewards.UserID]rewards.Account
	completions map[completionKey]rewards.Completion
	entries     map[rewards.UserID][]rewards.LedgerEntry
	keys        map[string]rewards.IdempotencyRecord
}

type completionKey struct {
	UserID rewards.UserID
	TaskID rewards.TaskID
	Period rewards.Period
}

func NewMemory() *Memory {
	return &Memory{
		tasks:       make(map[rewards.TaskID]rewards.Task),
		accounts:    make(map[rewards.UserID]rewards.Account),
		completions: make(map[completionKey]rewards.Completion),
		entries:     make(map[rewards.UserID][]rewards.LedgerEntry),
		keys:        make(map[string]rewards.IdempotencyRecord),
	}
}

// =============================================================================
// SEEDING
// =============================================================================

// SaveAccount creates or renames an account. New accounts start at 0;
// an existing balance is never overwritten.
func (m *Memory) SaveAccount(_ context.Context, a rewards.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.accounts[a.ID]; ok {
		existing.Name = a.Name
		m.accounts[a.ID] = existing
		return nil
	}
	m.accounts[a.ID] = rewards.Account{ID: a.ID, Name: a.Name}
	return nil
}

func (m *Memory) SaveTask(_ context.Context, t rewards.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
	return nil
}

// SetBalance overwrites a balance without touching the ledger. It exists
// to simulate drift in tests.
func (m *Memory) SetBalance(id rewards.UserID, balance int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[id]; ok {
		a.Balance = balance
		m.accounts[id] = a
	}
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) GetTask(_ context.Context, id rewards.TaskID) (*rewards.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getTaskLocked(id), nil
}

func (m *Memory) ListTasks(_ context.Context) ([]rewards.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tasks := make([]rewards.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

func (m *Memory) GetAccount(_ context.Context, id rewards.UserID) (*rewards.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getAccountLocked(id), nil
}

func (m *Memory) ListAccounts(_ context.Context) ([]rewards.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	accounts := make([]rewards.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		accounts = append(accounts, a)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return accounts, nil
}

func (m *Memory) ListCompletions(_ context.Context, userID rewards.UserID) ([]rewards.Completion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listCompletionsLocked(userID), nil
}

func (m *Memory) ListByUser(_ context.Context, userID rewards.UserID) ([]rewards.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listEntriesLocked(userID), nil
}

func (m *Memory) KeyExists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.keys[key]
	return ok, nil
}

// =============================================================================
// WRITES
// =============================================================================

func (m *Memory) ApplyDelta(_ context.Context, id rewards.UserID, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyDeltaLocked(id, delta)
}

func (m *Memory) ClaimIfAbsent(_ context.Context, c rewards.Completion) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claimLocked(c), nil
}

func (m *Memory) Append(_ context.Context, e rewards.LedgerEntry) (rewards.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(e), nil
}

func (m *Memory) ClaimKey(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claimKeyLocked(key), nil
}

// =============================================================================
// LOCKED HELPERS
// =============================================================================

func (m *Memory) getTaskLocked(id rewards.TaskID) *rewards.Task {
	t, ok := m.tasks[id]
	if !ok {
		return nil
	}
	return &t
}

func (m *Memory) getAccountLocked(id rewards.UserID) *rewards.Account {
	a, ok := m.accounts[id]
	if !ok {
		return nil
	}
	return &a
}

func (m *Memory) listCompletionsLocked(userID rewards.UserID) []rewards.Completion {
	var result []rewards.Completion
	for k, c := range m.completions {
		if k.UserID == userID {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].TaskID != result[j].TaskID {
			return result[i].TaskID < result[j].TaskID
		}
		return result[i].Period < result[j].Period
	})
	return result
}

// listEntriesLocked returns newest first. Entries are stored in append
// order, so reversing is enough.
func (m *Memory) listEntriesLocked(userID rewards.UserID) []rewards.LedgerEntry {
	stored := m.entries[userID]
	result := make([]rewards.LedgerEntry, len(stored))
	for i, e := range stored {
		result[len(stored)-1-i] = e
	}
	return result
}

func (m *Memory) applyDeltaLocked(id rewards.UserID, delta int64) (int64, error) {
	a, ok := m.accounts[id]
	if !ok {
		return 0, rewards.ErrAccountNotFound
	}
	if a.Balance+delta < 0 {
		return 0, rewards.ErrNegativeBalance
	}
	a.Balance += delta
	m.accounts[id] = a
	return a.Balance, nil
}

func (m *Memory) claimLocked(c rewards.Completion) bool {
	k := completionKey{UserID: c.UserID, TaskID: c.TaskID, Period: c.Period}
	if _, exists := m.completions[k]; exists {
		return false
	}
	m.completions[k] = c
	return true
}

func (m *Memory) appendLocked(e rewards.LedgerEntry) rewards.LedgerEntry {
	if e.ID == "" {
		e.ID = rewards.EntryID(uuid.NewString())
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = nowUTC()
	}
	m.entries[e.UserID] = append(m.entries[e.UserID], e)
	return e
}

func (m *Memory) claimKeyLocked(key string) bool {
	if _, exists := m.keys[key]; exists {
		return false
	}
	m.keys[key] = rewards.IdempotencyRecord{Key: key, CreatedAt: nowUTC()}
	return true
}

func nowUTC() time.Time { return time.Now().UTC() }

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(rewards.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	accounts    map[rewards.UserID]rewards.Account
	completions map[completionKey]rewards.Completion
	entries     map[rewards.UserID][]rewards.LedgerEntry
	keys        map[string]rewards.IdempotencyRecord
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		accounts:    make(map[rewards.UserID]rewards.Account, len(m.accounts)),
		completions: make(map[completionKey]rewards.Completion, len(m.completions)),
		entries:     make(map[rewards.UserID][]rewards.LedgerEntry, len(m.entries)),
		keys:        make(map[string]rewards.IdempotencyRecord, len(m.keys)),
	}
	for k, v := range m.accounts {
		s.accounts[k] = v
	}
	for k, v := range m.completions {
		s.completions[k] = v
	}
	for k, v := range m.entries {
		s.entries[k] = append([]rewards.LedgerEntry{}, v...)
	}
	for k, v := range m.keys {
		s.keys[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.accounts = s.accounts
	m.completions = s.completions
	m.entries = s.entries
	m.keys = s.keys
}

// txView runs against the parent while WithTx holds its lock.
type txView struct {
	parent *Memory
}

func (tv *txView) GetTask(_ context.Context, id rewards.TaskID) (*rewards.Task, error) {
	return tv.parent.getTaskLocked(id), nil
}

func (tv *txView) ListTasks(_ context.Context) ([]rewards.Task, error) {
	tasks := make([]rewards.Task, 0, len(tv.parent.tasks))
	for _, t := range tv.parent.tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

func (tv *txView) GetAccount(_ context.Context, id rewards.UserID) (*rewards.Account, error) {
	return tv.parent.getAccountLocked(id), nil
}

func (tv *txView) ApplyDelta(_ context.Context, id rewards.UserID, delta int64) (int64, error) {
	return tv.parent.applyDeltaLocked(id, delta)
}

func (tv *txView) ClaimIfAbsent(_ context.Context, c rewards.Completion) (bool, error) {
	return tv.parent.claimLocked(c), nil
}

func (tv *txView) ListCompletions(_ context.Context, userID rewards.UserID) ([]rewards.Completion, error) {
	return tv.parent.listCompletionsLocked(userID), nil
}

func (tv *txView) Append(_ context.Context, e rewards.LedgerEntry) (rewards.LedgerEntry, error) {
	return tv.parent.appendLocked(e), nil
}

func (tv *txView) ListByUser(_ context.Context, userID rewards.UserID) ([]rewards.LedgerEntry, error) {
	return tv.parent.listEntriesLocked(userID), nil
}

func (tv *txView) ClaimKey(_ context.Context, key string) (bool, error) {
	return tv.parent.claimKeyLocked(key), nil
}

func (tv *txView) KeyExists(_ context.Context, key string) (bool, error) {
	_, ok := tv.parent.keys[key]
	return ok, nil
}
