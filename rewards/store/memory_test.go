package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/reward-ledger/rewards"
)

func newSeeded(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory()
	require.NoError(t, m.SaveAccount(context.Background(), rewards.Account{ID: "u1", Name: "Alice"}))
	return m
}

func TestMemory_ClaimIfAbsent(t *testing.T) {
	ctx := context.Background()
	m := newSeeded(t)
	c := rewards.Completion{UserID: "u1", TaskID: "t1", Period: "2025-03-10"}

	ok, err := m.ClaimIfAbsent(ctx, c)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.ClaimIfAbsent(ctx, c)
	require.NoError(t, err)
	assert.False(t, ok)

	// Different period is a different key.
	c.Period = "2025-03-11"
	ok, err = m.ClaimIfAbsent(ctx, c)
	require.NoError(t, err)
	assert.True(t, ok)

	completions, err := m.ListCompletions(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, completions, 2)
}

func TestMemory_SaveAccountKeepsBalance(t *testing.T) {
	ctx := context.Background()
	m := newSeeded(t)

	_, err := m.ApplyDelta(ctx, "u1", 25)
	require.NoError(t, err)
	require.NoError(t, m.SaveAccount(ctx, rewards.Account{ID: "u1", Name: "Alice B", Balance: 999}))

	a, err := m.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Alice B", a.Name)
	assert.Equal(t, int64(25), a.Balance)
}

func TestMemory_BalanceNeverBelowZero(t *testing.T) {
	ctx := context.Background()
	m := newSeeded(t)

	_, err := m.ApplyDelta(ctx, "u1", 10)
	require.NoError(t, err)
	_, err = m.ApplyDelta(ctx, "u1", -11)
	assert.ErrorIs(t, err, rewards.ErrNegativeBalance)

	a, _ := m.GetAccount(ctx, "u1")
	assert.Equal(t, int64(10), a.Balance)
}

func TestMemory_SaveTaskRejectsInvalidRows(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	assert.ErrorIs(t, m.SaveTask(ctx, rewards.Task{ID: "neg", Type: rewards.TaskOneTime, Reward: -30}), rewards.ErrInvalidTask)
	assert.ErrorIs(t, m.SaveTask(ctx, rewards.Task{ID: "weekly", Type: "WEEKLY", Reward: 5}), rewards.ErrInvalidTask)

	task, err := m.GetTask(ctx, "neg")
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestMemory_ApplyDeltaUnknownAccount(t *testing.T) {
	_, err := NewMemory().ApplyDelta(context.Background(), "ghost", 5)
	assert.ErrorIs(t, err, rewards.ErrAccountNotFound)
}

func TestMemory_LedgerNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := newSeeded(t)
	base := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)

	for i, task := range []rewards.TaskID{"a", "b", "c"} {
		e, err := m.Append(ctx, rewards.LedgerEntry{UserID: "u1", TaskID: task, Delta: 1, CreatedAt: base.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
		assert.NotEmpty(t, e.ID)
	}

	entries, err := m.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, rewards.TaskID("c"), entries[0].TaskID)
	assert.Equal(t, rewards.TaskID("a"), entries[2].TaskID)
}

func TestMemory_WithTxRollsBackOnError(t *testing.T) {
	// GIVEN: A transaction that writes everywhere, then fails
	ctx := context.Background()
	m := newSeeded(t)
	boom := errors.New("boom")

	err := m.WithTx(ctx, func(s rewards.Store) error {
		_, err := s.ClaimKey(ctx, "k1")
		require.NoError(t, err)
		_, err = s.ClaimIfAbsent(ctx, rewards.Completion{UserID: "u1", TaskID: "t1"})
		require.NoError(t, err)
		_, err = s.Append(ctx, rewards.LedgerEntry{UserID: "u1", TaskID: "t1", Delta: 10})
		require.NoError(t, err)
		_, err = s.ApplyDelta(ctx, "u1", 10)
		require.NoError(t, err)
		return boom
	})

	// THEN: No write survives
	assert.ErrorIs(t, err, boom)
	exists, err := m.KeyExists(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, exists)
	completions, _ := m.ListCompletions(ctx, "u1")
	assert.Empty(t, completions)
	entries, _ := m.ListByUser(ctx, "u1")
	assert.Empty(t, entries)
	a, _ := m.GetAccount(ctx, "u1")
	assert.Equal(t, int64(0), a.Balance)
}

func TestMemory_WithTxCommits(t *testing.T) {
	ctx := context.Background()
	m := newSeeded(t)

	err := m.WithTx(ctx, func(s rewards.Store) error {
		ok, err := s.ClaimKey(ctx, "k1")
		if err != nil || !ok {
			return errors.New("claim failed")
		}
		_, err = s.ApplyDelta(ctx, "u1", 7)
		return err
	})
	require.NoError(t, err)

	exists, err := m.KeyExists(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, exists)
	ok, err := m.ClaimKey(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)

	a, _ := m.GetAccount(ctx, "u1")
	assert.Equal(t, int64(7), a.Balance)
}
