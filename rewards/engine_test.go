package rewards_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/reward-ledger/rewards"
	"github.com/warp/reward-ledger/rewards/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var day1 = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedMemory(t *testing.T) *store.Memory {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemory()

	for _, a := range []rewards.Account{{ID: "u1", Name: "Alice"}, {ID: "u2", Name: "Bob"}} {
		require.NoError(t, m.SaveAccount(ctx, a))
	}
	for _, task := range []rewards.Task{
		{ID: "t1", Title: "Daily Login", Type: rewards.TaskDaily, Reward: 10, Enabled: true},
		{ID: "once", Title: "Welcome Bonus", Type: rewards.TaskOneTime, Reward: 50, Enabled: true},
		{ID: "off", Title: "Legacy Task", Type: rewards.TaskOneTime, Reward: 100, Enabled: false},
	} {
		require.NoError(t, m.SaveTask(ctx, task))
	}
	return m
}

func newEngine(t *testing.T, s rewards.TxStore, clock rewards.Clock) *rewards.Engine {
	t.Helper()
	periods, err := rewards.NewPeriodResolver(clock, "UTC")
	require.NoError(t, err)
	return rewards.NewEngine(s, periods, quietLogger())
}

func completeAs(user rewards.UserID, task rewards.TaskID) rewards.CompleteInput {
	return rewards.CompleteInput{CallerID: user, UserID: user, TaskID: task}
}

func requireCode(t *testing.T, err error, code rewards.Code) *rewards.Rejection {
	t.Helper()
	var rej *rewards.Rejection
	require.ErrorAs(t, err, &rej)
	require.Equal(t, code, rej.Code, "message: %s", rej.Message)
	return rej
}

func balanceOf(t *testing.T, s rewards.Store, id rewards.UserID) int64 {
	t.Helper()
	a, err := s.GetAccount(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, a)
	return a.Balance
}

func requireInvariant(t *testing.T, s rewards.Store, id rewards.UserID) {
	t.Helper()
	entries, err := s.ListByUser(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, rewards.SumDeltas(entries), balanceOf(t, s, id), "balance must equal ledger sum")
}

// failingStore wraps the memory store and fails the ledger append inside
// every transaction.
type failingStore struct {
	*store.Memory
	err error
}

func (f *failingStore) WithTx(ctx context.Context, fn func(rewards.Store) error) error {
	return f.Memory.WithTx(ctx, func(s rewards.Store) error {
		return fn(failingTx{Store: s, err: f.err})
	})
}

type failingTx struct {
	rewards.Store
	err error
}

func (f failingTx) Append(context.Context, rewards.LedgerEntry) (rewards.LedgerEntry, error) {
	return rewards.LedgerEntry{}, f.err
}

// =============================================================================
// GRANT SCENARIOS
// =============================================================================

func TestComplete_DailyTaskAcrossDays(t *testing.T) {
	// GIVEN: u1 at balance 0, daily task t1 worth 10
	ctx := context.Background()
	m := seedMemory(t)
	clock := &rewards.FixedClock{T: day1}
	engine := newEngine(t, m, clock)

	// WHEN: Completing on day D
	res, err := engine.Complete(ctx, completeAs("u1", "t1"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Account.Balance)
	assert.Equal(t, rewards.Period("2025-03-10"), res.Period)
	assert.Equal(t, int64(10), res.Entry.Delta)
	assert.Equal(t, "Daily Login", res.Entry.TaskTitle)
	assert.Equal(t, rewards.DefaultNote, res.Entry.Note)

	// THEN: Second completion the same day is rejected with the current balance
	clock.Advance(10 * time.Hour)
	_, err = engine.Complete(ctx, completeAs("u1", "t1"))
	rej := requireCode(t, err, rewards.CodeAlreadyCompletedToday)
	assert.Equal(t, "Daily task already completed today", rej.Message)
	require.NotNil(t, rej.Account)
	assert.Equal(t, int64(10), rej.Account.Balance)
	assert.True(t, rewards.IsAlreadyCompleted(err))

	// AND: On day D+1 it is granted again
	clock.Advance(5 * time.Hour)
	res, err = engine.Complete(ctx, completeAs("u1", "t1"))
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.Account.Balance)
	assert.Equal(t, rewards.Period("2025-03-11"), res.Period)

	requireInvariant(t, m, "u1")
}

func TestComplete_OneTimeTaskNeverRepeats(t *testing.T) {
	ctx := context.Background()
	m := seedMemory(t)
	clock := &rewards.FixedClock{T: day1}
	engine := newEngine(t, m, clock)

	res, err := engine.Complete(ctx, completeAs("u1", "once"))
	require.NoError(t, err)
	assert.Equal(t, int64(50), res.Account.Balance)
	assert.True(t, res.Period.IsOneTime())

	// A year later it is still done.
	clock.Advance(365 * 24 * time.Hour)
	_, err = engine.Complete(ctx, completeAs("u1", "once"))
	rej := requireCode(t, err, rewards.CodeAlreadyCompleted)
	assert.Equal(t, "One-time task already completed", rej.Message)
	assert.Equal(t, int64(50), rej.Account.Balance)
	assert.ErrorIs(t, err, rewards.ErrAlreadyCompleted)

	// Other users are unaffected.
	res, err = engine.Complete(ctx, completeAs("u2", "once"))
	require.NoError(t, err)
	assert.Equal(t, int64(50), res.Account.Balance)
}

func TestComplete_ReferenceTimezoneDecidesTheDay(t *testing.T) {
	// GIVEN: Daily periods in Asia/Tokyo (UTC+9)
	ctx := context.Background()
	m := seedMemory(t)
	clock := &rewards.FixedClock{T: time.Date(2025, time.January, 1, 16, 0, 0, 0, time.UTC)}
	periods, err := rewards.NewPeriodResolver(clock, "Asia/Tokyo")
	require.NoError(t, err)
	engine := rewards.NewEngine(m, periods, quietLogger())

	// WHEN: 16:00 UTC is already Jan 2 in Tokyo
	res, err := engine.Complete(ctx, completeAs("u1", "t1"))
	require.NoError(t, err)
	assert.Equal(t, rewards.Period("2025-01-02"), res.Period)

	// THEN: 22:00 UTC is still Jan 2 in Tokyo
	clock.Advance(6 * time.Hour)
	_, err = engine.Complete(ctx, completeAs("u1", "t1"))
	requireCode(t, err, rewards.CodeAlreadyCompletedToday)

	// AND: 15:00 UTC next day is Jan 3 midnight in Tokyo
	clock.T = time.Date(2025, time.January, 2, 15, 0, 0, 0, time.UTC)
	res, err = engine.Complete(ctx, completeAs("u1", "t1"))
	require.NoError(t, err)
	assert.Equal(t, rewards.Period("2025-01-03"), res.Period)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestComplete_ConcurrentCallsGrantExactlyOnce(t *testing.T) {
	for _, task := range []rewards.TaskID{"t1", "once"} {
		t.Run(string(task), func(t *testing.T) {
			// GIVEN: K concurrent completions of the same task in the same period
			const callers = 64
			ctx := context.Background()
			m := seedMemory(t)
			engine := newEngine(t, m, &rewards.FixedClock{T: day1})

			var granted, rejected atomic.Int32
			var g errgroup.Group
			for i := 0; i < callers; i++ {
				g.Go(func() error {
					_, err := engine.Complete(ctx, completeAs("u1", task))
					if err == nil {
						granted.Add(1)
						return nil
					}
					if rewards.IsAlreadyCompleted(err) {
						rejected.Add(1)
						return nil
					}
					return err
				})
			}
			require.NoError(t, g.Wait())

			// THEN: Exactly one grant, the rest already-completed
			assert.Equal(t, int32(1), granted.Load())
			assert.Equal(t, int32(callers-1), rejected.Load())

			entries, err := m.ListByUser(ctx, "u1")
			require.NoError(t, err)
			assert.Len(t, entries, 1)
			requireInvariant(t, m, "u1")
		})
	}
}

func TestComplete_ConcurrentSameIdempotencyKey(t *testing.T) {
	const callers = 32
	ctx := context.Background()
	m := seedMemory(t)
	engine := newEngine(t, m, &rewards.FixedClock{T: day1})

	var granted, replayed atomic.Int32
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			in := completeAs("u1", "t1")
			in.IdempotencyKey = "retry-abc"
			_, err := engine.Complete(ctx, in)
			switch {
			case err == nil:
				granted.Add(1)
			case errors.Is(err, rewards.ErrIdempotencyReplay):
				replayed.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), granted.Load())
	assert.Equal(t, int32(callers-1), replayed.Load())
	assert.Equal(t, int64(10), balanceOf(t, m, "u1"))
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestComplete_IdempotencyReplay(t *testing.T) {
	ctx := context.Background()
	m := seedMemory(t)
	clock := &rewards.FixedClock{T: day1}
	engine := newEngine(t, m, clock)

	in := completeAs("u1", "t1")
	in.IdempotencyKey = "key-1"

	res, err := engine.Complete(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "key-1", res.Entry.RequestKey)

	// Replay wins over eligibility, even on a new day.
	clock.Advance(24 * time.Hour)
	_, err = engine.Complete(ctx, in)
	rej := requireCode(t, err, rewards.CodeIdempotencyReplay)
	assert.Equal(t, "Request already processed", rej.Message)
	assert.Nil(t, rej.Account)

	entries, err := m.ListByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, int64(10), balanceOf(t, m, "u1"))
}

func TestComplete_SynthesizedRequestKeyIsNotClaimed(t *testing.T) {
	ctx := context.Background()
	m := seedMemory(t)
	engine := newEngine(t, m, &rewards.FixedClock{T: day1})

	var n int
	engine.NewRequestKey = func() string {
		n++
		return fmt.Sprintf("generated-%d", n)
	}

	res, err := engine.Complete(ctx, completeAs("u1", "t1"))
	require.NoError(t, err)
	assert.Equal(t, "generated-1", res.Entry.RequestKey)

	exists, err := m.KeyExists(ctx, "generated-1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestComplete_FailedGrantRollsBackAndReleasesKey(t *testing.T) {
	// GIVEN: A store whose ledger append fails
	ctx := context.Background()
	m := seedMemory(t)
	broken := &failingStore{Memory: m, err: errors.New("disk full")}
	engine := newEngine(t, broken, &rewards.FixedClock{T: day1})

	in := completeAs("u1", "t1")
	in.IdempotencyKey = "key-retry"

	// WHEN: Completing
	_, err := engine.Complete(ctx, in)

	// THEN: UNKNOWN_ERROR without storage detail
	rej := requireCode(t, err, rewards.CodeUnknown)
	assert.NotContains(t, rej.Message, "disk full")

	// AND: Nothing was written, so the claim and the key are free
	assert.Equal(t, int64(0), balanceOf(t, m, "u1"))
	completions, err := m.ListCompletions(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, completions)
	exists, err := m.KeyExists(ctx, "key-retry")
	require.NoError(t, err)
	assert.False(t, exists)

	// AND: A retry with the same key against a healthy store succeeds
	healthy := newEngine(t, m, &rewards.FixedClock{T: day1})
	res, err := healthy.Complete(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Account.Balance)
}

// =============================================================================
// REJECTIONS
// =============================================================================

func TestComplete_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		in      rewards.CompleteInput
		code    rewards.Code
		message string
	}{
		{"missing user", rewards.CompleteInput{CallerID: "u1", TaskID: "t1"}, rewards.CodeValidation, "userId and taskId are required"},
		{"missing task", rewards.CompleteInput{CallerID: "u1", UserID: "u1"}, rewards.CodeValidation, "userId and taskId are required"},
		{"blank task", rewards.CompleteInput{CallerID: "u1", UserID: "u1", TaskID: "   "}, rewards.CodeValidation, "userId and taskId are required"},
		{"other user", rewards.CompleteInput{CallerID: "u2", UserID: "u1", TaskID: "t1"}, rewards.CodeUnauthorized, "You can only complete tasks for yourself"},
		{"no caller", rewards.CompleteInput{UserID: "u1", TaskID: "t1"}, rewards.CodeUnauthorized, "You can only complete tasks for yourself"},
		{"unknown user", completeAs("ghost", "t1"), rewards.CodeNotFound, "User not found"},
		{"unknown task", completeAs("u1", "nope"), rewards.CodeNotFound, "Task not found"},
		{"disabled task", completeAs("u1", "off"), rewards.CodeTaskDisabled, "This task is currently disabled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := seedMemory(t)
			engine := newEngine(t, m, &rewards.FixedClock{T: day1})

			_, err := engine.Complete(context.Background(), tt.in)

			rej := requireCode(t, err, tt.code)
			assert.Equal(t, tt.message, rej.Message)
			assert.Equal(t, int64(0), balanceOf(t, m, "u1"))
		})
	}
}

func TestComplete_DisabledTaskIsAlwaysRejected(t *testing.T) {
	ctx := context.Background()
	m := seedMemory(t)
	clock := &rewards.FixedClock{T: day1}
	engine := newEngine(t, m, clock)

	for i := 0; i < 3; i++ {
		_, err := engine.Complete(ctx, completeAs("u1", "off"))
		requireCode(t, err, rewards.CodeTaskDisabled)
		clock.Advance(24 * time.Hour)
	}
	completions, err := m.ListCompletions(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, completions)
}

func TestComplete_DisabledWinsOverPriorCompletion(t *testing.T) {
	for _, task := range []rewards.TaskID{"once", "t1"} {
		t.Run(string(task), func(t *testing.T) {
			// GIVEN: The task was granted while enabled
			ctx := context.Background()
			m := seedMemory(t)
			engine := newEngine(t, m, &rewards.FixedClock{T: day1})
			_, err := engine.Complete(ctx, completeAs("u1", task))
			require.NoError(t, err)

			// WHEN: It is disabled and completed again the same day
			current, err := m.GetTask(ctx, task)
			require.NoError(t, err)
			disabled := *current
			disabled.Enabled = false
			require.NoError(t, m.SaveTask(ctx, disabled))

			_, err = engine.Complete(ctx, completeAs("u1", task))

			// THEN: TASK_DISABLED, not an already-completed rejection
			requireCode(t, err, rewards.CodeTaskDisabled)
			assert.False(t, rewards.IsAlreadyCompleted(err))
		})
	}
}

// rawCatalog serves task rows that bypass store validation, the way a
// hand-edited database row would.
type rawCatalog struct {
	*store.Memory
	tasks map[rewards.TaskID]rewards.Task
}

func (c *rawCatalog) GetTask(ctx context.Context, id rewards.TaskID) (*rewards.Task, error) {
	if t, ok := c.tasks[id]; ok {
		return &t, nil
	}
	return c.Memory.GetTask(ctx, id)
}

func TestComplete_MalformedTaskIsNeverCredited(t *testing.T) {
	tests := []struct {
		name string
		task rewards.Task
	}{
		{"negative reward", rewards.Task{ID: "neg", Title: "Broken", Type: rewards.TaskOneTime, Reward: -30, Enabled: true}},
		{"zero reward", rewards.Task{ID: "zero", Title: "Broken", Type: rewards.TaskDaily, Reward: 0, Enabled: true}},
		{"unknown type", rewards.Task{ID: "weekly", Title: "Broken", Type: "WEEKLY", Reward: 5, Enabled: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m := seedMemory(t)
			catalog := &rawCatalog{Memory: m, tasks: map[rewards.TaskID]rewards.Task{tt.task.ID: tt.task}}
			engine := newEngine(t, catalog, &rewards.FixedClock{T: day1})

			_, err := engine.Complete(ctx, completeAs("u1", tt.task.ID))

			requireCode(t, err, rewards.CodeUnknown)
			assert.Equal(t, int64(0), balanceOf(t, m, "u1"))
			completions, err := m.ListCompletions(ctx, "u1")
			require.NoError(t, err)
			assert.Empty(t, completions)

			// The store itself refuses the row.
			assert.ErrorIs(t, m.SaveTask(ctx, tt.task), rewards.ErrInvalidTask)
		})
	}
}

func TestComplete_TrimsIdentifiers(t *testing.T) {
	m := seedMemory(t)
	engine := newEngine(t, m, &rewards.FixedClock{T: day1})

	res, err := engine.Complete(context.Background(), rewards.CompleteInput{
		CallerID: " u1",
		UserID:   "u1 ",
		TaskID:   "\tt1\n",
	})
	require.NoError(t, err)
	assert.Equal(t, rewards.UserID("u1"), res.Account.ID)
}

// =============================================================================
// HISTORY
// =============================================================================

func TestHistory_NewestFirst(t *testing.T) {
	ctx := context.Background()
	m := seedMemory(t)
	clock := &rewards.FixedClock{T: day1}
	engine := newEngine(t, m, clock)

	_, err := engine.Complete(ctx, completeAs("u1", "once"))
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = engine.Complete(ctx, completeAs("u1", "t1"))
	require.NoError(t, err)

	h, err := engine.History(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(60), h.Account.Balance)
	require.Len(t, h.Entries, 2)
	assert.Equal(t, rewards.TaskID("t1"), h.Entries[0].TaskID)
	assert.Equal(t, rewards.TaskID("once"), h.Entries[1].TaskID)
	assert.Len(t, h.Completions, 2)
	assert.Equal(t, rewards.SumDeltas(h.Entries), h.Account.Balance)

	_, err = engine.History(ctx, "ghost")
	requireCode(t, err, rewards.CodeNotFound)
}
