package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/warp/reward-ledger/rewards"
)

var seedAccounts = []rewards.Account{
	{ID: "admin", Name: "Admin"},
	{ID: "alice", Name: "Alice"},
	{ID: "bob", Name: "Bob"},
}

var seedTasks = []rewards.Task{
	{ID: "welcome-bonus", Title: "Welcome Bonus", Type: rewards.TaskOneTime, Reward: 50, Enabled: true},
	{ID: "daily-login", Title: "Daily Login", Type: rewards.TaskDaily, Reward: 10, Enabled: true},
	{ID: "legacy-task", Title: "Legacy Task", Type: rewards.TaskOneTime, Reward: 100, Enabled: false},
}

// seed writes the demo accounts and tasks. Existing balances are kept.
func seed(ctx context.Context, s rewards.Seeder) error {
	for _, a := range seedAccounts {
		if err := s.SaveAccount(ctx, a); err != nil {
			return fmt.Errorf("seed account %s: %w", a.ID, err)
		}
	}
	for _, t := range seedTasks {
		if err := s.SaveTask(ctx, t); err != nil {
			return fmt.Errorf("seed task %s: %w", t.ID, err)
		}
	}
	return nil
}

func runSeed(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	s, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := seed(ctx, s); err != nil {
		return err
	}
	logger.Info("seeded", "accounts", len(seedAccounts), "tasks", len(seedTasks))
	return nil
}
