package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/warp/reward-ledger/rewards"
)

func runReconcile(cmd *cobra.Command, _ []string) error {
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

	drifts, err := rewards.NewReconciler(s, logger).RunAll(ctx, flagRepair)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(drifts) == 0 {
		fmt.Fprintln(out, "all balances match the ledger")
		return nil
	}
	for _, d := range drifts {
		state := "drifted"
		if d.Repaired {
			state = "repaired"
		}
		fmt.Fprintf(out, "%s\t%s\tbalance=%d\tledger=%d\tdelta=%+d\n", d.UserID, state, d.Balance, d.LedgerSum, d.Delta())
	}
	return nil
}
