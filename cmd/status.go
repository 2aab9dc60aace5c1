package cmd

import (
	"context"
	"fmt"

	"github.com/probelab/crucible/internal/engine"
	"github.com/probelab/crucible/internal/store"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "status <experiment-id>",
		Short: "Show (and optionally recompute) an experiment's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			st, _, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if refresh {
				eng := engine.New(st, nil, nil)
				if err := eng.RefreshStatus(ctx, args[0]); err != nil {
					return err
				}
			}

			exp, err := store.GetExperiment(ctx, st.DB(), args[0])
			if err != nil {
				return fmt.Errorf("loading experiment: %w", err)
			}
			counts, err := store.CountLatestStatuses(ctx, st.DB(), exp.ID)
			if err != nil {
				return fmt.Errorf("counting cases: %w", err)
			}

			fmt.Printf("%s (%s)\n", exp.Name, exp.ID)
			fmt.Printf("  status:  %s\n", exp.Status)
			fmt.Printf("  dataset: %s  agent: %s %s\n", exp.DatasetName, exp.Agent.Name, exp.Agent.Version)
			fmt.Printf("  cases:   %d success, %d failed, %d running, %d pending\n",
				counts.Success, counts.Failed, counts.Running, counts.Pending)
			if exp.StartedAt != nil {
				fmt.Printf("  started: %s by %s\n", exp.StartedAt.Format("2006-01-02 15:04:05"), exp.StartedBy)
			}
			if exp.FinishedAt != nil {
				fmt.Printf("  finished: %s\n", exp.FinishedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "recompute status from run cases before printing")
	return cmd
}
