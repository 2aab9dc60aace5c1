package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/probelab/crucible/internal/store"
	"github.com/spf13/cobra"
)

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <experiment-id>",
		Short: "Soft-delete an experiment, preserving its run history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			st, _, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			exp, err := store.GetExperiment(ctx, st.DB(), args[0])
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("no experiment %s", args[0])
			}
			if err != nil {
				return fmt.Errorf("loading experiment: %w", err)
			}
			if exp.Locked {
				return fmt.Errorf("experiment %s is running; terminate it first", exp.ID)
			}

			if err := store.SoftDeleteExperiment(ctx, st.DB(), exp.ID); err != nil {
				return fmt.Errorf("deleting experiment: %w", err)
			}
			fmt.Printf("Deleted experiment %s.\n", exp.Name)
			return nil
		},
	}
}
