package cmd

import (
	"context"
	"fmt"

	"github.com/probelab/crucible/internal/store"
	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List experiments",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			st, _, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			exps, err := store.ListExperiments(ctx, st.DB())
			if err != nil {
				return err
			}
			if len(exps) == 0 {
				fmt.Println("No experiments.")
				return nil
			}
			for _, exp := range exps {
				fmt.Printf("  %s  %-14s  %s (dataset: %s, agent: %s)\n",
					exp.ID, exp.Status, exp.Name, exp.DatasetName, exp.Agent.Name)
			}
			return nil
		},
	}
}
