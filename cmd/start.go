package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <experiment-id>",
		Short: "Run every data item of an experiment's dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			started, err := rt.engine.StartExperiment(ctx, args[0], currentActor())
			if err != nil {
				return err
			}
			if started == 0 {
				fmt.Println("Dataset is empty; nothing to run.")
				return nil
			}
			fmt.Printf("Executed %d cases.\n", started)
			return nil
		},
	}
}
