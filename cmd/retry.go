package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <experiment-id>",
		Short: "Re-run the failed cases of an experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			retried, err := rt.engine.RetryFailed(ctx, args[0], currentActor())
			if err != nil {
				return err
			}
			if retried == 0 {
				fmt.Println("No failed cases to retry.")
				return nil
			}
			fmt.Printf("Retried %d cases.\n", retried)
			return nil
		},
	}
}
