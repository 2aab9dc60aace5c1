package cmd

import (
	"context"
	"fmt"

	"github.com/probelab/crucible/internal/config"
	"github.com/probelab/crucible/internal/engine"
	"github.com/probelab/crucible/internal/store"
	"github.com/spf13/cobra"
)

func newTerminateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "terminate <experiment-id>",
		Short: "Manually terminate a running experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			st, _, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			eng := engine.New(st, nil, nil)
			if err := eng.Terminate(ctx, args[0], currentActor()); err != nil {
				return err
			}
			fmt.Println("Experiment terminated.")
			return nil
		},
	}
}

// openStore opens just the database, for commands that never execute
// cases and so do not need an executor, scorer, or gateway.
func openStore() (*store.Store, *config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if dbPath != "" {
		cfg.DB.Path = dbPath
	}
	st, err := store.Open(cfg.DB.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return st, cfg, nil
}
