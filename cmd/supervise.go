package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/probelab/crucible/internal/engine"
	"github.com/probelab/crucible/internal/supervisor"
	"github.com/spf13/cobra"
)

func newSuperviseCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "supervise",
		Short: "Reap experiments stuck in a running state",
		Long:  "Run the crash-recovery supervisor: on the configured cron schedule, force-fail any experiment that has been running past the stale deadline. With --once, sweep a single time and exit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, cfg, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			eng := engine.New(st, nil, nil)
			staleAfter := time.Duration(cfg.Supervisor.StaleAfterMinutes) * time.Minute
			sup := supervisor.New(eng, st, staleAfter)

			if once {
				sup.Sweep()
				return nil
			}

			if err := sup.Start(cfg.Supervisor.Schedule); err != nil {
				return fmt.Errorf("starting supervisor: %w", err)
			}
			defer sup.Stop()
			fmt.Printf("Supervisor running on schedule %q (stale after %s). Ctrl-C to stop.\n",
				cfg.Supervisor.Schedule, staleAfter)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			<-sigCh
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single sweep and exit")
	return cmd
}
