package cmd

import (
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	dbPath  string
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "crucible",
		Short: "Experiment execution engine for agent evaluation",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "crucible.yaml", "config file path")
	root.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides config)")
	root.AddCommand(newStartCmd())
	root.AddCommand(newRetryCmd())
	root.AddCommand(newTerminateCmd())
	root.AddCommand(newDeleteCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newSeedCmd())
	root.AddCommand(newSuperviseCmd())
	return root
}
