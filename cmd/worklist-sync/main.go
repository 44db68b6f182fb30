package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/synaptica-ai/worklist/pkg/common/logger"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "worklist-sync",
		Short: "Synchronise external schedules into the imaging worklist",
	}
	root.PersistentFlags().String("sources", "", "path to the sources file (overrides SOURCES_CONFIG)")

	runCommand := runCmd()
	root.AddCommand(runCommand)
	root.AddCommand(validateCmd())
	root.AddCommand(pluginsCmd())
	root.RunE = runCommand.RunE
	return root
}

func main() {
	logger.Init()

	if err := newRootCmd().Execute(); err != nil {
		logger.Log.WithError(err).Error("worklist-sync failed")
		os.Exit(1)
	}
}
