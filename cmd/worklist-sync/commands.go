package main

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/synaptica-ai/worklist/pkg/common/config"
	"github.com/synaptica-ai/worklist/pkg/common/logger"
	"github.com/synaptica-ai/worklist/pkg/common/models"
	"github.com/synaptica-ai/worklist/pkg/orchestrator"
	"github.com/synaptica-ai/worklist/pkg/sources/registry"
)

func sourcesPath(cmd *cobra.Command, cfg *config.Config) string {
	if path, _ := cmd.Flags().GetString("sources"); path != "" {
		return path
	}
	return cfg.SourcesConfig
}

func loadSources(cmd *cobra.Command, cfg *config.Config) ([]models.SourceConfig, error) {
	path := sourcesPath(cmd, cfg)
	configs, err := config.LoadSources(path)
	if err != nil {
		return nil, fmt.Errorf("load sources %s: %w", path, err)
	}
	return configs, nil
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "validate",
		Short:        "Validate the sources file without polling",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			configs, err := loadSources(cmd, cfg)
			if err != nil {
				return err
			}

			built, errs, err := orchestrator.Build(configs, registry.Default(), orchestrator.Deps{})
			out := cmd.OutOrStdout()
			for _, src := range built {
				fmt.Fprintf(out, "ok       %s (%s, %s, every %s, hours %s)\n",
					src.Name(), src.Config.Type, src.Location, src.Config.PollInterval(), src.Hours)
			}
			for _, e := range errs {
				fmt.Fprintf(out, "invalid  %v\n", e)
			}
			if errors.Is(err, orchestrator.ErrNoValidSources) {
				return err
			}
			logger.Log.WithFields(logrus.Fields{"valid": len(built), "invalid": len(errs)}).Info("Sources validated")
			return nil
		},
	}
}

func pluginsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List the source plugin types",
		Run: func(cmd *cobra.Command, args []string) {
			for _, typ := range registry.Default().Types() {
				fmt.Fprintln(cmd.OutOrStdout(), typ)
			}
		},
	}
}
