package main

import (
	"github.com/spf13/cobra"

	"Monios-Control/internal/config"
	"Monios-Control/pkg/logger"
)

func newRootCmd() *cobra.Command {
	var configPath string
	rootCmd := &cobra.Command{
		Use:           "moniosd",
		Short:         "Monios tenant session and sandbox orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径 (默认读取 $"+config.EnvConfigPath+")")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(config.ResolvePath(configPath))
		if err != nil {
			return nil, err
		}
		if err := logger.Init(cfg.Logging); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	rootCmd.AddCommand(
		newServeCmd(load),
		newLedgerCmd(load),
		newArtifactCmd(load),
		newTokenCmd(load),
	)
	return rootCmd
}

type configLoader func() (*config.Config, error)
