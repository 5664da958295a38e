package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"OpenMCP-Swap/internal/config"
	"OpenMCP-Swap/pkg/logger"
)

type globalFlags struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "swapd",
		Short:         "Multi-chain swap quote aggregation and execution daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", defaultConfigPath(),
		"path to the JSON or YAML configuration file")

	root.AddCommand(
		newServeCmd(flags),
		newNetworksCmd(flags),
		newQuoteCmd(flags),
		newCompareCmd(flags),
	)
	return root
}

func defaultConfigPath() string {
	if path := os.Getenv("SWAPMCP_CONFIG"); path != "" {
		return path
	}
	return filepath.Join("configs", "swapd.json")
}

// loadConfig 读取配置并初始化全局日志。
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}
