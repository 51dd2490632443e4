package main

import (
	"github.com/spf13/cobra"

	"github.com/shepherd-project/shepherd-fetch/internal/config"
	"github.com/shepherd-project/shepherd-fetch/internal/version"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "shepherd-fetch",
	Short:         "Resumable multi-part downloader for model files",
	Version:       version.Get().String(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newInspectCmd())
}

// loadConfig reads the configuration file, falling back to defaults when it
// cannot be loaded.
func loadConfig() (*config.Config, string) {
	mgr := config.NewManager()
	if configPath != "" {
		mgr = config.NewManagerWithPath(configPath)
	}

	cfg, err := mgr.Load()
	if err != nil {
		printWarning("Using default configuration: " + err.Error())
		cfg = config.DefaultConfig()
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, mgr.GetConfigPath()
}
