package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/wirebird/wirebird/config"
	"github.com/wirebird/wirebird/utils"
)

var (
	exit       = os.Exit
	configPath string
	debug      bool
)

// NewRootCmd creates the root 'wirebird' command with persistent flags and
// subcommands.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wirebird",
		Short: "Flow automation engine: poll actions, dispatch reactions",
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath, "Path to wirebird config JSON")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logs")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if debug {
			utils.SetDebug(true)
		}
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newValidateCmd(),
		newProvidersCmd(),
		newRunCmd(),
	)
	return rootCmd
}

// loadConfig reads the configured JSON file, exiting on parse errors.
func loadConfig() *config.Config {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		utils.Error("load config: %v", err)
		exit(1)
	}
	return cfg
}
