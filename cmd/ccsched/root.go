package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jaakkos/ccsched/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "ccsched",
	Short: "Persistent scheduler for a coding agent task queue",
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to config file (default: none, env/flags only)")
	rootCmd.PersistentFlags().String("addr", "http://127.0.0.1:39512", "control plane base URL, for client subcommands")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("addr", rootCmd.PersistentFlags().Lookup("addr")); err != nil {
		panic(err)
	}
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	return config.Load(viper.GetString("config"))
}
