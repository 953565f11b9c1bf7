package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var flagConfig string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "matchmaker",
	Short:   "Pairs anonymous guests into two-party rooms for chat and WebRTC signaling",
	Version: version,
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "optional config file (yaml, json or toml)")
	rootCmd.AddCommand(serveCmd)

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
