package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "olsr-metrics",
	Short: "OLSR MANET measurement simulator",
	Long: `olsr-metrics simulates a static wireless ad-hoc network routed by OLSR,
drives UDP echo traffic across it, and reports delivery ratio, latency and
routing control overhead.  Control traffic can be captured to pcap files and
analyzed afterwards.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		slog.New(consoleHandler(slog.LevelInfo)).Error("olsr-metrics failed", "err", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Verbose (debug) logging")
	rootCmd.PersistentFlags().String("log-file", "", "Also write the log to this file")
}
