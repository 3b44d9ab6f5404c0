package main

import (
	"github.com/spf13/cobra"
)

// describeCmd represents the describe command
var describeCmd = &cobra.Command{
	Use:   "describe <file>",
	Short: "Write a scenario description file",
	Long: `Describe writes the scenario that run would execute with the same flags to
the named file, as yaml or json according to its extension.  The file can be
edited and passed back to run with --config.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, closeLog, err := buildLogger(cmd)
		if err != nil {
			return err
		}
		defer closeLog()

		cfg, err := scenarioFromFlags(cmd)
		if err != nil {
			return err
		}
		if err := cfg.WriteToFile(args[0]); err != nil {
			return err
		}
		logger.Info("scenario written", "file", args[0], "name", cfg.Name, "nodes", len(cfg.Nodes))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(describeCmd)
	addScenarioFlags(describeCmd)
}
