package main

import (
	"encoding/json"
	"fmt"

	"github.com/iti/manet"
	"github.com/spf13/cobra"
)

// analyzeCmd represents the analyze command
var analyzeCmd = &cobra.Command{
	Use:   "analyze [pattern]",
	Short: "Count the OLSR messages held in pcap captures",
	Long: `Analyze reads every pcap file matching the glob pattern (olsr-control-*.pcap
by default) and prints, per file and in total, the number and volume of OLSR
packets, broken down into HELLO, TC and MID.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, closeLog, err := buildLogger(cmd)
		if err != nil {
			return err
		}
		defer closeLog()

		pattern := "olsr-control-*.pcap"
		if len(args) > 0 {
			pattern = args[0]
		}
		all, err := manet.AnalyzeCaptures(pattern)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(all) == 0 {
			fmt.Fprintln(out, "Nenhum arquivo PCAP encontrado. Certifique-se de que os arquivos estão no diretório atual.")
			return nil
		}
		logger.Info("captures found", "files", len(all), "pattern", pattern)

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			bytes, err := json.MarshalIndent(map[string]any{"files": all, "total": manet.SumCaptureStats(all)}, "", "\t")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(out, string(bytes))
			return err
		}
		return manet.PrintCaptureSummary(out, all)
	},
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
	analyzeCmd.Flags().Bool("json", false, "Print the counts as json")
}
