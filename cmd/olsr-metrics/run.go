package main

import (
	"fmt"

	"github.com/iti/manet"
	"github.com/spf13/cobra"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a scenario and print its report",
	Long: `Run builds the scenario (the 15 node line experiment unless --config names a
description file), simulates it to its stop time, and prints the aggregate
delivery and control overhead statistics.`,
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

		opts := []manet.Option{manet.WithLogger(logger)}
		tracePath, _ := cmd.Flags().GetString("trace")
		var tm *manet.TraceManager
		if tracePath != "" {
			tm = manet.CreateTraceManager(cfg.Name, true)
			opts = append(opts, manet.WithTrace(tm))
		}

		scen, err := manet.BuildScenario(cfg, opts...)
		if err != nil {
			return err
		}
		rpt, err := scen.Run()
		if err != nil {
			return err
		}

		perFlow, _ := cmd.Flags().GetBool("flows")
		if err := rpt.Print(cmd.OutOrStdout(), perFlow); err != nil {
			return err
		}

		if jsonPath, _ := cmd.Flags().GetString("json"); jsonPath != "" {
			if err := rpt.WriteJSON(jsonPath); err != nil {
				return err
			}
			logger.Info("report written", "file", jsonPath, "runid", rpt.RunID)
		}
		if tracePath != "" {
			if err := tm.WriteToFile(tracePath); err != nil {
				return err
			}
			logger.Info("trace written", "file", tracePath, "records", tm.Len())
		}
		if cfg.Capture.Enable {
			logger.Info("captures written", "files", manet.CaptureFileName(cfg.Capture.Prefix, 0)+" ...",
				"nodes", len(cfg.Nodes))
		}
		return nil
	},
}

// addScenarioFlags declares the flags that override a scenario description
func addScenarioFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("config", "c", "", "Scenario description file (.yaml, .yml or .json)")
	cmd.Flags().Float64("stop", 0, "Simulation stop time in seconds")
	cmd.Flags().Int("nodes", 0, "Number of nodes, placed on a line (flows are retargeted to fit)")
	cmd.Flags().Float64("spacing", 0, "Distance between neighbors on the line, in meters")
	cmd.Flags().Float64("range", 0, "Radio range in meters")
	cmd.Flags().String("tc-policy", "", "TC emission policy: mpr or always")
	cmd.Flags().Float64("jitter", 0, "OLSR emission jitter, as a fraction of the interval")
	cmd.Flags().Int64("seed", 0, "Seed naming the random streams")
	cmd.Flags().String("pcap", "", "Write per-node pcap captures with this file prefix")
}

// scenarioFromFlags reads the description, if one is named, and applies the flags set on the command line
func scenarioFromFlags(cmd *cobra.Command) (*manet.ScenarioCfg, error) {
	var err error
	cfg := manet.DefaultScenarioCfg()
	if cfgPath, _ := cmd.Flags().GetString("config"); cfgPath != "" {
		cfg, err = manet.ReadScenarioCfg(cfgPath, false, nil)
		if err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("stop") {
		cfg.StopTime, _ = flags.GetFloat64("stop")
	}
	if flags.Changed("nodes") || flags.Changed("spacing") {
		n := len(cfg.Nodes)
		if flags.Changed("nodes") {
			n, _ = flags.GetInt("nodes")
		}
		spacing := 50.0
		if len(cfg.Nodes) > 1 {
			spacing = cfg.Nodes[1].X - cfg.Nodes[0].X
		}
		if flags.Changed("spacing") {
			spacing, _ = flags.GetFloat64("spacing")
		}
		cfg.Nodes = manet.LineNodes(n, spacing)
		for idx := range cfg.Flows {
			if cfg.Flows[idx].Client >= n {
				cfg.Flows[idx].Client = 0
			}
			if cfg.Flows[idx].Server >= n {
				cfg.Flows[idx].Server = n - 1
			}
		}
	}
	if flags.Changed("range") {
		cfg.Channel.RangeMeters, _ = flags.GetFloat64("range")
	}
	if flags.Changed("tc-policy") {
		cfg.Olsr.TcPolicy, _ = flags.GetString("tc-policy")
	}
	if flags.Changed("jitter") {
		cfg.Olsr.JitterFraction, _ = flags.GetFloat64("jitter")
	}
	if flags.Changed("seed") {
		cfg.Seed, _ = flags.GetInt64("seed")
	}
	if prefix, _ := flags.GetString("pcap"); prefix != "" {
		cfg.Capture = manet.CaptureDesc{Enable: true, Prefix: prefix}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", cfg.Name, err)
	}
	return cfg, nil
}

func init() {
	rootCmd.AddCommand(runCmd)

	addScenarioFlags(runCmd)
	runCmd.Flags().String("json", "", "Also write the report as json to this file")
	runCmd.Flags().String("trace", "", "Write a trace of control and data events to this file (.yaml or .json)")
	runCmd.Flags().Bool("flows", false, "Print a line per flow")
}
