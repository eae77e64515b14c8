package cmd

import (
	"context"
	"fmt"
	"strings"

	"sdn-rl-controller/internal/config"
	"sdn-rl-controller/internal/journal"
	"sdn-rl-controller/internal/logging"
	"sdn-rl-controller/internal/plot"
	"sdn-rl-controller/internal/storage"
	"sdn-rl-controller/internal/topology"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newRunCommand() *cobra.Command {
	var configFile string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the routing controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runController(configFile)
		},
	}
	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to configuration file")
	runCmd.MarkFlagRequired("config")
	return runCmd
}

func newValidateCommand() *cobra.Command {
	var configFile string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a controller configuration against its topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfig(configFile)
		},
	}
	validateCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to configuration file")
	validateCmd.MarkFlagRequired("config")
	return validateCmd
}

func newPathCommand() *cobra.Command {
	var configFile, src, dst, metricList string
	pathCmd := &cobra.Command{
		Use:   "path",
		Short: "Find the best path between two nodes",
		Long:  "Find a path by the first metric in the preference list that connects the nodes and print its bottleneck metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := findPath(configFile, src, dst, metricList)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
	pathCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to configuration file")
	pathCmd.Flags().StringVar(&src, "src", "", "Source node")
	pathCmd.Flags().StringVar(&dst, "dst", "", "Destination node")
	pathCmd.Flags().StringVar(&metricList, "metrics", "bandwidth", "Comma-separated metric preference list")
	pathCmd.MarkFlagRequired("config")
	pathCmd.MarkFlagRequired("src")
	pathCmd.MarkFlagRequired("dst")
	return pathCmd
}

func newPlotCommand() *cobra.Command {
	var journalPath, runID, output string
	var window int
	plotCmd := &cobra.Command{
		Use:   "plot",
		Short: "Plot reward and epsilon of a run",
		Long:  "Generate a reward/epsilon timeline image from the ticks stored in the run journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return generatePlot(journalPath, runID, output, window)
		},
	}
	plotCmd.Flags().StringVar(&journalPath, "journal", "", "Path to the run journal database")
	plotCmd.Flags().StringVar(&runID, "run", "", "Run ID (defaults to the latest run)")
	plotCmd.Flags().StringVarP(&output, "output", "o", "reward.png", "Output image file")
	plotCmd.Flags().IntVar(&window, "window", 10, "Moving average window for the reward")
	plotCmd.MarkFlagRequired("journal")
	return plotCmd
}

func newExportCommand() *cobra.Command {
	var journalPath, runID, output string
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export a run to CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := exportRun(journalPath, runID, output)
			if err != nil {
				return err
			}
			for _, f := range files {
				fmt.Fprintln(cmd.OutOrStdout(), f)
			}
			return nil
		},
	}
	exportCmd.Flags().StringVar(&journalPath, "journal", "", "Path to the run journal database")
	exportCmd.Flags().StringVar(&runID, "run", "", "Run ID (defaults to the latest run)")
	exportCmd.Flags().StringVarP(&output, "output", "o", "export", "Output directory")
	exportCmd.MarkFlagRequired("journal")
	return exportCmd
}

func findPath(configFile, src, dst, metricList string) (string, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return "", err
	}
	net, err := loadNetwork(cfg, configFile)
	if err != nil {
		return "", err
	}
	prefs, err := topology.ParseMetrics(metricList)
	if err != nil {
		return "", err
	}

	path := net.topo.FindPath(src, dst, prefs, net.metrics)
	if len(path) == 0 {
		return fmt.Sprintf("no path from %s to %s\n", src, dst), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", strings.Join(path, " -> "))
	bottleneck, err := net.topo.PathMetrics(path, net.metrics)
	if err != nil {
		return "", err
	}
	for _, m := range net.metrics.Names() {
		fmt.Fprintf(&b, "%s: %g\n", m, bottleneck[m])
	}
	return b.String(), nil
}

// selectRun returns the run with the given ID, or the latest one when runID
// is empty.
func selectRun(ctx context.Context, j *journal.Journal, journalPath, runID string) (journal.Run, error) {
	runs, err := j.Runs(ctx)
	if err != nil {
		return journal.Run{}, err
	}
	if len(runs) == 0 {
		return journal.Run{}, fmt.Errorf("journal %s has no runs", journalPath)
	}
	if runID == "" {
		logging.GetLogger().WithFields(logrus.Fields{
			"run_id": runs[0].RunID,
			"name":   runs[0].Name,
		}).Info("Using latest run")
		return runs[0], nil
	}
	for _, r := range runs {
		if r.RunID == runID {
			return r, nil
		}
	}
	return journal.Run{}, fmt.Errorf("run %s not found in %s", runID, journalPath)
}

func generatePlot(journalPath, runID, output string, window int) error {
	ctx := context.Background()

	j, err := journal.Open(journalPath)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer j.Close()

	run, err := selectRun(ctx, j, journalPath, runID)
	if err != nil {
		return err
	}

	pm := plot.NewPlotManager(j)
	return pm.GenerateTimeline(ctx, plot.Options{RunID: run.RunID, Window: window}, output)
}

func exportRun(journalPath, runID, output string) ([]string, error) {
	ctx := context.Background()

	j, err := journal.Open(journalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer j.Close()

	run, err := selectRun(ctx, j, journalPath, runID)
	if err != nil {
		return nil, err
	}
	ticks, err := j.Ticks(ctx, run.RunID)
	if err != nil {
		return nil, err
	}
	trainings, err := j.Trainings(ctx, run.RunID)
	if err != nil {
		return nil, err
	}

	name := run.Name
	if name == "" {
		name = "run"
	}
	re := &storage.RunExport{Run: run, Ticks: ticks, Trainings: trainings}
	return re.ExportToCSV(output, name)
}
