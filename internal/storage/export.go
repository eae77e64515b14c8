package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"sdn-rl-controller/internal/controller"
	"sdn-rl-controller/internal/journal"

	log "github.com/sirupsen/logrus"
)

// RunExport is one journaled run ready for CSV export.
type RunExport struct {
	Run       journal.Run
	Ticks     []controller.TickRecord
	Trainings []controller.TrainingRecord
}

// ExportToCSV writes <name>_<started>_metadata.csv, _ticks.csv and
// _trainings.csv into exportPath and returns the written files.
func (re *RunExport) ExportToCSV(exportPath string, name string) ([]string, error) {
	if err := os.MkdirAll(exportPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}

	timestamp := re.Run.StartedAt.Format("20060102_150405")
	prefix := filepath.Join(exportPath, fmt.Sprintf("%s_%s", name, timestamp))
	files := []string{prefix + "_metadata.csv", prefix + "_ticks.csv", prefix + "_trainings.csv"}

	if err := re.exportMetadata(files[0]); err != nil {
		return nil, fmt.Errorf("failed to export metadata: %w", err)
	}
	if err := re.exportTicks(files[1]); err != nil {
		return nil, fmt.Errorf("failed to export ticks: %w", err)
	}
	if err := re.exportTrainings(files[2]); err != nil {
		return nil, fmt.Errorf("failed to export trainings: %w", err)
	}

	log.WithFields(log.Fields{
		"export_path": exportPath,
		"run_id":      re.Run.RunID,
		"ticks":       len(re.Ticks),
		"trainings":   len(re.Trainings),
	}).Info("Exported run to CSV")
	return files, nil
}

func writeCSV(filename string, header []string, rows [][]string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		return err
	}
	if err := writer.WriteAll(rows); err != nil {
		return err
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func (re *RunExport) exportMetadata(filename string) error {
	return writeCSV(filename, []string{"Property", "Value"}, [][]string{
		{"run_id", re.Run.RunID},
		{"name", re.Run.Name},
		{"started_at", re.Run.StartedAt.Format(time.RFC3339)},
		{"hostname", re.Run.Hostname},
		{"links", strconv.Itoa(re.Run.Links)},
		{"routes", strconv.Itoa(re.Run.Routes)},
		{"ticks", strconv.Itoa(len(re.Ticks))},
		{"trainings", strconv.Itoa(len(re.Trainings))},
	})
}

func (re *RunExport) exportTicks(filename string) error {
	header := []string{"tick", "utc_timestamp", "relative_time_ms", "action", "reward", "done", "epsilon", "flows", "status", "error"}
	rows := make([][]string, 0, len(re.Ticks))
	for _, t := range re.Ticks {
		rows = append(rows, []string{
			strconv.Itoa(t.Tick),
			t.At.UTC().Format(time.RFC3339Nano),
			strconv.FormatInt(t.At.Sub(re.Run.StartedAt).Milliseconds(), 10),
			strconv.Itoa(t.Action),
			strconv.FormatFloat(t.Reward, 'f', 6, 64),
			strconv.FormatBool(t.Done),
			strconv.FormatFloat(t.Epsilon, 'f', 6, 64),
			strconv.Itoa(t.Flows),
			t.Status,
			t.Error,
		})
	}
	return writeCSV(filename, header, rows)
}

func (re *RunExport) exportTrainings(filename string) error {
	header := []string{"tick", "utc_timestamp", "trained", "buffer_len", "epsilon", "duration_ms"}
	rows := make([][]string, 0, len(re.Trainings))
	for _, t := range re.Trainings {
		rows = append(rows, []string{
			strconv.Itoa(t.Tick),
			t.At.UTC().Format(time.RFC3339Nano),
			strconv.FormatBool(t.Trained),
			strconv.Itoa(t.BufferLen),
			strconv.FormatFloat(t.Epsilon, 'f', 6, 64),
			strconv.FormatInt(t.Duration.Milliseconds(), 10),
		})
	}
	return writeCSV(filename, header, rows)
}
