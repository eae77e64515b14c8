package storage

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sdn-rl-controller/internal/controller"
	"sdn-rl-controller/internal/journal"
)

func TestExportToCSV(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	re := &RunExport{
		Run: journal.Run{RunID: "r1", Name: "lab", StartedAt: start, Links: 4, Routes: 3},
		Ticks: []controller.TickRecord{
			{Tick: 1, At: start.Add(1500 * time.Millisecond), Action: 2, Reward: 0.25, Status: "RUNNING"},
			{Tick: 2, At: start.Add(3 * time.Second), Status: "FAILED", Error: "sync, failed"},
		},
		Trainings: []controller.TrainingRecord{{Tick: 2, At: start, Trained: true, BufferLen: 2}},
	}

	dir := filepath.Join(t.TempDir(), "export")
	files, err := re.ExportToCSV(dir, "lab")
	if err != nil {
		t.Fatalf("ExportToCSV: %v", err)
	}
	if len(files) != 3 || filepath.Base(files[1]) != "lab_20240301_120000_ticks.csv" {
		t.Fatalf("files = %v", files)
	}

	f, err := os.Open(files[1])
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read ticks: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want header + 2", len(rows))
	}
	if rows[1][2] != "1500" || rows[1][4] != "0.250000" {
		t.Errorf("tick row = %v", rows[1])
	}
	if rows[2][8] != "FAILED" || rows[2][9] != "sync, failed" {
		t.Errorf("failed row = %v", rows[2])
	}
}
