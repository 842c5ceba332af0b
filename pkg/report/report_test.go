package report

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"fmriqc/internal/models"
)

func record(dice, voxOut, extreme float64) models.QCRecord {
	return models.QCRecord{
		Img1:          "sub-01_task-rest_run-1",
		Img1Name:      "mask.nii.gz",
		Img2:          "mni152",
		Dice:          dice,
		VoxInMask:     100 - voxOut,
		VoxOutMask:    voxOut,
		RatioInOut:    1,
		NumVoxExtreme: extreme,
	}
}

func TestApplyFlags(t *testing.T) {
	tests := []struct {
		name string
		rec  models.QCRecord
		want int
	}{
		{"Clean", record(0.95, 5, 0), 0},
		{"LowDice", record(0.79, 5, 0), 1},
		{"DiceExactlyAtThreshold", record(0.80, 5, 0), 0},
		{"HighVoxOut", record(0.95, 20.5, 0), 1},
		{"VoxOutExactlyAtThreshold", record(0.95, 20, 0), 0},
		{"ExtremeVoxels", record(0.95, 5, 3), 1},
		{"NaNExtremeCount", record(0.95, 5, math.NaN()), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs := []models.QCRecord{tt.rec}
			ApplyFlags(recs, 0.80, 20)
			if recs[0].Flagged != tt.want {
				t.Errorf("flagged = %d, want %d", recs[0].Flagged, tt.want)
			}
		})
	}
}

func TestFilename(t *testing.T) {
	got := Filename("ds000124", "minimal")
	if got != "study-ds000124_check-bold_fmriprep-minimal.tsv" {
		t.Errorf("Filename = %q", got)
	}
}

func TestWriteTSV(t *testing.T) {
	dir, err := os.MkdirTemp("", "fmriqc-report-test-*")
	if err != nil {
		t.Fatalf("Failed to create temporary directory: %v", err)
	}
	defer os.RemoveAll(dir)

	recs := []models.QCRecord{
		record(0.9, 10, 0),
		record(0.5, 30, math.NaN()),
	}
	recs[1].RatioInOut = math.Inf(1)
	ApplyFlags(recs, 0.80, 20)

	name := Filename("ds1", "minimal")
	if err := WriteTSV(dir, name, recs); err != nil {
		t.Fatalf("WriteTSV failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("Failed to read table: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header plus 2 records", len(lines))
	}
	if lines[0] != strings.Join(Columns, "\t") {
		t.Errorf("header = %q", lines[0])
	}

	first := strings.Split(lines[1], "\t")
	if len(first) != len(Columns) {
		t.Fatalf("row has %d columns, want %d", len(first), len(Columns))
	}
	if first[8] != "0" {
		t.Errorf("clean record flagged = %q", first[8])
	}

	second := strings.Split(lines[2], "\t")
	if second[6] != "inf" {
		t.Errorf("ratio column = %q, want inf", second[6])
	}
	if second[7] != "nan" {
		t.Errorf("extreme column = %q, want nan", second[7])
	}
	if second[8] != "1" {
		t.Errorf("bad record flagged = %q", second[8])
	}
}
