// Package report applies the study-wide flagging rule to collected QC
// records and persists them as a tab-separated table.
package report

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"fmriqc/internal/models"
)

// Columns is the fixed output column order.
var Columns = []string{
	"img1", "img1name", "img2", "dice", "voxinmask", "voxoutmask",
	"ratio_inoutmask", "numvox_grtr_1e10", "flagged",
}

// ApplyFlags marks each record whose metrics fail the QC rule:
// dice below minDice, out-of-mask percentage above maxVoxOut, or any
// extreme voxels. A dice of exactly minDice passes that clause; a NaN
// extreme count (precomputed-mask variant) never triggers its clause.
func ApplyFlags(records []models.QCRecord, minDice, maxVoxOut float64) {
	for i := range records {
		r := &records[i]
		if r.Dice < minDice || r.VoxOutMask > maxVoxOut || r.NumVoxExtreme > 0 {
			r.Flagged = 1
		} else {
			r.Flagged = 0
		}
	}
}

// Filename builds the study's output table name.
func Filename(studyID, derivLabel string) string {
	return fmt.Sprintf("study-%s_check-bold_fmriprep-%s.tsv", studyID, derivLabel)
}

// WriteTSV writes the records to dir/name as a tab-separated table with
// a header row.
func WriteTSV(dir, name string, records []models.QCRecord) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %v", err)
	}

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %v", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Comma = '\t'

	if err := w.Write(Columns); err != nil {
		return fmt.Errorf("failed to write header: %v", err)
	}
	for _, r := range records {
		row := []string{
			r.Img1,
			r.Img1Name,
			r.Img2,
			formatFloat(r.Dice),
			formatFloat(r.VoxInMask),
			formatFloat(r.VoxOutMask),
			formatFloat(r.RatioInOut),
			formatFloat(r.NumVoxExtreme),
			strconv.Itoa(r.Flagged),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write record %s: %v", r.Img1, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write %s: %v", path, err)
	}
	return nil
}

func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
