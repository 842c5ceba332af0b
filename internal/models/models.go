package models

import "math"

// DerivType selects which upstream fMRIPrep artifact naming convention
// the resolver queries for.
type DerivType string

const (
	// DerivMinimal corresponds to fMRIPrep's minimal derivative layout,
	// where coregistered boldref images carry a desc-coreg tag.
	DerivMinimal DerivType = "minimal"

	// DerivNonMinimal corresponds to the full fMRIPrep derivative layout.
	DerivNonMinimal DerivType = "non-minimal"
)

// RunKey identifies one functional run. Session and Run are optional
// dimensions; the empty string marks a dimension the study does not use.
type RunKey struct {
	Subject string
	Session string
	Task    string
	Run     string
}

// QCRecord holds the registration QC metrics for a single run.
// Records are immutable once computed; Flagged is filled in only after
// the whole study table is collected.
type QCRecord struct {
	// Img1 is the run identity string, e.g. "sub-01_task-rest_run-1".
	Img1 string

	// Img1Name is the filename of the mask the metrics were computed on.
	Img1Name string

	// Img2 labels the reference space the run was compared against.
	Img2 string

	// Dice is the set-overlap similarity between the run mask and the
	// template reference mask, in [0, 1].
	Dice float64

	// VoxInMask and VoxOutMask are the percentages of non-zero voxels
	// falling inside and outside the reference mask.
	VoxInMask  float64
	VoxOutMask float64

	// RatioInOut is VoxInMask/VoxOutMask, +Inf when nothing lies outside.
	RatioInOut float64

	// NumVoxExtreme counts voxels with |v| > 1e10 in the transformed
	// reference image. NaN when the variant has no transformed image to
	// inspect (precomputed-mask runs).
	NumVoxExtreme float64

	// Flagged is 1 when the record fails the study-wide QC rule.
	Flagged int
}

// HasExtremeCount reports whether NumVoxExtreme was actually measured
// for this record.
func (r *QCRecord) HasExtremeCount() bool {
	return !math.IsNaN(r.NumVoxExtreme)
}
