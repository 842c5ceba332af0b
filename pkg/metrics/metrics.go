// Package metrics implements the pure numeric primitives of
// registration QC: Dice overlap, in/out-of-mask voxel ratios, extreme
// voxel counting and the run identity string. All functions are free of
// I/O and operate on volumes already brought onto a common grid.
package metrics

import (
	"fmt"
	"math"
	"strings"

	"fmriqc/internal/models"
	"fmriqc/pkg/nifti"
)

// ExtremeThreshold is the absolute voxel intensity above which a value
// is treated as a numerical blow-up artifact from failed resampling
// rather than physiological signal.
const ExtremeThreshold = 1e10

// Dice computes the Sorensen-Dice overlap between two masks:
// 2*|A∩B| / (|A|+|B|), where a voxel belongs to a mask when its value
// is positive. Both volumes must share a grid; mismatched grids are an
// error because implicit resampling would hide registration problems.
// Two empty masks score 0.
func Dice(a, b *nifti.Volume) (float64, error) {
	if !a.SameGrid(b) {
		return 0, fmt.Errorf("grid mismatch: %dx%dx%d vs %dx%dx%d",
			a.Nx, a.Ny, a.Nz, b.Nx, b.Ny, b.Nz)
	}

	var na, nb, both int
	for i := range a.Data {
		ina := a.Data[i] > 0
		inb := b.Data[i] > 0
		if ina {
			na++
		}
		if inb {
			nb++
		}
		if ina && inb {
			both++
		}
	}
	if na+nb == 0 {
		return 0, nil
	}
	return 2 * float64(both) / float64(na+nb), nil
}

// VoxelInOutRatio computes the percentage of an image's non-zero voxels
// falling inside and outside a brain mask, plus their ratio.
//
// Degenerate cases follow one rule everywhere: when the image has no
// non-zero voxels at all, the result is (0, 0, +Inf); when all non-zero
// voxels lie inside the mask, the ratio is likewise +Inf. The ratio is
// never NaN.
func VoxelInOutRatio(img, mask *nifti.Volume) (percentIn, percentOut, ratio float64, err error) {
	if !img.SameGrid(mask) {
		return 0, 0, 0, fmt.Errorf("grid mismatch: %dx%dx%d vs %dx%dx%d",
			img.Nx, img.Ny, img.Nz, mask.Nx, mask.Ny, mask.Nz)
	}

	var in, out int
	for i, d := range img.Data {
		if d == 0 {
			continue
		}
		if mask.Data[i] > 0 {
			in++
		} else {
			out++
		}
	}

	total := in + out
	if total == 0 {
		return 0, 0, math.Inf(1), nil
	}
	percentIn = 100 * float64(in) / float64(total)
	percentOut = 100 * float64(out) / float64(total)
	if percentOut == 0 {
		return percentIn, percentOut, math.Inf(1), nil
	}
	return percentIn, percentOut, percentIn / percentOut, nil
}

// ExtremeVoxelCount counts voxels whose magnitude exceeds
// ExtremeThreshold.
func ExtremeVoxelCount(img *nifti.Volume) int {
	n := 0
	for _, d := range img.Data {
		if math.Abs(d) > ExtremeThreshold {
			n++
		}
	}
	return n
}

// RunID builds the run identity string for a key: present entities in
// the fixed order subject, session, task, run, each as key-value,
// joined by underscores. Absent entities are omitted.
func RunID(key models.RunKey) string {
	parts := make([]string, 0, 4)
	if key.Subject != "" {
		parts = append(parts, "sub-"+key.Subject)
	}
	if key.Session != "" {
		parts = append(parts, "ses-"+key.Session)
	}
	if key.Task != "" {
		parts = append(parts, "task-"+key.Task)
	}
	if key.Run != "" {
		parts = append(parts, "run-"+key.Run)
	}
	return strings.Join(parts, "_")
}

// RunIDFromEntities builds the identity string from parsed filename
// entities, used by the precomputed-mask variant where the key comes
// from the mask file's own name.
func RunIDFromEntities(entities map[string]string) string {
	return RunID(models.RunKey{
		Subject: entities["sub"],
		Session: entities["ses"],
		Task:    entities["task"],
		Run:     entities["run"],
	})
}
