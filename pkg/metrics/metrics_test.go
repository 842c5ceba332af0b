package metrics

import (
	"math"
	"testing"

	"fmriqc/internal/models"
	"fmriqc/pkg/nifti"
)

// makeVolume builds a small test volume with the given voxel values.
func makeVolume(nx, ny, nz int, values []float64) *nifti.Volume {
	v := &nifti.Volume{
		Nx:     nx,
		Ny:     ny,
		Nz:     nz,
		Pixdim: [3]float64{1, 1, 1},
		Data:   make([]float64, nx*ny*nz),
	}
	copy(v.Data, values)
	return v
}

// halfMask returns a mask covering the first half of an 8-voxel grid.
func halfMask() *nifti.Volume {
	return makeVolume(2, 2, 2, []float64{1, 1, 1, 1, 0, 0, 0, 0})
}

func TestDiceProperties(t *testing.T) {
	a := halfMask()

	t.Run("Identity", func(t *testing.T) {
		d, err := Dice(a, a)
		if err != nil {
			t.Fatalf("Dice failed: %v", err)
		}
		if d != 1.0 {
			t.Errorf("dice(A,A) = %v, want 1.0", d)
		}
	})

	t.Run("Complement", func(t *testing.T) {
		notA := makeVolume(2, 2, 2, []float64{0, 0, 0, 0, 1, 1, 1, 1})
		d, err := Dice(a, notA)
		if err != nil {
			t.Fatalf("Dice failed: %v", err)
		}
		if d != 0.0 {
			t.Errorf("dice(A,notA) = %v, want 0.0", d)
		}
	})

	t.Run("Symmetry", func(t *testing.T) {
		b := makeVolume(2, 2, 2, []float64{1, 0, 1, 0, 1, 0, 1, 0})
		dab, err := Dice(a, b)
		if err != nil {
			t.Fatalf("Dice failed: %v", err)
		}
		dba, err := Dice(b, a)
		if err != nil {
			t.Fatalf("Dice failed: %v", err)
		}
		if dab != dba {
			t.Errorf("dice not symmetric: %v vs %v", dab, dba)
		}
	})

	t.Run("BothEmpty", func(t *testing.T) {
		empty := makeVolume(2, 2, 2, nil)
		d, err := Dice(empty, empty)
		if err != nil {
			t.Fatalf("Dice failed: %v", err)
		}
		if d != 0.0 {
			t.Errorf("dice of empty masks = %v, want 0.0", d)
		}
	})

	t.Run("GridMismatch", func(t *testing.T) {
		b := makeVolume(2, 2, 1, nil)
		if _, err := Dice(a, b); err == nil {
			t.Error("expected error for mismatched grids")
		}
	})
}

func TestVoxelInOutRatio(t *testing.T) {
	mask := halfMask()

	t.Run("Mixed", func(t *testing.T) {
		// Three non-zero voxels inside the mask, one outside.
		img := makeVolume(2, 2, 2, []float64{5, 3, 2, 0, 7, 0, 0, 0})
		in, out, ratio, err := VoxelInOutRatio(img, mask)
		if err != nil {
			t.Fatalf("VoxelInOutRatio failed: %v", err)
		}
		if in != 75 || out != 25 {
			t.Errorf("got (%v, %v), want (75, 25)", in, out)
		}
		if ratio != 3 {
			t.Errorf("ratio = %v, want 3", ratio)
		}
		if math.Abs(in+out-100) > 1e-9 {
			t.Errorf("percentages sum to %v, want 100", in+out)
		}
	})

	t.Run("AllZeroImage", func(t *testing.T) {
		img := makeVolume(2, 2, 2, nil)
		in, out, ratio, err := VoxelInOutRatio(img, mask)
		if err != nil {
			t.Fatalf("VoxelInOutRatio failed: %v", err)
		}
		if in != 0 || out != 0 {
			t.Errorf("got (%v, %v), want (0, 0)", in, out)
		}
		if !math.IsInf(ratio, 1) {
			t.Errorf("ratio = %v, want +Inf", ratio)
		}
	})

	t.Run("AllInside", func(t *testing.T) {
		img := makeVolume(2, 2, 2, []float64{1, 1, 0, 0, 0, 0, 0, 0})
		in, out, ratio, err := VoxelInOutRatio(img, mask)
		if err != nil {
			t.Fatalf("VoxelInOutRatio failed: %v", err)
		}
		if in != 100 || out != 0 {
			t.Errorf("got (%v, %v), want (100, 0)", in, out)
		}
		if !math.IsInf(ratio, 1) {
			t.Errorf("ratio = %v, want +Inf", ratio)
		}
	})

	t.Run("GridMismatch", func(t *testing.T) {
		img := makeVolume(3, 2, 2, nil)
		if _, _, _, err := VoxelInOutRatio(img, mask); err == nil {
			t.Error("expected error for mismatched grids")
		}
	})
}

func TestExtremeVoxelCount(t *testing.T) {
	img := makeVolume(2, 2, 2, []float64{1e11, -2e10, 1e10, 5, 0, 0, 0, 0})
	// 1e10 is not strictly greater than the threshold.
	if n := ExtremeVoxelCount(img); n != 2 {
		t.Errorf("ExtremeVoxelCount = %d, want 2", n)
	}
}

func TestRunID(t *testing.T) {
	tests := []struct {
		name string
		key  models.RunKey
		want string
	}{
		{
			name: "AllEntities",
			key:  models.RunKey{Subject: "01", Session: "02", Task: "rest", Run: "1"},
			want: "sub-01_ses-02_task-rest_run-1",
		},
		{
			name: "NoSession",
			key:  models.RunKey{Subject: "01", Task: "rest", Run: "1"},
			want: "sub-01_task-rest_run-1",
		},
		{
			name: "SubjectAndTaskOnly",
			key:  models.RunKey{Subject: "01", Task: "rest"},
			want: "sub-01_task-rest",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RunID(tt.key); got != tt.want {
				t.Errorf("RunID = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRunIDFromEntities(t *testing.T) {
	entities := map[string]string{
		"sub": "07", "task": "nback", "run": "2", "space": "MNI152NLin2009cAsym",
	}
	// Non-identity entities like space are ignored.
	if got := RunIDFromEntities(entities); got != "sub-07_task-nback_run-2" {
		t.Errorf("RunIDFromEntities = %q", got)
	}
}
