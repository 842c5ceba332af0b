package bids

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

// writeTree creates an empty file for each relative path under root.
func writeTree(t *testing.T, root string, paths []string) {
	t.Helper()
	for _, p := range paths {
		full := filepath.Join(root, p)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatalf("Failed to create directory: %v", err)
		}
		if err := os.WriteFile(full, []byte("x"), 0644); err != nil {
			t.Fatalf("Failed to write file: %v", err)
		}
	}
}

func fixtureLayout(t *testing.T) *Layout {
	t.Helper()
	dir, err := os.MkdirTemp("", "fmriqc-bids-test-*")
	if err != nil {
		t.Fatalf("Failed to create temporary directory: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	writeTree(t, dir, []string{
		"sub-01/func/sub-01_task-rest_run-1_desc-coreg_boldref.nii.gz",
		"sub-01/func/sub-01_task-rest_run-2_desc-coreg_boldref.nii.gz",
		"sub-01/func/sub-01_task-rest_run-1_from-boldref_to-T1w_mode-image_desc-coreg_xfm.txt",
		"sub-01/anat/sub-01_from-T1w_to-MNI152NLin2009cAsym_mode-image_xfm.h5",
		"sub-02/func/sub-02_task-rest_run-01_desc-coreg_boldref.nii.gz",
		"sub-02/func/sub-02_task-nback_space-MNI152NLin2009cAsym_res-2_desc-brain_mask.nii.gz",
		"dataset_description.json",
		"README",
	})

	layout, err := NewLayout(dir)
	if err != nil {
		t.Fatalf("Failed to build layout: %v", err)
	}
	return layout
}

func TestParseName(t *testing.T) {
	e, ok := ParseName("/data/sub-01_ses-02_task-rest_run-1_desc-coreg_boldref.nii.gz")
	if !ok {
		t.Fatal("ParseName rejected a valid derivative name")
	}
	if e.Suffix != "boldref" {
		t.Errorf("suffix = %q, want boldref", e.Suffix)
	}
	if e.Extension != ".nii.gz" {
		t.Errorf("extension = %q, want .nii.gz", e.Extension)
	}
	want := map[string]string{
		"sub": "01", "ses": "02", "task": "rest", "run": "1", "desc": "coreg",
	}
	if !reflect.DeepEqual(e.Entities, want) {
		t.Errorf("entities = %v, want %v", e.Entities, want)
	}

	if _, ok := ParseName("/data/README"); ok {
		t.Error("ParseName accepted a non-derivative name")
	}
	if _, ok := ParseName("/data/dataset_description.json"); ok {
		t.Error("ParseName accepted a name without entity tags")
	}
}

func TestQuery(t *testing.T) {
	layout := fixtureLayout(t)

	t.Run("BySuffixAndEntities", func(t *testing.T) {
		got := layout.Query(Filter{
			Subject: "01", Task: "rest", Run: "1",
			Suffix: "boldref", Extension: ".nii.gz", Desc: "coreg",
		})
		if len(got) != 1 {
			t.Fatalf("got %d matches, want 1", len(got))
		}
	})

	t.Run("SubjectLevelTransform", func(t *testing.T) {
		got := layout.Query(Filter{
			Subject: "01", Suffix: "xfm", Extension: ".h5",
			To: "MNI152NLin2009cAsym", Mode: "image",
		})
		if len(got) != 1 {
			t.Fatalf("got %d matches, want 1", len(got))
		}
	})

	t.Run("RunZeroPadding", func(t *testing.T) {
		// sub-02 names its run run-01; querying run=1 must match.
		got := layout.Query(Filter{Subject: "02", Run: "1", Suffix: "boldref"})
		if len(got) != 1 {
			t.Fatalf("got %d matches, want 1", len(got))
		}
	})

	t.Run("NoMatches", func(t *testing.T) {
		got := layout.Query(Filter{Subject: "99", Suffix: "boldref"})
		if len(got) != 0 {
			t.Fatalf("got %d matches, want 0", len(got))
		}
	})

	t.Run("DeterministicOrder", func(t *testing.T) {
		a := layout.Query(Filter{Suffix: "boldref"})
		b := layout.Query(Filter{Suffix: "boldref"})
		if !reflect.DeepEqual(a, b) {
			t.Error("query order is not deterministic")
		}
		if !sortedStrings(a) {
			t.Errorf("results not sorted: %v", a)
		}
	})
}

func sortedStrings(s []string) bool {
	for i := 1; i < len(s); i++ {
		if s[i-1] > s[i] {
			return false
		}
	}
	return true
}

func TestDimensionEnumeration(t *testing.T) {
	layout := fixtureLayout(t)

	if got := layout.Tasks(); !reflect.DeepEqual(got, []string{"nback", "rest"}) {
		t.Errorf("Tasks = %v", got)
	}
	if got := layout.Subjects("rest"); !reflect.DeepEqual(got, []string{"01", "02"}) {
		t.Errorf("Subjects(rest) = %v", got)
	}
	if got := layout.Runs("01", "", "rest"); !reflect.DeepEqual(got, []string{"1", "2"}) {
		t.Errorf("Runs = %v", got)
	}
	if layout.HasEntity("ses") {
		t.Error("HasEntity(ses) = true for a sessionless dataset")
	}
	if !layout.HasEntity("run") {
		t.Error("HasEntity(run) = false, want true")
	}
	if got := layout.Sessions("01", "rest"); len(got) != 0 {
		t.Errorf("Sessions = %v, want none", got)
	}
}
