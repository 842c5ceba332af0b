// Package qc implements the per-run registration QC pipeline and the
// study-level aggregation: resolving a run's derivative artifacts,
// warping them into template space, deriving a brain mask, constraining
// the comparison to the run's field of view, and measuring overlap.
package qc

import (
	"fmt"
	"log"

	"fmriqc/internal/models"
	"fmriqc/pkg/bids"
)

// RunInputs are the three artifacts a run's QC needs: the run-specific
// coregistration affine, the subject-level template warp, and the
// coregistered reference image.
type RunInputs struct {
	CoregXfm    string
	TemplateXfm string
	BoldRef     string
}

// ResolveInputs queries the layout for a run's artifacts. A query with
// zero matches returns an error the pipeline treats as a skip, never a
// hard failure. When several files match, the first in store order is
// used.
func ResolveInputs(layout *bids.Layout, key models.RunKey, derivType models.DerivType, templateSpace string) (RunInputs, error) {
	coreg := layout.Query(bids.Filter{
		Subject:   key.Subject,
		Session:   key.Session,
		Task:      key.Task,
		Run:       key.Run,
		Suffix:    "xfm",
		Extension: ".txt",
		Desc:      "coreg",
		To:        "T1w",
		Mode:      "image",
	})
	log.Printf("boldref-to-T1w transforms found for %s %s %s %s: %d",
		key.Subject, key.Task, key.Session, key.Run, len(coreg))
	if len(coreg) == 0 {
		return RunInputs{}, fmt.Errorf("no coregistration transform for sub-%s task-%s", key.Subject, key.Task)
	}

	// The template warp is subject-level: independent of session, task
	// and run.
	tpl := layout.Query(bids.Filter{
		Subject:   key.Subject,
		Suffix:    "xfm",
		Extension: ".h5",
		To:        templateSpace,
		Mode:      "image",
	})
	log.Printf("T1w-to-%s transforms found for %s: %d", templateSpace, key.Subject, len(tpl))
	if len(tpl) == 0 {
		return RunInputs{}, fmt.Errorf("no template transform for sub-%s", key.Subject)
	}

	// Minimal derivatives tag the coregistered reference desc-coreg;
	// non-minimal layouts name it without the descriptor.
	boldrefFilter := bids.Filter{
		Subject:   key.Subject,
		Session:   key.Session,
		Task:      key.Task,
		Run:       key.Run,
		Suffix:    "boldref",
		Extension: ".nii.gz",
	}
	if derivType == models.DerivMinimal {
		boldrefFilter.Desc = "coreg"
	}
	boldref := layout.Query(boldrefFilter)
	log.Printf("coreg boldref images found for %s %s %s %s: %d",
		key.Subject, key.Task, key.Session, key.Run, len(boldref))
	if len(boldref) == 0 {
		return RunInputs{}, fmt.Errorf("no boldref image for sub-%s task-%s", key.Subject, key.Task)
	}

	return RunInputs{
		CoregXfm:    coreg[0],
		TemplateXfm: tpl[0],
		BoldRef:     boldref[0],
	}, nil
}
