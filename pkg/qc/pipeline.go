package qc

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"fmriqc/internal/models"
	"fmriqc/pkg/ants"
	"fmriqc/pkg/bids"
	"fmriqc/pkg/metrics"
	"fmriqc/pkg/nifti"
	"fmriqc/pkg/skullstrip"
)

// Transformer moves a set of run-space images into template space
// through a transform chain. *ants.Executor is the production
// implementation.
type Transformer interface {
	ApplySet(ctx context.Context, jobs []ants.Job, referencePath string, chain ants.Chain) error
}

// Pipeline performs registration QC for single runs. The stages are
// resolve inputs → apply transforms → resolve mask → constrain →
// measure; any stage failing makes the run a skip, reported as an error
// from ProcessRun and absorbed by the aggregator. No stage is retried.
type Pipeline struct {
	// Layout is the indexed derivative store.
	Layout *bids.Layout

	// Exec invokes the external transform tool.
	Exec Transformer

	// Strip is the brain-extraction workflow; nil means the threshold
	// fallback mask is always used.
	Strip skullstrip.Workflow

	// DerivType selects the artifact naming convention to query.
	DerivType models.DerivType

	// TemplateSpace is the target space identifier.
	TemplateSpace string

	// TemplateRes is the template resolution tag, used by the
	// precomputed-mask variant's store query.
	TemplateRes string

	// TemplateBrain is the template brain image, the resampling
	// reference.
	TemplateBrain string

	// TemplateMask is the template brain mask.
	TemplateMask string

	// ScratchDir is the study working directory; each run writes only
	// inside its own subdirectory so runs can execute concurrently.
	ScratchDir string
}

// ProcessRun performs QC for one run. It returns the run's record, or
// an error describing why the run was skipped. Partial progress never
// yields a partial record.
func (p *Pipeline) ProcessRun(ctx context.Context, key models.RunKey) (*models.QCRecord, error) {
	runID := metrics.RunID(key)

	// Stage 1: resolve the run's artifacts.
	inputs, err := ResolveInputs(p.Layout, key, p.DerivType, p.TemplateSpace)
	if err != nil {
		return nil, err
	}

	runDir := filepath.Join(p.ScratchDir, runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %v", err)
	}

	// Stage 2: build the run's full-coverage indicator on the native
	// grid, then warp reference image and coverage together.
	boldref, err := nifti.Load(inputs.BoldRef)
	if err != nil {
		return nil, err
	}
	stem, ext := splitExt(filepath.Base(inputs.BoldRef))
	fovNative := filepath.Join(runDir, stem+"_fov"+ext)
	if err := nifti.Save(fovNative, nifti.OnesLike(boldref)); err != nil {
		return nil, err
	}

	chain := ants.Chain{
		CoregToT1w:    inputs.CoregXfm,
		T1wToTemplate: inputs.TemplateXfm,
	}
	warpedPath := filepath.Join(runDir, ants.OutputName(inputs.BoldRef, p.TemplateSpace, "brain"))
	fovPath := filepath.Join(runDir, ants.OutputName(inputs.BoldRef, p.TemplateSpace, "fovmask"))

	log.Printf("processing %s: %s", runID, filepath.Base(inputs.BoldRef))
	jobs := []ants.Job{
		{InputPath: inputs.BoldRef, OutputPath: warpedPath},
		{InputPath: fovNative, OutputPath: fovPath},
	}
	if err := p.Exec.ApplySet(ctx, jobs, p.TemplateBrain, chain); err != nil {
		return nil, err
	}

	// Extreme voxels are counted on the warped image before any
	// masking; they indicate resampling blow-ups.
	warped, err := nifti.Load(warpedPath)
	if err != nil {
		return nil, err
	}
	numExtreme := metrics.ExtremeVoxelCount(warped)

	// Stage 3: derive the run's brain mask.
	tplMask, err := nifti.Load(p.TemplateMask)
	if err != nil {
		return nil, err
	}
	maskPath, err := ResolveMask(ctx, p.Strip, warpedPath, tplMask, runDir)
	if err != nil {
		return nil, err
	}
	runMask, err := nifti.Load(maskPath)
	if err != nil {
		return nil, err
	}
	if nifti.CountNonzero(runMask) == 0 {
		return nil, fmt.Errorf("empty brain mask for %s", runID)
	}

	// Stage 4: constrain the comparison region to the run's actual
	// field of view so a short acquisition is not penalized for brain
	// it never imaged.
	fov, err := nifti.Load(fovPath)
	if err != nil {
		return nil, err
	}
	region, err := Constrain(fov, tplMask)
	if err != nil {
		return nil, err
	}
	regionPath := filepath.Join(runDir, ants.OutputName(inputs.BoldRef, p.TemplateSpace, "refmask"))
	if err := nifti.Save(regionPath, region); err != nil {
		return nil, err
	}

	// Stage 5: measure.
	return Measure(runID, maskPath, runMask, region, float64(numExtreme))
}

// Constrain intersects the transformed coverage volume with the
// template reference mask, producing the valid comparison region.
func Constrain(fov, templateMask *nifti.Volume) (*nifti.Volume, error) {
	region, err := nifti.And(fov, templateMask)
	if err != nil {
		return nil, fmt.Errorf("failed to constrain comparison region: %v", err)
	}
	return region, nil
}

// Measure computes the similarity and voxel metrics between a run mask
// and the reference region and assembles the record. numExtreme is NaN
// when the variant had no warped image to inspect.
func Measure(runID, maskPath string, runMask, region *nifti.Volume, numExtreme float64) (*models.QCRecord, error) {
	dice, err := metrics.Dice(runMask, region)
	if err != nil {
		return nil, err
	}
	pctIn, pctOut, ratio, err := metrics.VoxelInOutRatio(runMask, region)
	if err != nil {
		return nil, err
	}

	return &models.QCRecord{
		Img1:          runID,
		Img1Name:      filepath.Base(maskPath),
		Img2:          "mni152",
		Dice:          dice,
		VoxInMask:     pctIn,
		VoxOutMask:    pctOut,
		RatioInOut:    ratio,
		NumVoxExtreme: numExtreme,
	}, nil
}
