package qc

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"fmriqc/pkg/nifti"
	"fmriqc/pkg/skullstrip"
)

// ResolveMask obtains a binary brain mask for a template-space image,
// written to <image-stem>_mask.<ext> beside the image. The extraction
// workflow is preferred; when it fails, reports no qualifying node, or
// names a file that does not exist, the mask is synthesized as
// (image > 0) AND templateMask. Extraction trouble is therefore never
// surfaced to the caller; only unreadable inputs or an unwritable
// target are errors.
func ResolveMask(ctx context.Context, wf skullstrip.Workflow, imagePath string, templateMask *nifti.Volume, workDir string) (string, error) {
	stem, ext := splitExt(filepath.Base(imagePath))
	target := filepath.Join(filepath.Dir(imagePath), stem+"_mask"+ext)

	if wf != nil {
		if path, ok := extractedMask(ctx, wf, imagePath, workDir); ok {
			if err := copyFile(path, target); err != nil {
				return "", fmt.Errorf("failed to copy extracted mask: %v", err)
			}
			log.Printf("brain mask copied to %s", target)
			return target, nil
		}
	}

	// Fallback: threshold the image and intersect with the template
	// mask. If the template mask is wrong the result degrades to an
	// all-zero mask; that is accepted and caught by the empty-mask
	// check downstream.
	img, err := nifti.Load(imagePath)
	if err != nil {
		return "", fmt.Errorf("failed to load %s: %v", imagePath, err)
	}
	mask, err := nifti.And(nifti.Binarize(img, 0), templateMask)
	if err != nil {
		return "", fmt.Errorf("failed to build fallback mask: %v", err)
	}
	if err := nifti.Save(target, mask); err != nil {
		return "", err
	}
	log.Printf("fallback mask written to %s", target)
	return target, nil
}

// extractedMask runs the workflow and returns a usable mask path, or
// false when anything about the extraction disqualifies it.
func extractedMask(ctx context.Context, wf skullstrip.Workflow, imagePath, workDir string) (string, bool) {
	res, err := wf.Run(ctx, imagePath, workDir)
	if err != nil {
		log.Printf("brain extraction failed for %s: %v", filepath.Base(imagePath), err)
		return "", false
	}
	path, ok := skullstrip.MaskFile(res)
	if !ok {
		log.Printf("no brain mask found for %s", filepath.Base(imagePath))
		return "", false
	}
	if _, err := os.Stat(path); err != nil {
		log.Printf("extracted mask %s missing on disk", path)
		return "", false
	}
	return path, true
}

// splitExt splits a filename at its first dot so compound extensions
// like .nii.gz stay whole.
func splitExt(name string) (stem, ext string) {
	if i := strings.Index(name, "."); i >= 0 {
		return name[:i], name[i:]
	}
	return name, ""
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
