// Package ants wraps the external ANTs transform-application tool as an
// out-of-process collaborator. It owns the command construction, the
// deterministic output naming convention and the bounded-timeout
// execution; it knows nothing about QC semantics.
package ants

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Chain is the ordered pair of transforms moving a run-space image into
// template space. The tool applies the declared list in reverse order,
// so T1wToTemplate is declared first and CoregToT1w second: the image
// is first coregistered to T1w, then warped to the template.
type Chain struct {
	// CoregToT1w is the run-specific text affine (native → T1w).
	CoregToT1w string

	// T1wToTemplate is the subject-level composite warp (T1w → template).
	T1wToTemplate string
}

// Executor invokes the transform tool. The zero value is not usable;
// construct with NewExecutor.
type Executor struct {
	binary  string
	timeout time.Duration
}

// NewExecutor returns an executor invoking the named binary, typically
// "antsApplyTransforms". A positive timeout bounds each invocation; a
// hung external process then fails the run instead of blocking the
// study forever.
func NewExecutor(binary string, timeout time.Duration) *Executor {
	return &Executor{binary: binary, timeout: timeout}
}

// OutputName derives the template-space output filename for an input:
// the final extension is stripped, a _space-<space> tag plus an
// optional role suffix is inserted, and the extension re-appended.
// ".nii.gz" counts as one extension.
func OutputName(inputPath, space, role string) string {
	base := filepath.Base(inputPath)
	ext := ""
	if i := strings.Index(base, "."); i >= 0 {
		ext = base[i:]
		base = base[:i]
	}
	insert := "_space-" + space
	if role != "" {
		insert += "_" + role
	}
	return base + insert + ext
}

// Apply resamples one image into template space through the chain,
// writing the result to outputPath. Linear interpolation, zero fill,
// single-precision output, matching the upstream pipeline's own calls.
// A non-zero exit status is returned as an error carrying the tool's
// stderr.
func (e *Executor) Apply(ctx context.Context, inputPath, referencePath, outputPath string, chain Chain) error {
	if chain.CoregToT1w == "" || chain.T1wToTemplate == "" {
		return fmt.Errorf("incomplete transform chain for %s", inputPath)
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %v", err)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	args := []string{
		"--default-value", "0",
		"--float", "1",
		"--input", inputPath,
		"--reference-image", referencePath,
		"--output", outputPath,
		"--interpolation", "Linear",
		"--transform", chain.T1wToTemplate,
		"--transform", chain.CoregToT1w,
	}

	cmd := exec.CommandContext(ctx, e.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("%s failed for %s: %s", e.binary, filepath.Base(inputPath), msg)
	}
	return nil
}

// Job names one image or mask to transform and the path its
// template-space result should land at.
type Job struct {
	InputPath  string
	OutputPath string
}

// ApplySet transforms a set of related images for one run through a
// single chain, atomically: if any job fails, already-produced outputs
// are removed and the error returned, so callers never observe a
// partial set.
func (e *Executor) ApplySet(ctx context.Context, jobs []Job, referencePath string, chain Chain) error {
	done := make([]string, 0, len(jobs))
	for _, job := range jobs {
		if err := e.Apply(ctx, job.InputPath, referencePath, job.OutputPath, chain); err != nil {
			for _, p := range done {
				os.Remove(p)
			}
			return err
		}
		done = append(done, job.OutputPath)
	}
	return nil
}
