// Package skullstrip defines the brain-extraction collaborator the QC
// pipeline prefers for mask derivation, plus a command-backed
// implementation. The workflow is an external black box: it takes one
// input image and a working directory and reports named result nodes
// from which a mask output is extracted by name matching.
package skullstrip

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Node is one named result node of an extraction run.
type Node struct {
	// Name is the node's workflow name; mask-producing nodes contain
	// "skullstrip".
	Name string

	// Outputs maps output names to file paths. The mask output is the
	// "mask_file" key, or failing that any key ending in "mask_file".
	Outputs map[string]string
}

// Result is the outcome of one extraction run.
type Result struct {
	Nodes []Node
}

// Workflow runs brain extraction against one image. Implementations
// block until the workflow completes; workDir is where intermediate
// and crash outputs belong.
type Workflow interface {
	Run(ctx context.Context, inFile, workDir string) (Result, error)
}

// MaskFile scans a result for the first skullstrip node exposing a
// mask output and returns its path. The second return is false when no
// qualifying node exists.
func MaskFile(res Result) (string, bool) {
	for _, node := range res.Nodes {
		if !strings.Contains(node.Name, "skullstrip") {
			continue
		}
		if p := node.Outputs["mask_file"]; p != "" {
			return p, true
		}
		for key, p := range node.Outputs {
			if strings.HasSuffix(key, "mask_file") && p != "" {
				return p, true
			}
		}
	}
	return "", false
}

// Command runs extraction by shelling out to an external program,
// invoked as `<binary> --input <file> --work-dir <dir>`. The program is
// expected to print the produced mask path on stdout; its exit status
// reports success.
type Command struct {
	binary  string
	timeout time.Duration
}

// NewCommand returns a command-backed workflow. A positive timeout
// bounds each invocation.
func NewCommand(binary string, timeout time.Duration) *Command {
	return &Command{binary: binary, timeout: timeout}
}

// Run implements Workflow.
func (c *Command) Run(ctx context.Context, inFile, workDir string) (Result, error) {
	if c.binary == "" {
		return Result{}, fmt.Errorf("no skullstrip command configured")
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.binary, "--input", inFile, "--work-dir", workDir)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return Result{}, fmt.Errorf("%s failed: %s", c.binary, msg)
	}

	maskPath := strings.TrimSpace(stdout.String())
	if maskPath == "" {
		return Result{}, fmt.Errorf("%s reported no mask path", c.binary)
	}
	return Result{Nodes: []Node{{
		Name:    "skullstrip_bold_wf",
		Outputs: map[string]string{"mask_file": maskPath},
	}}}, nil
}
