package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"fmriqc/internal/models"
	"fmriqc/pkg/ants"
	"fmriqc/pkg/bids"
	"fmriqc/pkg/config"
	"fmriqc/pkg/qc"
	"fmriqc/pkg/report"
	"fmriqc/pkg/skullstrip"
)

func main() {
	// Parse command line arguments
	studyID := flag.String("study", "", "OpenNeuro study ID (e.g. ds000124)")
	derivsPath := flag.String("derivs", "", "Path to the fMRIPrep derivatives")
	maskDir := flag.String("mask-dir", "", "Template mask directory path")
	derivType := flag.String("deriv-type", "", "Derivatives type: minimal, non-minimal or full")
	outDir := flag.String("outdir", "", "Directory where the QC table is saved")
	tmpDir := flag.String("tmpdir", "", "Scratch directory for per-run outputs")
	configPath := flag.String("config", "fmriqc.yaml", "Optional YAML configuration file")
	workers := flag.Int("workers", 0, "Concurrent runs (overrides config; 1 = serial)")
	flag.Parse()

	if *studyID == "" || *derivsPath == "" || *maskDir == "" || *derivType == "" || *outDir == "" || *tmpDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *workers > 0 {
		cfg.Processing.Workers = *workers
	}

	// Scratch study directory: per-run outputs and extraction working
	// files go here, never into the derivatives tree.
	scratch := filepath.Join(*tmpDir, *studyID)
	if err := os.MkdirAll(scratch, 0755); err != nil {
		log.Fatalf("Failed to create scratch directory: %v", err)
	}

	templateBrain := filepath.Join(*maskDir, cfg.Template.BrainFile)
	templateMask := filepath.Join(*maskDir, cfg.Template.MaskFile)

	fmt.Println("================================")
	fmt.Println("REGISTRATION QC FOR FMRIPREP FUNCTIONAL DERIVATIVES")
	fmt.Printf("Study %s (%s derivatives)\n", *studyID, *derivType)
	fmt.Println("================================")

	fmt.Printf("Building layout for %s\n\t%s\n", *studyID, *derivsPath)
	layout, err := bids.NewLayout(*derivsPath)
	if err != nil {
		log.Fatalf("Failed to build layout: %v", err)
	}
	fmt.Printf("Indexed %d derivative files\n", layout.Size())

	var strip skullstrip.Workflow
	if cfg.Tools.SkullstripBinary != "" {
		strip = skullstrip.NewCommand(cfg.Tools.SkullstripBinary, cfg.Timeout())
	}

	pipeline := &qc.Pipeline{
		Layout:        layout,
		Exec:          ants.NewExecutor(cfg.Tools.AntsBinary, cfg.Timeout()),
		Strip:         strip,
		TemplateSpace: cfg.Template.Space,
		TemplateRes:   cfg.Template.Res,
		TemplateBrain: templateBrain,
		TemplateMask:  templateMask,
		ScratchDir:    scratch,
	}

	study := &qc.Study{
		ID:       *studyID,
		Pipeline: pipeline,
		Workers:  cfg.Processing.Workers,
	}

	startTime := time.Now()
	var records []models.QCRecord
	derivLabel := *derivType

	switch *derivType {
	case "minimal", "non-minimal":
		pipeline.DerivType = models.DerivType(*derivType)
		records, err = study.Run(context.Background())
	case "full":
		// Precomputed-mask variant over non-minimal derivatives.
		derivLabel = "nonminimal"
		records, err = study.RunPrecomputed(context.Background())
	default:
		log.Fatalf("Unknown deriv-type %q: want minimal, non-minimal or full", *derivType)
	}
	if err != nil {
		log.Fatalf("QC failed: %v", err)
	}

	report.ApplyFlags(records, cfg.Flags.MinDice, cfg.Flags.MaxVoxOutMask)

	filename := report.Filename(*studyID, derivLabel)
	if err := report.WriteTSV(*outDir, filename, records); err != nil {
		log.Fatalf("Failed to write results: %v", err)
	}

	elapsed := time.Since(startTime)
	fmt.Printf("\nQC completed in %.2f seconds!\n", elapsed.Seconds())
	fmt.Printf("Results saved to: %s\n\n", filepath.Join(*outDir, filename))

	printSummary(records)
}

// printSummary reports study-level statistics over the collected table.
func printSummary(records []models.QCRecord) {
	dice := make([]float64, len(records))
	voxOut := make([]float64, len(records))
	flagged := 0
	for i, r := range records {
		dice[i] = r.Dice
		voxOut[i] = r.VoxOutMask
		if r.Flagged == 1 {
			flagged++
		}
	}
	sort.Float64s(dice)

	fmt.Printf("Study QC Summary:\n")
	fmt.Printf("=================\n")
	fmt.Printf("Runs checked: %d\n", len(records))
	fmt.Printf("Runs flagged: %d\n", flagged)
	fmt.Printf("Mean dice: %.3f\n", stat.Mean(dice, nil))
	fmt.Printf("Median dice: %.3f\n", stat.Quantile(0.5, stat.Empirical, dice, nil))
	fmt.Printf("Mean %% voxels outside mask: %.2f\n", stat.Mean(voxOut, nil))
}
