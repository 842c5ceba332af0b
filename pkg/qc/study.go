package qc

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"

	"golang.org/x/sync/errgroup"

	"fmriqc/internal/models"
	"fmriqc/pkg/bids"
	"fmriqc/pkg/metrics"
	"fmriqc/pkg/nifti"
)

// Study aggregates per-run QC records for one dataset. Runs are
// mutually independent; the only shared state is the record list, so
// the aggregator may fan out across runs with a bounded worker count.
type Study struct {
	// ID is the dataset identifier, used for logging and filenames.
	ID string

	// Pipeline performs the per-run work.
	Pipeline *Pipeline

	// Workers is the number of runs processed concurrently; values
	// below 2 mean serial processing.
	Workers int
}

// Run executes the per-run variant: every task × subject × session ×
// run combination discoverable in the store goes through the pipeline.
// Combinations missing artifacts are skipped with a log line. An empty
// result table is the one hard error: it means the store, paths or
// filters are misconfigured, not per-run noise.
func (s *Study) Run(ctx context.Context) ([]models.QCRecord, error) {
	keys := s.enumerate()
	log.Printf("study %s: %d run combinations to check", s.ID, len(keys))

	var records []models.QCRecord
	if s.Workers > 1 {
		records = s.runParallel(ctx, keys)
	} else {
		records = s.runSerial(ctx, keys)
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("no QC results found for study %s", s.ID)
	}
	return records, nil
}

func (s *Study) runSerial(ctx context.Context, keys []models.RunKey) []models.QCRecord {
	var records []models.QCRecord
	for _, key := range keys {
		log.Printf("working on %s", metrics.RunID(key))
		rec, err := s.Pipeline.ProcessRun(ctx, key)
		if err != nil {
			log.Printf("skipping %s: %v", metrics.RunID(key), err)
			continue
		}
		records = append(records, *rec)
	}
	return records
}

func (s *Study) runParallel(ctx context.Context, keys []models.RunKey) []models.QCRecord {
	var mu sync.Mutex
	var records []models.QCRecord

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.Workers)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			log.Printf("working on %s", metrics.RunID(key))
			rec, err := s.Pipeline.ProcessRun(ctx, key)
			if err != nil {
				// Per-run failures are skips, never group failures.
				log.Printf("skipping %s: %v", metrics.RunID(key), err)
				return nil
			}
			mu.Lock()
			records = append(records, *rec)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return records
}

// enumerate lists every run combination the store knows about. Session
// and run dimensions absent from the dataset (or empty for a given
// subject) iterate once with the empty sentinel.
func (s *Study) enumerate() []models.RunKey {
	layout := s.Pipeline.Layout
	var keys []models.RunKey

	for _, task := range layout.Tasks() {
		for _, sub := range layout.Subjects(task) {
			sessions := []string{""}
			if layout.HasEntity("ses") {
				if ss := layout.Sessions(sub, task); len(ss) > 0 {
					sessions = ss
				}
			}
			for _, ses := range sessions {
				runs := []string{""}
				if layout.HasEntity("run") {
					if rr := layout.Runs(sub, ses, task); len(rr) > 0 {
						runs = rr
					}
				}
				for _, run := range runs {
					keys = append(keys, models.RunKey{
						Subject: sub,
						Session: ses,
						Task:    task,
						Run:     run,
					})
				}
			}
		}
	}
	return keys
}

// RunPrecomputed executes the precomputed-mask variant: instead of
// rebuilding transforms, it scans the store for brain masks already in
// template space and measures them against the template mask directly.
// There is no warped image to inspect, so the extreme-voxel count is
// recorded as NaN.
func (s *Study) RunPrecomputed(ctx context.Context) ([]models.QCRecord, error) {
	p := s.Pipeline

	tplMask, err := nifti.Load(p.TemplateMask)
	if err != nil {
		return nil, err
	}

	maskPaths := p.Layout.Query(bids.Filter{
		Suffix:    "mask",
		Extension: ".nii.gz",
		Space:     p.TemplateSpace,
		Res:       p.TemplateRes,
		Desc:      "brain",
	})
	log.Printf("study %s: %d template-space masks to check", s.ID, len(maskPaths))

	var records []models.QCRecord
	for _, path := range maskPaths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry, ok := bids.ParseName(path)
		if !ok {
			continue
		}
		mask, err := nifti.Load(path)
		if err != nil {
			log.Printf("skipping %s: %v", path, err)
			continue
		}
		rec, err := Measure(metrics.RunIDFromEntities(entry.Entities), path, mask, tplMask, math.NaN())
		if err != nil {
			log.Printf("skipping %s: %v", path, err)
			continue
		}
		records = append(records, *rec)
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("no QC results found for study %s", s.ID)
	}
	return records, nil
}
