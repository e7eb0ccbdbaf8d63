package service

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/granite-tiles/server/internal/granite"
	"github.com/granite-tiles/server/internal/jobstore"
	"github.com/granite-tiles/server/internal/xfdl"
)

// ExportService writes datasets back to disk as Granite datasets.
type ExportService struct {
	registry interface {
		Get(datasetID string) *VolumeService
	}
	outputDir string
}

// NewExportService creates a new export service writing below outputDir.
func NewExportService(registry interface{ Get(datasetID string) *VolumeService }, outputDir string) *ExportService {
	return &ExportService{registry: registry, outputDir: outputDir}
}

// OutputDir returns the directory holding one subdirectory per job.
func (s *ExportService) OutputDir() string { return s.outputDir }

// ExecuteExportJob runs an export (called by JobManager worker).
func (s *ExportService) ExecuteExportJob(ctx context.Context, store *jobstore.Store, jobID string) error {
	job, err := store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}
	p := job.Params

	svc := s.registry.Get(p.DatasetID)
	if svc == nil {
		return fmt.Errorf("dataset not found: %s", p.DatasetID)
	}

	var bounds *granite.Bounds
	if p.Bounds != "" {
		b, err := granite.ParseBounds(p.Bounds)
		if err != nil {
			return err
		}
		bounds = &b
	}
	name := p.Name
	if name == "" {
		name = "base"
	}

	// Phase 1: read
	store.UpdateJobProgress(jobID, "reading", 0, 3)
	vol, err := svc.Snapshot(p.Level, bounds)
	if err != nil {
		return fmt.Errorf("failed to read volume: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Phase 2: write
	store.UpdateJobProgress(jobID, "writing", 1, 3)
	dir := filepath.Join(s.outputDir, jobID)
	top, err := xfdl.Write(dir, name, vol, xfdl.WriteOptions{
		Levels:   p.Levels,
		Steps:    p.Steps,
		Compress: p.Compress,
	})
	if err != nil {
		os.RemoveAll(dir)
		return fmt.Errorf("failed to write dataset: %w", err)
	}
	if ctx.Err() != nil {
		os.RemoveAll(dir)
		return ctx.Err()
	}

	// Phase 3: index written files
	store.UpdateJobProgress(jobID, "indexing", 2, 3)
	files, total, err := listFiles(dir)
	if err != nil {
		return fmt.Errorf("failed to list written files: %w", err)
	}
	store.UpdateJobProgress(jobID, "done", 3, 3)

	log.Printf("[Export] job %s wrote %d files (%s) to %s", jobID, len(files), humanize.Bytes(uint64(total)), dir)
	return store.CompleteJob(jobID, top, files)
}

// listFiles returns every regular file below dir, relative to dir.
func listFiles(dir string) ([]*jobstore.ExportFile, int64, error) {
	var files []*jobstore.ExportFile
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, &jobstore.ExportFile{Path: filepath.ToSlash(rel), Bytes: info.Size()})
		total += info.Size()
		return nil
	})
	return files, total, err
}
