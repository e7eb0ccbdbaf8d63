package jobstore

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "jobs", "jobs.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newJob(id, dataset string, created time.Time) *ExportJob {
	return &ExportJob{
		ID:        id,
		DatasetID: dataset,
		Status:    JobStatusQueued,
		Params: ExportParams{
			DatasetID: dataset,
			Name:      "base",
			Level:     -1,
			Bounds:    "0,7,0,7,0,3",
			Levels:    3,
			Steps:     2,
			Compress:  true,
		},
		CreatedAt: created,
	}
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)

	job := newJob("job-1", "ocean", time.Now())
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := s.GetJob("job-1")
	if err != nil || got == nil {
		t.Fatalf("GetJob: %v %v", got, err)
	}
	if got.Status != JobStatusQueued || got.Params != job.Params {
		t.Fatalf("unexpected job: %+v", got)
	}
	if got.StartedAt != nil || got.FinishedAt != nil {
		t.Fatalf("new job should have no start/finish times")
	}

	if err := s.UpdateJobStarted("job-1"); err != nil {
		t.Fatalf("UpdateJobStarted: %v", err)
	}
	if err := s.UpdateJobProgress("job-1", "writing", 2, 3); err != nil {
		t.Fatalf("UpdateJobProgress: %v", err)
	}
	files := []*ExportFile{{Path: "base.xfdl", Bytes: 100}, {Path: "base/base.bin", Bytes: 2048}}
	if err := s.CompleteJob("job-1", "/out/base.xfdl", files); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	got, _ = s.GetJob("job-1")
	if got.Status != JobStatusCompleted || got.OutputPath != "/out/base.xfdl" || got.Bytes != 2148 {
		t.Fatalf("unexpected completed job: %+v", got)
	}
	if got.Progress != (ExportProgress{Phase: "writing", Done: 2, Total: 3}) {
		t.Fatalf("unexpected progress: %+v", got.Progress)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Fatalf("expected start and finish times")
	}

	listed, err := s.ListFiles("job-1")
	if err != nil || len(listed) != 2 || listed[1].Path != "base/base.bin" {
		t.Fatalf("ListFiles = %v %v", listed, err)
	}
}

func TestGetJobMissing(t *testing.T) {
	s := newTestStore(t)
	job, err := s.GetJob("nope")
	if err != nil || job != nil {
		t.Fatalf("expected nil, nil; got %v %v", job, err)
	}
}

func TestRecoveryQueries(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	for i, id := range []string{"a", "b", "c"} {
		if err := s.CreateJob(newJob(id, "ocean", now.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.UpdateJobStarted("b"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkRunningAsFailed("server restarted"); err != nil {
		t.Fatalf("MarkRunningAsFailed: %v", err)
	}

	b, _ := s.GetJob("b")
	if b.Status != JobStatusFailed || b.Error != "server restarted" {
		t.Fatalf("unexpected job b: %+v", b)
	}

	queued, err := s.ListQueuedJobs()
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 2 || queued[0].ID != "a" || queued[1].ID != "c" {
		t.Fatalf("unexpected queued jobs: %v", queued)
	}

	all, err := s.ListJobsByDataset("ocean")
	if err != nil || len(all) != 3 || all[0].ID != "c" {
		t.Fatalf("ListJobsByDataset = %v %v", all, err)
	}
}

func TestDeleteJobs(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreateJob(newJob("old", "ocean", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateJob(newJob("live", "ocean", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteJob("old", "/out/old.xfdl", []*ExportFile{{Path: "old.xfdl", Bytes: 1}}); err != nil {
		t.Fatal(err)
	}

	// A negative retention puts the cutoff in the future.
	n, err := s.DeleteExpiredJobs(-time.Hour)
	if err != nil {
		t.Fatalf("DeleteExpiredJobs: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired job, got %d", n)
	}
	if job, _ := s.GetJob("old"); job != nil {
		t.Fatalf("expired job still present")
	}
	if files, _ := s.ListFiles("old"); len(files) != 0 {
		t.Fatalf("expired job files still present")
	}

	if err := s.DeleteJob("live"); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if job, _ := s.GetJob("live"); job != nil {
		t.Fatalf("deleted job still present")
	}
}
