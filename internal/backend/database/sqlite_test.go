package database

import (
	"errors"
	"regexp"
	"testing"
)

func newTestStore(t *testing.T) JobStore {
	t.Helper()
	store, err := NewJobStore("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestNewJobStore_UnsupportedDriver(t *testing.T) {
	if _, err := NewJobStore("postgres", ""); err == nil {
		t.Error("Expected error for unsupported database driver, got nil")
	}
}

func TestCreateJob_And_GetJob(t *testing.T) {
	store := newTestStore(t)

	id, err := store.CreateJob(`{"loopGain":0.1}`, []byte("dirty"), []byte("psf"), nil)
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if id == "" {
		t.Fatal("Expected a non-empty job id")
	}

	job, err := store.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != StatusQueued {
		t.Errorf("Expected status %q, got %q", StatusQueued, job.Status)
	}
	if job.Params != `{"loopGain":0.1}` {
		t.Errorf("Expected params to round-trip, got %q", job.Params)
	}
	if job.CreatedAt.IsZero() {
		t.Error("Expected a creation timestamp")
	}
}

func TestGetJob_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetJob("no-such-id")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestListJobs(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.CreateJob("{}", nil, nil, nil); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if _, err := store.CreateJob("{}", nil, nil, nil); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	jobs, err := store.ListJobs()
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("Expected 2 jobs, got %d", len(jobs))
	}
}

func TestDeleteJob(t *testing.T) {
	store := newTestStore(t)

	id, err := store.CreateJob("{}", nil, nil, nil)
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	if err := store.DeleteJob(id); err != nil {
		t.Fatalf("DeleteJob failed: %v", err)
	}
	if _, err := store.GetJob(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected job to be gone, got %v", err)
	}
	if err := store.DeleteJob(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for a second delete, got %v", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	store := newTestStore(t)

	id, err := store.CreateJob("{}", nil, nil, nil)
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	if err := store.MarkRunning(id); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}
	job, _ := store.GetJob(id)
	if job.Status != StatusRunning {
		t.Errorf("Expected status %q, got %q", StatusRunning, job.Status)
	}

	if err := store.MarkFailed(id, "psf unreadable"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	job, _ = store.GetJob(id)
	if job.Status != StatusFailed {
		t.Errorf("Expected status %q, got %q", StatusFailed, job.Status)
	}
	if job.Error != "psf unreadable" {
		t.Errorf("Expected error message to be stored, got %q", job.Error)
	}

	if err := store.MarkRunning("no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing job, got %v", err)
	}
}

func TestGetInputs(t *testing.T) {
	store := newTestStore(t)

	id, err := store.CreateJob("{}", []byte("dirty"), []byte("psf"), []byte("mask"))
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	dirty, psf, mask, err := store.GetInputs(id)
	if err != nil {
		t.Fatalf("GetInputs failed: %v", err)
	}
	if string(dirty) != "dirty" || string(psf) != "psf" || string(mask) != "mask" {
		t.Errorf("Expected input blobs to round-trip, got %q %q %q", dirty, psf, mask)
	}
}

func TestMarkDone_And_GetFile(t *testing.T) {
	store := newTestStore(t)

	id, err := store.CreateJob("{}", nil, nil, nil)
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	// Outputs are unavailable until the job is done.
	if _, err := store.GetFile(id, FileModel); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound before completion, got %v", err)
	}

	err = store.MarkDone(id, []byte("model"), []byte("residual"), []byte("restored"), []byte("preview"))
	if err != nil {
		t.Fatalf("MarkDone failed: %v", err)
	}

	job, _ := store.GetJob(id)
	if job.Status != StatusDone {
		t.Errorf("Expected status %q, got %q", StatusDone, job.Status)
	}

	for name, want := range map[string]string{
		FileModel:    "model",
		FileResidual: "residual",
		FileRestored: "restored",
		FilePreview:  "preview",
	} {
		data, err := store.GetFile(id, name)
		if err != nil {
			t.Fatalf("GetFile(%s) failed: %v", name, err)
		}
		if string(data) != want {
			t.Errorf("Expected %s to be %q, got %q", name, want, data)
		}
	}

	if _, err := store.GetFile(id, "notes.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for an unknown file name, got %v", err)
	}
}

func TestGenerateID(t *testing.T) {
	pattern := regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

	seen := make(map[string]struct{})
	for i := 0; i < 128; i++ {
		id, err := generateID()
		if err != nil {
			t.Fatalf("generateID failed: %v", err)
		}
		if !pattern.MatchString(id) {
			t.Fatalf("Expected a version 4 UUID, got %q", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("Expected unique ids, got %q twice", id)
		}
		seen[id] = struct{}{}
	}
}
