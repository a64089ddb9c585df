package database

import (
	"database/sql"
	"errors"
)

// ErrNotFound is returned when a job id or file name does not exist.
var ErrNotFound = errors.New("job not found")

type JobStore interface {
	// CreateSchema ensures the jobs table exists (idempotent),
	// important for in-memory SQLite.
	CreateSchema() (*sql.DB, error)
	Close() error

	// CreateJob inserts a queued job with its input blobs in a single
	// statement and returns the generated id.
	CreateJob(params string, dirty, psf, mask []byte) (string, error)
	GetJob(id string) (*Job, error)
	ListJobs() ([]*Job, error)
	DeleteJob(id string) error

	MarkRunning(id string) error
	MarkFailed(id, message string) error
	MarkDone(id string, model, residual, restored, preview []byte) error

	// GetInputs returns the dirty map, PSF and optional mask blobs.
	GetInputs(id string) (dirty, psf, mask []byte, err error)
	// GetFile returns one output product by its file name.
	GetFile(id, name string) ([]byte, error)
}
