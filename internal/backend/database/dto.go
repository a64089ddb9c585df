package database

import "time"

// Job status values move through the queued/running lifecycle and
// settle on done or failed.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Job is one deconvolution request: input FITS blobs, the serialised
// parameter set, and the output products once the run finishes.
type Job struct {
	ID        string    `db:"id"`
	Status    string    `db:"status"`
	Params    string    `db:"params"` // JSON-encoded engine parameters
	Error     string    `db:"error"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Output file names a client can fetch for a finished job.
const (
	FileModel    = "model.fits"
	FileResidual = "residual.fits"
	FileRestored = "restored.fits"
	FilePreview  = "preview.png"
)
