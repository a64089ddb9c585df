package database

import (
	"crypto/rand"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteJobStore struct {
	db               *sql.DB
	connectionString string
}

func NewSQLiteJobStore(connectionString string) (JobStore, error) {
	db, err := sql.Open("sqlite", connectionString)
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer; one pooled connection also keeps
	// an in-memory database shared between callers.
	db.SetMaxOpenConns(1)

	return &SQLiteJobStore{
		db:               db,
		connectionString: connectionString,
	}, nil
}

func (s *SQLiteJobStore) CreateSchema() (*sql.DB, error) {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		params TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		dirty BLOB,
		psf BLOB,
		mask BLOB,
		model BLOB,
		residual BLOB,
		restored BLOB,
		preview BLOB
	)`)
	if err != nil {
		return nil, err
	}

	return s.db, nil
}

func (s *SQLiteJobStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteJobStore) CreateJob(params string, dirty, psf, mask []byte) (string, error) {
	id, err := generateID()
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(`INSERT INTO jobs (id, status, params, created_at, updated_at, dirty, psf, mask)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, StatusQueued, params, now, now, dirty, psf, mask)
	if err != nil {
		return "", err
	}

	return id, nil
}

func (s *SQLiteJobStore) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow("SELECT id, status, params, error, created_at, updated_at FROM jobs WHERE id = ?", id)
	var job Job
	err := row.Scan(&job.ID, &job.Status, &job.Params, &job.Error, &job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *SQLiteJobStore) ListJobs() ([]*Job, error) {
	rows, err := s.db.Query("SELECT id, status, params, error, created_at, updated_at FROM jobs ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close() // Explicitly ignore error as we're already returning an error from the function
	}()

	var jobs []*Job
	for rows.Next() {
		var job Job
		if err := rows.Scan(&job.ID, &job.Status, &job.Params, &job.Error, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

func (s *SQLiteJobStore) DeleteJob(id string) error {
	result, err := s.db.Exec("DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(result)
}

func (s *SQLiteJobStore) MarkRunning(id string) error {
	return s.setStatus(id, StatusRunning, "")
}

func (s *SQLiteJobStore) MarkFailed(id, message string) error {
	return s.setStatus(id, StatusFailed, message)
}

func (s *SQLiteJobStore) setStatus(id, status, message string) error {
	result, err := s.db.Exec("UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE id = ?",
		status, message, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(result)
}

func (s *SQLiteJobStore) MarkDone(id string, model, residual, restored, preview []byte) error {
	result, err := s.db.Exec(`UPDATE jobs SET status = ?, model = ?, residual = ?, restored = ?, preview = ?, updated_at = ?
		WHERE id = ?`,
		StatusDone, model, residual, restored, preview, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(result)
}

func (s *SQLiteJobStore) GetInputs(id string) ([]byte, []byte, []byte, error) {
	row := s.db.QueryRow("SELECT dirty, psf, mask FROM jobs WHERE id = ?", id)
	var dirty, psf, mask []byte
	err := row.Scan(&dirty, &psf, &mask)
	if err == sql.ErrNoRows {
		return nil, nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, nil, err
	}
	return dirty, psf, mask, nil
}

func (s *SQLiteJobStore) GetFile(id, name string) ([]byte, error) {
	var column string
	switch name {
	case FileModel:
		column = "model"
	case FileResidual:
		column = "residual"
	case FileRestored:
		column = "restored"
	case FilePreview:
		column = "preview"
	default:
		return nil, fmt.Errorf("%w: unknown file %s", ErrNotFound, name)
	}

	// column comes from the fixed switch above, never from input.
	row := s.db.QueryRow(fmt.Sprintf("SELECT %s FROM jobs WHERE id = ?", column), id)
	var data []byte
	err := row.Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("%w: %s not yet available", ErrNotFound, name)
	}
	return data, nil
}

// generateID returns a random RFC 4122 version 4 UUID, used as the
// primary key of a job row.
func generateID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16]), nil
}

func affectedOrNotFound(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
