package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jo-hoe/moresane/internal/backend/database"
	"github.com/jo-hoe/moresane/internal/backend/queue"
	"github.com/jo-hoe/moresane/internal/fits"
	"github.com/jo-hoe/moresane/internal/grid"
	"github.com/jo-hoe/moresane/internal/mask"
	"github.com/jo-hoe/moresane/internal/moresane"
	"github.com/jo-hoe/moresane/internal/render"
)

// CoreService owns the job store, the queue and the worker pool, and
// carries one deconvolution job from submission to its output files.
type CoreService struct {
	config *ServiceConfig
	store  database.JobStore
	queue  *queue.Queue
	wg     sync.WaitGroup
}

func NewCoreService(ctx context.Context, config *ServiceConfig) (*CoreService, error) {
	store, err := database.NewJobStore(config.Database.Type, config.Database.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize job store: %w", err)
	}
	slog.Info("job store initialized successfully", "type", config.Database.Type)

	jobQueue, err := queue.New(ctx, config.Redis)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize job queue: %w", err)
	}
	slog.Info("job queue initialized successfully", "address", config.Redis.Address)

	return &CoreService{
		config: config,
		store:  store,
		queue:  jobQueue,
	}, nil
}

// SubmitJob records the job inputs and puts the id on the backlog.
func (s *CoreService) SubmitJob(params JobParams, dirty, psf, maskBlob []byte) (string, error) {
	encoded, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to encode job parameters: %w", err)
	}
	id, err := s.store.CreateJob(string(encoded), dirty, psf, maskBlob)
	if err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}
	if err := s.queue.Enqueue(context.Background(), id); err != nil {
		return "", err
	}
	slog.Info("job submitted", "job_id", id, "dirty_bytes", len(dirty), "psf_bytes", len(psf))
	return id, nil
}

func (s *CoreService) GetJob(id string) (*database.Job, error) {
	return s.store.GetJob(id)
}

func (s *CoreService) ListJobs() ([]*database.Job, error) {
	return s.store.ListJobs()
}

func (s *CoreService) DeleteJob(id string) error {
	return s.store.DeleteJob(id)
}

func (s *CoreService) GetFile(id, name string) ([]byte, error) {
	return s.store.GetFile(id, name)
}

// RenderFile rasterizes one of the job's FITS products on demand. The
// stored preview always shows the restored map at full size; this path
// serves alternate encodings and thumbnails of any product. format is
// "png" or "tiff"; a positive size scales the longer side down to a
// PNG thumbnail. Returns the encoded image and its content type.
func (s *CoreService) RenderFile(id, name, format string, size int) ([]byte, string, error) {
	// The preview is a raster of the restored map.
	if name == database.FilePreview {
		name = database.FileRestored
	}
	blob, err := s.store.GetFile(id, name)
	if err != nil {
		return nil, "", err
	}
	img, err := fits.Read(bytes.NewReader(blob))
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse stored %s: %w", name, err)
	}

	switch {
	case size > 0:
		data, err := render.Thumbnail(img.Data, size)
		return data, "image/png", err
	case format == "tiff":
		data, err := render.TIFF(img.Data)
		return data, "image/tiff", err
	case format == "" || format == "png":
		data, err := render.PNG(img.Data)
		return data, "image/png", err
	default:
		return nil, "", fmt.Errorf("unsupported render format %q, want png or tiff", format)
	}
}

// StartWorkers launches the worker pool. Workers exit when ctx is
// cancelled; Close waits for them.
func (s *CoreService) StartWorkers(ctx context.Context) {
	workers := s.config.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		worker := i
		go func() {
			defer s.wg.Done()
			slog.Info("worker started", "worker", worker)
			for {
				id, err := s.queue.Dequeue(ctx, 2*time.Second)
				if ctx.Err() != nil {
					slog.Info("worker stopping", "worker", worker)
					return
				}
				if err != nil {
					slog.Error("failed to poll job queue", "worker", worker, "error", err)
					continue
				}
				if id == "" {
					continue
				}
				s.runJob(id)
			}
		}()
	}
}

// Close waits for in-flight jobs and releases the store and queue.
func (s *CoreService) Close() error {
	s.wg.Wait()
	qErr := s.queue.Close()
	sErr := s.store.Close()
	if qErr != nil {
		return qErr
	}
	return sErr
}

func (s *CoreService) runJob(id string) {
	start := time.Now()
	slog.Info("job started", "job_id", id)

	if err := s.store.MarkRunning(id); err != nil {
		slog.Error("failed to mark job running", "job_id", id, "error", err)
		return
	}

	if err := s.process(id); err != nil {
		slog.Error("job failed", "job_id", id, "error", err)
		if markErr := s.store.MarkFailed(id, err.Error()); markErr != nil {
			slog.Error("failed to mark job failed", "job_id", id, "error", markErr)
		}
		return
	}

	slog.Info("job completed", "job_id", id, "duration_ms", time.Since(start).Milliseconds())
}

func (s *CoreService) process(id string) error {
	job, err := s.store.GetJob(id)
	if err != nil {
		return err
	}
	params := s.config.Defaults
	params.Normalize()
	if err := json.Unmarshal([]byte(job.Params), &params); err != nil {
		return fmt.Errorf("failed to decode job parameters: %w", err)
	}
	opts, err := params.Options()
	if err != nil {
		return err
	}

	dirtyBlob, psfBlob, maskBlob, err := s.store.GetInputs(id)
	if err != nil {
		return err
	}
	dirty, err := fits.Read(bytes.NewReader(dirtyBlob))
	if err != nil {
		return fmt.Errorf("failed to parse dirty map: %w", err)
	}
	psf, err := fits.Read(bytes.NewReader(psfBlob))
	if err != nil {
		return fmt.Errorf("failed to parse PSF: %w", err)
	}
	var maskPlane *grid.Map
	if len(maskBlob) > 0 {
		maskImg, err := fits.Read(bytes.NewReader(maskBlob))
		if err != nil {
			return fmt.Errorf("failed to parse mask: %w", err)
		}
		maskPlane = mask.Prepare(maskImg.Data)
	}

	dec, err := moresane.NewDeconvolver(dirty.Data, psf.Data, maskPlane)
	if err != nil {
		return err
	}
	if params.SingleRun {
		err = dec.Moresane(opts)
	} else {
		err = dec.MoresaneByScale(opts)
	}
	if err != nil {
		return err
	}
	if err := dec.Restore(dirty.Header.FloatOr("CDELT1", 1)); err != nil {
		return err
	}

	model, err := encodeFITS(dirty.Header, dec.Model)
	if err != nil {
		return err
	}
	residual, err := encodeFITS(dirty.Header, dec.Residual)
	if err != nil {
		return err
	}

	restoredHdr := dirty.Header.Clone()
	restoredHdr.SetFloat("BMAJ", dec.Beam.BMaj, "restoring beam major axis (deg)")
	restoredHdr.SetFloat("BMIN", dec.Beam.BMin, "restoring beam minor axis (deg)")
	restoredHdr.SetFloat("BPA", dec.Beam.BPA, "restoring beam position angle (deg)")
	restored, err := encodeFITS(restoredHdr, dec.Restored)
	if err != nil {
		return err
	}

	preview, err := render.PNG(dec.Restored)
	if err != nil {
		return err
	}

	return s.store.MarkDone(id, model, residual, restored, preview)
}

func encodeFITS(header *fits.Header, plane *grid.Map) ([]byte, error) {
	var buf bytes.Buffer
	if err := fits.Write(&buf, header, plane); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
