package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"golang.org/x/image/tiff"

	"github.com/jo-hoe/moresane/internal/backend/queue"
	"github.com/jo-hoe/moresane/internal/common"
	"github.com/jo-hoe/moresane/internal/core"
	"github.com/jo-hoe/moresane/internal/fftconv"
	"github.com/jo-hoe/moresane/internal/fits"
	"github.com/jo-hoe/moresane/internal/grid"
)

func newTestServer(t *testing.T) (*echo.Echo, *core.CoreService) {
	t.Helper()
	server := miniredis.RunT(t)

	config := &core.ServiceConfig{
		Port:     8080,
		Database: core.Database{Type: "sqlite", ConnectionString: ":memory:"},
		Redis:    queue.Config{Address: server.Addr(), QueueKey: "test:jobs"},
		Workers:  1,
		Defaults: core.DefaultJobParams(),
	}
	coreService, err := core.NewCoreService(context.Background(), config)
	if err != nil {
		t.Fatalf("Failed to create core service: %v", err)
	}
	t.Cleanup(func() {
		_ = coreService.Close()
	})

	e := echo.New()
	e.Validator = &common.GenericEchoValidator{}
	NewAPIService(config, coreService).SetRoutes(e)
	return e, coreService
}

// multipartJob builds a job submission request with the given form
// fields and input files.
func multipartJob(t *testing.T, fields map[string]string, files map[string][]byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for name, data := range files {
		part, err := writer.CreateFormFile(name, name+".fits")
		if err != nil {
			t.Fatalf("Failed to create form file: %v", err)
		}
		if _, err := part.Write(data); err != nil {
			t.Fatalf("Failed to write form file: %v", err)
		}
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("Failed to write form field: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Failed to close multipart writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", &body)
	req.Header.Set(echo.HeaderContentType, writer.FormDataContentType())
	return req
}

func TestProbe(t *testing.T) {
	e, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/probe", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
}

func TestCreateJob(t *testing.T) {
	e, _ := newTestServer(t)

	req := multipartJob(t,
		map[string]string{"loopGain": "0.2", "singleRun": "true"},
		map[string][]byte{"dirty": []byte("dirty"), "psf": []byte("psf")})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var response struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response.ID == "" {
		t.Error("Expected a job id in the response")
	}
	if response.Status != "queued" {
		t.Errorf("Expected status queued, got %q", response.Status)
	}

	// The job shows up in the listing and under its id.
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200 from listing, got %d", rec.Code)
	}
	var jobs []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &jobs); err != nil {
		t.Fatalf("Failed to decode listing: %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("Expected 1 job in the listing, got %d", len(jobs))
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+response.ID, nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200 for the job, got %d", rec.Code)
	}
}

func TestCreateJob_MissingInput(t *testing.T) {
	e, _ := newTestServer(t)

	// No PSF file.
	req := multipartJob(t, nil, map[string][]byte{"dirty": []byte("dirty")})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rec.Code)
	}
}

func TestCreateJob_InvalidParameter(t *testing.T) {
	e, _ := newTestServer(t)

	req := multipartJob(t,
		map[string]string{"loopGain": "not-a-number"},
		map[string][]byte{"dirty": []byte("dirty"), "psf": []byte("psf")})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rec.Code)
	}
}

func TestCreateJob_ValidatorRejectsOutOfRange(t *testing.T) {
	e, _ := newTestServer(t)

	req := multipartJob(t,
		map[string]string{"loopGain": "1.5"},
		map[string][]byte{"dirty": []byte("dirty"), "psf": []byte("psf")})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for out-of-range loop gain, got %d", rec.Code)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	e, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/no-such-id", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rec.Code)
	}
}

func TestGetFile_NotAvailable(t *testing.T) {
	e, _ := newTestServer(t)

	req := multipartJob(t, nil, map[string][]byte{"dirty": []byte("d"), "psf": []byte("p")})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", rec.Code)
	}
	var response struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	// The job has not run, so its outputs do not exist yet.
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+response.ID+"/files/model.fits", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for a pending output, got %d", rec.Code)
	}
}

func TestCreateJob_MaskIsOptional(t *testing.T) {
	e, _ := newTestServer(t)

	// Without a mask part the submission is accepted.
	req := multipartJob(t, nil, map[string][]byte{"dirty": []byte("d"), "psf": []byte("p")})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Errorf("Expected status 202 without a mask, got %d: %s", rec.Code, rec.Body.String())
	}

	// With one it is carried along.
	req = multipartJob(t, nil, map[string][]byte{"dirty": []byte("d"), "psf": []byte("p"), "mask": []byte("m")})
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Errorf("Expected status 202 with a mask, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetFile_InvalidRenderParams(t *testing.T) {
	e, _ := newTestServer(t)

	for _, query := range []string{"?size=abc", "?size=0", "?size=-4"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/some-id/files/model.fits"+query, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400 for %q, got %d", query, rec.Code)
		}
	}

	// A render request for a job that does not exist is still a 404.
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/no-such-id/files/model.fits?format=tiff", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for a missing job, got %d", rec.Code)
	}
}

// simulatedFITSInputs encodes a synthetic Gaussian field and its PSF.
func simulatedFITSInputs(t *testing.T, size int) (dirty, psf []byte) {
	t.Helper()
	psfPlane := grid.NewMap(size, size)
	c := size / 2
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx, dy := float64(x-c), float64(y-c)
			psfPlane.Pix[y*size+x] = math.Exp(-(dx*dx + dy*dy) / 8)
		}
	}
	sky := grid.NewMap(size, size)
	for dy := -3; dy <= 3; dy++ {
		for dx := -3; dx <= 3; dx++ {
			sky.Pix[(c+dy)*size+c+dx] = 8 * math.Exp(-float64(dx*dx+dy*dy)/4)
		}
	}
	kernel, err := fftconv.NewKernel(psfPlane, size, size, fftconv.Linear)
	if err != nil {
		t.Fatalf("Failed to build simulation kernel: %v", err)
	}
	dirtyPlane := kernel.Convolve(sky)

	encode := func(plane *grid.Map) []byte {
		var buf bytes.Buffer
		if err := fits.Write(&buf, nil, plane); err != nil {
			t.Fatalf("Failed to encode FITS fixture: %v", err)
		}
		return buf.Bytes()
	}
	return encode(dirtyPlane), encode(psfPlane)
}

func TestGetFile_RenderedFormats(t *testing.T) {
	e, coreService := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	coreService.StartWorkers(ctx)

	dirty, psf := simulatedFITSInputs(t, 64)
	req := multipartJob(t,
		map[string]string{"singleRun": "true", "majorLoopMiter": "2"},
		map[string][]byte{"dirty": dirty, "psf": psf})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var response struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	deadline := time.Now().Add(30 * time.Second)
	for {
		rec = httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+response.ID, nil))
		var job struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
			t.Fatalf("Failed to decode job: %v", err)
		}
		if job.Status == "done" {
			break
		}
		if job.Status == "failed" {
			t.Fatalf("Job failed: %s", job.Error)
		}
		if time.Now().After(deadline) {
			t.Fatalf("Job did not finish in time, status is %q", job.Status)
		}
		time.Sleep(50 * time.Millisecond)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+response.ID+"/files/restored.fits?format=tiff", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200 for the TIFF render, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(echo.HeaderContentType); got != "image/tiff" {
		t.Errorf("Expected content type image/tiff, got %q", got)
	}
	img, err := tiff.Decode(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("Expected a decodable TIFF: %v", err)
	}
	if img.Bounds().Dx() != 64 || img.Bounds().Dy() != 64 {
		t.Errorf("Expected a 64x64 TIFF, got %v", img.Bounds())
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+response.ID+"/files/preview.png?size=16", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200 for the thumbnail, got %d: %s", rec.Code, rec.Body.String())
	}
	if img, err = png.Decode(bytes.NewReader(rec.Body.Bytes())); err != nil {
		t.Fatalf("Expected a decodable thumbnail PNG: %v", err)
	}
	if img.Bounds().Dx() != 16 || img.Bounds().Dy() != 16 {
		t.Errorf("Expected a 16x16 thumbnail, got %v", img.Bounds())
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+response.ID+"/files/model.fits?format=bmp", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for an unsupported format, got %d", rec.Code)
	}
}

func TestDeleteJob(t *testing.T) {
	e, _ := newTestServer(t)

	req := multipartJob(t, nil, map[string][]byte{"dirty": []byte("d"), "psf": []byte("p")})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	var response struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+response.ID, nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+response.ID, nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for a second delete, got %d", rec.Code)
	}
}
