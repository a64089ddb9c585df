package backend

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/jo-hoe/moresane/internal/backend/database"
	"github.com/jo-hoe/moresane/internal/core"

	"github.com/labstack/echo/v4"
)

// APIService exposes the deconvolution job lifecycle over HTTP.
type APIService struct {
	config *core.ServiceConfig
	core   *core.CoreService
}

func NewAPIService(config *core.ServiceConfig, coreService *core.CoreService) *APIService {
	return &APIService{
		config: config,
		core:   coreService,
	}
}

func (s *APIService) SetRoutes(e *echo.Echo) {
	// Probe route for liveness checks
	e.GET("/probe", func(c echo.Context) error {
		return c.String(http.StatusOK, "API Service is running")
	})

	api := e.Group("/api/v1")
	api.POST("/jobs", s.createJob)
	api.GET("/jobs", s.listJobs)
	api.GET("/jobs/:id", s.getJob)
	api.GET("/jobs/:id/files/:name", s.getFile)
	api.DELETE("/jobs/:id", s.deleteJob)
}

type jobResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

func toJobResponse(job *database.Job) jobResponse {
	return jobResponse{
		ID:        job.ID,
		Status:    job.Status,
		Error:     job.Error,
		CreatedAt: job.CreatedAt.Format(time.RFC3339),
		UpdatedAt: job.UpdatedAt.Format(time.RFC3339),
	}
}

func (s *APIService) createJob(c echo.Context) error {
	dirty, err := readFormFile(c, "dirty")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "missing or unreadable 'dirty' file")
	}
	psf, err := readFormFile(c, "psf")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "missing or unreadable 'psf' file")
	}
	// The mask is optional, but when one is sent it has to be readable.
	maskBlob, err := readFormFile(c, "mask")
	if errors.Is(err, http.ErrMissingFile) {
		maskBlob = nil
	} else if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable 'mask' file")
	}

	params := s.config.Defaults
	params.Normalize()

	formValues, err := c.FormParams()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to parse form parameters")
	}
	overrides := make(map[string]string, len(formValues))
	for key, values := range formValues {
		if len(values) > 0 {
			overrides[key] = values[0]
		}
	}
	if err := params.ApplyValues(overrides); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&params); err != nil {
		return err
	}

	id, err := s.core.SubmitJob(params, dirty, psf, maskBlob)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, jobResponse{ID: id, Status: database.StatusQueued})
}

func (s *APIService) listJobs(c echo.Context) error {
	jobs, err := s.core.ListJobs()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	responses := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		responses = append(responses, toJobResponse(job))
	}
	return c.JSON(http.StatusOK, responses)
}

func (s *APIService) getJob(c echo.Context) error {
	job, err := s.core.GetJob(c.Param("id"))
	if errors.Is(err, database.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, toJobResponse(job))
}

func (s *APIService) getFile(c echo.Context) error {
	name := c.Param("name")

	// The format and size query parameters switch to on-demand
	// rendering of the stored FITS product.
	format := c.QueryParam("format")
	size := 0
	if raw := c.QueryParam("size"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "size must be a positive integer")
		}
		size = parsed
	}
	if format != "" || size > 0 {
		data, contentType, err := s.core.RenderFile(c.Param("id"), name, format, size)
		if errors.Is(err, database.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "file not found")
		}
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return c.Blob(http.StatusOK, contentType, data)
	}

	data, err := s.core.GetFile(c.Param("id"), name)
	if errors.Is(err, database.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "file not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(data) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "file not available yet")
	}
	contentType := "application/fits"
	if name == database.FilePreview {
		contentType = "image/png"
	}
	return c.Blob(http.StatusOK, contentType, data)
}

func (s *APIService) deleteJob(c echo.Context) error {
	err := s.core.DeleteJob(c.Param("id"))
	if errors.Is(err, database.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func readFormFile(c echo.Context, name string) ([]byte, error) {
	fileHeader, err := c.FormFile(name)
	if err != nil {
		return nil, err
	}
	file, err := fileHeader.Open()
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}
