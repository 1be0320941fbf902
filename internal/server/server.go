// Package server exposes the upload, operation and download endpoints over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/Lllllllleong/docworkshop/internal/metrics"
	"github.com/Lllllllleong/docworkshop/internal/models"
	"github.com/Lllllllleong/docworkshop/internal/services"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// multipartOverhead is allowed on top of the upload limit for form boundaries and headers.
const multipartOverhead = 1 << 20

// HandlerConfig carries everything the HTTP layer needs.
type HandlerConfig struct {
	Intake     *services.Intake
	Dispatcher *services.Dispatcher
	Artifacts  services.ArtifactStore
	Metrics    *metrics.Metrics
	MaxUpload  int64
	Debug      bool
}

type handler struct {
	HandlerConfig
}

// NewRouter builds the echo instance with every route registered.
func NewRouter(cfg HandlerConfig) *echo.Echo {
	h := &handler{HandlerConfig: cfg}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Debug("Request handled.", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency.String())
			return nil
		},
	}))

	api := e.Group("/api")
	api.POST("/upload", h.upload)
	api.POST("/compress", operation(h, cfg.Dispatcher.Compress))
	api.POST("/merge", operation(h, cfg.Dispatcher.Merge))
	api.POST("/split", operation(h, cfg.Dispatcher.Split))
	api.POST("/lock", operation(h, cfg.Dispatcher.Lock))
	api.POST("/convert", operation(h, cfg.Dispatcher.Convert))

	e.GET("/download/:name", h.download)
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(cfg.Metrics.Registry, promhttp.HandlerOpts{})))
	}
	return e
}

func statusFor(kind models.Kind) int {
	switch kind {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindProcessing:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// handleError renders err as an ErrorResponse. Collaborator detail is only
// included when debug is enabled.
func (h *handler) handleError(c echo.Context, err error) error {
	status := statusFor(models.KindOf(err))
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed.", "path", c.Path(), "error", err)
	}
	body := models.ErrorResponse{Success: false, Message: models.PublicMessage(err)}
	if h.Debug {
		body.Detail = err.Error()
	}
	return c.JSON(status, body)
}

// operation adapts a dispatcher method to a JSON handler.
func operation[T any](h *handler, run func(context.Context, *T) (*models.OperationResponse, error)) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req T
		if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
			return h.handleError(c, models.Validation("could not parse JSON request body"))
		}
		resp, err := run(c.Request().Context(), &req)
		if err != nil {
			return h.handleError(c, err)
		}
		return c.JSON(http.StatusOK, resp)
	}
}

func (h *handler) upload(c echo.Context) error {
	r := c.Request()
	if h.MaxUpload > 0 {
		r.Body = http.MaxBytesReader(c.Response(), r.Body, h.MaxUpload+multipartOverhead)
	}
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return h.handleError(c, models.Validation("upload exceeds the maximum size"))
		}
		return h.handleError(c, models.Validation("no files uploaded"))
	}
	defer func() { _ = form.RemoveAll() }()

	headers := form.File["files"]
	files := make([]services.UploadedFile, 0, len(headers))
	for _, fh := range headers {
		fh := fh
		files = append(files, services.UploadedFile{
			Name: fh.Filename,
			Size: fh.Size,
			Open: func() (io.ReadCloser, error) { return fh.Open() },
		})
	}

	resp, err := h.Intake.Upload(r.Context(), files)
	if err != nil {
		return h.handleError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *handler) download(c echo.Context) error {
	rc, artifact, err := h.Artifacts.Open(c.Request().Context(), c.Param("name"))
	if err != nil {
		return h.handleError(c, err)
	}
	defer rc.Close()

	header := c.Response().Header()
	header.Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", artifact.Name))
	header.Set(echo.HeaderContentLength, strconv.FormatInt(artifact.Size, 10))
	return c.Stream(http.StatusOK, contentType(artifact.Name), rc)
}

func contentType(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return echo.MIMEOctetStream
}
