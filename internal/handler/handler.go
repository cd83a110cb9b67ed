// internal/handler/handler.go
package handler

import (
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/carvelabs/cutout-service/internal/config"
	"github.com/carvelabs/cutout-service/internal/middleware"
	"github.com/carvelabs/cutout-service/internal/pipeline"
	"github.com/carvelabs/cutout-service/internal/pool"
	"github.com/carvelabs/cutout-service/internal/storage"
)

// Handler exposes the HTTP surface: batch and single-file background
// removal, stored artifact retrieval, and service introspection.
type Handler struct {
	cfg    *config.Config
	pipe   *pipeline.Pipeline
	store  storage.Store
	pool   *pool.Pool
	logger *zap.Logger
}

// New creates a Handler wired to the shared pipeline, store, and pool.
func New(cfg *config.Config, pipe *pipeline.Pipeline, store storage.Store, pl *pool.Pool, logger *zap.Logger) *Handler {
	return &Handler{cfg: cfg, pipe: pipe, store: store, pool: pl, logger: logger}
}

// Register attaches all routes to the router.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/info", h.Info)
	r.POST("/upload", h.Upload)
	r.POST("/remove-background", h.RemoveBackground)
	r.GET("/processed/:name", h.Processed)
}

// Upload handles a multipart batch under the "images" field. The response
// always carries one result per uploaded file, in upload order, even when
// every item failed.
func (h *Handler) Upload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	files := form.File["images"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no images field in request"})
		return
	}

	inputs := make([]pipeline.Input, len(files))
	for i, fh := range files {
		inputs[i] = pipeline.Input{Name: fh.Filename, Data: readFile(fh)}
	}

	results := h.pipe.Process(
		c.Request.Context(),
		parseOverrides(c),
		parsePostConfig(c),
		inputs,
	)

	h.logger.Debug("upload handled",
		zap.Int("files", len(files)),
		zap.String("request_id", middleware.GetRequestID(c)))

	c.JSON(http.StatusOK, gin.H{"results": results})
}

// RemoveBackground is the single-file endpoint kept for compatibility. It
// returns the cutout PNG bytes directly instead of a locator.
func (h *Handler) RemoveBackground(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no file part"})
		return
	}
	if fh.Filename == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no selected file"})
		return
	}

	results := h.pipe.Process(
		c.Request.Context(),
		parseOverrides(c),
		parsePostConfig(c),
		[]pipeline.Input{{Name: fh.Filename, Data: readFile(fh)}},
	)

	res := results[0]
	if !res.OK {
		c.JSON(statusForError(res.Error), gin.H{"error": res.Error})
		return
	}

	data, err := h.store.Get(path.Base(res.URL))
	if err != nil {
		h.logger.Error("stored cutout unreadable", zap.String("url", res.URL), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load processed image"})
		return
	}
	c.Data(http.StatusOK, "image/png", data)
}

// Processed serves a stored cutout by name.
func (h *Handler) Processed(c *gin.Context) {
	data, err := h.store.Get(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.Data(http.StatusOK, "image/png", data)
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Info reports the runtime setup and the current pool state.
func (h *Handler) Info(c *gin.Context) {
	runtime := "onnxruntime"
	if h.cfg.UseMock {
		runtime = "mock"
	}
	c.JSON(http.StatusOK, gin.H{
		"runtime":         runtime,
		"cuda":            h.cfg.UseCUDA,
		"fp16":            h.cfg.FP16,
		"png_compression": h.cfg.PNGCompression,
		"pool": gin.H{
			"capacity": h.pool.Capacity(),
			"entries":  h.pool.Len(),
			"keys":     h.pool.Keys(),
		},
	})
}

// statusForError maps per-item failure reasons to HTTP statuses for the
// single-file endpoint: input errors are the client's fault, everything
// downstream is ours.
func statusForError(reason string) int {
	switch {
	case strings.HasPrefix(reason, "unsupported"),
		strings.HasPrefix(reason, "invalid image data"),
		strings.HasPrefix(reason, "failed to read image"),
		strings.HasPrefix(reason, "file too large"):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// readFile drains one multipart file. Unreadable files yield nil bytes,
// which the pipeline reports as invalid image data.
func readFile(fh *multipart.FileHeader) []byte {
	f, err := fh.Open()
	if err != nil {
		return nil
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil
	}
	return data
}
