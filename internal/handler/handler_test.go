// internal/handler/handler_test.go
package handler

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/carvelabs/cutout-service/internal/config"
	"github.com/carvelabs/cutout-service/internal/engine"
	"github.com/carvelabs/cutout-service/internal/pipeline"
	"github.com/carvelabs/cutout-service/internal/pool"
	"github.com/carvelabs/cutout-service/internal/storage"
)

type rig struct {
	router *gin.Engine
	mock   *engine.Mock
	pool   *pool.Pool
	store  *storage.Disk
}

func newRig(t *testing.T) *rig {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mock := engine.NewMock()
	p := pool.New(2, func(engine.Config) (engine.Engine, error) {
		return mock, nil
	})
	t.Cleanup(func() { p.Close() })

	store, err := storage.NewDisk(t.TempDir(), "/processed")
	if err != nil {
		t.Fatalf("NewDisk failed: %v", err)
	}

	cfg := &config.Config{UseMock: true, PNGCompression: "default"}
	pipe := pipeline.New(engine.DefaultConfig(), p, store, nil, zap.NewNop(), pipeline.Options{})

	router := gin.New()
	New(cfg, pipe, store, p, zap.NewNop()).Register(router)
	return &rig{router: router, mock: mock, pool: p, store: store}
}

func pngPayload(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

type formFile struct {
	field string
	name  string
	data  []byte
}

func multipartRequest(t *testing.T, url string, files []formFile) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for _, f := range files {
		part, err := w.CreateFormFile(f.field, f.name)
		if err != nil {
			t.Fatalf("CreateFormFile failed: %v", err)
		}
		if _, err := part.Write(f.data); err != nil {
			t.Fatalf("Part write failed: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Writer close failed: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, url, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

type uploadResponse struct {
	Results []pipeline.Result `json:"results"`
}

func TestUploadBatch(t *testing.T) {
	r := newRig(t)

	req := multipartRequest(t, "/upload", []formFile{
		{"images", "a.png", pngPayload(t, 4, 4)},
		{"images", "b.txt", []byte("not an image")},
		{"images", "c.png", pngPayload(t, 4, 4)},
	})
	rec := httptest.NewRecorder()
	r.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d, expected 200: %s", rec.Code, rec.Body.String())
	}

	var resp uploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(resp.Results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(resp.Results))
	}
	if !resp.Results[0].OK || !resp.Results[2].OK {
		t.Errorf("Valid items should succeed: %+v", resp.Results)
	}
	if resp.Results[1].OK || resp.Results[1].Error != "unsupported or empty filename" {
		t.Errorf("Item 1 = %+v, expected filename rejection", resp.Results[1])
	}
	if resp.Results[0].Name != "a.png" || resp.Results[1].Name != "b.txt" || resp.Results[2].Name != "c.png" {
		t.Errorf("Result order not preserved: %+v", resp.Results)
	}
	if r.mock.CallCount != 1 {
		t.Errorf("Expected 1 model call, got %d", r.mock.CallCount)
	}
}

func TestUploadAllItemsFailedStill200(t *testing.T) {
	r := newRig(t)

	req := multipartRequest(t, "/upload", []formFile{
		{"images", "a.txt", []byte("x")},
	})
	rec := httptest.NewRecorder()
	r.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d, expected 200 even when every item failed", rec.Code)
	}
	var resp uploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].OK {
		t.Errorf("Expected one failed result, got %+v", resp.Results)
	}
}

func TestUploadMissingImagesField(t *testing.T) {
	r := newRig(t)

	req := multipartRequest(t, "/upload", []formFile{
		{"wrong_field", "a.png", pngPayload(t, 4, 4)},
	})
	rec := httptest.NewRecorder()
	r.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, expected 400", rec.Code)
	}
}

func TestUploadNotMultipart(t *testing.T) {
	r := newRig(t)

	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewBufferString("hello"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	r.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, expected 400", rec.Code)
	}
}

func TestRemoveBackgroundReturnsPNG(t *testing.T) {
	r := newRig(t)

	req := multipartRequest(t, "/remove-background", []formFile{
		{"file", "photo.png", pngPayload(t, 6, 6)},
	})
	rec := httptest.NewRecorder()
	r.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d, expected 200: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, expected image/png", ct)
	}
	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("Response is not a decodable PNG: %v", err)
	}
	if img.Bounds().Dx() != 6 || img.Bounds().Dy() != 6 {
		t.Errorf("Output bounds = %v, expected 6x6", img.Bounds())
	}
}

func TestRemoveBackgroundNoFilePart(t *testing.T) {
	r := newRig(t)

	req := multipartRequest(t, "/remove-background", nil)
	rec := httptest.NewRecorder()
	r.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, expected 400", rec.Code)
	}
}

func TestRemoveBackgroundInvalidImage(t *testing.T) {
	r := newRig(t)

	req := multipartRequest(t, "/remove-background", []formFile{
		{"file", "photo.png", []byte("garbage")},
	})
	rec := httptest.NewRecorder()
	r.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, expected 400: %s", rec.Code, rec.Body.String())
	}
}

func TestRemoveBackgroundEngineFailure(t *testing.T) {
	r := newRig(t)
	r.mock.SetError("device out of memory")

	req := multipartRequest(t, "/remove-background", []formFile{
		{"file", "photo.png", pngPayload(t, 4, 4)},
	})
	rec := httptest.NewRecorder()
	r.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Status = %d, expected 500: %s", rec.Code, rec.Body.String())
	}
}

func TestProcessedRoundTrip(t *testing.T) {
	r := newRig(t)

	if _, err := r.store.Put("cutout.png", pngPayload(t, 4, 4)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/processed/cutout.png", nil)
	rec := httptest.NewRecorder()
	r.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Status = %d, expected 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/processed/missing.png", nil)
	rec = httptest.NewRecorder()
	r.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("Status = %d, expected 404", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	r := newRig(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Status = %d, expected 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, expected ok", body["status"])
	}
}

func TestInfoReportsPoolState(t *testing.T) {
	r := newRig(t)

	// Populate the pool through a real request.
	req := multipartRequest(t, "/upload", []formFile{
		{"images", "a.png", pngPayload(t, 4, 4)},
	})
	r.router.ServeHTTP(httptest.NewRecorder(), req)

	infoReq := httptest.NewRequest(http.MethodGet, "/info", nil)
	rec := httptest.NewRecorder()
	r.router.ServeHTTP(rec, infoReq)

	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d, expected 200", rec.Code)
	}
	var body struct {
		Runtime string `json:"runtime"`
		Pool    struct {
			Capacity int      `json:"capacity"`
			Entries  int      `json:"entries"`
			Keys     []string `json:"keys"`
		} `json:"pool"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if body.Runtime != "mock" {
		t.Errorf("runtime = %q, expected mock", body.Runtime)
	}
	if body.Pool.Capacity != 2 || body.Pool.Entries != 1 || len(body.Pool.Keys) != 1 {
		t.Errorf("Unexpected pool state: %+v", body.Pool)
	}
}

func TestParseOverrides(t *testing.T) {
	gin.SetMode(gin.TestMode)

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet,
		"/?object_type=object&trimap_dilation=12&batch_size_seg=abc&fp16=1&seg_mask_size=", nil)

	o := parseOverrides(c)
	if o.ObjectType == nil || *o.ObjectType != engine.ObjectTypeObject {
		t.Error("object_type not applied")
	}
	if o.TrimapDilation == nil || *o.TrimapDilation != 12 {
		t.Error("trimap_dilation not applied")
	}
	if o.BatchSizeSeg != nil {
		t.Error("Malformed batch_size_seg should be ignored")
	}
	if o.SegMaskSize != nil {
		t.Error("Empty seg_mask_size should be ignored")
	}
	if o.FP16 == nil || !*o.FP16 {
		t.Error("fp16=1 not applied")
	}
}

func TestParseOverridesRejectsUnknownObjectType(t *testing.T) {
	gin.SetMode(gin.TestMode)

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/?object_type=blurry", nil)

	if o := parseOverrides(c); o.ObjectType != nil {
		t.Errorf("Unknown object_type should be ignored, got %q", *o.ObjectType)
	}
}

func TestParsePostConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet,
		"/?feather_radius=2.5&alpha_threshold=100", nil)

	p := parsePostConfig(c)
	if p.FeatherRadius != 2.5 || p.AlphaThreshold != 100 {
		t.Errorf("PostConfig = %+v, expected radius 2.5 threshold 100", p)
	}

	c, _ = gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/?feather_radius=soft", nil)
	if p := parsePostConfig(c); p.FeatherRadius != 0 {
		t.Errorf("Malformed feather_radius should fall back to 0, got %g", p.FeatherRadius)
	}
}
