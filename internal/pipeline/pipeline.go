// Package pipeline feeds uploaded images through a pooled engine and
// applies deterministic post-processing. Validation and persistence
// failures stay scoped to their item; engine resolution and invocation
// failures fail the whole batch uniformly. The result slice always matches
// the input slice in length and order.
package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	_ "image/jpeg"

	_ "golang.org/x/image/webp"

	"github.com/carvelabs/cutout-service/internal/engine"
	"github.com/carvelabs/cutout-service/internal/metrics"
	"github.com/carvelabs/cutout-service/internal/pool"
	"github.com/carvelabs/cutout-service/internal/storage"
)

var allowedExtensions = map[string]bool{
	"png":  true,
	"jpg":  true,
	"jpeg": true,
	"webp": true,
}

// Input is one uploaded file: its client-supplied name and raw bytes.
type Input struct {
	Name string
	Data []byte
}

// Result is the per-item outcome. Ms is the batch wall time split evenly
// across outputs, an estimate only; cached items report no timing.
type Result struct {
	OK     bool   `json:"ok"`
	Name   string `json:"name"`
	URL    string `json:"url,omitempty"`
	Ms     int64  `json:"ms,omitempty"`
	Cached bool   `json:"cached,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ResultCache maps content-addressed item keys to output locators. Nil
// disables caching; lookup errors only cost the shortcut.
type ResultCache interface {
	GetLocator(ctx context.Context, key string) (string, error)
	SetLocator(ctx context.Context, key, locator string) error
}

// Options tunes per-item limits and output encoding.
type Options struct {
	// MaxItemBytes rejects individual files larger than this. Zero
	// disables the check.
	MaxItemBytes int64
	// PNGCompression selects the encoder level for stored cutouts.
	PNGCompression png.CompressionLevel
}

// Pipeline wires the engine pool, the storage capability, and the optional
// result cache. Construct one per process and share it across requests.
type Pipeline struct {
	base   engine.Config
	pool   *pool.Pool
	store  storage.Store
	cache  ResultCache
	logger *zap.Logger
	tracer trace.Tracer
	opts   Options
}

// New creates a Pipeline. base is the fully-populated default processing
// config that request overrides are merged onto. cache may be nil.
func New(base engine.Config, pl *pool.Pool, store storage.Store, cache ResultCache, logger *zap.Logger, opts Options) *Pipeline {
	return &Pipeline{
		base:   base,
		pool:   pl,
		store:  store,
		cache:  cache,
		logger: logger,
		tracer: otel.Tracer("cutout/pipeline"),
		opts:   opts,
	}
}

type itemState int

const (
	itemInvalid itemState = iota
	itemCached
	itemPending
)

type item struct {
	state    itemState
	img      image.Image
	cacheKey string
}

// Process runs the batch through validation, engine resolution, one model
// invocation, and post-processing. It always returns one Result per input,
// in input order.
func (p *Pipeline) Process(ctx context.Context, ov engine.Overrides, post PostConfig, inputs []Input) []Result {
	ctx, span := p.tracer.Start(ctx, "pipeline.Process")
	defer span.End()

	cfg := p.base.Merge(ov)
	post = post.Clamp()

	results := make([]Result, len(inputs))
	items := make([]item, len(inputs))

	// Stage A: per-item validation and decode. One item's failure never
	// touches its siblings.
	for i, in := range inputs {
		results[i].Name = in.Name
		if results[i].Name == "" {
			results[i].Name = "unknown"
		}

		if !allowedName(in.Name) {
			results[i].Error = "unsupported or empty filename"
			continue
		}
		if p.opts.MaxItemBytes > 0 && int64(len(in.Data)) > p.opts.MaxItemBytes {
			results[i].Error = "file too large"
			continue
		}

		if p.cache != nil {
			key := itemKey(in.Data, cfg.Key(), post.Key())
			items[i].cacheKey = key
			locator, err := p.cache.GetLocator(ctx, key)
			if err != nil {
				p.logger.Warn("result cache lookup failed", zap.Error(err))
			} else if locator != "" {
				items[i].state = itemCached
				results[i].OK = true
				results[i].URL = locator
				results[i].Cached = true
				metrics.RecordResultCacheHit()
				continue
			}
		}

		img, err := decodeImage(in.Data)
		if err != nil {
			if err == image.ErrFormat {
				results[i].Error = "invalid image data"
			} else {
				results[i].Error = fmt.Sprintf("failed to read image: %v", err)
			}
			continue
		}
		items[i].state = itemPending
		items[i].img = img
	}

	var pending []int
	var imgs []image.Image
	for i := range items {
		if items[i].state == itemPending {
			pending = append(pending, i)
			imgs = append(imgs, items[i].img)
		}
	}

	// A batch with nothing left to process is not an error.
	if len(pending) == 0 {
		return results
	}

	// Stage B: resolve the engine. A construction failure fails every
	// surviving item; earlier failures keep their own reason.
	lease, err := p.pool.Acquire(cfg)
	if err != nil {
		p.logger.Error("engine resolve failed", zap.String("config", cfg.Key()), zap.Error(err))
		p.failPending(results, pending, err)
		return results
	}
	defer lease.Release()

	// Stage C: one invocation for the whole valid subset.
	metrics.RecordInferenceBatch(len(imgs))
	invokeCtx, invokeSpan := p.tracer.Start(ctx, "pipeline.Invoke")
	start := time.Now()
	outputs, err := lease.Process(invokeCtx, imgs)
	elapsed := time.Since(start)
	invokeSpan.End()
	metrics.RecordInferenceLatency(elapsed.Seconds())

	if err != nil {
		p.logger.Error("model invocation failed", zap.Int("batch", len(imgs)), zap.Error(err))
		p.failPending(results, pending, err)
		return results
	}
	if len(outputs) != len(imgs) {
		p.failPending(results, pending, fmt.Errorf("output count %d does not match input count %d", len(outputs), len(imgs)))
		return results
	}

	perItemMs := elapsed.Milliseconds() / int64(len(outputs))
	p.logger.Info("batch processed",
		zap.Int("batch", len(outputs)),
		zap.String("config", cfg.Key()),
		zap.Duration("elapsed", elapsed))

	// Stage D: per-item post-processing and persistence.
	for k, idx := range pending {
		out := ApplyPost(outputs[k], post)

		var buf bytes.Buffer
		enc := png.Encoder{CompressionLevel: p.opts.PNGCompression}
		if err := enc.Encode(&buf, out); err != nil {
			results[idx].Error = fmt.Sprintf("save failed: %v", err)
			continue
		}

		id := uuid.New()
		name := hex.EncodeToString(id[:]) + ".png"
		locator, err := p.store.Put(name, buf.Bytes())
		if err != nil {
			results[idx].Error = fmt.Sprintf("save failed: %v", err)
			continue
		}

		results[idx].OK = true
		results[idx].URL = locator
		results[idx].Ms = perItemMs

		if p.cache != nil && items[idx].cacheKey != "" {
			if err := p.cache.SetLocator(ctx, items[idx].cacheKey, locator); err != nil {
				p.logger.Warn("result cache store failed", zap.Error(err))
			}
		}
	}

	return results
}

// failPending marks every still-pending item with a uniform batch failure.
func (p *Pipeline) failPending(results []Result, pending []int, cause error) {
	for _, idx := range pending {
		results[idx].Error = fmt.Sprintf("processing failed: %v", cause)
	}
}

// allowedName accepts non-empty filenames with a supported extension.
func allowedName(name string) bool {
	if name == "" {
		return false
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	return ext != "" && allowedExtensions[ext]
}

// decodeImage decodes raw bytes and normalizes the result to an NRGBA
// pixel buffer. Sources without an alpha channel come out fully opaque,
// alpha-capable sources keep their alpha.
func decodeImage(data []byte) (image.Image, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if n, ok := src.(*image.NRGBA); ok {
		return n, nil
	}
	dst := image.NewNRGBA(src.Bounds())
	draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
	return dst, nil
}

// itemKey content-addresses one item: raw bytes plus everything that
// changes the output.
func itemKey(data []byte, configKey, postKey string) string {
	h := sha256.New()
	h.Write(data)
	h.Write([]byte{0})
	h.Write([]byte(configKey))
	h.Write([]byte{0})
	h.Write([]byte(postKey))
	return hex.EncodeToString(h.Sum(nil))
}
