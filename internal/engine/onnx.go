// internal/engine/onnx.go
package engine

import (
	"context"
	"fmt"
	"image"
	"math"
	"os"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/image/draw"
)

// Options locates the model files and selects the execution provider.
// These are process-level settings; everything request-tunable lives in
// Config.
type Options struct {
	// SegModelPath is the segmentation (tracer) ONNX model.
	SegModelPath string
	// MattingModelPath is the matting ONNX model.
	MattingModelPath string
	// UseCUDA appends the CUDA execution provider when true.
	UseCUDA bool
}

var ortInit sync.Once
var ortInitErr error

// ONNX implements Engine on top of two onnxruntime sessions: a segmentation
// net producing a foreground probability mask and a matting net refining it
// into an alpha channel through a trimap. Construction is the expensive
// path: both model files are loaded and placed on the device here.
type ONNX struct {
	cfg     Config
	seg     *ort.DynamicAdvancedSession
	matting *ort.DynamicAdvancedSession
}

// NewONNX builds an engine bound to cfg. On any failure no session is
// leaked and the returned error wraps the cause.
func NewONNX(cfg Config, opts Options) (*ONNX, error) {
	ortInit.Do(func() {
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", ortInitErr)
	}

	sessOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer sessOpts.Destroy()

	if opts.UseCUDA {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("failed to create CUDA provider options: %w", err)
		}
		defer cudaOpts.Destroy()
		if err := sessOpts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			return nil, fmt.Errorf("failed to enable CUDA provider: %w", err)
		}
	}

	seg, err := ort.NewDynamicAdvancedSession(
		modelVariant(opts.SegModelPath, cfg.FP16),
		[]string{"image"},
		[]string{"mask"},
		sessOpts,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create segmentation session: %w", err)
	}

	matting, err := ort.NewDynamicAdvancedSession(
		modelVariant(opts.MattingModelPath, cfg.FP16),
		[]string{"image", "trimap"},
		[]string{"alpha"},
		sessOpts,
	)
	if err != nil {
		seg.Destroy()
		return nil, fmt.Errorf("failed to create matting session: %w", err)
	}

	return &ONNX{cfg: cfg, seg: seg, matting: matting}, nil
}

// modelVariant swaps in an .fp16.onnx sibling when fp16 is requested and
// the variant exists on disk.
func modelVariant(path string, fp16 bool) string {
	if !fp16 {
		return path
	}
	variant := strings.TrimSuffix(path, ".onnx") + ".fp16.onnx"
	if _, err := os.Stat(variant); err == nil {
		return variant
	}
	return path
}

// Process runs segmentation, trimap construction, and matting over the
// batch and composes one RGBA cutout per input at its original resolution.
func (e *ONNX) Process(ctx context.Context, images []image.Image) ([]image.Image, error) {
	if e.seg == nil || e.matting == nil {
		return nil, fmt.Errorf("engine session is nil")
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("empty image batch")
	}

	srcs := make([]*image.NRGBA, len(images))
	for i, img := range images {
		srcs[i] = toNRGBA(img)
	}

	masks, err := e.segment(ctx, srcs)
	if err != nil {
		return nil, err
	}

	trimaps := make([]*image.Gray, len(srcs))
	for i, mask := range masks {
		trimaps[i] = e.buildTrimap(mask)
	}

	alphas, err := e.matte(ctx, srcs, trimaps)
	if err != nil {
		return nil, err
	}

	out := make([]image.Image, len(srcs))
	for i, src := range srcs {
		out[i] = compose(src, alphas[i])
	}
	return out, nil
}

// segment runs the tracer net in chunks of BatchSizeSeg and returns one
// probability mask per image at SegMaskSize resolution.
func (e *ONNX) segment(ctx context.Context, srcs []*image.NRGBA) ([]*image.Gray, error) {
	size := e.cfg.SegMaskSize
	masks := make([]*image.Gray, 0, len(srcs))

	for start := 0; start < len(srcs); start += e.cfg.BatchSizeSeg {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + e.cfg.BatchSizeSeg
		if end > len(srcs) {
			end = len(srcs)
		}
		chunk := srcs[start:end]
		n := int64(len(chunk))

		data := make([]float32, 0, n*3*int64(size)*int64(size))
		for _, src := range chunk {
			data = append(data, imageToCHW(scaleNRGBA(src, size, size))...)
		}
		input, err := ort.NewTensor(ort.NewShape(n, 3, int64(size), int64(size)), data)
		if err != nil {
			return nil, fmt.Errorf("failed to create input tensor: %w", err)
		}
		outData := make([]float32, n*int64(size)*int64(size))
		output, err := ort.NewTensor(ort.NewShape(n, 1, int64(size), int64(size)), outData)
		if err != nil {
			input.Destroy()
			return nil, fmt.Errorf("failed to create output tensor: %w", err)
		}

		err = e.seg.Run([]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output})
		if err != nil {
			input.Destroy()
			output.Destroy()
			return nil, fmt.Errorf("segmentation failed: %w", err)
		}

		probs := output.GetData()
		plane := size * size
		for i := 0; i < int(n); i++ {
			mask := image.NewGray(image.Rect(0, 0, size, size))
			for p := 0; p < plane; p++ {
				mask.Pix[p] = uint8(sigmoid(probs[i*plane+p]) * 255)
			}
			masks = append(masks, mask)
		}
		input.Destroy()
		output.Destroy()
	}
	return masks, nil
}

// buildTrimap converts a probability mask into the three-region trimap
// consumed by the matting net: 255 definite foreground, 128 unknown, 0
// background. Erosion shrinks the definite region, dilation widens the
// unknown band around it.
func (e *ONNX) buildTrimap(mask *image.Gray) *image.Gray {
	bin := binarize(mask, uint8(e.cfg.TrimapProbThreshold))
	inner := bin
	for i := 0; i < e.cfg.TrimapErosionIters; i++ {
		inner = erode(inner)
	}
	outer := bin
	for i := 0; i < e.cfg.TrimapDilation; i++ {
		outer = dilate(outer)
	}

	trimap := image.NewGray(mask.Bounds())
	for p := range trimap.Pix {
		switch {
		case inner.Pix[p] == 255:
			trimap.Pix[p] = 255
		case outer.Pix[p] == 255:
			trimap.Pix[p] = 128
		default:
			trimap.Pix[p] = 0
		}
	}
	return trimap
}

// matte runs the matting net in chunks of BatchSizeMatting and returns one
// alpha plane per image at MattingMaskSize resolution.
func (e *ONNX) matte(ctx context.Context, srcs []*image.NRGBA, trimaps []*image.Gray) ([]*image.Gray, error) {
	size := e.cfg.MattingMaskSize
	alphas := make([]*image.Gray, 0, len(srcs))

	for start := 0; start < len(srcs); start += e.cfg.BatchSizeMatting {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + e.cfg.BatchSizeMatting
		if end > len(srcs) {
			end = len(srcs)
		}
		n := int64(end - start)
		plane := int64(size) * int64(size)

		imgData := make([]float32, 0, n*3*plane)
		triData := make([]float32, 0, n*plane)
		for i := start; i < end; i++ {
			imgData = append(imgData, imageToCHW(scaleNRGBA(srcs[i], size, size))...)
			scaled := scaleGray(trimaps[i], size, size)
			for _, v := range scaled.Pix {
				triData = append(triData, float32(v)/255)
			}
		}

		imgTensor, err := ort.NewTensor(ort.NewShape(n, 3, int64(size), int64(size)), imgData)
		if err != nil {
			return nil, fmt.Errorf("failed to create input tensor: %w", err)
		}
		triTensor, err := ort.NewTensor(ort.NewShape(n, 1, int64(size), int64(size)), triData)
		if err != nil {
			imgTensor.Destroy()
			return nil, fmt.Errorf("failed to create input tensor: %w", err)
		}
		outData := make([]float32, n*plane)
		output, err := ort.NewTensor(ort.NewShape(n, 1, int64(size), int64(size)), outData)
		if err != nil {
			imgTensor.Destroy()
			triTensor.Destroy()
			return nil, fmt.Errorf("failed to create output tensor: %w", err)
		}

		err = e.matting.Run(
			[]ort.ArbitraryTensor{imgTensor, triTensor},
			[]ort.ArbitraryTensor{output},
		)
		if err != nil {
			imgTensor.Destroy()
			triTensor.Destroy()
			output.Destroy()
			return nil, fmt.Errorf("matting failed: %w", err)
		}

		raw := output.GetData()
		for i := 0; i < int(n); i++ {
			alpha := image.NewGray(image.Rect(0, 0, size, size))
			for p := int64(0); p < plane; p++ {
				v := raw[int64(i)*plane+p]
				if v < 0 {
					v = 0
				} else if v > 1 {
					v = 1
				}
				alpha.Pix[p] = uint8(v * 255)
			}
			alphas = append(alphas, alpha)
		}
		imgTensor.Destroy()
		triTensor.Destroy()
		output.Destroy()
	}
	return alphas, nil
}

// Close destroys both sessions. The shared ONNX environment stays alive for
// other engines in the pool.
func (e *ONNX) Close() error {
	var firstErr error
	if e.seg != nil {
		if err := e.seg.Destroy(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to destroy segmentation session: %w", err)
		}
		e.seg = nil
	}
	if e.matting != nil {
		if err := e.matting.Destroy(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to destroy matting session: %w", err)
		}
		e.matting = nil
	}
	return firstErr
}

// compose resizes the alpha plane back to the source resolution and merges
// it with the original color channels.
func compose(src *image.NRGBA, alpha *image.Gray) *image.NRGBA {
	b := src.Bounds()
	scaled := scaleGray(alpha, b.Dx(), b.Dy())
	out := image.NewNRGBA(b)
	copy(out.Pix, src.Pix)
	for p := 0; p < len(scaled.Pix); p++ {
		out.Pix[p*4+3] = scaled.Pix[p]
	}
	return out
}

func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok {
		return n
	}
	dst := image.NewNRGBA(img.Bounds())
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Src)
	return dst
}

func scaleNRGBA(src *image.NRGBA, w, h int) *image.NRGBA {
	if src.Bounds().Dx() == w && src.Bounds().Dy() == h {
		return src
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

func scaleGray(src *image.Gray, w, h int) *image.Gray {
	if src.Bounds().Dx() == w && src.Bounds().Dy() == h {
		return src
	}
	dst := image.NewGray(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// ImageNet normalization used by the tracer and matting nets.
var chwMean = [3]float32{0.485, 0.456, 0.406}
var chwStd = [3]float32{0.229, 0.224, 0.225}

// imageToCHW packs an NRGBA image into a normalized [3,H,W] float32 plane
// sequence.
func imageToCHW(img *image.NRGBA) []float32 {
	w := img.Bounds().Dx()
	h := img.Bounds().Dy()
	plane := w * h
	out := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := img.PixOffset(img.Bounds().Min.X+x, img.Bounds().Min.Y+y)
			p := y*w + x
			for ch := 0; ch < 3; ch++ {
				out[ch*plane+p] = (float32(img.Pix[i+ch])/255 - chwMean[ch]) / chwStd[ch]
			}
		}
	}
	return out
}

func binarize(mask *image.Gray, threshold uint8) *image.Gray {
	out := image.NewGray(mask.Bounds())
	for p, v := range mask.Pix {
		if v >= threshold {
			out.Pix[p] = 255
		}
	}
	return out
}

// dilate grows 255-regions by one pixel using a 3x3 neighborhood.
func dilate(mask *image.Gray) *image.Gray {
	w := mask.Bounds().Dx()
	h := mask.Bounds().Dy()
	out := image.NewGray(mask.Bounds())
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					if mask.Pix[ny*w+nx] == 255 {
						out.Pix[y*w+x] = 255
					}
				}
			}
		}
	}
	return out
}

// erode shrinks 255-regions by one pixel; pixels beyond the border count as
// background, so regions touching the edge erode too.
func erode(mask *image.Gray) *image.Gray {
	w := mask.Bounds().Dx()
	h := mask.Bounds().Dy()
	out := image.NewGray(mask.Bounds())
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			keep := true
			for dy := -1; dy <= 1 && keep; dy++ {
				for dx := -1; dx <= 1 && keep; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= w || ny >= h || mask.Pix[ny*w+nx] != 255 {
						keep = false
					}
				}
			}
			if keep {
				out.Pix[y*w+x] = 255
			}
		}
	}
	return out
}

func sigmoid(v float32) float64 {
	return 1 / (1 + math.Exp(-float64(v)))
}

// Ensure ONNX implements Engine at compile time
var _ Engine = (*ONNX)(nil)
