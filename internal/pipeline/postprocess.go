// internal/pipeline/postprocess.go
package pipeline

import (
	"fmt"
	"image"
	"image/draw"

	"github.com/disintegration/imaging"
)

const (
	maxFeatherRadius  = 8.0
	maxAlphaThreshold = 255
)

// PostConfig controls deterministic post-processing of model output. It is
// not part of the engine pool key: the same engine serves any combination
// of these values.
type PostConfig struct {
	// FeatherRadius is the Gaussian blur radius applied to the alpha
	// channel, clamped to [0, 8]. Zero disables feathering.
	FeatherRadius float64
	// AlphaThreshold forces alpha samples strictly below it to zero,
	// clamped to [0, 255]. Zero disables thresholding.
	AlphaThreshold int
}

// Clamp returns the config with both fields forced into range.
func (p PostConfig) Clamp() PostConfig {
	if p.FeatherRadius < 0 {
		p.FeatherRadius = 0
	} else if p.FeatherRadius > maxFeatherRadius {
		p.FeatherRadius = maxFeatherRadius
	}
	if p.AlphaThreshold < 0 {
		p.AlphaThreshold = 0
	} else if p.AlphaThreshold > maxAlphaThreshold {
		p.AlphaThreshold = maxAlphaThreshold
	}
	return p
}

// Key returns a canonical string for result-cache keying.
func (p PostConfig) Key() string {
	return fmt.Sprintf("alpha_threshold=%d;feather_radius=%g", p.AlphaThreshold, p.FeatherRadius)
}

// ApplyPost coerces img to an alpha-carrying NRGBA copy and applies
// thresholding then feathering. The order matters: thresholding first gives
// a hard cut whose edge the feather then softens.
func ApplyPost(img image.Image, cfg PostConfig) *image.NRGBA {
	out := image.NewNRGBA(img.Bounds())
	draw.Draw(out, out.Bounds(), img, img.Bounds().Min, draw.Src)

	if cfg.AlphaThreshold > 0 {
		thr := uint8(cfg.AlphaThreshold)
		for i := 3; i < len(out.Pix); i += 4 {
			if out.Pix[i] < thr {
				out.Pix[i] = 0
			}
		}
	}

	if cfg.FeatherRadius > 0 {
		w := out.Bounds().Dx()
		h := out.Bounds().Dy()
		alpha := image.NewGray(image.Rect(0, 0, w, h))
		for p := 0; p < w*h; p++ {
			alpha.Pix[p] = out.Pix[p*4+3]
		}
		blurred := imaging.Blur(alpha, cfg.FeatherRadius)
		for p := 0; p < w*h; p++ {
			out.Pix[p*4+3] = blurred.Pix[p*4] // R channel of the blurred gray
		}
	}

	return out
}
