// internal/engine/engine.go
package engine

import (
	"context"
	"image"
)

// Engine removes the background from a batch of decoded images.
// This abstraction allows for easy mocking in tests and swapping the model
// runtime without touching the pool or the pipeline.
type Engine interface {
	// Process returns one RGBA cutout per input image, same length and
	// order as the input slice. A returned error covers the whole call.
	Process(ctx context.Context, images []image.Image) ([]image.Image, error)

	// Close releases any resources held by the engine.
	Close() error
}
