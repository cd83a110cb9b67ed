// internal/engine/mock.go
package engine

import (
	"context"
	"fmt"
	"image"
	"image/draw"
)

// Mock is a mock implementation of Engine for testing and for running the
// service without the ONNX shared library. It converts each input to NRGBA
// unchanged, which keeps alpha values under the caller's control.
type Mock struct {
	// ShouldError if true, Process will return an error
	ShouldError bool
	// ErrorMessage is the error message to return when ShouldError is true
	ErrorMessage string
	// CallCount tracks the number of times Process was called
	CallCount int
	// BatchSizes records the size of each processed batch
	BatchSizes []int
	// Closed is set once Close has been called
	Closed bool
}

// NewMock creates a new Mock engine.
func NewMock() *Mock {
	return &Mock{}
}

// Process returns an NRGBA copy of every input image, in order.
func (m *Mock) Process(_ context.Context, images []image.Image) ([]image.Image, error) {
	m.CallCount++
	m.BatchSizes = append(m.BatchSizes, len(images))

	if m.ShouldError {
		if m.ErrorMessage != "" {
			return nil, fmt.Errorf("%s", m.ErrorMessage)
		}
		return nil, fmt.Errorf("mock engine error")
	}

	if len(images) == 0 {
		return nil, fmt.Errorf("empty image batch")
	}

	out := make([]image.Image, len(images))
	for i, img := range images {
		nrgba := image.NewNRGBA(img.Bounds())
		draw.Draw(nrgba, nrgba.Bounds(), img, img.Bounds().Min, draw.Src)
		out[i] = nrgba
	}
	return out, nil
}

// Close marks the mock closed.
func (m *Mock) Close() error {
	m.Closed = true
	return nil
}

// SetError configures the mock to return an error on the next Process call
func (m *Mock) SetError(msg string) {
	m.ShouldError = true
	m.ErrorMessage = msg
}

// ClearError clears any configured error
func (m *Mock) ClearError() {
	m.ShouldError = false
	m.ErrorMessage = ""
}

// Ensure Mock implements Engine at compile time
var _ Engine = (*Mock)(nil)
