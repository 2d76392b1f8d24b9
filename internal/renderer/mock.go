package renderer

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"

	"github.com/7and1/thedoorpost/internal/analyzer"
)

// Mock implements analyzer.Renderer without a browser. It returns a fixed
// placeholder frame for both screenshots so the pipeline can run end to end
// on machines without Chrome.
type Mock struct {
	once sync.Once
	full []byte
	ai   []byte
	err  error
}

// NewMock creates a browserless renderer.
func NewMock() *Mock {
	return &Mock{}
}

// Render returns the placeholder screenshots. The URL is ignored and no
// network traffic occurs.
func (m *Mock) Render(_ context.Context, _ string) (analyzer.RenderResult, error) {
	m.once.Do(func() {
		m.full, m.err = placeholderPNG(fullWidth, fullHeight)
		if m.err != nil {
			return
		}
		m.ai, m.err = placeholderPNG(aiWidth, aiHeight)
	})
	if m.err != nil {
		return analyzer.RenderResult{}, m.err
	}
	return analyzer.RenderResult{Full: m.full, AI: m.ai, ContentType: "image/png"}, nil
}

// Close is a no-op; there is no browser to tear down.
func (m *Mock) Close() {}

func placeholderPNG(width, height int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	fill := color.RGBA{R: 0xf5, G: 0xf5, B: 0xf5, A: 0xff}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, fill)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
