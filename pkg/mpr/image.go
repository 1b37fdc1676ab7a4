package mpr

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
)

// Window is a Hounsfield display window. Intensities at Center-Width/2 map to
// black and Center+Width/2 to white, the standard CT windowing convention.
type Window struct {
	Center float64
	Width  float64
}

// Common CT presets.
var (
	WindowSoftTissue = Window{Center: 40, Width: 400}
	WindowBone       = Window{Center: 400, Width: 2000}
	WindowLung       = Window{Center: -600, Width: 1500}
)

// Image renders the plane to 16-bit grayscale through the given window.
func (p *Plane) Image(w Window) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, p.Width, p.Height))
	lo := w.Center - w.Width/2
	for v := 0; v < p.Height; v++ {
		for u := 0; u < p.Width; u++ {
			t := (p.Data[v*p.Width+u] - lo) / w.Width
			if t < 0 {
				t = 0
			}
			if t > 1 {
				t = 1
			}
			img.SetGray16(u, v, color.Gray16{Y: uint16(t * 65535)})
		}
	}
	return img
}

// SaveJPEG writes the plane as a JPEG through the given window, creating the
// target directory if needed.
func (p *Plane) SaveJPEG(path string, w Window) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating image file: %w", err)
	}
	defer file.Close()

	if err := jpeg.Encode(file, p.Image(w), &jpeg.Options{Quality: 90}); err != nil {
		return fmt.Errorf("encoding image: %w", err)
	}
	return nil
}
