package view

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// DefaultJPEGQuality is used when the caller passes a quality outside 1-100.
const DefaultJPEGQuality = 85

// Render draws src through t onto a new image of the same size, the way a
// canvas draws a video frame after its transform stack is set up.
func Render(src image.Image, t Transform) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	if b.Empty() {
		return dst
	}

	if !t.Mirror && !t.Zoomed() {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		return dst
	}

	m := t.Matrix(float64(b.Dx()), float64(b.Dy())).Mul(Translate(-float64(b.Min.X), -float64(b.Min.Y)))
	draw.BiLinear.Transform(dst, m.Aff3(), src, b, draw.Src, nil)
	return dst
}

// EncodeJPEG encodes img at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality < 1 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode capture: %w", err)
	}
	return buf.Bytes(), nil
}
