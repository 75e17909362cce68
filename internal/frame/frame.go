// Package frame holds captured video frames and the bounded buffer the scan
// loop samples from.
package frame

import (
	"image"
	"image/draw"
	"time"
)

// Frame is an immutable RGBA pixel buffer. Once pushed into a Buffer it must not
// be mutated by anyone.
type Frame struct {
	Seq        uint64
	Width      int
	Height     int
	Pix        []byte // interleaved R,G,B,A rows, stride 4*Width
	CapturedAt time.Time
}

// New wraps an existing RGBA pixel slice without copying it.
func New(width, height int, pix []byte) *Frame {
	return &Frame{
		Width:      width,
		Height:     height,
		Pix:        pix,
		CapturedAt: time.Now(),
	}
}

// FromImage converts a decoded image into a Frame. *image.RGBA with a tight
// stride and zero origin is reused as-is; anything else is redrawn.
func FromImage(img image.Image) *Frame {
	b := img.Bounds()
	if rgba, ok := img.(*image.RGBA); ok && b.Min == (image.Point{}) && rgba.Stride == 4*b.Dx() {
		return New(b.Dx(), b.Dy(), rgba.Pix)
	}

	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return New(b.Dx(), b.Dy(), dst.Pix)
}

// Image returns a read-only RGBA view over the frame's pixels. No copy is made.
func (f *Frame) Image() *image.RGBA {
	return &image.RGBA{
		Pix:    f.Pix,
		Stride: 4 * f.Width,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

// valid reports why the frame cannot be buffered, or "" if it can.
func (f *Frame) valid() string {
	switch {
	case f == nil:
		return "nil frame"
	case f.Width <= 0 || f.Height <= 0:
		return "zero width or height"
	case len(f.Pix) < 4*f.Width*f.Height:
		return "pixel buffer shorter than 4*width*height"
	}
	return ""
}
