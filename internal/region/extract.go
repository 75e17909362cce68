package region

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/adverant/nexus/counterscan-worker/internal/frame"
)

// Extract crops region r out of f into a newly allocated image. Fractions map to
// pixels with floor(fraction * dimension) and the rectangle is clipped to the
// frame, so the crop may be smaller than nominal. ok is false when nothing is
// left after clipping.
func Extract(f *frame.Frame, r Region) (img *image.RGBA, ok bool) {
	if f == nil || f.Width <= 0 || f.Height <= 0 {
		return nil, false
	}

	rect, ok := pixelRect(f.Width, f.Height, r)
	if !ok {
		return nil, false
	}

	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), f.Image(), rect.Min, draw.Src)
	return dst, true
}

// pixelRect converts fractional geometry into a pixel rectangle already
// intersected with [0,width)x[0,height).
func pixelRect(width, height int, r Region) (image.Rectangle, bool) {
	x0 := math.Floor(r.X * float64(width))
	y0 := math.Floor(r.Y * float64(height))
	x1 := x0 + math.Floor(r.W*float64(width))
	y1 := y0 + math.Floor(r.H*float64(height))

	for _, v := range []float64{x0, y0, x1, y1} {
		if math.IsNaN(v) {
			return image.Rectangle{}, false
		}
	}
	// image.Rect would swap inverted corners into a crop nobody asked for.
	if x1 <= x0 || y1 <= y0 {
		return image.Rectangle{}, false
	}

	rect := image.Rect(
		clamp(x0, width), clamp(y0, height),
		clamp(x1, width), clamp(y1, height),
	)
	if rect.Empty() {
		return image.Rectangle{}, false
	}
	return rect, true
}

func clamp(v float64, limit int) int {
	if v <= 0 {
		return 0
	}
	if v >= float64(limit) {
		return limit
	}
	return int(v)
}

// Enhance returns a grayscale copy of img with its luminance stretched to the
// full 0..255 range. Low-contrast LCD and drum displays read noticeably better
// after this.
func Enhance(img image.Image) *image.Gray {
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))

	lo, hi := uint8(255), uint8(0)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			v := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y
			gray.Pix[y*gray.Stride+x] = v
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
	}

	if hi <= lo {
		return gray
	}

	span := float64(hi - lo)
	for i, v := range gray.Pix {
		gray.Pix[i] = uint8(math.Round(float64(v-lo) * 255 / span))
	}
	return gray
}
