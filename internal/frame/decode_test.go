package frame

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/adverant/nexus/counterscan-worker/internal/errors"
)

func TestDecodeFormats(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 12, 7))
	img.Set(3, 4, color.RGBA{R: 200, G: 10, B: 10, A: 255})

	var pngBuf, jpegBuf bytes.Buffer
	if err := png.Encode(&pngBuf, img); err != nil {
		t.Fatal(err)
	}
	if err := jpeg.Encode(&jpegBuf, img, nil); err != nil {
		t.Fatal(err)
	}

	for name, data := range map[string][]byte{"png": pngBuf.Bytes(), "jpeg": jpegBuf.Bytes()} {
		t.Run(name, func(t *testing.T) {
			f, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if f.Width != 12 || f.Height != 7 || len(f.Pix) != 4*12*7 {
				t.Errorf("frame = %dx%d, %d bytes", f.Width, f.Height, len(f.Pix))
			}
		})
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, data := range [][]byte{nil, []byte("GIF89a? no")} {
		if _, err := Decode(data); errors.CodeOf(err) != errors.ErrorInvalidFrame {
			t.Errorf("Decode(%q) = %v, want INVALID_FRAME", data, err)
		}
	}
}
