// Package codedecode finds machine-identifying codes (QR, 1D barcodes) in full
// frames. A decoded code ends a scan session before any OCR is attempted.
package codedecode

import (
	"context"
	"fmt"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/oned"
	"github.com/makiuchi-d/gozxing/qrcode"

	"github.com/adverant/nexus/counterscan-worker/internal/frame"
)

// Point is one corner or finder pattern position in frame pixels
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Payload is a decoded code
type Payload struct {
	Data     string  `json:"data"`
	Format   string  `json:"format"`
	Location []Point `json:"location,omitempty"`
}

// Decoder attempts to decode a code from a frame. (nil, nil) means no code.
type Decoder interface {
	Decode(ctx context.Context, f *frame.Frame) (*Payload, error)
}

// Format names accepted by NewZXingDecoder
const (
	FormatQR      = "QR_CODE"
	FormatCode128 = "CODE_128"
	FormatEAN13   = "EAN_13"
	FormatCode39  = "CODE_39"
)

// DefaultFormats are tried in order
var DefaultFormats = []string{FormatQR, FormatCode128, FormatEAN13}

// ZXingDecoder decodes with gozxing readers
type ZXingDecoder struct {
	formats   []string
	tryHarder bool
}

// NewZXingDecoder returns a decoder for the given formats, DefaultFormats when empty
func NewZXingDecoder(tryHarder bool, formats ...string) (*ZXingDecoder, error) {
	if len(formats) == 0 {
		formats = DefaultFormats
	}
	for _, f := range formats {
		if newReader(f) == nil {
			return nil, fmt.Errorf("unsupported code format %q", f)
		}
	}
	return &ZXingDecoder{formats: formats, tryHarder: tryHarder}, nil
}

func newReader(format string) gozxing.Reader {
	switch format {
	case FormatQR:
		return qrcode.NewQRCodeReader()
	case FormatCode128:
		return oned.NewCode128Reader()
	case FormatEAN13:
		return oned.NewEAN13Reader()
	case FormatCode39:
		return oned.NewCode39Reader()
	}
	return nil
}

// Decode tries each configured reader on f. Reader failures are "no code",
// not errors; only an unusable frame is reported as an error.
func (d *ZXingDecoder) Decode(ctx context.Context, f *frame.Frame) (*Payload, error) {
	if f == nil || f.Width <= 0 || f.Height <= 0 {
		return nil, fmt.Errorf("cannot decode empty frame")
	}

	bmp, err := gozxing.NewBinaryBitmapFromImage(f.Image())
	if err != nil {
		return nil, fmt.Errorf("failed to create bitmap: %w", err)
	}

	var hints map[gozxing.DecodeHintType]interface{}
	if d.tryHarder {
		hints = map[gozxing.DecodeHintType]interface{}{
			gozxing.DecodeHintType_TRY_HARDER: true,
		}
	}

	for _, format := range d.formats {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := newReader(format).Decode(bmp, hints)
		if err != nil || result == nil || result.GetText() == "" {
			continue
		}

		points := result.GetResultPoints()
		location := make([]Point, 0, len(points))
		for _, p := range points {
			if p == nil {
				continue
			}
			location = append(location, Point{X: p.GetX(), Y: p.GetY()})
		}

		return &Payload{
			Data:     result.GetText(),
			Format:   result.GetBarcodeFormat().String(),
			Location: location,
		}, nil
	}

	return nil, nil
}
