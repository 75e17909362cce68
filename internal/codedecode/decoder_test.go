package codedecode

import (
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/oned"
	"github.com/makiuchi-d/gozxing/qrcode"

	"github.com/adverant/nexus/counterscan-worker/internal/frame"
)

func whiteFrame(w, h int) *frame.Frame {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	return frame.FromImage(img)
}

func TestDecodeQRCode(t *testing.T) {
	matrix, err := qrcode.NewQRCodeWriter().Encode("METER-4711", gozxing.BarcodeFormat_QR_CODE, 240, 240, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	d, err := NewZXingDecoder(false)
	if err != nil {
		t.Fatalf("NewZXingDecoder: %v", err)
	}

	got, err := d.Decode(context.Background(), frame.FromImage(matrix))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got == nil {
		t.Fatalf("expected a payload")
	}
	if got.Data != "METER-4711" || got.Format != FormatQR {
		t.Fatalf("payload = %+v", got)
	}
	if len(got.Location) < 3 {
		t.Fatalf("expected finder pattern points, got %v", got.Location)
	}
}

func TestDecodeCode128(t *testing.T) {
	matrix, err := oned.NewCode128Writer().Encode("SN20931", gozxing.BarcodeFormat_CODE_128, 320, 80, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	d, _ := NewZXingDecoder(true, FormatQR, FormatCode128)
	got, err := d.Decode(context.Background(), frame.FromImage(matrix))
	if err != nil || got == nil {
		t.Fatalf("Decode() = %+v, %v", got, err)
	}
	if got.Data != "SN20931" || got.Format != FormatCode128 {
		t.Fatalf("payload = %+v", got)
	}
}

func TestDecodeNoCode(t *testing.T) {
	d, _ := NewZXingDecoder(true)

	f := whiteFrame(120, 90)
	f.Image().SetRGBA(60, 45, color.RGBA{A: 255})

	got, err := d.Decode(context.Background(), f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no code, got %+v", got)
	}
}

func TestDecodeRejectsEmptyFrame(t *testing.T) {
	d, _ := NewZXingDecoder(false)
	if _, err := d.Decode(context.Background(), &frame.Frame{}); err == nil {
		t.Fatalf("expected error for empty frame")
	}
}

func TestDecodeHonoursCancelledContext(t *testing.T) {
	d, _ := NewZXingDecoder(false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := d.Decode(ctx, whiteFrame(40, 40)); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestNewZXingDecoderRejectsUnknownFormat(t *testing.T) {
	if _, err := NewZXingDecoder(false, "AZTEC"); err == nil {
		t.Fatalf("expected error")
	}
}
