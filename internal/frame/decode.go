package frame

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/adverant/nexus/counterscan-worker/internal/errors"
)

// Decode turns an encoded JPEG or PNG still into a Frame.
func Decode(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, errors.NewInvalidFrameError(0, 0, "empty image body")
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.NewInvalidFrameError(0, 0, "undecodable image: "+err.Error())
	}
	f := FromImage(img)
	if reason := f.valid(); reason != "" {
		return nil, errors.NewInvalidFrameError(f.Width, f.Height, format+" image: "+reason)
	}
	return f, nil
}
