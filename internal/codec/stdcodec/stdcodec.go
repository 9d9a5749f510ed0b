// Package stdcodec provides a minimal Decoder/Encoder backed entirely by
// the standard library's image/jpeg, image/png and image/gif packages.
//
// It exists only to make the pipeline runnable end-to-end in tests and the
// demo binary without a real format library (libvips, etc.) wired in —
// per spec.md §1, concrete per-format decoders are external collaborators.
// It does not support progressive/partial decoding: DecodePartial always
// returns (nil, nil), matching the "no preview available" contract.
package stdcodec

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif" // register GIF decoding with image.Decode
	"image/jpeg"
	"image/png"

	"github.com/DMarby/imagepipeline/internal/codec"
	"github.com/DMarby/imagepipeline/internal/container"
)

// Decoder decodes PNG, JPEG and GIF using the standard library.
type Decoder struct{}

// Factory is a codec.DecoderFactory that always returns a stdcodec.Decoder,
// suitable for registering last in a Registry as a catch-all.
func Factory(ctx codec.DecoderContext) codec.Decoder {
	return &Decoder{}
}

// Decode implements codec.Decoder.
func (d *Decoder) Decode(data []byte) (*container.ImageContainer, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("stdcodec: decode: %w", err)
	}

	return &container.ImageContainer{
		Image:  img,
		Data:   data,
		Format: toFormat(format),
	}, nil
}

// DecodePartial implements codec.Decoder; this decoder never produces
// previews.
func (d *Decoder) DecodePartial(data []byte) (*container.ImageContainer, error) {
	return nil, nil
}

func toFormat(name string) container.Format {
	switch name {
	case "png":
		return container.FormatPNG
	case "jpeg":
		return container.FormatJPEG
	case "gif":
		return container.FormatGIF
	default:
		return container.FormatUnknown
	}
}

// Encoder re-encodes a container, choosing JPEG for opaque images and PNG
// for images carrying an alpha channel (spec.md §4.7).
type Encoder struct {
	JPEGQuality int
}

// NewEncoder returns an Encoder with a sane default JPEG quality.
func NewEncoder() *Encoder {
	return &Encoder{JPEGQuality: 85}
}

// Encode implements codec.Encoder.
func (e *Encoder) Encode(c *container.ImageContainer) ([]byte, error) {
	if c.Image == nil {
		return nil, nil
	}

	if c.Format == container.FormatGIF && c.Data != nil {
		// Animated GIFs carry their frames in Data; re-encoding a single
		// decoded frame would drop the animation, so pass the original
		// bytes through untouched.
		return c.Data, nil
	}

	var buf bytes.Buffer
	if hasAlpha(c.Image) {
		if err := png.Encode(&buf, c.Image); err != nil {
			return nil, fmt.Errorf("stdcodec: encode png: %w", err)
		}
		return buf.Bytes(), nil
	}

	q := e.JPEGQuality
	if q == 0 {
		q = 85
	}
	if err := jpeg.Encode(&buf, c.Image, &jpeg.Options{Quality: q}); err != nil {
		return nil, fmt.Errorf("stdcodec: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func hasAlpha(img image.Image) bool {
	switch img.(type) {
	case *image.NRGBA, *image.RGBA, *image.NRGBA64, *image.RGBA64:
		b := img.Bounds()
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				_, _, _, a := img.At(x, y).RGBA()
				if a != 0xffff {
					return true
				}
			}
		}
	}
	return false
}
