// Package container defines the decoded-image artifacts that flow through
// the pipeline: Format, ImageContainer, and ImageResponse (spec.md §3).
package container

import (
	"image"

	"github.com/DMarby/imagepipeline/internal/request"
)

// Format identifies the encoded byte representation of an image.
type Format string

const (
	FormatPNG     Format = "png"
	FormatJPEG    Format = "jpeg"
	FormatGIF     Format = "gif"
	FormatHEIC    Format = "heic"
	FormatWebP    Format = "webp"
	FormatUnknown Format = "unknown"
)

// ImageContainer wraps a decoded image plus the data needed to describe and
// re-encode it. Exclusively owned by its producer; shared read-only once
// handed to caches and subscribers.
type ImageContainer struct {
	Image     image.Image
	Data      []byte // raw bytes, set for animated formats so frames survive re-encoding
	Format    Format
	IsPreview bool
	UserInfo  map[string]any
}

// Cost estimates the memory footprint of the container for cache accounting:
// width*height*4 bytes for the decoded pixel buffer plus any attached raw
// bytes (spec.md §4.3).
func (c *ImageContainer) Cost() int64 {
	var cost int64
	if c.Image != nil {
		b := c.Image.Bounds()
		cost += int64(b.Dx()) * int64(b.Dy()) * 4
	}
	cost += int64(len(c.Data))
	return cost
}

// ResponseSource indicates where an ImageResponse's data ultimately came
// from.
type ResponseSource int

const (
	SourceMemoryCache ResponseSource = iota
	SourceDiskCache
	SourceNetwork
	SourcePreview
)

func (s ResponseSource) String() string {
	switch s {
	case SourceMemoryCache:
		return "memory-cache"
	case SourceDiskCache:
		return "disk-cache"
	case SourceNetwork:
		return "network"
	case SourcePreview:
		return "preview"
	default:
		return "unknown"
	}
}

// ImageResponse is an ImageContainer plus the request that produced it and
// where it came from.
type ImageResponse struct {
	Request   *request.Request
	Container *ImageContainer
	Source    ResponseSource
}
