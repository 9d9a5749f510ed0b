// Package resize provides a concrete, illustrative codec.Processor backed
// by golang.org/x/image/draw. It is the one shipped Processor implementation
// per spec.md §1's contract-only scope for concrete processors.
package resize

import (
	"context"
	"fmt"
	"image"

	"github.com/DMarby/imagepipeline/internal/codec"
	"github.com/DMarby/imagepipeline/internal/container"
	"golang.org/x/image/draw"
)

// Processor scales a container's image to exactly Width x Height using a
// configurable interpolation kernel when it is larger than that box in
// either dimension; the aspect ratio is not preserved. Images that already
// fit are returned unchanged.
type Processor struct {
	Width, Height int
	Scaler        draw.Scaler
}

// New returns a resize Processor targeting width x height with approximate
// bilinear interpolation, a reasonable default for thumbnail generation.
func New(width, height int) *Processor {
	return &Processor{Width: width, Height: height, Scaler: draw.ApproxBiLinear}
}

// Identifier implements request.Processor / codec.Processor: resize
// pipelines with the same target dimensions compare equal, which is the
// sole mechanism that keeps processed-image cache keys stable (spec.md
// §4.7).
func (p *Processor) Identifier() string {
	return fmt.Sprintf("resize(%dx%d)", p.Width, p.Height)
}

// SupportsProgressive implements codec.Processor; resizing a low-res
// preview is cheap and visually useful, so this processor opts in.
func (p *Processor) SupportsProgressive() bool {
	return true
}

// Process implements codec.Processor.
func (p *Processor) Process(ctx context.Context, c *container.ImageContainer, pctx codec.ProcessorContext) (*container.ImageContainer, error) {
	if c.Image == nil {
		return nil, nil
	}

	src := c.Image
	sb := src.Bounds()
	if sb.Dx() <= p.Width && sb.Dy() <= p.Height {
		return c, nil
	}

	dst := image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))
	scaler := p.Scaler
	if scaler == nil {
		scaler = draw.ApproxBiLinear
	}
	scaler.Scale(dst, dst.Bounds(), src, sb, draw.Over, nil)

	return &container.ImageContainer{
		Image:     dst,
		Format:    c.Format,
		IsPreview: c.IsPreview,
		UserInfo:  c.UserInfo,
	}, nil
}
