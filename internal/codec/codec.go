// Package codec defines the pluggable Decoder/Encoder/Processor contracts
// (spec.md §4.7) and the decoder Registry used to pick one per request.
package codec

import (
	"context"

	"github.com/DMarby/imagepipeline/internal/container"
	"github.com/DMarby/imagepipeline/internal/request"
)

// PreviewPolicy controls whether and how a Decoder produces progressive
// preview containers while more bytes arrive.
type PreviewPolicy int

const (
	PreviewDisabled PreviewPolicy = iota
	PreviewIncremental
	PreviewThumbnail
	PreviewDefaultForFormat
)

// Decoder turns encoded bytes into a container. A stateful decoder may be
// fed growing byte prefixes via DecodePartial to emit bounded, monotonic
// progressive previews before the final Decode call.
type Decoder interface {
	// Decode performs a final decode of the complete byte payload.
	Decode(data []byte) (*container.ImageContainer, error)

	// DecodePartial attempts to produce a preview container from a prefix
	// of bytes under the configured PreviewPolicy. It returns (nil, nil)
	// when no preview can be produced yet for the current prefix.
	DecodePartial(data []byte) (*container.ImageContainer, error)
}

// DecoderFactory constructs a Decoder for a request if it can handle the
// data seen so far, or returns nil if it can't (first match wins in a
// Registry).
type DecoderFactory func(ctx DecoderContext) Decoder

// DecoderContext is passed to each factory in a Registry in turn.
type DecoderContext struct {
	Request *request.Request
	Data    []byte
	Final   bool
}

// Registry holds an ordered list of decoder factories; the first one that
// returns a non-nil Decoder for a given context wins (spec.md §4.7).
type Registry struct {
	factories []DecoderFactory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a factory to the end of the registry's match order.
func (r *Registry) Register(f DecoderFactory) {
	r.factories = append(r.factories, f)
}

// Decoder returns the first matching Decoder for ctx, or nil if none
// matched.
func (r *Registry) Decoder(ctx DecoderContext) Decoder {
	for _, f := range r.factories {
		if d := f(ctx); d != nil {
			return d
		}
	}
	return nil
}

// Encoder turns a container back into encoded bytes, or returns (nil, nil)
// if it declines to encode the given container.
type Encoder interface {
	Encode(c *container.ImageContainer) ([]byte, error)
}

// ProcessorContext carries the information a Processor needs beyond the
// container itself.
type ProcessorContext struct {
	Request       *request.Request
	IsFinal       bool // false when processing an in-flight progressive preview
	IsProgressive bool // true when this processor opted into progressive mode
}

// Processor transforms a container, returning (nil, nil) if it declines
// (for example, a processor that only runs on final decodes asked to run
// on a preview). Every Processor exposes a stable Identifier so that
// processor-pipeline equality — and therefore processed-image cache-key
// stability — reduces to comparing ordered identifier lists (spec.md
// §4.7, §4.8).
type Processor interface {
	request.Processor
	Process(ctx context.Context, c *container.ImageContainer, pctx ProcessorContext) (*container.ImageContainer, error)
	// SupportsProgressive reports whether this processor may run against
	// non-final preview containers.
	SupportsProgressive() bool
}
