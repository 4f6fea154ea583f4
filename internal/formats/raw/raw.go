// Package raw is the catch-all container: the input is a flat, unstructured byte stream.
package raw

import (
	"io"

	"github.com/pkg/errors"

	"github.com/deploymenttheory/go-diskimage/internal/source"
	"github.com/deploymenttheory/go-diskimage/pkg/container"
)

// Name is the registry name of the raw kind
const Name = "raw"

// Kind accepts every input. It must stay last in any registry.
type Kind struct{}

// Name implements container.Kind
func (Kind) Name() string { return Name }

// DetectStream always matches
func (Kind) DetectStream(io.ReadSeeker, container.Input) (bool, error) { return true, nil }

// DetectPath always matches
func (Kind) DetectPath(string, container.Input) (bool, error) { return true, nil }

// Open implements container.Kind
func (Kind) Open(in container.Input, opts ...container.Option) (container.Container, error) {
	return Open(in, opts...)
}

// Container is a raw image
type Container struct {
	*container.Stream
	handle *source.Handle
}

// Open opens the representative source of in as a flat image. A size passed with
// container.WithSize takes precedence over the size of the source.
func Open(in container.Input, opts ...container.Option) (*Container, error) {
	o := container.NewOptions(opts...)
	if o.Size < 0 {
		return nil, errors.Errorf("invalid size %d", o.Size)
	}

	h, err := source.Open(in.Fs(), in.First())
	if err != nil {
		return nil, errors.Wrap(err, "raw")
	}

	size := h.Size()
	if o.Size > 0 {
		size = o.Size
	}

	c := &Container{
		Stream: container.NewStream(Name, in, h, size, h),
		handle: h,
	}
	c.SetVolumeSystem(o.VolumeSystem)
	return c, nil
}

// Describe implements container.Describer
func (c *Container) Describe() map[string]string {
	return map[string]string{
		"source": c.handle.Name(),
	}
}
