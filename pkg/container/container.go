// Package container defines the contract every raw block source satisfies, whether it is a
// raw image, an evidence container or a virtual-machine disk, and the ordered detection
// protocol that picks the right implementation for an arbitrary input.
package container

import (
	"errors"
	"io"

	"go.uber.org/zap"
)

// VolumeSystem is the higher-level consumer that partitions a container into volumes.
// Containers only hold a non-owning reference to it.
type VolumeSystem interface {
	String() string
}

// Container is one logical, seekable, fixed-size byte stream
type Container interface {
	io.Reader
	io.ReaderAt
	io.Seeker
	io.Closer

	// Tell returns the current absolute position
	Tell() int64

	// Seekable is always true; every container presents full random access
	Seekable() bool

	// Size returns the logical size in bytes, fixed for the lifetime of the container
	Size() int64

	// Source returns the input the container was opened from
	Source() Input

	// VolumeSystem returns the attached volume system, or nil
	VolumeSystem() VolumeSystem

	// SetVolumeSystem attaches a volume system after the fact
	SetVolumeSystem(vs VolumeSystem)

	// Kind names the concrete container kind
	Kind() string
}

// Describer is implemented by containers that expose format metadata
type Describer interface {
	Describe() map[string]string
}

// Options are the constructor parameters forwarded verbatim by the dispatcher
type Options struct {
	// Size overrides the logical size for kinds that cannot derive one; 0 means derive
	Size int64

	VolumeSystem VolumeSystem

	// ChunkCacheSize bounds the bytes of decompressed chunks a container keeps around
	ChunkCacheSize int64

	Logger *zap.Logger
}

// Option configures Options
type Option func(*Options)

// DefaultChunkCacheSize is used when no cache size was configured
const DefaultChunkCacheSize = 32 * 1024 * 1024

// NewOptions applies opts over the defaults
func NewOptions(opts ...Option) Options {
	o := Options{
		ChunkCacheSize: DefaultChunkCacheSize,
		Logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithSize overrides the logical size
func WithSize(size int64) Option {
	return func(o *Options) { o.Size = size }
}

// WithVolumeSystem sets the volume system back-reference
func WithVolumeSystem(vs VolumeSystem) Option {
	return func(o *Options) { o.VolumeSystem = vs }
}

// WithChunkCacheSize bounds decompressed-chunk caches
func WithChunkCacheSize(bytes int64) Option {
	return func(o *Options) { o.ChunkCacheSize = bytes }
}

// WithLogger sets the logger used for format diagnostics
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// ReadN reads up to n bytes from the current position. Fewer bytes are returned only at
// the end of the stream, which is not an error.
func ReadN(r io.Reader, n int) ([]byte, error) {
	if n <= 0 {
		return []byte{}, nil
	}
	buf := make([]byte, n)
	got, err := io.ReadFull(r, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = nil
	}
	return buf[:got], err
}

// ReadInto fills p with a single underlying Read and returns the number of bytes written.
// End of stream is reported as a zero count, not as an error.
func ReadInto(r io.Reader, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := r.Read(p)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}
