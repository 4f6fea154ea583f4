// Package source opens the physical sources behind a container input as positionless,
// sized readers.
package source

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/deploymenttheory/go-diskimage/pkg/container"
)

// ErrOutOfRange is returned when a range read from a header lies outside the source
var ErrOutOfRange = errors.New("range outside the source")

// Handle is one opened source
type Handle struct {
	name   string
	r      io.ReaderAt
	size   int64
	closer io.Closer
}

// Open opens src. Paths are opened through fs; streams are used directly and owned by the
// handle from now on, so closing the handle closes them too.
func Open(fs afero.Fs, src container.Source) (*Handle, error) {
	if src.IsStream() {
		return FromStream(src.Stream, src.Name())
	}

	f, err := fs.Open(src.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", src.Path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", src.Path, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s is a directory", src.Path)
	}

	return &Handle{
		name:   src.Path,
		r:      f,
		size:   info.Size(),
		closer: f,
	}, nil
}

// FromStream wraps an already open stream
func FromStream(r io.ReadSeeker, name string) (*Handle, error) {
	size, err := container.StreamSize(r)
	if err != nil {
		return nil, fmt.Errorf("failed to size %s: %w", name, err)
	}

	h := &Handle{name: name, size: size}
	if ra, ok := r.(io.ReaderAt); ok {
		h.r = ra
	} else {
		h.r = &seekReaderAt{r: r}
	}
	if c, ok := r.(io.Closer); ok {
		h.closer = c
	}
	return h, nil
}

// OpenAll opens every source of in, in order. On failure the handles opened so far are closed.
func OpenAll(in container.Input) ([]*Handle, error) {
	fs := in.Fs()
	handles := make([]*Handle, 0, in.Len())
	for _, src := range in.Sources() {
		h, err := Open(fs, src)
		if err != nil {
			return nil, multierr.Append(err, CloseAll(handles))
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// CloseAll closes every handle and combines the errors
func CloseAll(handles []*Handle) error {
	var err error
	for _, h := range handles {
		err = multierr.Append(err, h.Close())
	}
	return err
}

// ReadAt implements io.ReaderAt
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	return h.r.ReadAt(p, off)
}

// ReadFullAt reads exactly len(p) bytes at off
func (h *Handle) ReadFullAt(p []byte, off int64) error {
	n, err := h.r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("read %d bytes at offset %d of %s: %w", len(p), off, h.name, err)
}

// Contains reports whether the n bytes at off lie inside the source
func (h *Handle) Contains(off, n int64) bool {
	return off >= 0 && n >= 0 && off <= h.size && n <= h.size-off
}

// ReadRange allocates and reads the n bytes at off. The range is checked against the
// size of the source before anything is allocated.
func (h *Handle) ReadRange(off, n int64) ([]byte, error) {
	if !h.Contains(off, n) {
		return nil, fmt.Errorf("%d bytes at offset %d of %s (%d bytes): %w", n, off, h.name, h.size, ErrOutOfRange)
	}
	b := make([]byte, n)
	if err := h.ReadFullAt(b, off); err != nil {
		return nil, err
	}
	return b, nil
}

// Size returns the physical size of the source
func (h *Handle) Size() int64 {
	return h.size
}

// Name returns the path or stream name of the source
func (h *Handle) Name() string {
	return h.name
}

// Close releases the source. It is safe to call more than once.
func (h *Handle) Close() error {
	if h.closer == nil {
		return nil
	}
	c := h.closer
	h.closer = nil
	return c.Close()
}

// Closer adapts a set of handles to io.Closer
type Closer []*Handle

func (c Closer) Close() error {
	return CloseAll(c)
}

// seekReaderAt provides ReadAt over a plain ReadSeeker by serializing seek+read pairs
type seekReaderAt struct {
	mu sync.Mutex
	r  io.ReadSeeker
}

func (s *seekReaderAt) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.r.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(s.r, p)
}
