package container

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// Stream turns a positionless io.ReaderAt of known size into the seekable surface of a
// Container. Concrete kinds embed *Stream and usually add Describe.
//
// Position state is not synchronized: callers sharing one container across goroutines
// must serialize Seek and Read themselves. ReadAt is as safe as the underlying reader.
type Stream struct {
	kind   string
	src    Input
	r      io.ReaderAt
	size   int64
	pos    int64
	vs     VolumeSystem
	closer io.Closer
	closed bool
}

// NewStream returns a Stream over r. closer may be nil when there is nothing to release.
func NewStream(kind string, src Input, r io.ReaderAt, size int64, closer io.Closer) *Stream {
	return &Stream{
		kind:   kind,
		src:    src,
		r:      r,
		size:   size,
		closer: closer,
	}
}

func (s *Stream) ioErr(op string, err error) error {
	return &IOError{Op: op, Kind: s.kind, Err: err}
}

// Read implements io.Reader (readinto). It fills p completely unless the end of the stream
// is reached first.
func (s *Stream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, s.ioErr("read", ErrClosed)
	}
	if len(p) == 0 {
		return 0, nil
	}
	if s.pos >= s.size {
		return 0, io.EOF
	}
	if remaining := s.size - s.pos; int64(len(p)) > remaining {
		p = p[:remaining]
	}

	n, err := s.r.ReadAt(p, s.pos)
	s.pos += int64(n)
	if n == len(p) {
		return n, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		// The backing store ended before the logical size did
		err = io.ErrUnexpectedEOF
	}
	return n, s.ioErr("read", err)
}

// ReadAt implements io.ReaderAt without touching the current position
func (s *Stream) ReadAt(p []byte, off int64) (int, error) {
	if s.closed {
		return 0, s.ioErr("read", ErrClosed)
	}
	if off < 0 {
		return 0, s.ioErr("read", ErrNegativePosition)
	}
	if off >= s.size {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}

	short := false
	if remaining := s.size - off; int64(len(p)) > remaining {
		p = p[:remaining]
		short = true
	}

	n, err := s.r.ReadAt(p, off)
	if n < len(p) {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return n, s.ioErr("read", err)
	}
	if short {
		return n, io.EOF
	}
	return n, nil
}

// Seek implements io.Seeker. Seeking past the end is allowed; seeking before 0 is not.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	if s.closed {
		return 0, s.ioErr("seek", ErrClosed)
	}

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.pos + offset
	case io.SeekEnd:
		abs = s.size + offset
	default:
		return s.pos, s.ioErr("seek", fmt.Errorf("%w: %d", ErrInvalidWhence, whence))
	}
	if abs < 0 {
		return s.pos, s.ioErr("seek", fmt.Errorf("%w: %d", ErrNegativePosition, abs))
	}
	s.pos = abs
	return abs, nil
}

// Tell returns the current position
func (s *Stream) Tell() int64 {
	return s.pos
}

// Seekable is always true
func (s *Stream) Seekable() bool {
	return true
}

// Size returns the logical size
func (s *Stream) Size() int64 {
	return s.size
}

// Source returns the input the container was opened from
func (s *Stream) Source() Input {
	return s.src
}

// VolumeSystem returns the attached volume system
func (s *Stream) VolumeSystem() VolumeSystem {
	return s.vs
}

// SetVolumeSystem attaches a volume system
func (s *Stream) SetVolumeSystem(vs VolumeSystem) {
	s.vs = vs
}

// Closed reports whether Close has been called
func (s *Stream) Closed() bool {
	return s.closed
}

// Close releases the underlying resources. Calling it again is a no-op.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.closer == nil {
		return nil
	}
	if err := s.closer.Close(); err != nil {
		return s.ioErr("close", err)
	}
	return nil
}

// Kind names the container kind the stream was built for
func (s *Stream) Kind() string {
	return s.kind
}

func (s *Stream) String() string {
	vs := "None"
	if s.vs != nil {
		vs = s.vs.String()
	}
	return fmt.Sprintf("<%sContainer size=%d vs=%s>", displayName(s.kind), s.size, vs)
}

func displayName(kind string) string {
	if kind == "" {
		return ""
	}
	return strings.ToUpper(kind[:1]) + kind[1:]
}
