package container

import (
	"io"
	"path/filepath"
	"strings"
)

// Kind is one concrete container format. Detection is per kind, not per instance.
type Kind interface {
	// Name is the registry name of the kind (e.g. "ewf", "raw")
	Name() string

	// DetectStream inspects the content of r. Implementations must leave the position of r
	// where they found it, whether or not they match.
	DetectStream(r io.ReadSeeker, original Input) (bool, error)

	// DetectPath inspects the path itself (extension, naming convention, siblings) when no
	// open stream is available
	DetectPath(path string, original Input) (bool, error)

	// Open constructs the container. opts are forwarded verbatim from the dispatcher.
	Open(in Input, opts ...Option) (Container, error)
}

// Detect runs the kind's detection against the representative element of in: the first
// source of a list, or the only source otherwise
func Detect(k Kind, in Input) (bool, error) {
	first := in.First()
	if first.IsStream() {
		return k.DetectStream(first.Stream, in)
	}
	return k.DetectPath(first.Path, in)
}

// Peek reads up to n bytes at offset (relative to whence) and restores the position of r
// before returning, on success and on failure alike. A short read near the end of the
// stream returns the bytes that were available.
func Peek(r io.ReadSeeker, offset int64, whence int, n int) (data []byte, err error) {
	saved, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	defer func() {
		if _, serr := r.Seek(saved, io.SeekStart); serr != nil && err == nil {
			err = serr
		}
	}()

	if _, err = r.Seek(offset, whence); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	got, err := io.ReadFull(r, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = nil
	}
	return buf[:got], err
}

// StreamSize returns the length of r, restoring its position
func StreamSize(r io.ReadSeeker) (size int64, err error) {
	saved, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	defer func() {
		if _, serr := r.Seek(saved, io.SeekStart); serr != nil && err == nil {
			err = serr
		}
	}()
	return r.Seek(0, io.SeekEnd)
}

// HasExtension reports whether path ends in one of exts, compared case-insensitively.
// exts include the leading dot.
func HasExtension(path string, exts ...string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return false
	}
	for _, e := range exts {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}
