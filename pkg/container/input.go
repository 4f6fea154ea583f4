package container

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"
)

// Source is one physical source of a container: either a filesystem path or an open stream
type Source struct {
	Path   string
	Stream io.ReadSeeker
}

// PathSource returns a path-backed source
func PathSource(path string) Source {
	return Source{Path: path}
}

// StreamSource returns a stream-backed source
func StreamSource(r io.ReadSeeker) Source {
	return Source{Stream: r}
}

// IsStream reports whether the source is an open stream rather than a path
func (s Source) IsStream() bool {
	return s.Stream != nil
}

// Name returns a printable name for the source
func (s Source) Name() string {
	if s.IsStream() {
		if n, ok := s.Stream.(interface{ Name() string }); ok && n.Name() != "" {
			return n.Name()
		}
		return fmt.Sprintf("<stream %T>", s.Stream)
	}
	return s.Path
}

func (s Source) validate() error {
	if s.Stream == nil && s.Path == "" {
		return fmt.Errorf("%w: empty source", ErrInvalidInput)
	}
	if s.Stream != nil && s.Path != "" {
		return fmt.Errorf("%w: source has both a path and a stream", ErrInvalidInput)
	}
	return nil
}

// Input is the normalized form of whatever was handed to Open: a single source, or an
// ordered list of sources that together make up one logical image
type Input struct {
	sources   []Source
	segmented bool
	fs        afero.Fs
}

// Single builds a single-source input
func Single(src Source) Input {
	return Input{sources: []Source{src}}
}

// Segmented builds an ordered multi-source input
func Segmented(srcs ...Source) Input {
	return Input{sources: append([]Source(nil), srcs...), segmented: true}
}

// NewInput normalizes item into an Input. Strings become paths, streams are kept as-is and
// lists keep their order. Paths are resolved through fs, which defaults to the OS filesystem;
// an Input that already carries a filesystem keeps it.
func NewInput(item any, fs afero.Fs) (Input, error) {
	in, err := normalize(item)
	if err != nil {
		return Input{}, err
	}
	if len(in.sources) == 0 {
		return Input{}, fmt.Errorf("%w: empty source list", ErrInvalidInput)
	}
	for _, src := range in.sources {
		if err := src.validate(); err != nil {
			return Input{}, err
		}
	}
	if fs != nil && in.fs == nil {
		in.fs = fs
	}
	return in, nil
}

func normalize(item any) (Input, error) {
	switch v := item.(type) {
	case nil:
		return Input{}, fmt.Errorf("%w: nil item", ErrInvalidInput)
	case Input:
		return v, nil
	case *Input:
		if v == nil {
			return Input{}, fmt.Errorf("%w: nil input", ErrInvalidInput)
		}
		return *v, nil
	case Source:
		return Single(v), nil
	case string:
		return Single(PathSource(v)), nil
	case io.ReadSeeker:
		return Single(StreamSource(v)), nil
	case []Source:
		return Segmented(v...), nil
	case []string:
		srcs := make([]Source, 0, len(v))
		for _, p := range v {
			srcs = append(srcs, PathSource(p))
		}
		return Segmented(srcs...), nil
	case []io.ReadSeeker:
		srcs := make([]Source, 0, len(v))
		for _, r := range v {
			if r == nil {
				return Input{}, fmt.Errorf("%w: nil stream in list", ErrInvalidInput)
			}
			srcs = append(srcs, StreamSource(r))
		}
		return Segmented(srcs...), nil
	case []any:
		srcs := make([]Source, 0, len(v))
		for i, e := range v {
			src, err := element(e)
			if err != nil {
				return Input{}, fmt.Errorf("list element %d: %w", i, err)
			}
			srcs = append(srcs, src)
		}
		return Segmented(srcs...), nil
	}
	return Input{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidInput, item)
}

func element(e any) (Source, error) {
	switch v := e.(type) {
	case string:
		return PathSource(v), nil
	case Source:
		return v, nil
	case io.ReadSeeker:
		if v == nil {
			return Source{}, fmt.Errorf("%w: nil stream", ErrInvalidInput)
		}
		return StreamSource(v), nil
	}
	return Source{}, fmt.Errorf("%w: unsupported element type %T", ErrInvalidInput, e)
}

// First returns the representative source used for detection
func (in Input) First() Source {
	if len(in.sources) == 0 {
		return Source{}
	}
	return in.sources[0]
}

// Sources returns a copy of the ordered sources
func (in Input) Sources() []Source {
	return append([]Source(nil), in.sources...)
}

// Len returns the number of sources
func (in Input) Len() int {
	return len(in.sources)
}

// IsSegmented reports whether the input was given as a list
func (in Input) IsSegmented() bool {
	return in.segmented
}

// Fs returns the filesystem used to resolve path sources
func (in Input) Fs() afero.Fs {
	if in.fs == nil {
		return afero.NewOsFs()
	}
	return in.fs
}

// WithFs returns a copy of the input resolving paths through fs
func (in Input) WithFs(fs afero.Fs) Input {
	in.fs = fs
	return in
}

func (in Input) String() string {
	if !in.segmented && len(in.sources) == 1 {
		return in.sources[0].Name()
	}
	names := make([]string, 0, len(in.sources))
	for _, src := range in.sources {
		names = append(names, src.Name())
	}
	return "[" + strings.Join(names, ", ") + "]"
}
